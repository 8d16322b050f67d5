package types

import (
	"fmt"
	"strings"
)

// DownloadStatus is the lifecycle state of a DownloadTask.
type DownloadStatus string

const (
	DownloadPending    DownloadStatus = "pending"
	DownloadInProgress DownloadStatus = "in-progress"
	DownloadSucceeded  DownloadStatus = "succeeded"
	DownloadFailed     DownloadStatus = "failed"
	// DownloadSkipped means the asset was already cached with a matching size.
	DownloadSkipped DownloadStatus = "skipped"
)

// IsFinished returns true for terminal download states.
func (s DownloadStatus) IsFinished() bool {
	return s == DownloadSucceeded || s == DownloadFailed || s == DownloadSkipped
}

// DownloadTask tracks one asset fetch. Only the worker executing it mutates it.
type DownloadTask struct {
	Asset      Asset
	Attempts   int
	Status     DownloadStatus
	BytesDone  int64
	BytesTotal int64
	Err        error
}

// TransferStatus is the lifecycle state of a TransferTask.
type TransferStatus string

const (
	TransferPending         TransferStatus = "pending"
	TransferConflictPending TransferStatus = "conflict-pending"
	TransferSkipped         TransferStatus = "skipped"
	TransferOverwritten     TransferStatus = "overwritten"
	TransferTransferred     TransferStatus = "transferred"
	TransferFailed          TransferStatus = "failed"
	TransferCancelled       TransferStatus = "cancelled"
)

// IsTerminal returns true once a transfer task has a final outcome.
func (s TransferStatus) IsTerminal() bool {
	switch s {
	case TransferSkipped, TransferOverwritten, TransferTransferred, TransferFailed, TransferCancelled:
		return true
	}
	return false
}

// TransferTask tracks one (asset, device) push.
type TransferTask struct {
	Asset           Asset
	Device          Device
	DestinationPath string
	Status          TransferStatus
	Reason          string
	// Kept is set when a conflict answer left the device's differing copy
	// in place.
	Kept bool
}

// ID identifies the task in progress events and history.
func (t *TransferTask) ID() string {
	return t.Device.Serial + ":" + t.Asset.Key()
}

// Decision is the outcome of a conflict prompt.
type Decision string

const (
	DecisionSkip         Decision = "skip"
	DecisionSkipAll      Decision = "skip-all"
	DecisionOverwrite    Decision = "overwrite"
	DecisionOverwriteAll Decision = "overwrite-all"
	DecisionCancel       Decision = "cancel"
)

// ParseDecision accepts the long names and the single-letter prompt
// answers s, S, o, O and c.
func ParseDecision(s string) (Decision, error) {
	switch strings.TrimSpace(s) {
	case "s", "skip":
		return DecisionSkip, nil
	case "S", "skip-all", "skip all":
		return DecisionSkipAll, nil
	case "o", "overwrite":
		return DecisionOverwrite, nil
	case "O", "overwrite-all", "overwrite all":
		return DecisionOverwriteAll, nil
	case "c", "C", "cancel":
		return DecisionCancel, nil
	}
	return "", fmt.Errorf("unknown conflict decision %q", s)
}

// Unit distinguishes the two producers of progress events.
type Unit string

const (
	UnitDownload Unit = "download"
	UnitTransfer Unit = "transfer"
)

// Outcome is the final status carried by a terminal progress event.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeOverwritten Outcome = "overwritten"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeFailed      Outcome = "failed"
	OutcomeCancelled   Outcome = "cancelled"
)

// ProgressEvent reports bytes moved for one task. Events for a single
// task and attempt have non-decreasing BytesDone.
type ProgressEvent struct {
	TaskID     string
	Unit       Unit
	Device     string // serial, empty for downloads
	Attempt    int
	BytesDone  int64
	BytesTotal int64
	Terminal   bool
	Outcome    Outcome // set when Terminal
}
