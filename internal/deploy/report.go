package deploy

import (
	"time"

	"github.com/eldersvr/onboard/internal/download"
	"github.com/eldersvr/onboard/internal/progress"
	"github.com/eldersvr/onboard/internal/storage"
	"github.com/eldersvr/onboard/internal/transfer"
	"github.com/eldersvr/onboard/pkg/types"
)

// Process exit codes derived from a report.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitInterrupted = 130
)

// DownloadCounts tallies the download phase.
type DownloadCounts struct {
	Succeeded int
	Failed    int
	Skipped   int
}

// Report is the outcome of one run. Download and Transfer are nil for
// phases that did not run.
type Report struct {
	RunID       string
	StartedAt   time.Time
	Duration    time.Duration
	Download    *download.Report
	Transfer    *transfer.Report
	Progress    progress.Summary
	Evicted     int64
	Changed     []string // cached files changed while the run watched them
	Interrupted bool
	Err         error
}

func (r *Report) Downloaded() DownloadCounts {
	if r.Download == nil {
		return DownloadCounts{}
	}
	return DownloadCounts{
		Succeeded: r.Download.Succeeded,
		Failed:    r.Download.Failed,
		Skipped:   r.Download.Skipped,
	}
}

// Transferred returns per-device counts keyed by serial.
func (r *Report) Transferred() map[string]transfer.Counts {
	out := make(map[string]transfer.Counts)
	if r.Transfer == nil {
		return out
	}
	for _, d := range r.Transfer.Devices {
		out[d.Device.Serial] = d.Counts()
	}
	return out
}

// Cancelled reports whether a conflict answer stopped the pass.
func (r *Report) Cancelled() bool {
	return r.Transfer != nil && r.Transfer.Cancelled
}

// ExitCode maps the report onto the process exit status: 130 for an
// interrupt, 1 for any failure or a cancelled pass, 0 otherwise.
func (r *Report) ExitCode() int {
	if r.Interrupted {
		return ExitInterrupted
	}
	if r.Err != nil || r.Cancelled() || r.Downloaded().Failed > 0 {
		return ExitFailure
	}
	for _, counts := range r.Transferred() {
		if counts.Failed > 0 || counts.Cancelled > 0 {
			return ExitFailure
		}
	}
	if r.Transfer != nil {
		for _, v := range r.Transfer.Verifications {
			if !v.Complete() {
				return ExitFailure
			}
		}
	}
	return ExitOK
}

// Status summarises the most recent run from the history store.
type Status struct {
	Run     *storage.Run
	Devices map[string]transfer.Counts
	Failed  []*storage.TransferRecord
}

// LastStatus reads the latest run that reached the devices. Runs that
// never recorded a transfer would hide the failures worth retrying.
func LastStatus(store *storage.Store) (*Status, error) {
	run, err := store.LastDeployment()
	if err != nil {
		return nil, err
	}
	records, err := store.Transfers(run.ID)
	if err != nil {
		return nil, err
	}

	status := &Status{Run: run, Devices: make(map[string]transfer.Counts)}
	for _, r := range records {
		c := status.Devices[r.Serial]
		switch r.Status {
		case types.TransferTransferred:
			c.Transferred++
		case types.TransferSkipped:
			c.Skipped++
		case types.TransferOverwritten:
			c.Overwritten++
		case types.TransferFailed:
			c.Failed++
			status.Failed = append(status.Failed, r)
		case types.TransferCancelled:
			c.Cancelled++
			status.Failed = append(status.Failed, r)
		}
		status.Devices[r.Serial] = c
	}
	return status, nil
}
