// Package transfer pushes cached assets to devices, one file at a time per
// device, resolving conflicts with files already present there.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/eldersvr/onboard/internal/clock"
	"github.com/eldersvr/onboard/internal/conflict"
	"github.com/eldersvr/onboard/internal/progress"
	"github.com/eldersvr/onboard/internal/storage"
	"github.com/eldersvr/onboard/pkg/types"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAllDevicesUnavailable = errors.New("all devices unavailable")
	ErrNoDevices             = errors.New("no devices in scope")
	// ErrDecisionSource marks a pass aborted because no conflict decision
	// could be obtained.
	ErrDecisionSource = errors.New("conflict decision unavailable")
)

// Shell is the device-side file API.
type Shell interface {
	Stat(ctx context.Context, serial, path string) (types.RemoteFile, error)
	Push(ctx context.Context, serial, localPath, remotePath string) error
	Delete(ctx context.Context, serial, path string) error
	List(ctx context.Context, serial, dir string) ([]types.Entry, error)
}

// LayoutPreparer is implemented by shells that can create the content
// directories before the first push.
type LayoutPreparer interface {
	EnsureLayout(ctx context.Context, device types.Device) error
}

// Checksummer is implemented by shells that can hash a file on the
// device. It returns the sha256 hex digest.
type Checksummer interface {
	Checksum(ctx context.Context, serial, path string) (string, error)
}

type Options struct {
	ContentFilter     ContentFilter
	DeviceScope       DeviceScope
	ConcurrentDevices bool
	Verify            bool
	// RunID keys the pass in the history store; empty disables recording.
	RunID string
	// Only, when set, restricts each device to the listed asset keys.
	Only map[string]map[string]bool
}

type Config struct {
	Shell    Shell
	Resolver *conflict.Resolver
	Progress progress.Sink
	Store    *storage.Store
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Manager struct {
	shell    Shell
	resolver *conflict.Resolver
	progress progress.Sink
	store    *storage.Store
	clock    clock.Clock
	logger   *slog.Logger
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		shell:    cfg.Shell,
		resolver: cfg.Resolver,
		progress: cfg.Progress,
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if m.resolver == nil {
		m.resolver = conflict.NewResolver(conflict.Fixed(types.DecisionSkip))
	}
	if m.progress == nil {
		m.progress = progress.Discard
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Counts tallies task outcomes.
type Counts struct {
	Transferred int
	Skipped     int
	Overwritten int
	Failed      int
	Cancelled   int
}

func countTasks(tasks []*types.TransferTask) Counts {
	var c Counts
	for _, task := range tasks {
		switch task.Status {
		case types.TransferTransferred:
			c.Transferred++
		case types.TransferSkipped:
			c.Skipped++
		case types.TransferOverwritten:
			c.Overwritten++
		case types.TransferFailed:
			c.Failed++
		case types.TransferCancelled:
			c.Cancelled++
		}
	}
	return c
}

// DeviceReport is one device's share of a pass. Err is set when the
// device stopped early.
type DeviceReport struct {
	Device types.Device
	Tasks  []*types.TransferTask
	Err    error
}

func (d *DeviceReport) Counts() Counts { return countTasks(d.Tasks) }

type Report struct {
	Devices []*DeviceReport
	// Cancelled is set when a conflict answer cancelled the pass.
	Cancelled     bool
	Interrupted   bool
	Verifications []Verification
}

// Tasks returns every task of the pass, device by device.
func (r *Report) Tasks() []*types.TransferTask {
	var tasks []*types.TransferTask
	for _, d := range r.Devices {
		tasks = append(tasks, d.Tasks...)
	}
	return tasks
}

func (r *Report) Counts() Counts { return countTasks(r.Tasks()) }

// Device returns the report for serial, or nil.
func (r *Report) Device(serial string) *DeviceReport {
	for _, d := range r.Devices {
		if d.Device.Serial == serial {
			return d
		}
	}
	return nil
}

// pass is the state shared by the device loops of one Transfer call.
// Device operations run under ops, so stopping the pass lets in-flight
// pushes complete; loops and prompts watch stop.
type pass struct {
	ops    context.Context
	stop   context.Context
	cancel context.CancelCauseFunc
}

func (p *pass) stopped() bool { return p.stop.Err() != nil }

// Transfer runs one pass over the devices in scope. Every planned task is
// in the report with a final status. The error is non-nil for pass-level
// conditions only: no reachable device, a failing decision source, or ctx
// ending the pass.
func (m *Manager) Transfer(ctx context.Context, devices []types.Device, catalog []types.Asset, opts Options) (*Report, error) {
	if opts.ContentFilter == "" {
		opts.ContentFilter = AllContent
	}
	m.resolver.Reset()

	report := &Report{}
	for _, device := range devices {
		if !opts.DeviceScope.includes(device) {
			continue
		}
		tasks := Plan(device, catalog, opts.ContentFilter)
		if opts.Only != nil {
			tasks = restrict(tasks, opts.Only[device.Serial])
		}
		report.Devices = append(report.Devices, &DeviceReport{Device: device, Tasks: tasks})
	}
	if len(report.Devices) == 0 {
		return report, ErrNoDevices
	}

	passCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	p := &pass{ops: ctx, stop: passCtx, cancel: cancel}

	if opts.ConcurrentDevices {
		var g errgroup.Group
		for _, dr := range report.Devices {
			dr := dr
			g.Go(func() error {
				m.runDevice(p, dr)
				return nil
			})
		}
		g.Wait()
	} else {
		for _, dr := range report.Devices {
			m.runDevice(p, dr)
		}
	}

	cause := context.Cause(passCtx)
	report.Cancelled = errors.Is(cause, types.ErrConflictCancelled)
	report.Interrupted = ctx.Err() != nil

	if opts.Verify && !report.Cancelled && !report.Interrupted {
		for _, dr := range report.Devices {
			if dr.Err != nil {
				continue
			}
			report.Verifications = append(report.Verifications, m.verifyTasks(ctx, dr.Device, dr.Tasks))
		}
	}

	if opts.RunID != "" && m.store != nil {
		if err := m.store.RecordTransfers(opts.RunID, report.Tasks(), m.clock.Now()); err != nil {
			m.logger.Warn("recording transfer history", "run", opts.RunID, "err", err)
		}
	}

	switch {
	case errors.Is(cause, ErrDecisionSource):
		return report, cause
	case ctx.Err() != nil:
		return report, ctx.Err()
	case allUnavailable(report.Devices):
		return report, ErrAllDevicesUnavailable
	}
	return report, nil
}

func restrict(tasks []*types.TransferTask, keys map[string]bool) []*types.TransferTask {
	var kept []*types.TransferTask
	for _, task := range tasks {
		if keys[task.Asset.Key()] {
			kept = append(kept, task)
		}
	}
	return kept
}

func allUnavailable(devices []*DeviceReport) bool {
	for _, d := range devices {
		if !errors.Is(d.Err, types.ErrDeviceUnavailable) {
			return false
		}
	}
	return len(devices) > 0
}

// runDevice processes one device's tasks strictly in order.
func (m *Manager) runDevice(p *pass, dr *DeviceReport) {
	log := m.logger.With("device", dr.Device.Serial, "role", dr.Device.Role)
	log.Info("transferring", "files", len(dr.Tasks))

	if prep, ok := m.shell.(LayoutPreparer); ok && !p.stopped() {
		if err := prep.EnsureLayout(p.ops, dr.Device); err != nil {
			dr.Err = err
			log.Error("preparing device layout", "err", err)
			m.failRemaining(dr.Tasks, 0, dr.Err)
			return
		}
	}

	for i, task := range dr.Tasks {
		if p.stopped() {
			m.cancelRemaining(dr.Tasks, i)
			return
		}

		err := m.runTask(p, task)
		log.Debug("file done", "asset", task.Asset.Key(), "status", task.Status, "reason", task.Reason)

		switch {
		case err == nil:
		case types.IsDeviceFatal(err):
			dr.Err = err
			log.Error("device dropped out of the pass", "err", err)
			m.failRemaining(dr.Tasks, i+1, err)
			return
		default:
			// Only decision-source failures reach here.
			log.Error("aborting pass", "err", err)
			p.cancel(err)
			m.cancelRemaining(dr.Tasks, i+1)
			return
		}
	}
}

// runTask moves one file. It returns an error only when the device must
// stop (device-fatal) or the whole pass must stop (decision source).
func (m *Manager) runTask(p *pass, task *types.TransferTask) error {
	ctx := p.ops
	serial := task.Device.Serial

	info, err := os.Stat(task.Asset.LocalCachePath)
	if err != nil {
		m.finish(task, types.TransferFailed, "not in local cache", 0, task.Asset.ExpectedSize)
		return nil
	}
	size := info.Size()
	m.emit(task, 0, size, false, "")

	remote, err := m.shell.Stat(ctx, serial, task.DestinationPath)
	if err != nil {
		return m.failTask(p, task, err, size)
	}

	switch {
	case !remote.Exists:
		if err := m.pushVerified(ctx, serial, task, size); err != nil {
			return m.failTask(p, task, err, size)
		}
		m.finish(task, types.TransferTransferred, "", size, size)
		return nil

	case remote.Size == size && !m.contentDiffers(ctx, task):
		m.finish(task, types.TransferSkipped, "already present", size, size)
		return nil
	}

	task.Status = types.TransferConflictPending
	decision, err := m.resolver.Resolve(p.stop, conflict.Context{
		AssetID:    task.Asset.ID,
		Serial:     serial,
		Role:       task.Device.Role,
		Path:       task.DestinationPath,
		LocalSize:  size,
		RemoteSize: remote.Size,
	})
	if err != nil {
		if p.stopped() {
			m.finish(task, types.TransferCancelled, "pass cancelled", 0, size)
			return nil
		}
		m.finish(task, types.TransferFailed, "no conflict decision", 0, size)
		return fmt.Errorf("%w: %w", ErrDecisionSource, err)
	}

	switch decision {
	case types.DecisionSkip, types.DecisionSkipAll:
		task.Kept = true
		m.finish(task, types.TransferSkipped, "kept device copy", size, size)
	case types.DecisionOverwrite, types.DecisionOverwriteAll:
		if err := m.shell.Delete(ctx, serial, task.DestinationPath); err != nil {
			return m.failTask(p, task, err, size)
		}
		if err := m.pushVerified(ctx, serial, task, size); err != nil {
			return m.failTask(p, task, err, size)
		}
		m.finish(task, types.TransferOverwritten, "", size, size)
	case types.DecisionCancel:
		p.cancel(types.ErrConflictCancelled)
		m.finish(task, types.TransferCancelled, "cancelled at conflict prompt", 0, size)
	}
	return nil
}

// contentDiffers compares digests for the manifest, which is regenerated
// every run and can change without changing size. Other assets are
// judged by size alone. A digest that cannot be read counts as equal.
func (m *Manager) contentDiffers(ctx context.Context, task *types.TransferTask) bool {
	if task.Asset.Kind != types.KindMetadata {
		return false
	}
	cs, ok := m.shell.(Checksummer)
	if !ok {
		return false
	}
	local, err := storage.HashFile(task.Asset.LocalCachePath, storage.SHA256)
	if err != nil {
		m.logger.Debug("hashing local manifest", "path", task.Asset.LocalCachePath, "err", err)
		return false
	}
	remote, err := cs.Checksum(ctx, task.Device.Serial, task.DestinationPath)
	if err != nil {
		m.logger.Debug("hashing device manifest", "device", task.Device.Serial, "path", task.DestinationPath, "err", err)
		return false
	}
	return remote != local.Hex
}

// pushVerified pushes and checks the remote size, trying once more on a
// failed push or a size mismatch.
func (m *Manager) pushVerified(ctx context.Context, serial string, task *types.TransferTask, size int64) error {
	var lastErr error
	for try := 0; try < 2; try++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.shell.Push(ctx, serial, task.Asset.LocalCachePath, task.DestinationPath); err != nil {
			if types.IsDeviceFatal(err) {
				return err
			}
			lastErr = err
			continue
		}
		remote, err := m.shell.Stat(ctx, serial, task.DestinationPath)
		if err != nil {
			if types.IsDeviceFatal(err) {
				return err
			}
			lastErr = err
			continue
		}
		if remote.Exists && remote.Size == size {
			return nil
		}
		lastErr = fmt.Errorf("%w: device has %d bytes, pushed %d", types.ErrIntegrity, remote.Size, size)
	}
	return lastErr
}

// failTask records err on the task. Device-fatal errors are returned so
// the device loop stops; an interrupted operation counts as cancelled.
func (m *Manager) failTask(p *pass, task *types.TransferTask, err error, size int64) error {
	if p.ops.Err() != nil {
		m.finish(task, types.TransferCancelled, "interrupted", 0, size)
		return nil
	}
	if types.IsDeviceFatal(err) {
		m.finish(task, types.TransferFailed, reasonFor(err), 0, size)
		return err
	}
	m.finish(task, types.TransferFailed, err.Error(), 0, size)
	return nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, types.ErrStorageExhausted):
		return "storage exhausted"
	case errors.Is(err, types.ErrDeviceUnavailable):
		return "device unavailable"
	}
	return err.Error()
}

func (m *Manager) failRemaining(tasks []*types.TransferTask, from int, err error) {
	for _, task := range tasks[from:] {
		if task.Status.IsTerminal() {
			continue
		}
		m.finish(task, types.TransferFailed, reasonFor(err), 0, task.Asset.ExpectedSize)
	}
}

func (m *Manager) cancelRemaining(tasks []*types.TransferTask, from int) {
	for _, task := range tasks[from:] {
		if task.Status.IsTerminal() {
			continue
		}
		m.finish(task, types.TransferCancelled, "pass cancelled", 0, task.Asset.ExpectedSize)
	}
}

var outcomes = map[types.TransferStatus]types.Outcome{
	types.TransferTransferred: types.OutcomeSucceeded,
	types.TransferOverwritten: types.OutcomeOverwritten,
	types.TransferSkipped:     types.OutcomeSkipped,
	types.TransferFailed:      types.OutcomeFailed,
	types.TransferCancelled:   types.OutcomeCancelled,
}

func (m *Manager) finish(task *types.TransferTask, status types.TransferStatus, reason string, done, total int64) {
	task.Status = status
	task.Reason = reason
	m.emit(task, done, total, true, outcomes[status])
}

func (m *Manager) emit(task *types.TransferTask, done, total int64, terminal bool, outcome types.Outcome) {
	m.progress.Record(types.ProgressEvent{
		TaskID:     task.ID(),
		Unit:       types.UnitTransfer,
		Device:     task.Device.Serial,
		Attempt:    1,
		BytesDone:  done,
		BytesTotal: total,
		Terminal:   terminal,
		Outcome:    outcome,
	})
}
