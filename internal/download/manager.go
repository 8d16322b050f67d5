// Package download fetches catalog assets into the local cache with a
// bounded worker pool, per-attempt timeouts, retries and integrity checks.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/eldersvr/onboard/internal/clock"
	"github.com/eldersvr/onboard/internal/progress"
	"github.com/eldersvr/onboard/internal/retry"
	"github.com/eldersvr/onboard/internal/storage"
	"github.com/eldersvr/onboard/pkg/types"
	"golang.org/x/sync/errgroup"
)

const (
	chunkSize = 32 * 1024

	// UserAgent identifies the tool to the backend and the CDN.
	UserAgent = "EldersVR-CLI/1.0.0"
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ExistingFileAction controls what happens to assets already in the cache.
type ExistingFileAction string

const (
	KeepExisting  ExistingFileAction = "skip"
	ForceDownload ExistingFileAction = "force"
)

// Backoff shapes the wait between attempts.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

type Options struct {
	MaxWorkers         int
	TimeoutPerAttempt  time.Duration
	RetryAttempts      int
	Sequential         bool
	QualityFilter      []types.Quality // empty means every quality
	ExistingFileAction ExistingFileAction
	Backoff            Backoff
}

func DefaultOptions() Options {
	return Options{
		MaxWorkers:         5,
		TimeoutPerAttempt:  60 * time.Second,
		RetryAttempts:      retry.DefaultPolicy.Retries,
		ExistingFileAction: KeepExisting,
		Backoff:            Backoff{Base: retry.DefaultPolicy.Base, Max: retry.DefaultPolicy.Max},
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.MaxWorkers < 1 {
		o.MaxWorkers = def.MaxWorkers
	}
	if o.Sequential {
		o.MaxWorkers = 1
	}
	if o.TimeoutPerAttempt <= 0 {
		o.TimeoutPerAttempt = def.TimeoutPerAttempt
	}
	if o.RetryAttempts < 0 {
		o.RetryAttempts = 0
	}
	if o.ExistingFileAction == "" {
		o.ExistingFileAction = KeepExisting
	}
	if o.Backoff.Base <= 0 {
		o.Backoff = def.Backoff
	}
	return o
}

func (o Options) policy() retry.Policy {
	return retry.Policy{Retries: o.RetryAttempts, Base: o.Backoff.Base, Max: o.Backoff.Max}
}

// accepts applies the quality filter. Assets without a quality tier
// always pass.
func (o Options) accepts(q types.Quality) bool {
	if len(o.QualityFilter) == 0 || q == types.QualityNone {
		return true
	}
	for _, allowed := range o.QualityFilter {
		if allowed == q {
			return true
		}
	}
	return false
}

// Report lists every task the batch created, each with its final status.
type Report struct {
	Tasks       []*types.DownloadTask
	Succeeded   int
	Failed      int
	Skipped     int
	Interrupted bool
}

// Failures returns the tasks that ended in failure.
func (r *Report) Failures() []*types.DownloadTask {
	var failed []*types.DownloadTask
	for _, task := range r.Tasks {
		if task.Status == types.DownloadFailed {
			failed = append(failed, task)
		}
	}
	return failed
}

type Config struct {
	Client   HTTPDoer
	Store    *storage.Store // optional cache index
	Progress progress.Sink
	Clock    clock.Clock
	Logger   *slog.Logger
}

type Manager struct {
	client   HTTPDoer
	store    *storage.Store
	progress progress.Sink
	clock    clock.Clock
	logger   *slog.Logger
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		client:   cfg.Client,
		store:    cfg.Store,
		progress: cfg.Progress,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if m.client == nil {
		m.client = http.DefaultClient
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

// Fetch downloads every asset that passes the quality filter. The
// manifest and assets without a source URL are not downloaded. Per-task
// failures are reported, never returned; the error is non-nil only when
// ctx ended the batch early.
func (m *Manager) Fetch(ctx context.Context, assets []types.Asset, opts Options) (*Report, error) {
	opts = opts.normalize()

	report := &Report{}
	for _, asset := range assets {
		if asset.Kind == types.KindMetadata || asset.SourceURL == "" {
			continue
		}
		if !opts.accepts(asset.Quality) {
			continue
		}
		report.Tasks = append(report.Tasks, &types.DownloadTask{
			Asset:      asset,
			Status:     types.DownloadPending,
			BytesTotal: asset.ExpectedSize,
		})
	}

	queue := make(chan *types.DownloadTask, len(report.Tasks))
	for _, task := range report.Tasks {
		queue <- task
	}
	close(queue)

	workers := min(opts.MaxWorkers, len(report.Tasks))
	m.logger.Info("starting downloads", "assets", len(report.Tasks), "workers", workers)

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for task := range queue {
				if err := ctx.Err(); err != nil {
					m.finish(task, types.DownloadFailed, err)
					continue
				}
				m.run(ctx, task, opts)
			}
			return nil
		})
	}
	g.Wait()

	for _, task := range report.Tasks {
		switch task.Status {
		case types.DownloadSucceeded:
			report.Succeeded++
		case types.DownloadSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}

	if err := ctx.Err(); err != nil {
		report.Interrupted = true
		return report, err
	}
	return report, nil
}

func (m *Manager) run(ctx context.Context, task *types.DownloadTask, opts Options) {
	asset := task.Asset
	log := m.logger.With("asset", asset.Key())
	task.Status = types.DownloadInProgress

	if opts.ExistingFileAction != ForceDownload {
		if size, ok := m.cached(asset); ok {
			task.BytesDone, task.BytesTotal = size, size
			log.Debug("cache hit", "path", asset.LocalCachePath)
			m.finish(task, types.DownloadSkipped, nil)
			return
		}
	}

	state := opts.policy().Start()
	for {
		task.Attempts = state.Attempt()
		err := m.attempt(ctx, task, opts.TimeoutPerAttempt)
		if err == nil {
			log.Debug("downloaded", "attempt", task.Attempts, "bytes", task.BytesDone)
			m.finish(task, types.DownloadSucceeded, nil)
			return
		}
		task.Err = err

		if ctx.Err() != nil || !types.IsRetryable(err) {
			break
		}
		delay, ok := state.Next()
		if !ok {
			break
		}
		log.Warn("download attempt failed, retrying", "attempt", task.Attempts, "wait", delay, "err", err)
		if err := retry.Sleep(ctx, m.clock, delay); err != nil {
			break
		}
	}

	log.Error("download failed", "attempts", task.Attempts, "err", task.Err)
	m.finish(task, types.DownloadFailed, task.Err)
}

// cached reports whether the asset's slot already holds a complete copy.
// Without an expected size the cache index must record a fetch of the
// same size; with no index, presence is enough.
func (m *Manager) cached(asset types.Asset) (int64, bool) {
	info, err := os.Stat(asset.LocalCachePath)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	if asset.ExpectedSize > 0 {
		return info.Size(), info.Size() == asset.ExpectedSize
	}
	if m.store == nil {
		return info.Size(), true
	}
	entry, err := m.store.GetCacheEntry(asset.Key())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.logger.Warn("reading cache index", "asset", asset.Key(), "err", err)
		}
		return 0, false
	}
	return info.Size(), entry.Path == asset.LocalCachePath && entry.Size == info.Size()
}

// attempt performs one GET into the slot's .part file and renames it into
// place only once size and checksum are verified.
func (m *Manager) attempt(ctx context.Context, task *types.DownloadTask, timeout time.Duration) error {
	asset := task.Asset
	task.BytesDone = 0
	task.BytesTotal = asset.ExpectedSize

	if err := os.MkdirAll(filepath.Dir(asset.LocalCachePath), 0755); err != nil {
		return fmt.Errorf("%w: %w", types.ErrLocalFS, err)
	}
	partPath := asset.LocalCachePath + ".part"
	file, err := os.Create(partPath)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrLocalFS, err)
	}
	committed := false
	defer func() {
		if !committed {
			file.Close()
			os.Remove(partPath)
		}
	}()

	digester, err := storage.NewDigester(asset.Checksum)
	if err != nil {
		return fmt.Errorf("asset %s: %w", asset.ID, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, asset.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("asset %s: %w", asset.ID, err)
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", types.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: GET %s: %s", types.ErrNetwork, asset.SourceURL, resp.Status)
	}
	if asset.ExpectedSize > 0 && resp.ContentLength >= 0 && resp.ContentLength != asset.ExpectedSize {
		return fmt.Errorf("%w: server announced %d bytes, expected %d", types.ErrIntegrity, resp.ContentLength, asset.ExpectedSize)
	}
	if task.BytesTotal == 0 && resp.ContentLength > 0 {
		task.BytesTotal = resp.ContentLength
	}
	m.emit(task, false, "")

	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return fmt.Errorf("%w: %w", types.ErrLocalFS, err)
			}
			digester.Write(buf[:n])
			task.BytesDone += int64(n)
			m.emit(task, false, "")
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: reading body: %w", types.ErrNetwork, readErr)
		}
	}

	if task.BytesTotal > 0 && task.BytesDone != task.BytesTotal {
		return fmt.Errorf("%w: received %d bytes, expected %d", types.ErrIntegrity, task.BytesDone, task.BytesTotal)
	}
	task.BytesTotal = task.BytesDone
	if err := digester.Verify(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrIntegrity, err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrLocalFS, err)
	}
	if err := os.Rename(partPath, asset.LocalCachePath); err != nil {
		os.Remove(partPath)
		committed = true
		return fmt.Errorf("%w: %w", types.ErrLocalFS, err)
	}
	committed = true

	if m.store != nil {
		err := m.store.PutCacheEntry(&storage.CacheEntry{
			Key:       asset.Key(),
			AssetID:   asset.ID,
			Quality:   asset.Quality,
			Path:      asset.LocalCachePath,
			Size:      task.BytesDone,
			Digest:    digester.ContentDigest(),
			FetchedAt: m.clock.Now(),
		})
		if err != nil {
			m.logger.Warn("recording cache entry", "asset", asset.Key(), "err", err)
		}
	}
	return nil
}

func (m *Manager) finish(task *types.DownloadTask, status types.DownloadStatus, err error) {
	task.Status = status
	if err != nil {
		task.Err = err
	}

	var outcome types.Outcome
	switch status {
	case types.DownloadSucceeded:
		outcome = types.OutcomeSucceeded
	case types.DownloadSkipped:
		outcome = types.OutcomeSkipped
	default:
		outcome = types.OutcomeFailed
	}
	m.emit(task, true, outcome)
}

func (m *Manager) emit(task *types.DownloadTask, terminal bool, outcome types.Outcome) {
	m.progress.Record(types.ProgressEvent{
		TaskID:     task.Asset.Key(),
		Unit:       types.UnitDownload,
		Attempt:    task.Attempts,
		BytesDone:  task.BytesDone,
		BytesTotal: task.BytesTotal,
		Terminal:   terminal,
		Outcome:    outcome,
	})
}
