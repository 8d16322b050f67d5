// Package deploy runs a whole deployment: catalog, downloads, device
// passes, and the history that lets a later run retry what failed.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/eldersvr/onboard/internal/catalog"
	"github.com/eldersvr/onboard/internal/clock"
	"github.com/eldersvr/onboard/internal/conflict"
	"github.com/eldersvr/onboard/internal/download"
	"github.com/eldersvr/onboard/internal/progress"
	"github.com/eldersvr/onboard/internal/storage"
	"github.com/eldersvr/onboard/internal/transfer"
	"github.com/eldersvr/onboard/internal/watcher"
	"github.com/eldersvr/onboard/pkg/types"
	"github.com/google/uuid"
)

var (
	ErrNoHistory    = errors.New("no previous deployment recorded")
	ErrNothingToRun = errors.New("nothing to retry")
)

type Config struct {
	// Source supplies the manifest; nil means the copy on disk.
	Source   catalog.ManifestSource
	Layout   catalog.Layout
	HTTP     download.HTTPDoer
	Shell    transfer.Shell
	Resolver *conflict.Resolver
	Store    *storage.Store
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Engine wires the managers together. One Engine serves many runs; each
// run gets fresh managers bound to its own progress aggregator.
type Engine struct {
	source   catalog.ManifestSource
	layout   catalog.Layout
	http     download.HTTPDoer
	shell    transfer.Shell
	resolver *conflict.Resolver
	store    *storage.Store
	clock    clock.Clock
	logger   *slog.Logger
}

func NewEngine(cfg Config) *Engine {
	e := &Engine{
		source:   cfg.Source,
		layout:   cfg.Layout,
		http:     cfg.HTTP,
		shell:    cfg.Shell,
		resolver: cfg.Resolver,
		store:    cfg.Store,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.resolver == nil {
		e.resolver = conflict.NewResolver(conflict.Fixed(types.DecisionSkip))
	}
	return e
}

type Options struct {
	Download download.Options
	Transfer transfer.Options
	// Offline reuses the manifest on disk instead of asking the source.
	Offline      bool
	SkipDownload bool
	SkipTransfer bool
	// WatchCache evicts index entries for cached files changed during
	// the run. It needs a store.
	WatchCache bool
	// Progress receives the run's events; nil creates a private
	// aggregator.
	Progress *progress.Aggregator
	// Observer sees every event after the aggregator has applied it.
	Observer progress.Sink
}

// Catalog loads the manifest, refreshes the local copy and expands it into
// assets.
func (e *Engine) Catalog(ctx context.Context, offline bool) (*catalog.Manifest, []types.Asset, error) {
	var source catalog.ManifestSource = catalog.FileSource{Path: e.layout.ManifestPath}
	if !offline && e.source != nil {
		source = e.source
	}

	m, err := source.FetchManifest(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading manifest: %w", err)
	}
	if !offline && e.source != nil {
		if err := m.WriteFile(e.layout.ManifestPath); err != nil {
			return nil, nil, fmt.Errorf("%w: %w", types.ErrLocalFS, err)
		}
		if data, err := m.Encode(); err == nil {
			for _, issue := range catalog.Validate(data) {
				e.logger.Warn("manifest", "issue", issue)
			}
		}
	}

	assets := catalog.Normalize(m, e.layout)
	count := catalog.CountAssets(assets)
	e.logger.Info("catalog ready", "assets", len(assets), "high", count.High, "low", count.Low, "images", count.Images)
	return m, assets, nil
}

// Deploy runs one full deployment. Per-task failures are in the report;
// the error is for conditions that stopped the run.
func (e *Engine) Deploy(ctx context.Context, devices []types.Device, opts Options) (*Report, error) {
	run := e.begin(opts)

	_, assets, err := e.Catalog(ctx, opts.Offline)
	if err != nil {
		return e.end(run, err)
	}
	return e.execute(ctx, run, devices, assets, opts)
}

// RetryFailed re-runs the transfer tasks the last run with a device pass
// recorded as failed or cancelled, against the manifest on disk.
func (e *Engine) RetryFailed(ctx context.Context, devices []types.Device, opts Options) (*Report, error) {
	if e.store == nil {
		return nil, ErrNoHistory
	}
	last, err := e.store.LastDeployment()
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, err
	}
	records, err := e.store.Transfers(last.ID, types.TransferFailed, types.TransferCancelled)
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", last.ID, err)
	}
	if len(records) == 0 {
		return nil, ErrNothingToRun
	}

	only := make(map[string]map[string]bool)
	needed := make(map[string]bool)
	for _, r := range records {
		if only[r.Serial] == nil {
			only[r.Serial] = make(map[string]bool)
		}
		only[r.Serial][r.AssetKey] = true
		needed[r.AssetKey] = true
	}
	e.logger.Info("retrying failed transfers", "previous_run", last.ID, "tasks", len(records))

	run := e.begin(opts)
	_, assets, err := e.Catalog(ctx, true)
	if err != nil {
		return e.end(run, err)
	}

	var wanted []types.Asset
	for _, a := range assets {
		if needed[a.Key()] {
			wanted = append(wanted, a)
		}
	}
	opts.Transfer.Only = only
	return e.execute(ctx, run, devices, wanted, opts)
}

// Verify checks each device against the manifest on disk.
func (e *Engine) Verify(ctx context.Context, devices []types.Device, filter transfer.ContentFilter) ([]transfer.Verification, error) {
	_, assets, err := e.Catalog(ctx, true)
	if err != nil {
		return nil, err
	}
	tm := transfer.NewManager(transfer.Config{Shell: e.shell, Clock: e.clock, Logger: e.logger})

	var out []transfer.Verification
	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		out = append(out, tm.Verify(ctx, device, assets, filter))
	}
	return out, nil
}

// runState is what a run carries between begin and end.
type runState struct {
	report     *Report
	aggregator *progress.Aggregator
	sink       progress.Sink
}

func (e *Engine) begin(opts Options) *runState {
	agg := opts.Progress
	if agg == nil {
		agg = progress.NewAggregator(e.clock)
	}
	run := &runState{
		report: &Report{
			RunID:     uuid.NewString(),
			StartedAt: e.clock.Now(),
		},
		aggregator: agg,
		sink:       agg,
	}
	if opts.Observer != nil {
		run.sink = tee{agg, opts.Observer}
	}
	if e.store != nil {
		if err := e.store.BeginRun(run.report.RunID, run.report.StartedAt); err != nil {
			e.logger.Warn("recording run start", "run", run.report.RunID, "err", err)
		}
	}
	e.logger.Info("deployment started", "run", run.report.RunID)
	return run
}

func (e *Engine) execute(ctx context.Context, run *runState, devices []types.Device, assets []types.Asset, opts Options) (*Report, error) {
	report := run.report

	if opts.WatchCache && e.store != nil {
		stop, err := e.watchCache(ctx)
		if err != nil {
			e.logger.Warn("cache watcher disabled", "err", err)
		} else {
			defer func() { report.Evicted, report.Changed = stop() }()
		}
	}

	if !opts.SkipDownload {
		dm := download.NewManager(download.Config{
			Client:   e.http,
			Store:    e.store,
			Progress: run.sink,
			Clock:    e.clock,
			Logger:   e.logger,
		})
		dr, err := dm.Fetch(ctx, assets, opts.Download)
		report.Download = dr
		if err != nil {
			return e.end(run, err)
		}
	}

	if !opts.SkipTransfer {
		tm := transfer.NewManager(transfer.Config{
			Shell:    e.shell,
			Resolver: e.resolver,
			Progress: run.sink,
			Store:    e.store,
			Clock:    e.clock,
			Logger:   e.logger,
		})
		tOpts := opts.Transfer
		tOpts.RunID = report.RunID
		tr, err := tm.Transfer(ctx, devices, assets, tOpts)
		report.Transfer = tr
		if err != nil {
			return e.end(run, err)
		}
	}

	return e.end(run, nil)
}

// tee forwards each event to the aggregator, then to an observer.
type tee struct {
	first, second progress.Sink
}

func (t tee) Record(event types.ProgressEvent) {
	t.first.Record(event)
	t.second.Record(event)
}

// watchCache starts a cache watcher for the run and returns the function
// that stops it and reports how many entries it evicted and which cached
// files changed.
func (e *Engine) watchCache(ctx context.Context) (func() (int64, []string), error) {
	if err := os.MkdirAll(e.layout.CacheDir, 0755); err != nil {
		return nil, err
	}
	cw, err := watcher.New(e.store, e.logger)
	if err != nil {
		return nil, err
	}
	if err := cw.AddPath(filepath.Clean(e.layout.CacheDir)); err != nil {
		cw.Close()
		return nil, err
	}

	var changed []string
	record := func(event watcher.CacheEvent) {
		changed = append(changed, event.Path)
		e.logger.Warn("cached file changed during the run, it will be fetched again next time",
			"path", event.Path, "op", event.Operation)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		cw.Run(ctx)
	}()
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for {
			select {
			case event := <-cw.Events():
				record(event)
			case <-ctx.Done():
				return
			}
		}
	}()

	return func() (int64, []string) {
		cancel()
		<-done
		<-collected
		cw.Close()
		for {
			select {
			case event := <-cw.Events():
				record(event)
			default:
				return cw.Evicted(), changed
			}
		}
	}, nil
}

func (e *Engine) end(run *runState, err error) (*Report, error) {
	report := run.report
	report.Err = err
	report.Interrupted = errors.Is(err, context.Canceled) ||
		(report.Download != nil && report.Download.Interrupted) ||
		(report.Transfer != nil && report.Transfer.Interrupted)
	report.Progress = run.aggregator.Finalize()
	report.Duration = e.clock.Now().Sub(report.StartedAt)

	if e.store != nil {
		if ferr := e.store.FinishRun(report.RunID, e.clock.Now(), report.ExitCode()); ferr != nil {
			e.logger.Warn("recording run end", "run", report.RunID, "err", ferr)
		}
	}

	log := e.logger.With("run", report.RunID, "duration", report.Duration, "exit", report.ExitCode())
	if err != nil {
		log.Error("deployment stopped", "err", err)
	} else {
		log.Info("deployment finished")
	}
	return report, err
}
