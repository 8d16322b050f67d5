package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/eldersvr/onboard/internal/adb"
	"github.com/eldersvr/onboard/internal/backend"
	"github.com/eldersvr/onboard/internal/catalog"
	"github.com/eldersvr/onboard/internal/config"
	"github.com/eldersvr/onboard/internal/conflict"
	"github.com/eldersvr/onboard/internal/deploy"
	"github.com/eldersvr/onboard/internal/download"
	"github.com/eldersvr/onboard/internal/progress"
	"github.com/eldersvr/onboard/internal/storage"
	"github.com/eldersvr/onboard/internal/transfer"
	"github.com/eldersvr/onboard/pkg/types"
	"github.com/spf13/pflag"
)

// downloadFlags are shared by download and deploy.
type downloadFlags struct {
	quality    string
	workers    int
	sequential bool
	force      bool
}

func (f *downloadFlags) add(fs *pflag.FlagSet) {
	fs.StringVar(&f.quality, "quality", "both", "video quality to download: high, low or both")
	fs.IntVar(&f.workers, "workers", 0, "parallel downloads (default from config)")
	fs.BoolVar(&f.sequential, "sequential", false, "download one file at a time")
	fs.BoolVar(&f.force, "force", false, "download again even when cached")
}

func (f *downloadFlags) options(a *app) (download.Options, error) {
	opts := download.DefaultOptions()
	opts.MaxWorkers = a.cfg.Download.MaxWorkers
	opts.RetryAttempts = a.cfg.Download.RetryAttempts
	opts.TimeoutPerAttempt = time.Duration(a.cfg.Download.TimeoutSeconds) * time.Second
	if f.workers > 0 {
		opts.MaxWorkers = f.workers
	}
	opts.Sequential = f.sequential
	if f.force {
		opts.ExistingFileAction = download.ForceDownload
	}

	if f.quality == "both" || f.quality == "" {
		return opts, nil
	}
	q, err := types.ParseQuality(f.quality)
	if err != nil || q == types.QualityNone {
		return opts, fmt.Errorf("--quality must be high, low or both, not %q", f.quality)
	}
	opts.QualityFilter = []types.Quality{q}
	return opts, nil
}

// transferFlags are shared by transfer, deploy and retry-failed.
type transferFlags struct {
	masterOnly      bool
	slaveOnly       bool
	videosOnly      bool
	jsonOnly        bool
	onConflict      string
	parallelDevices bool
	verify          bool
}

func (f *transferFlags) add(fs *pflag.FlagSet) {
	fs.BoolVar(&f.masterOnly, "master-only", false, "only transfer to the master")
	fs.BoolVar(&f.slaveOnly, "slave-only", false, "only transfer to the slave")
	fs.BoolVar(&f.videosOnly, "videos-only", false, "only transfer videos (and the manifest)")
	fs.BoolVar(&f.jsonOnly, "json-only", false, "only transfer the manifest")
	fs.StringVar(&f.onConflict, "on-conflict", "ask", "when a device file differs: ask, skip or overwrite")
	fs.BoolVar(&f.parallelDevices, "parallel-devices", false, "transfer to both headsets at once")
	fs.BoolVar(&f.verify, "verify", true, "list device content after the transfer")
}

func (f *transferFlags) options() (transfer.Options, error) {
	filter, err := transfer.ParseContentFilter(f.videosOnly, f.jsonOnly)
	if err != nil {
		return transfer.Options{}, err
	}
	scope, err := transfer.ParseDeviceScope(f.masterOnly, f.slaveOnly)
	if err != nil {
		return transfer.Options{}, err
	}
	return transfer.Options{
		ContentFilter:     filter,
		DeviceScope:       scope,
		ConcurrentDevices: f.parallelDevices,
		Verify:            f.verify,
	}, nil
}

// resolver builds the conflict resolver for --on-conflict. Asking needs a
// terminal; without one the device copy is kept.
func (a *app) resolver(mode string) (*conflict.Resolver, error) {
	switch mode {
	case "skip":
		return conflict.NewResolver(conflict.Fixed(types.DecisionSkip)), nil
	case "overwrite":
		return conflict.NewResolver(conflict.Fixed(types.DecisionOverwrite)), nil
	case "ask":
		if !a.isTerminal(a.stdin) {
			a.logger.Warn("no terminal to ask on, keeping device copies of conflicting files")
			return conflict.NewResolver(conflict.Fixed(types.DecisionSkip)), nil
		}
		a.prompting = true
		return conflict.NewResolver(conflict.NewPrompt(a.stdin, a.stderr)), nil
	}
	return nil, fmt.Errorf("--on-conflict must be ask, skip or overwrite, not %q", mode)
}

func (a *app) adbShell() *adb.Shell {
	runner := a.runner
	if runner == nil {
		runner = adb.ExecRunner{}
	}
	return adb.NewShell(runner, a.logger)
}

func (a *app) deviceShell() transfer.Shell {
	if a.shell != nil {
		return a.shell
	}
	return a.adbShell()
}

func (a *app) devices() ([]types.Device, error) {
	devices := a.cfg.DeviceList()
	if len(devices) == 0 {
		return nil, errors.New("no headsets configured: set devices.master_serial and devices.slave_serial or pass --master and --slave")
	}
	return devices, nil
}

func (a *app) openStore() (*storage.Store, error) {
	path := a.cfg.StatePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	store, err := storage.NewStore(path)
	if err != nil {
		return nil, fmt.Errorf("opening state database: %w", err)
	}
	a.cleanups = append(a.cleanups, func() { store.Close() })
	return store, nil
}

func (a *app) layout() catalog.Layout {
	dir := a.cfg.Paths.LocalDownloads
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	return catalog.Layout{
		CacheDir:     dir,
		ManifestPath: filepath.Join(dir, a.cfg.Paths.JSONFilename),
		Subpaths:     a.cfg.Subpaths,
	}
}

// backendClient returns a logged-in client.
func (a *app) backendClient(ctx context.Context) (*backend.Client, error) {
	client := backend.NewClient(backend.Config{
		BaseURL: a.cfg.Backend.APIURL,
		Endpoints: backend.Endpoints{
			Auth:  a.cfg.Backend.AuthEndpoint,
			Tags:  a.cfg.Backend.TagsEndpoint,
			Films: a.cfg.Backend.FilmsEndpoint,
		},
		Token:  a.cfg.Backend.Token,
		Client: a.http,
		Logger: a.logger,
	})
	if client.Authenticated() {
		return client, nil
	}
	if a.cfg.Auth.Email == "" || a.cfg.Auth.Password == "" {
		return nil, fmt.Errorf("%w: set %s, or auth.email in the config and %s", backend.ErrNotAuthenticated, config.EnvToken, config.EnvPassword)
	}
	if err := client.Login(ctx, a.cfg.Auth.Email, a.cfg.Auth.Password); err != nil {
		return nil, err
	}
	return client, nil
}

// engine builds a deployment engine. source may be nil for offline work.
func (a *app) engine(store *storage.Store, source catalog.ManifestSource, resolver *conflict.Resolver) *deploy.Engine {
	httpClient := a.http
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return deploy.NewEngine(deploy.Config{
		Source:   source,
		Layout:   a.layout(),
		HTTP:     httpClient,
		Shell:    a.deviceShell(),
		Resolver: resolver,
		Store:    store,
		Logger:   a.logger,
	})
}

// liveProgress reports whether a progress line may be redrawn on stderr.
// Redraws would overwrite a conflict prompt waiting for an answer.
func (a *app) liveProgress() bool {
	return a.isTerminal(a.stderr) && !a.verbose && !a.prompting
}

// runReport attaches live progress, runs fn and prints its report.
func (a *app) runReport(opts *deploy.Options, fn func() (*deploy.Report, error)) error {
	agg := progress.NewAggregator(nil)
	opts.Progress = agg
	var live *liveRenderer
	if a.liveProgress() {
		live = newLiveRenderer(agg, a.stderr)
		opts.Observer = live
	}

	report, err := fn()
	if live != nil {
		live.Clear()
	}
	if report == nil {
		return err
	}
	renderReport(a.stdout, report)
	a.exitCode = report.ExitCode()
	if err != nil && a.exitCode != deploy.ExitInterrupted {
		return &exitError{code: a.exitCode, err: err}
	}
	return nil
}

func (a *app) listDevices(ctx context.Context, args []string) error {
	var g globals
	fs := a.flagSet("list-devices", &g)
	if err := a.setup(fs, &g, args); err != nil {
		return err
	}

	shell := a.adbShell()
	version, err := shell.Version(ctx)
	if err != nil {
		return err
	}
	a.logger.Debug("adb", "version", version)

	devices, err := shell.Devices(ctx)
	if err != nil {
		return err
	}
	space := make(map[string]adb.StorageInfo)
	for _, d := range devices {
		if !d.Ready() {
			continue
		}
		if info, err := shell.StorageInfo(ctx, d.Serial, a.cfg.Paths.DevicePath); err == nil {
			space[d.Serial] = info
		}
	}
	renderDevices(a.stdout, devices, space, a.cfg.Devices)
	return nil
}

func (a *app) selectDevices(ctx context.Context, args []string) error {
	var g globals
	var noCheck bool
	fs := a.flagSet("select-devices", &g)
	fs.BoolVar(&noCheck, "no-check", false, "save without checking that the headsets are attached")
	if err := a.setup(fs, &g, args); err != nil {
		return err
	}
	if g.master == "" && g.slave == "" {
		return errors.New("pass --master, --slave or both")
	}

	if !noCheck {
		attached, err := a.adbShell().Devices(ctx)
		if err != nil {
			return err
		}
		for _, serial := range []string{g.master, g.slave} {
			if serial == "" {
				continue
			}
			if err := checkAttached(attached, serial); err != nil {
				return err
			}
		}
	}

	if err := config.UpdateDevices(a.configFile, a.cfg.Devices); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}
	d := a.cfg.Devices
	fmt.Fprintf(a.stdout, "Saved to %s: master %s, slave %s\n", a.configFile, orNone(d.MasterSerial), orNone(d.SlaveSerial))
	return nil
}

func checkAttached(attached []adb.DeviceInfo, serial string) error {
	for _, d := range attached {
		if d.Serial != serial {
			continue
		}
		if !d.Ready() {
			return fmt.Errorf("headset %s is %s: allow USB debugging on it and try again", serial, d.State)
		}
		return nil
	}
	return fmt.Errorf("headset %s is not attached", serial)
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

func (a *app) fetchData(ctx context.Context, args []string) error {
	var g globals
	var output string
	fs := a.flagSet("fetch-data", &g)
	fs.StringVarP(&output, "output", "o", "", "where to write the manifest (default: in the download directory)")
	if err := a.setup(fs, &g, args); err != nil {
		return err
	}
	if output == "" {
		output = a.layout().ManifestPath
	}

	client, err := a.backendClient(ctx)
	if err != nil {
		return err
	}
	m, err := client.FetchManifest(ctx)
	if err != nil {
		return err
	}
	if err := m.WriteFile(output); err != nil {
		return err
	}
	data, err := m.Encode()
	if err != nil {
		return err
	}
	renderManifest(a.stdout, output, catalog.Summarize(m), catalog.Validate(data))
	return nil
}

func (a *app) download(ctx context.Context, args []string) error {
	var g globals
	var df downloadFlags
	var offline bool
	fs := a.flagSet("download", &g)
	df.add(fs)
	fs.BoolVar(&offline, "offline", false, "use the manifest on disk instead of fetching it")
	if err := a.setup(fs, &g, args); err != nil {
		return err
	}
	dopts, err := df.options(a)
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	var source catalog.ManifestSource
	if !offline {
		client, err := a.backendClient(ctx)
		if err != nil {
			return err
		}
		source = client
	}

	engine := a.engine(store, source, nil)
	opts := deploy.Options{Download: dopts, Offline: offline, SkipTransfer: true, WatchCache: true}
	return a.runReport(&opts, func() (*deploy.Report, error) {
		return engine.Deploy(ctx, nil, opts)
	})
}

func (a *app) transfer(ctx context.Context, args []string) error {
	var g globals
	var tf transferFlags
	fs := a.flagSet("transfer", &g)
	tf.add(fs)
	if err := a.setup(fs, &g, args); err != nil {
		return err
	}
	topts, err := tf.options()
	if err != nil {
		return err
	}
	devices, err := a.devices()
	if err != nil {
		return err
	}
	resolver, err := a.resolver(tf.onConflict)
	if err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}

	engine := a.engine(store, nil, resolver)
	opts := deploy.Options{Transfer: topts, Offline: true, SkipDownload: true}
	return a.runReport(&opts, func() (*deploy.Report, error) {
		return engine.Deploy(ctx, devices, opts)
	})
}

func (a *app) verify(ctx context.Context, args []string) error {
	var g globals
	var videosOnly, jsonOnly bool
	fs := a.flagSet("verify", &g)
	fs.BoolVar(&videosOnly, "videos-only", false, "only check videos (and the manifest)")
	fs.BoolVar(&jsonOnly, "json-only", false, "only check the manifest")
	if err := a.setup(fs, &g, args); err != nil {
		return err
	}
	filter, err := transfer.ParseContentFilter(videosOnly, jsonOnly)
	if err != nil {
		return err
	}
	devices, err := a.devices()
	if err != nil {
		return err
	}

	results, err := a.engine(nil, nil, nil).Verify(ctx, devices, filter)
	if err != nil {
		return err
	}
	renderVerifications(a.stdout, results)
	for _, v := range results {
		if !v.Complete() {
			a.exitCode = deploy.ExitFailure
		}
	}
	return nil
}

func (a *app) deploy(ctx context.Context, args []string) error {
	var g globals
	var df downloadFlags
	var tf transferFlags
	var offline, skipDownload bool
	fs := a.flagSet("deploy", &g)
	df.add(fs)
	tf.add(fs)
	fs.BoolVar(&offline, "offline", false, "use the manifest on disk instead of fetching it")
	fs.BoolVar(&skipDownload, "skip-download", false, "transfer what is already cached")
	if err := a.setup(fs, &g, args); err != nil {
		return err
	}
	dopts, err := df.options(a)
	if err != nil {
		return err
	}
	topts, err := tf.options()
	if err != nil {
		return err
	}
	devices, err := a.devices()
	if err != nil {
		return err
	}
	resolver, err := a.resolver(tf.onConflict)
	if err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}
	var source catalog.ManifestSource
	if !offline {
		client, err := a.backendClient(ctx)
		if err != nil {
			return err
		}
		source = client
	}

	engine := a.engine(store, source, resolver)
	opts := deploy.Options{
		Download:     dopts,
		Transfer:     topts,
		Offline:      offline,
		SkipDownload: skipDownload,
		WatchCache:   true,
	}
	return a.runReport(&opts, func() (*deploy.Report, error) {
		return engine.Deploy(ctx, devices, opts)
	})
}

func (a *app) retryFailed(ctx context.Context, args []string) error {
	var g globals
	var tf transferFlags
	fs := a.flagSet("retry-failed", &g)
	tf.add(fs)
	if err := a.setup(fs, &g, args); err != nil {
		return err
	}
	topts, err := tf.options()
	if err != nil {
		return err
	}
	devices, err := a.devices()
	if err != nil {
		return err
	}
	resolver, err := a.resolver(tf.onConflict)
	if err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}

	engine := a.engine(store, nil, resolver)
	opts := deploy.Options{Transfer: topts}
	err = a.runReport(&opts, func() (*deploy.Report, error) {
		return engine.RetryFailed(ctx, devices, opts)
	})
	if errors.Is(err, deploy.ErrNothingToRun) {
		fmt.Fprintln(a.stdout, "Nothing to retry: the last run had no failed or cancelled transfers.")
		return nil
	}
	return err
}

func (a *app) status(ctx context.Context, args []string) error {
	var g globals
	fs := a.flagSet("status", &g)
	if err := a.setup(fs, &g, args); err != nil {
		return err
	}
	store, err := a.openStore()
	if err != nil {
		return err
	}

	status, err := deploy.LastStatus(store)
	if errors.Is(err, storage.ErrNotFound) {
		fmt.Fprintln(a.stdout, "No deployments recorded yet.")
		return nil
	}
	if err != nil {
		return err
	}
	renderStatus(a.stdout, status)
	return nil
}
