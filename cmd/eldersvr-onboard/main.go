// eldersvr-onboard deploys EldersVR content to a master and a slave
// headset over adb.
//
// Usage:
//
//	eldersvr-onboard <command> [flags]
//
// The deploy command fetches the manifest from the backend, downloads
// every asset into the local cache and pushes each device its share.
// The other commands run one of those steps on its own.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/eldersvr/onboard/internal/adb"
	"github.com/eldersvr/onboard/internal/config"
	"github.com/eldersvr/onboard/internal/deploy"
	"github.com/eldersvr/onboard/internal/transfer"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	a := &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
	code := a.run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

type command struct {
	summary string
	run     func(a *app, ctx context.Context, args []string) error
}

var commands = map[string]command{
	"list-devices":   {"show attached headsets and their roles", (*app).listDevices},
	"fetch-data":     {"fetch the manifest from the backend", (*app).fetchData},
	"download":       {"download content into the local cache", (*app).download},
	"transfer":       {"push cached content to the headsets", (*app).transfer},
	"verify":         {"check headset content against the manifest", (*app).verify},
	"deploy":         {"fetch, download and transfer in one run", (*app).deploy},
	"status":         {"show the outcome of the last run", (*app).status},
	"retry-failed":   {"re-run transfers the last run failed or cancelled", (*app).retryFailed},
	"select-devices": {"save the master and slave headset serials", (*app).selectDevices},
}

// app carries one invocation's I/O and the pieces tests replace.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// runner executes adb; nil runs the real binary.
	runner adb.Runner
	// shell overrides the adb-backed device shell.
	shell transfer.Shell
	http  *http.Client

	// tty reports whether a stream is a terminal; nil checks for real.
	tty func(any) bool

	cfg *config.Config
	// configFile is where settings are saved back to.
	configFile string
	logger     *slog.Logger
	verbose    bool
	// prompting is set once a conflict prompt owns the terminal.
	prompting bool
	cleanups  []func()
	// exitCode is set by commands whose outcome is a report.
	exitCode int
}

// exitError carries a status other than 1 through the error path.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func (a *app) run(ctx context.Context, args []string) int {
	defer func() {
		for i := len(a.cleanups) - 1; i >= 0; i-- {
			a.cleanups[i]()
		}
	}()

	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		a.usage()
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	if args[0] == "version" || args[0] == "--version" {
		fmt.Fprintf(a.stdout, "eldersvr-onboard %s\n", Version)
		return 0
	}

	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(a.stderr, "unknown command %q\n\n", args[0])
		a.usage()
		return 2
	}

	err := cmd.run(a, ctx, args[1:])
	var exitErr *exitError
	switch {
	case errors.Is(err, pflag.ErrHelp):
		return 0
	case errors.As(err, &exitErr):
		fmt.Fprintf(a.stderr, "error: %v\n", exitErr.err)
		return exitErr.code
	case err != nil && ctx.Err() != nil:
		fmt.Fprintln(a.stderr, "interrupted")
		return deploy.ExitInterrupted
	case err != nil:
		fmt.Fprintf(a.stderr, "error: %v\n", err)
		return deploy.ExitFailure
	}
	return a.exitCode
}

func (a *app) usage() {
	fmt.Fprintf(a.stderr, "Usage: eldersvr-onboard <command> [flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(a.stderr, "  %-14s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(a.stderr, "\nRun 'eldersvr-onboard <command> --help' for the flags of a command.\n")
}

// globals are the flags every command accepts.
type globals struct {
	configPath string
	verbose    bool
	logFile    string
	master     string
	slave      string
}

func (a *app) flagSet(name string, g *globals) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.StringVarP(&g.configPath, "config", "c", "", "config file (default: search "+strings.Join(config.SearchPaths(), ", ")+")")
	fs.BoolVarP(&g.verbose, "verbose", "v", false, "log debug detail")
	fs.StringVar(&g.logFile, "log-file", "", "also write JSON debug logs to this file")
	fs.StringVar(&g.master, "master", "", "master headset serial (overrides config)")
	fs.StringVar(&g.slave, "slave", "", "slave headset serial (overrides config)")
	return fs
}

// setup parses flags, then loads config and builds the logger.
func (a *app) setup(fs *pflag.FlagSet, g *globals, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	logger, err := a.newLogger(g)
	if err != nil {
		return err
	}
	a.logger = logger
	a.verbose = g.verbose

	cfg, used, err := config.Load(g.configPath)
	if err != nil {
		return err
	}
	if g.master != "" {
		cfg.Devices.MasterSerial = g.master
	}
	if g.slave != "" {
		cfg.Devices.SlaveSerial = g.slave
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if used != "" {
		a.logger.Debug("loaded config", "path", used)
	}
	a.cfg = cfg
	a.configFile = used
	if a.configFile == "" {
		a.configFile = config.DefaultFileName
	}
	return nil
}

// newLogger logs text to stderr and, with --log-file, JSON at debug level
// to the file.
func (a *app) newLogger(g *globals) (*slog.Logger, error) {
	level := slog.LevelInfo
	if g.verbose {
		level = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level})

	if g.logFile != "" {
		file, err := os.OpenFile(g.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		a.cleanups = append(a.cleanups, func() { file.Close() })
		handler = fanoutHandler{handler, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})}
	}
	return slog.New(handler), nil
}

// fanoutHandler sends each record to every handler enabled for its level.
type fanoutHandler []slog.Handler

func (handlers fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (handlers fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (handlers fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := make(fanoutHandler, len(handlers))
	for i, handler := range handlers {
		derived[i] = handler.WithAttrs(attrs)
	}
	return derived
}

func (handlers fanoutHandler) WithGroup(name string) slog.Handler {
	derived := make(fanoutHandler, len(handlers))
	for i, handler := range handlers {
		derived[i] = handler.WithGroup(name)
	}
	return derived
}

func (a *app) isTerminal(v any) bool {
	if a.tty != nil {
		return a.tty(v)
	}
	return terminal(v)
}

// terminal reports whether w is an interactive terminal.
func terminal(w any) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
