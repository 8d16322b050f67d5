// Package adb drives Android devices through the adb command-line tool.
package adb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Result holds the captured output of one adb invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout followed by stderr, for error matching.
func (r *Result) Combined() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// Runner executes adb with the given arguments. A non-zero exit is
// reported through Result.ExitCode, not as an error; the error is for
// failures to run adb at all.
type Runner interface {
	Run(ctx context.Context, args ...string) (*Result, error)
}

// ErrNotInstalled is returned when the adb binary cannot be found.
var ErrNotInstalled = errors.New("adb is not available in PATH")

// ExecRunner runs the adb binary at Path ("adb" when empty).
type ExecRunner struct {
	Path string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) (*Result, error) {
	program := r.Path
	if program == "" {
		program = "adb"
	}
	cmd := exec.CommandContext(ctx, program, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
	case errors.Is(err, exec.ErrNotFound):
		return nil, ErrNotInstalled
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("running %s %s: %w", program, strings.Join(args, " "), err)
	}
	return result, nil
}
