// Package conflict decides what happens when a file already exists on a
// device with a different size than the cached copy.
package conflict

import (
	"context"
	"fmt"
	"sync"

	"github.com/eldersvr/onboard/pkg/types"
)

// Context describes one conflicting file.
type Context struct {
	AssetID    string
	Serial     string
	Role       types.Role
	Path       string
	LocalSize  int64
	RemoteSize int64
}

// Source supplies a decision when the resolver has no sticky answer.
type Source interface {
	AskConflict(ctx context.Context, c Context) (types.Decision, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, c Context) (types.Decision, error)

func (f SourceFunc) AskConflict(ctx context.Context, c Context) (types.Decision, error) {
	return f(ctx, c)
}

// Resolver owns the sticky "apply to all" state for one transfer pass.
// Resolve holds the lock while the source is consulted, so concurrent
// device passes queue behind a single prompt and no pass can be asked
// again once a sticky answer has been recorded.
type Resolver struct {
	mu     sync.Mutex
	source Source
	sticky types.Decision
}

func NewResolver(source Source) *Resolver {
	return &Resolver{source: source}
}

// Resolve returns the sticky decision if one is set, otherwise asks the
// source. SkipAll and OverwriteAll become sticky as Skip and Overwrite.
func (r *Resolver) Resolve(ctx context.Context, c Context) (types.Decision, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sticky != "" {
		return r.sticky, nil
	}
	// A pass stopped while this caller waited for the lock must not prompt.
	if err := ctx.Err(); err != nil {
		return "", err
	}

	decision, err := r.source.AskConflict(ctx, c)
	if err != nil {
		return "", fmt.Errorf("asking about %s on %s: %w", c.Path, c.Serial, err)
	}

	switch decision {
	case types.DecisionSkipAll:
		r.sticky = types.DecisionSkip
	case types.DecisionOverwriteAll:
		r.sticky = types.DecisionOverwrite
	case types.DecisionSkip, types.DecisionOverwrite, types.DecisionCancel:
	default:
		return "", fmt.Errorf("decision source returned unknown decision %q", decision)
	}
	return decision, nil
}

// Sticky reports the remembered decision, if any.
func (r *Resolver) Sticky() (types.Decision, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sticky, r.sticky != ""
}

// Reset clears sticky state. The transfer manager calls it at the start
// of every pass.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sticky = ""
}
