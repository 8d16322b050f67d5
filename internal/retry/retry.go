// Package retry holds the backoff state machine used by download workers.
package retry

import (
	"context"
	"time"

	"github.com/eldersvr/onboard/internal/clock"
)

// Policy allows Retries further attempts after the first, waiting
// Base·2^n before retry n (0-based), capped at Max.
type Policy struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
}

var DefaultPolicy = Policy{Retries: 3, Base: time.Second, Max: 30 * time.Second}

// State tracks one task's progress through a Policy.
type State struct {
	policy  Policy
	attempt int
}

// Start returns a State positioned on the first attempt.
func (p Policy) Start() *State {
	if p.Retries < 0 {
		p.Retries = 0
	}
	return &State{policy: p, attempt: 1}
}

// Attempt is the 1-based number of the current attempt.
func (s *State) Attempt() int {
	return s.attempt
}

// Next moves to the following attempt after a failure and returns the
// wait before it. ok is false once the retries are used up, in which case
// the state does not advance.
func (s *State) Next() (delay time.Duration, ok bool) {
	retry := s.attempt - 1
	if retry >= s.policy.Retries {
		return 0, false
	}
	s.attempt++
	return s.policy.delay(retry), true
}

func (p Policy) delay(retry int) time.Duration {
	d := p.Base
	for i := 0; i < retry; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Sleep waits for d on clk, returning early with ctx's error.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-clk.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
