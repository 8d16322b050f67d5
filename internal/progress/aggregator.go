// Package progress aggregates progress events from download workers and
// device transfer passes into consistent point-in-time totals.
package progress

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eldersvr/onboard/internal/clock"
	"github.com/eldersvr/onboard/pkg/types"
)

// Sink receives progress events. Implementations must be safe for
// concurrent use.
type Sink interface {
	Record(event types.ProgressEvent)
}

type discard struct{}

func (discard) Record(types.ProgressEvent) {}

// Discard drops every event.
var Discard Sink = discard{}

// UnitTotals aggregates one unit kind (or one device's transfers).
type UnitTotals struct {
	BytesDone   int64
	BytesTotal  int64
	Tasks       int
	Active      int
	Succeeded   int
	Overwritten int
	Skipped     int
	Failed      int
	Cancelled   int
}

// Finished counts tasks that reached a terminal outcome.
func (u UnitTotals) Finished() int {
	return u.Succeeded + u.Overwritten + u.Skipped + u.Failed + u.Cancelled
}

// State is an immutable snapshot of the aggregate.
type State struct {
	Download  UnitTotals
	Transfer  UnitTotals
	Devices   map[string]UnitTotals
	UpdatedAt time.Time
}

// Summary is the frozen state returned by Finalize.
type Summary struct {
	State
	Elapsed time.Duration
}

type taskKey struct {
	unit types.Unit
	id   string
}

type taskState struct {
	attempt  int
	done     int64
	total    int64
	terminal bool
}

// Aggregator is the only structure written by many producers at once.
// Record serialises updates under a mutex and publishes a fresh State
// after each one, so Snapshot never takes the lock and never observes a
// half-applied event.
type Aggregator struct {
	mu        sync.Mutex
	clock     clock.Clock
	started   time.Time
	tasks     map[taskKey]*taskState
	working   State
	published atomic.Pointer[State]
	summary   *Summary
}

func NewAggregator(clk clock.Clock) *Aggregator {
	if clk == nil {
		clk = clock.Real()
	}
	a := &Aggregator{
		clock:   clk,
		started: clk.Now(),
		tasks:   make(map[taskKey]*taskState),
		working: State{Devices: make(map[string]UnitTotals)},
	}
	a.publish()
	return a
}

// Record applies one event. Events after a task's terminal event, and
// any event after Finalize, are ignored.
func (a *Aggregator) Record(event types.ProgressEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.summary != nil {
		return
	}

	key := taskKey{unit: event.Unit, id: event.TaskID}
	task, seen := a.tasks[key]
	if !seen {
		task = &taskState{attempt: event.Attempt}
		a.tasks[key] = task
	}
	if task.terminal {
		return
	}

	done := event.BytesDone
	if event.Attempt == task.attempt && done < task.done {
		done = task.done
	}
	delta := unitDelta{
		newTask:   !seen,
		bytesDone: done - task.done,
		bytesTot:  event.BytesTotal - task.total,
	}
	if event.Terminal {
		delta.outcome = event.Outcome
	}

	task.attempt = event.Attempt
	task.done = done
	task.total = event.BytesTotal
	task.terminal = event.Terminal

	switch event.Unit {
	case types.UnitDownload:
		delta.apply(&a.working.Download)
	case types.UnitTransfer:
		delta.apply(&a.working.Transfer)
	}
	if event.Device != "" {
		device := a.working.Devices[event.Device]
		delta.apply(&device)
		a.working.Devices[event.Device] = device
	}

	a.working.UpdatedAt = a.clock.Now()
	a.publish()
}

type unitDelta struct {
	newTask   bool
	bytesDone int64
	bytesTot  int64
	outcome   types.Outcome
}

func (d unitDelta) apply(u *UnitTotals) {
	if d.newTask {
		u.Tasks++
		u.Active++
	}
	u.BytesDone += d.bytesDone
	u.BytesTotal += d.bytesTot
	if d.outcome == "" {
		return
	}
	u.Active--
	switch d.outcome {
	case types.OutcomeSucceeded:
		u.Succeeded++
	case types.OutcomeOverwritten:
		u.Overwritten++
	case types.OutcomeSkipped:
		u.Skipped++
	case types.OutcomeFailed:
		u.Failed++
	case types.OutcomeCancelled:
		u.Cancelled++
	}
}

// publish must be called with mu held.
func (a *Aggregator) publish() {
	snapshot := a.working
	snapshot.Devices = maps.Clone(a.working.Devices)
	a.published.Store(&snapshot)
}

// Snapshot returns the latest published state without blocking producers.
func (a *Aggregator) Snapshot() State {
	state := *a.published.Load()
	state.Devices = maps.Clone(state.Devices)
	return state
}

// Finalize freezes the aggregate. Call it once all producers have
// stopped; repeated calls return the same summary.
func (a *Aggregator) Finalize() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.summary == nil {
		state := a.working
		state.Devices = maps.Clone(a.working.Devices)
		a.summary = &Summary{
			State:   state,
			Elapsed: a.clock.Now().Sub(a.started),
		}
	}

	summary := *a.summary
	summary.Devices = maps.Clone(a.summary.Devices)
	return summary
}
