// Package dispatch implements the single logical dispatcher (spec §5): it
// runs every submitted task on one goroutine, so that e.g. two bus calls
// racing to create a session or move a track never interleave.
// SubmitControl also applies the default control-op deadline; the bus
// layer routes its session-factory calls and mutating MPRIS methods
// through it. Work that is not submitted is not serialized here: engine
// events, owner-gone and call-state callbacks, and the factory methods
// that call the registry directly (DetachSession, DestroySession,
// PauseOtherSessions, SetCurrentPlayer) run on their caller's goroutine.
//
// Grounded on the teacher's internal/ipc.Server, which used a dedicated
// advancingTrack mutex to serialize track-advance calls; this
// generalizes that single mutex into a task queue for any submitted
// operation, not just track advancement, and gives callers a
// context-bound wait instead of a bare lock.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/austinkregel/media-hubd/internal/corerr"
)

// DefaultControlDeadline is the deadline SubmitControl applies: a client
// blocked past it gets a Transient error back rather than hanging
// indefinitely.
const DefaultControlDeadline = 1 * time.Second

type task struct {
	run  func(ctx context.Context) error
	done chan error
	ctx  context.Context
}

// Dispatcher runs every submitted task on a single goroutine, in
// submission order.
type Dispatcher struct {
	log   zerolog.Logger
	tasks chan task
	quit  chan struct{}
}

// New starts the dispatcher's worker goroutine. queueDepth bounds how
// many pending tasks may wait before Submit blocks the caller.
func New(log zerolog.Logger, queueDepth int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 32
	}
	d := &Dispatcher{
		log:   log,
		tasks: make(chan task, queueDepth),
		quit:  make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	for {
		select {
		case <-d.quit:
			return
		case t := <-d.tasks:
			d.runTask(t)
		}
	}
}

func (d *Dispatcher) runTask(t task) {
	if err := t.ctx.Err(); err != nil {
		t.done <- corerr.Wrap(corerr.Transient, "operation expired before it was dispatched", err)
		return
	}
	t.done <- t.run(t.ctx)
}

// Submit runs fn on the dispatcher's goroutine and blocks until it
// completes or ctx is done. A canceled or expired ctx surfaces as a
// Transient corerr.Error so the bus layer can map it to a retryable
// wire error instead of the raw context error.
func (d *Dispatcher) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	t := task{run: fn, done: make(chan error, 1), ctx: ctx}
	select {
	case d.tasks <- t:
	case <-ctx.Done():
		return corerr.Wrap(corerr.Transient, "dispatcher queue full", ctx.Err())
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return corerr.Wrap(corerr.Transient, "operation did not complete before deadline", ctx.Err())
	}
}

// SubmitControl runs fn under DefaultControlDeadline. parent is still
// honored if it carries a shorter deadline of its own.
func (d *Dispatcher) SubmitControl(parent context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, DefaultControlDeadline)
	defer cancel()
	err := d.Submit(ctx, fn)
	if errors.Is(err, context.DeadlineExceeded) {
		return corerr.Wrap(corerr.Transient, "control operation exceeded its deadline", err)
	}
	return err
}

// Close stops the dispatcher's worker goroutine. In-flight tasks still
// running are allowed to finish; queued-but-not-started tasks never run
// and their Submit calls return once their ctx is canceled by the
// caller.
func (d *Dispatcher) Close() {
	close(d.quit)
}
