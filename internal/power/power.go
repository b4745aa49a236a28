// Package power implements the C1 PowerArbiter (spec §4.1): two
// independent reference-counted locks over a backing service, with a
// settle delay before the display lock is actually released. It is
// grounded on the teacher's internal/auth token bookkeeping for the
// "cookie store guarded by its own mutex, everything else lock-free"
// shape, generalized to two lock kinds instead of one token map.
package power

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SystemState names the system-active backing state a SystemLock can
// request, mirroring the states a real suspend-inhibit service exposes.
type SystemState string

const (
	SystemActive  SystemState = "active"
	SystemSuspend SystemState = "suspend"
)

// DisplayState names the display backing state a DisplayLock can request.
type DisplayState string

const (
	DisplayOn  DisplayState = "on"
	DisplayOff DisplayState = "off"
)

// Backend is the service a lock actually talks to: a real implementation
// wraps logind/powerd-class D-Bus calls; spec.md §1 treats it as an
// external collaborator, so the only concrete implementation shipped here
// is the in-memory fake used by tests.
type Backend interface {
	// Acquire requests the backing state and returns an opaque cookie on
	// success. An error means the request failed; Acquire never blocks
	// past the caller's context.
	Acquire(ctx context.Context, state string) (cookie string, err error)
	// Release relinquishes a previously acquired cookie.
	Release(ctx context.Context, cookie string) error
}

// DefaultSettleDelay is the display-lock deferred-release window (spec
// §4.1: "a fixed settle delay (4 seconds)").
const DefaultSettleDelay = 4 * time.Second

// lock is a single reference-counted acquire/release lock backed by a
// Backend. DisplayLock and SystemLock below are thin, state-typed
// wrappers around it; the settle-delay behavior lives here since only
// the display lock exercises it (system-lock release is synchronous, per
// §4.1), controlled by settleDelay being zero or not.
type lock struct {
	mu          sync.Mutex
	log         zerolog.Logger
	backend     Backend
	settleDelay time.Duration

	count      int
	cookie     string
	acquired   bool
	pendingRel *time.Timer
}

func newLock(log zerolog.Logger, backend Backend, settleDelay time.Duration) *lock {
	return &lock{log: log, backend: backend, settleDelay: settleDelay}
}

// acquire increments the reference count and, on a 0->1 transition,
// requests the backing state. A pending deferred release is cancelled if
// one is in flight (§4.1: "if a subsequent acquire arrives during the
// settle window it cancels the pending release").
func (l *lock) acquire(ctx context.Context, state string) {
	l.mu.Lock()
	l.count++
	if l.pendingRel != nil {
		l.pendingRel.Stop()
		l.pendingRel = nil
		l.mu.Unlock()
		return
	}
	if l.count > 1 {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	cookie, err := l.backend.Acquire(ctx, state)
	if err != nil {
		l.log.Warn().Err(err).Str("state", state).Msg("backing acquire failed")
		return
	}

	l.mu.Lock()
	l.cookie = cookie
	l.acquired = true
	l.mu.Unlock()
}

// release decrements the reference count. On a transition to 0 it either
// releases immediately (settleDelay == 0) or schedules a deferred
// release.
func (l *lock) release(ctx context.Context) {
	l.mu.Lock()
	if l.count == 0 {
		l.mu.Unlock()
		return
	}
	l.count--
	if l.count > 0 {
		l.mu.Unlock()
		return
	}
	if l.settleDelay <= 0 {
		cookie := l.cookie
		acquired := l.acquired
		l.mu.Unlock()
		if acquired {
			l.doRelease(ctx, cookie)
		}
		return
	}

	l.pendingRel = time.AfterFunc(l.settleDelay, func() {
		l.mu.Lock()
		cookie := l.cookie
		acquired := l.acquired
		stillZero := l.count == 0
		l.pendingRel = nil
		l.mu.Unlock()
		if stillZero && acquired {
			l.doRelease(ctx, cookie)
		}
	})
	l.mu.Unlock()
}

func (l *lock) doRelease(ctx context.Context, cookie string) {
	if err := l.backend.Release(ctx, cookie); err != nil {
		l.log.Warn().Err(err).Msg("backing release failed; external state left held (best effort)")
		return
	}
	l.mu.Lock()
	l.acquired = false
	l.cookie = ""
	l.mu.Unlock()
}

// Count reports the current reference count, for tests and diagnostics.
func (l *lock) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Acquired reports whether the backing state is currently held.
func (l *lock) Acquired() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acquired
}

// DisplayLock keeps the display on while referenced, deferring release by
// the settle delay.
type DisplayLock struct{ *lock }

// NewDisplayLock builds a DisplayLock over backend with the given settle
// delay (pass power.DefaultSettleDelay in production).
func NewDisplayLock(log zerolog.Logger, backend Backend, settleDelay time.Duration) *DisplayLock {
	return &DisplayLock{lock: newLock(log, backend, settleDelay)}
}

func (d *DisplayLock) Acquire(ctx context.Context) { d.acquire(ctx, string(DisplayOn)) }
func (d *DisplayLock) Release(ctx context.Context) { d.release(ctx) }

// SystemLock keeps the system out of suspend while referenced; release is
// always synchronous (spec §4.1: "Release for the system lock is
// synchronous on the cookie").
type SystemLock struct{ *lock }

// NewSystemLock builds a SystemLock over backend. Its release path never
// defers, so it is always constructed with a zero settle delay.
func NewSystemLock(log zerolog.Logger, backend Backend) *SystemLock {
	return &SystemLock{lock: newLock(log, backend, 0)}
}

func (s *SystemLock) Acquire(ctx context.Context) { s.acquire(ctx, string(SystemActive)) }
func (s *SystemLock) Release(ctx context.Context) { s.release(ctx) }

// Arbiter bundles both locks, the unit PlayerSession and SessionRegistry
// depend on.
type Arbiter struct {
	Display *DisplayLock
	System  *SystemLock
}

// New builds an Arbiter with the given backends and settle delay.
func New(log zerolog.Logger, displayBackend, systemBackend Backend, settleDelay time.Duration) *Arbiter {
	return &Arbiter{
		Display: NewDisplayLock(logWith(log, "display_lock"), displayBackend, settleDelay),
		System:  NewSystemLock(logWith(log, "system_lock"), systemBackend),
	}
}

func logWith(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("lock", name).Logger()
}
