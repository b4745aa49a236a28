package power_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/austinkregel/media-hubd/internal/power"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu          sync.Mutex
	acquireN    int
	releaseN    int
	nextCookie  int
	failAcquire bool
}

func (f *fakeBackend) Acquire(ctx context.Context, state string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAcquire {
		return "", assertErr
	}
	f.acquireN++
	f.nextCookie++
	return "cookie-" + state, nil
}

func (f *fakeBackend) Release(ctx context.Context, cookie string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseN++
	return nil
}

func (f *fakeBackend) counts() (acquire, release int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquireN, f.releaseN
}

var assertErr = &backendErr{"backing service unavailable"}

type backendErr struct{ s string }

func (e *backendErr) Error() string { return e.s }

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestSystemLockReleaseIsSynchronous(t *testing.T) {
	backend := &fakeBackend{}
	lock := power.NewSystemLock(testLogger(), backend)

	lock.Acquire(context.Background())
	require.Eventually(t, func() bool { return lock.Acquired() }, time.Second, time.Millisecond)

	lock.Release(context.Background())
	acquire, release := backend.counts()
	assert.Equal(t, 1, acquire)
	assert.Equal(t, 1, release)
	assert.False(t, lock.Acquired())
}

func TestDisplayLockDefersRelease(t *testing.T) {
	backend := &fakeBackend{}
	lock := power.NewDisplayLock(testLogger(), backend, 50*time.Millisecond)

	lock.Acquire(context.Background())
	require.Eventually(t, func() bool { return lock.Acquired() }, time.Second, time.Millisecond)

	lock.Release(context.Background())
	_, releaseImmediately := backend.counts()
	assert.Equal(t, 0, releaseImmediately, "release must not happen before the settle delay elapses")

	require.Eventually(t, func() bool {
		_, release := backend.counts()
		return release == 1
	}, time.Second, 5*time.Millisecond)
}

func TestDisplayLockReacquireCancelsPendingRelease(t *testing.T) {
	backend := &fakeBackend{}
	lock := power.NewDisplayLock(testLogger(), backend, 50*time.Millisecond)

	lock.Acquire(context.Background())
	require.Eventually(t, func() bool { return lock.Acquired() }, time.Second, time.Millisecond)

	lock.Release(context.Background())
	lock.Acquire(context.Background())

	time.Sleep(100 * time.Millisecond)
	_, release := backend.counts()
	assert.Equal(t, 0, release, "re-acquire during the settle window must cancel the pending release")
	assert.True(t, lock.Acquired())
}

func TestLockReferenceCounting(t *testing.T) {
	backend := &fakeBackend{}
	lock := power.NewSystemLock(testLogger(), backend)

	lock.Acquire(context.Background())
	lock.Acquire(context.Background())
	lock.Acquire(context.Background())
	assert.Equal(t, 3, lock.Count())

	lock.Release(context.Background())
	lock.Release(context.Background())
	acquire, release := backend.counts()
	assert.Equal(t, 1, acquire, "only the first acquire should reach the backend")
	assert.Equal(t, 0, release, "count still positive, nothing released yet")

	lock.Release(context.Background())
	_, release = backend.counts()
	assert.Equal(t, 1, release)
}

func TestFailedAcquireNeverEmitsAcquired(t *testing.T) {
	backend := &fakeBackend{failAcquire: true}
	lock := power.NewSystemLock(testLogger(), backend)

	lock.Acquire(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.False(t, lock.Acquired())
}
