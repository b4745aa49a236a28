package registry_test

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/media-hubd/internal/audioroute"
	"github.com/austinkregel/media-hubd/internal/confinement"
	"github.com/austinkregel/media-hubd/internal/engine"
	"github.com/austinkregel/media-hubd/internal/engine/fake"
	"github.com/austinkregel/media-hubd/internal/power"
	"github.com/austinkregel/media-hubd/internal/registry"
	"github.com/austinkregel/media-hubd/internal/session"
)

type fakePowerBackend struct{}

func (fakePowerBackend) Acquire(ctx context.Context, state string) (string, error) { return "c", nil }
func (fakePowerBackend) Release(ctx context.Context, cookie string) error          { return nil }

type fakeLabelSource struct{}

func (fakeLabelSource) LabelFor(ctx context.Context, peer string) (string, error) {
	return "unconfined", nil
}

// testEngines records every fake engine a registry's EngineFactory hands
// out, in creation order, so tests can reach in and simulate engine
// events for the session created at a known point.
type testEngines struct {
	created []*fake.Engine
}

func (t *testEngines) factory() (engine.Engine, error) {
	eng, err := fake.New(true)
	if err != nil {
		return nil, err
	}
	t.created = append(t.created, eng)
	return eng, nil
}

func newTestRegistry(t *testing.T) (*registry.Registry, *testEngines) {
	t.Helper()
	log := zerolog.New(io.Discard)
	arbiter := power.New(log, fakePowerBackend{}, fakePowerBackend{}, 0)
	resolver := confinement.NewResolver(fakeLabelSource{})
	authorizer := confinement.NewAuthorizer("/home/u/.local/share/%s", nil)
	engines := &testEngines{}
	return registry.New(log, arbiter, resolver, authorizer, engines.factory, nil, nil), engines
}

// fakeWatcher is a registry.LivenessWatcher a test can trigger directly,
// standing in for a real *liveness.Watcher's bus-driven NameOwnerChanged
// delivery.
type fakeWatcher struct {
	watched map[string]func()
}

func (w *fakeWatcher) Watch(peerName string, onGone func()) (cancel func()) {
	if w.watched == nil {
		w.watched = make(map[string]func())
	}
	w.watched[peerName] = onGone
	return func() { delete(w.watched, peerName) }
}

func (w *fakeWatcher) fire(peerName string) {
	if onGone, ok := w.watched[peerName]; ok {
		onGone()
	}
}

func newTestRegistryWithWatcher(t *testing.T) (*registry.Registry, *testEngines, *fakeWatcher) {
	t.Helper()
	log := zerolog.New(io.Discard)
	arbiter := power.New(log, fakePowerBackend{}, fakePowerBackend{}, 0)
	resolver := confinement.NewResolver(fakeLabelSource{})
	authorizer := confinement.NewAuthorizer("/home/u/.local/share/%s", nil)
	engines := &testEngines{}
	watcher := &fakeWatcher{}
	return registry.New(log, arbiter, resolver, authorizer, engines.factory, nil, watcher), engines, watcher
}

func TestCreateSessionRegistersLivenessWatch(t *testing.T) {
	r, _, watcher := newTestRegistryWithWatcher(t)
	s, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)

	watcher.fire(":1.1")

	_, found := r.BySessionUuid(s.Uuid())
	assert.False(t, found, "a peer reported gone by the liveness watcher must destroy the session it owns")
}

func TestDestroySessionCancelsLivenessWatch(t *testing.T) {
	r, _, watcher := newTestRegistryWithWatcher(t)
	s, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)
	require.NoError(t, r.DestroySession(s.Uuid()))

	_, stillWatched := watcher.watched[":1.1"]
	assert.False(t, stillWatched, "an explicitly destroyed session must not still be watched")
}

func TestCreateSessionAssignsDistinctKeysAndUuids(t *testing.T) {
	r, _ := newTestRegistry(t)

	s1, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)
	s2, err := r.CreateSession(context.Background(), ":1.2")
	require.NoError(t, err)

	assert.NotEqual(t, s1.Key(), s2.Key())
	assert.NotEqual(t, s1.Uuid(), s2.Uuid())
}

func TestBySessionUuidRoundTrips(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)

	found, ok := r.BySessionUuid(s.Uuid())
	require.True(t, ok)
	assert.Equal(t, s.Key(), found.Key())
}

func TestSessionsEnumeratesInInsertionOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	s1, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)
	s2, err := r.CreateSession(context.Background(), ":1.2")
	require.NoError(t, err)

	got := r.Sessions()
	require.Len(t, got, 2)
	assert.Equal(t, s1.Key(), got[0].Key())
	assert.Equal(t, s2.Key(), got[1].Key())
}

func TestDestroySessionRemovesIt(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)

	require.NoError(t, r.DestroySession(s.Uuid()))
	_, ok := r.BySessionUuid(s.Uuid())
	assert.False(t, ok)
}

func TestDestroyUnknownSessionFails(t *testing.T) {
	r, _ := newTestRegistry(t)
	err := r.DestroySession("bogus-uuid")
	require.Error(t, err)
}

func TestDestroySessionClosesEngineAndRemovesArtDir(t *testing.T) {
	r, engines := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)

	dir := engines.created[0].Extractor().Dir()
	require.NoError(t, r.DestroySession(s.Uuid()))

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "session destruction must close the engine and remove its art temp dir")
}

func TestMultimediaExclusivityPausesOtherPlayingSessions(t *testing.T) {
	r, _ := newTestRegistry(t)
	s1, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)
	s2, err := r.CreateSession(context.Background(), ":1.2")
	require.NoError(t, err)

	s1.SetAudioRole(session.RoleMultimedia)
	s2.SetAudioRole(session.RoleMultimedia)

	require.NoError(t, s1.OpenUri(context.Background(), "file:///a.mp3"))
	require.NoError(t, s1.Play(context.Background()))
	assert.Equal(t, session.StatusPlaying, s1.PlaybackStatus())

	require.NoError(t, s2.OpenUri(context.Background(), "file:///b.mp3"))
	require.NoError(t, s2.Play(context.Background()))

	assert.Equal(t, session.StatusPaused, s1.PlaybackStatus(), "starting s2 must pause s1")
	assert.Equal(t, session.StatusPlaying, s2.PlaybackStatus())
	assert.True(t, r.IsCurrentPlayer(s2.Key()))
}

func TestMultimediaExclusivityIgnoresOtherRoles(t *testing.T) {
	r, _ := newTestRegistry(t)
	s1, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)
	s2, err := r.CreateSession(context.Background(), ":1.2")
	require.NoError(t, err)

	s1.SetAudioRole(session.RoleAlarm)
	s2.SetAudioRole(session.RoleMultimedia)

	require.NoError(t, s1.OpenUri(context.Background(), "file:///alarm.ogg"))
	require.NoError(t, s1.Play(context.Background()))

	require.NoError(t, s2.OpenUri(context.Background(), "file:///b.mp3"))
	require.NoError(t, s2.Play(context.Background()))

	assert.Equal(t, session.StatusPlaying, s1.PlaybackStatus(), "non-multimedia roles must not be touched")
}

func TestCallInteractionPausesAndResumesOnHook(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)
	require.NoError(t, s.OpenUri(context.Background(), "file:///a.mp3"))
	require.NoError(t, s.Play(context.Background()))
	require.Equal(t, session.StatusPlaying, s.PlaybackStatus())

	r.HandleOffHook()
	assert.Equal(t, session.StatusPaused, s.PlaybackStatus())

	r.HandleOnHook()
	assert.Equal(t, session.StatusPlaying, s.PlaybackStatus())
}

func TestCallInteractionDoesNotResumeVideoOnEarpiece(t *testing.T) {
	r, _ := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)
	require.NoError(t, s.OpenUri(context.Background(), "file:///a.mp4"))
	require.NoError(t, s.CreateVideoSink(context.Background(), 1))
	require.NoError(t, s.Play(context.Background()))

	r.SetOutputRoute(audioroute.Earpiece)
	r.HandleOffHook()
	r.HandleOnHook()

	assert.Equal(t, session.StatusPaused, s.PlaybackStatus(), "video session on earpiece must stay paused")
}

func TestClientDisconnectDestroysNormalLifetimeSession(t *testing.T) {
	r, engines := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)

	require.Len(t, engines.created, 1)
	dir := engines.created[0].Extractor().Dir()
	engines.created[0].SimulateClientDisconnected()

	_, found := r.BySessionUuid(s.Uuid())
	assert.False(t, found)

	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "a destroyed normal-lifetime session must close its engine")
}

func TestClientDisconnectKeepsResumableSession(t *testing.T) {
	r, engines := newTestRegistry(t)
	s, err := r.CreateSession(context.Background(), ":1.1")
	require.NoError(t, err)
	require.NoError(t, s.SetLifetime(session.LifetimeResumable))

	require.Len(t, engines.created, 1)
	dir := engines.created[0].Extractor().Dir()
	engines.created[0].SimulateClientDisconnected()

	_, found := r.BySessionUuid(s.Uuid())
	assert.True(t, found)

	_, statErr := os.Stat(dir)
	assert.NoError(t, statErr, "a kept resumable session must not have its engine closed")
}
