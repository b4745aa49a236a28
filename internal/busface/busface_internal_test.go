package busface

import (
	"context"
	"io"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austinkregel/media-hubd/internal/confinement"
	"github.com/austinkregel/media-hubd/internal/engine/fake"
	"github.com/austinkregel/media-hubd/internal/power"
	"github.com/austinkregel/media-hubd/internal/session"
	"github.com/austinkregel/media-hubd/internal/tracklist"
)

var _ session.Sink = (*sessionObject)(nil)

type fakePowerBackend struct{}

func (fakePowerBackend) Acquire(ctx context.Context, state string) (string, error) { return "c", nil }
func (fakePowerBackend) Release(ctx context.Context, cookie string) error          { return nil }

type fakeHooks struct{}

func (fakeHooks) PauseOtherMultimedia(session.Key)          {}
func (fakeHooks) SetCurrentPlayer(session.Key)               {}
func (fakeHooks) IsCurrentPlayer(session.Key) bool           { return false }
func (fakeHooks) ClearCurrentPlayerIfSelf(session.Key)       {}
func (fakeHooks) NotifyClientDisconnected(session.Key, bool) {}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	eng, err := fake.New(true)
	require.NoError(t, err)
	log := zerolog.New(io.Discard)
	arbiter := power.New(log, fakePowerBackend{}, fakePowerBackend{}, 0)
	return session.New(session.Params{
		Key:      1,
		Uuid:     "uuid-1",
		Identity: confinement.Context{Unconfined: true},
		Engine:   eng,
		Arbiter:  arbiter,
		Hooks:    fakeHooks{},
		Log:      log,
	})
}

func TestTrackIDPathRoundTrip(t *testing.T) {
	id := tracklist.TrackId("/org/mediahubd/sessions/x/7")
	assert.Equal(t, id, pathToTrackID(trackIDToPath(id)))
}

func TestMetadataToVariantMap(t *testing.T) {
	md := tracklist.Metadata{
		"xesam:title":      "Song",
		"xesam:artist":     "Band",
		"xesam:album":      "Record",
		"mpris:artUrl":     "file:///art.png",
		"mpris:length":     "120000000",
		"tag:image":        "true",
		"tag:previewImage": "true",
	}
	m := metadataToVariantMap(tracklist.TrackId("/t/1"), md)

	assert.Equal(t, dbus.ObjectPath("/t/1"), m["mpris:trackid"].Value())
	assert.Equal(t, "Song", m["xesam:title"].Value())
	assert.Equal(t, []string{"Band"}, m["xesam:artist"].Value())
	assert.Equal(t, "Record", m["xesam:album"].Value())
	assert.Equal(t, "file:///art.png", m["mpris:artUrl"].Value())
	assert.Equal(t, int64(120000000), m["mpris:length"].Value())
	assert.Equal(t, true, m["tag:image"].Value())
	assert.Equal(t, true, m["tag:previewImage"].Value())
}

func TestMetadataToVariantMapOmitsEmptyFields(t *testing.T) {
	m := metadataToVariantMap(tracklist.TrackId("/t/1"), tracklist.Metadata{})
	_, hasTitle := m["xesam:title"]
	assert.False(t, hasTitle)
	assert.Contains(t, m, "mpris:trackid")
}

func TestPlaybackStatusWire(t *testing.T) {
	cases := map[session.PlaybackStatus]string{
		session.StatusPlaying: "Playing",
		session.StatusPaused:  "Paused",
		session.StatusStopped: "Stopped",
		session.StatusReady:   "Stopped",
	}
	for in, want := range cases {
		assert.Equal(t, want, playbackStatusWire(in))
	}
}

func TestPlayerPropertyValueReflectsSessionState(t *testing.T) {
	sess := newTestSession(t)
	obj := &sessionObject{pending: make(map[string]bool)}

	require.NoError(t, sess.OpenUri(context.Background(), "file:///a.mp3"))
	require.NoError(t, sess.Play(context.Background()))

	v, ok := obj.playerPropertyValue(sess, "PlaybackStatus")
	require.True(t, ok)
	assert.Equal(t, "Playing", v.Value())

	v, ok = obj.playerPropertyValue(sess, "CanControl")
	require.True(t, ok)
	assert.Equal(t, true, v.Value())

	_, ok = obj.playerPropertyValue(sess, "NotAProperty")
	assert.False(t, ok)
}

func TestAllRootPropertiesListsExpectedKeys(t *testing.T) {
	obj := &sessionObject{pending: make(map[string]bool)}
	all := obj.allRootProperties()
	for _, key := range []string{"CanQuit", "CanRaise", "HasTrackList", "Identity", "SupportedUriSchemes", "SupportedMimeTypes"} {
		assert.Contains(t, all, key)
	}
}

func TestDispatchControlRunsInlineWithoutADispatcher(t *testing.T) {
	obj := &sessionObject{pending: make(map[string]bool)}
	ran := false
	err := obj.dispatchControl(func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestCreateVideoSinkDelegatesToEngine(t *testing.T) {
	sess := newTestSession(t)
	obj := &sessionObject{pending: make(map[string]bool), sess: sess}

	require.NoError(t, sess.OpenUri(context.Background(), "file:///a.mp3"))

	derr := obj.CreateVideoSink(1)
	assert.Nil(t, derr)
}

func TestTrackListPropertyValue(t *testing.T) {
	sess := newTestSession(t)
	obj := &sessionObject{pending: make(map[string]bool)}

	_, err := sess.TrackList().Add("file:///a.mp3", tracklist.EmptyTrack, true)
	require.NoError(t, err)

	v, ok := obj.trackListPropertyValue(sess, "Tracks")
	require.True(t, ok)
	paths, ok := v.Value().([]dbus.ObjectPath)
	require.True(t, ok)
	assert.Len(t, paths, 1)

	v, ok = obj.trackListPropertyValue(sess, "CanEditTracks")
	require.True(t, ok)
	assert.Equal(t, true, v.Value())
}
