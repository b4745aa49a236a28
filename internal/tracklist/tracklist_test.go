package tracklist_test

import (
	"testing"

	"github.com/austinkregel/media-hubd/internal/tracklist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecordingList(t *testing.T) (*tracklist.List, *[]tracklist.Event) {
	t.Helper()
	events := &[]tracklist.Event{}
	l := tracklist.New("/mediahubd/sessions/1", nil, func(ev tracklist.Event) {
		*events = append(*events, ev)
	})
	return l, events
}

func addN(t *testing.T, l *tracklist.List, n int) []tracklist.TrackId {
	t.Helper()
	ids := make([]tracklist.TrackId, 0, n)
	for i := 0; i < n; i++ {
		id, err := l.Add("file:///track.mp3", tracklist.EmptyTrack, i == 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestAddFirstTrackBecomesCurrent(t *testing.T) {
	l, events := newRecordingList(t)
	id, err := l.Add("file:///a.mp3", tracklist.EmptyTrack, true)
	require.NoError(t, err)

	cur, ok := l.Cursor()
	require.True(t, ok)
	assert.Equal(t, id, cur)

	var kinds []tracklist.EventKind
	for _, ev := range *events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []tracklist.EventKind{
		tracklist.EventTrackAdded,
		tracklist.EventTrackChanged,
		tracklist.EventGoToTrack,
	}, kinds)
}

func TestAddAuthorizationFailure(t *testing.T) {
	l := tracklist.New("/mediahubd/sessions/1", func(uri string) (bool, string) {
		return false, "confinement denies " + uri
	}, nil)

	_, err := l.Add("file:///secret.mp3", tracklist.EmptyTrack, true)
	require.Error(t, err)
	var authErr *tracklist.NotAuthorizedError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 0, l.Len())
}

// TestMoveScenarios covers spec §8 scenarios S2-S4: moving a track onto
// another relocates it to the target's pre-removal slot.
func TestMoveScenarios(t *testing.T) {
	t.Run("move middle-to-middle lands before target", func(t *testing.T) {
		l, _ := newRecordingList(t)
		ids := addN(t, l, 4) // t1 t2 t3 t4

		require.NoError(t, l.Move(ids[2], ids[1])) // move t3 onto t2
		assert.Equal(t, []tracklist.TrackId{ids[0], ids[2], ids[1], ids[3]}, l.TrackIDs())
	})

	t.Run("move middle-to-head", func(t *testing.T) {
		l, _ := newRecordingList(t)
		ids := addN(t, l, 4)

		require.NoError(t, l.Move(ids[2], ids[0])) // move t3 onto t1
		assert.Equal(t, []tracklist.TrackId{ids[2], ids[0], ids[1], ids[3]}, l.TrackIDs())
	})

	t.Run("move head-to-tail appends", func(t *testing.T) {
		l, _ := newRecordingList(t)
		ids := addN(t, l, 4)

		require.NoError(t, l.Move(ids[0], ids[3])) // move t1 onto t4
		assert.Equal(t, []tracklist.TrackId{ids[1], ids[2], ids[3], ids[0]}, l.TrackIDs())
	})
}

func TestMoveUnknownIds(t *testing.T) {
	l, _ := newRecordingList(t)
	ids := addN(t, l, 2)

	err := l.Move("bogus", ids[0])
	var srcErr *tracklist.SourceNotFoundError
	require.ErrorAs(t, err, &srcErr)

	err = l.Move(ids[0], "bogus")
	var dstErr *tracklist.DestNotFoundError
	require.ErrorAs(t, err, &dstErr)
}

func TestShuffleRoundTrip(t *testing.T) {
	l, _ := newRecordingList(t)
	ids := addN(t, l, 6)

	l.SetShuffle(true)
	assert.True(t, l.Shuffle())
	assert.ElementsMatch(t, ids, l.TrackIDs())

	l.SetShuffle(false)
	assert.Equal(t, ids, l.TrackIDs())
}

func TestShuffleFollowsCurrentTrack(t *testing.T) {
	l, _ := newRecordingList(t)
	ids := addN(t, l, 5)

	require.NoError(t, l.GoTo(ids[2]))
	l.SetShuffle(true)

	cur, ok := l.Cursor()
	require.True(t, ok)
	assert.Equal(t, ids[2], cur)
}

func TestRemoveCurrentAdvancesToSlotSuccessor(t *testing.T) {
	l, events := newRecordingList(t)
	ids := addN(t, l, 3)
	require.NoError(t, l.GoTo(ids[1]))
	*events = nil

	require.NoError(t, l.Remove(ids[1]))

	cur, ok := l.Cursor()
	require.True(t, ok)
	assert.Equal(t, ids[2], cur)

	var kinds []tracklist.EventKind
	for _, ev := range *events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []tracklist.EventKind{tracklist.EventTrackRemoved, tracklist.EventTrackChanged}, kinds)
}

func TestRemoveLastCurrentWrapsUnderPlaylistLoop(t *testing.T) {
	l, events := newRecordingList(t)
	ids := addN(t, l, 3)
	l.SetLoopStatus(tracklist.LoopPlaylist)
	require.NoError(t, l.GoTo(ids[2]))
	*events = nil

	require.NoError(t, l.Remove(ids[2]))

	cur, ok := l.Cursor()
	require.True(t, ok)
	assert.Equal(t, ids[0], cur)

	var kinds []tracklist.EventKind
	for _, ev := range *events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []tracklist.EventKind{
		tracklist.EventTrackRemoved,
		tracklist.EventTrackChanged,
		tracklist.EventGoToTrack,
	}, kinds)
}

func TestRemoveLastCurrentWithoutLoopEndsTracklist(t *testing.T) {
	l, _ := newRecordingList(t)
	ids := addN(t, l, 2)
	require.NoError(t, l.GoTo(ids[1]))

	require.NoError(t, l.Remove(ids[1]))

	_, ok := l.Cursor()
	assert.False(t, ok)
}

func TestNextAdvancesInOrder(t *testing.T) {
	l, _ := newRecordingList(t)
	ids := addN(t, l, 3)

	id, ok := l.Next()
	require.True(t, ok)
	assert.Equal(t, ids[1], id)
}

func TestNextEndOfTracklistWithoutLoop(t *testing.T) {
	l, events := newRecordingList(t)
	ids := addN(t, l, 2)
	require.NoError(t, l.GoTo(ids[1]))
	*events = nil

	_, ok := l.Next()
	assert.False(t, ok)
	require.Len(t, *events, 1)
	assert.Equal(t, tracklist.EventEndOfTracklist, (*events)[0].Kind)

	cur, _ := l.Cursor()
	assert.Equal(t, ids[1], cur)
}

func TestNextWrapsUnderPlaylistLoop(t *testing.T) {
	l, _ := newRecordingList(t)
	ids := addN(t, l, 2)
	l.SetLoopStatus(tracklist.LoopPlaylist)
	require.NoError(t, l.GoTo(ids[1]))

	id, ok := l.Next()
	require.True(t, ok)
	assert.Equal(t, ids[0], id)
}

func TestNextUnderTrackLoopRestartsSameTrack(t *testing.T) {
	l, events := newRecordingList(t)
	ids := addN(t, l, 2)
	l.SetLoopStatus(tracklist.LoopTrack)
	*events = nil

	id, ok := l.Next()
	require.True(t, ok)
	assert.Equal(t, ids[0], id)

	// Same track: only go_to_track fires, not track_changed.
	var kinds []tracklist.EventKind
	for _, ev := range *events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []tracklist.EventKind{tracklist.EventGoToTrack}, kinds)
}

func TestPreviousRestartsCurrentPastThreshold(t *testing.T) {
	l, _ := newRecordingList(t)
	ids := addN(t, l, 3)
	require.NoError(t, l.GoTo(ids[2]))

	id, ok := l.Previous(tracklist.PositionThreshold + 1)
	require.True(t, ok)
	assert.Equal(t, ids[2], id)
}

func TestPreviousMovesBackBelowThreshold(t *testing.T) {
	l, _ := newRecordingList(t)
	ids := addN(t, l, 3)
	require.NoError(t, l.GoTo(ids[2]))

	id, ok := l.Previous(1000)
	require.True(t, ok)
	assert.Equal(t, ids[1], id)
}

func TestPreviousAtHeadWithoutLoopEndsTracklist(t *testing.T) {
	l, _ := newRecordingList(t)
	addN(t, l, 2)

	_, ok := l.Previous(0)
	assert.False(t, ok)
}

func TestGoToUnknownTrackFails(t *testing.T) {
	l, _ := newRecordingList(t)
	addN(t, l, 1)

	err := l.GoTo("bogus")
	var nf *tracklist.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestResetClearsList(t *testing.T) {
	l, events := newRecordingList(t)
	addN(t, l, 3)
	*events = nil

	l.Reset()

	assert.Equal(t, 0, l.Len())
	_, ok := l.Cursor()
	assert.False(t, ok)
	require.Len(t, *events, 1)
	assert.Equal(t, tracklist.EventTrackListReset, (*events)[0].Kind)
}

func TestMetadataTypedAccessors(t *testing.T) {
	md := tracklist.Metadata{
		"xesam:title":  "Test Song",
		"mpris:length": "123456",
	}
	assert.Equal(t, "Test Song", md.Title())
	us, ok := md.LengthUs()
	require.True(t, ok)
	assert.Equal(t, int64(123456), us)
}
