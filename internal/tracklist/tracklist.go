// Package tracklist implements the C5 TrackList component (spec §4.6): an
// ordered collection of tracks with a current cursor, shuffle/unshuffle,
// loop policy, and the next/previous traversal rules. It is grounded on
// the teacher's internal/queue.Manager (shuffle-order permutation via
// Fisher-Yates, original-order snapshot, repeat-mode handling) but
// generalized from path-indexed queue slots to TrackId-addressed tracks,
// since spec §4.6 requires insert-after-id, move-by-id and remove-by-id,
// not positional queue editing.
package tracklist

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// TrackId addresses a single track within a list. Tracks are given an
// object-path-shaped id (grounded on original_source's track.h, which
// addresses tracks as D-Bus object paths under the session's TrackList),
// so it can be handed directly to godbus as a dbus.ObjectPath without a
// side table.
type TrackId string

// EmptyTrack is the well-known sentinel meaning "append" when passed as
// the after argument to Add/AddMany, matching the real MPRIS convention.
const EmptyTrack TrackId = "/org/mpris/MediaPlayer2/TrackList/NoTrack"

// LoopStatus is the list's loop/repeat policy.
type LoopStatus string

const (
	LoopNone     LoopStatus = "None"
	LoopTrack    LoopStatus = "Track"
	LoopPlaylist LoopStatus = "Playlist"
)

// PositionThreshold is the §4.6 previous() restart-current threshold, in
// microseconds. Per spec §9's explicit instruction, this value and the
// branch order that uses it must not change.
const PositionThreshold = 5_000_000

// Metadata is the string-keyed map of track metadata, kept string-keyed
// for MPRIS wire compatibility (spec §6) with typed accessors for the
// well-known keys that aren't naturally strings (e.g. mpris:length is
// microseconds).
type Metadata map[string]string

func (m Metadata) Title() string   { return m["xesam:title"] }
func (m Metadata) ArtURL() string  { return m["mpris:artUrl"] }
func (m Metadata) Album() string   { return m["xesam:album"] }
func (m Metadata) Artist() string  { return m["xesam:artist"] }
func (m Metadata) HasImage() bool  { return m["tag:image"] == "true" }
func (m Metadata) HasPreviewImage() bool { return m["tag:previewImage"] == "true" }

// LengthUs returns mpris:length parsed as microseconds.
func (m Metadata) LengthUs() (int64, bool) {
	v, ok := m["mpris:length"]
	if !ok {
		return 0, false
	}
	var us int64
	if _, err := fmt.Sscanf(v, "%d", &us); err != nil {
		return 0, false
	}
	return us, true
}

// Track is one entry in a TrackList.
type Track struct {
	ID       TrackId
	URI      string
	Metadata Metadata
}

// EventKind enumerates the change events a List emits (spec §4.6). Each
// structural mutation emits one event describing it; when the cursor
// moves as a result, EventTrackChanged follows, and EventGoToTrack
// follows that when the engine has to open the new current track.
type EventKind int

const (
	EventTrackAdded EventKind = iota
	EventTracksAdded
	EventTrackMoved
	EventTrackRemoved
	EventTrackChanged
	EventGoToTrack
	EventTrackListReplaced
	EventTrackListReset
	EventEndOfTracklist
)

// Event describes a single TrackList mutation. Only TrackChanged and the
// structural events (Added/Moved/Removed/Replaced/Reset) are bridged onto
// the bus by busface; GoToTrack and EndOfTracklist are internal signals
// consumed by PlayerSession alone (spec §4.6, §4.7).
type Event struct {
	Kind        EventKind
	TrackID     TrackId
	First, Last TrackId
	From, To    TrackId
}

// AuthorizeFunc authorizes a URI before it is inserted into the list. A
// PlayerSession binds this to its own confinement.Context at construction
// time; TrackList never imports the confinement package directly so that
// it stays testable without a real UriAuthorizer.
type AuthorizeFunc func(uri string) (ok bool, reason string)

// NotAuthorizedError is returned by Add/AddMany when the authorizer
// rejects a URI.
type NotAuthorizedError struct {
	URI    string
	Reason string
}

func (e *NotAuthorizedError) Error() string {
	return fmt.Sprintf("not authorized to open %q: %s", e.URI, e.Reason)
}

// NotFoundError is returned when a TrackId does not exist in the list.
type NotFoundError struct {
	ID TrackId
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("track %q not found", e.ID)
}

// List is the C5 TrackList. All operations are synchronous and safe for
// concurrent use, though in practice every call arrives serialized through
// the session's single dispatcher (spec §5).
type List struct {
	mu sync.Mutex

	idPrefix string // session-scoped root for generated TrackIds
	nextSeq  int

	tracks        []*Track
	originalOrder []*Track
	cursorID      TrackId // "" means none

	canEdit    bool
	loopStatus LoopStatus
	shuffle    bool

	authorize AuthorizeFunc
	onEvent   func(Event)

	rng *rand.Rand
}

// New creates an empty, editable TrackList scoped to idPrefix (typically
// the owning session's object path). authorize and onEvent may be nil.
func New(idPrefix string, authorize AuthorizeFunc, onEvent func(Event)) *List {
	if authorize == nil {
		authorize = func(string) (bool, string) { return true, "" }
	}
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return &List{
		idPrefix:   idPrefix,
		cursorID:   "",
		canEdit:    true,
		loopStatus: LoopNone,
		authorize:  authorize,
		onEvent:    onEvent,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (l *List) nextID() TrackId {
	l.nextSeq++
	return TrackId(fmt.Sprintf("%s/tracks/%d", l.idPrefix, l.nextSeq))
}

func (l *List) indexOf(id TrackId) int {
	for i, t := range l.tracks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// emit fires onEvent outside the lock-protected critical section would be
// nicer, but the teacher's queue.Manager fires its ChangeCallback after
// releasing its mutex specifically to avoid a callback re-entering the
// same lock; we follow that shape below in each exported method instead
// of here, to keep this helper simple.
func (l *List) emit(ev Event) { l.onEvent(ev) }

// Add inserts a single track after the given TrackId (or at the end when
// after is EmptyTrack). Returns the freshly assigned TrackId.
func (l *List) Add(uri string, after TrackId, makeCurrent bool) (TrackId, error) {
	if ok, reason := l.authorize(uri); !ok {
		return "", &NotAuthorizedError{URI: uri, Reason: reason}
	}

	l.mu.Lock()

	wasEmpty := len(l.tracks) == 0
	id := l.nextID()
	track := &Track{ID: id, URI: uri, Metadata: Metadata{}}

	insertAt := len(l.tracks)
	if after != EmptyTrack {
		idx := l.indexOf(after)
		if idx < 0 {
			l.mu.Unlock()
			return "", &NotFoundError{ID: after}
		}
		insertAt = idx + 1
	}
	l.tracks = append(l.tracks[:insertAt], append([]*Track{track}, l.tracks[insertAt:]...)...)
	if !l.shuffle {
		l.originalOrder = append([]*Track(nil), l.tracks...)
	} else {
		l.originalOrder = append(l.originalOrder, track)
	}

	becameCurrent := false
	if makeCurrent && wasEmpty {
		l.cursorID = id
		becameCurrent = true
	}
	l.mu.Unlock()

	l.emit(Event{Kind: EventTrackAdded, TrackID: id})
	if becameCurrent {
		l.emit(Event{Kind: EventTrackChanged, TrackID: id})
		l.emit(Event{Kind: EventGoToTrack, TrackID: id})
	}
	return id, nil
}

// AddMany inserts uris in order after the given TrackId. Any authorization
// failure aborts the whole batch, leaving the list unchanged (spec §7).
func (l *List) AddMany(uris []string, after TrackId) (first, last TrackId, err error) {
	for _, uri := range uris {
		if ok, reason := l.authorize(uri); !ok {
			return "", "", &NotAuthorizedError{URI: uri, Reason: reason}
		}
	}
	if len(uris) == 0 {
		return "", "", nil
	}

	l.mu.Lock()

	wasEmpty := len(l.tracks) == 0
	insertAt := len(l.tracks)
	if after != EmptyTrack {
		idx := l.indexOf(after)
		if idx < 0 {
			l.mu.Unlock()
			return "", "", &NotFoundError{ID: after}
		}
		insertAt = idx + 1
	}

	newTracks := make([]*Track, 0, len(uris))
	for _, uri := range uris {
		newTracks = append(newTracks, &Track{ID: l.nextID(), URI: uri, Metadata: Metadata{}})
	}

	l.tracks = append(l.tracks[:insertAt], append(newTracks, l.tracks[insertAt:]...)...)
	if !l.shuffle {
		l.originalOrder = append([]*Track(nil), l.tracks...)
	} else {
		l.originalOrder = append(l.originalOrder, newTracks...)
	}

	first = newTracks[0].ID
	last = newTracks[len(newTracks)-1].ID

	becameCurrent := false
	if wasEmpty {
		l.cursorID = first
		becameCurrent = true
	}
	l.mu.Unlock()

	l.emit(Event{Kind: EventTracksAdded, First: first, Last: last})
	if becameCurrent {
		l.emit(Event{Kind: EventTrackChanged, TrackID: first})
		l.emit(Event{Kind: EventGoToTrack, TrackID: first})
	}
	return first, last, nil
}

// Move relocates id to the position currently occupied by to (spec §4.6):
// after removing id, it is reinserted at to's pre-removal index, clamped
// to the post-removal length. This produces the exact results of spec §8
// scenarios S2-S4.
func (l *List) Move(id, to TrackId) error {
	l.mu.Lock()

	idxFrom := l.indexOf(id)
	if idxFrom < 0 {
		l.mu.Unlock()
		return &SourceNotFoundError{ID: id}
	}
	idxTo := l.indexOf(to)
	if idxTo < 0 {
		l.mu.Unlock()
		return &DestNotFoundError{ID: to}
	}

	if idxFrom == idxTo {
		l.mu.Unlock()
		l.emit(Event{Kind: EventTrackMoved, From: id, To: to})
		return nil
	}

	track := l.tracks[idxFrom]
	l.tracks = append(l.tracks[:idxFrom], l.tracks[idxFrom+1:]...)
	insertAt := idxTo
	if insertAt > len(l.tracks) {
		insertAt = len(l.tracks)
	}
	l.tracks = append(l.tracks[:insertAt], append([]*Track{track}, l.tracks[insertAt:]...)...)

	l.mu.Unlock()
	l.emit(Event{Kind: EventTrackMoved, From: id, To: to})
	return nil
}

// SourceNotFoundError is FailedToFindMoveTrackSource on the wire.
type SourceNotFoundError struct{ ID TrackId }

func (e *SourceNotFoundError) Error() string { return fmt.Sprintf("move source %q not found", e.ID) }

// DestNotFoundError is FailedToFindMoveTrackDest on the wire.
type DestNotFoundError struct{ ID TrackId }

func (e *DestNotFoundError) Error() string { return fmt.Sprintf("move destination %q not found", e.ID) }

// Remove deletes id. If it was current, the cursor advances per loop
// policy: it lands on whatever track now occupies the removed slot, or -
// per spec §9's explicit RemoveTrack design note - wraps to the head of
// the list and requests playback of it when loop_status is Playlist and
// the removed track was last.
func (l *List) Remove(id TrackId) error {
	l.mu.Lock()

	idx := l.indexOf(id)
	if idx < 0 {
		l.mu.Unlock()
		return &NotFoundError{ID: id}
	}

	wasCurrent := l.cursorID == id
	l.tracks = append(l.tracks[:idx], l.tracks[idx+1:]...)
	l.removeFromOriginalOrder(id)

	var newCursor TrackId
	wrapped := false
	if wasCurrent {
		switch {
		case len(l.tracks) == 0:
			newCursor = ""
		case idx < len(l.tracks):
			newCursor = l.tracks[idx].ID
		case l.loopStatus == LoopPlaylist:
			newCursor = l.tracks[0].ID
			wrapped = true
		default:
			newCursor = ""
		}
		l.cursorID = newCursor
	}
	l.mu.Unlock()

	l.emit(Event{Kind: EventTrackRemoved, TrackID: id})
	if wasCurrent && newCursor != "" {
		l.emit(Event{Kind: EventTrackChanged, TrackID: newCursor})
		if wrapped {
			l.emit(Event{Kind: EventGoToTrack, TrackID: newCursor})
		}
	}
	return nil
}

func (l *List) removeFromOriginalOrder(id TrackId) {
	for i, t := range l.originalOrder {
		if t.ID == id {
			l.originalOrder = append(l.originalOrder[:i], l.originalOrder[i+1:]...)
			return
		}
	}
}

// GoTo sets the cursor to id explicitly and always requests the engine to
// open its URI, regardless of whether id was already current.
func (l *List) GoTo(id TrackId) error {
	l.mu.Lock()
	if l.indexOf(id) < 0 {
		l.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	l.cursorID = id
	l.mu.Unlock()

	l.emit(Event{Kind: EventTrackChanged, TrackID: id})
	l.emit(Event{Kind: EventGoToTrack, TrackID: id})
	return nil
}

// SetShuffle enables or disables shuffle. Enabling snapshots the live
// order into originalOrder and permutes tracks in place (Fisher-Yates,
// grounded on the teacher's queue.Manager.generateShuffleOrder); disabling
// restores tracks from originalOrder. Either way the current track's
// identity survives untouched (spec invariant 5).
func (l *List) SetShuffle(enabled bool) {
	l.mu.Lock()
	if enabled == l.shuffle {
		l.mu.Unlock()
		return
	}

	if enabled {
		l.originalOrder = append([]*Track(nil), l.tracks...)
		l.shuffleInPlace()
	} else {
		l.tracks = append([]*Track(nil), l.originalOrder...)
	}
	l.shuffle = enabled
	l.mu.Unlock()

	l.emit(Event{Kind: EventTrackListReplaced})
}

func (l *List) shuffleInPlace() {
	n := len(l.tracks)
	for i := n - 1; i > 0; i-- {
		j := l.rng.Intn(i + 1)
		l.tracks[i], l.tracks[j] = l.tracks[j], l.tracks[i]
	}
}

// SetLoopStatus updates the loop policy.
func (l *List) SetLoopStatus(s LoopStatus) {
	l.mu.Lock()
	l.loopStatus = s
	l.mu.Unlock()
}

// LoopStatus returns the current loop policy.
func (l *List) LoopStatus() LoopStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loopStatus
}

// Shuffle reports whether shuffle is enabled.
func (l *List) Shuffle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shuffle
}

// CanEdit reports whether the list accepts mutation (always true for
// client-created lists, spec §3).
func (l *List) CanEdit() bool { return l.canEdit }

// Reset clears the list entirely.
func (l *List) Reset() {
	l.mu.Lock()
	l.tracks = nil
	l.originalOrder = nil
	l.cursorID = ""
	l.shuffle = false
	l.mu.Unlock()

	l.emit(Event{Kind: EventTrackListReset})
}

// Next advances the cursor per the §4.6 rules. ok is false exactly when
// end_of_tracklist applies, in which case the cursor is left unchanged.
func (l *List) Next() (id TrackId, ok bool) {
	l.mu.Lock()

	if len(l.tracks) == 0 {
		l.mu.Unlock()
		l.emit(Event{Kind: EventEndOfTracklist})
		return "", false
	}

	switch {
	case l.loopStatus == LoopTrack:
		id = l.cursorID
		ok = true
	default:
		idx := l.indexOf(l.cursorID)
		if idx >= 0 && idx+1 < len(l.tracks) {
			id = l.tracks[idx+1].ID
			ok = true
		} else if l.loopStatus == LoopPlaylist {
			id = l.tracks[0].ID
			ok = true
		} else {
			ok = false
		}
	}

	if ok {
		changed := id != l.cursorID
		l.cursorID = id
		l.mu.Unlock()
		if changed {
			l.emit(Event{Kind: EventTrackChanged, TrackID: id})
		}
		l.emit(Event{Kind: EventGoToTrack, TrackID: id})
		return id, true
	}

	l.mu.Unlock()
	l.emit(Event{Kind: EventEndOfTracklist})
	return "", false
}

// Previous retreats the cursor per the §4.6 rules. positionUs is the
// session's current playback position, used for the restart-current
// threshold; the threshold check against the loop-status check is
// deliberately ordered as spec §9 requires and must not be swapped.
func (l *List) Previous(positionUs int64) (id TrackId, ok bool) {
	l.mu.Lock()

	if len(l.tracks) == 0 {
		l.mu.Unlock()
		l.emit(Event{Kind: EventEndOfTracklist})
		return "", false
	}

	switch {
	case positionUs > PositionThreshold:
		id = l.cursorID
		ok = true
	case l.loopStatus == LoopTrack:
		id = l.cursorID
		ok = true
	default:
		idx := l.indexOf(l.cursorID)
		if idx > 0 {
			id = l.tracks[idx-1].ID
			ok = true
		} else if l.loopStatus == LoopPlaylist {
			id = l.tracks[len(l.tracks)-1].ID
			ok = true
		} else {
			ok = false
		}
	}

	if ok {
		changed := id != l.cursorID
		l.cursorID = id
		l.mu.Unlock()
		if changed {
			l.emit(Event{Kind: EventTrackChanged, TrackID: id})
		}
		l.emit(Event{Kind: EventGoToTrack, TrackID: id})
		return id, true
	}

	l.mu.Unlock()
	l.emit(Event{Kind: EventEndOfTracklist})
	return "", false
}

// Tracks returns a snapshot of the live ordering.
func (l *List) Tracks() []Track {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Track, len(l.tracks))
	for i, t := range l.tracks {
		out[i] = *t
	}
	return out
}

// TrackIDs returns just the ids, in live order — the shape of the
// MPRIS TrackList.Tracks property.
func (l *List) TrackIDs() []TrackId {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]TrackId, len(l.tracks))
	for i, t := range l.tracks {
		ids[i] = t.ID
	}
	return ids
}

// Cursor returns the current TrackId and whether one is set.
func (l *List) Cursor() (TrackId, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cursorID, l.cursorID != ""
}

// Current returns the current Track, if any.
func (l *List) Current() (Track, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cursorID == "" {
		return Track{}, false
	}
	idx := l.indexOf(l.cursorID)
	if idx < 0 {
		return Track{}, false
	}
	return *l.tracks[idx], true
}

// Lookup returns the track with the given id.
func (l *List) Lookup(id TrackId) (Track, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexOf(id)
	if idx < 0 {
		return Track{}, false
	}
	return *l.tracks[idx], true
}

// SetMetadata overwrites a track's metadata, e.g. once the engine's
// extractor finishes resolving it asynchronously (spec §3: "Metadata is
// populated lazily").
func (l *List) SetMetadata(id TrackId, md Metadata) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.indexOf(id)
	if idx < 0 {
		return false
	}
	l.tracks[idx].Metadata = md
	return true
}

// Len reports the number of tracks.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tracks)
}
