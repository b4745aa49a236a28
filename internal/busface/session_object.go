package busface

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/austinkregel/media-hubd/internal/corerr"
	"github.com/austinkregel/media-hubd/internal/dispatch"
	"github.com/austinkregel/media-hubd/internal/session"
	"github.com/austinkregel/media-hubd/internal/tracklist"
)

// sessionObject is one session's MPRIS-2 bus presence: the Root, Player
// and TrackList interfaces all exported at the same object path, plus
// the org.freedesktop.DBus.Properties dispatch all three share.
// Grounded on the teacher's MPRISSession, generalized from a single
// process-wide object to one instance per PlayerSession.
type sessionObject struct {
	conn *dbus.Conn
	log  zerolog.Logger
	disp *dispatch.Dispatcher
	key  session.Key
	path dbus.ObjectPath

	mu     sync.Mutex
	sess   *session.Session
	filter func(field string) bool

	pending    map[string]bool
	flushTimer *time.Timer
}

// SetChangeFilter narrows PropertiesChanged notifications to fields the
// predicate accepts; nil (the default) notifies every field.
func (o *sessionObject) SetChangeFilter(predicate func(field string) bool) {
	o.mu.Lock()
	o.filter = predicate
	o.mu.Unlock()
}

// --- session.Sink ---

// PropertiesChanged coalesces every field named across calls landing
// within propertyFlushDelay into a single PropertiesChanged signal, so
// that a dispatched event touching Metadata, PlaybackStatus and Volume
// in sequence produces one wire message instead of three.
func (o *sessionObject) PropertiesChanged(fields []string) {
	o.mu.Lock()
	for _, f := range fields {
		o.pending[f] = true
	}
	if o.flushTimer == nil {
		o.flushTimer = time.AfterFunc(propertyFlushDelay, o.flush)
	}
	o.mu.Unlock()
}

func (o *sessionObject) flush() {
	o.mu.Lock()
	fields := o.pending
	filter := o.filter
	o.pending = make(map[string]bool)
	o.flushTimer = nil
	sess := o.sess
	o.mu.Unlock()

	if sess == nil || len(fields) == 0 {
		return
	}

	changed := make(map[string]dbus.Variant)
	for name := range fields {
		if filter != nil && !filter(name) {
			continue
		}
		if v, ok := o.playerPropertyValue(sess, name); ok {
			changed[name] = v
		}
	}
	if len(changed) == 0 {
		return
	}
	o.conn.Emit(o.path, propertiesInterface+".PropertiesChanged", mprisPlayerInterface, changed, []string{})
}

func (o *sessionObject) Seeked(positionUs int64) {
	o.conn.Emit(o.path, mprisPlayerInterface+".Seeked", positionUs)
}

func (o *sessionObject) VideoDimensionChanged(width, height int) {
	o.conn.Emit(o.path, mprisPlayerInterface+".VideoDimensionChanged", int32(width), int32(height))
}

func (o *sessionObject) ErrorOccurred(kind corerr.Kind, reason string) {
	o.conn.Emit(o.path, mprisPlayerInterface+".Error", kind.String(), reason)
}

func (o *sessionObject) BufferingChanged(percent int) {
	o.conn.Emit(o.path, mprisPlayerInterface+".BufferingChanged", int32(percent))
}

// TrackListEvent translates a tracklist.Event into the matching
// org.mpris.MediaPlayer2.TrackList signal. GoToTrack and EndOfTracklist
// are internal to the session and produce no signal.
func (o *sessionObject) TrackListEvent(ev tracklist.Event) {
	switch ev.Kind {
	case tracklist.EventTrackAdded:
		o.emitTrackAdded(ev)
	case tracklist.EventTrackChanged:
		o.conn.Emit(o.path, mprisTrackListInterface+".TrackChanged", trackIDToPath(ev.TrackID))
	case tracklist.EventTracksAdded:
		// Several tracks landed at once; rather than reconstruct which
		// ids were added, clients are told to re-read the whole list.
		o.emitTrackListReplaced()
	case tracklist.EventTrackRemoved:
		o.conn.Emit(o.path, mprisTrackListInterface+".TrackRemoved", trackIDToPath(ev.TrackID))
	case tracklist.EventTrackListReplaced, tracklist.EventTrackListReset, tracklist.EventTrackMoved:
		o.emitTrackListReplaced()
	}
}

func (o *sessionObject) emitTrackAdded(ev tracklist.Event) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return
	}
	track, ok := sess.TrackList().Lookup(ev.TrackID)
	if !ok {
		return
	}
	// The event carries only the new track's id, not its predecessor, so
	// afterTrack is reported as NoTrack; clients that care about ordering
	// re-read the Tracks property.
	o.conn.Emit(o.path, mprisTrackListInterface+".TrackAdded", metadataToVariantMap(track.ID, track.Metadata), trackIDToPath(tracklist.EmptyTrack))
}

func (o *sessionObject) emitTrackListReplaced() {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return
	}
	ids := sess.TrackList().TrackIDs()
	paths := make([]dbus.ObjectPath, len(ids))
	for i, id := range ids {
		paths[i] = trackIDToPath(id)
	}
	cur, _ := sess.TrackList().Cursor()
	o.conn.Emit(o.path, mprisTrackListInterface+".TrackListReplaced", paths, trackIDToPath(cur))
}

// --- org.mpris.MediaPlayer2 (Root) ---

func (o *sessionObject) Raise() *dbus.Error { return nil }
func (o *sessionObject) Quit() *dbus.Error  { return nil }

// --- org.mpris.MediaPlayer2.Player ---

func (o *sessionObject) withSession() (*session.Session, *dbus.Error) {
	o.mu.Lock()
	sess := o.sess
	o.mu.Unlock()
	if sess == nil {
		return nil, dbus.MakeFailedError(fmt.Errorf("session object not attached"))
	}
	return sess, nil
}

func (o *sessionObject) Next() *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		sess.Next()
		return nil
	})
	return asDbusError("Next", err)
}

func (o *sessionObject) Previous() *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		sess.Previous()
		return nil
	})
	return asDbusError("Previous", err)
}

func (o *sessionObject) Pause() *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		return sess.Pause(ctx)
	})
	return asDbusError("Pause", err)
}

// PlayPause implements the teacher's exact toggle: playing -> pause,
// anything else -> play.
func (o *sessionObject) PlayPause() *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	op := "Play"
	err := o.dispatchControl(func(ctx context.Context) error {
		if sess.PlaybackStatus() == session.StatusPlaying {
			op = "Pause"
			return sess.Pause(ctx)
		}
		return sess.Play(ctx)
	})
	return asDbusError(op, err)
}

func (o *sessionObject) Stop() *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		return sess.Stop(ctx)
	})
	return asDbusError("Stop", err)
}

func (o *sessionObject) Play() *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		return sess.Play(ctx)
	})
	return asDbusError("Play", err)
}

func (o *sessionObject) Seek(offsetUs int64) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		return sess.SeekTo(ctx, sess.PositionUs()+offsetUs)
	})
	return asDbusError("Seek", err)
}

func (o *sessionObject) SetPosition(trackId dbus.ObjectPath, positionUs int64) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		cur, _ := sess.TrackList().Cursor()
		if trackIDToPath(cur) != trackId {
			return nil
		}
		return sess.SeekTo(ctx, positionUs)
	})
	return asDbusError("SetPosition", err)
}

func (o *sessionObject) OpenUri(uri string) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		return sess.OpenUri(ctx, uri)
	})
	return asDbusError("OpenUri", err)
}

// CreateVideoSink is a media-hubd extension to the standard MPRIS Player
// interface (spec §4.9), surfacing the Engine's video-sink capability
// negotiation directly to the client that needs it.
func (o *sessionObject) CreateVideoSink(textureID uint32) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		return sess.CreateVideoSink(ctx, textureID)
	})
	return asDbusError("CreateVideoSink", err)
}

// dispatchControl runs fn through the owning dispatcher's control-op
// deadline when one is configured; test-constructed sessionObjects with
// no dispatcher run fn inline.
func (o *sessionObject) dispatchControl(fn func(ctx context.Context) error) error {
	if o.disp == nil {
		return fn(context.Background())
	}
	return o.disp.SubmitControl(context.Background(), fn)
}

// --- org.mpris.MediaPlayer2.TrackList ---

func (o *sessionObject) GetTracksMetadata(trackIds []dbus.ObjectPath) ([]map[string]dbus.Variant, *dbus.Error) {
	sess, derr := o.withSession()
	if derr != nil {
		return nil, derr
	}
	var out []map[string]dbus.Variant
	err := o.dispatchControl(func(ctx context.Context) error {
		out = make([]map[string]dbus.Variant, 0, len(trackIds))
		for _, p := range trackIds {
			id := pathToTrackID(p)
			track, ok := sess.TrackList().Lookup(id)
			if !ok {
				continue
			}
			out = append(out, metadataToVariantMap(track.ID, track.Metadata))
		}
		return nil
	})
	if err != nil {
		return nil, asDbusError("GetTracksMetadata", err)
	}
	return out, nil
}

func (o *sessionObject) GetTracksUri(trackIds []dbus.ObjectPath) ([]string, *dbus.Error) {
	sess, derr := o.withSession()
	if derr != nil {
		return nil, derr
	}
	out := make([]string, 0, len(trackIds))
	for _, p := range trackIds {
		track, ok := sess.TrackList().Lookup(pathToTrackID(p))
		if !ok {
			out = append(out, "")
			continue
		}
		out = append(out, track.URI)
	}
	return out, nil
}

func (o *sessionObject) AddTrack(uri string, afterTrack dbus.ObjectPath, setAsCurrent bool) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		_, err := sess.TrackList().Add(uri, pathToTrackID(afterTrack), setAsCurrent)
		return err
	})
	return asDbusError("AddTrack", err)
}

func (o *sessionObject) AddTracks(uris []string, afterTrack dbus.ObjectPath) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		_, _, err := sess.TrackList().AddMany(uris, pathToTrackID(afterTrack))
		return err
	})
	return asDbusError("AddTrack", err)
}

func (o *sessionObject) MoveTrack(id, to dbus.ObjectPath) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		return sess.TrackList().Move(pathToTrackID(id), pathToTrackID(to))
	})
	return asDbusError("MoveTrack", err)
}

func (o *sessionObject) RemoveTrack(trackId dbus.ObjectPath) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		return sess.TrackList().Remove(pathToTrackID(trackId))
	})
	return asDbusError("RemoveTrack", err)
}

func (o *sessionObject) GoTo(trackId dbus.ObjectPath) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	err := o.dispatchControl(func(ctx context.Context) error {
		return sess.TrackList().GoTo(pathToTrackID(trackId))
	})
	return asDbusError("GoTo", err)
}

func (o *sessionObject) Reset() *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	o.dispatchControl(func(ctx context.Context) error {
		sess.TrackList().Reset()
		return nil
	})
	return nil
}

// --- org.freedesktop.DBus.Properties ---

func (o *sessionObject) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	sess, derr := o.withSession()
	if derr != nil {
		return dbus.Variant{}, derr
	}
	switch iface {
	case mprisRootInterface:
		if v, ok := o.rootPropertyValue(prop); ok {
			return v, nil
		}
	case mprisPlayerInterface:
		if v, ok := o.playerPropertyValue(sess, prop); ok {
			return v, nil
		}
	case mprisTrackListInterface:
		if v, ok := o.trackListPropertyValue(sess, prop); ok {
			return v, nil
		}
	}
	return dbus.Variant{}, dbus.MakeFailedError(fmt.Errorf("unknown property %s.%s", iface, prop))
}

func (o *sessionObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	sess, derr := o.withSession()
	if derr != nil {
		return nil, derr
	}
	switch iface {
	case mprisRootInterface:
		return o.allRootProperties(), nil
	case mprisPlayerInterface:
		return o.allPlayerProperties(sess), nil
	case mprisTrackListInterface:
		return o.allTrackListProperties(sess), nil
	}
	return nil, dbus.MakeFailedError(fmt.Errorf("unknown interface %s", iface))
}

func (o *sessionObject) Set(iface, prop string, value dbus.Variant) *dbus.Error {
	sess, derr := o.withSession()
	if derr != nil {
		return derr
	}
	if iface != mprisPlayerInterface {
		return dbus.MakeFailedError(fmt.Errorf("%s has no writable properties", iface))
	}
	switch prop {
	case "Shuffle":
		enabled, ok := value.Value().(bool)
		if !ok {
			return dbus.MakeFailedError(fmt.Errorf("Shuffle requires a bool"))
		}
		o.dispatchControl(func(ctx context.Context) error {
			sess.SetShuffle(enabled)
			return nil
		})
	case "LoopStatus":
		s, ok := value.Value().(string)
		if !ok {
			return dbus.MakeFailedError(fmt.Errorf("LoopStatus requires a string"))
		}
		o.dispatchControl(func(ctx context.Context) error {
			sess.SetLoopStatus(tracklist.LoopStatus(s))
			return nil
		})
	case "Volume":
		v, ok := value.Value().(float64)
		if !ok {
			return dbus.MakeFailedError(fmt.Errorf("Volume requires a double"))
		}
		err := o.dispatchControl(func(ctx context.Context) error {
			return sess.SetVolume(v)
		})
		return asDbusError("SetVolume", err)
	default:
		return dbus.MakeFailedError(fmt.Errorf("%s is not writable", prop))
	}
	return nil
}

// --- property table helpers, grounded on getMediaPlayer2Property /
// getPlayerProperty / getAllMediaPlayer2Properties / getAllPlayerProperties ---

func (o *sessionObject) rootPropertyValue(prop string) (dbus.Variant, bool) {
	all := o.allRootProperties()
	v, ok := all[prop]
	return v, ok
}

func (o *sessionObject) allRootProperties() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"CanQuit":             dbus.MakeVariant(false),
		"CanRaise":            dbus.MakeVariant(false),
		"HasTrackList":        dbus.MakeVariant(true),
		"Identity":            dbus.MakeVariant("media-hubd"),
		"DesktopEntry":        dbus.MakeVariant("media-hubd"),
		"SupportedUriSchemes": dbus.MakeVariant([]string{"file", "http", "https"}),
		"SupportedMimeTypes":  dbus.MakeVariant([]string{"audio/mpeg", "audio/flac", "video/mp4", "video/x-matroska"}),
	}
}

func (o *sessionObject) playerPropertyValue(sess *session.Session, prop string) (dbus.Variant, bool) {
	switch prop {
	case "PlaybackStatus":
		return dbus.MakeVariant(playbackStatusWire(sess.PlaybackStatus())), true
	case "LoopStatus":
		return dbus.MakeVariant(string(sess.LoopStatus())), true
	case "Rate":
		return dbus.MakeVariant(1.0), true
	case "Shuffle":
		return dbus.MakeVariant(sess.Shuffle()), true
	case "Metadata":
		cur, ok := sess.TrackList().Current()
		if !ok {
			return dbus.MakeVariant(map[string]dbus.Variant{}), true
		}
		return dbus.MakeVariant(metadataToVariantMap(cur.ID, cur.Metadata)), true
	case "Volume":
		return dbus.MakeVariant(sess.Volume()), true
	case "Position":
		return dbus.MakeVariant(sess.PositionUs()), true
	case "MinimumRate":
		return dbus.MakeVariant(1.0), true
	case "MaximumRate":
		return dbus.MakeVariant(1.0), true
	case "CanGoNext":
		return dbus.MakeVariant(sess.CanGoNext()), true
	case "CanGoPrevious":
		return dbus.MakeVariant(sess.CanGoPrevious()), true
	case "CanPlay":
		return dbus.MakeVariant(sess.CanControl()), true
	case "CanPause":
		return dbus.MakeVariant(sess.CanControl()), true
	case "CanSeek":
		return dbus.MakeVariant(sess.CanControl()), true
	case "CanControl":
		return dbus.MakeVariant(true), true
	}
	return dbus.Variant{}, false
}

func (o *sessionObject) allPlayerProperties(sess *session.Session) map[string]dbus.Variant {
	names := []string{
		"PlaybackStatus", "LoopStatus", "Rate", "Shuffle", "Metadata", "Volume",
		"Position", "MinimumRate", "MaximumRate", "CanGoNext", "CanGoPrevious",
		"CanPlay", "CanPause", "CanSeek", "CanControl",
	}
	out := make(map[string]dbus.Variant, len(names))
	for _, n := range names {
		if v, ok := o.playerPropertyValue(sess, n); ok {
			out[n] = v
		}
	}
	return out
}

func (o *sessionObject) trackListPropertyValue(sess *session.Session, prop string) (dbus.Variant, bool) {
	switch prop {
	case "Tracks":
		ids := sess.TrackList().TrackIDs()
		paths := make([]dbus.ObjectPath, len(ids))
		for i, id := range ids {
			paths[i] = trackIDToPath(id)
		}
		return dbus.MakeVariant(paths), true
	case "CanEditTracks":
		return dbus.MakeVariant(sess.TrackList().CanEdit()), true
	}
	return dbus.Variant{}, false
}

func (o *sessionObject) allTrackListProperties(sess *session.Session) map[string]dbus.Variant {
	out := make(map[string]dbus.Variant, 2)
	for _, n := range []string{"Tracks", "CanEditTracks"} {
		if v, ok := o.trackListPropertyValue(sess, n); ok {
			out[n] = v
		}
	}
	return out
}

func playbackStatusWire(s session.PlaybackStatus) string {
	switch s {
	case session.StatusPlaying:
		return "Playing"
	case session.StatusPaused:
		return "Paused"
	case session.StatusStopped, session.StatusReady:
		return "Stopped"
	default:
		return "Stopped"
	}
}

func trackIDToPath(id tracklist.TrackId) dbus.ObjectPath { return dbus.ObjectPath(id) }
func pathToTrackID(p dbus.ObjectPath) tracklist.TrackId   { return tracklist.TrackId(p) }

func metadataToVariantMap(id tracklist.TrackId, md tracklist.Metadata) map[string]dbus.Variant {
	m := map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(trackIDToPath(id)),
	}
	if t := md.Title(); t != "" {
		m["xesam:title"] = dbus.MakeVariant(t)
	}
	if a := md.Artist(); a != "" {
		m["xesam:artist"] = dbus.MakeVariant([]string{a})
	}
	if al := md.Album(); al != "" {
		m["xesam:album"] = dbus.MakeVariant(al)
	}
	if art := md.ArtURL(); art != "" {
		m["mpris:artUrl"] = dbus.MakeVariant(art)
	}
	if length, ok := md.LengthUs(); ok {
		m["mpris:length"] = dbus.MakeVariant(length)
	}
	if md.HasImage() {
		m["tag:image"] = dbus.MakeVariant(true)
	}
	if md.HasPreviewImage() {
		m["tag:previewImage"] = dbus.MakeVariant(true)
	}
	return m
}
