// Package busface implements C8 ControlSurface (spec §4.9): the
// session-factory bus object and, per session, the MPRIS-2-compatible
// Root/Player/TrackList objects that translate PlayerSession and
// TrackList state into org.mpris.MediaPlayer2 method calls, property
// dispatch, and signals. Grounded on the teacher's
// internal/media/mpris_linux.go, generalized from one process-wide
// session to many concurrently exported session objects.
package busface

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/austinkregel/media-hubd/internal/corerr"
	"github.com/austinkregel/media-hubd/internal/dispatch"
	"github.com/austinkregel/media-hubd/internal/registry"
	"github.com/austinkregel/media-hubd/internal/session"
	"github.com/austinkregel/media-hubd/internal/tracklist"
)

const (
	factoryBusName    = "org.mediahubd.SessionFactory"
	factoryObjectPath = dbus.ObjectPath("/org/mediahubd")
	factoryInterface  = "org.mediahubd.SessionFactory1"

	mprisRootInterface      = "org.mpris.MediaPlayer2"
	mprisPlayerInterface    = "org.mpris.MediaPlayer2.Player"
	mprisTrackListInterface = "org.mpris.MediaPlayer2.TrackList"
	propertiesInterface     = "org.freedesktop.DBus.Properties"

	// propertyFlushDelay coalesces multiple PropertiesChanged calls that
	// land within one dispatched event into a single signal emission.
	propertyFlushDelay = 2 * time.Millisecond
)

// Factory is the C8 ControlSurface's session-factory object: it exports
// CreateSession/DetachSession/ReattachSession/DestroySession and the
// cross-session control operations at a single well-known object path,
// and owns the per-session MPRIS object lifecycle.
type Factory struct {
	conn *dbus.Conn
	log  zerolog.Logger
	disp *dispatch.Dispatcher

	mu       sync.Mutex
	registry *registry.Registry
	objects  map[session.Key]*sessionObject
}

// NewFactory builds a Factory bound to conn, serializing every
// suspension-point operation (spec §5) through disp. Call BindRegistry
// once the Registry exists (the Registry itself needs the Factory's
// BuildSink as its SinkFactory, so construction is necessarily
// two-phase), then Export to claim the bus name and publish the factory
// object.
func NewFactory(conn *dbus.Conn, disp *dispatch.Dispatcher, log zerolog.Logger) *Factory {
	return &Factory{
		conn:    conn,
		log:     log,
		disp:    disp,
		objects: make(map[session.Key]*sessionObject),
	}
}

// BindRegistry attaches the Registry the factory dispatches to.
func (f *Factory) BindRegistry(r *registry.Registry) {
	f.mu.Lock()
	f.registry = r
	f.mu.Unlock()
}

// Export claims the factory's well-known bus name and exports its
// methods, mirroring the teacher's NewSession's RequestName/Export
// sequence.
func (f *Factory) Export() error {
	reply, err := f.conn.RequestName(factoryBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", factoryBusName)
	}
	return f.conn.Export(f, factoryObjectPath, factoryInterface)
}

// BuildSink is the registry.SinkFactory: it constructs and exports the
// MPRIS object for a newly created session before the session starts
// emitting events.
func (f *Factory) BuildSink(key session.Key) session.Sink {
	obj := &sessionObject{
		conn:    f.conn,
		log:     f.log,
		disp:    f.disp,
		key:     key,
		path:    sessionObjectPath(key),
		pending: make(map[string]bool),
	}
	f.mu.Lock()
	f.objects[key] = obj
	f.mu.Unlock()
	return obj
}

func sessionObjectPath(key session.Key) dbus.ObjectPath {
	return dbus.ObjectPath(fmt.Sprintf("/org/mediahubd/sessions/%d", key))
}

func (f *Factory) sessionByKey(key session.Key) (*session.Session, bool) {
	f.mu.Lock()
	r := f.registry
	f.mu.Unlock()
	if r == nil {
		return nil, false
	}
	return r.BySessionKey(key)
}

func (f *Factory) objectByKey(key session.Key) (*sessionObject, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[key]
	return obj, ok
}

// exportSessionObject publishes obj's three interfaces at its path,
// mirroring exportInterfaces's one-Export-call-per-interface pattern.
func (f *Factory) exportSessionObject(sess *session.Session, obj *sessionObject) error {
	obj.mu.Lock()
	obj.sess = sess
	path := obj.path
	obj.mu.Unlock()

	for _, iface := range []string{mprisRootInterface, mprisPlayerInterface, mprisTrackListInterface, propertiesInterface} {
		if err := f.conn.Export(obj, path, iface); err != nil {
			return fmt.Errorf("export %s: %w", iface, err)
		}
	}
	return nil
}

// --- factory-level bus methods (org.mediahubd.SessionFactory1) ---

// CreateSession creates a new session owned by sender and returns its
// object path and uuid.
func (f *Factory) CreateSession(sender dbus.Sender) (dbus.ObjectPath, string, *dbus.Error) {
	f.mu.Lock()
	r := f.registry
	f.mu.Unlock()
	if r == nil {
		return "", "", dbus.MakeFailedError(fmt.Errorf("factory not bound to a registry"))
	}

	var sess *session.Session
	dispatchErr := f.disp.SubmitControl(context.Background(), func(ctx context.Context) error {
		s, err := r.CreateSession(ctx, string(sender))
		sess = s
		return err
	})
	if dispatchErr != nil {
		return "", "", asDbusError("CreateSession", dispatchErr)
	}

	obj, ok := f.objectByKey(sess.Key())
	if !ok {
		return "", "", dbus.MakeFailedError(fmt.Errorf("session object missing for key %d", sess.Key()))
	}
	if err := f.exportSessionObject(sess, obj); err != nil {
		return "", "", dbus.MakeFailedError(err)
	}
	return obj.path, sess.Uuid(), nil
}

// DetachSession unexports the session's bus object while the session
// itself keeps running, so a client can drop off the bus without
// destroying a resumable session.
func (f *Factory) DetachSession(sessionUuid string) *dbus.Error {
	f.mu.Lock()
	r := f.registry
	f.mu.Unlock()
	if r == nil {
		return dbus.MakeFailedError(fmt.Errorf("factory not bound to a registry"))
	}
	sess, ok := r.BySessionUuid(sessionUuid)
	if !ok {
		return asDbusError("DetachSession", corerr.NotFoundf("session", sessionUuid))
	}
	if obj, ok := f.objectByKey(sess.Key()); ok {
		f.conn.Export(nil, obj.path, mprisRootInterface)
		f.conn.Export(nil, obj.path, mprisPlayerInterface)
		f.conn.Export(nil, obj.path, mprisTrackListInterface)
		f.conn.Export(nil, obj.path, propertiesInterface)
	}
	return nil
}

// ReattachSession re-exports a previously detached session's bus
// object and returns its path.
func (f *Factory) ReattachSession(sessionUuid string) (dbus.ObjectPath, *dbus.Error) {
	f.mu.Lock()
	r := f.registry
	f.mu.Unlock()
	if r == nil {
		return "", dbus.MakeFailedError(fmt.Errorf("factory not bound to a registry"))
	}
	sess, ok := r.BySessionUuid(sessionUuid)
	if !ok {
		return "", asDbusError("ReattachSession", corerr.NotFoundf("session", sessionUuid))
	}
	obj, ok := f.objectByKey(sess.Key())
	if !ok {
		return "", dbus.MakeFailedError(fmt.Errorf("session object missing for key %d", sess.Key()))
	}

	dispatchErr := f.disp.SubmitControl(context.Background(), func(ctx context.Context) error {
		return f.exportSessionObject(sess, obj)
	})
	if dispatchErr != nil {
		return "", asDbusError("ReattachSession", dispatchErr)
	}
	return obj.path, nil
}

// DestroySession tears the session down synchronously.
func (f *Factory) DestroySession(sessionUuid string) *dbus.Error {
	f.mu.Lock()
	r := f.registry
	f.mu.Unlock()
	if r == nil {
		return dbus.MakeFailedError(fmt.Errorf("factory not bound to a registry"))
	}
	if err := r.DestroySession(sessionUuid); err != nil {
		return asDbusError("DestroySession", err)
	}
	return nil
}

// PauseOtherSessions exposes the multimedia-exclusivity policy directly,
// for clients that want to claim foreground playback without going
// through Play.
func (f *Factory) PauseOtherSessions(key int32) *dbus.Error {
	f.mu.Lock()
	r := f.registry
	f.mu.Unlock()
	if r == nil {
		return dbus.MakeFailedError(fmt.Errorf("factory not bound to a registry"))
	}
	r.PauseOtherMultimedia(session.Key(key))
	return nil
}

// SetCurrentPlayer exposes the current-player slot directly.
func (f *Factory) SetCurrentPlayer(key int32) *dbus.Error {
	f.mu.Lock()
	r := f.registry
	f.mu.Unlock()
	if r == nil {
		return dbus.MakeFailedError(fmt.Errorf("factory not bound to a registry"))
	}
	r.SetCurrentPlayer(session.Key(key))
	return nil
}

// asDbusError maps err onto a D-Bus error, using corerr's §6 wire-code
// taxonomy (WireCode) rather than the bare Kind name when err is a
// *corerr.Error. op names the bus operation that produced err (e.g.
// "OpenUri", "CreateVideoSink") so WireCode can pick the operation-specific
// wire name where one exists. Track-list authorization and move-lookup
// errors are first mapped onto the matching corerr kinds; a nil err maps
// to a nil *dbus.Error.
func asDbusError(op string, err error) *dbus.Error {
	if err == nil {
		return nil
	}
	var notAuth *tracklist.NotAuthorizedError
	var srcMissing *tracklist.SourceNotFoundError
	var dstMissing *tracklist.DestNotFoundError
	switch {
	case errors.As(err, &notAuth):
		err = corerr.Authorizationf(notAuth.Reason)
	case errors.As(err, &srcMissing):
		op, err = "MoveTrackSource", corerr.New(corerr.NotFound, srcMissing.Error())
	case errors.As(err, &dstMissing):
		op, err = "MoveTrackDest", corerr.New(corerr.NotFound, dstMissing.Error())
	}
	if cerr, ok := corerr.As(err); ok {
		return dbus.NewError("org.mediahubd.Error."+cerr.WireCode(op), []interface{}{cerr.Reason})
	}
	return dbus.MakeFailedError(err)
}
