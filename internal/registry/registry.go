// Package registry implements C7 SessionRegistry (spec §4.8): the
// process-wide map of session key/uuid to PlayerSession, the "current
// player" slot, and the multimedia-exclusivity and call-interaction
// policies. Grounded on the teacher's internal/ipc.Server, which held the
// single player/queue/auth manager trio this package generalizes into
// maps over many sessions.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/austinkregel/media-hubd/internal/audioroute"
	"github.com/austinkregel/media-hubd/internal/confinement"
	"github.com/austinkregel/media-hubd/internal/corerr"
	"github.com/austinkregel/media-hubd/internal/engine"
	"github.com/austinkregel/media-hubd/internal/logging"
	"github.com/austinkregel/media-hubd/internal/power"
	"github.com/austinkregel/media-hubd/internal/session"
)

// EngineFactory constructs a fresh Engine for a new session. Production
// wiring binds this to whatever concrete backend is available;
// internal/engine/fake.New satisfies it for tests and the example binary.
type EngineFactory func() (engine.Engine, error)

// SinkFactory builds the client-notification Sink for a newly created
// session, typically a busface adapter bound to that session's bus
// object.
type SinkFactory func(key session.Key) session.Sink

// LivenessWatcher is C9 ClientLivenessWatcher (spec §4.10/line 34): it
// feeds owner-gone notifications into the registry so a session whose
// client vanished without calling DestroySession is still torn down.
// *liveness.Watcher satisfies this.
type LivenessWatcher interface {
	Watch(peerName string, onGone func()) (cancel func())
}

// Registry is the C7 SessionRegistry.
type Registry struct {
	mu  sync.Mutex
	log zerolog.Logger

	byKey          map[session.Key]*session.Session
	byUuid         map[string]session.Key
	insertionOrder []session.Key
	nextKey        session.Key
	watchCancels   map[session.Key]func()

	currentPlayer    session.Key
	hasCurrentPlayer bool

	pausedByCall []session.Key
	routeState   audioroute.State

	arbiter       *power.Arbiter
	resolver      *confinement.Resolver
	authorizer    *confinement.Authorizer
	engineFactory EngineFactory
	sinkFactory   SinkFactory
	watcher       LivenessWatcher
}

// New builds an empty Registry. watcher may be nil (used by tests that
// have no bus connection to watch), in which case no owner-gone watch is
// registered; sessions are then destroyed by an explicit DestroySession
// call, or when their engine reports client_disconnected and their
// lifetime is not resumable.
func New(
	log zerolog.Logger,
	arbiter *power.Arbiter,
	resolver *confinement.Resolver,
	authorizer *confinement.Authorizer,
	engineFactory EngineFactory,
	sinkFactory SinkFactory,
	watcher LivenessWatcher,
) *Registry {
	return &Registry{
		log:           log,
		byKey:         make(map[session.Key]*session.Session),
		byUuid:        make(map[string]session.Key),
		watchCancels:  make(map[session.Key]func()),
		arbiter:       arbiter,
		resolver:      resolver,
		authorizer:    authorizer,
		engineFactory: engineFactory,
		sinkFactory:   sinkFactory,
		watcher:       watcher,
		routeState:    audioroute.Speaker,
	}
}

// CreateSession resolves ownerPeer's confinement context, assigns a fresh
// SessionKey and SessionUuid, and constructs the PlayerSession (spec
// §4.8).
func (r *Registry) CreateSession(ctx context.Context, ownerPeer string) (*session.Session, error) {
	identity, err := r.resolver.Resolve(ctx, ownerPeer)
	if err != nil {
		return nil, err
	}

	eng, err := r.engineFactory()
	if err != nil {
		return nil, corerr.Wrap(corerr.BackendUnavailable, "engine construction failed", err)
	}

	r.mu.Lock()
	r.nextKey++
	key := r.nextKey
	r.mu.Unlock()

	sessionUuid := uuid.NewString()
	var sink session.Sink
	if r.sinkFactory != nil {
		sink = r.sinkFactory(key)
	}

	sess := session.New(session.Params{
		Key:       key,
		Uuid:      sessionUuid,
		OwnerPeer: ownerPeer,
		Identity:  identity,
		Engine:    eng,
		Arbiter:   r.arbiter,
		Hooks:     r,
		Sink:      sink,
		Log:       logging.Session(r.log, sessionUuid),
	})
	sess.WithAuthorizer(func(uri string) (bool, string) {
		return r.authorizer.Authorize(identity, uri)
	})

	r.mu.Lock()
	r.byKey[key] = sess
	r.byUuid[sessionUuid] = key
	r.insertionOrder = append(r.insertionOrder, key)
	r.mu.Unlock()

	if r.watcher != nil {
		cancel := r.watcher.Watch(ownerPeer, sess.Abandon)
		r.mu.Lock()
		r.watchCancels[key] = cancel
		r.mu.Unlock()
	}

	r.log.Info().Int("key", int(key)).Str("session", sessionUuid).Str("owner", ownerPeer).Msg("session created")
	return sess, nil
}

// DestroySession removes a session synchronously (spec §4.8).
func (r *Registry) DestroySession(sessionUuid string) error {
	r.mu.Lock()
	key, ok := r.byUuid[sessionUuid]
	if !ok {
		r.mu.Unlock()
		return corerr.NotFoundf("session", sessionUuid)
	}
	sess := r.byKey[key]
	delete(r.byUuid, sessionUuid)
	delete(r.byKey, key)
	r.removeFromOrderLocked(key)
	if r.hasCurrentPlayer && r.currentPlayer == key {
		r.hasCurrentPlayer = false
	}
	r.cancelWatchLocked(key)
	r.mu.Unlock()

	sess.Destroy()
	return nil
}

func (r *Registry) removeFromOrderLocked(key session.Key) {
	for i, k := range r.insertionOrder {
		if k == key {
			r.insertionOrder = append(r.insertionOrder[:i], r.insertionOrder[i+1:]...)
			return
		}
	}
}

// cancelWatchLocked unregisters key's liveness watch, if any, so a peer
// that drops off the bus later doesn't fire a callback against an
// already-destroyed session. Must be called with r.mu held.
func (r *Registry) cancelWatchLocked(key session.Key) {
	if cancel, ok := r.watchCancels[key]; ok {
		cancel()
		delete(r.watchCancels, key)
	}
}

// BySessionUuid resolves uuid to its session (used by ReattachSession).
func (r *Registry) BySessionUuid(sessionUuid string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byUuid[sessionUuid]
	if !ok {
		return nil, false
	}
	sess, ok := r.byKey[key]
	return sess, ok
}

// BySessionKey resolves key to its session.
func (r *Registry) BySessionKey(key session.Key) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byKey[key]
	return sess, ok
}

// Sessions returns every live session in insertion order (spec §4.8:
// "Enumeration is in insertion order").
func (r *Registry) Sessions() []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*session.Session, 0, len(r.insertionOrder))
	for _, key := range r.insertionOrder {
		out = append(out, r.byKey[key])
	}
	return out
}

// --- session.RegistryHooks ---

// PauseOtherMultimedia pauses every other session that is currently
// playing in the multimedia role (spec §4.8's multimedia-exclusivity
// policy).
func (r *Registry) PauseOtherMultimedia(key session.Key) {
	for _, sess := range r.otherMultimediaPlaying(key) {
		sess.Pause(context.Background())
	}
}

func (r *Registry) otherMultimediaPlaying(except session.Key) []*session.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*session.Session
	for _, key := range r.insertionOrder {
		if key == except {
			continue
		}
		sess := r.byKey[key]
		if sess.AudioRole() == session.RoleMultimedia && sess.PlaybackStatus() == session.StatusPlaying {
			out = append(out, sess)
		}
	}
	return out
}

func (r *Registry) SetCurrentPlayer(key session.Key) {
	r.mu.Lock()
	r.currentPlayer = key
	r.hasCurrentPlayer = true
	r.mu.Unlock()
}

func (r *Registry) IsCurrentPlayer(key session.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasCurrentPlayer && r.currentPlayer == key
}

func (r *Registry) ClearCurrentPlayerIfSelf(key session.Key) {
	r.mu.Lock()
	if r.hasCurrentPlayer && r.currentPlayer == key {
		r.hasCurrentPlayer = false
	}
	r.mu.Unlock()
}

// ResetCurrentPlayer unconditionally clears the slot.
func (r *Registry) ResetCurrentPlayer() {
	r.mu.Lock()
	r.hasCurrentPlayer = false
	r.mu.Unlock()
}

// NotifyClientDisconnected is called by a Session once it has cleaned up
// its own state; the registry decides whether to keep it (lifetime ==
// resumable) or destroy it (spec §3, §4.7).
func (r *Registry) NotifyClientDisconnected(key session.Key, resumable bool) {
	if resumable {
		r.log.Debug().Int("key", int(key)).Msg("owner gone, session kept (resumable)")
		return
	}
	r.mu.Lock()
	sess, ok := r.byKey[key]
	if ok {
		delete(r.byKey, key)
		delete(r.byUuid, sess.Uuid())
		r.removeFromOrderLocked(key)
	}
	r.cancelWatchLocked(key)
	r.mu.Unlock()
	r.log.Info().Int("key", int(key)).Msg("owner gone, session destroyed")
}

// --- CallMonitor policy (spec §4.7/§4.8) ---

// HandleOffHook pauses every currently-playing session and remembers
// their keys for HandleOnHook.
func (r *Registry) HandleOffHook() {
	r.mu.Lock()
	var toPause []session.Key
	for _, key := range r.insertionOrder {
		if r.byKey[key].PlaybackStatus() == session.StatusPlaying {
			toPause = append(toPause, key)
		}
	}
	r.pausedByCall = toPause
	r.mu.Unlock()

	for _, key := range toPause {
		if sess, ok := r.BySessionKey(key); ok {
			sess.Pause(context.Background())
		}
	}
}

// HandleOnHook resumes sessions paused by the preceding off_hook, subject
// to the audio-route rule: a video session is not resumed when the route
// is earpiece.
func (r *Registry) HandleOnHook() {
	r.mu.Lock()
	keys := r.pausedByCall
	r.pausedByCall = nil
	route := r.routeState
	r.mu.Unlock()

	for _, key := range keys {
		sess, ok := r.BySessionKey(key)
		if !ok {
			continue
		}
		if route == audioroute.Earpiece && sess.IsVideoSource() {
			continue
		}
		sess.Play(context.Background())
	}
}

// SetOutputRoute updates the route used by the on_hook resume rule;
// intended to be wired directly to an audioroute.Observer.OnChange.
func (r *Registry) SetOutputRoute(s audioroute.State) {
	r.mu.Lock()
	r.routeState = s
	r.mu.Unlock()
}

// String is handy for debug logging.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("registry{sessions=%d, current_player_set=%v}", len(r.byKey), r.hasCurrentPlayer)
}
