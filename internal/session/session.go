// Package session implements C6 PlayerSession (spec §4.7): one playback
// session, owning an Engine and a TrackList, translating client requests
// into engine operations and engine events into client-facing property
// changes. It is grounded on the teacher's internal/audio.Player (the
// sessionID/sessionDone-guarded command dispatch and playbackMu/mu split
// locking), generalized from a single global player to one instance per
// client session, each with its own Engine and TrackList instead of a
// shared one.
package session

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/austinkregel/media-hubd/internal/confinement"
	"github.com/austinkregel/media-hubd/internal/corerr"
	"github.com/austinkregel/media-hubd/internal/engine"
	"github.com/austinkregel/media-hubd/internal/power"
	"github.com/austinkregel/media-hubd/internal/tracklist"
)

// Key is a process-local, monotonically assigned session identifier
// (spec §3: "SessionKey").
type Key int

// Role is the session's audio stream role (spec §3).
type Role string

const (
	RoleAlarm      Role = "alarm"
	RoleAlert      Role = "alert"
	RoleMultimedia Role = "multimedia"
	RolePhone      Role = "phone"
)

// Lifetime controls whether a session survives its owning client's
// disconnection (spec §3).
type Lifetime string

const (
	LifetimeNormal    Lifetime = "normal"
	LifetimeResumable Lifetime = "resumable"
)

// PlaybackStatus is the client-facing, derived status (spec §3).
type PlaybackStatus string

const (
	StatusNull    PlaybackStatus = ""
	StatusReady   PlaybackStatus = "ready"
	StatusPlaying PlaybackStatus = "playing"
	StatusPaused  PlaybackStatus = "paused"
	StatusStopped PlaybackStatus = "stopped"
)

// wakelock is the subset of power.DisplayLock/power.SystemLock a session
// needs; both satisfy it. Holding the interface instead of a concrete
// type lets the session "release the same class that was acquired" even
// though IsVideoSource may have changed in between (spec §4.7).
type wakelock interface {
	Acquire(ctx context.Context)
	Release(ctx context.Context)
}

// RegistryHooks is the subset of SessionRegistry a session calls into. It
// is an interface (not a package import) since SessionRegistry owns
// Sessions, not the other way around.
type RegistryHooks interface {
	PauseOtherMultimedia(key Key)
	SetCurrentPlayer(key Key)
	IsCurrentPlayer(key Key) bool
	ClearCurrentPlayerIfSelf(key Key)
	// NotifyClientDisconnected tells the registry the owning client is
	// gone; the registry decides whether to keep (lifetime==resumable) or
	// destroy the session.
	NotifyClientDisconnected(key Key, resumable bool)
}

// Sink receives the client-facing notifications a session produces.
// busface's per-session bus object implements this to bridge them onto
// MPRIS signals and PropertiesChanged.
type Sink interface {
	PropertiesChanged(fields []string)
	Seeked(positionUs int64)
	VideoDimensionChanged(width, height int)
	ErrorOccurred(kind corerr.Kind, reason string)
	BufferingChanged(percent int)
	TrackListEvent(ev tracklist.Event)
}

// NoOpSink discards every notification; useful for headless construction
// in tests.
type NoOpSink struct{}

func (NoOpSink) PropertiesChanged(fields []string)          {}
func (NoOpSink) Seeked(positionUs int64)                    {}
func (NoOpSink) VideoDimensionChanged(width, height int)     {}
func (NoOpSink) ErrorOccurred(kind corerr.Kind, reason string) {}
func (NoOpSink) BufferingChanged(percent int)               {}
func (NoOpSink) TrackListEvent(ev tracklist.Event)           {}

// Session is the C6 PlayerSession.
type Session struct {
	mu  sync.Mutex
	log zerolog.Logger

	key       Key
	uuid      string
	ownerPeer string
	identity  confinement.Context

	engine  engine.Engine
	tracks  *tracklist.List
	arbiter *power.Arbiter
	hooks   RegistryHooks
	sink    Sink

	engineState     engine.State
	prevEngineState engine.State
	playbackStatus  PlaybackStatus

	volume                         float64
	playbackRate, minRate, maxRate float64
	audioRole                      Role
	orientation                    int
	lifetime                       Lifetime

	heldLock wakelock

	abandoning bool
	goToLock   bool
}

// Params bundles a Session's construction-time dependencies.
type Params struct {
	Key       Key
	Uuid      string
	OwnerPeer string
	Identity  confinement.Context
	Engine    engine.Engine
	Arbiter   *power.Arbiter
	Hooks     RegistryHooks
	Sink      Sink
	Log       zerolog.Logger
}

// New constructs a Session and wires its Engine/TrackList event
// subscriptions.
func New(p Params) *Session {
	if p.Sink == nil {
		p.Sink = NoOpSink{}
	}
	s := &Session{
		log:            p.Log,
		key:            p.Key,
		uuid:           p.Uuid,
		ownerPeer:      p.OwnerPeer,
		identity:       p.Identity,
		engine:         p.Engine,
		arbiter:        p.Arbiter,
		hooks:          p.Hooks,
		sink:           p.Sink,
		engineState:    engine.NoMedia,
		playbackStatus: StatusNull,
		volume:         1.0,
		playbackRate:   1.0,
		minRate:        1.0,
		maxRate:        1.0,
		audioRole:      RoleMultimedia,
		lifetime:       LifetimeNormal,
	}
	s.tracks = tracklist.New(sessionTrackRoot(p.Key), s.authorizeTrackURI, s.onTrackListEvent)
	s.engine.Subscribe(s.onEngineEvent)
	return s
}

func sessionTrackRoot(key Key) string {
	return "/org/mediahubd/sessions/" + strconv.Itoa(int(key))
}

func (s *Session) authorizeTrackURI(uri string) (bool, string) {
	// Callers needing confinement enforcement bind a real UriAuthorizer at
	// the registry layer (SessionRegistry.CreateSession wires this via
	// WithAuthorizer); by default every URI is allowed so the session is
	// independently testable.
	return true, ""
}

// WithAuthorizer rebinds the track list's authorization hook to a real
// confinement.Authorizer bound to this session's identity. Called once by
// SessionRegistry right after New.
func (s *Session) WithAuthorizer(authorize func(uri string) (bool, string)) {
	s.tracks = tracklist.New(sessionTrackRoot(s.key), authorize, s.onTrackListEvent)
}

// Key, Uuid, OwnerPeer, Identity are simple accessors.
func (s *Session) Key() Key                        { return s.key }
func (s *Session) Uuid() string                     { return s.uuid }
func (s *Session) OwnerPeer() string                { return s.ownerPeer }
func (s *Session) Identity() confinement.Context     { return s.identity }
func (s *Session) TrackList() *tracklist.List        { return s.tracks }
func (s *Session) AudioRole() Role                   { return s.audioRole }
func (s *Session) SetAudioRole(r Role)               { s.mu.Lock(); s.audioRole = r; s.mu.Unlock() }
func (s *Session) Lifetime() Lifetime                { return s.lifetime }
func (s *Session) SetLifetime(l Lifetime) error {
	s.mu.Lock()
	s.lifetime = l
	s.mu.Unlock()
	return s.engine.SetLifetime(string(l))
}

// PlaybackStatus returns the client-facing status.
func (s *Session) PlaybackStatus() PlaybackStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playbackStatus
}

// Pull properties: each read queries the engine directly (spec §4.7:
// "position/duration/is_video/is_audio are pull properties").
func (s *Session) PositionUs() int64        { return s.engine.PositionUs() }
func (s *Session) DurationUs() int64        { return s.engine.DurationUs() }
func (s *Session) IsVideoSource() bool       { return s.engine.IsVideoSource() }
func (s *Session) IsAudioSource() bool       { return s.engine.IsAudioSource() }
func (s *Session) Orientation() int          { return s.engine.Orientation() }
func (s *Session) CurrentMetadata() tracklist.Metadata {
	if track, ok := s.tracks.Current(); ok {
		return track.Metadata
	}
	return tracklist.Metadata{}
}

// Push properties: shadowed locally, updated on engine/tracklist events.
func (s *Session) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

func (s *Session) LoopStatus() tracklist.LoopStatus { return s.tracks.LoopStatus() }
func (s *Session) Shuffle() bool                    { return s.tracks.Shuffle() }

func (s *Session) CanGoNext() bool {
	n := s.tracks.Len()
	if n == 0 {
		return false
	}
	if n > 1 {
		return true
	}
	return s.tracks.LoopStatus() != tracklist.LoopNone
}

func (s *Session) CanGoPrevious() bool { return s.CanGoNext() }

func (s *Session) CanControl() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engineState != engine.NoMedia
}

func (s *Session) SetVolume(v float64) error {
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
	if err := s.engine.SetVolume(v); err != nil {
		return err
	}
	s.sink.PropertiesChanged([]string{"Volume"})
	return nil
}

func (s *Session) SetLoopStatus(v tracklist.LoopStatus) {
	s.tracks.SetLoopStatus(v)
	s.sink.PropertiesChanged([]string{"LoopStatus"})
}

func (s *Session) SetShuffle(v bool) {
	s.tracks.SetShuffle(v)
	s.sink.PropertiesChanged([]string{"Shuffle"})
}

// --- control operations (spec §4.7) ---

// OpenUri clears the track list and, if uri is non-empty, adds it at the
// end (not current) and opens it on the engine. An empty uri performs the
// clear only.
func (s *Session) OpenUri(ctx context.Context, uri string) error {
	s.tracks.Reset()
	if uri == "" {
		return nil
	}
	id, err := s.tracks.Add(uri, tracklist.EmptyTrack, false)
	if err != nil {
		return err
	}
	track, _ := s.tracks.Lookup(id)
	return s.engine.Open(ctx, track.URI, nil, true)
}

// OpenUriExtended opens uri with headers directly on the engine, without
// touching the track list.
func (s *Session) OpenUriExtended(ctx context.Context, uri string, headers map[string]string) error {
	return s.engine.Open(ctx, uri, headers, true)
}

// Next delegates to the track list; its go_to_track event drives the
// engine via onTrackListEvent.
func (s *Session) Next() (tracklist.TrackId, bool) { return s.tracks.Next() }

// Previous delegates to the track list, given the engine's current
// position for the restart-current threshold.
func (s *Session) Previous() (tracklist.TrackId, bool) {
	return s.tracks.Previous(s.engine.PositionUs())
}

// Play implements the multimedia-exclusivity hand-off (spec §4.7): if
// this session's role is multimedia, pause every other multimedia
// session first and claim the current-player slot, then start playback.
func (s *Session) Play(ctx context.Context) error {
	s.mu.Lock()
	role := s.audioRole
	s.mu.Unlock()

	if role == RoleMultimedia {
		s.hooks.PauseOtherMultimedia(s.key)
		s.hooks.SetCurrentPlayer(s.key)
	}
	return s.engine.Play(ctx)
}

func (s *Session) Pause(ctx context.Context) error  { return s.engine.Pause(ctx) }
func (s *Session) Stop(ctx context.Context) error   { return s.engine.Stop(ctx) }
func (s *Session) SeekTo(ctx context.Context, us int64) error {
	return s.engine.SeekTo(ctx, us)
}

// CreateVideoSink delegates to the engine, surfacing
// OutOfProcessBufferStreamingNotSupported as-is.
func (s *Session) CreateVideoSink(ctx context.Context, textureID uint32) error {
	return s.engine.CreateVideoSink(ctx, textureID)
}

// Abandon suppresses auto-advance and tears the session down as if its
// owning client had died (spec §4.7).
func (s *Session) Abandon() {
	s.mu.Lock()
	s.abandoning = true
	s.mu.Unlock()
	s.handleClientDisconnected()
}

// --- engine event handling ---

func (s *Session) onEngineEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventPlaybackStatusChanged:
		s.applyEngineState(ev.Status)
	case engine.EventAboutToFinish:
		s.handleAboutToFinish()
	case engine.EventSeekedTo:
		s.sink.Seeked(ev.PositionUs)
	case engine.EventClientDisconnected:
		s.handleClientDisconnected()
	case engine.EventVideoDimensionChanged:
		s.sink.VideoDimensionChanged(ev.Width, ev.Height)
	case engine.EventError:
		s.sink.ErrorOccurred(ev.ErrorKind, ev.ErrorReason)
	case engine.EventBufferingChanged:
		s.sink.BufferingChanged(ev.BufferPercent)
	case engine.EventEndOfStream:
		// No independent handling beyond about_to_finish / end_of_tracklist
		// (spec §4.7 names no separate effect for end_of_stream itself).
	}
}

// applyEngineState implements the engine-state -> playback_status mapping
// and side-effect table of spec §4.7.
func (s *Session) applyEngineState(newState engine.State) {
	s.mu.Lock()
	prev := s.engineState
	s.prevEngineState = prev
	s.engineState = newState
	wasPlaying := prev == engine.Playing
	s.mu.Unlock()

	ctx := context.Background()
	switch newState {
	case engine.NoMedia:
		s.setPlaybackStatus(StatusNull)
	case engine.Ready:
		s.setPlaybackStatus(StatusReady)
		if wasPlaying {
			s.releaseWakelock(ctx)
		}
	case engine.Playing:
		s.publishMetadata()
		s.acquireWakelock(ctx)
		s.setPlaybackStatus(StatusPlaying)
	case engine.Paused:
		s.setPlaybackStatus(StatusPaused)
		if wasPlaying {
			s.releaseWakelock(ctx)
		}
	case engine.Stopped:
		s.setPlaybackStatus(StatusStopped)
		if wasPlaying {
			s.releaseWakelock(ctx)
		}
	case engine.Busy:
		// playback_status unchanged.
	}
}

func (s *Session) setPlaybackStatus(status PlaybackStatus) {
	s.mu.Lock()
	s.playbackStatus = status
	s.mu.Unlock()
	s.sink.PropertiesChanged([]string{"PlaybackStatus"})
}

func (s *Session) publishMetadata() {
	s.sink.PropertiesChanged([]string{"Metadata"})
}

// acquireWakelock re-evaluates is_video_source every time an acquire is
// needed (spec §4.7) and remembers which lock class was taken so the
// matching release is issued even if is_video_source changes meanwhile.
func (s *Session) acquireWakelock(ctx context.Context) {
	var lk wakelock
	if s.engine.IsVideoSource() {
		lk = s.arbiter.Display
	} else {
		lk = s.arbiter.System
	}
	s.mu.Lock()
	s.heldLock = lk
	s.mu.Unlock()
	lk.Acquire(ctx)
}

func (s *Session) releaseWakelock(ctx context.Context) {
	s.mu.Lock()
	lk := s.heldLock
	s.heldLock = nil
	s.mu.Unlock()
	if lk != nil {
		lk.Release(ctx)
	}
}

// handleAboutToFinish implements spec §4.7's gapless-splice handling.
func (s *Session) handleAboutToFinish() {
	s.mu.Lock()
	if s.abandoning {
		s.mu.Unlock()
		return
	}
	s.goToLock = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.goToLock = false
		s.mu.Unlock()
	}()

	id, ok := s.tracks.Next()
	if !ok {
		return
	}
	track, found := s.tracks.Lookup(id)
	if !found {
		return
	}
	s.engine.Open(context.Background(), track.URI, nil, false)
}

// onTrackListEvent wires the track list's change stream into engine
// operations and client notifications.
func (s *Session) onTrackListEvent(ev tracklist.Event) {
	s.sink.TrackListEvent(ev)

	switch ev.Kind {
	case tracklist.EventGoToTrack:
		s.mu.Lock()
		locked := s.goToLock
		wasPlaying := s.playbackStatus == StatusPlaying
		s.mu.Unlock()
		if locked {
			return
		}
		track, ok := s.tracks.Lookup(ev.TrackID)
		if !ok {
			return
		}
		ctx := context.Background()
		if err := s.engine.Open(ctx, track.URI, nil, true); err != nil {
			s.log.Warn().Err(err).Msg("engine open failed for go_to_track")
			return
		}
		if wasPlaying {
			s.engine.Play(ctx)
		}
	case tracklist.EventEndOfTracklist:
		s.handleEndOfTracklist()
	}
}

// handleEndOfTracklist implements spec §4.7's stop-on-exhaustion rule.
func (s *Session) handleEndOfTracklist() {
	st := s.engine.State()
	if st != engine.Ready && st != engine.Stopped {
		s.engine.Stop(context.Background())
	}
}

// teardownCommon is the teardown shared by handleClientDisconnected and
// Destroy: release the wakelock, reset the track list and give up the
// current-player slot.
func (s *Session) teardownCommon(ctx context.Context) {
	s.releaseWakelock(ctx)
	s.tracks.Reset()
	if s.hooks.IsCurrentPlayer(s.key) {
		s.hooks.ClearCurrentPlayerIfSelf(s.key)
	}
}

func (s *Session) handleClientDisconnected() {
	s.teardownCommon(context.Background())
	s.mu.Lock()
	resumable := s.lifetime == LifetimeResumable
	s.mu.Unlock()
	// A resumable session may still be reattached and keep using its
	// engine; only a session that is actually going away releases its
	// engine resources (spec §8 Invariant 7: no leaked extractor temp
	// directories).
	if !resumable {
		if err := s.engine.Close(); err != nil {
			s.log.Warn().Err(err).Msg("engine close failed on teardown")
		}
	}
	s.hooks.NotifyClientDisconnected(s.key, resumable)
}

// Destroy unconditionally tears the session down, ignoring lifetime ==
// resumable: an explicit DestroySession call always releases the engine's
// resources regardless of whether the owner could otherwise have resumed it.
func (s *Session) Destroy() {
	s.teardownCommon(context.Background())
	if err := s.engine.Close(); err != nil {
		s.log.Warn().Err(err).Msg("engine close failed on teardown")
	}
}
