// Package engine defines the Engine contract (spec §4.5): the replaceable
// media backend the core depends on. Nothing here decodes media or
// touches a sink — per spec.md §1 that is deliberately out of scope, kept
// behind this interface so "any backend satisfying the contract is
// acceptable." The only concrete implementation shipped in this
// repository is internal/engine/fake, an in-memory state machine used by
// tests and the example daemon binary.
package engine

import (
	"context"

	"github.com/austinkregel/media-hubd/internal/corerr"
	"github.com/austinkregel/media-hubd/internal/tracklist"
)

// State is the engine's pipeline state, mirrored onto PlayerSession
// (spec §3: `engine_state ∈ {no_media, ready, busy, playing, paused,
// stopped}`).
type State string

const (
	NoMedia State = "no_media"
	Ready   State = "ready"
	Busy    State = "busy"
	Playing State = "playing"
	Paused  State = "paused"
	Stopped State = "stopped"
)

// EventKind enumerates the engine events a PlayerSession reacts to
// (spec §4.5).
type EventKind int

const (
	EventAboutToFinish EventKind = iota
	EventEndOfStream
	EventSeekedTo
	EventClientDisconnected
	EventPlaybackStatusChanged
	EventVideoDimensionChanged
	EventError
	EventBufferingChanged
)

// Event is a single engine notification. Only the fields relevant to Kind
// are populated.
type Event struct {
	Kind           EventKind
	PositionUs     int64
	Status         State
	Width, Height  int
	ErrorKind      corerr.Kind
	ErrorReason    string
	BufferPercent  int
}

// Engine is the contract spec §4.5 names. Every method that can fail
// returns a *corerr.Error so callers can branch on Kind.
type Engine interface {
	// Open prepares the pipeline for uri. It is idempotent with respect to
	// setting the current URI and returns on acceptance, not readiness;
	// readiness arrives later as an EventPlaybackStatusChanged/engine
	// state transition. reset controls whether the prior pipeline state is
	// torn down first; about-to-finish gapless splicing calls Open with
	// reset=false.
	Open(ctx context.Context, uri string, headers map[string]string, reset bool) error
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Stop(ctx context.Context) error
	SeekTo(ctx context.Context, microseconds int64) error

	SetVolume(v float64) error
	SetAudioRole(role string) error
	SetLifetime(lifetime string) error

	// CreateVideoSink may fail with a PreconditionFailed corerr.Error
	// (wire code OutOfProcessBufferStreamingNotSupported).
	CreateVideoSink(ctx context.Context, textureID uint32) error

	PositionUs() int64
	DurationUs() int64

	State() State
	IsVideoSource() bool
	IsAudioSource() bool
	Orientation() int
	CurrentTrackMetadata() tracklist.Metadata

	// Extractor returns the metadata extractor bound to this engine
	// instance (spec §4.5: "meta_data_extractor().extract(uri)").
	Extractor() *MetadataExtractor

	// Subscribe registers a callback for every Event. At most one
	// subscriber is expected per engine instance since PlayerSession
	// exclusively owns its Engine (spec §3).
	Subscribe(fn func(Event))

	// Close releases any resources the engine holds; it does not emit
	// EventClientDisconnected itself.
	Close() error
}
