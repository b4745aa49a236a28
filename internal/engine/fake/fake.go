// Package fake is the only concrete engine.Engine implementation this
// repository ships: an in-memory state machine used by tests and the
// example daemon binary, standing in for the GStreamer-class backend
// spec.md §1 treats as an external collaborator.
package fake

import (
	"context"
	"sync"

	"github.com/austinkregel/media-hubd/internal/corerr"
	"github.com/austinkregel/media-hubd/internal/engine"
	"github.com/austinkregel/media-hubd/internal/tracklist"
)

// Engine is the in-memory fake. Volume, role, lifetime and orientation
// are tracked but otherwise inert; tests drive state transitions via the
// Simulate* helpers, mirroring how a real backend would deliver
// asynchronous notifications.
type Engine struct {
	mu sync.Mutex

	state         engine.State
	positionUs    int64
	durationUs    int64
	volume        float64
	audioRole     string
	lifetime      string
	isVideo       bool
	orientation   int
	metadata      tracklist.Metadata
	videoSinkable bool

	extractor *engine.MetadataExtractor
	listeners []func(engine.Event)
}

// New builds a fake Engine. videoSinkable controls whether
// CreateVideoSink succeeds, letting tests exercise the
// OutOfProcessBufferStreamingNotSupported failure path.
func New(videoSinkable bool) (*Engine, error) {
	extractor, err := engine.NewMetadataExtractor()
	if err != nil {
		return nil, err
	}
	return &Engine{
		state:         engine.NoMedia,
		volume:        1.0,
		videoSinkable: videoSinkable,
		extractor:     extractor,
	}, nil
}

// emit snapshots the listener slice under e.mu, then invokes every
// listener with no lock held. Listeners (session.onEngineEvent) routinely
// call back into the engine (IsVideoSource, Open, ...); since sync.Mutex
// is not reentrant, holding e.mu across a listener call would deadlock
// the first time a listener re-entered the engine.
func (e *Engine) emit(ev engine.Event) {
	e.mu.Lock()
	listeners := make([]func(engine.Event), len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

// setState must be called with e.mu held; callers unlock before emitting
// the matching event.
func (e *Engine) setState(s engine.State) {
	e.state = s
}

func (e *Engine) Open(ctx context.Context, uri string, headers map[string]string, reset bool) error {
	e.mu.Lock()
	e.isVideo = false
	e.positionUs = 0
	e.setState(engine.Ready)
	e.mu.Unlock()
	e.emit(engine.Event{Kind: engine.EventPlaybackStatusChanged, Status: engine.Ready})
	return nil
}

func (e *Engine) Play(ctx context.Context) error {
	e.mu.Lock()
	if e.state == engine.NoMedia {
		e.mu.Unlock()
		return corerr.New(corerr.PreconditionFailed, "play with no media open")
	}
	e.setState(engine.Playing)
	e.mu.Unlock()
	e.emit(engine.Event{Kind: engine.EventPlaybackStatusChanged, Status: engine.Playing})
	return nil
}

func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	e.setState(engine.Paused)
	e.mu.Unlock()
	e.emit(engine.Event{Kind: engine.EventPlaybackStatusChanged, Status: engine.Paused})
	return nil
}

func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.positionUs = 0
	e.setState(engine.Stopped)
	e.mu.Unlock()
	e.emit(engine.Event{Kind: engine.EventPlaybackStatusChanged, Status: engine.Stopped})
	return nil
}

func (e *Engine) SeekTo(ctx context.Context, us int64) error {
	e.mu.Lock()
	e.positionUs = us
	e.mu.Unlock()
	e.emit(engine.Event{Kind: engine.EventSeekedTo, PositionUs: us})
	return nil
}

func (e *Engine) SetVolume(v float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = v
	return nil
}

func (e *Engine) SetAudioRole(role string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioRole = role
	return nil
}

func (e *Engine) SetLifetime(lifetime string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lifetime = lifetime
	return nil
}

func (e *Engine) CreateVideoSink(ctx context.Context, textureID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.videoSinkable {
		return corerr.New(corerr.PreconditionFailed, "out-of-process buffer streaming not supported")
	}
	e.isVideo = true
	return nil
}

func (e *Engine) PositionUs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionUs
}

func (e *Engine) DurationUs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.durationUs
}

func (e *Engine) State() engine.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) IsVideoSource() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isVideo
}

func (e *Engine) IsAudioSource() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state != engine.NoMedia
}

func (e *Engine) Orientation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orientation
}

func (e *Engine) CurrentTrackMetadata() tracklist.Metadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metadata
}

func (e *Engine) Extractor() *engine.MetadataExtractor { return e.extractor }

func (e *Engine) Subscribe(fn func(engine.Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine) Close() error {
	return e.extractor.Close()
}

// --- test/demo driving surface, standing in for asynchronous backend
// notifications a real pipeline would deliver on its own threads ---

// SimulateDuration sets the reported duration, as if the pipeline had
// finished probing the stream.
func (e *Engine) SimulateDuration(us int64) {
	e.mu.Lock()
	e.durationUs = us
	e.mu.Unlock()
}

// SimulateMetadata sets CurrentTrackMetadata, as if the extractor had
// finished resolving tags.
func (e *Engine) SimulateMetadata(md tracklist.Metadata) {
	e.mu.Lock()
	e.metadata = md
	e.mu.Unlock()
}

// SimulateAboutToFinish raises about_to_finish.
func (e *Engine) SimulateAboutToFinish() {
	e.emit(engine.Event{Kind: engine.EventAboutToFinish})
}

// SimulateEndOfStream raises end_of_stream.
func (e *Engine) SimulateEndOfStream() {
	e.emit(engine.Event{Kind: engine.EventEndOfStream})
}

// SimulateClientDisconnected raises client_disconnected.
func (e *Engine) SimulateClientDisconnected() {
	e.emit(engine.Event{Kind: engine.EventClientDisconnected})
}

// SimulateError raises error(kind).
func (e *Engine) SimulateError(kind corerr.Kind, reason string) {
	e.emit(engine.Event{Kind: engine.EventError, ErrorKind: kind, ErrorReason: reason})
}

// SimulateBuffering raises buffering_changed(percent).
func (e *Engine) SimulateBuffering(percent int) {
	e.emit(engine.Event{Kind: engine.EventBufferingChanged, BufferPercent: percent})
}

// SimulateVideoDimensionChanged raises video_dimension_changed(w,h).
func (e *Engine) SimulateVideoDimensionChanged(w, h int) {
	e.emit(engine.Event{Kind: engine.EventVideoDimensionChanged, Width: w, Height: h})
}

var _ engine.Engine = (*Engine)(nil)
