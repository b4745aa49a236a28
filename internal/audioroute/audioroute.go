// Package audioroute implements the C2 OutputObserver (spec §4.2): it
// classifies the platform audio server's current default sink into
// speaker/earpiece/external and publishes a change stream. The backing
// platform server is an injected collaborator (spec.md §1), so this
// package only owns the classification policy.
package audioroute

import (
	"strings"
	"sync"
)

// State is the classified output route.
type State string

const (
	Speaker  State = "speaker"
	Earpiece State = "earpiece"
	External State = "external"
)

// Port describes the platform audio server's current default sink, the
// shape a RouteSource reports on each change.
type Port struct {
	// SinkIndex identifies the sink. Two successive reports with the same
	// SinkIndex and Name are not renotified (see Observer.onPort).
	SinkIndex int
	// Name is the backing port name, e.g. "analog-output-speaker" or
	// "bluetooth-a2dp".
	Name string
	// IsOnboard is true when the port belongs to the device's built-in
	// audio hardware as opposed to an external accessory.
	IsOnboard bool
}

// RouteSource is the platform collaborator that reports default-sink
// changes. A real implementation watches a sound server (PulseAudio/
// PipeWire-class); the only implementation this repository ships is the
// in-memory fake used by tests.
type RouteSource interface {
	// Subscribe registers onChange to be called with every Port
	// transition, starting with the current one.
	Subscribe(onChange func(Port))
}

// Classifier decides whether a port name counts as an onboard earpiece
// port (as opposed to an onboard speaker, or anything external). Spec
// §4.2 classifies onboard ports as earpiece vs speaker by a configured
// set of name patterns; this repository additionally distinguishes
// earpiece from speaker within "onboard" by a narrower pattern set so
// §4.7's "video + earpiece => don't resume on on_hook" rule has a port
// class to test against.
type Classifier struct {
	onboardPatterns  []string
	earpiecePatterns []string
}

// NewClassifier builds a Classifier. onboardPatterns mark a port as
// belonging to the device's built-in hardware (spec §4.2's "configured
// set of onboard port-name patterns"); earpiecePatterns further narrow
// onboard ports down to the earpiece speaker specifically, falling back
// to Speaker for any other onboard port.
func NewClassifier(onboardPatterns, earpiecePatterns []string) *Classifier {
	return &Classifier{onboardPatterns: onboardPatterns, earpiecePatterns: earpiecePatterns}
}

func matchesAny(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (c *Classifier) Classify(name string) State {
	if !matchesAny(name, c.onboardPatterns) {
		return External
	}
	if matchesAny(name, c.earpiecePatterns) {
		return Earpiece
	}
	return Speaker
}

// Observer tracks the live route and fans out changes to subscribers.
type Observer struct {
	classifier *Classifier

	mu        sync.Mutex
	state     State
	lastIndex int
	lastName  string
	haveState bool

	subscribers []func(State)
}

// NewObserver builds an Observer bound to source and driven by
// classifier. It subscribes to source immediately.
func NewObserver(classifier *Classifier, source RouteSource) *Observer {
	o := &Observer{classifier: classifier}
	source.Subscribe(o.onPort)
	return o
}

func (o *Observer) onPort(p Port) {
	o.mu.Lock()
	if o.haveState && p.SinkIndex == o.lastIndex && p.Name == o.lastName {
		o.mu.Unlock()
		return
	}
	o.lastIndex = p.SinkIndex
	o.lastName = p.Name
	o.haveState = true

	state := State(External)
	if p.IsOnboard {
		state = o.classifier.Classify(p.Name)
	}
	changed := state != o.state
	o.state = state
	subs := append([]func(State){}, o.subscribers...)
	o.mu.Unlock()

	if changed {
		for _, fn := range subs {
			fn(state)
		}
	}
}

// OnChange registers a callback for every route-state transition.
func (o *Observer) OnChange(fn func(State)) {
	o.mu.Lock()
	o.subscribers = append(o.subscribers, fn)
	o.mu.Unlock()
}

// State returns the current output route.
func (o *Observer) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}
