// Package telephony implements the C3 CallMonitor (spec §4.3): it reports
// on-hook/off-hook transitions from the platform telephony stack. The
// stack itself is an external collaborator (spec.md §1); this package
// only owns de-duplication and fan-out of the transition stream.
package telephony

import "sync"

// HookState is the telephony call state.
type HookState string

const (
	OnHook  HookState = "on_hook"
	OffHook HookState = "off_hook"
)

// HookSource is the platform collaborator reporting raw call-state
// transitions. A real implementation watches a modem/telephony service;
// this repository ships only the in-memory fake used by tests.
type HookSource interface {
	Subscribe(onChange func(HookState))
}

// Monitor de-duplicates HookSource transitions and fans them out to
// SessionRegistry.
type Monitor struct {
	mu          sync.Mutex
	state       HookState
	haveState   bool
	subscribers []func(HookState)
}

// NewMonitor builds a Monitor bound to source, subscribing immediately.
func NewMonitor(source HookSource) *Monitor {
	m := &Monitor{state: OnHook, haveState: true}
	source.Subscribe(m.onState)
	return m
}

func (m *Monitor) onState(s HookState) {
	m.mu.Lock()
	if m.haveState && m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	m.haveState = true
	subs := append([]func(HookState){}, m.subscribers...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

// OnChange registers a callback for every on_hook/off_hook transition.
func (m *Monitor) OnChange(fn func(HookState)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// State returns the current call state.
func (m *Monitor) State() HookState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
