// Package liveness implements C9 ClientLivenessWatcher (spec §4.10): it
// watches a bus peer's unique name and reports at most once when that
// peer disappears from the bus, so a session's owner can be treated as
// gone even if it never called DestroySession. Grounded on the
// NameOwnerChanged subscription pattern from
// other_examples/media_control_linux.go's handleSignals, adapted from a
// fire-and-rescan loop into a targeted, per-peer registration.
package liveness

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	busInterface       = "org.freedesktop.DBus"
	nameOwnerChanged   = "org.freedesktop.DBus.NameOwnerChanged"
	nameOwnerChangedOp = "NameOwnerChanged"
)

// Watcher multiplexes NameOwnerChanged notifications for many registered
// peers over a single bus subscription.
type Watcher struct {
	conn *dbus.Conn
	log  zerolog.Logger

	mu       sync.Mutex
	watching map[string][]func()
	signals  chan *dbus.Signal
	done     chan struct{}
}

// NewWatcher subscribes to NameOwnerChanged on conn and starts the
// dispatch loop. Call Close to unsubscribe and stop the loop.
func NewWatcher(conn *dbus.Conn, log zerolog.Logger) (*Watcher, error) {
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(busInterface),
		dbus.WithMatchMember(nameOwnerChangedOp),
	); err != nil {
		return nil, err
	}

	w := &Watcher{
		conn:     conn,
		log:      log,
		watching: make(map[string][]func()),
		signals:  make(chan *dbus.Signal, 16),
		done:     make(chan struct{}),
	}
	conn.Signal(w.signals)
	go w.loop()
	return w, nil
}

// Watch registers onGone to fire at most once, the first time peerName
// loses its bus owner. Returns an unregister function the caller can use
// to cancel the watch early (e.g. once a session is destroyed normally).
func (w *Watcher) Watch(peerName string, onGone func()) (cancel func()) {
	w.mu.Lock()
	w.watching[peerName] = append(w.watching[peerName], onGone)
	idx := len(w.watching[peerName]) - 1
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		callbacks := w.watching[peerName]
		if idx < len(callbacks) {
			callbacks[idx] = nil
		}
	}
}

func (w *Watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case sig, ok := <-w.signals:
			if !ok {
				return
			}
			if sig == nil || sig.Name != nameOwnerChanged {
				continue
			}
			w.handle(sig)
		}
	}
}

func (w *Watcher) handle(sig *dbus.Signal) {
	if len(sig.Body) != 3 {
		return
	}
	name, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	newOwner, ok := sig.Body[2].(string)
	if !ok || newOwner != "" {
		return
	}

	w.mu.Lock()
	callbacks := w.watching[name]
	delete(w.watching, name)
	w.mu.Unlock()

	for _, cb := range callbacks {
		if cb != nil {
			cb()
		}
	}
	if len(callbacks) > 0 {
		w.log.Debug().Str("peer", name).Int("watchers", len(callbacks)).Msg("peer gone")
	}
}

// Close stops the dispatch loop. The underlying signal channel is left
// for the connection to garbage-collect along with conn itself.
func (w *Watcher) Close() {
	close(w.done)
}
