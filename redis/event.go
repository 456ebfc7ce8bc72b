package redis

import (
	"sync"
)

// Lifecycle and wire event names shared by connections and clients.
const (
	EventConnected       = "connected"
	EventReconnected     = "reconnected"
	EventDisconnected    = "disconnected"
	EventReconnectFailed = "reconnect_failed"
	EventFailed          = "failed"
	EventOutOfSync       = "replies_out_of_sync"

	EventMessage      = "message"
	EventPMessage     = "pmessage"
	EventSubscribe    = "subscribe"
	EventUnsubscribe  = "unsubscribe"
	EventPSubscribe   = "psubscribe"
	EventPUnsubscribe = "punsubscribe"
)

// ListenerFunc handles one emission of a named event.
type ListenerFunc func(args ...interface{})

type busEntry struct {
	id   uint64
	fn   ListenerFunc
	once bool
}

// Bus is a minimal publish/subscribe of named events to registered
// listeners. Listeners for a name fire in registration order. Emission
// snapshots the listener list first, so a listener added during an
// emission does not fire in that same pass.
type Bus struct {
	mu        sync.Mutex
	seq       uint64
	listeners map[string][]busEntry
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{listeners: make(map[string][]busEntry)}
}

// On registers fn for event and returns an id usable with Off.
func (b *Bus) On(event string, fn ListenerFunc) uint64 {
	return b.add(event, fn, false)
}

// Once registers fn to fire at most once.
func (b *Bus) Once(event string, fn ListenerFunc) uint64 {
	return b.add(event, fn, true)
}

func (b *Bus) add(event string, fn ListenerFunc, once bool) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.listeners[event] = append(b.listeners[event], busEntry{id: b.seq, fn: fn, once: once})
	return b.seq
}

// Off removes the listener with the given id from event. It reports
// whether a listener was removed.
func (b *Bus) Off(event string, id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.listeners[event]
	for i, e := range entries {
		if e.id == id {
			b.listeners[event] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// OffAll detaches every listener of event. Used to mute a condemned
// connection before closing it.
func (b *Bus) OffAll(event string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.listeners, event)
}

// Emit fires every listener currently registered for event, in
// registration order, with args.
func (b *Bus) Emit(event string, args ...interface{}) {
	b.mu.Lock()
	entries := b.listeners[event]
	snapshot := make([]busEntry, len(entries))
	copy(snapshot, entries)
	hasOnce := false
	for _, e := range entries {
		if e.once {
			hasOnce = true
			break
		}
	}
	if hasOnce {
		kept := entries[:0:0]
		for _, e := range entries {
			if !e.once {
				kept = append(kept, e)
			}
		}
		b.listeners[event] = kept
	}
	b.mu.Unlock()

	for _, e := range snapshot {
		e.fn(args...)
	}
}
