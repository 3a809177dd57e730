package events

import "sync"

// Log is an append-only emitter that retains every event in arrival order.
// Downstream indexers consume it to rebuild user-facing statistics; the ledger
// itself never reads it back.
type Log struct {
	mu      sync.Mutex
	entries []Event
}

// Emit implements the Emitter interface.
func (l *Log) Emit(evt Event) {
	if l == nil || evt == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, evt)
}

// Events returns a snapshot of the recorded events in emission order.
func (l *Log) Events() []Event {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}
