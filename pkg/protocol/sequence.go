package protocol

import (
	"fmt"
	"sync"
)

// SequenceGuard enforces per-connection monotonic sequence numbers.
// A frame whose sequence is not greater than the last accepted one is
// rejected so duplicated or reordered delivery never mutates state.
type SequenceGuard struct {
	mu   sync.Mutex
	last map[string]uint64
}

func NewSequenceGuard() *SequenceGuard {
	return &SequenceGuard{last: map[string]uint64{}}
}

// Accept records seq for connID if it advances the connection's counter.
func (g *SequenceGuard) Accept(connID string, seq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if last, ok := g.last[connID]; ok && seq <= last {
		return fmt.Errorf("%w: got %d, last accepted %d", ErrStaleSequence, seq, last)
	}
	g.last[connID] = seq
	return nil
}

// Forget drops the counter for a closed connection. A reconnect starts a
// fresh sequence space.
func (g *SequenceGuard) Forget(connID string) {
	g.mu.Lock()
	delete(g.last, connID)
	g.mu.Unlock()
}
