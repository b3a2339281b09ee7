package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
)

// Event types delivered to dashboard subscribers.
const (
	TypeReady         = "ready"
	TypeStatusUpdate  = "status_update"
	TypeSnapshot      = "snapshot"
	TypeSessionChange = "session_change"
	TypeViolation     = "violation"
	TypePermission    = "permission"
)

type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// ParticipantEvent wraps one participant record as a status_update frame.
func ParticipantEvent(p models.Participant) Event {
	return NewEvent(TypeStatusUpdate, p)
}

// SnapshotEvent wraps a full participant table snapshot.
func SnapshotEvent(participants []models.Participant) Event {
	return NewEvent(TypeSnapshot, map[string]interface{}{"participants": participants})
}

// Hub fans events out to dashboard subscribers over bounded channels.
// Publish never blocks: a subscriber that cannot keep up loses frames,
// which is acceptable because the dashboard view is advisory, not
// authoritative. Dropped frames are counted for the metrics loop.
type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]struct{}
	dropped atomic.Int64
}

const defaultBuffer = 64

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped reports the total frames discarded due to slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Subscribers reports the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
