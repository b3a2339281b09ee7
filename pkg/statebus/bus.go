// Package statebus publishes session events to an external stream so
// other systems (analytics, archival, campus dashboards) can follow an
// exam without holding a websocket to the coordinator.
package statebus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Message struct {
	Key   []byte
	Value []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// SessionEvent is the wire form of a coordinator event on the bus.
type SessionEvent struct {
	Kind          string    `json:"kind"`
	ParticipantID string    `json:"participant_id,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

// NewEventMessage encodes a session event keyed by participant so a
// partitioned topic preserves per-participant ordering.
func NewEventMessage(kind, participantID, detail string, at time.Time) (Message, error) {
	if strings.TrimSpace(kind) == "" {
		return Message{}, fmt.Errorf("event kind required")
	}
	value, err := json.Marshal(SessionEvent{
		Kind:          kind,
		ParticipantID: participantID,
		Detail:        detail,
		At:            at.UTC(),
	})
	if err != nil {
		return Message{}, fmt.Errorf("encode session event: %w", err)
	}
	return Message{Key: []byte(participantID), Value: value}, nil
}

// DecodeEvent parses a bus message back into a SessionEvent.
func DecodeEvent(msg Message) (SessionEvent, error) {
	var ev SessionEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return SessionEvent{}, fmt.Errorf("decode session event: %w", err)
	}
	if ev.Kind == "" {
		return SessionEvent{}, fmt.Errorf("session event missing kind")
	}
	return ev, nil
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Message) error { return nil }

func (NopPublisher) Close() error { return nil }
