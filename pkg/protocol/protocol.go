package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrStaleSequence    = errors.New("stale or duplicate sequence")
)

// Kind is the closed set of wire message kinds.
type Kind string

const (
	// participant -> core
	KindRegister          Kind = "register"
	KindHeartbeat         Kind = "heartbeat"
	KindViolationReport   Kind = "violation_report"
	KindPermissionRequest Kind = "permission_request"
	KindStatusUpdate      Kind = "status_update"
	KindPong              Kind = "pong"

	// core -> participant
	KindRegisterAck        Kind = "register_ack"
	KindConfigUpdate       Kind = "config_update"
	KindWarning            Kind = "warning"
	KindLockCommand        Kind = "lock_command"
	KindUnlockCommand      Kind = "unlock_command"
	KindPermissionResponse Kind = "permission_response"
	KindPing               Kind = "ping"
)

func (k Kind) Valid() bool {
	switch k {
	case KindRegister, KindHeartbeat, KindViolationReport,
		KindPermissionRequest, KindStatusUpdate, KindPong,
		KindRegisterAck, KindConfigUpdate, KindWarning,
		KindLockCommand, KindUnlockCommand, KindPermissionResponse,
		KindPing:
		return true
	default:
		return false
	}
}

// Envelope is the tagged wire frame shared by every message kind.
type Envelope struct {
	Kind          Kind            `json:"kind"`
	ParticipantID string          `json:"participant_id"`
	Sequence      uint64          `json:"sequence"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type RegisterPayload struct {
	DisplayName  string `json:"display_name"`
	ComputerName string `json:"computer_name,omitempty"`
	ComputerIP   string `json:"computer_ip,omitempty"`
}

type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

type ViolationReportPayload struct {
	ViolationType models.ViolationType `json:"violation_type"`
	Severity      models.Severity      `json:"severity"`
	Timestamp     time.Time            `json:"timestamp"`
	Description   string               `json:"description,omitempty"`
	EvidenceRef   string               `json:"evidence_ref,omitempty"`
}

type PermissionRequestPayload struct {
	Reason                   string `json:"reason"`
	RequestedDurationSeconds int    `json:"requested_duration_seconds"`
}

// StatusUpdatePayload carries participant-side state changes. Returned
// reports a proactive return-to-seat before a permission window expires.
type StatusUpdatePayload struct {
	Returned bool   `json:"returned,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type RegisterAckPayload struct {
	Status        string `json:"status"`
	ParticipantID string `json:"participant_id"`
}

type ConfigUpdatePayload struct {
	BlockedApplications      []string `json:"blocked_applications,omitempty"`
	HeartbeatIntervalSeconds int      `json:"heartbeat_interval_seconds,omitempty"`
}

type WarningPayload struct {
	Reason       string `json:"reason"`
	CurrentScore int    `json:"current_score"`
	WarningCount int    `json:"warning_count"`
	Flag         bool   `json:"flag,omitempty"`
}

type LockPayload struct {
	Reason string `json:"reason"`
}

type UnlockPayload struct {
	Reason string `json:"reason"`
}

type PermissionResponsePayload struct {
	RequestID string     `json:"request_id"`
	Approved  bool       `json:"approved"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Decode parses a wire frame into an Envelope. It validates the envelope
// fields only; payload schemas are checked by DecodePayload.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if !env.Kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, env.Kind)
	}
	if env.ParticipantID == "" {
		return Envelope{}, fmt.Errorf("%w: participant_id required", ErrMalformedMessage)
	}
	if env.Timestamp.IsZero() {
		return Envelope{}, fmt.Errorf("%w: timestamp required", ErrMalformedMessage)
	}
	return env, nil
}

// DecodePayload validates and unmarshals the payload for the envelope's
// kind. The switch is exhaustive over the closed kind set; adding a kind
// without a schema here fails decoding rather than passing silently.
func DecodePayload(env Envelope) (interface{}, error) {
	switch env.Kind {
	case KindRegister:
		var p RegisterPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.DisplayName == "" {
			return nil, fmt.Errorf("%w: register requires display_name", ErrMalformedMessage)
		}
		return p, nil
	case KindHeartbeat:
		var p HeartbeatPayload
		if len(env.Payload) == 0 {
			return HeartbeatPayload{Timestamp: env.Timestamp}, nil
		}
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = env.Timestamp
		}
		return p, nil
	case KindViolationReport:
		var p ViolationReportPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if !p.ViolationType.Valid() {
			return nil, fmt.Errorf("%w: unknown violation type %q", ErrMalformedMessage, p.ViolationType)
		}
		if !p.Severity.Valid() {
			return nil, fmt.Errorf("%w: unknown severity %q", ErrMalformedMessage, p.Severity)
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = env.Timestamp
		}
		return p, nil
	case KindPermissionRequest:
		var p PermissionRequestPayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		if p.RequestedDurationSeconds < 0 {
			return nil, fmt.Errorf("%w: negative duration", ErrMalformedMessage)
		}
		return p, nil
	case KindStatusUpdate:
		var p StatusUpdatePayload
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindPong:
		return nil, nil
	case KindRegisterAck:
		var p RegisterAckPayload
		return p, unmarshalPayload(env.Payload, &p)
	case KindConfigUpdate:
		var p ConfigUpdatePayload
		return p, unmarshalPayload(env.Payload, &p)
	case KindWarning:
		var p WarningPayload
		return p, unmarshalPayload(env.Payload, &p)
	case KindLockCommand:
		var p LockPayload
		return p, unmarshalPayload(env.Payload, &p)
	case KindUnlockCommand:
		var p UnlockPayload
		return p, unmarshalPayload(env.Payload, &p)
	case KindPermissionResponse:
		var p PermissionResponsePayload
		return p, unmarshalPayload(env.Payload, &p)
	case KindPing:
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedMessage, env.Kind)
	}
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: payload required", ErrMalformedMessage)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// NewEnvelope builds an outbound envelope. The payload is marshalled
// immediately so encode errors surface at build time, not send time.
func NewEnvelope(kind Kind, participantID string, seq uint64, payload interface{}) (Envelope, error) {
	env := Envelope{
		Kind:          kind,
		ParticipantID: participantID,
		Sequence:      seq,
		Timestamp:     time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}
