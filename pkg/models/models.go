package models

import (
	"time"
)

// SessionStatus is the lifecycle state of an exam session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
)

// ConnState is the connection axis of a participant, independent of the
// lock flag. A disconnected participant may still be locked.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnRegistered   ConnState = "registered"
	ConnActive       ConnState = "active"
	ConnTerminated   ConnState = "terminated"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for rule comparisons. Unknown severities rank
// below low so they never satisfy a threshold.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s.Rank() > 0
}

type ViolationType string

const (
	ViolationApplicationBlocked  ViolationType = "application_blocked"
	ViolationProcessTermination  ViolationType = "process_termination_attempt"
	ViolationFaceAbsence         ViolationType = "face_absence"
	ViolationMultipleFaces       ViolationType = "multiple_faces"
	ViolationSuspiciousMovement  ViolationType = "suspicious_movement"
	ViolationVoiceActivity       ViolationType = "voice_activity"
	ViolationMultipleSpeakers    ViolationType = "multiple_speakers"
	ViolationScreenSwitch        ViolationType = "screen_switch"
	ViolationShortcutBlocked     ViolationType = "shortcut_blocked"
	ViolationUnauthorizedWebsite ViolationType = "unauthorized_website"
)

func (t ViolationType) Valid() bool {
	switch t {
	case ViolationApplicationBlocked, ViolationProcessTermination,
		ViolationFaceAbsence, ViolationMultipleFaces,
		ViolationSuspiciousMovement, ViolationVoiceActivity,
		ViolationMultipleSpeakers, ViolationScreenSwitch,
		ViolationShortcutBlocked, ViolationUnauthorizedWebsite:
		return true
	default:
		return false
	}
}

// ExamSession is the single active exam governed by the engine.
type ExamSession struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   *time.Time    `json:"end_time,omitempty"`
	Status    SessionStatus `json:"status"`
}

// Participant is the authoritative compliance record for one endpoint.
// Owned by the state store; mutated only through its mutation operations.
type Participant struct {
	ID                  string     `json:"participant_id"`
	DisplayName         string     `json:"display_name"`
	ComputerName        string     `json:"computer_name,omitempty"`
	ComputerIP          string     `json:"computer_ip,omitempty"`
	ConnState           ConnState  `json:"conn_state"`
	JoinedAt            time.Time  `json:"joined_at"`
	LastHeartbeat       time.Time  `json:"last_heartbeat"`
	IntegrityScore      int        `json:"integrity_score"`
	WarningCount        int        `json:"warning_count"`
	ViolationCount      int        `json:"violation_count"`
	Locked              bool       `json:"locked"`
	SuppressFaceAbsence bool       `json:"suppress_face_absence"`
	ActivePermissionID  string     `json:"active_permission_id,omitempty"`
	LastViolationAt     *time.Time `json:"last_violation_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

const (
	ScoreMax     = 100
	ScoreMin     = 0
	InitialScore = 100
)

// ClampScore bounds an integrity score to [ScoreMin, ScoreMax].
func ClampScore(score int) int {
	if score < ScoreMin {
		return ScoreMin
	}
	if score > ScoreMax {
		return ScoreMax
	}
	return score
}

// Violation is an immutable, append-only infraction record.
type Violation struct {
	ID            string        `json:"id"`
	ParticipantID string        `json:"participant_id"`
	SessionID     string        `json:"session_id"`
	Type          ViolationType `json:"violation_type"`
	Severity      Severity      `json:"severity"`
	Description   string        `json:"description,omitempty"`
	EvidenceRef   string        `json:"evidence_ref,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
}

// PermissionRequest tracks a leave-seat permission through its lifecycle.
type PermissionRequest struct {
	ID            string        `json:"id"`
	ParticipantID string        `json:"participant_id"`
	Reason        string        `json:"reason,omitempty"`
	Duration      time.Duration `json:"duration"`
	Status        string        `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	DecidedAt     *time.Time    `json:"decided_at,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
}
