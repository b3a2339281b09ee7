package scoring

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/ratelimit"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/state"
)

var (
	// ErrSuppressed marks a report ignored because the participant
	// holds an active leave permission. Callers log and drop it; it is
	// never surfaced to the sender.
	ErrSuppressed = errors.New("violation suppressed by active permission")
	// ErrThrottled marks a report dropped by the flood guard.
	ErrThrottled = errors.New("violation report rate limit exceeded")
)

// PenaltyTable maps severities to integrity score deductions. It is
// configuration loaded at session start, not hard-coded policy; Warning
// is the extra deduction the dispatcher applies when a warn action
// fires.
type PenaltyTable struct {
	Low      int `json:"low"`
	Medium   int `json:"medium"`
	High     int `json:"high"`
	Critical int `json:"critical"`
	Warning  int `json:"warning"`
}

func DefaultPenalties() PenaltyTable {
	return PenaltyTable{Low: 1, Medium: 3, High: 5, Critical: 10, Warning: 2}
}

// Normalized fills non-positive entries from the defaults so a partial
// override in the rules file keeps sane values.
func (t PenaltyTable) Normalized() PenaltyTable {
	def := DefaultPenalties()
	if t.Low <= 0 {
		t.Low = def.Low
	}
	if t.Medium <= 0 {
		t.Medium = def.Medium
	}
	if t.High <= 0 {
		t.High = def.High
	}
	if t.Critical <= 0 {
		t.Critical = def.Critical
	}
	if t.Warning <= 0 {
		t.Warning = def.Warning
	}
	return t
}

func (t PenaltyTable) Penalty(sev models.Severity) int {
	switch sev {
	case models.SeverityLow:
		return t.Low
	case models.SeverityMedium:
		return t.Medium
	case models.SeverityHigh:
		return t.High
	case models.SeverityCritical:
		return t.Critical
	default:
		return t.Medium
	}
}

// Appender is the narrow persistence interface for violation records.
type Appender interface {
	AppendViolation(ctx context.Context, v models.Violation) error
}

// Report is an already-classified violation event entering the engine.
type Report struct {
	Type        models.ViolationType
	Severity    models.Severity
	Timestamp   time.Time
	Description string
	EvidenceRef string
}

// Engine classifies inbound violation reports, applies the configured
// penalty with floor 0, increments the violation count and returns the
// updated record plus the appended violation for escalation evaluation.
type Engine struct {
	Store    *state.Store
	Appender Appender
	Table    PenaltyTable

	// Limiter guards against report floods from a single participant.
	// Nil disables the guard.
	Limiter     ratelimit.Limiter
	ReportLimit int
}

func NewEngine(store *state.Store, appender Appender, table PenaltyTable) *Engine {
	return &Engine{Store: store, Appender: appender, Table: table.Normalized()}
}

// Process validates and applies one violation report. The score only
// ever goes down here; raising it takes an explicit session reset.
func (e *Engine) Process(ctx context.Context, participantID string, rep Report) (models.Participant, models.Violation, error) {
	rec, err := e.Store.GetParticipant(participantID)
	if err != nil {
		return models.Participant{}, models.Violation{}, err
	}
	if !rep.Type.Valid() {
		return models.Participant{}, models.Violation{}, fmt.Errorf("unknown violation type %q", rep.Type)
	}
	if !rep.Severity.Valid() {
		return models.Participant{}, models.Violation{}, fmt.Errorf("unknown severity %q", rep.Severity)
	}
	if rep.Type == models.ViolationFaceAbsence && rec.SuppressFaceAbsence {
		return rec, models.Violation{}, ErrSuppressed
	}
	if e.Limiter != nil && e.ReportLimit > 0 {
		if d := e.Limiter.Allow("violation:"+participantID, e.ReportLimit); !d.Allowed {
			return rec, models.Violation{}, ErrThrottled
		}
	}

	sessionID := ""
	if sess, err := e.Store.GetSession(); err == nil {
		sessionID = sess.ID
	}
	when := rep.Timestamp
	if when.IsZero() {
		when = time.Now().UTC()
	}
	violation := models.Violation{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		SessionID:     sessionID,
		Type:          rep.Type,
		Severity:      rep.Severity,
		Description:   rep.Description,
		EvidenceRef:   rep.EvidenceRef,
		Timestamp:     when,
	}
	if e.Appender != nil {
		// Persistence is best-effort: a storage fault must not lose
		// the in-memory score mutation.
		if err := e.Appender.AppendViolation(ctx, violation); err != nil {
			log.Printf("scoring: append violation %s: %v", violation.ID, err)
		}
	}

	penalty := e.Table.Penalty(rep.Severity)
	updated, err := e.Store.MutateParticipant(participantID, func(p *models.Participant) {
		p.IntegrityScore -= penalty
		p.ViolationCount++
		t := violation.Timestamp
		p.LastViolationAt = &t
	})
	if err != nil {
		return models.Participant{}, models.Violation{}, err
	}
	return updated, violation, nil
}
