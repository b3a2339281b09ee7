package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
)

type archiveDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Persister archives the coordinator's durable record: sessions,
// participant outcomes, the append-only violation log, and every admin
// action taken against a participant. The in-memory state store stays
// authoritative while a session runs; the archive is what survives a
// restart and what post-exam review reads.
type Persister struct {
	DB archiveDB
}

// EnsureSchema creates the archive tables. Idempotent; called once at
// startup so a fresh database needs no out-of-band migration for a
// single-room deployment.
func (p *Persister) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS exam_sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			display_name TEXT NOT NULL,
			computer_name TEXT NOT NULL DEFAULT '',
			computer_ip TEXT NOT NULL DEFAULT '',
			integrity_score INT NOT NULL,
			warning_count INT NOT NULL,
			violation_count INT NOT NULL,
			locked BOOLEAN NOT NULL,
			joined_at TIMESTAMPTZ NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS violations (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			participant_id TEXT NOT NULL,
			violation_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			evidence_ref TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS violations_participant_idx
			ON violations (participant_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS admin_actions (
			id BIGSERIAL PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := p.DB.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (p *Persister) CreateSession(ctx context.Context, s models.ExamSession) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO exam_sessions (id, name, status, start_time, end_time)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name=$2, status=$3, start_time=$4, end_time=$5
	`, s.ID, s.Name, string(s.Status), s.StartTime, s.EndTime)
	return err
}

func (p *Persister) LoadSession(ctx context.Context, id string) (models.ExamSession, error) {
	var (
		s       models.ExamSession
		status  string
		endTime *time.Time
	)
	row := p.DB.QueryRow(ctx, `
		SELECT id, name, status, start_time, end_time
		FROM exam_sessions WHERE id=$1
	`, id)
	if err := row.Scan(&s.ID, &s.Name, &status, &s.StartTime, &endTime); err != nil {
		return models.ExamSession{}, err
	}
	s.Status = models.SessionStatus(status)
	s.EndTime = endTime
	return s, nil
}

// SaveParticipant upserts the participant's current compliance record.
// Called on registration and on final sweep, not per mutation.
func (p *Persister) SaveParticipant(ctx context.Context, sessionID string, part models.Participant) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO participants
		(id, session_id, display_name, computer_name, computer_ip,
		 integrity_score, warning_count, violation_count, locked,
		 joined_at, last_heartbeat, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			display_name=$3, computer_name=$4, computer_ip=$5,
			integrity_score=$6, warning_count=$7, violation_count=$8,
			locked=$9, last_heartbeat=$11, updated_at=$12
	`, part.ID, sessionID, part.DisplayName, part.ComputerName, part.ComputerIP,
		part.IntegrityScore, part.WarningCount, part.ViolationCount, part.Locked,
		part.JoinedAt, part.LastHeartbeat, part.UpdatedAt)
	return err
}

func (p *Persister) AppendViolation(ctx context.Context, v models.Violation) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO violations
		(id, session_id, participant_id, violation_type, severity, description, evidence_ref, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, v.ID, v.SessionID, v.ParticipantID, string(v.Type), string(v.Severity),
		v.Description, v.EvidenceRef, v.Timestamp)
	return err
}

func (p *Persister) ListViolations(ctx context.Context, participantID string, limit int) ([]models.Violation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.DB.Query(ctx, `
		SELECT id, session_id, participant_id, violation_type, severity, description, evidence_ref, created_at
		FROM violations WHERE participant_id=$1
		ORDER BY created_at DESC LIMIT $2
	`, participantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Violation
	for rows.Next() {
		var (
			v        models.Violation
			vType    string
			severity string
		)
		if err := rows.Scan(&v.ID, &v.SessionID, &v.ParticipantID, &vType, &severity,
			&v.Description, &v.EvidenceRef, &v.Timestamp); err != nil {
			return nil, err
		}
		v.Type = models.ViolationType(vType)
		v.Severity = models.Severity(severity)
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Persister) AppendAdminAction(ctx context.Context, actor, action, target, detail string) error {
	_, err := p.DB.Exec(ctx, `
		INSERT INTO admin_actions (actor, action, target, detail, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, actor, action, target, detail, time.Now().UTC())
	return err
}
