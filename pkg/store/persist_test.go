package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
)

type fakeArchiveDB struct {
	execSQL   []string
	execArgs  [][]any
	execErr   error
	rowValues []any
	rowErr    error
	queryRows [][]any
	queryErr  error
}

func (f *fakeArchiveDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, append([]any(nil), args...))
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeArchiveDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return &fakeRow{values: f.rowValues, err: f.rowErr}
}

func (f *fakeArchiveDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRows{rows: f.queryRows}, nil
}

type fakeRow struct {
	values []any
	err    error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignAll(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
}

func (r *fakeRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return assignAll(dest, r.rows[r.idx-1])
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func assignAll(dest, values []any) error {
	if len(dest) != len(values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(values))
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *string:
			v, ok := values[i].(string)
			if !ok {
				return fmt.Errorf("col %d: expected string, got %T", i, values[i])
			}
			*d = v
		case *int:
			v, ok := values[i].(int)
			if !ok {
				return fmt.Errorf("col %d: expected int, got %T", i, values[i])
			}
			*d = v
		case *bool:
			v, ok := values[i].(bool)
			if !ok {
				return fmt.Errorf("col %d: expected bool, got %T", i, values[i])
			}
			*d = v
		case *time.Time:
			v, ok := values[i].(time.Time)
			if !ok {
				return fmt.Errorf("col %d: expected time.Time, got %T", i, values[i])
			}
			*d = v
		case **time.Time:
			switch v := values[i].(type) {
			case nil:
				*d = nil
			case *time.Time:
				*d = v
			case time.Time:
				*d = &v
			default:
				return fmt.Errorf("col %d: expected *time.Time, got %T", i, values[i])
			}
		default:
			return fmt.Errorf("col %d: unsupported scan dest %T", i, dest[i])
		}
	}
	return nil
}

func TestEnsureSchemaCreatesAllTables(t *testing.T) {
	t.Parallel()

	db := &fakeArchiveDB{}
	p := &Persister{DB: db}
	if err := p.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	joined := strings.Join(db.execSQL, "\n")
	for _, table := range []string{"exam_sessions", "participants", "violations", "admin_actions"} {
		if !strings.Contains(joined, table) {
			t.Fatalf("schema missing table %s", table)
		}
	}

	db.execErr = errors.New("permission denied")
	if err := p.EnsureSchema(context.Background()); err == nil {
		t.Fatal("expected schema error to propagate")
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	db := &fakeArchiveDB{
		rowValues: []any{"s-1", "Matematika XII", "active", start, nil},
	}
	p := &Persister{DB: db}

	err := p.CreateSession(context.Background(), models.ExamSession{
		ID: "s-1", Name: "Matematika XII", Status: models.SessionActive, StartTime: start,
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if len(db.execArgs[0]) != 5 {
		t.Fatalf("expected 5 insert args, got %d", len(db.execArgs[0]))
	}

	s, err := p.LoadSession(context.Background(), "s-1")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if s.ID != "s-1" || s.Status != models.SessionActive || s.EndTime != nil {
		t.Fatalf("unexpected session: %+v", s)
	}

	db.rowErr = pgx.ErrNoRows
	if _, err := p.LoadSession(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for missing session")
	}
}

func TestSaveParticipant(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	db := &fakeArchiveDB{}
	p := &Persister{DB: db}

	err := p.SaveParticipant(context.Background(), "s-1", models.Participant{
		ID: "p-1", DisplayName: "Budi", ComputerName: "LAB-07",
		IntegrityScore: 85, WarningCount: 2, ViolationCount: 3, Locked: true,
		JoinedAt: now, LastHeartbeat: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("save participant: %v", err)
	}
	args := db.execArgs[0]
	if len(args) != 12 {
		t.Fatalf("expected 12 args, got %d", len(args))
	}
	if args[1] != "s-1" || args[5] != 85 || args[8] != true {
		t.Fatalf("unexpected args: %v", args)
	}
}

func TestAppendAndListViolations(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 14, 9, 15, 0, 0, time.UTC)
	db := &fakeArchiveDB{
		queryRows: [][]any{
			{"v-2", "s-1", "p-1", "screen_switch", "medium", "switched to browser", "", at},
			{"v-1", "s-1", "p-1", "face_absence", "high", "", "cam/42.jpg", at.Add(-time.Minute)},
		},
	}
	p := &Persister{DB: db}

	err := p.AppendViolation(context.Background(), models.Violation{
		ID: "v-2", SessionID: "s-1", ParticipantID: "p-1",
		Type: models.ViolationScreenSwitch, Severity: models.SeverityMedium,
		Description: "switched to browser", Timestamp: at,
	})
	if err != nil {
		t.Fatalf("append violation: %v", err)
	}
	if got := db.execArgs[0][3]; got != "screen_switch" {
		t.Fatalf("expected violation type string, got %v", got)
	}

	list, err := p.ListViolations(context.Background(), "p-1", 0)
	if err != nil {
		t.Fatalf("list violations: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 violations, got %d", len(list))
	}
	if list[0].Type != models.ViolationScreenSwitch || list[1].Severity != models.SeverityHigh {
		t.Fatalf("unexpected violations: %+v", list)
	}
	if list[1].EvidenceRef != "cam/42.jpg" {
		t.Fatalf("evidence ref lost: %+v", list[1])
	}

	db.queryErr = errors.New("connection reset")
	if _, err := p.ListViolations(context.Background(), "p-1", 10); err == nil {
		t.Fatal("expected query error")
	}
}

func TestAppendAdminAction(t *testing.T) {
	t.Parallel()

	db := &fakeArchiveDB{}
	p := &Persister{DB: db}
	if err := p.AppendAdminAction(context.Background(), "proctor-1", "lock", "p-1", "manual lock"); err != nil {
		t.Fatalf("append admin action: %v", err)
	}
	args := db.execArgs[0]
	if len(args) != 5 {
		t.Fatalf("expected 5 args, got %d", len(args))
	}
	if args[0] != "proctor-1" || args[1] != "lock" || args[2] != "p-1" {
		t.Fatalf("unexpected args: %v", args)
	}

	db.execErr = errors.New("exec failed")
	if err := p.AppendAdminAction(context.Background(), "a", "b", "c", ""); err == nil {
		t.Fatal("expected append error")
	}
}
