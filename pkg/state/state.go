package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/stream"
)

var (
	ErrNotFound       = errors.New("participant not found")
	ErrNoSession      = errors.New("no active session")
	ErrSessionExists  = errors.New("an active session already exists")
	ErrSessionStatus  = errors.New("invalid session status")
	ErrSessionNotOpen = errors.New("session is not active")
)

// Store is the single authoritative holder of the exam session and every
// participant's compliance record. Mutations for one participant are
// serialized on that participant's slot lock; mutations for different
// participants proceed in parallel. The store-level RWMutex guards only
// the table structure, so emergency lock can exclude all mutators by
// taking it exclusively.
type Store struct {
	mu      sync.RWMutex
	session *models.ExamSession
	slots   map[string]*slot
	events  *stream.Hub
	now     func() time.Time
}

type slot struct {
	mu  sync.Mutex
	rec models.Participant
}

type Option func(*Store)

// WithHub attaches a dashboard hub; every committed mutation publishes a
// status_update event to it. Publishing never blocks writers.
func WithHub(h *stream.Hub) Option {
	return func(s *Store) { s.events = h }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		slots: map[string]*slot{},
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSession installs the active session. Exactly one Active session
// exists process-wide; starting another fails until the current one is
// completed.
func (s *Store) StartSession(id, name string) (models.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != nil && s.session.Status != models.SessionCompleted {
		return models.ExamSession{}, ErrSessionExists
	}
	sess := models.ExamSession{
		ID:        id,
		Name:      name,
		StartTime: s.now(),
		Status:    models.SessionActive,
	}
	s.session = &sess
	s.publish(stream.NewEvent(stream.TypeSessionChange, sess))
	return sess, nil
}

func (s *Store) GetSession() (models.ExamSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return models.ExamSession{}, ErrNoSession
	}
	return *s.session, nil
}

// SetSessionStatus moves the session between active, paused and
// completed. Completion stamps the end time and terminates every
// participant's connection axis.
func (s *Store) SetSessionStatus(status models.SessionStatus) (models.ExamSession, error) {
	switch status {
	case models.SessionActive, models.SessionPaused, models.SessionCompleted:
	default:
		return models.ExamSession{}, ErrSessionStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return models.ExamSession{}, ErrNoSession
	}
	// Completion is terminal. A new exam needs a new session.
	if s.session.Status == models.SessionCompleted {
		return models.ExamSession{}, ErrSessionStatus
	}
	s.session.Status = status
	if status == models.SessionCompleted {
		now := s.now()
		s.session.EndTime = &now
		for _, sl := range s.slots {
			sl.mu.Lock()
			sl.rec.ConnState = models.ConnTerminated
			sl.rec.UpdatedAt = now
			sl.mu.Unlock()
		}
	}
	sess := *s.session
	s.publish(stream.NewEvent(stream.TypeSessionChange, sess))
	return sess, nil
}

func (s *Store) GetParticipant(id string) (models.Participant, error) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return models.Participant{}, ErrNotFound
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.rec, nil
}

// UpsertParticipant creates the record if absent, otherwise refreshes the
// registration fields while keeping accumulated compliance state, so a
// reconnect loses nothing.
func (s *Store) UpsertParticipant(id, displayName, computerName, computerIP string) models.Participant {
	now := s.now()
	s.mu.Lock()
	sl, ok := s.slots[id]
	if !ok {
		sl = &slot{rec: models.Participant{
			ID:             id,
			ConnState:      models.ConnConnecting,
			JoinedAt:       now,
			IntegrityScore: models.InitialScore,
		}}
		s.slots[id] = sl
	}
	s.mu.Unlock()

	sl.mu.Lock()
	sl.rec.DisplayName = displayName
	if computerName != "" {
		sl.rec.ComputerName = computerName
	}
	if computerIP != "" {
		sl.rec.ComputerIP = computerIP
	}
	sl.rec.ConnState = models.ConnRegistered
	sl.rec.LastHeartbeat = now
	sl.rec.UpdatedAt = now
	rec := sl.rec
	sl.mu.Unlock()

	s.publish(stream.ParticipantEvent(rec))
	return rec
}

// MutateParticipant is the only general write path. The mutation function
// runs under the participant's slot lock; two concurrent mutations for
// the same id never interleave.
func (s *Store) MutateParticipant(id string, fn func(*models.Participant)) (models.Participant, error) {
	s.mu.RLock()
	sl, ok := s.slots[id]
	s.mu.RUnlock()
	if !ok {
		return models.Participant{}, ErrNotFound
	}
	sl.mu.Lock()
	fn(&sl.rec)
	sl.rec.IntegrityScore = models.ClampScore(sl.rec.IntegrityScore)
	sl.rec.UpdatedAt = s.now()
	rec := sl.rec
	sl.mu.Unlock()

	s.publish(stream.ParticipantEvent(rec))
	return rec, nil
}

// ListParticipants returns a consistent snapshot, sorted by id. Readers
// never block writers beyond the brief per-slot copy.
func (s *Store) ListParticipants() []models.Participant {
	s.mu.RLock()
	slots := make([]*slot, 0, len(s.slots))
	for _, sl := range s.slots {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	out := make([]models.Participant, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		out = append(out, sl.rec)
		sl.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LockAll applies the emergency lock to exactly the given ids in one
// atomic pass: the table lock is held exclusively for the duration so no
// concurrent reader observes a partially locked snapshot. Ids not present
// are skipped and reported.
func (s *Store) LockAll(ids []string) (locked []string, missing []string) {
	now := s.now()
	s.mu.Lock()
	for _, id := range ids {
		sl, ok := s.slots[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		sl.mu.Lock()
		sl.rec.Locked = true
		sl.rec.UpdatedAt = now
		sl.mu.Unlock()
		locked = append(locked, id)
	}
	s.mu.Unlock()

	for _, id := range locked {
		if rec, err := s.GetParticipant(id); err == nil {
			s.publish(stream.ParticipantEvent(rec))
		}
	}
	return locked, missing
}

// Reset clears all participants and the session. Explicit administrative
// reset is the only path that can raise integrity scores.
func (s *Store) Reset() {
	s.mu.Lock()
	s.slots = map[string]*slot{}
	s.session = nil
	s.mu.Unlock()
}

func (s *Store) publish(evt stream.Event) {
	if s.events != nil {
		s.events.Publish(evt)
	}
}
