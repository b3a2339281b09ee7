package permission

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/state"
)

var (
	ErrPermissionConflict = errors.New("participant already has a pending or active permission")
	ErrRequestNotFound    = errors.New("permission request not found")
	ErrParticipantLocked  = errors.New("participant is locked")
)

// Manager owns the leave-seat request lifecycle. At most one
// non-terminal request per participant is enforced here, under the
// manager's own lock, independent of storage. Expiry is wall-clock
// bound: the sweep fires whether or not the participant is connected.
type Manager struct {
	mu            sync.Mutex
	requests      map[string]*models.PermissionRequest
	byParticipant map[string]string // participant id -> non-terminal request id

	store           *state.Store
	defaultDuration time.Duration
	maxDuration     time.Duration
	now             func() time.Time
}

type Option func(*Manager)

func WithDefaultDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultDuration = d
		}
	}
}

func WithMaxDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.maxDuration = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store *state.Store, opts ...Option) *Manager {
	m := &Manager{
		requests:        map[string]*models.PermissionRequest{},
		byParticipant:   map[string]string{},
		store:           store,
		defaultDuration: 10 * time.Minute,
		maxDuration:     time.Hour,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request creates a Pending request. A second request while one is
// non-terminal is rejected, not queued.
func (m *Manager) Request(participantID, reason string, duration time.Duration) (models.PermissionRequest, error) {
	if _, err := m.store.GetParticipant(participantID); err != nil {
		return models.PermissionRequest{}, err
	}
	if duration <= 0 {
		duration = m.defaultDuration
	}
	if duration > m.maxDuration {
		duration = m.maxDuration
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byParticipant[participantID]; exists {
		return models.PermissionRequest{}, ErrPermissionConflict
	}
	req := &models.PermissionRequest{
		ID:            uuid.New().String(),
		ParticipantID: participantID,
		Reason:        reason,
		Duration:      duration,
		Status:        Pending,
		CreatedAt:     m.now(),
	}
	m.requests[req.ID] = req
	m.byParticipant[participantID] = req.ID
	return *req, nil
}

// Decide resolves a Pending request. Approval moves straight through
// Approved to Active, stamps the expiry at now+duration and suppresses
// face-absence detection for the participant. A locked participant
// cannot be granted leave.
func (m *Manager) Decide(requestID string, approve bool) (models.PermissionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return models.PermissionRequest{}, ErrRequestNotFound
	}
	now := m.now()

	if !approve {
		next, err := Next(req.Status, EventReject)
		if err != nil {
			return *req, err
		}
		req.Status = next
		req.DecidedAt = &now
		delete(m.byParticipant, req.ParticipantID)
		return *req, nil
	}

	if rec, err := m.store.GetParticipant(req.ParticipantID); err == nil && rec.Locked {
		return *req, ErrParticipantLocked
	}
	next, err := Next(req.Status, EventApprove)
	if err != nil {
		return *req, err
	}
	req.Status = next
	if req.Status, err = Next(req.Status, EventBegin); err != nil {
		return *req, err
	}
	req.DecidedAt = &now
	expires := now.Add(req.Duration)
	req.ExpiresAt = &expires

	_, err = m.store.MutateParticipant(req.ParticipantID, func(p *models.Participant) {
		p.SuppressFaceAbsence = true
		p.ActivePermissionID = req.ID
	})
	if err != nil {
		return *req, err
	}
	return *req, nil
}

// Complete records a proactive return-to-seat before expiry. Equivalent
// effect to expiry, distinct terminal status for audit.
func (m *Manager) Complete(participantID string) (models.PermissionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqID, ok := m.byParticipant[participantID]
	if !ok {
		return models.PermissionRequest{}, ErrRequestNotFound
	}
	req := m.requests[reqID]
	next, err := Next(req.Status, EventComplete)
	if err != nil {
		return *req, err
	}
	req.Status = next
	m.finishLocked(req)
	return *req, nil
}

// CancelActive force-expires a participant's active permission. Used by
// the dispatcher on lock so a locked participant never holds an active
// window.
func (m *Manager) CancelActive(participantID string) (models.PermissionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reqID, ok := m.byParticipant[participantID]
	if !ok {
		return models.PermissionRequest{}, false
	}
	req := m.requests[reqID]
	switch req.Status {
	case Pending:
		req.Status = Rejected
		now := m.now()
		req.DecidedAt = &now
		delete(m.byParticipant, participantID)
	case Active:
		req.Status = Expired
		m.finishLocked(req)
	default:
		return *req, false
	}
	return *req, true
}

// Sweep expires every Active request whose deadline has passed and
// clears the suppression flags. Runs on a timer; disconnected
// participants expire exactly the same way.
func (m *Manager) Sweep(now time.Time) []models.PermissionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []models.PermissionRequest
	for _, reqID := range m.byParticipant {
		req := m.requests[reqID]
		if req.Status != Active || req.ExpiresAt == nil {
			continue
		}
		if !IsExpired(now, *req.ExpiresAt) {
			continue
		}
		req.Status = Expired
		m.finishLocked(req)
		expired = append(expired, *req)
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	return expired
}

// finishLocked clears the participant binding and suppression after a
// request reaches Expired or Completed. Caller holds m.mu.
func (m *Manager) finishLocked(req *models.PermissionRequest) {
	delete(m.byParticipant, req.ParticipantID)
	_, _ = m.store.MutateParticipant(req.ParticipantID, func(p *models.Participant) {
		p.SuppressFaceAbsence = false
		p.ActivePermissionID = ""
	})
}

func (m *Manager) Get(requestID string) (models.PermissionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[requestID]
	if !ok {
		return models.PermissionRequest{}, ErrRequestNotFound
	}
	return *req, nil
}

// List returns requests filtered by status; empty status returns all.
func (m *Manager) List(status string) []models.PermissionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PermissionRequest, 0, len(m.requests))
	for _, req := range m.requests {
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
