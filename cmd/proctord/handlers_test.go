package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/auth"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/dispatch"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/escalation"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/metrics"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/permission"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/protocol"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/registry"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/scoring"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/state"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/store"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/stream"
)

type stubConn struct {
	id string

	mu          sync.Mutex
	sent        []protocol.Envelope
	closed      bool
	closeReason string
}

func (c *stubConn) ID() string { return c.id }

func (c *stubConn) Enqueue(env protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, env)
	return true
}

func (c *stubConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.closeReason = reason
}

func (c *stubConn) kinds() []protocol.Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Kind, 0, len(c.sent))
	for _, env := range c.sent {
		out = append(out, env.Kind)
	}
	return out
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	hub := stream.NewHub()
	st := state.NewStore(state.WithHub(hub))
	if _, err := st.StartSession("sess-1", "Ujian Fisika XI"); err != nil {
		t.Fatalf("start session: %v", err)
	}
	reg := registry.New()
	perms := permission.NewManager(st)
	m := metrics.NewRegistry()
	return &Server{
		Store:       st,
		Registry:    reg,
		Scoring:     scoring.NewEngine(st, nil, scoring.DefaultPenalties()),
		Permissions: perms,
		Dispatcher: &dispatch.Dispatcher{
			Store:          st,
			Sender:         reg,
			Permissions:    perms,
			Metrics:        m,
			WarningPenalty: scoring.DefaultPenalties().Warning,
		},
		Rules:             escalation.DefaultRules(),
		Cache:             store.NewMemoryCache(),
		Events:            hub,
		Metrics:           m,
		Guard:             protocol.NewSequenceGuard(),
		AuthMode:          "off",
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		StatsCacheTTL:     2 * time.Second,
	}
}

func connect(t *testing.T, s *Server, participantID string) *stubConn {
	t.Helper()
	s.Store.UpsertParticipant(participantID, "Participant "+participantID, "", "")
	c := &stubConn{id: "conn-" + participantID}
	if err := s.Registry.Register(participantID, c, time.Now().UTC()); err != nil {
		t.Fatalf("register %s: %v", participantID, err)
	}
	return c
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestParticipantEndpoints(t *testing.T) {
	s := newTestServer(t)
	connect(t, s, "p-1")
	connect(t, s, "p-2")
	handler := s.router()

	rec := doJSON(t, handler, http.MethodGet, "/api/participants", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	var list struct {
		Participants []models.Participant `json:"participants"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(list.Participants))
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/participants/p-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}
	var part models.Participant
	if err := json.Unmarshal(rec.Body.Bytes(), &part); err != nil {
		t.Fatalf("decode participant: %v", err)
	}
	if part.IntegrityScore != models.InitialScore {
		t.Fatalf("expected initial score, got %d", part.IntegrityScore)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/participants/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown participant, got %d", rec.Code)
	}
}

func TestWarnLockUnlockFlow(t *testing.T) {
	s := newTestServer(t)
	conn := connect(t, s, "p-1")
	handler := s.router()

	rec := doJSON(t, handler, http.MethodPost, "/api/participants/p-1/warn", `{"reason":"talking"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("warn status %d: %s", rec.Code, rec.Body.String())
	}
	var part models.Participant
	_ = json.Unmarshal(rec.Body.Bytes(), &part)
	if part.WarningCount != 1 || part.IntegrityScore != 98 {
		t.Fatalf("unexpected record after warn: warnings=%d score=%d", part.WarningCount, part.IntegrityScore)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/participants/p-1/lock", `{"reason":"repeated talking"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("lock status %d", rec.Code)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &part)
	if !part.Locked {
		t.Fatal("expected participant locked")
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/participants/p-1/unlock", `{"reason":"resolved"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unlock status %d", rec.Code)
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &part)
	if part.Locked {
		t.Fatal("expected participant unlocked")
	}

	kinds := conn.kinds()
	if len(kinds) != 3 || kinds[0] != protocol.KindWarning || kinds[1] != protocol.KindLockCommand || kinds[2] != protocol.KindUnlockCommand {
		t.Fatalf("unexpected command sequence: %v", kinds)
	}

	if rec = doJSON(t, handler, http.MethodPost, "/api/participants/ghost/lock", `{"reason":"x"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown participant, got %d", rec.Code)
	}
	if rec = doJSON(t, handler, http.MethodPost, "/api/participants/p-1/warn", `{"reason":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for blank reason, got %d", rec.Code)
	}
}

func TestEmergencyLockdown(t *testing.T) {
	s := newTestServer(t)
	c1 := connect(t, s, "p-1")
	c2 := connect(t, s, "p-2")
	// p-3 joined earlier but is offline; the snapshot must not touch it.
	s.Store.UpsertParticipant("p-3", "Offline", "", "")
	handler := s.router()

	rec := doJSON(t, handler, http.MethodPost, "/api/lockdown", `{"reason":"incident in room"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("lockdown status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		LockedCount int `json:"locked_count"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.LockedCount != 2 {
		t.Fatalf("expected 2 locked, got %d", resp.LockedCount)
	}
	for _, c := range []*stubConn{c1, c2} {
		kinds := c.kinds()
		if len(kinds) != 1 || kinds[0] != protocol.KindLockCommand {
			t.Fatalf("expected lock command on %s, got %v", c.id, kinds)
		}
	}
	offline, _ := s.Store.GetParticipant("p-3")
	if offline.Locked {
		t.Fatal("offline participant must not be locked by the snapshot")
	}
}

func TestPermissionDecision(t *testing.T) {
	s := newTestServer(t)
	conn := connect(t, s, "p-1")
	handler := s.router()

	req, err := s.Permissions.Request("p-1", "toilet", 60*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	rec := doJSON(t, handler, http.MethodGet, "/api/permissions?status=PENDING", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), req.ID) {
		t.Fatalf("pending list status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/permissions/"+req.ID+"/decision", `{"approve":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("decision status %d: %s", rec.Code, rec.Body.String())
	}
	var decided models.PermissionRequest
	_ = json.Unmarshal(rec.Body.Bytes(), &decided)
	if decided.Status != permission.Active || decided.ExpiresAt == nil {
		t.Fatalf("unexpected decided request: %+v", decided)
	}
	part, _ := s.Store.GetParticipant("p-1")
	if !part.SuppressFaceAbsence || part.ActivePermissionID != req.ID {
		t.Fatalf("expected suppression on, got %+v", part)
	}
	kinds := conn.kinds()
	if len(kinds) != 1 || kinds[0] != protocol.KindPermissionResponse {
		t.Fatalf("expected permission response, got %v", kinds)
	}

	if rec = doJSON(t, handler, http.MethodPost, "/api/permissions/ghost/decision", `{"approve":true}`); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown request, got %d", rec.Code)
	}
}

func TestDecisionRejectedWhenLocked(t *testing.T) {
	s := newTestServer(t)
	connect(t, s, "p-1")
	handler := s.router()

	req, err := s.Permissions.Request("p-1", "toilet", 60*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := s.Dispatcher.Lock(httptest.NewRequest("GET", "/", nil).Context(), "p-1", "cheating", "admin-1"); err != nil {
		t.Fatalf("lock: %v", err)
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/permissions/"+req.ID+"/decision", `{"approve":true}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for locked participant, got %d", rec.Code)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	conn := connect(t, s, "p-1")
	handler := s.router()

	rec := doJSON(t, handler, http.MethodGet, "/api/session", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sess-1") {
		t.Fatalf("get session status %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/session", `{"id":"sess-2","name":"Second"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a session is active, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/session/status", `{"status":"resting"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/session/status", `{"status":"completed"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status %d: %s", rec.Code, rec.Body.String())
	}
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		t.Fatal("expected connections closed when session completes")
	}
}

func TestStatsServedFromCache(t *testing.T) {
	s := newTestServer(t)
	connect(t, s, "p-1")
	handler := s.router()

	rec := doJSON(t, handler, http.MethodGet, "/api/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status %d", rec.Code)
	}
	var first statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &first); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if first.Participants != 1 || first.Connected != 1 || first.AverageScore != 100 {
		t.Fatalf("unexpected stats: %+v", first)
	}

	// The second read lands inside the cache TTL and must not see the
	// new participant yet.
	connect(t, s, "p-2")
	rec = doJSON(t, handler, http.MethodGet, "/api/stats", "")
	var second statsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &second); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if second.Participants != 1 || !second.GeneratedAt.Equal(first.GeneratedAt) {
		t.Fatalf("expected cached stats, got %+v", second)
	}
}

func TestViolationArchiveUnavailable(t *testing.T) {
	s := newTestServer(t)
	connect(t, s, "p-1")
	handler := s.router()

	rec := doJSON(t, handler, http.MethodGet, "/api/participants/p-1/violations", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without archive, got %d", rec.Code)
	}
}

func TestAdminAPIAuth(t *testing.T) {
	s := newTestServer(t)
	s.AuthMode = "hs256"
	s.AuthSecret = "sekolah-rahasia"
	handler := s.router()

	rec := doJSON(t, handler, http.MethodGet, "/api/participants", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	token, err := auth.MintHS256(s.AuthSecret, "guru-1", []string{"proctor"}, time.Minute, time.Now().UTC())
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/participants", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with proctor token, got %d: %s", rec.Code, rec.Body.String())
	}

	// Lockdown is admin-only; a proctor token is rejected and audited.
	req = httptest.NewRequest(http.MethodPost, "/api/lockdown", strings.NewReader(`{"reason":"drill"}`))
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for proctor on lockdown, got %d", rec.Code)
	}
}
