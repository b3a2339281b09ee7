package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/auth"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/httpx"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/permission"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/state"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

type sessionRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type sessionStatusRequest struct {
	Status models.SessionStatus `json:"status"`
}

type decisionRequest struct {
	Approve bool `json:"approve"`
}

func readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	if strings.Contains(strings.ToLower(err.Error()), "request body too large") {
		httpx.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	httpx.Error(w, http.StatusBadRequest, "invalid request body")
	return nil, false
}

func actorSubject(r *http.Request) string {
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || principal.Subject == "" {
		return "unknown"
	}
	return principal.Subject
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Store.GetSession()
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "no active session")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req sessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.ID == "" {
		httpx.Error(w, http.StatusBadRequest, "session id required")
		return
	}
	if req.Name == "" {
		req.Name = req.ID
	}
	sess, err := s.Store.StartSession(req.ID, req.Name)
	if err != nil {
		httpx.Error(w, http.StatusConflict, err.Error())
		return
	}
	if s.Persister != nil {
		if err := s.Persister.CreateSession(r.Context(), sess); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "session persist failed")
			return
		}
	}
	s.Events.Publish(stream.NewEvent(stream.TypeSessionChange, sess))
	httpx.WriteJSON(w, http.StatusCreated, sess)
}

func (s *Server) setSessionStatus(w http.ResponseWriter, r *http.Request) {
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req sessionStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	sess, err := s.Store.SetSessionStatus(req.Status)
	if err != nil {
		switch {
		case errors.Is(err, state.ErrNoSession):
			httpx.Error(w, http.StatusNotFound, "no active session")
		case errors.Is(err, state.ErrSessionStatus):
			httpx.Error(w, http.StatusBadRequest, "invalid session status")
		default:
			httpx.Error(w, http.StatusConflict, err.Error())
		}
		return
	}
	if req.Status == models.SessionCompleted {
		s.Registry.CloseAll("session ended")
	}
	if s.Persister != nil {
		if err := s.Persister.CreateSession(r.Context(), sess); err != nil {
			httpx.Error(w, http.StatusInternalServerError, "session persist failed")
			return
		}
	}
	s.Events.Publish(stream.NewEvent(stream.TypeSessionChange, sess))
	httpx.WriteJSON(w, http.StatusOK, sess)
}

func (s *Server) listParticipants(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"participants": s.Store.ListParticipants(),
	})
}

func (s *Server) getParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participant_id")
	part, err := s.Store.GetParticipant(id)
	if err != nil {
		httpx.Error(w, http.StatusNotFound, "participant not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, part)
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	if s.Persister == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "violation archive unavailable")
		return
	}
	id := chi.URLParam(r, "participant_id")
	if _, err := s.Store.GetParticipant(id); err != nil {
		httpx.Error(w, http.StatusNotFound, "participant not found")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	violations, err := s.Persister.ListViolations(r.Context(), id, limit)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "violation query failed")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"violations": violations})
}

func (s *Server) warnParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participant_id")
	reason := reasonFromBody(w, r)
	if reason == "" {
		return
	}
	if err := s.Dispatcher.Warn(r.Context(), id, reason, false); err != nil {
		httpx.Error(w, http.StatusNotFound, "participant not found")
		return
	}
	part, _ := s.Store.GetParticipant(id)
	httpx.WriteJSON(w, http.StatusOK, part)
}

func (s *Server) lockParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participant_id")
	reason := reasonFromBody(w, r)
	if reason == "" {
		return
	}
	if err := s.Dispatcher.Lock(r.Context(), id, reason, actorSubject(r)); err != nil {
		httpx.Error(w, http.StatusNotFound, "participant not found")
		return
	}
	part, _ := s.Store.GetParticipant(id)
	httpx.WriteJSON(w, http.StatusOK, part)
}

func (s *Server) unlockParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "participant_id")
	reason := reasonFromBody(w, r)
	if reason == "" {
		return
	}
	if err := s.Dispatcher.Unlock(r.Context(), id, reason, actorSubject(r)); err != nil {
		httpx.Error(w, http.StatusNotFound, "participant not found")
		return
	}
	part, _ := s.Store.GetParticipant(id)
	httpx.WriteJSON(w, http.StatusOK, part)
}

func (s *Server) emergencyLockdown(w http.ResponseWriter, r *http.Request) {
	reason := reasonFromBody(w, r)
	if reason == "" {
		return
	}
	locked, err := s.Dispatcher.EmergencyLock(r.Context(), reason, actorSubject(r))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"locked_count": locked})
}

// reasonFromBody reads and validates the lock/warn reason. An empty
// return means the error response was already written.
func reasonFromBody(w http.ResponseWriter, r *http.Request) string {
	body, ok := readRequestBody(w, r)
	if !ok {
		return ""
	}
	var req reasonRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return ""
	}
	if strings.TrimSpace(req.Reason) == "" {
		httpx.Error(w, http.StatusBadRequest, "reason required")
		return ""
	}
	return req.Reason
}

func (s *Server) listPermissions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requests": s.Permissions.List(r.URL.Query().Get("status")),
	})
}

func (s *Server) decidePermission(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	body, ok := readRequestBody(w, r)
	if !ok {
		return
	}
	var req decisionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return
	}
	decided, err := s.Permissions.Decide(requestID, req.Approve)
	if err != nil {
		switch {
		case errors.Is(err, permission.ErrRequestNotFound):
			httpx.Error(w, http.StatusNotFound, "permission request not found")
		case errors.Is(err, permission.ErrParticipantLocked):
			httpx.Error(w, http.StatusConflict, "participant is locked")
		default:
			httpx.Error(w, http.StatusConflict, err.Error())
		}
		return
	}
	s.Dispatcher.RespondPermission(decided)
	s.Metrics.IncPermissionStatus(decided.Status)
	s.Events.Publish(stream.NewEvent(stream.TypePermission, decided))
	httpx.WriteJSON(w, http.StatusOK, decided)
}

type statsResponse struct {
	Session      *models.ExamSession `json:"session,omitempty"`
	Participants int                 `json:"participants"`
	Connected    int                 `json:"connected"`
	Locked       int                 `json:"locked"`
	Violations   int                 `json:"violations"`
	Warnings     int                 `json:"warnings"`
	AverageScore float64             `json:"average_score"`
	GeneratedAt  time.Time           `json:"generated_at"`
}

const statsCacheKey = "proctor:stats"

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	if s.Cache != nil && s.StatsCacheTTL > 0 {
		if raw, err := s.Cache.Get(r.Context(), statsCacheKey); err == nil && raw != "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(raw))
			return
		}
	}
	stats := s.computeStats(r.Context())
	if s.Cache != nil && s.StatsCacheTTL > 0 {
		if raw, err := json.Marshal(stats); err == nil {
			_ = s.Cache.Set(r.Context(), statsCacheKey, string(raw), s.StatsCacheTTL)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, stats)
}

func (s *Server) computeStats(ctx context.Context) statsResponse {
	parts := s.Store.ListParticipants()
	stats := statsResponse{
		Participants: len(parts),
		Connected:    len(s.Registry.LiveIDs()),
		GeneratedAt:  s.clock(),
	}
	if sess, err := s.Store.GetSession(); err == nil {
		stats.Session = &sess
	}
	total := 0
	for _, p := range parts {
		if p.Locked {
			stats.Locked++
		}
		stats.Violations += p.ViolationCount
		stats.Warnings += p.WarningCount
		total += p.IntegrityScore
	}
	if len(parts) > 0 {
		stats.AverageScore = float64(total) / float64(len(parts))
	}
	return stats
}

// streamEvents feeds the dashboard: a snapshot on connect, then every
// participant, violation, permission and session event as it happens.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, nil))
	_ = wsjson.Write(ctx, conn, stream.SnapshotEvent(s.Store.ListParticipants()))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}
