package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/escalation"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/protocol"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/scoring"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// wsConn adapts a websocket to the registry's connection handle. The
// outbound queue is bounded; a slow participant drops frames rather
// than stalling the engine.
type wsConn struct {
	id   string
	conn *websocket.Conn
	out  chan protocol.Envelope
	done chan struct{}
	once sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:   uuid.New().String(),
		conn: conn,
		out:  make(chan protocol.Envelope, 32),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Enqueue(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- env:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close(reason string) {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close(websocket.StatusNormalClosure, reason)
	})
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case env := <-c.out:
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, c.conn, env)
			cancel()
			if err != nil {
				c.Close("write_failed")
				return
			}
		}
	}
}

func (s *Server) handleParticipantSocket(w http.ResponseWriter, r *http.Request) {
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

	wc := newWSConn(conn)
	go wc.writeLoop(ctx)
	defer wc.Close("closed")

	boundPID := ""
	defer func() { s.finishSocket(wc.id, boundPID) }()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil {
			// A malformed frame is dropped; one participant's bad
			// encoder must not tear down its connection.
			log.Printf("proctord: drop frame from %s: %v", wc.id, err)
			s.Metrics.IncMessageDropped()
			continue
		}
		if boundPID != "" && env.ParticipantID != boundPID {
			log.Printf("proctord: drop frame from %s: participant %q does not match binding %q", wc.id, env.ParticipantID, boundPID)
			s.Metrics.IncMessageDropped()
			continue
		}
		payload, err := protocol.DecodePayload(env)
		if err != nil {
			log.Printf("proctord: drop %s frame from %s: %v", env.Kind, wc.id, err)
			s.Metrics.IncMessageDropped()
			continue
		}
		// The sequence is consumed only once the frame is fully
		// decodable, so a client may resend a corrected frame under
		// the same number.
		if err := s.Guard.Accept(wc.id, env.Sequence); err != nil {
			log.Printf("proctord: drop frame from %s: %v", wc.id, err)
			s.Metrics.IncMessageDropped()
			continue
		}
		s.Metrics.IncMessageIn()

		if boundPID == "" && env.Kind != protocol.KindRegister {
			log.Printf("proctord: drop %s frame from %s: not registered", env.Kind, wc.id)
			s.Metrics.IncMessageDropped()
			continue
		}

		switch env.Kind {
		case protocol.KindRegister:
			p := payload.(protocol.RegisterPayload)
			if boundPID != "" {
				// Already bound; a second register on the same socket
				// is a client bug, not a new identity.
				s.sendAck(wc, env.ParticipantID, "rejected")
				continue
			}
			if err := s.Registry.Register(env.ParticipantID, wc, s.clock()); err != nil {
				s.sendAck(wc, env.ParticipantID, "rejected")
				wc.Close("duplicate registration")
				return
			}
			boundPID = env.ParticipantID
			part := s.Store.UpsertParticipant(env.ParticipantID, p.DisplayName, p.ComputerName, p.ComputerIP)
			s.sendAck(wc, env.ParticipantID, "registered")
			s.sendConfig(wc, env.ParticipantID)
			s.Events.Publish(stream.ParticipantEvent(part))

		case protocol.KindHeartbeat, protocol.KindPong:
			now := s.clock()
			s.Registry.RecordHeartbeat(boundPID, now)
			_, _ = s.Store.MutateParticipant(boundPID, func(p *models.Participant) {
				p.LastHeartbeat = now
				p.ConnState = models.ConnActive
			})

		case protocol.KindViolationReport:
			p := payload.(protocol.ViolationReportPayload)
			s.handleViolationReport(ctx, boundPID, p)

		case protocol.KindPermissionRequest:
			p := payload.(protocol.PermissionRequestPayload)
			s.handlePermissionRequest(wc, boundPID, p)

		case protocol.KindStatusUpdate:
			p := payload.(protocol.StatusUpdatePayload)
			if p.Returned {
				if req, err := s.Permissions.Complete(boundPID); err == nil {
					s.Events.Publish(stream.NewEvent(stream.TypePermission, req))
					s.Metrics.IncPermissionStatus(req.Status)
				}
			}

		default:
			// Server-to-participant kinds echoed back are dropped.
			log.Printf("proctord: drop unexpected %s frame from %s", env.Kind, wc.id)
			s.Metrics.IncMessageDropped()
		}
	}
}

// finishSocket runs when a participant socket's read loop exits. Only
// the connection that still owns the registry binding may mark the
// participant disconnected; after a sweep plus re-register the binding
// belongs to a newer socket and the old socket's exit is a no-op.
func (s *Server) finishSocket(connID, boundPID string) {
	s.Guard.Forget(connID)
	if boundPID == "" {
		return
	}
	pid, ok := s.Registry.Deregister(connID)
	if !ok {
		return
	}
	updated, err := s.Store.MutateParticipant(pid, func(p *models.Participant) {
		p.ConnState = models.ConnDisconnected
	})
	if err == nil {
		s.Events.Publish(stream.ParticipantEvent(updated))
	}
}

func (s *Server) sendAck(wc *wsConn, participantID, status string) {
	env, err := protocol.NewEnvelope(protocol.KindRegisterAck, participantID, s.nextSeq(), protocol.RegisterAckPayload{
		Status:        status,
		ParticipantID: participantID,
	})
	if err != nil {
		return
	}
	wc.Enqueue(env)
}

func (s *Server) sendConfig(wc *wsConn, participantID string) {
	env, err := protocol.NewEnvelope(protocol.KindConfigUpdate, participantID, s.nextSeq(), protocol.ConfigUpdatePayload{
		BlockedApplications:      s.BlockedApplications,
		HeartbeatIntervalSeconds: int(s.HeartbeatInterval / time.Second),
	})
	if err != nil {
		return
	}
	wc.Enqueue(env)
}

func (s *Server) handleViolationReport(ctx context.Context, participantID string, p protocol.ViolationReportPayload) {
	rep := scoring.Report{
		Type:        p.ViolationType,
		Severity:    p.Severity,
		Timestamp:   p.Timestamp,
		Description: p.Description,
		EvidenceRef: p.EvidenceRef,
	}
	updated, violation, err := s.Scoring.Process(ctx, participantID, rep)
	if err != nil {
		if errors.Is(err, scoring.ErrSuppressed) || errors.Is(err, scoring.ErrThrottled) {
			return
		}
		log.Printf("proctord: violation from %s: %v", participantID, err)
		return
	}
	s.Metrics.IncViolation(string(violation.Type), string(violation.Severity))
	s.Events.Publish(stream.NewEvent(stream.TypeViolation, violation))
	s.Events.Publish(stream.ParticipantEvent(updated))
	if s.Persister != nil {
		sessionID := violation.SessionID
		if err := s.Persister.SaveParticipant(ctx, sessionID, updated); err != nil {
			log.Printf("proctord: persist participant %s: %v", participantID, err)
		}
	}

	action, ruleName := escalation.Evaluate(s.Rules, escalation.Input{
		Participant: updated,
		Violation:   &violation,
		Now:         s.clock(),
	})
	if action == escalation.ActionNone {
		return
	}
	if err := s.Dispatcher.Apply(ctx, participantID, action, ruleName); err != nil {
		log.Printf("proctord: apply %s to %s: %v", action, participantID, err)
	}
}

func (s *Server) handlePermissionRequest(wc *wsConn, participantID string, p protocol.PermissionRequestPayload) {
	duration := time.Duration(p.RequestedDurationSeconds) * time.Second
	req, err := s.Permissions.Request(participantID, p.Reason, duration)
	if err != nil {
		// A conflicting or locked request is denied immediately; the
		// existing request, if any, still governs.
		env, encErr := protocol.NewEnvelope(protocol.KindPermissionResponse, participantID, s.nextSeq(), protocol.PermissionResponsePayload{
			Approved: false,
		})
		if encErr == nil {
			wc.Enqueue(env)
		}
		s.Metrics.IncPermissionStatus("rejected_immediate")
		log.Printf("proctord: permission request from %s: %v", participantID, err)
		return
	}
	s.Metrics.IncPermissionStatus(req.Status)
	s.Events.Publish(stream.NewEvent(stream.TypePermission, req))
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
