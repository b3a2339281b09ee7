package main

import (
	"context"
	"log"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/escalation"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/stream"
)

// heartbeatSweepLoop marks participants whose heartbeat has gone stale
// as disconnected and re-evaluates the escalation rules for them. A
// stale heartbeat is a state transition, never an error surfaced to
// the sender.
func (s *Server) heartbeatSweepLoop(ctx context.Context) {
	interval := s.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runHeartbeatSweep(ctx)
		}
	}
}

func (s *Server) runHeartbeatSweep(ctx context.Context) {
	started := time.Now()
	now := s.clock()
	dead := s.Registry.Sweep(now, s.HeartbeatTimeout)
	for _, id := range dead {
		updated, err := s.Store.MutateParticipant(id, func(p *models.Participant) {
			p.ConnState = models.ConnDisconnected
		})
		if err != nil {
			continue
		}
		s.Events.Publish(stream.ParticipantEvent(updated))
		action, ruleName := escalation.Evaluate(s.Rules, escalation.Input{
			Participant: updated,
			Now:         now,
		})
		if action == escalation.ActionNone {
			continue
		}
		if err := s.Dispatcher.Apply(ctx, id, action, ruleName); err != nil {
			log.Printf("proctord: sweep apply %s to %s: %v", action, id, err)
		}
	}
	if len(dead) > 0 {
		s.Metrics.AddSweepDisconnects(len(dead))
		log.Printf("proctord: heartbeat sweep disconnected %d participant(s)", len(dead))
	}
	s.Metrics.ObserveSweep(time.Since(started))
}

// permissionSweepLoop expires approved leave windows whose time has run
// out. Expiry restores full monitoring for the participant.
func (s *Server) permissionSweepLoop(ctx context.Context) {
	interval := s.PermissionSweep
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPermissionSweep(ctx)
		}
	}
}

func (s *Server) runPermissionSweep(ctx context.Context) {
	for _, req := range s.Permissions.Sweep(s.clock()) {
		s.Metrics.IncPermissionStatus(req.Status)
		s.Events.Publish(stream.NewEvent(stream.TypePermission, req))
		if part, err := s.Store.GetParticipant(req.ParticipantID); err == nil {
			s.Events.Publish(stream.ParticipantEvent(part))
			if s.Persister != nil {
				sessionID := ""
				if sess, err := s.Store.GetSession(); err == nil {
					sessionID = sess.ID
				}
				if err := s.Persister.SaveParticipant(ctx, sessionID, part); err != nil {
					log.Printf("proctord: persist participant %s: %v", part.ID, err)
				}
			}
		}
	}
}

func (s *Server) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	s.updateOperationalMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.updateOperationalMetrics()
		}
	}
}

func (s *Server) updateOperationalMetrics() {
	if s.Metrics == nil {
		return
	}
	s.Metrics.SetConnected(len(s.Registry.LiveIDs()))
	if s.Events != nil {
		s.Metrics.SetDashboardDropped(s.Events.Dropped())
	}
}
