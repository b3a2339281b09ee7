package main

import (
	"context"
	"testing"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/escalation"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/permission"
)

func TestHeartbeatSweepDisconnectsAndEscalates(t *testing.T) {
	s := newTestServer(t)
	base := time.Now().UTC()
	s.Rules = append([]escalation.Rule{
		{Name: "disconnected_lock", DisconnectedFor: 10 * time.Second, Action: escalation.ActionLock},
	}, s.Rules...)

	stale := connect(t, s, "p-1")
	fresh := connect(t, s, "p-2")
	s.Registry.RecordHeartbeat("p-1", base)
	s.Registry.RecordHeartbeat("p-2", base.Add(18*time.Second))
	if _, err := s.Store.MutateParticipant("p-1", func(p *models.Participant) {
		p.LastHeartbeat = base
	}); err != nil {
		t.Fatalf("seed heartbeat: %v", err)
	}

	s.now = func() time.Time { return base.Add(20 * time.Second) }
	s.runHeartbeatSweep(context.Background())

	stale.mu.Lock()
	closed := stale.closed
	stale.mu.Unlock()
	if !closed {
		t.Fatal("expected stale connection closed")
	}
	part, _ := s.Store.GetParticipant("p-1")
	if part.ConnState != models.ConnDisconnected {
		t.Fatalf("expected disconnected, got %s", part.ConnState)
	}
	if !part.Locked {
		t.Fatal("expected disconnected_lock rule to fire")
	}
	fresh.mu.Lock()
	freshClosed := fresh.closed
	fresh.mu.Unlock()
	if freshClosed {
		t.Fatal("fresh connection must survive the sweep")
	}
	snap := s.Metrics.Snapshot()
	if snap.SweepDisconnects != 1 {
		t.Fatalf("expected 1 sweep disconnect, got %d", snap.SweepDisconnects)
	}
	if snap.HeartbeatSweepLatencyMS.Count != 1 {
		t.Fatalf("expected 1 sweep observation, got %d", snap.HeartbeatSweepLatencyMS.Count)
	}
}

func TestPermissionSweepExpiry(t *testing.T) {
	s := newTestServer(t)
	connect(t, s, "p-1")
	base := time.Now().UTC()

	req, err := s.Permissions.Request("p-1", "toilet", 60*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := s.Permissions.Decide(req.ID, true); err != nil {
		t.Fatalf("decide: %v", err)
	}

	s.now = func() time.Time { return base.Add(30 * time.Second) }
	s.runPermissionSweep(context.Background())
	part, _ := s.Store.GetParticipant("p-1")
	if !part.SuppressFaceAbsence {
		t.Fatal("window still open, suppression must stay on")
	}

	s.now = func() time.Time { return base.Add(61 * time.Second) }
	s.runPermissionSweep(context.Background())
	got, err := s.Permissions.Get(req.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != permission.Expired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	part, _ = s.Store.GetParticipant("p-1")
	if part.SuppressFaceAbsence || part.ActivePermissionID != "" {
		t.Fatalf("expiry must restore monitoring: %+v", part)
	}
}

func TestUpdateOperationalMetrics(t *testing.T) {
	s := newTestServer(t)
	connect(t, s, "p-1")
	s.updateOperationalMetrics()
	snap := s.Metrics.Snapshot()
	if snap.ConnectedParticipants != 1 {
		t.Fatalf("expected 1 connected, got %d", snap.ConnectedParticipants)
	}
}

func TestLoopsStopOnContextCancel(t *testing.T) {
	s := newTestServer(t)
	s.SweepInterval = 5 * time.Millisecond
	s.PermissionSweep = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.heartbeatSweepLoop(ctx)
		s.permissionSweepLoop(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loops did not stop on context cancel")
	}
}
