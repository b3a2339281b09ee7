package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/escalation"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/metrics"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/permission"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/protocol"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/state"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/statebus"
)

// Sender delivers outbound envelopes through the connection registry.
type Sender interface {
	Send(participantID string, env protocol.Envelope) bool
	LiveIDs() []string
}

// AuditSink records administrative actions for later review.
type AuditSink interface {
	AppendAdminAction(ctx context.Context, actor, action, target, detail string) error
}

// Dispatcher turns policy decisions into state mutations and outbound
// commands. It is the only component that applies warn/lock side
// effects; the escalation engine stays side-effect-free.
type Dispatcher struct {
	Store       *state.Store
	Sender      Sender
	Permissions *permission.Manager
	Audit       AuditSink
	Bus         statebus.Publisher
	Metrics     *metrics.Registry

	// WarningPenalty is the score deduction applied alongside each
	// warn action. Comes from the configured penalty table.
	WarningPenalty int

	seq atomic.Uint64
}

// Apply executes an escalation decision for one participant.
func (d *Dispatcher) Apply(ctx context.Context, participantID string, action escalation.Action, reason string) error {
	switch action {
	case escalation.ActionNone:
		return nil
	case escalation.ActionWarn:
		return d.Warn(ctx, participantID, reason, false)
	case escalation.ActionEscalate:
		return d.Warn(ctx, participantID, reason, true)
	case escalation.ActionLock:
		return d.Lock(ctx, participantID, reason, "policy")
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

// Warn increments the warning count, applies the warning penalty and
// sends a warning message. flag marks the sterner "escalate" variant.
func (d *Dispatcher) Warn(ctx context.Context, participantID, reason string, flag bool) error {
	updated, err := d.Store.MutateParticipant(participantID, func(p *models.Participant) {
		p.WarningCount++
		p.IntegrityScore -= d.WarningPenalty
	})
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.KindWarning, participantID, d.nextSeq(), protocol.WarningPayload{
		Reason:       reason,
		CurrentScore: updated.IntegrityScore,
		WarningCount: updated.WarningCount,
		Flag:         flag,
	})
	if err != nil {
		return err
	}
	d.Sender.Send(participantID, env)
	d.Metrics.IncAction(string(escalation.ActionWarn))
	d.publishEvent(ctx, "warning", participantID, reason)
	return nil
}

// Lock sets the lock flag, cancels any active leave permission (a
// locked participant never holds an active window) and sends the lock
// command. actor identifies who locked: "policy" or an admin subject.
func (d *Dispatcher) Lock(ctx context.Context, participantID, reason, actor string) error {
	if _, err := d.Store.GetParticipant(participantID); err != nil {
		return err
	}
	if d.Permissions != nil {
		if req, ok := d.Permissions.CancelActive(participantID); ok {
			log.Printf("dispatch: permission %s force-closed by lock of %s", req.ID, participantID)
		}
	}
	_, err := d.Store.MutateParticipant(participantID, func(p *models.Participant) {
		p.Locked = true
	})
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.KindLockCommand, participantID, d.nextSeq(), protocol.LockPayload{Reason: reason})
	if err != nil {
		return err
	}
	d.Sender.Send(participantID, env)
	d.Metrics.IncAction(string(escalation.ActionLock))
	d.audit(ctx, actor, "lock", participantID, reason)
	d.publishEvent(ctx, "lock", participantID, reason)
	return nil
}

// Unlock clears the lock flag. Always an explicit administrative
// action; score recovery never unlocks automatically.
func (d *Dispatcher) Unlock(ctx context.Context, participantID, reason, actor string) error {
	_, err := d.Store.MutateParticipant(participantID, func(p *models.Participant) {
		p.Locked = false
	})
	if err != nil {
		return err
	}
	env, err := protocol.NewEnvelope(protocol.KindUnlockCommand, participantID, d.nextSeq(), protocol.UnlockPayload{Reason: reason})
	if err != nil {
		return err
	}
	d.Sender.Send(participantID, env)
	d.Metrics.IncUnlock()
	d.audit(ctx, actor, "unlock", participantID, reason)
	d.publishEvent(ctx, "unlock", participantID, reason)
	return nil
}

// EmergencyLock locks every participant with a live connection in one
// atomic pass over the registry snapshot. Registrations arriving during
// the pass are not retroactively chased; they are locked on their own
// first status evaluation. Returns how many participants the snapshot
// locked.
func (d *Dispatcher) EmergencyLock(ctx context.Context, reason, actor string) (int, error) {
	snapshot := d.Sender.LiveIDs()
	// Same order as Lock: active windows close before any lock flag is
	// visible, so no locked participant ever holds an active permission.
	if d.Permissions != nil {
		for _, id := range snapshot {
			if req, ok := d.Permissions.CancelActive(id); ok {
				log.Printf("dispatch: permission %s force-closed by emergency lock", req.ID)
			}
		}
	}
	locked, missing := d.Store.LockAll(snapshot)
	if len(missing) > 0 {
		log.Printf("dispatch: emergency lock: %d snapshot ids missing from store: %v", len(missing), missing)
	}
	for _, id := range locked {
		env, err := protocol.NewEnvelope(protocol.KindLockCommand, id, d.nextSeq(), protocol.LockPayload{Reason: reason})
		if err != nil {
			continue
		}
		d.Sender.Send(id, env)
	}
	d.Metrics.IncEmergencyLock(len(locked))
	d.audit(ctx, actor, "emergency_lock", "*", fmt.Sprintf("%s (%d participants)", reason, len(locked)))
	d.publishEvent(ctx, "emergency_lock", "*", reason)
	return len(locked), nil
}

// RespondPermission delivers a permission decision to the participant.
func (d *Dispatcher) RespondPermission(req models.PermissionRequest) bool {
	env, err := protocol.NewEnvelope(protocol.KindPermissionResponse, req.ParticipantID, d.nextSeq(), protocol.PermissionResponsePayload{
		RequestID: req.ID,
		Approved:  req.Status == permission.Active,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		return false
	}
	return d.Sender.Send(req.ParticipantID, env)
}

func (d *Dispatcher) audit(ctx context.Context, actor, action, target, detail string) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.AppendAdminAction(ctx, actor, action, target, detail); err != nil {
		log.Printf("dispatch: audit %s %s: %v", action, target, err)
	}
}

func (d *Dispatcher) publishEvent(ctx context.Context, kind, participantID, detail string) {
	if d.Bus == nil {
		return
	}
	msg, err := statebus.NewEventMessage(kind, participantID, detail, time.Now().UTC())
	if err != nil {
		return
	}
	if err := d.Bus.Publish(ctx, msg); err != nil {
		log.Printf("dispatch: publish %s event: %v", kind, err)
	}
}

// nextSeq numbers outbound envelopes. Outbound sequencing is advisory;
// participants do not enforce it.
func (d *Dispatcher) nextSeq() uint64 {
	return d.seq.Add(1)
}
