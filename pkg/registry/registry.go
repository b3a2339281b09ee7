package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/protocol"
)

var ErrDuplicateRegistration = errors.New("participant id already bound to a live connection")

// Conn is a transport connection handle. Enqueue is non-blocking: the
// outbound queue is bounded and a full or closed queue reports false.
type Conn interface {
	ID() string
	Enqueue(env protocol.Envelope) bool
	Close(reason string)
}

type binding struct {
	conn          Conn
	lastHeartbeat time.Time
	live          bool
}

// Registry owns the live transport connections and their liveness. A
// registration for an id already bound to a live connection is rejected
// rather than evicting the existing one, so a duplicated identifier
// cannot hijack a running session. The binding only frees up once the
// prior connection closes or is swept as dead.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*binding // participant id -> binding
	byConn map[string]string   // connection id -> participant id
}

func New() *Registry {
	return &Registry{
		byID:   map[string]*binding{},
		byConn: map[string]string{},
	}
}

func (r *Registry) Register(participantID string, c Conn, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.byID[participantID]; ok && b.live {
		return ErrDuplicateRegistration
	}
	r.byID[participantID] = &binding{conn: c, lastHeartbeat: now, live: true}
	r.byConn[c.ID()] = participantID
	return nil
}

// Deregister releases the binding for a closed connection and reports
// which participant it carried. A stale connection id (already replaced
// by a reconnect) releases nothing.
func (r *Registry) Deregister(connID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	participantID, ok := r.byConn[connID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connID)
	if b, ok := r.byID[participantID]; ok && b.conn.ID() == connID {
		b.live = false
	}
	return participantID, true
}

func (r *Registry) RecordHeartbeat(participantID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byID[participantID]
	if !ok || !b.live {
		return false
	}
	b.lastHeartbeat = now
	return true
}

// Sweep marks every live binding whose heartbeat is older than timeout
// as dead, closes its connection and returns the newly disconnected
// participant ids.
func (r *Registry) Sweep(now time.Time, timeout time.Duration) []string {
	var dead []string
	var conns []Conn
	r.mu.Lock()
	for id, b := range r.byID {
		if !b.live {
			continue
		}
		if now.Sub(b.lastHeartbeat) > timeout {
			b.live = false
			delete(r.byConn, b.conn.ID())
			dead = append(dead, id)
			conns = append(conns, b.conn)
		}
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close("heartbeat timeout")
	}
	sort.Strings(dead)
	return dead
}

// Send enqueues one outbound envelope for a participant. False means the
// participant has no live connection or its queue is full.
func (r *Registry) Send(participantID string, env protocol.Envelope) bool {
	r.mu.RLock()
	b, ok := r.byID[participantID]
	r.mu.RUnlock()
	if !ok || !b.live {
		return false
	}
	return b.conn.Enqueue(env)
}

// Broadcast enqueues the envelope for every live participant except
// those in exclude. Returns how many deliveries were enqueued.
func (r *Registry) Broadcast(env protocol.Envelope, exclude map[string]struct{}) int {
	r.mu.RLock()
	targets := make(map[string]Conn, len(r.byID))
	for id, b := range r.byID {
		if !b.live {
			continue
		}
		if _, skip := exclude[id]; skip {
			continue
		}
		targets[id] = b.conn
	}
	r.mu.RUnlock()

	sent := 0
	for id, c := range targets {
		out := env
		out.ParticipantID = id
		if c.Enqueue(out) {
			sent++
		}
	}
	return sent
}

// LiveIDs snapshots the participants currently bound to a live
// connection, sorted. This is the snapshot the emergency lock applies
// to.
func (r *Registry) LiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id, b := range r.byID {
		if b.live {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// LastHeartbeat reports the last recorded heartbeat for a participant.
func (r *Registry) LastHeartbeat(participantID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.byID[participantID]
	if !ok {
		return time.Time{}, false
	}
	return b.lastHeartbeat, true
}

// CloseAll closes every live connection. Used on session end.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	var conns []Conn
	for _, b := range r.byID {
		if b.live {
			b.live = false
			conns = append(conns, b.conn)
		}
	}
	r.byConn = map[string]string{}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(reason)
	}
}
