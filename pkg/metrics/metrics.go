package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/httpx"
)

// Registry accumulates operational counters and serves them as a JSON
// snapshot on /metrics. All methods are safe on a nil receiver so
// instrumentation points need no guards.
type Registry struct {
	mu                sync.RWMutex
	startedAt         time.Time
	violationType     map[string]int64
	violationSeverity map[string]int64
	actions           map[string]int64
	permissionStatus  map[string]int64
	messagesIn        int64
	messagesDropped   int64
	unlocks           int64
	emergencyLocks    int64
	emergencyLocked   int64
	sweepDisconnects  int64
	connected         int64
	dashboardDropped  int64
	sweep             SweepStat
}

type SweepStat struct {
	Count       int64   `json:"count"`
	TotalMillis int64   `json:"total_millis"`
	MaxMillis   int64   `json:"max_millis"`
	LastMillis  int64   `json:"last_millis"`
	AvgMillis   float64 `json:"avg_millis"`
}

type Snapshot struct {
	GeneratedAt             string           `json:"generated_at"`
	UptimeSeconds           int64            `json:"uptime_seconds"`
	MessagesIn              int64            `json:"messages_in_total"`
	MessagesDropped         int64            `json:"messages_dropped_total"`
	ViolationsByType        map[string]int64 `json:"violations_by_type"`
	ViolationsBySeverity    map[string]int64 `json:"violations_by_severity"`
	Actions                 map[string]int64 `json:"actions"`
	PermissionsByStatus     map[string]int64 `json:"permissions_by_status"`
	Unlocks                 int64            `json:"unlocks_total"`
	EmergencyLocks          int64            `json:"emergency_locks_total"`
	EmergencyLockedTotal    int64            `json:"emergency_locked_participants_total"`
	SweepDisconnects        int64            `json:"sweep_disconnects_total"`
	ConnectedParticipants   int64            `json:"connected_participants"`
	DashboardDroppedFrames  int64            `json:"dashboard_dropped_frames"`
	HeartbeatSweepLatencyMS SweepStat        `json:"heartbeat_sweep_latency_ms"`
}

func NewRegistry() *Registry {
	return &Registry{
		startedAt:         time.Now().UTC(),
		violationType:     map[string]int64{},
		violationSeverity: map[string]int64{},
		actions:           map[string]int64{},
		permissionStatus:  map[string]int64{},
	}
}

func (r *Registry) IncMessageIn() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.messagesIn++
	r.mu.Unlock()
}

func (r *Registry) IncMessageDropped() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.messagesDropped++
	r.mu.Unlock()
}

func (r *Registry) IncViolation(violationType, severity string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.violationType[violationType]++
	r.violationSeverity[severity]++
	r.mu.Unlock()
}

func (r *Registry) IncAction(action string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.actions[action]++
	r.mu.Unlock()
}

func (r *Registry) IncPermissionStatus(status string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.permissionStatus[status]++
	r.mu.Unlock()
}

func (r *Registry) IncUnlock() {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.unlocks++
	r.mu.Unlock()
}

func (r *Registry) IncEmergencyLock(participants int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.emergencyLocks++
	r.emergencyLocked += int64(participants)
	r.mu.Unlock()
}

func (r *Registry) AddSweepDisconnects(n int) {
	if r == nil || n == 0 {
		return
	}
	r.mu.Lock()
	r.sweepDisconnects += int64(n)
	r.mu.Unlock()
}

func (r *Registry) SetConnected(n int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.connected = int64(n)
	r.mu.Unlock()
}

func (r *Registry) SetDashboardDropped(n int64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.dashboardDropped = n
	r.mu.Unlock()
}

func (r *Registry) ObserveSweep(d time.Duration) {
	if r == nil {
		return
	}
	ms := d.Milliseconds()
	r.mu.Lock()
	r.sweep.Count++
	r.sweep.TotalMillis += ms
	r.sweep.LastMillis = ms
	if ms > r.sweep.MaxMillis {
		r.sweep.MaxMillis = ms
	}
	r.sweep.AvgMillis = float64(r.sweep.TotalMillis) / float64(r.sweep.Count)
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{
		GeneratedAt:             time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds:           int64(time.Since(r.startedAt).Seconds()),
		MessagesIn:              r.messagesIn,
		MessagesDropped:         r.messagesDropped,
		ViolationsByType:        map[string]int64{},
		ViolationsBySeverity:    map[string]int64{},
		Actions:                 map[string]int64{},
		PermissionsByStatus:     map[string]int64{},
		Unlocks:                 r.unlocks,
		EmergencyLocks:          r.emergencyLocks,
		EmergencyLockedTotal:    r.emergencyLocked,
		SweepDisconnects:        r.sweepDisconnects,
		ConnectedParticipants:   r.connected,
		DashboardDroppedFrames:  r.dashboardDropped,
		HeartbeatSweepLatencyMS: r.sweep,
	}
	for k, v := range r.violationType {
		snap.ViolationsByType[k] = v
	}
	for k, v := range r.violationSeverity {
		snap.ViolationsBySeverity[k] = v
	}
	for k, v := range r.actions {
		snap.Actions[k] = v
	}
	for k, v := range r.permissionStatus {
		snap.PermissionsByStatus[k] = v
	}
	return snap
}

// Handler serves the snapshot as JSON.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, r.Snapshot())
	}
}
