package escalation

import (
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
)

// Action is the decision produced by rule evaluation. The engine is
// side-effect-free; the dispatcher performs the mutation and the
// outbound command.
type Action string

const (
	ActionNone     Action = "none"
	ActionWarn     Action = "warn"
	ActionEscalate Action = "escalate"
	ActionLock     Action = "lock"
)

// Rule is one trigger predicate with a resulting action. Zero-valued
// fields are unconstrained. All set fields must hold for the rule to
// match.
type Rule struct {
	Name string `json:"name"`

	// MinViolations matches when the participant's violation count has
	// reached this value.
	MinViolations int `json:"min_violations,omitempty"`
	// MinWarnings matches on accumulated warning count.
	MinWarnings int `json:"min_warnings,omitempty"`
	// ScoreBelow matches when the integrity score has fallen under
	// this value.
	ScoreBelow int `json:"score_below,omitempty"`
	// Severity matches when the triggering violation is at or above
	// this severity. Ignored when evaluation has no triggering
	// violation (e.g. after a sweep transition).
	Severity models.Severity `json:"severity,omitempty"`
	// Window bounds MinViolations to recent activity: the rule only
	// matches when the last violation is within the window.
	Window time.Duration `json:"window,omitempty"`
	// DisconnectedFor matches a participant whose connection has been
	// down at least this long.
	DisconnectedFor time.Duration `json:"disconnected_for,omitempty"`

	Action Action `json:"action"`
}

// Input is the evaluation context: the participant's current record and
// the violation that triggered re-evaluation, if any.
type Input struct {
	Participant models.Participant
	Violation   *models.Violation
	Now         time.Time
}

// Evaluate runs the ordered rule list and returns the first matching
// rule's action. First match wins; given fixed rules and a fixed input
// the result is always the same single action.
func Evaluate(rules []Rule, in Input) (Action, string) {
	for _, r := range rules {
		if r.matches(in) {
			return r.Action, r.Name
		}
	}
	return ActionNone, ""
}

func (r Rule) matches(in Input) bool {
	if r.Action == "" || r.Action == ActionNone {
		return false
	}
	p := in.Participant
	if r.MinViolations > 0 {
		if p.ViolationCount < r.MinViolations {
			return false
		}
		if r.Window > 0 {
			if p.LastViolationAt == nil || in.Now.Sub(*p.LastViolationAt) > r.Window {
				return false
			}
		}
	}
	if r.MinWarnings > 0 && p.WarningCount < r.MinWarnings {
		return false
	}
	if r.ScoreBelow > 0 && p.IntegrityScore >= r.ScoreBelow {
		return false
	}
	if r.Severity != "" {
		if in.Violation == nil || in.Violation.Severity.Rank() < r.Severity.Rank() {
			return false
		}
	}
	if r.DisconnectedFor > 0 {
		if p.ConnState != models.ConnDisconnected {
			return false
		}
		if p.LastHeartbeat.IsZero() || in.Now.Sub(p.LastHeartbeat) < r.DisconnectedFor {
			return false
		}
	}
	return true
}

// DefaultRules mirrors the escalation table shipped with the original
// deployment: warn on repeated violations, lock on heavy accumulation or
// any critical infraction. Real deployments load their table from the
// rules file instead.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "critical_violation", Severity: models.SeverityCritical, Action: ActionLock},
		{Name: "warnings_before_lock", MinWarnings: 5, Action: ActionLock},
		{Name: "violations_before_lock", MinViolations: 5, Action: ActionLock},
		{Name: "warnings_before_flag", MinWarnings: 3, Action: ActionEscalate},
		{Name: "violations_before_warn", MinViolations: 3, Action: ActionWarn},
	}
}
