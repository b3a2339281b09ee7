package escalation

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/models"
	"github.com/FebrianSuban/Pengawas-Pintar/pkg/scoring"
)

// Config is the session policy loaded once at session start: the
// ordered escalation rule table plus optional penalty overrides. It is
// immutable for the session's lifetime.
type Config struct {
	Rules     []Rule
	Penalties scoring.PenaltyTable
}

type fileRule struct {
	Name               string          `json:"name"`
	MinViolations      int             `json:"min_violations,omitempty"`
	MinWarnings        int             `json:"min_warnings,omitempty"`
	ScoreBelow         int             `json:"score_below,omitempty"`
	Severity           models.Severity `json:"severity,omitempty"`
	WindowSeconds      int             `json:"window_seconds,omitempty"`
	DisconnectedForSec int             `json:"disconnected_for_seconds,omitempty"`
	Action             Action          `json:"action"`
}

type configFile struct {
	Rules     []fileRule            `json:"rules"`
	Penalties *scoring.PenaltyTable `json:"penalties,omitempty"`
}

// LoadConfig reads the rules file. An empty path yields the default
// rules and penalty table.
func LoadConfig(path string) (Config, error) {
	cfg := Config{Rules: DefaultRules(), Penalties: scoring.DefaultPenalties()}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read rules file: %w", err)
	}
	var file configFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return Config{}, fmt.Errorf("parse rules file: %w", err)
	}
	if len(file.Rules) > 0 {
		rules := make([]Rule, 0, len(file.Rules))
		for i, fr := range file.Rules {
			switch fr.Action {
			case ActionWarn, ActionEscalate, ActionLock:
			default:
				return Config{}, fmt.Errorf("rules file: rule %d (%q): unknown action %q", i, fr.Name, fr.Action)
			}
			if fr.Severity != "" && !fr.Severity.Valid() {
				return Config{}, fmt.Errorf("rules file: rule %d (%q): unknown severity %q", i, fr.Name, fr.Severity)
			}
			rules = append(rules, Rule{
				Name:            fr.Name,
				MinViolations:   fr.MinViolations,
				MinWarnings:     fr.MinWarnings,
				ScoreBelow:      fr.ScoreBelow,
				Severity:        fr.Severity,
				Window:          time.Duration(fr.WindowSeconds) * time.Second,
				DisconnectedFor: time.Duration(fr.DisconnectedForSec) * time.Second,
				Action:          fr.Action,
			})
		}
		cfg.Rules = rules
	}
	if file.Penalties != nil {
		cfg.Penalties = file.Penalties.Normalized()
	}
	return cfg, nil
}
