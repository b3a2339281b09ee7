// Package procmon defines the process-enforcement contract between the
// coordinator and the participant-side agent. The coordinator never
// touches processes itself; it pushes the blocklist in config_update
// and the agent reports process_termination_attempt violations back.
package procmon

import (
	"context"
	"strings"
)

// ProcessInfo describes one process as reported by the agent.
type ProcessInfo struct {
	PID  int    `json:"pid"`
	Name string `json:"name"`
	Exe  string `json:"exe,omitempty"`
}

// Enforcer is implemented by the participant-side agent runtime.
type Enforcer interface {
	ListProcesses(ctx context.Context) ([]ProcessInfo, error)
	TerminateProcess(ctx context.Context, pid int) error
}

// MatchBlocked reports which running processes match the blocklist.
// Matching is case-insensitive on substring, so "chrome" catches both
// "chrome.exe" and "Google Chrome Helper".
func MatchBlocked(procs []ProcessInfo, blocklist []string) []ProcessInfo {
	if len(procs) == 0 || len(blocklist) == 0 {
		return nil
	}
	patterns := make([]string, 0, len(blocklist))
	for _, b := range blocklist {
		if b = strings.ToLower(strings.TrimSpace(b)); b != "" {
			patterns = append(patterns, b)
		}
	}
	var out []ProcessInfo
	for _, p := range procs {
		name := strings.ToLower(p.Name)
		exe := strings.ToLower(p.Exe)
		for _, pattern := range patterns {
			if strings.Contains(name, pattern) || (exe != "" && strings.Contains(exe, pattern)) {
				out = append(out, p)
				break
			}
		}
	}
	return out
}

// NormalizeBlocklist trims, lowercases and deduplicates the configured
// application names before they go out in config_update.
func NormalizeBlocklist(raw []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, b := range raw {
		b = strings.ToLower(strings.TrimSpace(b))
		if b == "" {
			continue
		}
		if _, ok := seen[b]; ok {
			continue
		}
		seen[b] = struct{}{}
		out = append(out, b)
	}
	return out
}
