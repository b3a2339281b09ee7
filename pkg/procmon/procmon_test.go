package procmon

import (
	"reflect"
	"testing"
)

func TestMatchBlocked(t *testing.T) {
	t.Parallel()

	procs := []ProcessInfo{
		{PID: 101, Name: "chrome.exe", Exe: `C:\Program Files\Google\Chrome\chrome.exe`},
		{PID: 102, Name: "exam-client.exe"},
		{PID: 103, Name: "Discord.exe"},
		{PID: 104, Name: "svchost.exe"},
	}

	got := MatchBlocked(procs, []string{"chrome", " DISCORD "})
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d: %+v", len(got), got)
	}
	if got[0].PID != 101 || got[1].PID != 103 {
		t.Fatalf("unexpected matches: %+v", got)
	}
}

func TestMatchBlockedExePath(t *testing.T) {
	t.Parallel()

	procs := []ProcessInfo{
		{PID: 200, Name: "helper", Exe: "/opt/telegram/helper"},
	}
	if got := MatchBlocked(procs, []string{"telegram"}); len(got) != 1 {
		t.Fatalf("expected exe path match, got %+v", got)
	}
}

func TestMatchBlockedEmptyInputs(t *testing.T) {
	t.Parallel()

	if got := MatchBlocked(nil, []string{"chrome"}); got != nil {
		t.Fatalf("expected nil for no processes, got %+v", got)
	}
	if got := MatchBlocked([]ProcessInfo{{PID: 1, Name: "x"}}, nil); got != nil {
		t.Fatalf("expected nil for empty blocklist, got %+v", got)
	}
	if got := MatchBlocked([]ProcessInfo{{PID: 1, Name: "x"}}, []string{" ", ""}); got != nil {
		t.Fatalf("blank patterns must not match everything: %+v", got)
	}
}

func TestNormalizeBlocklist(t *testing.T) {
	t.Parallel()

	got := NormalizeBlocklist([]string{" Chrome ", "discord", "CHROME", "", "telegram"})
	want := []string{"chrome", "discord", "telegram"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
