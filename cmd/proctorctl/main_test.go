package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/FebrianSuban/Pengawas-Pintar/pkg/auth"
)

func TestRunCommandDispatch(t *testing.T) {
	var out bytes.Buffer
	if err := run(nil, &out); err == nil {
		t.Fatal("expected error for missing command")
	}
	if !strings.Contains(out.String(), "proctorctl commands:") {
		t.Fatalf("expected usage, got %s", out.String())
	}
	if err := run([]string{"explode"}, &out); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
}

func TestMintToken(t *testing.T) {
	var out bytes.Buffer
	err := run([]string{"mint-token", "--secret", "rahasia", "--subject", "guru-1", "--roles", "proctor, admin"}, &out)
	if err != nil {
		t.Fatalf("mint-token: %v", err)
	}
	token := strings.TrimSpace(out.String())
	claims, err := auth.VerifyHS256(token, "rahasia", time.Now().UTC())
	if err != nil {
		t.Fatalf("verify minted token: %v", err)
	}
	if claims.Sub != "guru-1" || len(claims.Roles) != 2 {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	t.Setenv("PROCTOR_SECRET", "")
	if err := run([]string{"mint-token", "--subject", "guru-1"}, &out); err == nil {
		t.Fatal("expected error without secret")
	}
}

func newStubAPI(t *testing.T) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var seen []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clone := r.Clone(r.Context())
		seen = append(seen, clone)
		switch {
		case r.URL.Path == "/api/participants/ghost/lock":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "participant not found"})
		default:
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestLockCommandRoundTrip(t *testing.T) {
	srv, seen := newStubAPI(t)
	var out bytes.Buffer
	err := run([]string{
		"lock",
		"--url", srv.URL,
		"--token", "tok-123",
		"--participant", "p-1",
		"--reason", "talking",
	}, &out)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if len(*seen) != 1 {
		t.Fatalf("expected 1 request, got %d", len(*seen))
	}
	req := (*seen)[0]
	if req.Method != http.MethodPost || req.URL.Path != "/api/participants/p-1/lock" {
		t.Fatalf("unexpected request: %s %s", req.Method, req.URL.Path)
	}
	if req.Header.Get("Authorization") != "Bearer tok-123" {
		t.Fatalf("missing bearer token: %q", req.Header.Get("Authorization"))
	}
	if !strings.Contains(out.String(), `"status": "ok"`) {
		t.Fatalf("expected pretty response, got %s", out.String())
	}
}

func TestErrorStatusSurfaced(t *testing.T) {
	srv, _ := newStubAPI(t)
	var out bytes.Buffer
	err := run([]string{
		"lock",
		"--url", srv.URL,
		"--participant", "ghost",
		"--reason", "x",
	}, &out)
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestFlagValidation(t *testing.T) {
	var out bytes.Buffer
	cases := [][]string{
		{"lock", "--participant", "p-1"},
		{"warn", "--reason", "x"},
		{"lockdown"},
		{"decide"},
		{"violations"},
	}
	for _, args := range cases {
		if err := run(args, &out); err == nil {
			t.Fatalf("expected validation error for %v", args)
		}
	}
}

func TestQueryCommands(t *testing.T) {
	srv, seen := newStubAPI(t)
	var out bytes.Buffer
	commands := [][]string{
		{"participants", "--url", srv.URL},
		{"participants", "--url", srv.URL, "--id", "p-1"},
		{"violations", "--url", srv.URL, "--participant", "p-1", "--limit", "5"},
		{"permissions", "--url", srv.URL, "--status", "PENDING"},
		{"decide", "--url", srv.URL, "--request", "req-1", "--reject"},
		{"session", "--url", srv.URL},
		{"session", "--url", srv.URL, "--status", "completed"},
		{"stats", "--url", srv.URL},
		{"lockdown", "--url", srv.URL, "--reason", "drill"},
	}
	for _, args := range commands {
		if err := run(args, &out); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}
	paths := make([]string, 0, len(*seen))
	for _, r := range *seen {
		paths = append(paths, r.Method+" "+r.URL.RequestURI())
	}
	want := []string{
		"GET /api/participants",
		"GET /api/participants/p-1",
		"GET /api/participants/p-1/violations?limit=5",
		"GET /api/permissions?status=PENDING",
		"POST /api/permissions/req-1/decision",
		"GET /api/session",
		"POST /api/session/status",
		"GET /api/stats",
		"POST /api/lockdown",
	}
	if len(paths) != len(want) {
		t.Fatalf("expected %d requests, got %v", len(want), paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("request %d: got %s, want %s", i, paths[i], want[i])
		}
	}
}

func TestMainExitsOnError(t *testing.T) {
	exitCode := -1
	osExit = func(code int) { exitCode = code }
	defer func() { osExit = os.Exit }()

	osArgsBackup := os.Args
	os.Args = []string{"proctorctl", "unknown-command"}
	defer func() { os.Args = osArgsBackup }()

	main()
	if exitCode != 1 {
		t.Fatalf("expected exit code 1, got %d", exitCode)
	}
}
