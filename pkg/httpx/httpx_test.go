package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/api/participants", nil))

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("nosniff missing, got %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("cache-control missing, got %q", got)
	}
	if rec.Header().Get("Content-Security-Policy") == "" {
		t.Fatal("CSP missing")
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	t.Parallel()

	mw := CORSMiddleware("https://dashboard.sekolah.sch.id")

	req := httptest.NewRequest("GET", "/api/participants", nil)
	req.Header.Set("Origin", "https://dashboard.sekolah.sch.id")
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://dashboard.sekolah.sch.id" {
		t.Fatalf("expected origin echoed, got %q", got)
	}

	// Preflight from an unknown origin is refused.
	req = httptest.NewRequest("OPTIONS", "/api/participants", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown origin preflight, got %d", rec.Code)
	}
}

func TestCORSPreflightShortCircuits(t *testing.T) {
	t.Parallel()

	mw := CORSMiddleware("*")
	req := httptest.NewRequest("OPTIONS", "/api/lockdown", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("allow-origin missing: %v", rec.Header())
	}
}

func TestCORSNoOriginPassesThrough(t *testing.T) {
	t.Parallel()

	mw := CORSMiddleware("https://dashboard.sekolah.sch.id")
	rec := httptest.NewRecorder()
	mw(okHandler()).ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected pass-through, got %d", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("no CORS headers expected without Origin")
	}
}

func TestErrorWritesJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	Error(rec, http.StatusConflict, "permission already decided")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	if body := rec.Body.String(); body == "" || body[0] != '{' {
		t.Fatalf("expected json error body, got %q", body)
	}
}
