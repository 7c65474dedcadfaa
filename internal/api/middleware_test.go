package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"metanotify/internal/logging"
)

func TestLoggingMiddlewareAddsCategory(t *testing.T) {
	buffer := logging.NewLogBuffer(10)
	logger := logging.New(logging.Options{Level: logging.LevelDebug, Buffer: buffer})

	handler := loggingMiddleware(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	entries := buffer.List()
	if len(entries) == 0 {
		t.Fatalf("expected log entries")
	}
	entry := entries[0]
	if entry.Context["category"] != "api" {
		t.Fatalf("expected category api, got %q", entry.Context["category"])
	}
	if entry.Context["http.route"] != "/api/status" {
		t.Fatalf("expected http.route /api/status, got %q", entry.Context["http.route"])
	}
}

func TestRestHandlerRejectsWrongMethod(t *testing.T) {
	handler := restHandler(func(w http.ResponseWriter, r *http.Request) *apiError {
		writeJSON(w, http.StatusOK, map[string]string{"ok": "yes"})
		return nil
	})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/api/status", nil))

	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", recorder.Code)
	}
	if recorder.Header().Get("Allow") != "GET, HEAD" {
		t.Fatalf("expected Allow header, got %q", recorder.Header().Get("Allow"))
	}
	if recorder.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("expected security headers")
	}
}

func TestOriginCheck(t *testing.T) {
	cases := []struct {
		name    string
		host    string
		origin  string
		allowed []string
		want    bool
	}{
		{name: "no origin", host: "example.com", want: true},
		{name: "same host", host: "example.com:8080", origin: "http://example.com", want: true},
		{name: "other host", host: "example.com", origin: "http://evil.test", want: false},
		{name: "allowed host", host: "example.com", origin: "http://ui.test:3000", allowed: []string{"ui.test"}, want: true},
		{name: "allowed origin", host: "example.com", origin: "http://ui.test:3000", allowed: []string{"http://ui.test:3000"}, want: true},
		{name: "wildcard", host: "example.com", origin: "http://anything.test", allowed: []string{"*"}, want: true},
		{name: "ipv6", host: "[::1]:8080", origin: "http://[::1]", want: true},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ws/metadata", nil)
			req.Host = testCase.host
			if testCase.origin != "" {
				req.Header.Set("Origin", testCase.origin)
			}
			if got := isOriginAllowed(req, testCase.allowed); got != testCase.want {
				t.Fatalf("expected %v, got %v", testCase.want, got)
			}
		})
	}
}
