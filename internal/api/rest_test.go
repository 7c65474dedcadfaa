package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"metanotify/internal/logging"
)

func TestStatusListsRecentProblems(t *testing.T) {
	logger := logging.New(logging.Options{Level: logging.LevelInfo, Buffer: logging.NewLogBuffer(16)})
	logger.Info("subscriber connected", nil)
	logger.Warn("subscriber evicted", map[string]string{"subscriber_id": "vol-1"})

	handler := restHandler((&RestHandler{Logger: logger}).handleStatus)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var status statusResponse
	if err := json.NewDecoder(recorder.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if len(status.RecentProblems) != 1 {
		t.Fatalf("expected one recent problem, got %#v", status.RecentProblems)
	}
	if status.RecentProblems[0].Message != "subscriber evicted" || status.RecentProblems[0].Context["subscriber_id"] != "vol-1" {
		t.Fatalf("unexpected problem %#v", status.RecentProblems[0])
	}
}

func TestMethodNotAllowedCarriesCode(t *testing.T) {
	handler := restHandler((&RestHandler{}).handleHealth)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodDelete, "/healthz", nil))

	var body errorResponse
	if err := json.NewDecoder(recorder.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Code != "method_not_allowed" || body.Message != "method not allowed" {
		t.Fatalf("unexpected error body %#v", body)
	}
}
