package api

import (
	"bytes"
	"net/http"
	"time"

	"metanotify/internal/broadcast"
	"metanotify/internal/event"
	"metanotify/internal/keylock"
	"metanotify/internal/logging"
	"metanotify/internal/metrics"
	"metanotify/internal/version"
	"metanotify/internal/watcher"
)

// WatcherStats is satisfied by *watcher.Watcher.
type WatcherStats interface {
	Metrics() watcher.Metrics
}

// BusStats is satisfied by *event.Bus.
type BusStats interface {
	Stats() event.Stats
}

type RestHandler struct {
	Subscribers *broadcast.Registry
	Locks       *keylock.Registry
	Watcher     WatcherStats
	Bus         BusStats
	Metrics     *metrics.Registry
	Logger      *logging.Logger
	StartedAt   time.Time
}

type statusResponse struct {
	Version        string             `json:"version"`
	GitCommit      string             `json:"git_commit,omitempty"`
	ServerTime     time.Time          `json:"server_time"`
	Uptime         string             `json:"uptime"`
	Subscribers    int                `json:"subscribers"`
	ActiveLocks    int                `json:"active_locks"`
	Watcher        *watcher.Metrics   `json:"watcher,omitempty"`
	Bus            *event.Stats       `json:"bus,omitempty"`
	RecentProblems []logging.LogEntry `json:"recent_problems,omitempty"`
}

const recentProblemLimit = 20

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	versionInfo := version.Get()
	now := time.Now().UTC()
	response := statusResponse{
		Version:    versionInfo.Version,
		GitCommit:  versionInfo.GitCommit,
		ServerTime: now,
	}
	if !h.StartedAt.IsZero() {
		response.Uptime = now.Sub(h.StartedAt).Round(time.Second).String()
	}
	if h.Subscribers != nil {
		response.Subscribers = h.Subscribers.Len()
	}
	if h.Locks != nil {
		response.ActiveLocks = h.Locks.Len()
	}
	if h.Watcher != nil {
		stats := h.Watcher.Metrics()
		response.Watcher = &stats
	}
	if h.Bus != nil {
		stats := h.Bus.Stats()
		response.Bus = &stats
	}
	if buffer := h.Logger.Buffer(); buffer != nil {
		response.RecentProblems = buffer.Recent(logging.LevelWarning, recentProblemLimit)
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	registry := h.Metrics
	if registry == nil {
		registry = metrics.Default
	}
	var body bytes.Buffer
	if err := registry.WritePrometheus(&body); err != nil {
		if h.Logger != nil {
			h.Logger.Error("write metrics failed", map[string]string{"error": err.Error()})
		}
		return &apiError{Status: http.StatusInternalServerError, Code: "metrics_unavailable", Message: "metrics unavailable"}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body.Bytes())
	return nil
}

func (h *RestHandler) handleHealth(w http.ResponseWriter, r *http.Request) *apiError {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
	return nil
}
