package api

import (
	"net/http"
	"strings"
	"time"

	"metanotify/internal/logging"
	"metanotify/internal/metrics"
	"metanotify/internal/session"

	"golang.org/x/time/rate"
)

const defaultPingInterval = 30 * time.Second

// MetadataHandler upgrades subscribers to a websocket and keeps them joined
// until the connection ends. Query parameters: password (credential) and
// volumeid (subscriber identity).
type MetadataHandler struct {
	Sessions       *session.Manager
	Logger         *logging.Logger
	Metrics        *metrics.Registry
	AllowedOrigins []string
	WriteTimeout   time.Duration
	// PingInterval between keepalive pings. Negative disables them.
	PingInterval time.Duration
	// Limiter bounds the connection rate; nil means unlimited.
	Limiter *rate.Limiter
}

func (h *MetadataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Limiter != nil && !h.Limiter.Allow() {
		h.Metrics.IncConnection(metrics.OutcomeLimited)
		refuseConnection(w, r, h.Logger, http.StatusTooManyRequests, "too many connection attempts")
		return
	}
	if h.Sessions == nil {
		refuseConnection(w, r, h.Logger, http.StatusServiceUnavailable, "subscriptions unavailable")
		return
	}

	conn, err := upgradeWebSocket(w, r, h.AllowedOrigins)
	if err != nil {
		logConnectionFailure(h.Logger, r, "websocket upgrade failed", http.StatusBadRequest, err)
		return
	}

	channel := newWSChannel(conn, h.WriteTimeout)
	subscriber := h.Sessions.Open(channel)
	if err := subscriber.Handle(session.Opened{Params: connectionParams(r)}); err != nil {
		logConnectionFailure(h.Logger, r, "subscriber rejected", http.StatusUnauthorized, err)
		return
	}
	defer func() {
		_ = subscriber.Handle(session.Closed{})
		_ = channel.Close()
	}()

	if h.Logger != nil {
		h.Logger.Info("subscriber connected", map[string]string{
			"subscriber_id": subscriber.ID(),
			"remote_addr":   r.RemoteAddr,
		})
	}

	stopPing := h.startPing(channel, subscriber)
	defer stopPing()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *MetadataHandler) startPing(channel *wsChannel, subscriber *session.Session) func() {
	interval := h.PingInterval
	if interval == 0 {
		interval = defaultPingInterval
	}
	if interval < 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := channel.Ping(); err != nil {
					_ = subscriber.Handle(session.SendFailed{Err: err})
					return
				}
			case <-channel.Done():
				return
			case <-stop:
				return
			}
		}
	}()
	return func() {
		close(stop)
	}
}

func connectionParams(r *http.Request) session.Params {
	query := r.URL.Query()
	params := session.Params{
		Identity: strings.TrimSpace(query.Get("volumeid")),
	}
	if values, ok := query["password"]; ok && len(values) > 0 {
		params.Credential = values[0]
		params.HasCredential = true
	}
	return params
}
