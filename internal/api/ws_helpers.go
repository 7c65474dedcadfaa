package api

import (
	"net/http"
	"strconv"
	"time"

	"metanotify/internal/logging"

	"github.com/gorilla/websocket"
)

const wsBufferSize = 1024
const wsWriteTimeout = 10 * time.Second

func upgradeWebSocket(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	return upgrader.Upgrade(w, r, nil)
}

// refuseConnection answers a subscription request with a plain HTTP error
// before any upgrade has happened.
func refuseConnection(w http.ResponseWriter, r *http.Request, logger *logging.Logger, status int, reason string) {
	logConnectionFailure(logger, r, reason, status, nil)
	http.Error(w, reason, status)
}

func logConnectionFailure(logger *logging.Logger, r *http.Request, message string, status int, err error) {
	fields := map[string]string{
		"path":        r.URL.Path,
		"remote_addr": r.RemoteAddr,
		"status":      strconv.Itoa(status),
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	logger.Warn(message, fields)
}
