package api

import (
	"net/http"

	"metanotify/internal/logging"
)

// RegisterRoutes mounts the subscriber websocket and the operational
// endpoints on mux.
func RegisterRoutes(mux *http.ServeMux, metadata *MetadataHandler, rest *RestHandler, logger *logging.Logger) {
	if metadata != nil {
		mux.Handle("/ws/metadata", securityHeadersMiddleware(cacheControlNoStore, loggingMiddleware(logger, metadata)))
	}
	if rest == nil {
		rest = &RestHandler{}
	}
	mux.Handle("/api/status", loggingMiddleware(logger, restHandler(rest.handleStatus)))
	mux.Handle("/metrics", restHandler(rest.handleMetrics))
	mux.Handle("/healthz", restHandler(rest.handleHealth))
}
