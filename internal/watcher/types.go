package watcher

import (
	"sync"
	"time"

	"metanotify/internal/change"
	"metanotify/internal/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

// Options controls watcher behavior.
type Options struct {
	Root       string
	Recursive  bool
	MaxWatches int
	Debounce   time.Duration
	// Publish receives every change after debouncing. It must not block for
	// long; the usual target is an event bus.
	Publish func(change.Event)
	// ErrorHandler is called once restart attempts are exhausted.
	ErrorHandler func(error)
	Logger       *logging.Logger
}

// Metrics reports watcher counters.
type Metrics struct {
	ActiveWatches   int    `json:"active_watches"`
	EventsDelivered uint64 `json:"events_delivered"`
	EventsDropped   uint64 `json:"events_dropped"`
	Errors          uint64 `json:"errors"`
	RestartAttempts int    `json:"restart_attempts"`
}

// Watcher is the concrete fsnotify-backed implementation.
type Watcher struct {
	watcher    *fsnotify.Watcher
	mutex      sync.Mutex
	root       string
	recursive  bool
	maxWatches int
	watches    map[string]struct{}
	debouncer  *debouncer
	publish    func(change.Event)
	events     chan fsnotify.Event
	errors     chan error
	done       chan struct{}
	closed     bool
	logger     *logging.Logger

	errorHandler    func(error)
	eventsDelivered uint64
	eventsDropped   uint64
	errorCount      uint64

	restartMutex    sync.Mutex
	restartTimer    *time.Timer
	restartAttempts int
	restartBackOff  backoff.BackOff
}
