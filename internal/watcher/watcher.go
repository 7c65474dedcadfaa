package watcher

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"metanotify/internal/change"
	"metanotify/internal/logging"

	"github.com/fsnotify/fsnotify"
)

const (
	defaultDebounce    = 100 * time.Millisecond
	defaultMaxWatches  = 1024
	maxRestartAttempts = 3
	restartBaseDelay   = 200 * time.Millisecond
	restartMaxDelay    = 5 * time.Second
)

var ErrMaxWatchesExceeded = errors.New("max watches exceeded")

// New starts watching options.Root. With Recursive set every directory below
// the root is watched too, and directories created later are picked up.
func New(options Options) (*Watcher, error) {
	if options.Root == "" {
		return nil, errors.New("watch root is required")
	}
	root, err := filepath.Abs(options.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat watch root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch root %s is not a directory", root)
	}

	source, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	debounce := options.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	maxWatches := options.MaxWatches
	if maxWatches <= 0 {
		maxWatches = defaultMaxWatches
	}

	publish := options.Publish
	if publish == nil {
		publish = func(change.Event) {}
	}

	instance := &Watcher{
		watcher:        source,
		root:           root,
		recursive:      options.Recursive,
		maxWatches:     maxWatches,
		watches:        make(map[string]struct{}),
		debouncer:      newDebouncer(debounce),
		publish:        publish,
		events:         make(chan fsnotify.Event, 16),
		errors:         make(chan error, 4),
		done:           make(chan struct{}),
		logger:         logger.With(map[string]string{"component": "watcher"}),
		errorHandler:   options.ErrorHandler,
		restartBackOff: newRestartBackOff(),
	}

	if err := instance.addTree(root); err != nil {
		_ = source.Close()
		return nil, err
	}

	instance.startForwarder(source)
	go instance.run()
	return instance, nil
}

// Root returns the absolute directory being watched.
func (watcher *Watcher) Root() string {
	if watcher == nil {
		return ""
	}
	return watcher.root
}

// Close shuts down the watcher and stops event processing. Pending debounced
// events are discarded.
func (watcher *Watcher) Close() error {
	if watcher == nil {
		return nil
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	watcher.closed = true
	if watcher.debouncer != nil {
		watcher.debouncer.stop()
		watcher.debouncer = nil
	}
	source := watcher.watcher
	watcher.mutex.Unlock()

	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartTimer.Stop()
		watcher.restartTimer = nil
	}
	watcher.restartMutex.Unlock()

	close(watcher.done)
	if source == nil {
		return nil
	}
	return source.Close()
}

func (watcher *Watcher) run() {
	for {
		select {
		case event := <-watcher.events:
			watcher.handleEvent(event)
		case err := <-watcher.errors:
			watcher.handleError(err)
		case <-watcher.done:
			return
		}
	}
}

func (watcher *Watcher) startForwarder(source *fsnotify.Watcher) {
	if source == nil {
		return
	}

	go func() {
		for {
			select {
			case event, ok := <-source.Events:
				if !ok {
					return
				}
				select {
				case watcher.events <- event:
				case <-watcher.done:
					return
				}
			case err, ok := <-source.Errors:
				if !ok {
					return
				}
				select {
				case watcher.errors <- err:
				case <-watcher.done:
					return
				}
			case <-watcher.done:
				return
			}
		}
	}()
}

func (watcher *Watcher) logWarn(message string, fields map[string]string) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Warn(message, fields)
}

func (watcher *Watcher) logDebug(message, path string, activeCount int) {
	if watcher == nil || watcher.logger == nil {
		return
	}
	watcher.logger.Debug(message, map[string]string{
		"path":           path,
		"active_watches": strconv.Itoa(activeCount),
	})
}

// Metrics reports current watcher stats.
func (watcher *Watcher) Metrics() Metrics {
	if watcher == nil {
		return Metrics{}
	}
	watcher.mutex.Lock()
	active := len(watcher.watches)
	watcher.mutex.Unlock()
	watcher.restartMutex.Lock()
	restartAttempts := watcher.restartAttempts
	watcher.restartMutex.Unlock()
	return Metrics{
		ActiveWatches:   active,
		EventsDelivered: atomic.LoadUint64(&watcher.eventsDelivered),
		EventsDropped:   atomic.LoadUint64(&watcher.eventsDropped),
		Errors:          atomic.LoadUint64(&watcher.errorCount),
		RestartAttempts: restartAttempts,
	}
}
