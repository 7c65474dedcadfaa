package watcher

import (
	"errors"
	"os"
	"sync/atomic"
	"time"

	"metanotify/internal/change"

	"github.com/fsnotify/fsnotify"
)

type debounceEntry struct {
	timer *time.Timer
	event change.Event
}

type debouncer struct {
	duration time.Duration
	entries  map[string]debounceEntry
}

func newDebouncer(duration time.Duration) *debouncer {
	return &debouncer{
		duration: duration,
		entries:  make(map[string]debounceEntry),
	}
}

// schedule stores event for key and (re)arms its timer. It reports whether a
// pending event was coalesced.
func (debouncer *debouncer) schedule(key string, event change.Event, flush func(string)) bool {
	if debouncer == nil {
		return false
	}
	entry := debouncer.entries[key]
	coalesced := entry.timer != nil
	if coalesced {
		entry.event = coalesce(entry.event, event)
	} else {
		entry.event = event
	}
	if entry.timer == nil {
		entry.timer = time.AfterFunc(debouncer.duration, func() {
			flush(key)
		})
	} else {
		entry.timer.Reset(debouncer.duration)
	}
	debouncer.entries[key] = entry
	return coalesced
}

// coalesce keeps the latest event, except that a clean write never hides a
// pending dirty one.
func coalesce(pending, next change.Event) change.Event {
	if pending.Kind == change.KindWritten && pending.Dirty &&
		next.Kind == change.KindWritten && !next.Dirty {
		pending.Timestamp = next.Timestamp
		return pending
	}
	return next
}

func (debouncer *debouncer) pop(key string) (change.Event, bool) {
	if debouncer == nil {
		return change.Event{}, false
	}
	entry, ok := debouncer.entries[key]
	if !ok {
		return change.Event{}, false
	}
	delete(debouncer.entries, key)
	return entry.event, true
}

func (debouncer *debouncer) stop() {
	if debouncer == nil {
		return
	}
	for _, entry := range debouncer.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	debouncer.entries = nil
}

func (watcher *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		watcher.handleCreate(event.Name)
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		watcher.forgetTree(event.Name)
	}

	kind, dirty, ok := translate(event.Op)
	if !ok {
		return
	}
	key, ok := resourceKey(watcher.root, event.Name)
	if !ok {
		return
	}
	entry := change.Event{
		Kind:      kind,
		Key:       key,
		Dirty:     dirty,
		Timestamp: time.Now().UTC(),
	}

	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	if watcher.closed || watcher.debouncer == nil {
		return
	}
	if watcher.debouncer.schedule(key, entry, watcher.flush) {
		atomic.AddUint64(&watcher.eventsDropped, 1)
	}
}

func (watcher *Watcher) handleCreate(path string) {
	if !watcher.recursive {
		return
	}
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}
	if err := watcher.addTree(path); err != nil {
		fields := map[string]string{
			"path":  path,
			"error": err.Error(),
		}
		if errors.Is(err, ErrMaxWatchesExceeded) {
			watcher.logWarn("watch limit reached", fields)
			return
		}
		watcher.logWarn("watch new directory failed", fields)
	}
}

func (watcher *Watcher) flush(key string) {
	watcher.mutex.Lock()
	if watcher.closed || watcher.debouncer == nil {
		watcher.mutex.Unlock()
		return
	}
	event, ok := watcher.debouncer.pop(key)
	watcher.mutex.Unlock()
	if !ok {
		return
	}

	atomic.AddUint64(&watcher.eventsDelivered, 1)
	watcher.publish(event)
}
