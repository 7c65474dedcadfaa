package watcher

import (
	"metanotify/internal/change"
	"metanotify/internal/event"
)

// PublishTo returns an Options.Publish func that forwards changes onto bus.
func PublishTo(bus *event.Bus[change.Event]) func(change.Event) {
	return func(changeEvent change.Event) {
		bus.Publish(changeEvent)
	}
}
