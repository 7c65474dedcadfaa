// Package change turns change events on named resources into payloads
// broadcast to subscribers, one resource key at a time.
package change

import (
	"encoding/json"
	"time"
)

// Kind identifies the change an Event describes.
type Kind string

const (
	KindDeleted Kind = "deleted"
	KindRenamed Kind = "renamed"
	KindWritten Kind = "written"
)

func (k Kind) Valid() bool {
	switch k {
	case KindDeleted, KindRenamed, KindWritten:
		return true
	default:
		return false
	}
}

// Event is a single change occurrence on a resource.
type Event struct {
	Kind Kind
	// Key names the resource; events sharing a key are mutually exclusive.
	Key string
	// Dirty marks a written event that changed content. Clean writes are
	// ignored.
	Dirty     bool
	Timestamp time.Time
}

func Deleted(key string) Event {
	return Event{Kind: KindDeleted, Key: key, Timestamp: time.Now().UTC()}
}

func Renamed(key string) Event {
	return Event{Kind: KindRenamed, Key: key, Timestamp: time.Now().UTC()}
}

func Written(key string, dirty bool) Event {
	return Event{Kind: KindWritten, Key: key, Dirty: dirty, Timestamp: time.Now().UTC()}
}

// Type satisfies the event bus type label.
func (e Event) Type() string {
	return string(e.Kind)
}

// Encoder renders an event as a wire payload.
type Encoder func(Event) ([]byte, error)

type wirePayload struct {
	Type      string    `json:"type"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
}

// EncodeJSON is the default Encoder.
func EncodeJSON(event Event) ([]byte, error) {
	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}
	return json.Marshal(wirePayload{
		Type:      string(event.Kind),
		Path:      event.Key,
		Timestamp: timestamp,
	})
}
