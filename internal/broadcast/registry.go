// Package broadcast fans change payloads out to joined subscribers.
package broadcast

import (
	"sort"
	"sync"
)

// Channel is a subscriber's send-capable connection.
type Channel interface {
	Send(payload []byte) error
	Close() error
}

// Subscriber pairs an identity with the channel it joined on.
type Subscriber struct {
	ID      string
	Channel Channel
}

type member struct {
	channel Channel
	seq     uint64
}

// Registry tracks joined subscribers. It is safe for concurrent use and hands
// out snapshots, so iteration never observes a torn view.
type Registry struct {
	mutex   sync.RWMutex
	members map[string]member
	nextSeq uint64
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[string]member)}
}

// Join maps id to channel. A second join for the same id replaces the first
// and returns the superseded channel; repeating an identical join is a no-op.
func (r *Registry) Join(id string, channel Channel) Channel {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if r.members == nil {
		r.members = make(map[string]member)
	}
	existing, ok := r.members[id]
	if ok && existing.channel == channel {
		return nil
	}
	r.nextSeq++
	r.members[id] = member{channel: channel, seq: r.nextSeq}
	if ok {
		return existing.channel
	}
	return nil
}

// Leave removes id. A non-nil channel must match the current mapping, so a
// connection that was replaced by a newer join cannot remove its successor.
// It reports whether anything was removed.
func (r *Registry) Leave(id string, channel Channel) bool {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	existing, ok := r.members[id]
	if !ok {
		return false
	}
	if channel != nil && existing.channel != channel {
		return false
	}
	delete(r.members, id)
	return true
}

func (r *Registry) Lookup(id string) (Channel, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	existing, ok := r.members[id]
	return existing.channel, ok
}

func (r *Registry) Len() int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.members)
}

// Snapshot returns the joined subscribers in join order.
func (r *Registry) Snapshot() []Subscriber {
	r.mutex.RLock()
	type ordered struct {
		Subscriber
		seq uint64
	}
	items := make([]ordered, 0, len(r.members))
	for id, existing := range r.members {
		items = append(items, ordered{Subscriber: Subscriber{ID: id, Channel: existing.channel}, seq: existing.seq})
	}
	r.mutex.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	subscribers := make([]Subscriber, len(items))
	for index, item := range items {
		subscribers[index] = item.Subscriber
	}
	return subscribers
}
