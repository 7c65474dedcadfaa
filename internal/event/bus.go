// Package event provides a generic in-process publish/subscribe bus.
package event

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"metanotify/internal/logging"
	"metanotify/internal/metrics"
)

const defaultSubscriberBufferSize = 128
const defaultDropWarningThreshold = 0.01
const defaultDropWarningInterval = 30 * time.Second

type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// BlockOnFull makes Publish wait for room in a subscriber buffer instead
	// of dropping. With a WriteTimeout the stalled subscriber is removed.
	BlockOnFull             bool
	WriteTimeout            time.Duration
	MaxSubscribers          int
	SlowSubscriberThreshold time.Duration
	DropWarningThreshold    float64
	DropWarningInterval     time.Duration
	Registry                *metrics.Registry
	Logger                  *logging.Logger
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published   int64 `json:"published"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

type Bus[T any] struct {
	mu          sync.Mutex
	subscribers map[uint64]subscription[T]
	nextSubID   uint64
	closed      bool
	closeOnce   sync.Once
	options     BusOptions
	registry    *metrics.Registry
	logger      *logging.Logger
	published   atomic.Int64
	dropped     atomic.Int64
	lastWarning atomic.Int64
}

type typedEvent interface {
	Type() string
}

func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.DropWarningThreshold <= 0 {
		opts.DropWarningThreshold = defaultDropWarningThreshold
	}
	if opts.DropWarningInterval <= 0 {
		opts.DropWarningInterval = defaultDropWarningInterval
	}
	bus := &Bus[T]{
		subscribers: make(map[uint64]subscription[T]),
		options:     opts,
		registry:    opts.Registry,
	}
	if bus.registry == nil {
		bus.registry = metrics.Default
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	bus.logger = logger.With(map[string]string{"bus": bus.busName()})
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

// SubscribeFiltered registers a subscriber that only receives events for
// which filter returns true. The returned cancel func closes the channel.
func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan T, b.options.SubscriberBufferSize)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if b.options.MaxSubscribers > 0 && len(b.subscribers) >= b.options.MaxSubscribers {
		b.mu.Unlock()
		b.logger.Warn("subscriber limit reached", map[string]string{
			"limit": fmt.Sprint(b.options.MaxSubscribers),
		})
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = subscription[T]{id: id, ch: ch, filter: filter}
	count := len(b.subscribers)
	b.mu.Unlock()

	b.setSubscriberCount(count)

	cancel := func() {
		b.removeSubscriber(id)
	}

	return ch, cancel
}

func (b *Bus[T]) Publish(event T) {
	if b == nil {
		return
	}
	if isNil(event) {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subscribers := make([]subscription[T], 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.Unlock()

	eventType := b.eventType(event)
	b.incPublished(eventType)

	for _, sub := range subscribers {
		if !b.filterAllows(sub, event) {
			continue
		}
		b.sendToSubscriber(sub, event, eventType)
	}
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		subscribers := b.subscribers
		b.subscribers = make(map[uint64]subscription[T])
		b.mu.Unlock()

		for _, sub := range subscribers {
			close(sub.ch)
		}
		b.setSubscriberCount(0)
	})
}

func (b *Bus[T]) Stats() Stats {
	if b == nil {
		return Stats{}
	}
	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: b.SubscriberCount(),
	}
}

type subscription[T any] struct {
	id     uint64
	ch     chan T
	filter func(T) bool
}

func (b *Bus[T]) sendToSubscriber(sub subscription[T], event T, eventType string) {
	if b.options.BlockOnFull {
		b.blockingSend(sub, event, eventType)
		return
	}
	b.nonBlockingSend(sub, event, eventType)
}

func (b *Bus[T]) nonBlockingSend(sub subscription[T], event T, eventType string) {
	delivered := b.safeSend(sub, func() bool {
		select {
		case sub.ch <- event:
			return true
		default:
			return false
		}
	})
	if !delivered {
		b.incDropped(eventType)
	}
}

func (b *Bus[T]) blockingSend(sub subscription[T], event T, eventType string) {
	start := time.Now()
	delivered := b.safeSend(sub, func() bool {
		if b.options.WriteTimeout <= 0 {
			sub.ch <- event
			return true
		}
		timer := time.NewTimer(b.options.WriteTimeout)
		defer timer.Stop()
		select {
		case sub.ch <- event:
			return true
		case <-timer.C:
			return false
		}
	})
	elapsed := time.Since(start)

	if !delivered {
		b.incDropped(eventType)
		b.removeSubscriber(sub.id)
		b.logger.Warn("subscriber timed out", map[string]string{
			"blocked": elapsed.String(),
		})
		return
	}

	if b.options.SlowSubscriberThreshold > 0 && elapsed >= b.options.SlowSubscriberThreshold {
		b.logger.Warn("slow subscriber", map[string]string{
			"blocked": elapsed.String(),
		})
	}
}

// safeSend treats a send on a channel closed by a concurrent cancel as a
// failed delivery.
func (b *Bus[T]) safeSend(sub subscription[T], send func() bool) (delivered bool) {
	defer func() {
		if recover() != nil {
			b.removeSubscriber(sub.id)
			delivered = false
		}
	}()
	return send()
}

func (b *Bus[T]) removeSubscriber(id uint64) {
	if b == nil {
		return
	}
	var ch chan T
	var count int
	removed := false
	b.mu.Lock()
	if existing, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		ch = existing.ch
		removed = true
		count = len(b.subscribers)
	}
	b.mu.Unlock()

	if !removed {
		return
	}
	if ch != nil {
		close(ch)
	}
	b.setSubscriberCount(count)
}

func (b *Bus[T]) filterAllows(sub subscription[T], event T) (allowed bool) {
	if sub.filter == nil {
		return true
	}
	defer func() {
		if recover() != nil {
			b.logger.Error("subscriber filter panicked", nil)
			b.removeSubscriber(sub.id)
			allowed = false
		}
	}()
	return sub.filter(event)
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

func (b *Bus[T]) busName() string {
	if b.options.Name == "" {
		return "event_bus"
	}
	return b.options.Name
}

func (b *Bus[T]) eventType(event T) string {
	typed, ok := any(event).(typedEvent)
	if !ok {
		return "unknown"
	}
	value := typed.Type()
	if value == "" {
		return "unknown"
	}
	return value
}

func (b *Bus[T]) incPublished(eventType string) {
	b.published.Add(1)
	b.registry.IncEventPublished(b.busName(), eventType)
}

func (b *Bus[T]) incDropped(eventType string) {
	b.dropped.Add(1)
	b.registry.IncEventDropped(b.busName(), eventType)
	b.maybeWarnDropRate()
}

func (b *Bus[T]) setSubscriberCount(count int) {
	b.registry.SetEventSubscriberCounts(b.busName(), count)
}

func (b *Bus[T]) maybeWarnDropRate() {
	threshold := b.options.DropWarningThreshold
	if threshold <= 0 {
		return
	}
	published := b.published.Load()
	if published == 0 {
		return
	}
	dropped := b.dropped.Load()
	if dropped == 0 {
		return
	}
	rate := float64(dropped) / float64(published)
	if rate < threshold {
		return
	}
	now := time.Now()
	lastNanos := b.lastWarning.Load()
	if lastNanos > 0 {
		last := time.Unix(0, lastNanos)
		if now.Sub(last) < b.options.DropWarningInterval {
			return
		}
	}
	if !b.lastWarning.CompareAndSwap(lastNanos, now.UnixNano()) {
		return
	}
	b.logger.Warn("event drop rate high", map[string]string{
		"rate":      fmt.Sprintf("%.2f%%", rate*100),
		"dropped":   fmt.Sprint(dropped),
		"published": fmt.Sprint(published),
	})
}

func isNil[T any](value T) bool {
	kind := reflect.ValueOf(value)
	if !kind.IsValid() {
		return true
	}
	switch kind.Kind() {
	case reflect.Chan, reflect.Func, reflect.Map, reflect.Pointer, reflect.Interface, reflect.Slice:
		return kind.IsNil()
	default:
		return false
	}
}
