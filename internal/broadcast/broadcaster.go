package broadcast

import (
	"metanotify/internal/logging"
	"metanotify/internal/metrics"
)

// Result summarizes one Distribute call.
type Result struct {
	Delivered int
	Evicted   int
}

type Options struct {
	Logger  *logging.Logger
	Metrics *metrics.Registry
}

// Broadcaster pushes payloads to every subscriber in a Registry and evicts
// subscribers whose send fails.
type Broadcaster struct {
	registry *Registry
	logger   *logging.Logger
	metrics  *metrics.Registry
}

func NewBroadcaster(registry *Registry, options Options) *Broadcaster {
	if registry == nil {
		registry = NewRegistry()
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger.With(map[string]string{"component": "broadcast"}),
		metrics:  options.Metrics,
	}
}

func (b *Broadcaster) Registry() *Registry {
	return b.registry
}

// Distribute sends payload to a snapshot of the joined subscribers. A failed
// send evicts that subscriber and closes its channel; the remaining
// subscribers still receive the payload.
func (b *Broadcaster) Distribute(payload []byte) Result {
	var result Result
	for _, subscriber := range b.registry.Snapshot() {
		if subscriber.Channel == nil {
			b.registry.Leave(subscriber.ID, nil)
			continue
		}
		if err := subscriber.Channel.Send(payload); err != nil {
			b.metrics.IncDeliveryFailed()
			b.logger.Error("unable to send message", map[string]string{
				"subscriber_id": subscriber.ID,
				"error":         err.Error(),
			})
			b.evict(subscriber)
			result.Evicted++
			continue
		}
		result.Delivered++
		b.metrics.IncDelivered()
		if b.logger.Enabled(logging.LevelDebug) {
			b.logger.Debug("sent message", map[string]string{
				"subscriber_id": subscriber.ID,
				"payload":       string(payload),
			})
		}
	}
	return result
}

func (b *Broadcaster) evict(subscriber Subscriber) {
	if b.registry.Leave(subscriber.ID, subscriber.Channel) {
		b.metrics.IncEvicted()
	}
	if err := subscriber.Channel.Close(); err != nil {
		b.logger.Warn("unable to close subscriber channel", map[string]string{
			"subscriber_id": subscriber.ID,
			"error":         err.Error(),
		})
	}
}
