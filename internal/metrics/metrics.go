package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeTimeout  = "timeout"
	OutcomeSkipped  = "skipped"
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeLimited  = "limited"
)

type Registry struct {
	deliveries       atomic.Int64
	deliveryFailures atomic.Int64
	evictions        atomic.Int64
	lockWaitCount    atomic.Int64
	lockWaitNanos    atomic.Int64
	lockTimeouts     atomic.Int64
	events           sync.Map
	connections      sync.Map
	busPublished     sync.Map
	busDropped       sync.Map
	busSubscribers   sync.Map

	gaugeMu sync.Mutex
	gauges  []gauge
}

type gauge struct {
	name  string
	help  string
	value func() int64
}

type counter struct {
	value atomic.Int64
}

var Default = &Registry{}

// IncEventHandled counts a change event by kind and outcome.
func (r *Registry) IncEventHandled(kind, outcome string) {
	if r == nil {
		return
	}
	r.counter(&r.events, labelKey(orUnknown(kind), orUnknown(outcome))).value.Add(1)
}

func (r *Registry) IncDelivered() {
	if r == nil {
		return
	}
	r.deliveries.Add(1)
}

func (r *Registry) IncDeliveryFailed() {
	if r == nil {
		return
	}
	r.deliveryFailures.Add(1)
}

func (r *Registry) IncEvicted() {
	if r == nil {
		return
	}
	r.evictions.Add(1)
}

func (r *Registry) IncConnection(outcome string) {
	if r == nil {
		return
	}
	r.counter(&r.connections, orUnknown(outcome)).value.Add(1)
}

// RecordLockWait records how long a caller waited for a resource key.
func (r *Registry) RecordLockWait(duration time.Duration, timedOut bool) {
	if r == nil {
		return
	}
	r.lockWaitCount.Add(1)
	r.lockWaitNanos.Add(duration.Nanoseconds())
	if timedOut {
		r.lockTimeouts.Add(1)
	}
}

func (r *Registry) IncEventPublished(bus, eventType string) {
	if r == nil {
		return
	}
	r.counter(&r.busPublished, labelKey(orUnknown(bus), orUnknown(eventType))).value.Add(1)
}

func (r *Registry) IncEventDropped(bus, eventType string) {
	if r == nil {
		return
	}
	r.counter(&r.busDropped, labelKey(orUnknown(bus), orUnknown(eventType))).value.Add(1)
}

func (r *Registry) SetEventSubscriberCounts(bus string, count int) {
	if r == nil {
		return
	}
	r.counter(&r.busSubscribers, orUnknown(bus)).value.Store(int64(count))
}

// RegisterGauge exposes a value sampled at scrape time.
func (r *Registry) RegisterGauge(name, help string, value func() int64) {
	if r == nil || value == nil || strings.TrimSpace(name) == "" {
		return
	}
	r.gaugeMu.Lock()
	defer r.gaugeMu.Unlock()
	for index, existing := range r.gauges {
		if existing.name == name {
			r.gauges[index] = gauge{name: name, help: help, value: value}
			return
		}
	}
	r.gauges = append(r.gauges, gauge{name: name, help: help, value: value})
}

func (r *Registry) Deliveries() int64 {
	if r == nil {
		return 0
	}
	return r.deliveries.Load()
}

func (r *Registry) Evictions() int64 {
	if r == nil {
		return 0
	}
	return r.evictions.Load()
}

// EventsHandled returns the count recorded for a kind and outcome pair.
func (r *Registry) EventsHandled(kind, outcome string) int64 {
	if r == nil {
		return 0
	}
	value, ok := r.events.Load(labelKey(kind, outcome))
	if !ok {
		return 0
	}
	return value.(*counter).value.Load()
}

func (r *Registry) Connections(outcome string) int64 {
	if r == nil {
		return 0
	}
	value, ok := r.connections.Load(outcome)
	if !ok {
		return 0
	}
	return value.(*counter).value.Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "metanotify_deliveries_total", "Frames delivered to subscribers", r.deliveries.Load())
	writeCounter(writer, "metanotify_delivery_failures_total", "Frames that failed to send", r.deliveryFailures.Load())
	writeCounter(writer, "metanotify_evictions_total", "Subscribers evicted after a failed send", r.evictions.Load())

	writeHelp(writer, "metanotify_lock_wait_seconds", "Time spent waiting for a resource key")
	fmt.Fprintln(writer, "# TYPE metanotify_lock_wait_seconds summary")
	fmt.Fprintf(writer, "metanotify_lock_wait_seconds_sum %.6f\n", float64(r.lockWaitNanos.Load())/float64(time.Second))
	fmt.Fprintf(writer, "metanotify_lock_wait_seconds_count %d\n", r.lockWaitCount.Load())
	writeCounter(writer, "metanotify_lock_timeouts_total", "Resource key waits that timed out", r.lockTimeouts.Load())

	writeHelp(writer, "metanotify_events_total", "Change events handled")
	fmt.Fprintln(writer, "# TYPE metanotify_events_total counter")
	for _, key := range sortedKeys(&r.events) {
		kind, outcome := splitLabelKey(key)
		fmt.Fprintf(writer, "metanotify_events_total{kind=%s,outcome=%s} %d\n", formatLabel(kind), formatLabel(outcome), r.load(&r.events, key))
	}

	writeHelp(writer, "metanotify_connections_total", "Websocket connections by outcome")
	fmt.Fprintln(writer, "# TYPE metanotify_connections_total counter")
	for _, key := range sortedKeys(&r.connections) {
		fmt.Fprintf(writer, "metanotify_connections_total{outcome=%s} %d\n", formatLabel(key), r.load(&r.connections, key))
	}

	writeHelp(writer, "metanotify_bus_published_total", "Events published on a bus")
	fmt.Fprintln(writer, "# TYPE metanotify_bus_published_total counter")
	for _, key := range sortedKeys(&r.busPublished) {
		bus, eventType := splitLabelKey(key)
		fmt.Fprintf(writer, "metanotify_bus_published_total{bus=%s,type=%s} %d\n", formatLabel(bus), formatLabel(eventType), r.load(&r.busPublished, key))
	}

	writeHelp(writer, "metanotify_bus_dropped_total", "Events dropped on a bus")
	fmt.Fprintln(writer, "# TYPE metanotify_bus_dropped_total counter")
	for _, key := range sortedKeys(&r.busDropped) {
		bus, eventType := splitLabelKey(key)
		fmt.Fprintf(writer, "metanotify_bus_dropped_total{bus=%s,type=%s} %d\n", formatLabel(bus), formatLabel(eventType), r.load(&r.busDropped, key))
	}

	writeHelp(writer, "metanotify_bus_subscribers", "Current bus subscribers")
	fmt.Fprintln(writer, "# TYPE metanotify_bus_subscribers gauge")
	for _, key := range sortedKeys(&r.busSubscribers) {
		fmt.Fprintf(writer, "metanotify_bus_subscribers{bus=%s} %d\n", formatLabel(key), r.load(&r.busSubscribers, key))
	}

	r.gaugeMu.Lock()
	gauges := append([]gauge(nil), r.gauges...)
	r.gaugeMu.Unlock()
	sort.Slice(gauges, func(i, j int) bool { return gauges[i].name < gauges[j].name })
	for _, g := range gauges {
		writeHelp(writer, g.name, g.help)
		fmt.Fprintf(writer, "# TYPE %s gauge\n", g.name)
		fmt.Fprintf(writer, "%s %d\n", g.name, g.value())
	}

	return nil
}

func (r *Registry) counter(store *sync.Map, key string) *counter {
	value, _ := store.LoadOrStore(key, &counter{})
	return value.(*counter)
}

func (r *Registry) load(store *sync.Map, key string) int64 {
	value, ok := store.Load(key)
	if !ok {
		return 0
	}
	return value.(*counter).value.Load()
}

func sortedKeys(store *sync.Map) []string {
	var keys []string
	store.Range(func(key, value interface{}) bool {
		if name, ok := key.(string); ok {
			keys = append(keys, name)
		}
		return true
	})
	sort.Strings(keys)
	return keys
}

const labelSeparator = "\x00"

func labelKey(first, second string) string {
	return first + labelSeparator + second
}

func splitLabelKey(key string) (string, string) {
	first, second, _ := strings.Cut(key, labelSeparator)
	return first, second
}

func orUnknown(value string) string {
	if strings.TrimSpace(value) == "" {
		return "unknown"
	}
	return value
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
