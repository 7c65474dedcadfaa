package change

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type recordingHandler struct {
	mu       sync.Mutex
	calls    []Kind
	active   atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
	panicKey string
}

func (h *recordingHandler) record(event Event) error {
	active := h.active.Add(1)
	defer h.active.Add(-1)
	for {
		peak := h.peak.Load()
		if active <= peak || h.peak.CompareAndSwap(peak, active) {
			break
		}
	}
	if event.Key == h.panicKey {
		panic("handler failure")
	}
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	h.calls = append(h.calls, event.Kind)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) Deleted(_ context.Context, event Event) error { return h.record(event) }
func (h *recordingHandler) Renamed(_ context.Context, event Event) error { return h.record(event) }
func (h *recordingHandler) Written(_ context.Context, event Event) error { return h.record(event) }

func (h *recordingHandler) Calls() []Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Kind(nil), h.calls...)
}

func TestDispatchRoutesByKind(t *testing.T) {
	handler := &recordingHandler{}
	for _, event := range []Event{Deleted("/a"), Renamed("/b"), Written("/c", true)} {
		if err := Dispatch(context.Background(), handler, event); err != nil {
			t.Fatalf("dispatch %s: %v", event.Kind, err)
		}
	}
	calls := handler.Calls()
	want := []Kind{KindDeleted, KindRenamed, KindWritten}
	if len(calls) != len(want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, calls)
		}
	}
}

func TestDispatchRejectsUnknownKind(t *testing.T) {
	err := Dispatch(context.Background(), &recordingHandler{}, Event{Kind: "moved", Key: "/a"})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if Kind("moved").Valid() {
		t.Fatalf("expected unknown kind to be invalid")
	}
}

func TestDispatcherRunsEventsConcurrently(t *testing.T) {
	handler := &recordingHandler{delay: 40 * time.Millisecond}
	dispatcher := NewDispatcher(DispatcherOptions{Handler: handler, MaxConcurrent: 4})

	events := make(chan Event, 4)
	for _, key := range []string{"/a", "/b", "/c", "/d"} {
		events <- Deleted(key)
	}
	close(events)

	if err := dispatcher.Run(context.Background(), events); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(handler.Calls()); got != 4 {
		t.Fatalf("expected 4 handled events, got %d", got)
	}
	if handler.peak.Load() < 2 {
		t.Fatalf("expected concurrent handling, peak was %d", handler.peak.Load())
	}
}

func TestDispatcherRespectsConcurrencyLimit(t *testing.T) {
	handler := &recordingHandler{delay: 10 * time.Millisecond}
	dispatcher := NewDispatcher(DispatcherOptions{Handler: handler, MaxConcurrent: 1})

	events := make(chan Event, 3)
	for _, key := range []string{"/a", "/b", "/c"} {
		events <- Renamed(key)
	}
	close(events)

	if err := dispatcher.Run(context.Background(), events); err != nil {
		t.Fatalf("run: %v", err)
	}
	if handler.peak.Load() != 1 {
		t.Fatalf("expected at most one handler in flight, peak was %d", handler.peak.Load())
	}
}

func TestDispatcherStopsOnContextCancel(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherOptions{Handler: &recordingHandler{}})
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)

	done := make(chan error, 1)
	go func() {
		done <- dispatcher.Run(ctx, events)
	}()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
}

type gatedHandler struct {
	started chan struct{}
	gate    chan struct{}
	handled atomic.Int32
}

func (h *gatedHandler) wait() error {
	h.started <- struct{}{}
	<-h.gate
	h.handled.Add(1)
	return nil
}

func (h *gatedHandler) Deleted(context.Context, Event) error { return h.wait() }
func (h *gatedHandler) Renamed(context.Context, Event) error { return h.wait() }
func (h *gatedHandler) Written(context.Context, Event) error { return h.wait() }

func TestDispatcherStopsWhileSlotsAreBusy(t *testing.T) {
	handler := &gatedHandler{started: make(chan struct{}, 2), gate: make(chan struct{})}
	dispatcher := NewDispatcher(DispatcherOptions{Handler: handler, MaxConcurrent: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event)

	done := make(chan error, 1)
	go func() {
		done <- dispatcher.Run(ctx, events)
	}()

	events <- Deleted("/a")
	select {
	case <-handler.started:
	case <-time.After(time.Second):
		t.Fatal("first handler never started")
	}
	events <- Deleted("/b")
	cancel()
	close(handler.gate)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancel")
	}
	if got := handler.handled.Load(); got != 1 {
		t.Fatalf("expected only the in-flight event to be handled, got %d", got)
	}
}

func TestDispatcherSurvivesHandlerPanic(t *testing.T) {
	handler := &recordingHandler{panicKey: "/boom"}
	dispatcher := NewDispatcher(DispatcherOptions{Handler: handler})

	events := make(chan Event, 2)
	events <- Deleted("/boom")
	events <- Deleted("/fine")
	close(events)

	if err := dispatcher.Run(context.Background(), events); err != nil {
		t.Fatalf("run: %v", err)
	}
	calls := handler.Calls()
	if len(calls) != 1 || calls[0] != KindDeleted {
		t.Fatalf("expected the healthy event to be handled, got %v", calls)
	}
}

func TestDispatcherRequiresHandler(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherOptions{})
	if err := dispatcher.Run(context.Background(), make(chan Event)); err == nil {
		t.Fatalf("expected error without handler")
	}
}
