package change

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"metanotify/internal/broadcast"
	"metanotify/internal/keylock"
	"metanotify/internal/metrics"
)

type recordingDistributor struct {
	mu       sync.Mutex
	payloads [][]byte
	active   atomic.Int32
	overlaps atomic.Int32
	delay    time.Duration
}

func (d *recordingDistributor) Distribute(payload []byte) broadcast.Result {
	if d.active.Add(1) > 1 {
		d.overlaps.Add(1)
	}
	defer d.active.Add(-1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	d.mu.Lock()
	d.payloads = append(d.payloads, payload)
	d.mu.Unlock()
	return broadcast.Result{Delivered: 1}
}

func (d *recordingDistributor) Payloads() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.payloads...)
}

func TestConcurrentDirtyWritesOnSameKeyAreSerialized(t *testing.T) {
	distributor := &recordingDistributor{delay: 20 * time.Millisecond}
	locks := keylock.New()
	serializer := NewSerializer(SerializerOptions{Locks: locks, Distributor: distributor})

	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	events := []Event{
		{Kind: KindWritten, Key: "/a", Dirty: true, Timestamp: base},
		{Kind: KindWritten, Key: "/a", Dirty: true, Timestamp: base.Add(time.Second)},
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(events))
	for _, event := range events {
		wg.Add(1)
		go func(event Event) {
			defer wg.Done()
			errs <- serializer.Handle(context.Background(), event)
		}(event)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if distributor.overlaps.Load() != 0 {
		t.Fatalf("expected serialized distributes, got %d overlaps", distributor.overlaps.Load())
	}
	payloads := distributor.Payloads()
	if len(payloads) != 2 {
		t.Fatalf("expected 2 distributes, got %d", len(payloads))
	}
	seen := map[time.Time]bool{}
	for _, payload := range payloads {
		var decoded wirePayload
		if err := json.Unmarshal(payload, &decoded); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if decoded.Type != "written" || decoded.Path != "/a" {
			t.Fatalf("unexpected payload %s", payload)
		}
		seen[decoded.Timestamp] = true
	}
	if !seen[events[0].Timestamp] || !seen[events[1].Timestamp] {
		t.Fatalf("expected both distinct payloads, got %v", seen)
	}
	if locks.Len() != 0 {
		t.Fatalf("expected no leaked lock entries, got %d", locks.Len())
	}
}

func TestDifferentKeysDistributeInParallel(t *testing.T) {
	distributor := &recordingDistributor{delay: 50 * time.Millisecond}
	serializer := NewSerializer(SerializerOptions{Distributor: distributor})

	var wg sync.WaitGroup
	for _, key := range []string{"/a", "/b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_ = serializer.Handle(context.Background(), Deleted(key))
		}(key)
	}
	wg.Wait()

	if distributor.overlaps.Load() == 0 {
		t.Fatalf("expected distributes for different keys to overlap")
	}
}

func TestCleanWriteIsDiscarded(t *testing.T) {
	distributor := &recordingDistributor{}
	locks := keylock.New()
	counters := &metrics.Registry{}
	serializer := NewSerializer(SerializerOptions{Locks: locks, Distributor: distributor, Metrics: counters})

	holder := locks.Acquire("/a")
	holder.Lock()
	defer holder.Release()

	done := make(chan error, 1)
	go func() {
		done <- serializer.Handle(context.Background(), Written("/a", false))
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("clean write waited for the resource key")
	}
	if len(distributor.Payloads()) != 0 {
		t.Fatalf("expected no distribute for a clean write")
	}
	if counters.EventsHandled("written", metrics.OutcomeSkipped) != 1 {
		t.Fatalf("expected skipped write to be counted")
	}
}

func TestEncodeFailureReleasesKey(t *testing.T) {
	distributor := &recordingDistributor{}
	locks := keylock.New()
	boom := errors.New("cannot render")
	serializer := NewSerializer(SerializerOptions{
		Locks:       locks,
		Distributor: distributor,
		Encoder: func(Event) ([]byte, error) {
			return nil, boom
		},
	})

	err := serializer.Handle(context.Background(), Renamed("/a"))
	if !errors.Is(err, boom) {
		t.Fatalf("expected encode error, got %v", err)
	}
	if len(distributor.Payloads()) != 0 {
		t.Fatalf("expected no distribute after encode failure")
	}
	if locks.Len() != 0 {
		t.Fatalf("expected key released after failure, got %d entries", locks.Len())
	}
}

func TestEncodePanicIsContained(t *testing.T) {
	locks := keylock.New()
	serializer := NewSerializer(SerializerOptions{
		Locks:       locks,
		Distributor: &recordingDistributor{},
		Encoder: func(Event) ([]byte, error) {
			panic("bad payload")
		},
	})

	err := serializer.Handle(context.Background(), Deleted("/a"))
	if !errors.Is(err, ErrEncodePanic) {
		t.Fatalf("expected ErrEncodePanic, got %v", err)
	}
	if locks.Len() != 0 {
		t.Fatalf("expected key released after panic, got %d entries", locks.Len())
	}
}

func TestLockTimeoutDropsEvent(t *testing.T) {
	distributor := &recordingDistributor{}
	locks := keylock.New()
	counters := &metrics.Registry{}
	serializer := NewSerializer(SerializerOptions{
		Locks:       locks,
		Distributor: distributor,
		LockTimeout: 20 * time.Millisecond,
		Metrics:     counters,
	})

	holder := locks.Acquire("/a")
	holder.Lock()

	err := serializer.Handle(context.Background(), Deleted("/a"))
	if !errors.Is(err, keylock.ErrLockTimeout) {
		t.Fatalf("expected lock timeout, got %v", err)
	}
	holder.Release()

	if len(distributor.Payloads()) != 0 {
		t.Fatalf("expected no distribute after timeout")
	}
	if locks.Len() != 0 {
		t.Fatalf("expected no leaked entries, got %d", locks.Len())
	}
	if counters.EventsHandled("deleted", metrics.OutcomeTimeout) != 1 {
		t.Fatalf("expected timeout to be counted")
	}
}

func TestEncodeJSONPayload(t *testing.T) {
	timestamp := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	payload, err := EncodeJSON(Event{Kind: KindDeleted, Key: "/docs/a.txt", Timestamp: timestamp})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := `{"type":"deleted","path":"/docs/a.txt","timestamp":"2026-05-06T07:08:09Z"}`
	if string(payload) != want {
		t.Fatalf("expected %s, got %s", want, payload)
	}
}
