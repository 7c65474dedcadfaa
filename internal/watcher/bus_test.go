package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"metanotify/internal/change"
	"metanotify/internal/event"
	"metanotify/internal/metrics"
)

func TestPublishToForwardsOntoBus(t *testing.T) {
	bus := event.NewBus[change.Event](context.Background(), event.BusOptions{
		Name:     "changes",
		Registry: &metrics.Registry{},
	})
	t.Cleanup(bus.Close)
	ch, cancel := bus.Subscribe()
	defer cancel()

	root := t.TempDir()
	newTestWatcher(t, Options{
		Root:     root,
		Debounce: 20 * time.Millisecond,
		Publish:  PublishTo(bus),
	})

	if err := os.WriteFile(filepath.Join(root, "x.txt"), []byte("data"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		select {
		case received := <-ch:
			if received.Key == "/x.txt" && received.Kind == change.KindWritten {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for bus event")
		}
	}
}
