package change

import (
	"context"
	"errors"
	"fmt"

	"metanotify/internal/logging"

	"golang.org/x/sync/errgroup"
)

const defaultMaxConcurrent = 64

type DispatcherOptions struct {
	Handler Handler
	// MaxConcurrent caps handler goroutines in flight.
	MaxConcurrent int
	Logger        *logging.Logger
}

// Dispatcher runs a handler for every event it receives, each on its own
// goroutine, so events on different keys proceed in parallel.
type Dispatcher struct {
	handler       Handler
	maxConcurrent int
	logger        *logging.Logger
}

func NewDispatcher(options DispatcherOptions) *Dispatcher {
	maxConcurrent := options.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{
		handler:       options.Handler,
		maxConcurrent: maxConcurrent,
		logger:        logger.With(map[string]string{"component": "dispatcher"}),
	}
}

// Run consumes events until ctx is done or events is closed, then waits for
// in-flight handlers to finish. An event received while every slot is busy is
// dropped if ctx ends before a slot frees up.
func (d *Dispatcher) Run(ctx context.Context, events <-chan Event) error {
	if d.handler == nil {
		return errors.New("dispatcher has no handler")
	}
	if events == nil {
		return errors.New("dispatcher has no event source")
	}

	var group errgroup.Group
	slots := make(chan struct{}, d.maxConcurrent)
	defer func() {
		_ = group.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return nil
			}
			if ctx.Err() != nil {
				<-slots
				return nil
			}
			group.Go(func() error {
				defer func() { <-slots }()
				d.dispatch(ctx, event)
				return nil
			})
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, event Event) {
	defer func() {
		if recovered := recover(); recovered != nil {
			d.logger.Error("change handler panicked", map[string]string{
				"kind":  string(event.Kind),
				"key":   event.Key,
				"panic": fmt.Sprint(recovered),
			})
		}
	}()
	if err := Dispatch(ctx, d.handler, event); err != nil {
		d.logger.Debug("change not delivered", map[string]string{
			"kind":  string(event.Kind),
			"key":   event.Key,
			"error": err.Error(),
		})
	}
}
