package change

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"metanotify/internal/broadcast"
	"metanotify/internal/keylock"
	"metanotify/internal/logging"
	"metanotify/internal/metrics"
)

var ErrEncodePanic = errors.New("encoder panicked")

// Distributor receives encoded payloads. *broadcast.Broadcaster implements it.
type Distributor interface {
	Distribute(payload []byte) broadcast.Result
}

type SerializerOptions struct {
	Locks       *keylock.Registry
	Distributor Distributor
	Encoder     Encoder
	// LockTimeout bounds the wait for a busy key. Zero waits indefinitely.
	LockTimeout time.Duration
	Logger      *logging.Logger
	Metrics     *metrics.Registry
}

// Serializer encodes and distributes each event while holding its key, so
// two events on the same resource never reach subscribers concurrently.
//
// Every kind follows the same error policy: the failure is logged, counted,
// and returned wrapped to the caller. The key is released on all paths.
type Serializer struct {
	locks       *keylock.Registry
	distributor Distributor
	encode      Encoder
	lockTimeout time.Duration
	logger      *logging.Logger
	metrics     *metrics.Registry
}

func NewSerializer(options SerializerOptions) *Serializer {
	locks := options.Locks
	if locks == nil {
		locks = keylock.New()
	}
	encode := options.Encoder
	if encode == nil {
		encode = EncodeJSON
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Serializer{
		locks:       locks,
		distributor: options.Distributor,
		encode:      encode,
		lockTimeout: options.LockTimeout,
		logger:      logger.With(map[string]string{"component": "serializer"}),
		metrics:     options.Metrics,
	}
}

func (s *Serializer) Locks() *keylock.Registry {
	return s.locks
}

// Handle dispatches event to the method for its kind.
func (s *Serializer) Handle(ctx context.Context, event Event) error {
	return Dispatch(ctx, s, event)
}

func (s *Serializer) Deleted(ctx context.Context, event Event) error {
	return s.publish(ctx, event)
}

func (s *Serializer) Renamed(ctx context.Context, event Event) error {
	return s.publish(ctx, event)
}

// Written publishes dirty writes only; clean writes are dropped before any
// key is taken.
func (s *Serializer) Written(ctx context.Context, event Event) error {
	if !event.Dirty {
		s.metrics.IncEventHandled(string(event.Kind), metrics.OutcomeSkipped)
		return nil
	}
	return s.publish(ctx, event)
}

func (s *Serializer) publish(ctx context.Context, event Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	lockCtx := ctx
	if s.lockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, s.lockTimeout)
		defer cancel()
	}

	started := time.Now()
	handle := s.locks.Acquire(event.Key)
	defer handle.Release()
	if err := handle.LockContext(lockCtx); err != nil {
		waited := time.Since(started)
		s.metrics.RecordLockWait(waited, true)
		s.metrics.IncEventHandled(string(event.Kind), metrics.OutcomeTimeout)
		s.logger.Error("unable to lock resource", map[string]string{
			"kind":   string(event.Kind),
			"key":    event.Key,
			"waited": waited.String(),
			"error":  err.Error(),
		})
		return fmt.Errorf("%s %q: %w", event.Kind, event.Key, err)
	}
	s.metrics.RecordLockWait(time.Since(started), false)

	payload, err := s.safeEncode(event)
	if err != nil {
		s.metrics.IncEventHandled(string(event.Kind), metrics.OutcomeFailed)
		s.logger.Error("unable to encode change", map[string]string{
			"kind":  string(event.Kind),
			"key":   event.Key,
			"error": err.Error(),
		})
		return fmt.Errorf("encode %s %q: %w", event.Kind, event.Key, err)
	}

	if s.distributor == nil {
		s.metrics.IncEventHandled(string(event.Kind), metrics.OutcomeOK)
		return nil
	}
	result := s.distributor.Distribute(payload)
	s.metrics.IncEventHandled(string(event.Kind), metrics.OutcomeOK)
	if s.logger.Enabled(logging.LevelDebug) {
		s.logger.Debug("change distributed", map[string]string{
			"kind":      string(event.Kind),
			"key":       event.Key,
			"delivered": strconv.Itoa(result.Delivered),
			"evicted":   strconv.Itoa(result.Evicted),
		})
	}
	return nil
}

func (s *Serializer) safeEncode(event Event) (payload []byte, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			payload = nil
			err = fmt.Errorf("%w: %v", ErrEncodePanic, recovered)
		}
	}()
	return s.encode(event)
}
