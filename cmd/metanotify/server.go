package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"metanotify/internal/api"
	"metanotify/internal/broadcast"
	"metanotify/internal/change"
	"metanotify/internal/event"
	"metanotify/internal/keylock"
	"metanotify/internal/logging"
	"metanotify/internal/metrics"
	"metanotify/internal/session"
	"metanotify/internal/watcher"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const changeBusBufferSize = 1024

// service is the assembled pipeline: watcher, change bus, dispatcher,
// serializer, broadcaster and the HTTP surface in front of them.
type service struct {
	logger      *logging.Logger
	metrics     *metrics.Registry
	locks       *keylock.Registry
	subscribers *broadcast.Registry
	bus         *event.Bus[change.Event]
	watcher     *watcher.Watcher
	dispatcher  *change.Dispatcher
	sessions    *session.Manager
	handler     http.Handler

	events      <-chan change.Event
	unsubscribe func()
	watchFailed chan error
}

func buildService(cfg Config, logger *logging.Logger, registry *metrics.Registry) (*service, error) {
	if registry == nil {
		registry = &metrics.Registry{}
	}
	svc := &service{
		logger:      logger,
		metrics:     registry,
		locks:       keylock.New(),
		subscribers: broadcast.NewRegistry(),
		watchFailed: make(chan error, 1),
	}

	broadcaster := broadcast.NewBroadcaster(svc.subscribers, broadcast.Options{
		Logger:  logger,
		Metrics: registry,
	})
	serializer := change.NewSerializer(change.SerializerOptions{
		Locks:       svc.locks,
		Distributor: broadcaster,
		LockTimeout: cfg.LockTimeout,
		Logger:      logger,
		Metrics:     registry,
	})

	// The dispatcher is the only subscriber; it must not lose changes, so
	// publishing waits for room instead of dropping.
	svc.bus = event.NewBus[change.Event](context.Background(), event.BusOptions{
		Name:                 "changes",
		SubscriberBufferSize: changeBusBufferSize,
		BlockOnFull:          true,
		Registry:             registry,
		Logger:               logger,
	})
	svc.events, svc.unsubscribe = svc.bus.Subscribe()

	fileWatcher, err := watcher.New(watcher.Options{
		Root:       cfg.Root,
		Recursive:  cfg.Recursive,
		MaxWatches: cfg.MaxWatches,
		Debounce:   cfg.Debounce,
		Publish:    watcher.PublishTo(svc.bus),
		ErrorHandler: func(err error) {
			select {
			case svc.watchFailed <- err:
			default:
			}
		},
		Logger: logger,
	})
	if err != nil {
		svc.bus.Close()
		return nil, fmt.Errorf("start watcher: %w", err)
	}
	svc.watcher = fileWatcher

	svc.dispatcher = change.NewDispatcher(change.DispatcherOptions{
		Handler:       serializer,
		MaxConcurrent: cfg.MaxConcurrentEvents,
		Logger:        logger,
	})
	svc.sessions = session.NewManager(session.Options{
		Registry: svc.subscribers,
		Policy:   cfg.authPolicy(),
		Logger:   logger,
		Metrics:  registry,
	})

	var limiter *rate.Limiter
	if cfg.ConnectRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ConnectRate), cfg.ConnectBurst)
	}
	metadata := &api.MetadataHandler{
		Sessions:       svc.sessions,
		Logger:         logger,
		Metrics:        registry,
		AllowedOrigins: cfg.AllowedOrigins,
		WriteTimeout:   cfg.WriteTimeout,
		Limiter:        limiter,
	}
	rest := &api.RestHandler{
		Subscribers: svc.subscribers,
		Locks:       svc.locks,
		Watcher:     svc.watcher,
		Bus:         svc.bus,
		Metrics:     registry,
		Logger:      logger,
		StartedAt:   time.Now(),
	}
	mux := http.NewServeMux()
	api.RegisterRoutes(mux, metadata, rest, logger)
	svc.handler = mux

	registry.RegisterGauge("metanotify_subscribers", "Joined subscribers", func() int64 {
		return int64(svc.subscribers.Len())
	})
	registry.RegisterGauge("metanotify_active_locks", "Resource keys held or awaited", func() int64 {
		return int64(svc.locks.Len())
	})
	registry.RegisterGauge("metanotify_watches", "Directories under watch", func() int64 {
		return int64(svc.watcher.Metrics().ActiveWatches)
	})
	return svc, nil
}

// serve runs the pipeline and the HTTP server on listener until ctx is done
// or a component fails, then shuts down in order: HTTP server, watcher,
// change bus, dispatcher drain, remaining subscribers.
func (svc *service) serve(ctx context.Context, listener net.Listener, shutdownTimeout time.Duration) error {
	if shutdownTimeout <= 0 {
		shutdownTimeout = httpServerShutdownTimeout
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	group, groupCtx := errgroup.WithContext(runCtx)

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	defer stopDispatch()
	dispatcherDone := make(chan struct{})
	group.Go(func() error {
		defer close(dispatcherDone)
		return svc.dispatcher.Run(dispatchCtx, svc.events)
	})
	group.Go(func() error {
		select {
		case err := <-svc.watchFailed:
			return fmt.Errorf("watcher stopped: %w", err)
		case <-groupCtx.Done():
			return nil
		}
	})

	server := &http.Server{
		Handler:           svc.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	svc.logger.Info("metanotify listening", map[string]string{
		"addr": listener.Addr().String(),
		"root": svc.watcher.Root(),
	})
	runner := &ServerRunner{
		Logger:          svc.logger,
		ShutdownTimeout: shutdownTimeout,
	}
	serverErr := runner.Run(groupCtx, ManagedServer{
		Name: "http",
		Serve: func() error {
			return server.Serve(listener)
		},
		Shutdown: server.Shutdown,
	})
	cancelRun()

	coordinator := newShutdownCoordinator(svc.logger)
	coordinator.Add("watcher", func(context.Context) error {
		return svc.watcher.Close()
	})
	coordinator.Add("bus", func(context.Context) error {
		svc.unsubscribe()
		svc.bus.Close()
		return nil
	})
	coordinator.Add("dispatcher", func(ctx context.Context) error {
		select {
		case <-dispatcherDone:
			return nil
		case <-ctx.Done():
			stopDispatch()
			<-dispatcherDone
			return fmt.Errorf("dispatcher drain: %w", ctx.Err())
		}
	})
	coordinator.Add("subscribers", func(context.Context) error {
		svc.closeSubscribers()
		return nil
	})

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	shutdownErr := coordinator.Run(shutdownCtx)
	groupErr := group.Wait()
	return errors.Join(serverErr, groupErr, shutdownErr)
}

// closeSubscribers ends every joined subscriber. Hijacked websocket
// connections are not closed by http.Server.Shutdown.
func (svc *service) closeSubscribers() {
	for _, subscriber := range svc.subscribers.Snapshot() {
		if svc.subscribers.Leave(subscriber.ID, subscriber.Channel) {
			_ = subscriber.Channel.Close()
		}
	}
}
