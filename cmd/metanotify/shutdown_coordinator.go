package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"metanotify/internal/logging"
)

type shutdownPhase struct {
	name string
	stop func(context.Context) error
}

// shutdownCoordinator runs stop phases once, in the order they were added.
// A failing phase is logged and does not stop the later ones.
type shutdownCoordinator struct {
	logger *logging.Logger
	once   sync.Once
	phases []shutdownPhase
}

func newShutdownCoordinator(logger *logging.Logger) *shutdownCoordinator {
	return &shutdownCoordinator{
		logger: logger,
	}
}

func (coordinator *shutdownCoordinator) Add(name string, stop func(context.Context) error) {
	if coordinator == nil || stop == nil {
		return
	}
	coordinator.phases = append(coordinator.phases, shutdownPhase{
		name: name,
		stop: stop,
	})
}

func (coordinator *shutdownCoordinator) Run(ctx context.Context) error {
	if coordinator == nil {
		return nil
	}
	var runErr error
	coordinator.once.Do(func() {
		for _, phase := range coordinator.phases {
			started := time.Now()
			coordinator.logger.Debug("shutdown phase starting", map[string]string{
				"phase": phase.name,
			})
			if err := phase.stop(ctx); err != nil {
				runErr = errors.Join(runErr, err)
				coordinator.logger.Warn("shutdown phase failed", map[string]string{
					"phase": phase.name,
					"error": err.Error(),
				})
				continue
			}
			coordinator.logger.Info("shutdown phase complete", map[string]string{
				"phase":    phase.name,
				"duration": time.Since(started).Round(time.Millisecond).String(),
			})
		}
	})
	return runErr
}
