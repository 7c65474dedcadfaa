package watcher

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

func newRestartBackOff() backoff.BackOff {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = restartBaseDelay
	exponential.RandomizationFactor = 0
	exponential.Multiplier = 2
	exponential.MaxInterval = restartMaxDelay
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	return backoff.WithMaxRetries(exponential, maxRestartAttempts)
}

func (watcher *Watcher) handleError(err error) {
	if err == nil {
		return
	}
	atomic.AddUint64(&watcher.errorCount, 1)
	watcher.logWarn("watcher error", map[string]string{
		"error": err.Error(),
	})
	watcher.scheduleRestart(err)
}

func (watcher *Watcher) isClosed() bool {
	watcher.mutex.Lock()
	defer watcher.mutex.Unlock()
	return watcher.closed
}

func (watcher *Watcher) scheduleRestart(err error) {
	if watcher == nil || watcher.isClosed() {
		return
	}
	watcher.restartMutex.Lock()
	if watcher.restartTimer != nil {
		watcher.restartMutex.Unlock()
		return
	}
	delay := watcher.restartBackOff.NextBackOff()
	if delay == backoff.Stop {
		watcher.restartMutex.Unlock()
		watcher.notifyError(err)
		return
	}
	watcher.restartAttempts++
	watcher.restartTimer = time.AfterFunc(delay, watcher.performRestart)
	watcher.restartMutex.Unlock()
}

func (watcher *Watcher) performRestart() {
	if watcher == nil {
		return
	}
	restartErr := watcher.restart()

	watcher.restartMutex.Lock()
	watcher.restartTimer = nil
	if restartErr == nil {
		watcher.restartAttempts = 0
		watcher.restartBackOff.Reset()
		watcher.restartMutex.Unlock()
		return
	}
	watcher.restartMutex.Unlock()

	watcher.logWarn("watcher restart failed", map[string]string{
		"error": restartErr.Error(),
	})
	watcher.scheduleRestart(restartErr)
}

func (watcher *Watcher) notifyError(err error) {
	if watcher == nil || watcher.errorHandler == nil || err == nil {
		return
	}
	watcher.errorHandler(err)
}

// restart swaps in a fresh fsnotify watcher carrying the same watch set.
func (watcher *Watcher) restart() error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	paths := make([]string, 0, len(watcher.watches))
	for path := range watcher.watches {
		paths = append(paths, path)
	}
	watcher.mutex.Unlock()

	replacement, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	for _, path := range paths {
		if err := replacement.Add(path); err != nil {
			watcher.logWarn("watcher re-add failed", map[string]string{
				"path":  path,
				"error": err.Error(),
			})
			watcher.mutex.Lock()
			delete(watcher.watches, path)
			watcher.mutex.Unlock()
		}
	}

	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		_ = replacement.Close()
		return nil
	}
	previous := watcher.watcher
	watcher.watcher = replacement
	watcher.mutex.Unlock()

	watcher.startForwarder(replacement)
	if previous != nil {
		_ = previous.Close()
	}
	watcher.logger.Info("watcher restarted", map[string]string{
		"watches": strconv.Itoa(len(paths)),
	})
	return nil
}
