package watcher

import (
	"fmt"
	"io/fs"
	"path/filepath"
)

// addTree watches path and, in recursive mode, every directory below it.
func (watcher *Watcher) addTree(path string) error {
	paths := []string{path}
	if watcher.recursive {
		dirs, err := collectRecursiveDirs(path)
		if err != nil {
			return err
		}
		paths = append(paths, dirs...)
	}
	for _, dir := range paths {
		if err := watcher.addWatch(dir); err != nil {
			return err
		}
	}
	return nil
}

func collectRecursiveDirs(root string) ([]string, error) {
	dirs := []string{}
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path == root {
			return nil
		}
		dirs = append(dirs, path)
		return nil
	})
	return dirs, err
}

func (watcher *Watcher) addWatch(path string) error {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return nil
	}
	if _, ok := watcher.watches[path]; ok {
		watcher.mutex.Unlock()
		return nil
	}
	if len(watcher.watches) >= watcher.maxWatches {
		watcher.mutex.Unlock()
		return fmt.Errorf("%w (%d): %s", ErrMaxWatchesExceeded, watcher.maxWatches, path)
	}
	watcher.watches[path] = struct{}{}
	activeCount := len(watcher.watches)
	source := watcher.watcher
	watcher.mutex.Unlock()

	if err := source.Add(path); err != nil {
		watcher.mutex.Lock()
		delete(watcher.watches, path)
		watcher.mutex.Unlock()
		watcher.logWarn("watch add failed", map[string]string{
			"path":  path,
			"error": err.Error(),
		})
		return err
	}
	watcher.logDebug("watch added", path, activeCount)
	return nil
}

// forgetTree drops the watches on path and every directory below it. The
// kernel has usually removed them already, so remove errors are ignored.
func (watcher *Watcher) forgetTree(path string) {
	watcher.mutex.Lock()
	if watcher.closed {
		watcher.mutex.Unlock()
		return
	}
	removed := make([]string, 0)
	for watched := range watcher.watches {
		if watched == watcher.root {
			continue
		}
		if isWithinPath(path, watched) {
			delete(watcher.watches, watched)
			removed = append(removed, watched)
		}
	}
	activeCount := len(watcher.watches)
	source := watcher.watcher
	watcher.mutex.Unlock()

	for _, watched := range removed {
		_ = source.Remove(watched)
		watcher.logDebug("watch removed", watched, activeCount)
	}
}
