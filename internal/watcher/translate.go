package watcher

import (
	"os"
	"path/filepath"
	"strings"

	"metanotify/internal/change"

	"github.com/fsnotify/fsnotify"
)

// translate maps an fsnotify operation onto a change kind. Create yields
// nothing; the write that follows carries the content. When several bits are
// set the most destructive one wins.
func translate(op fsnotify.Op) (kind change.Kind, dirty bool, ok bool) {
	switch {
	case op.Has(fsnotify.Remove):
		return change.KindDeleted, false, true
	case op.Has(fsnotify.Rename):
		return change.KindRenamed, false, true
	case op.Has(fsnotify.Write):
		return change.KindWritten, true, true
	case op.Has(fsnotify.Chmod):
		return change.KindWritten, false, true
	default:
		return "", false, false
	}
}

// resourceKey returns path relative to root as a slash path with a leading
// slash. Paths outside root are rejected.
func resourceKey(root, path string) (string, bool) {
	if !isWithinPath(root, path) {
		return "", false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return "", false
	}
	if rel == "." {
		return "/", true
	}
	return "/" + filepath.ToSlash(rel), true
}

func isWithinPath(parent, child string) bool {
	parentPath := filepath.Clean(parent)
	childPath := filepath.Clean(child)
	rel, err := filepath.Rel(parentPath, childPath)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return false
	}
	return true
}
