// Package watcher turns filesystem activity under a root directory into
// change events keyed by slash paths relative to that root.
//
// Delivery is best-effort: bursts on one path are coalesced, and events that
// happen before a new directory is watched are not seen.
package watcher
