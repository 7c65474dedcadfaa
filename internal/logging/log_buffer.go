package logging

import "sync"

// LogBuffer keeps the most recent entries in a fixed-size ring.
type LogBuffer struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	count   int
}

func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &LogBuffer{
		entries: make([]LogEntry, size),
	}
}

func (b *LogBuffer) Add(entry LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return
	}

	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// List returns the buffered entries, oldest first.
func (b *LogBuffer) List() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]LogEntry, 0, b.count)
	start := (b.next - b.count + len(b.entries)) % len(b.entries)
	for i := 0; i < b.count; i++ {
		out = append(out, b.entries[(start+i)%len(b.entries)])
	}
	return out
}

// Recent returns up to limit of the newest entries at or above minLevel,
// oldest first.
func (b *LogBuffer) Recent(minLevel Level, limit int) []LogEntry {
	if limit <= 0 {
		return nil
	}
	floor := levelRanks[minLevel]
	all := b.List()
	out := make([]LogEntry, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if levelRanks[all[i].Level] >= floor {
			out = append(out, all[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
