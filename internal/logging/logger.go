package logging

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultBufferSize = 1000

var levelRanks = map[Level]int{
	LevelDebug:   0,
	LevelInfo:    1,
	LevelWarning: 2,
	LevelError:   3,
}

// Options configure New. A nil Output discards lines; a nil Buffer gets one
// of DefaultBufferSize entries.
type Options struct {
	Level  Level
	Output io.Writer
	Buffer *LogBuffer
}

// sink is shared by a logger and every logger derived from it with With.
type sink struct {
	mu     sync.Mutex
	out    io.Writer
	buffer *LogBuffer
}

// Logger writes one logfmt line per entry and keeps recent entries in a
// ring buffer. A nil *Logger drops everything.
type Logger struct {
	sink   *sink
	level  Level
	fields map[string]string
}

func New(options Options) *Logger {
	out := options.Output
	if out == nil {
		out = io.Discard
	}
	buffer := options.Buffer
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	level := options.Level
	if _, ok := levelRanks[level]; !ok {
		level = LevelInfo
	}
	return &Logger{
		sink:  &sink{out: out, buffer: buffer},
		level: level,
	}
}

// NewStdout logs to standard output at level.
func NewStdout(level Level) *Logger {
	return New(Options{Level: level, Output: os.Stdout})
}

// Discard returns a logger that only records errors in a small buffer.
func Discard() *Logger {
	return New(Options{Level: LevelError, Buffer: NewLogBuffer(64)})
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.sink.buffer
}

// With returns a logger that adds fields to every entry.
func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{sink: l.sink, level: l.level, fields: mergeFields(l.fields, fields)}
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.write(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.write(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.write(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.write(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return false
	}
	rank, ok := levelRanks[level]
	return ok && rank >= levelRanks[l.level]
}

func (l *Logger) write(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   mergeFields(l.fields, fields),
	}
	line := formatEntry(entry)

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.buffer.Add(entry)
	_, _ = io.WriteString(l.sink.out, line)
}

// ParseLevel accepts debug, info, warn, warning and error in any case.
func ParseLevel(value string) (Level, bool) {
	level := Level(strings.ToLower(strings.TrimSpace(value)))
	if level == "warn" {
		level = LevelWarning
	}
	_, ok := levelRanks[level]
	return level, ok
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	merged := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range extra {
		merged[key] = value
	}
	return merged
}

func formatEntry(entry LogEntry) string {
	var line strings.Builder
	line.WriteString("time=")
	line.WriteString(entry.Timestamp.Format(time.RFC3339Nano))
	line.WriteString(" level=")
	line.WriteString(string(entry.Level))
	line.WriteString(" msg=")
	line.WriteString(strconv.Quote(entry.Message))

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		line.WriteByte(' ')
		line.WriteString(key)
		line.WriteByte('=')
		line.WriteString(strconv.Quote(entry.Context[key]))
	}
	line.WriteByte('\n')
	return line.String()
}
