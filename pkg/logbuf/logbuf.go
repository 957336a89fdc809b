// Package logbuf keeps the most recent log lines in memory so the API
// can serve them without touching disk.
package logbuf

import (
	"sync"
)

// Buffer is a fixed-capacity ring of log lines. It satisfies
// zapcore.WriteSyncer, so it can sit behind a zap core alongside the
// console output.
type Buffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// New creates a buffer holding up to capacity lines.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Buffer{lines: make([]string, capacity)}
}

// Write appends the chunk's lines to the ring. Partial trailing lines
// are kept as-is; zap emits one entry per call, newline-terminated.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	for i, c := range p {
		if c == '\n' {
			if i > start {
				b.pushLocked(string(p[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(p) {
		b.pushLocked(string(p[start:]))
	}
	return len(p), nil
}

func (b *Buffer) pushLocked(line string) {
	b.lines[b.next] = line
	b.next++
	if b.next == len(b.lines) {
		b.next = 0
		b.full = true
	}
}

// Sync satisfies zapcore.WriteSyncer.
func (b *Buffer) Sync() error { return nil }

// Lines returns up to n of the most recent lines, oldest first. n <= 0
// returns everything buffered.
func (b *Buffer) Lines(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var ordered []string
	if b.full {
		ordered = append(ordered, b.lines[b.next:]...)
		ordered = append(ordered, b.lines[:b.next]...)
	} else {
		ordered = append(ordered, b.lines[:b.next]...)
	}
	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return ordered
}
