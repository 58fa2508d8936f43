// Package irq models interrupt lines for the stack's critical sections.
//
// Shared state follows a single-writer discipline: it is mutated either by
// one interrupt handler, or by foreground code while that handler's line is
// disabled. A Line is the unit of masking. It is not re-entrant, so a handler
// running under Service must never call code that disables the same line.
package irq

import (
	"sync"

	"go.uber.org/atomic"
)

// Line is one interrupt source.
type Line struct {
	name   string
	mu     sync.Mutex
	masked atomic.Bool
	served atomic.Uint64
}

// NewLine creates an enabled line.
func NewLine(name string) *Line {
	return &Line{name: name}
}

// Name returns the line's label.
func (l *Line) Name() string {
	return l.name
}

// Disable masks the line. Handlers for it are held off until Enable.
func (l *Line) Disable() {
	l.mu.Lock()
	l.masked.Store(true)
}

// Enable unmasks the line.
func (l *Line) Enable() {
	l.masked.Store(false)
	l.mu.Unlock()
}

// Masked reports whether foreground code currently holds the line disabled.
func (l *Line) Masked() bool {
	return l.masked.Load()
}

// Service runs fn as this line's interrupt handler.
func (l *Line) Service(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.served.Inc()
	fn()
}

// Served returns how many handler invocations have run.
func (l *Line) Served() uint64 {
	return l.served.Load()
}
