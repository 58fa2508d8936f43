// Package clock provides the stack's monotonic millisecond time source and
// the bounded busy-poll used wherever foreground code waits on an interrupt.
package clock

import (
	"time"
)

// Millis is a wrapping 32-bit millisecond tick. Compare ticks only through
// Elapsed and HasTimedOut, which stay correct across the wrap.
type Millis uint32

// Source is a monotonic millisecond counter.
type Source interface {
	Now() Millis
}

// Idler is implemented by sources that want a hook on every poll iteration.
type Idler interface {
	Idle()
}

// Scheduler runs fn once after delay milliseconds, from "interrupt" context.
type Scheduler interface {
	AfterFunc(delay uint32, fn func())
}

// Elapsed returns the milliseconds since mark.
func Elapsed(src Source, mark Millis) uint32 {
	return uint32(src.Now() - mark)
}

// HasTimedOut reports whether budget milliseconds have passed since mark.
func HasTimedOut(src Source, mark Millis, budget uint32) bool {
	return Elapsed(src, mark) >= budget
}

// Idle gives src a chance to advance between poll iterations.
func Idle(src Source) {
	if i, ok := src.(Idler); ok {
		i.Idle()
	}
}

// Poll spins until done reports true or budget milliseconds have passed
// since mark. done is always evaluated before the budget is checked, so a
// condition satisfied on the final tick still wins.
func Poll(src Source, mark Millis, budget uint32, done func() bool) bool {
	for {
		if done() {
			return true
		}
		if HasTimedOut(src, mark, budget) {
			return false
		}
		Idle(src)
	}
}

// System is a wall-clock Source backed by the runtime's monotonic clock.
type System struct {
	start time.Time
	idle  time.Duration
}

// NewSystem creates a System clock starting at tick zero.
func NewSystem() *System {
	return &System{start: time.Now(), idle: 100 * time.Microsecond}
}

func (s *System) Now() Millis {
	return Millis(uint32(time.Since(s.start).Milliseconds()))
}

// Idle yields briefly so polling loops do not monopolise a core.
func (s *System) Idle() {
	time.Sleep(s.idle)
}

func (s *System) AfterFunc(delay uint32, fn func()) {
	time.AfterFunc(time.Duration(delay)*time.Millisecond, fn)
}
