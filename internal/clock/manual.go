package clock

import (
	"sort"
	"sync"
)

// Manual is a simulated clock. Time moves only through Advance, Set or Idle,
// and scheduled callbacks fire synchronously as their deadline is crossed, so
// tests drive interrupts deterministically without wall time.
type Manual struct {
	mu     sync.Mutex
	now    Millis
	seq    uint64
	timers []timer
}

type timer struct {
	due Millis
	seq uint64
	fn  func()
}

// NewManual creates a Manual clock at tick start.
func NewManual(start Millis) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() Millis {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Idle advances one tick.
func (m *Manual) Idle() {
	m.Advance(1)
}

// Advance moves time forward n ticks, one at a time, firing callbacks as they
// become due.
func (m *Manual) Advance(n uint32) {
	for i := uint32(0); i < n; i++ {
		m.mu.Lock()
		m.now++
		m.mu.Unlock()
		m.fireDue()
	}
}

// Set jumps to t without firing callbacks scheduled in between until the next
// Advance. Used to exercise counter wrap-around.
func (m *Manual) Set(t Millis) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// AfterFunc schedules fn to run once delay ticks from now. A zero delay
// scheduled by foreground code runs on the next tick; one scheduled by a
// firing callback runs in the same tick, after the callbacks already due.
func (m *Manual) AfterFunc(delay uint32, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.timers = append(m.timers, timer{due: m.now + Millis(delay), seq: m.seq, fn: fn})
}

// Pending returns the number of callbacks not yet fired.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *Manual) fireDue() {
	for {
		m.mu.Lock()
		var due []timer
		keep := m.timers[:0]
		for _, t := range m.timers {
			if int32(m.now-t.due) >= 0 {
				due = append(due, t)
			} else {
				keep = append(keep, t)
			}
		}
		m.timers = keep
		m.mu.Unlock()

		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].due != due[j].due {
				return int32(due[i].due-due[j].due) < 0
			}
			return due[i].seq < due[j].seq
		})
		for _, t := range due {
			t.fn()
		}
	}
}
