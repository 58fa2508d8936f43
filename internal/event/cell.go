package event

import (
	"go.uber.org/atomic"
)

// Cell is a single atomically-checked state word, written by one interrupt
// source and read anywhere. It replaces ad-hoc volatile flags.
type Cell[T ~uint32] struct {
	v atomic.Uint32
}

// NewCell creates a cell holding initial.
func NewCell[T ~uint32](initial T) *Cell[T] {
	c := &Cell[T]{}
	c.v.Store(uint32(initial))
	return c
}

func (c *Cell[T]) Load() T {
	return T(c.v.Load())
}

func (c *Cell[T]) Store(v T) {
	c.v.Store(uint32(v))
}

// Swap stores v and returns the previous value.
func (c *Cell[T]) Swap(v T) T {
	return T(c.v.Swap(uint32(v)))
}

func (c *Cell[T]) CompareAndSwap(old, new T) bool {
	return c.v.CompareAndSwap(uint32(old), uint32(new))
}
