package event

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_RoundsUpCapacity(t *testing.T) {
	assert.Equal(t, 8, NewQueue[int](5).Cap())
	assert.Equal(t, 1, NewQueue[int](0).Cap())
	assert.Equal(t, 4, NewQueue[int](4).Cap())
}

func TestQueue_FIFOAndOverflow(t *testing.T) {
	q := NewQueue[int](4)

	for i := 0; i < 4; i++ {
		require.True(t, q.Push(i))
	}
	assert.False(t, q.Push(99))
	assert.Equal(t, uint64(1), q.Overflows())
	assert.Equal(t, 4, q.Len())

	for i := 0; i < 4; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		assert.Equal(t, i, v)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueue_WrapAround(t *testing.T) {
	q := NewQueue[uint16](2)
	for i := uint16(0); i < 1000; i++ {
		require.True(t, q.Push(i))
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	assert.Zero(t, q.Len())
}

func TestQueue_Drain(t *testing.T) {
	q := NewQueue[string](4)
	q.Push("a")
	q.Push("b")
	assert.Equal(t, 2, q.Drain())
	assert.Zero(t, q.Len())
}

func TestQueue_ConcurrentProducerConsumer(t *testing.T) {
	const n = 10000
	q := NewQueue[int](16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; {
			if q.Push(i) {
				i++
			}
		}
	}()

	next := 0
	for next < n {
		if v, ok := q.Pop(); ok {
			require.Equal(t, next, v)
			next++
		}
	}
	wg.Wait()
}

type testState uint32

func TestCell(t *testing.T) {
	c := NewCell[testState](1)
	assert.Equal(t, testState(1), c.Load())

	c.Store(2)
	assert.Equal(t, testState(2), c.Swap(3))
	assert.True(t, c.CompareAndSwap(3, 4))
	assert.False(t, c.CompareAndSwap(3, 5))
	assert.Equal(t, testState(4), c.Load())
}
