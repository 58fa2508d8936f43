package datalink

import (
	"go.uber.org/atomic"
)

// Receive status bits written by the device into RxDescriptor.Status.
const (
	StatusErrorSummary uint32 = 1 << 15 // CRC, alignment or receive error
	StatusOverflow     uint32 = 1 << 11 // frame larger than the buffer
)

// RxDescriptor is one receive DMA descriptor. While owned by DMA only the
// device touches it; after Fill hands it to the CPU only the adapter does,
// until Rearm.
type RxDescriptor struct {
	owned  atomic.Bool
	Status uint32
	Length int
	Buffer []byte
}

// Frame returns the received bytes. Valid until the descriptor is re-armed.
func (d *RxDescriptor) Frame() []byte {
	return d.Buffer[:d.Length]
}

// OwnedByDMA reports whether the device may write the descriptor.
func (d *RxDescriptor) OwnedByDMA() bool {
	return d.owned.Load()
}

// RxRing is a fixed ring of receive descriptors shared by device and adapter.
type RxRing struct {
	descs []RxDescriptor
	next  int // device cursor
}

// NewRxRing allocates n descriptors of bufSize bytes each, all owned by DMA.
func NewRxRing(n, bufSize int) *RxRing {
	r := &RxRing{descs: make([]RxDescriptor, n)}
	for i := range r.descs {
		r.descs[i].Buffer = make([]byte, bufSize)
		r.descs[i].owned.Store(true)
	}
	return r
}

// Fill is the device side of reception: it copies frame into the next
// descriptor and hands it to the CPU. It returns false when that descriptor
// is still owned by the CPU, i.e. the ring is exhausted.
func (r *RxRing) Fill(frame []byte, status uint32) (*RxDescriptor, bool) {
	d := &r.descs[r.next]
	if !d.owned.Load() {
		return nil, false
	}
	n := copy(d.Buffer, frame)
	if n < len(frame) {
		status |= StatusOverflow
	}
	d.Length = n
	d.Status = status
	d.owned.Store(false)
	r.next = (r.next + 1) % len(r.descs)
	return d, true
}

// Rearm returns d to the device.
func (r *RxRing) Rearm(d *RxDescriptor) {
	d.Status = 0
	d.Length = 0
	d.owned.Store(true)
}

// Len returns the number of descriptors.
func (r *RxRing) Len() int {
	return len(r.descs)
}

// Available counts descriptors currently owned by DMA.
func (r *RxRing) Available() int {
	n := 0
	for i := range r.descs {
		if r.descs[i].owned.Load() {
			n++
		}
	}
	return n
}
