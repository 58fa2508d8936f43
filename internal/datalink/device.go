// Package datalink adapts a MAC+PHY device pair to the event dispatch core.
//
// The device raises interrupts by calling the Interrupts methods implemented
// by Adapter. Each method runs as the handler of its own irq.Line, publishes
// the matching event and returns; none of them block.
package datalink

import (
	"fmt"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/event"
)

// InterruptMask selects device interrupt sources.
type InterruptMask uint8

const (
	InterruptReceive InterruptMask = 1 << iota
	InterruptTransmit
	InterruptLink
	InterruptFault

	InterruptAll = InterruptReceive | InterruptTransmit | InterruptLink | InterruptFault
)

func (m InterruptMask) String() string {
	return fmt.Sprintf("irq(rx=%t tx=%t link=%t fault=%t)",
		m&InterruptReceive != 0, m&InterruptTransmit != 0, m&InterruptLink != 0, m&InterruptFault != 0)
}

// Device is the MAC+PHY pair.
type Device interface {
	// Init attaches the receive ring and interrupt sink. Interrupts stay
	// disabled until EnableInterrupts.
	Init(ring *RxRing, irq Interrupts) error

	HardwareAddr() core.HardwareAddr

	// TransmitFrame queues one frame. The device copies it before returning.
	TransmitFrame(frame []byte) bool

	EnableInterrupts(mask InterruptMask) bool
	DisableInterrupts(mask InterruptMask)

	// ClearPendingInterrupts acknowledges latched PHY interrupts.
	ClearPendingInterrupts()

	Close() error
}

// Interrupts is the device's view of the interrupt vector table.
type Interrupts interface {
	ReceiveComplete(d *RxDescriptor)
	TransmitComplete()
	LinkStatusChanged(up bool)
	ReceiveBufferUnavailable()
	Fault(code event.ErrorCode, cause uint32)
}

// LinkState is the raw PHY link state.
type LinkState uint32

const (
	LinkUnknown LinkState = iota
	LinkDown
	LinkUp
)

func (s LinkState) String() string {
	switch s {
	case LinkDown:
		return "down"
	case LinkUp:
		return "up"
	}
	return "unknown"
}
