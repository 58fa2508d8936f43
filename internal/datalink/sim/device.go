// Package sim provides a simulated MAC+PHY pair and the hosts sharing its
// segment, so the stack can run on a host without hardware.
//
// Simulated interrupts are delivered synchronously from whatever goroutine
// triggers them: the caller of SetLink, Inject or Fault, or a clock callback
// scheduled by a Peer.
package sim

import (
	"errors"
	"fmt"
	"sync"

	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/datalink"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/log"
)

// Name is the factory name the device registers under.
const Name = "sim"

// ErrNotInitialised is returned by operations that need Init first.
var ErrNotInitialised = errors.New("sim: device not initialised")

func init() {
	datalink.Register(Name, open)
}

// Device is a simulated MAC+PHY.
type Device struct {
	mac   core.HardwareAddr
	sched clock.Scheduler
	log   log.Logger

	mu          sync.Mutex
	ring        *datalink.RxRing
	irq         datalink.Interrupts
	enabled     datalink.InterruptMask
	linkUp      bool
	linkPending bool
	peers       []*Peer
	sent        [][]byte
	rxDropped   int
	initErr     error
	enableFails bool

	// serialises DMA fill with the receive interrupt it raises
	rxMu sync.Mutex
}

// New creates a device with hardware address mac. Peer replies are
// delivered through sched.
func New(mac core.HardwareAddr, sched clock.Scheduler) *Device {
	return &Device{
		mac:   mac,
		sched: sched,
		log:   log.GetLogger().WithField("device", Name),
	}
}

// AddPeer attaches a simulated host to the segment.
func (d *Device) AddPeer(p *Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.peers = append(d.peers, p)
}

// FailInit makes the next Init calls fail with err until reset with nil.
func (d *Device) FailInit(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initErr = err
}

// FailEnable makes EnableInterrupts report failure.
func (d *Device) FailEnable(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enableFails = fail
}

func (d *Device) Init(ring *datalink.RxRing, irq datalink.Interrupts) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initErr != nil {
		return d.initErr
	}
	d.ring, d.irq = ring, irq
	d.enabled = 0
	// a reset PHY reports its current state once interrupts are enabled
	d.linkPending = d.linkUp
	return nil
}

func (d *Device) HardwareAddr() core.HardwareAddr {
	return d.mac
}

// TransmitFrame puts frame on the simulated segment. It fails while the
// device is uninitialised or the link is down.
func (d *Device) TransmitFrame(frame []byte) bool {
	d.mu.Lock()
	if d.irq == nil || !d.linkUp {
		d.mu.Unlock()
		return false
	}
	cp := append([]byte(nil), frame...)
	d.sent = append(d.sent, cp)
	peers := append([]*Peer(nil), d.peers...)
	txIRQ := d.enabled&datalink.InterruptTransmit != 0
	d.mu.Unlock()

	if txIRQ {
		d.sched.AfterFunc(0, d.transmitComplete)
	}
	for _, p := range peers {
		if reply, delay, ok := p.answer(cp); ok {
			d.sched.AfterFunc(delay, func() { d.Inject(reply) })
		}
	}
	return true
}

func (d *Device) transmitComplete() {
	d.mu.Lock()
	irq, on := d.irq, d.enabled&datalink.InterruptTransmit != 0
	d.mu.Unlock()
	if on {
		irq.TransmitComplete()
	}
}

// EnableInterrupts unmasks mask. Enabling the link interrupt while a link
// transition is latched raises it immediately.
func (d *Device) EnableInterrupts(mask datalink.InterruptMask) bool {
	d.mu.Lock()
	if d.irq == nil || d.enableFails {
		d.mu.Unlock()
		return false
	}
	d.enabled |= mask
	raise := mask&datalink.InterruptLink != 0 && d.linkPending
	up, irq := d.linkUp, d.irq
	d.mu.Unlock()

	if raise {
		irq.LinkStatusChanged(up)
	}
	return true
}

func (d *Device) DisableInterrupts(mask datalink.InterruptMask) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled &^= mask
}

func (d *Device) ClearPendingInterrupts() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linkPending = false
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = 0
	d.irq = nil
	d.ring = nil
	return nil
}

// SetLink changes the PHY link state, latching a link interrupt.
func (d *Device) SetLink(up bool) {
	d.mu.Lock()
	d.linkUp = up
	d.linkPending = true
	irq, on := d.irq, d.irq != nil && d.enabled&datalink.InterruptLink != 0
	d.mu.Unlock()

	d.log.Debugf("link up=%t", up)
	if on {
		irq.LinkStatusChanged(up)
	}
}

// LinkUp reports the simulated PHY link state.
func (d *Device) LinkUp() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.linkUp
}

// Inject delivers a raw frame through the receive ring. It returns false if
// the frame was lost: receive masked, link down or ring exhausted.
func (d *Device) Inject(frame []byte) bool {
	return d.InjectStatus(frame, 0)
}

// InjectStatus delivers frame with the given receive status bits.
func (d *Device) InjectStatus(frame []byte, status uint32) bool {
	d.mu.Lock()
	ring, irq := d.ring, d.irq
	on := irq != nil && d.linkUp && d.enabled&datalink.InterruptReceive != 0
	if !on {
		d.rxDropped++
	}
	d.mu.Unlock()
	if !on {
		return false
	}

	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	desc, ok := ring.Fill(frame, status)
	if !ok {
		irq.ReceiveBufferUnavailable()
		return false
	}
	irq.ReceiveComplete(desc)
	return true
}

// Fault raises a device fault interrupt.
func (d *Device) Fault(code event.ErrorCode, cause uint32) {
	d.mu.Lock()
	irq, on := d.irq, d.irq != nil && d.enabled&datalink.InterruptFault != 0
	d.mu.Unlock()
	if on {
		irq.Fault(code, cause)
	}
}

// Sent returns copies of every frame transmitted so far.
func (d *Device) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

// ClearSent forgets the transmit log.
func (d *Device) ClearSent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = nil
}

// RxDropped counts frames offered while reception was off.
func (d *Device) RxDropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rxDropped
}

func (d *Device) String() string {
	return fmt.Sprintf("sim(%s)", d.mac)
}
