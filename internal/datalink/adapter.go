package datalink

import (
	"fmt"

	"go.uber.org/atomic"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/core/codec"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/irq"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/metrics"
)

// Config sizes the receive path.
type Config struct {
	RxDescriptors int
	BufferSize    int
	Promiscuous   bool
}

// ErrorReporter receives device faults, from interrupt context.
type ErrorReporter func(ev *event.NetworkError)

// Stats counts adapter traffic.
type Stats struct {
	RxFrames      uint64
	RxErrors      uint64 // error summary, runt, oversize
	RxFiltered    uint64
	RxExhausted   uint64
	TxFrames      uint64
	TxFailed      uint64
	TxCompleted   uint64
	LinkChanges   uint64
	RxDescriptors int
	RxAvailable   int
}

// Adapter owns the device and turns its interrupts into events.
type Adapter struct {
	dev    Device
	reg    *event.Registry
	cfg    Config
	report ErrorReporter
	logger log.Logger

	ring   *RxRing
	filter *Filter
	hw     core.HardwareAddr

	rx    *irq.Line
	tx    *irq.Line
	phy   *irq.Line
	fault *irq.Line

	link      *event.Cell[LinkState]
	exhausted atomic.Bool

	// one descriptor per source, reused under that source's line
	frameEv event.FrameReceived
	linkEv  event.LinkStatusChanged
	txEv    event.TransmitComplete
	errEv   event.NetworkError

	rxFrames    atomic.Uint64
	rxErrors    atomic.Uint64
	rxFiltered  atomic.Uint64
	rxExhausted atomic.Uint64
	txFrames    atomic.Uint64
	txFailed    atomic.Uint64
	txCompleted atomic.Uint64
	linkChanges atomic.Uint64
}

// NewAdapter wraps dev. Nothing touches the device until Init.
func NewAdapter(dev Device, reg *event.Registry, cfg Config, report ErrorReporter) *Adapter {
	if cfg.RxDescriptors <= 0 {
		cfg.RxDescriptors = 4
	}
	if cfg.BufferSize < codec.MaxFrameLen {
		cfg.BufferSize = codec.MaxFrameLen
	}
	return &Adapter{
		dev:    dev,
		reg:    reg,
		cfg:    cfg,
		report: report,
		logger: log.GetLogger().WithField("layer", "datalink"),
		rx:     irq.NewLine("eth-rx"),
		tx:     irq.NewLine("eth-tx"),
		phy:    irq.NewLine("phy"),
		fault:  irq.NewLine("eth-fault"),
		link:   event.NewCell(LinkUnknown),
	}
}

// Init allocates the receive ring, initialises the device and builds the
// address filter from the device's hardware address.
func (a *Adapter) Init() error {
	a.ring = NewRxRing(a.cfg.RxDescriptors, a.cfg.BufferSize)
	if err := a.dev.Init(a.ring, a); err != nil {
		return fmt.Errorf("%w: %w", core.ErrDeviceInitFailed, err)
	}
	a.hw = a.dev.HardwareAddr()

	if !a.cfg.Promiscuous {
		f, err := NewFilter(a.hw)
		if err != nil {
			return fmt.Errorf("%w: rx filter: %w", core.ErrDeviceInitFailed, err)
		}
		a.filter = f
	}

	a.logger.Infof("device initialised, hw=%s rx_descriptors=%d buffer_size=%d promiscuous=%t",
		a.hw, a.cfg.RxDescriptors, a.cfg.BufferSize, a.cfg.Promiscuous)
	return nil
}

// Start enables every device interrupt source.
func (a *Adapter) Start() error {
	if !a.dev.EnableInterrupts(InterruptAll) {
		return fmt.Errorf("%w: interrupts could not be enabled", core.ErrDeviceStartFailed)
	}
	return nil
}

// Stop masks every device interrupt source.
func (a *Adapter) Stop() {
	a.dev.DisableInterrupts(InterruptAll)
}

// Close releases the device.
func (a *Adapter) Close() error {
	a.Stop()
	return a.dev.Close()
}

// Transmit hands frame to the device.
func (a *Adapter) Transmit(frame []byte) bool {
	if !a.dev.TransmitFrame(frame) {
		a.txFailed.Inc()
		metrics.FramesTransmittedTotal.WithLabelValues("failed").Inc()
		return false
	}
	a.txFrames.Inc()
	metrics.FramesTransmittedTotal.WithLabelValues("ok").Inc()
	return true
}

func (a *Adapter) HardwareAddr() core.HardwareAddr {
	return a.hw
}

// LinkState returns the last state reported by the PHY.
func (a *Adapter) LinkState() LinkState {
	return a.link.Load()
}

// RxLine is the receive interrupt line. State mutated by receive handlers
// must be guarded by it from foreground code.
func (a *Adapter) RxLine() *irq.Line {
	return a.rx
}

func (a *Adapter) Stats() Stats {
	s := Stats{
		RxFrames:    a.rxFrames.Load(),
		RxErrors:    a.rxErrors.Load(),
		RxFiltered:  a.rxFiltered.Load(),
		RxExhausted: a.rxExhausted.Load(),
		TxFrames:    a.txFrames.Load(),
		TxFailed:    a.txFailed.Load(),
		TxCompleted: a.txCompleted.Load(),
		LinkChanges: a.linkChanges.Load(),
	}
	if a.ring != nil {
		s.RxDescriptors = a.ring.Len()
		s.RxAvailable = a.ring.Available()
	}
	return s
}

// ReceiveComplete is the receive ISR.
func (a *Adapter) ReceiveComplete(d *RxDescriptor) {
	a.rx.Service(func() {
		// the descriptor goes back to DMA whatever happens below
		defer a.ring.Rearm(d)

		switch {
		case d.Status&(StatusErrorSummary|StatusOverflow) != 0:
			a.drop("status")
			return
		case d.Length < codec.EthernetHeaderLen:
			a.drop("runt")
			return
		case d.Length > codec.MaxFrameLen:
			a.drop("oversize")
			return
		}

		frame := d.Frame()
		if a.filter != nil && !a.filter.Accept(frame) {
			a.rxFiltered.Inc()
			metrics.FramesDroppedTotal.WithLabelValues("filter").Inc()
			return
		}

		a.exhausted.Store(false)
		a.rxFrames.Inc()
		metrics.FramesReceivedTotal.Inc()

		a.frameEv.Frame = frame
		a.reg.Publish(event.SourceMAC, &a.frameEv)
		a.frameEv.Frame = nil
	})
}

func (a *Adapter) drop(reason string) {
	a.rxErrors.Inc()
	metrics.FramesDroppedTotal.WithLabelValues(reason).Inc()
	if a.logger.IsDebugEnabled() {
		a.logger.Debugf("rx frame dropped: %s", reason)
	}
}

// TransmitComplete is the transmit ISR.
func (a *Adapter) TransmitComplete() {
	a.tx.Service(func() {
		a.txCompleted.Inc()
		a.reg.Publish(event.SourceMAC, &a.txEv)
	})
}

// LinkStatusChanged is the PHY ISR. The transition is reported raw.
func (a *Adapter) LinkStatusChanged(up bool) {
	a.phy.Service(func() {
		state := LinkDown
		if up {
			state = LinkUp
		}
		a.link.Store(state)
		a.dev.ClearPendingInterrupts()
		a.linkChanges.Inc()
		if up {
			metrics.LinkUp.Set(1)
		} else {
			metrics.LinkUp.Set(0)
		}

		a.linkEv.Up = up
		a.reg.Publish(event.SourcePHY, &a.linkEv)
	})
}

// ReceiveBufferUnavailable is raised when DMA finds no descriptor to fill.
// It is reported once per exhaustion episode; the next accepted frame ends
// the episode.
func (a *Adapter) ReceiveBufferUnavailable() {
	a.rxExhausted.Inc()
	metrics.FramesDroppedTotal.WithLabelValues("exhausted").Inc()
	if a.exhausted.Swap(true) {
		return
	}
	a.raise(event.ProviderDatalink, event.ErrorRxDescriptorsExhausted, uint32(a.ring.Len()))
}

// Fault is raised for DMA, PHY and transmit errors.
func (a *Adapter) Fault(code event.ErrorCode, cause uint32) {
	provider := event.ProviderDatalink
	if code == event.ErrorPHYFault {
		provider = event.ProviderPHY
	}
	a.raise(provider, code, cause)
}

func (a *Adapter) raise(provider event.Provider, code event.ErrorCode, cause uint32) {
	a.fault.Service(func() {
		a.errEv = event.NetworkError{Provider: provider, Code: code, Cause: cause}
		a.logger.WithField("provider", provider.String()).Errorf("device fault %s cause=%d", code, cause)
		if a.report != nil {
			a.report(&a.errEv)
		}
	})
}
