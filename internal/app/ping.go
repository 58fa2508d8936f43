package app

import (
	"errors"
	"fmt"
	"net/netip"

	"go.uber.org/atomic"

	"firestige.xyz/netstack/internal/arp"
	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/log"
)

const replyQueueSize = 8

// NextHopResolver resolves the hardware address used to reach dst.
type NextHopResolver interface {
	Resolve(dst netip.Addr) (core.HardwareAddr, arp.Status, error)
}

// EchoTransport sends echo requests and forgets them on timeout.
type EchoTransport interface {
	SendEchoRequest(dst netip.Addr, seq uint16) error
	Abandon(seq uint16) bool
}

// Pinger runs one echo exchange at a time. Replies travel from the receive
// interrupt to the waiting caller through a bounded queue.
type Pinger struct {
	clk     clock.Source
	net     NextHopResolver
	echo    EchoTransport
	reg     *event.Registry
	logger  log.Logger
	replies *event.Queue[event.EchoReplyReceived]
	sub     event.SubscriptionID
	busy    atomic.Bool
	seq     atomic.Uint32
}

// NewPinger creates a pinger listening for echo replies on reg.
func NewPinger(clk clock.Source, net NextHopResolver, echo EchoTransport, reg *event.Registry) (*Pinger, error) {
	p := &Pinger{
		clk:     clk,
		net:     net,
		echo:    echo,
		reg:     reg,
		logger:  log.GetLogger().WithField("layer", "app"),
		replies: event.NewQueue[event.EchoReplyReceived](replyQueueSize),
	}
	id, err := reg.Subscribe(event.SourceICMP, "ping", p.onReply)
	if err != nil {
		return nil, err
	}
	p.sub = id
	return p, nil
}

// Close stops listening for replies.
func (p *Pinger) Close() {
	p.reg.Unsubscribe(event.SourceICMP, p.sub)
}

func (p *Pinger) onReply(ev event.Event) {
	if r, ok := ev.(*event.EchoReplyReceived); ok {
		p.replies.Push(*r)
	}
}

// Ping resolves dst, sends one echo request and waits for the matching
// reply. Resolution, send and wait share budget milliseconds. The RTT is
// measured from the moment the request was sent.
//
// It returns ErrUnreachable when address resolution gave up, ErrTimedOut
// when no reply arrived in time, and ErrBusy while another exchange is in
// progress. A transmit failure is reported as ErrTimedOut wrapping
// ErrTransmitFailed.
func (p *Pinger) Ping(dst netip.Addr, budget uint32) (uint32, error) {
	if !p.busy.CompareAndSwap(false, true) {
		return 0, core.ErrBusy
	}
	defer p.busy.Store(false)

	p.replies.Drain()
	mark := p.clk.Now()

	var (
		status arp.Status
		rerr   error
	)
	resolved := clock.Poll(p.clk, mark, budget, func() bool {
		_, status, rerr = p.net.Resolve(dst)
		return rerr != nil || status != arp.Pending
	})
	switch {
	case rerr != nil && errors.Is(rerr, core.ErrUnreachable):
		return 0, rerr
	case rerr != nil:
		return 0, fmt.Errorf("%w: %w", core.ErrTimedOut, rerr)
	case !resolved:
		p.logger.Debugf("ping %s: address unresolved after %dms", dst, budget)
		return 0, fmt.Errorf("%w: %s unresolved", core.ErrTimedOut, dst)
	case status == arp.Unreachable:
		return 0, fmt.Errorf("%w: %s", core.ErrUnreachable, dst)
	}

	seq := uint16(p.seq.Inc())
	if err := p.echo.SendEchoRequest(dst, seq); err != nil {
		if errors.Is(err, core.ErrUnreachable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", core.ErrTimedOut, err)
	}

	var rtt uint32
	ok := clock.Poll(p.clk, mark, budget, func() bool {
		for {
			r, ok := p.replies.Pop()
			if !ok {
				return false
			}
			if r.Seq == seq {
				rtt = r.RTT
				return true
			}
		}
	})
	if !ok {
		p.echo.Abandon(seq)
		return 0, fmt.Errorf("%w: no reply from %s seq=%d", core.ErrTimedOut, dst, seq)
	}
	return rtt, nil
}
