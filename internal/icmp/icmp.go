// Package icmp implements the ICMP echo transport: request/reply
// correlation through a fixed pending table, and the echo responder.
package icmp

import (
	"fmt"
	"net/netip"

	"go.uber.org/atomic"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/core/codec"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/irq"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/metrics"
)

var protocolICMP = ipv4.ICMPTypeEcho.Protocol()

// Config tunes the transport.
type Config struct {
	Identifier  uint16
	MaxPending  int
	PayloadSize int
}

// DefaultConfig returns the defaults used when a field is zero.
func DefaultConfig() Config {
	return Config{Identifier: 0x5354, MaxPending: 4, PayloadSize: 32}
}

// Network is the layer below.
type Network interface {
	Send(dst netip.Addr, proto uint8, payload []byte) error
	Reply(dstHW core.HardwareAddr, dst netip.Addr, proto uint8, payload []byte) error
	LocalAddr() netip.Addr
	NextHop(dst netip.Addr) (netip.Addr, bool, error)
}

// Stats counts transport activity.
type Stats struct {
	RequestsSent     uint64
	RepliesMatched   uint64
	RepliesUnmatched uint64
	RequestsAnswered uint64
	Malformed        uint64
	Reclaimed        uint64
	Pending          int
}

type pending struct {
	used  bool
	seq   uint16
	dst   netip.Addr
	bcast bool // any host may answer
	sent  clock.Millis
	order uint64
}

// Transport is the ICMP layer.
type Transport struct {
	cfg    Config
	clk    clock.Source
	net    Network
	reg    *event.Registry
	line   *irq.Line
	logger log.Logger

	table []pending
	order uint64
	data  []byte

	// reused under the receive line
	replyEv event.EchoReplyReceived

	requestsSent     atomic.Uint64
	repliesMatched   atomic.Uint64
	repliesUnmatched atomic.Uint64
	requestsAnswered atomic.Uint64
	malformed        atomic.Uint64
	reclaimed        atomic.Uint64
}

// New creates the transport. line is the receive interrupt line that
// delivers replies; the pending table is guarded by it.
func New(cfg Config, clk clock.Source, net Network, reg *event.Registry, line *irq.Line) *Transport {
	d := DefaultConfig()
	if cfg.Identifier == 0 {
		cfg.Identifier = d.Identifier
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = d.MaxPending
	}
	if cfg.PayloadSize < 0 {
		cfg.PayloadSize = d.PayloadSize
	}
	data := make([]byte, cfg.PayloadSize)
	for i := range data {
		data[i] = 'a' + byte(i%23)
	}
	return &Transport{
		cfg:    cfg,
		clk:    clk,
		net:    net,
		reg:    reg,
		line:   line,
		logger: log.GetLogger().WithField("layer", "icmp"),
		table:  make([]pending, cfg.MaxPending),
		data:   data,
	}
}

// Subscribe wires the transport to IP packets.
func (t *Transport) Subscribe() error {
	_, err := t.reg.Subscribe(event.SourceIP, "icmp", t.onPacket)
	return err
}

// Identifier returns the echo identifier used for outgoing requests.
func (t *Transport) Identifier() uint16 {
	return t.cfg.Identifier
}

// SendEchoRequest sends an echo request and records it as pending. seq must
// not already be pending. When the table is full the oldest entry is
// reclaimed. On a send error nothing stays pending.
func (t *Transport) SendEchoRequest(dst netip.Addr, seq uint16) error {
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: int(t.cfg.Identifier), Seq: int(seq), Data: t.data},
	}
	b, err := msg.Marshal(nil)
	if err != nil {
		return err
	}

	// a send error surfaces from Send below
	_, bcast, _ := t.net.NextHop(dst)

	t.line.Disable()
	if t.find(seq) >= 0 {
		t.line.Enable()
		return fmt.Errorf("%w: echo sequence %d already pending", core.ErrBusy, seq)
	}
	i := t.slot()
	t.order++
	t.table[i] = pending{used: true, seq: seq, dst: dst, bcast: bcast, sent: t.clk.Now(), order: t.order}
	t.line.Enable()

	if err := t.net.Send(dst, core.ProtocolICMP, b); err != nil {
		t.Abandon(seq)
		return err
	}
	t.requestsSent.Inc()
	return nil
}

// Abandon removes seq from the pending table. It reports whether an entry
// was removed; a late reply for an abandoned sequence is then dropped.
func (t *Transport) Abandon(seq uint16) bool {
	t.line.Disable()
	defer t.line.Enable()
	if i := t.find(seq); i >= 0 {
		t.table[i] = pending{}
		return true
	}
	return false
}

// PendingCount returns the number of outstanding requests.
func (t *Transport) PendingCount() int {
	t.line.Disable()
	defer t.line.Enable()
	n := 0
	for i := range t.table {
		if t.table[i].used {
			n++
		}
	}
	return n
}

func (t *Transport) Stats() Stats {
	return Stats{
		RequestsSent:     t.requestsSent.Load(),
		RepliesMatched:   t.repliesMatched.Load(),
		RepliesUnmatched: t.repliesUnmatched.Load(),
		RequestsAnswered: t.requestsAnswered.Load(),
		Malformed:        t.malformed.Load(),
		Reclaimed:        t.reclaimed.Load(),
		Pending:          t.PendingCount(),
	}
}

func (t *Transport) find(seq uint16) int {
	for i := range t.table {
		if t.table[i].used && t.table[i].seq == seq {
			return i
		}
	}
	return -1
}

// slot returns a free table index, reclaiming the oldest entry when full.
func (t *Transport) slot() int {
	oldest := 0
	for i := range t.table {
		if !t.table[i].used {
			return i
		}
		if t.table[i].order < t.table[oldest].order {
			oldest = i
		}
	}
	t.logger.Warnf("pending table full, reclaiming sequence %d", t.table[oldest].seq)
	t.reclaimed.Inc()
	t.table[oldest] = pending{}
	return oldest
}

// onPacket runs in receive interrupt context with the line held.
func (t *Transport) onPacket(ev event.Event) {
	pe, ok := ev.(*event.IPPacketReceived)
	if !ok || pe.Header.Protocol != core.ProtocolICMP {
		return
	}
	if codec.Checksum(pe.Payload) != 0 {
		t.malformed.Inc()
		return
	}
	msg, err := icmp.ParseMessage(protocolICMP, pe.Payload)
	if err != nil {
		t.malformed.Inc()
		return
	}
	echo, ok := msg.Body.(*icmp.Echo)
	if !ok {
		return
	}

	switch msg.Type {
	case ipv4.ICMPTypeEchoReply:
		t.onEchoReply(pe, echo)
	case ipv4.ICMPTypeEcho:
		t.onEchoRequest(pe, echo)
	}
}

func (t *Transport) onEchoReply(pe *event.IPPacketReceived, echo *icmp.Echo) {
	seq := uint16(echo.Seq)
	i := -1
	if uint16(echo.ID) == t.cfg.Identifier {
		i = t.find(seq)
	}
	if i >= 0 && !t.table[i].bcast && t.table[i].dst != pe.Header.SrcIP {
		i = -1
	}
	if i < 0 {
		t.repliesUnmatched.Inc()
		metrics.ICMPUnmatchedRepliesTotal.Inc()
		if t.logger.IsDebugEnabled() {
			t.logger.Debugf("unmatched echo reply id=%d seq=%d from %s", echo.ID, echo.Seq, pe.Header.SrcIP)
		}
		return
	}

	rtt := clock.Elapsed(t.clk, t.table[i].sent)
	t.table[i] = pending{}
	t.repliesMatched.Inc()
	metrics.ICMPRoundTripMilliseconds.Observe(float64(rtt))

	t.replyEv = event.EchoReplyReceived{Seq: seq, RTT: rtt, From: pe.Header.SrcIP}
	t.reg.Publish(event.SourceICMP, &t.replyEv)
}

// onEchoRequest answers pings addressed to us, echoing identifier,
// sequence and data.
func (t *Transport) onEchoRequest(pe *event.IPPacketReceived, echo *icmp.Echo) {
	if pe.Header.DstIP != t.net.LocalAddr() {
		return
	}
	msg := icmp.Message{Type: ipv4.ICMPTypeEchoReply, Body: echo}
	b, err := msg.Marshal(nil)
	if err != nil {
		t.malformed.Inc()
		return
	}
	if err := t.net.Reply(pe.SrcHW, pe.Header.SrcIP, core.ProtocolICMP, b); err != nil {
		t.logger.WithError(err).Warn("echo reply not sent")
		return
	}
	t.requestsAnswered.Inc()
}
