// Package arp implements the address resolution layer: a fixed-capacity
// IPv4 to hardware address cache fed by ARP replies seen on the wire.
//
// The cache is written by the receive interrupt handler and by foreground
// code with the receive line disabled. Expiry and retransmission happen
// lazily inside Resolve; there is no timer.
package arp

import (
	"fmt"
	"net/netip"
	"sync"

	"go.uber.org/atomic"

	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/core/codec"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/irq"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/metrics"
)

// Status is the outcome of a resolution.
type Status uint8

const (
	Resolved Status = iota + 1
	Pending
	Unreachable
)

func (s Status) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case Pending:
		return "pending"
	case Unreachable:
		return "unreachable"
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// State is a cache entry state.
type State uint8

const (
	StateFree State = iota
	StatePending
	StateResolved
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateResolved:
		return "resolved"
	case StateUnreachable:
		return "unreachable"
	}
	return "free"
}

// Config tunes the cache. Durations are in milliseconds.
type Config struct {
	Capacity        int
	MaxAge          uint32 // RESOLVED lifetime
	RetryInterval   uint32 // between requests for a PENDING entry
	MaxRetries      int    // retransmissions before UNREACHABLE
	UnreachableHold uint32 // how long UNREACHABLE is remembered
}

// DefaultConfig returns the defaults used when a field is zero. MaxRetries
// falls back only when negative, since zero retransmissions is valid.
func DefaultConfig() Config {
	return Config{
		Capacity:        8,
		MaxAge:          5 * 60 * 1000,
		RetryInterval:   500,
		MaxRetries:      3,
		UnreachableHold: 10 * 1000,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.MaxAge == 0 {
		c.MaxAge = d.MaxAge
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.UnreachableHold == 0 {
		c.UnreachableHold = d.UnreachableHold
	}
	return c
}

// Entry is a snapshot of one cache slot.
type Entry struct {
	IP      netip.Addr
	HW      core.HardwareAddr
	State   State
	Updated clock.Millis // last state change or accepted reply
	Retries int
}

// Stats counts resolver activity.
type Stats struct {
	RequestsSent uint64
	RepliesSent  uint64
	Updates      uint64
	Speculative  uint64
	Evictions    uint64
	Expired      uint64
	Unreachable  uint64
	Malformed    uint64
	Flushes      uint64
	Entries      int
}

// Transmitter sends a raw frame.
type Transmitter interface {
	Transmit(frame []byte) bool
}

type entry struct {
	Entry
	requested clock.Millis
	seq       uint64 // insertion/update order, for eviction
}

// Resolver is the ARP layer.
type Resolver struct {
	cfg    Config
	clk    clock.Source
	tx     Transmitter
	hw     core.HardwareAddr
	line   *irq.Line
	logger log.Logger

	local   atomic.Pointer[netip.Addr]
	entries []entry
	seq     uint64

	// foreground request buffer; replies are built in replyBuf under the rx line
	reqMu    sync.Mutex
	reqBuf   [codec.MinFrameLen]byte
	replyBuf [codec.MinFrameLen]byte

	requestsSent atomic.Uint64
	repliesSent  atomic.Uint64
	updates      atomic.Uint64
	speculative  atomic.Uint64
	evictions    atomic.Uint64
	expired      atomic.Uint64
	unreachable  atomic.Uint64
	malformed    atomic.Uint64
	flushes      atomic.Uint64
}

// New creates a resolver transmitting through tx as hw. line is the receive
// interrupt line that delivers ARP frames.
func New(cfg Config, clk clock.Source, tx Transmitter, hw core.HardwareAddr, line *irq.Line) *Resolver {
	cfg = cfg.withDefaults()
	return &Resolver{
		cfg:     cfg,
		clk:     clk,
		tx:      tx,
		hw:      hw,
		line:    line,
		logger:  log.GetLogger().WithField("layer", "arp"),
		entries: make([]entry, cfg.Capacity),
	}
}

// Subscribe wires the resolver to received frames, link changes and
// address announcements.
func (r *Resolver) Subscribe(reg *event.Registry) error {
	if _, err := reg.Subscribe(event.SourceMAC, "arp", r.onFrame); err != nil {
		return err
	}
	if _, err := reg.Subscribe(event.SourcePHY, "arp", r.onLink); err != nil {
		return err
	}
	if _, err := reg.Subscribe(event.SourceNotification, "arp", r.onNotification); err != nil {
		return err
	}
	return nil
}

// SetLocalAddr sets the address the resolver answers for and uses as the
// sender of its requests.
func (r *Resolver) SetLocalAddr(ip netip.Addr) {
	r.local.Store(&ip)
}

// LocalAddr returns the configured local address, if any.
func (r *Resolver) LocalAddr() netip.Addr {
	if p := r.local.Load(); p != nil {
		return *p
	}
	return netip.Addr{}
}

// Resolve looks ip up. A miss inserts a PENDING entry, sends a request and
// reports Pending; callers poll Resolve until the status changes.
func (r *Resolver) Resolve(ip netip.Addr) (core.HardwareAddr, Status) {
	now := r.clk.Now()

	r.line.Disable()
	retx := r.sweep(now)
	var (
		hw     core.HardwareAddr
		status = Pending
		send   bool
	)
	if i := r.find(ip); i >= 0 {
		switch r.entries[i].State {
		case StateResolved:
			hw, status = r.entries[i].HW, Resolved
		case StateUnreachable:
			status = Unreachable
		}
	} else {
		i = r.allocate(false)
		r.seq++
		r.entries[i] = entry{
			Entry:     Entry{IP: ip, State: StatePending, Updated: now},
			requested: now,
			seq:       r.seq,
		}
		send = true
	}
	r.line.Enable()

	for _, a := range retx {
		r.sendRequest(a)
	}
	if send {
		r.sendRequest(ip)
	}
	r.updateGauges()
	return hw, status
}

// Retry forgets whatever is cached for ip and resolves it again. It is the
// explicit attempt that clears an Unreachable result.
func (r *Resolver) Retry(ip netip.Addr) (core.HardwareAddr, Status) {
	r.line.Disable()
	if i := r.find(ip); i >= 0 {
		r.entries[i] = entry{}
	}
	r.line.Enable()
	return r.Resolve(ip)
}

// Flush empties the cache.
func (r *Resolver) Flush() {
	r.line.Disable()
	r.flush()
	r.line.Enable()
	r.updateGauges()
}

// Entries returns a snapshot of occupied slots.
func (r *Resolver) Entries() []Entry {
	r.line.Disable()
	defer r.line.Enable()
	out := make([]Entry, 0, len(r.entries))
	for i := range r.entries {
		if r.entries[i].State != StateFree {
			out = append(out, r.entries[i].Entry)
		}
	}
	return out
}

func (r *Resolver) Stats() Stats {
	return Stats{
		RequestsSent: r.requestsSent.Load(),
		RepliesSent:  r.repliesSent.Load(),
		Updates:      r.updates.Load(),
		Speculative:  r.speculative.Load(),
		Evictions:    r.evictions.Load(),
		Expired:      r.expired.Load(),
		Unreachable:  r.unreachable.Load(),
		Malformed:    r.malformed.Load(),
		Flushes:      r.flushes.Load(),
		Entries:      len(r.Entries()),
	}
}

// sweep ages the cache and returns the addresses whose request is due for
// retransmission. Called with the line disabled.
func (r *Resolver) sweep(now clock.Millis) []netip.Addr {
	var retx []netip.Addr
	for i := range r.entries {
		e := &r.entries[i]
		switch e.State {
		case StateResolved:
			if uint32(now-e.Updated) >= r.cfg.MaxAge {
				*e = entry{}
				r.expired.Inc()
			}
		case StatePending:
			if uint32(now-e.requested) < r.cfg.RetryInterval {
				continue
			}
			if e.Retries >= r.cfg.MaxRetries {
				e.State = StateUnreachable
				e.Updated = now
				r.unreachable.Inc()
				r.logger.Warnf("%s unreachable after %d retransmissions", e.IP, e.Retries)
				continue
			}
			e.Retries++
			e.requested = now
			retx = append(retx, e.IP)
		case StateUnreachable:
			if uint32(now-e.Updated) >= r.cfg.UnreachableHold {
				*e = entry{}
			}
		}
	}
	return retx
}

func (r *Resolver) find(ip netip.Addr) int {
	for i := range r.entries {
		if r.entries[i].State != StateFree && r.entries[i].IP == ip {
			return i
		}
	}
	return -1
}

// allocate returns a free slot, evicting if needed: the least recently
// updated RESOLVED entry, else (unless speculative) the oldest entry of any
// state. Speculative allocations return -1 rather than displace pending work.
func (r *Resolver) allocate(speculative bool) int {
	oldestResolved, oldest := -1, -1
	for i := range r.entries {
		e := &r.entries[i]
		if e.State == StateFree {
			return i
		}
		if e.State == StateResolved && (oldestResolved < 0 || e.seq < r.entries[oldestResolved].seq) {
			oldestResolved = i
		}
		if oldest < 0 || e.seq < r.entries[oldest].seq {
			oldest = i
		}
	}

	victim := oldestResolved
	if victim < 0 && !speculative {
		victim = oldest
	}
	if victim >= 0 {
		r.logger.Debugf("evicting %s (%s)", r.entries[victim].IP, r.entries[victim].State)
		r.entries[victim] = entry{}
		r.evictions.Inc()
	}
	return victim
}

func (r *Resolver) flush() {
	for i := range r.entries {
		r.entries[i] = entry{}
	}
	r.flushes.Inc()
}

func (r *Resolver) sendRequest(ip netip.Addr) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	frame := r.build(r.reqBuf[:], core.ARPPacket{
		Operation: core.ARPRequest,
		SenderHW:  r.hw,
		SenderIP:  r.senderIP(),
		TargetIP:  ip,
	}, core.BroadcastHardwareAddr)
	if r.tx.Transmit(frame) {
		r.requestsSent.Inc()
		metrics.ARPRequestsTotal.Inc()
	}
}

func (r *Resolver) senderIP() netip.Addr {
	if a := r.LocalAddr(); a.IsValid() {
		return a
	}
	return netip.IPv4Unspecified()
}

func (r *Resolver) build(b []byte, p core.ARPPacket, dst core.HardwareAddr) []byte {
	n := codec.EncodeEthernet(b, core.EthernetHeader{DstMAC: dst, SrcMAC: r.hw, EtherType: core.EtherTypeARP})
	n += codec.EncodeARP(b[n:], p)
	clear(b[n:])
	return b[:codec.MinFrameLen]
}

// onFrame handles ARP traffic. It runs in receive interrupt context with the
// line held.
func (r *Resolver) onFrame(ev event.Event) {
	fe, ok := ev.(*event.FrameReceived)
	if !ok {
		return
	}
	eth, payload, err := codec.DecodeEthernet(fe.Frame)
	if err != nil || eth.EtherType != core.EtherTypeARP {
		return
	}
	p, err := codec.DecodeARP(payload)
	if err != nil {
		r.malformed.Inc()
		return
	}
	if !p.SenderIP.IsValid() || p.SenderIP.IsUnspecified() || p.SenderHW.IsBroadcast() {
		return
	}

	now := r.clk.Now()
	local := r.LocalAddr()

	// RFC 826: update the sender's mapping if we already know it
	merged := false
	if i := r.find(p.SenderIP); i >= 0 {
		r.accept(i, p.SenderHW, now)
		merged = true
	}
	if !merged && p.Operation == core.ARPReply {
		if i := r.allocate(true); i >= 0 {
			r.seq++
			r.entries[i] = entry{
				Entry: Entry{IP: p.SenderIP, HW: p.SenderHW, State: StateResolved, Updated: now},
				seq:   r.seq,
			}
			r.speculative.Inc()
		}
	}

	if p.Operation == core.ARPRequest && local.IsValid() && p.TargetIP == local {
		frame := r.build(r.replyBuf[:], core.ARPPacket{
			Operation: core.ARPReply,
			SenderHW:  r.hw,
			SenderIP:  local,
			TargetHW:  p.SenderHW,
			TargetIP:  p.SenderIP,
		}, p.SenderHW)
		if r.tx.Transmit(frame) {
			r.repliesSent.Inc()
		}
	}
}

func (r *Resolver) accept(i int, hw core.HardwareAddr, now clock.Millis) {
	e := &r.entries[i]
	if e.State == StatePending && r.logger.IsDebugEnabled() {
		r.logger.Debugf("resolved %s is-at %s", e.IP, hw)
	}
	r.seq++
	e.HW = hw
	e.State = StateResolved
	e.Updated = now
	e.Retries = 0
	e.seq = r.seq
	r.updates.Inc()
}

// onLink flushes the cache when the link drops: cached mappings may be stale
// on whatever segment comes back.
func (r *Resolver) onLink(ev event.Event) {
	le, ok := ev.(*event.LinkStatusChanged)
	if !ok || le.Up {
		return
	}
	r.line.Disable()
	r.flush()
	r.line.Enable()
}

func (r *Resolver) onNotification(ev event.Event) {
	if a, ok := ev.(*event.IPAddressAnnouncement); ok {
		r.SetLocalAddr(a.Addr)
	}
}

func (r *Resolver) updateGauges() {
	var counts [StateUnreachable + 1]int
	r.line.Disable()
	for i := range r.entries {
		counts[r.entries[i].State]++
	}
	r.line.Enable()
	for _, s := range []State{StatePending, StateResolved, StateUnreachable} {
		metrics.ARPCacheEntries.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}
