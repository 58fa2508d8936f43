// Package ip implements the basic IPv4 network layer: static addressing,
// next-hop selection, framing and receive-side validation.
package ip

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"firestige.xyz/netstack/internal/arp"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/core/codec"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/metrics"
)

// MaxPayload is the largest payload that fits an untagged Ethernet frame.
const MaxPayload = codec.MaxFrameLen - codec.EthernetHeaderLen - codec.IPv4HeaderLen

const defaultTTL = 64

// Config tunes the network layer.
type Config struct {
	TTL uint8
}

// DropReason classifies received packets discarded as network noise.
type DropReason uint8

const (
	DropVersion DropReason = iota
	DropHeaderLength
	DropTruncated
	DropChecksum
	DropFragment
	DropNotForUs

	dropReasonCount
)

func (r DropReason) String() string {
	switch r {
	case DropVersion:
		return "version"
	case DropHeaderLength:
		return "header_length"
	case DropTruncated:
		return "truncated"
	case DropChecksum:
		return "checksum"
	case DropFragment:
		return "fragment"
	case DropNotForUs:
		return "not_for_us"
	}
	return fmt.Sprintf("drop(%d)", uint8(r))
}

// Stats counts network layer traffic.
type Stats struct {
	Sent       uint64
	SendFailed uint64
	Delivered  uint64
	Drops      map[DropReason]uint64
}

// Resolver maps a next hop to a hardware address.
type Resolver interface {
	Resolve(ip netip.Addr) (core.HardwareAddr, arp.Status)
	Retry(ip netip.Addr) (core.HardwareAddr, arp.Status)
}

// Link sends frames as one hardware address.
type Link interface {
	Transmit(frame []byte) bool
	HardwareAddr() core.HardwareAddr
}

type addressing struct {
	local, mask, gateway netip.Addr
	network, broadcast   uint32
}

// Layer is the network layer.
type Layer struct {
	cfg    Config
	res    Resolver
	link   Link
	reg    *event.Registry
	logger log.Logger

	addr atomic.Pointer[addressing]
	id   atomic.Uint32

	sendMu   sync.Mutex
	sendBuf  [codec.MaxFrameLen]byte
	replyMu  sync.Mutex
	replyBuf [codec.MaxFrameLen]byte

	// reused under the receive line
	pktEv event.IPPacketReceived

	sent       atomic.Uint64
	sendFailed atomic.Uint64
	delivered  atomic.Uint64
	drops      [dropReasonCount]atomic.Uint64
	dropMetric [dropReasonCount]prometheus.Counter
}

// New creates an unconfigured network layer.
func New(cfg Config, res Resolver, link Link, reg *event.Registry) *Layer {
	if cfg.TTL == 0 {
		cfg.TTL = defaultTTL
	}
	l := &Layer{
		cfg:    cfg,
		res:    res,
		link:   link,
		reg:    reg,
		logger: log.GetLogger().WithField("layer", "ip"),
	}
	for r := DropReason(0); r < dropReasonCount; r++ {
		l.dropMetric[r] = metrics.IPDropsTotal.WithLabelValues(r.String())
	}
	return l
}

// Subscribe wires the layer to received frames.
func (l *Layer) Subscribe() error {
	_, err := l.reg.Subscribe(event.SourceMAC, "ip", l.onFrame)
	return err
}

// Configure applies the static address. It succeeds exactly once; gateway
// may be the zero Addr for an on-link-only host.
func (l *Layer) Configure(local, mask, gateway netip.Addr) error {
	if !local.Is4() || !core.IsContiguousMask(mask) {
		return fmt.Errorf("%w: address %s mask %s", core.ErrConfigInvalid, local, mask)
	}
	m := core.Uint32(mask)
	a := &addressing{
		local:     local,
		mask:      mask,
		gateway:   gateway,
		network:   core.Uint32(local) & m,
		broadcast: core.Uint32(local) | ^m,
	}
	if gateway.IsValid() && (!gateway.Is4() || core.Uint32(gateway)&m != a.network) {
		return fmt.Errorf("%w: gateway %s is not on %s/%d", core.ErrConfigInvalid, gateway, local, core.PrefixLen(mask))
	}
	if !l.addr.CompareAndSwap(nil, a) {
		return core.ErrAlreadyConfigured
	}
	l.logger.Infof("configured %s/%d gateway=%s", local, core.PrefixLen(mask), gateway)
	return nil
}

// LocalAddr returns the configured address, or the zero Addr.
func (l *Layer) LocalAddr() netip.Addr {
	if a := l.addr.Load(); a != nil {
		return a.local
	}
	return netip.Addr{}
}

// NextHop returns where a packet for dst is sent on the wire and whether dst
// is a broadcast address.
func (l *Layer) NextHop(dst netip.Addr) (netip.Addr, bool, error) {
	a := l.addr.Load()
	if a == nil {
		return netip.Addr{}, false, core.ErrNotConfigured
	}
	d := core.Uint32(dst)
	m := core.Uint32(a.mask)
	switch {
	case d == 0xFFFFFFFF || d == a.broadcast:
		return dst, true, nil
	case d&m == a.network:
		return dst, false, nil
	case a.gateway.IsValid():
		return a.gateway, false, nil
	}
	return netip.Addr{}, false, fmt.Errorf("%w: %s is off-link and no gateway is configured", core.ErrUnreachable, dst)
}

// Resolve resolves the next hop for dst.
func (l *Layer) Resolve(dst netip.Addr) (core.HardwareAddr, arp.Status, error) {
	hop, bcast, err := l.NextHop(dst)
	if err != nil {
		return core.HardwareAddr{}, arp.Unreachable, err
	}
	if bcast {
		return core.BroadcastHardwareAddr, arp.Resolved, nil
	}
	hw, st := l.res.Resolve(hop)
	return hw, st, nil
}

// Reresolve starts a fresh resolution of dst's next hop, discarding any
// cached or unreachable result.
func (l *Layer) Reresolve(dst netip.Addr) (core.HardwareAddr, arp.Status, error) {
	hop, bcast, err := l.NextHop(dst)
	if err != nil {
		return core.HardwareAddr{}, arp.Unreachable, err
	}
	if bcast {
		return core.BroadcastHardwareAddr, arp.Resolved, nil
	}
	hw, st := l.res.Retry(hop)
	return hw, st, nil
}

// Send frames payload for dst. It fails with ErrAddressUnresolved while the
// next hop is still being resolved.
func (l *Layer) Send(dst netip.Addr, proto uint8, payload []byte) error {
	hw, st, err := l.Resolve(dst)
	if err != nil {
		return err
	}
	switch st {
	case arp.Pending:
		return fmt.Errorf("%w: %s", core.ErrAddressUnresolved, dst)
	case arp.Unreachable:
		return fmt.Errorf("%w: %w: %s", core.ErrAddressUnresolved, core.ErrUnreachable, dst)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	return l.transmit(l.sendBuf[:], hw, dst, proto, payload)
}

// Reply sends payload straight to dstHW without consulting the resolver.
// Responders running in receive interrupt context use it.
func (l *Layer) Reply(dstHW core.HardwareAddr, dst netip.Addr, proto uint8, payload []byte) error {
	if l.addr.Load() == nil {
		return core.ErrNotConfigured
	}
	l.replyMu.Lock()
	defer l.replyMu.Unlock()
	return l.transmit(l.replyBuf[:], dstHW, dst, proto, payload)
}

func (l *Layer) transmit(b []byte, dstHW core.HardwareAddr, dst netip.Addr, proto uint8, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", core.ErrTransmitFailed, len(payload), MaxPayload)
	}

	n := codec.EncodeEthernet(b, core.EthernetHeader{
		DstMAC:    dstHW,
		SrcMAC:    l.link.HardwareAddr(),
		EtherType: core.EtherTypeIPv4,
	})
	n += codec.EncodeIPv4(b[n:], core.IPHeader{
		TotalLen: uint16(codec.IPv4HeaderLen + len(payload)),
		ID:       uint16(l.id.Inc()),
		TTL:      l.cfg.TTL,
		Protocol: proto,
		SrcIP:    l.LocalAddr(),
		DstIP:    dst,
	})
	n += copy(b[n:], payload)
	if n < codec.MinFrameLen {
		clear(b[n:codec.MinFrameLen])
		n = codec.MinFrameLen
	}

	if !l.link.Transmit(b[:n]) {
		l.sendFailed.Inc()
		return fmt.Errorf("%w: %s", core.ErrTransmitFailed, dst)
	}
	l.sent.Inc()
	return nil
}

// onFrame validates an IPv4 frame and republishes its payload. It runs in
// receive interrupt context.
func (l *Layer) onFrame(ev event.Event) {
	fe, ok := ev.(*event.FrameReceived)
	if !ok {
		return
	}
	eth, payload, err := codec.DecodeEthernet(fe.Frame)
	if err != nil || eth.EtherType != core.EtherTypeIPv4 {
		return
	}

	hdr, body, err := codec.DecodeIPv4(payload)
	switch {
	case errors.Is(err, core.ErrUnsupportedProto):
		l.drop(DropVersion)
		return
	case errors.Is(err, core.ErrBadChecksum):
		l.drop(DropChecksum)
		return
	case err != nil && hdr.Version == 4 && hdr.IHL < 5:
		l.drop(DropHeaderLength)
		return
	case err != nil:
		l.drop(DropTruncated)
		return
	case hdr.IsFragment():
		l.drop(DropFragment)
		return
	case !l.accepts(hdr.DstIP):
		l.drop(DropNotForUs)
		return
	}

	l.delivered.Inc()
	l.pktEv = event.IPPacketReceived{Header: hdr, Payload: body, SrcHW: eth.SrcMAC}
	l.reg.Publish(event.SourceIP, &l.pktEv)
	l.pktEv.Payload = nil
}

func (l *Layer) accepts(dst netip.Addr) bool {
	d := core.Uint32(dst)
	if d == 0xFFFFFFFF {
		return true
	}
	a := l.addr.Load()
	return a != nil && (dst == a.local || d == a.broadcast)
}

func (l *Layer) drop(r DropReason) {
	l.drops[r].Inc()
	l.dropMetric[r].Inc()
	if l.logger.IsDebugEnabled() {
		l.logger.Debugf("packet dropped: %s", r)
	}
}

func (l *Layer) Stats() Stats {
	s := Stats{
		Sent:       l.sent.Load(),
		SendFailed: l.sendFailed.Load(),
		Delivered:  l.delivered.Load(),
		Drops:      make(map[DropReason]uint64, dropReasonCount),
	}
	for r := DropReason(0); r < dropReasonCount; r++ {
		s.Drops[r] = l.drops[r].Load()
	}
	return s
}
