package arp

import (
	"math/rand"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/core/codec"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/irq"
)

var (
	localHW = core.HardwareAddr{0x02, 0, 0, 0, 0, 0x05}
	localIP = netip.MustParseAddr("10.0.0.5")
)

type wire struct {
	frames [][]byte
	down   bool
}

func (w *wire) Transmit(frame []byte) bool {
	if w.down {
		return false
	}
	w.frames = append(w.frames, append([]byte(nil), frame...))
	return true
}

func (w *wire) arp(t *testing.T, i int) (core.EthernetHeader, core.ARPPacket) {
	t.Helper()
	require.Greater(t, len(w.frames), i)
	eth, payload, err := codec.DecodeEthernet(w.frames[i])
	require.NoError(t, err)
	p, err := codec.DecodeARP(payload)
	require.NoError(t, err)
	return eth, p
}

func newResolver(cfg Config) (*Resolver, *wire, *clock.Manual) {
	clk := clock.NewManual(1000)
	w := &wire{}
	r := New(cfg, clk, w, localHW, irq.NewLine("rx"))
	r.SetLocalAddr(localIP)
	return r, w, clk
}

func hwFor(n byte) core.HardwareAddr {
	return core.HardwareAddr{0x02, 0, 0, 0, 0x01, n}
}

func ipFor(n byte) netip.Addr {
	return netip.AddrFrom4([4]byte{10, 0, 0, n})
}

func packet(op uint16, senderHW core.HardwareAddr, senderIP netip.Addr, targetHW core.HardwareAddr, targetIP netip.Addr) *event.FrameReceived {
	b := make([]byte, codec.MinFrameLen)
	dst := targetHW
	if op == core.ARPRequest {
		dst = core.BroadcastHardwareAddr
	}
	n := codec.EncodeEthernet(b, core.EthernetHeader{DstMAC: dst, SrcMAC: senderHW, EtherType: core.EtherTypeARP})
	codec.EncodeARP(b[n:], core.ARPPacket{
		Operation: op,
		SenderHW:  senderHW,
		SenderIP:  senderIP,
		TargetHW:  targetHW,
		TargetIP:  targetIP,
	})
	return &event.FrameReceived{Frame: b}
}

func reply(n byte) *event.FrameReceived {
	return packet(core.ARPReply, hwFor(n), ipFor(n), localHW, localIP)
}

func TestResolveMissSendsRequest(t *testing.T) {
	r, w, _ := newResolver(Config{})

	_, st := r.Resolve(ipFor(9))
	assert.Equal(t, Pending, st)

	eth, p := w.arp(t, 0)
	assert.Equal(t, core.BroadcastHardwareAddr, eth.DstMAC)
	assert.Equal(t, localHW, eth.SrcMAC)
	assert.Equal(t, core.ARPRequest, p.Operation)
	assert.Equal(t, localIP, p.SenderIP)
	assert.Equal(t, ipFor(9), p.TargetIP)
	assert.Len(t, w.frames[0], codec.MinFrameLen)

	// still pending, no duplicate request inside the retry interval
	_, st = r.Resolve(ipFor(9))
	assert.Equal(t, Pending, st)
	assert.Len(t, w.frames, 1)
}

func TestReplyResolvesPendingEntry(t *testing.T) {
	r, _, _ := newResolver(Config{})
	r.Resolve(ipFor(9))

	r.onFrame(reply(9))

	hw, st := r.Resolve(ipFor(9))
	assert.Equal(t, Resolved, st)
	assert.Equal(t, hwFor(9), hw)
	assert.Equal(t, uint64(1), r.Stats().Updates)
}

func TestRetransmitThenUnreachable(t *testing.T) {
	r, w, clk := newResolver(Config{RetryInterval: 100, MaxRetries: 2, UnreachableHold: 1000})

	_, st := r.Resolve(ipFor(9))
	require.Equal(t, Pending, st)

	clk.Advance(99)
	r.Resolve(ipFor(9))
	assert.Len(t, w.frames, 1)

	clk.Advance(1)
	r.Resolve(ipFor(9))
	assert.Len(t, w.frames, 2)

	clk.Advance(100)
	r.Resolve(ipFor(9))
	assert.Len(t, w.frames, 3)

	clk.Advance(100)
	_, st = r.Resolve(ipFor(9))
	assert.Equal(t, Unreachable, st)
	assert.Len(t, w.frames, 3)
	assert.Equal(t, uint64(1), r.Stats().Unreachable)

	// remembered until the hold expires
	clk.Advance(999)
	_, st = r.Resolve(ipFor(9))
	assert.Equal(t, Unreachable, st)

	clk.Advance(1)
	_, st = r.Resolve(ipFor(9))
	assert.Equal(t, Pending, st)
	assert.Len(t, w.frames, 4)
}

func TestRetryClearsUnreachable(t *testing.T) {
	r, w, clk := newResolver(Config{RetryInterval: 10, MaxRetries: 0})
	r.Resolve(ipFor(9))
	clk.Advance(10)
	_, st := r.Resolve(ipFor(9))
	require.Equal(t, Unreachable, st)

	_, st = r.Retry(ipFor(9))
	assert.Equal(t, Pending, st)
	assert.Len(t, w.frames, 2)

	r.onFrame(reply(9))
	hw, st := r.Resolve(ipFor(9))
	assert.Equal(t, Resolved, st)
	assert.Equal(t, hwFor(9), hw)
}

func TestResolvedEntryExpires(t *testing.T) {
	r, w, clk := newResolver(Config{MaxAge: 500})
	r.Resolve(ipFor(9))
	r.onFrame(reply(9))

	clk.Advance(499)
	_, st := r.Resolve(ipFor(9))
	assert.Equal(t, Resolved, st)

	clk.Advance(1)
	_, st = r.Resolve(ipFor(9))
	assert.Equal(t, Pending, st)
	assert.Equal(t, uint64(1), r.Stats().Expired)
	assert.Len(t, w.frames, 2)
}

func TestFullOfPendingEvictsOldest(t *testing.T) {
	r, _, _ := newResolver(Config{Capacity: 4})
	for n := byte(1); n <= 4; n++ {
		_, st := r.Resolve(ipFor(n))
		require.Equal(t, Pending, st)
	}

	_, st := r.Resolve(ipFor(5))
	assert.Equal(t, Pending, st)

	entries := r.Entries()
	require.Len(t, entries, 4)
	ips := make([]netip.Addr, 0, len(entries))
	for _, e := range entries {
		ips = append(ips, e.IP)
		assert.Equal(t, StatePending, e.State)
	}
	assert.NotContains(t, ips, ipFor(1))
	assert.Contains(t, ips, ipFor(5))
	assert.Equal(t, uint64(1), r.Stats().Evictions)
}

func TestEvictionPrefersOldestResolved(t *testing.T) {
	r, _, _ := newResolver(Config{Capacity: 3})
	r.Resolve(ipFor(1))
	r.Resolve(ipFor(2))
	r.Resolve(ipFor(3))
	r.onFrame(reply(3))
	r.onFrame(reply(2))

	r.Resolve(ipFor(4))

	var ips []netip.Addr
	for _, e := range r.Entries() {
		ips = append(ips, e.IP)
	}
	assert.ElementsMatch(t, []netip.Addr{ipFor(1), ipFor(2), ipFor(4)}, ips)
}

func TestSpeculativeInsert(t *testing.T) {
	r, _, _ := newResolver(Config{Capacity: 2})

	r.onFrame(reply(7))
	hw, st := r.Resolve(ipFor(7))
	assert.Equal(t, Resolved, st)
	assert.Equal(t, hwFor(7), hw)

	// a speculative entry may replace a resolved one
	r.Resolve(ipFor(1))
	r.onFrame(reply(8))
	var ips []netip.Addr
	for _, e := range r.Entries() {
		ips = append(ips, e.IP)
	}
	assert.ElementsMatch(t, []netip.Addr{ipFor(1), ipFor(8)}, ips)

	// but never pending work
	r.Resolve(ipFor(2))
	r.Resolve(ipFor(3))
	r.onFrame(reply(9))
	for _, e := range r.Entries() {
		assert.Equal(t, StatePending, e.State)
	}
	assert.Equal(t, uint64(2), r.Stats().Speculative)
}

func TestRequestForUsIsAnswered(t *testing.T) {
	r, w, _ := newResolver(Config{})

	r.onFrame(packet(core.ARPRequest, hwFor(9), ipFor(9), core.HardwareAddr{}, localIP))

	require.Len(t, w.frames, 1)
	eth, p := w.arp(t, 0)
	assert.Equal(t, hwFor(9), eth.DstMAC)
	assert.Equal(t, core.ARPReply, p.Operation)
	assert.Equal(t, localHW, p.SenderHW)
	assert.Equal(t, localIP, p.SenderIP)
	assert.Equal(t, hwFor(9), p.TargetHW)
	assert.Equal(t, ipFor(9), p.TargetIP)

	// requests do not create entries, only refresh known ones
	assert.Empty(t, r.Entries())

	r.onFrame(packet(core.ARPRequest, hwFor(9), ipFor(9), core.HardwareAddr{}, ipFor(200)))
	assert.Len(t, w.frames, 1)
}

func TestRequestMergesKnownSender(t *testing.T) {
	r, _, _ := newResolver(Config{})
	r.Resolve(ipFor(9))
	r.onFrame(reply(9))

	moved := core.HardwareAddr{0x02, 0xaa, 0, 0, 0, 9}
	r.onFrame(packet(core.ARPRequest, moved, ipFor(9), core.HardwareAddr{}, ipFor(1)))

	hw, st := r.Resolve(ipFor(9))
	assert.Equal(t, Resolved, st)
	assert.Equal(t, moved, hw)
}

func TestLinkDownFlushes(t *testing.T) {
	r, _, _ := newResolver(Config{})
	reg := event.NewRegistry(4)
	require.NoError(t, r.Subscribe(reg))

	r.Resolve(ipFor(9))
	reg.Publish(event.SourceMAC, reply(9))
	require.Len(t, r.Entries(), 1)

	reg.Publish(event.SourcePHY, &event.LinkStatusChanged{Up: true})
	assert.Len(t, r.Entries(), 1)

	reg.Publish(event.SourcePHY, &event.LinkStatusChanged{Up: false})
	assert.Empty(t, r.Entries())
	assert.Equal(t, uint64(1), r.Stats().Flushes)
}

func TestLocalAddrFromAnnouncement(t *testing.T) {
	clk := clock.NewManual(0)
	r := New(Config{}, clk, &wire{}, localHW, irq.NewLine("rx"))
	assert.False(t, r.LocalAddr().IsValid())

	reg := event.NewRegistry(4)
	require.NoError(t, r.Subscribe(reg))
	reg.Publish(event.SourceNotification, &event.IPAddressAnnouncement{Addr: localIP})
	assert.Equal(t, localIP, r.LocalAddr())
}

func TestRequestWithoutLocalAddrIsProbe(t *testing.T) {
	w := &wire{}
	r := New(Config{}, clock.NewManual(0), w, localHW, irq.NewLine("rx"))
	r.Resolve(ipFor(9))
	_, p := w.arp(t, 0)
	assert.Equal(t, netip.IPv4Unspecified(), p.SenderIP)
}

func TestAgingAcrossClockWrap(t *testing.T) {
	r, _, clk := newResolver(Config{MaxAge: 100})
	clk.Set(0xFFFFFFC0)
	r.Resolve(ipFor(9))
	r.onFrame(reply(9))

	clk.Advance(99)
	_, st := r.Resolve(ipFor(9))
	assert.Equal(t, Resolved, st)
	clk.Advance(1)
	_, st = r.Resolve(ipFor(9))
	assert.Equal(t, Pending, st)
}

func TestMalformedFramesIgnored(t *testing.T) {
	r, w, _ := newResolver(Config{})
	f := reply(9)
	f.Frame[15] = 0x99 // hardware type low byte
	r.onFrame(f)
	r.onFrame(&event.FrameReceived{Frame: []byte{1, 2, 3}})
	r.onFrame(&event.LinkStatusChanged{})

	assert.Empty(t, r.Entries())
	assert.Empty(t, w.frames)
	assert.Equal(t, uint64(1), r.Stats().Malformed)
}

// The cache never holds two entries for one address, and a resolved entry
// always carries the most recently accepted hardware address.
func TestCacheInvariantUnderRandomTraffic(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	r, _, clk := newResolver(Config{Capacity: 4, RetryInterval: 20, MaxRetries: 2, UnreachableHold: 50, MaxAge: 200})
	last := map[netip.Addr]core.HardwareAddr{}

	for step := 0; step < 5000; step++ {
		n := byte(1 + rng.Intn(8))
		switch rng.Intn(3) {
		case 0:
			hw, st := r.Resolve(ipFor(n))
			if st == Resolved {
				require.Equal(t, last[ipFor(n)], hw, "step %d", step)
			}
		case 1:
			hw := core.HardwareAddr{0x02, byte(rng.Intn(4)), 0, 0, 0, n}
			r.onFrame(packet(core.ARPReply, hw, ipFor(n), localHW, localIP))
			for _, e := range r.Entries() {
				if e.IP == ipFor(n) {
					last[ipFor(n)] = hw
				}
			}
		case 2:
			clk.Advance(uint32(rng.Intn(15)))
		}

		seen := map[netip.Addr]bool{}
		for _, e := range r.Entries() {
			require.False(t, seen[e.IP], "duplicate entry for %s at step %d", e.IP, step)
			seen[e.IP] = true
			if e.State == StateResolved {
				require.Equal(t, last[e.IP], e.HW)
			}
		}
	}
}
