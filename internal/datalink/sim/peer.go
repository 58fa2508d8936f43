package sim

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"go.uber.org/atomic"

	"firestige.xyz/netstack/internal/core"
)

// Peer is a simulated host on the device's segment. It answers ARP requests
// for its address and ICMP echo requests sent to it.
type Peer struct {
	IP  netip.Addr
	MAC core.HardwareAddr

	// Reply delays in clock ticks.
	ARPDelay  uint32
	EchoDelay uint32

	// Silent peers resolve but never answer echo requests; ARPSilent peers
	// do not answer ARP at all.
	Silent    bool
	ARPSilent bool

	arpRequests  atomic.Uint64
	echoRequests atomic.Uint64
}

// ARPRequests counts ARP requests seen for the peer's address.
func (p *Peer) ARPRequests() uint64 { return p.arpRequests.Load() }

// EchoRequests counts echo requests seen for the peer's address.
func (p *Peer) EchoRequests() uint64 { return p.echoRequests.Load() }

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// answer builds the peer's reply to frame, if any.
func (p *Peer) answer(frame []byte) ([]byte, uint32, bool) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.NoCopy)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !ok {
		return nil, 0, false
	}

	if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
		return p.answerARP(arp)
	}

	ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok || !p.owns(ip4.DstIP) {
		return nil, 0, false
	}
	icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok || icmp.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return nil, 0, false
	}
	p.echoRequests.Inc()
	if p.Silent {
		return nil, 0, false
	}

	replyEth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(p.MAC[:]),
		DstMAC:       eth.SrcMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	replyIP := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       ip4.Id,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(p.IP.AsSlice()),
		DstIP:    ip4.SrcIP,
	}
	replyICMP := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       icmp.Id,
		Seq:      icmp.Seq,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, replyEth, replyIP, replyICMP, gopacket.Payload(icmp.Payload)); err != nil {
		return nil, 0, false
	}
	return buf.Bytes(), p.EchoDelay, true
}

func (p *Peer) answerARP(req *layers.ARP) ([]byte, uint32, bool) {
	if req.Operation != layers.ARPRequest || !p.owns(net.IP(req.DstProtAddress)) {
		return nil, 0, false
	}
	p.arpRequests.Inc()
	if p.ARPSilent {
		return nil, 0, false
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(p.MAC[:]),
		DstMAC:       net.HardwareAddr(req.SourceHwAddress),
		EthernetType: layers.EthernetTypeARP,
	}
	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPReply,
		SourceHwAddress:   p.MAC[:],
		SourceProtAddress: p.IP.AsSlice(),
		DstHwAddress:      req.SourceHwAddress,
		DstProtAddress:    req.SourceProtAddress,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, arp); err != nil {
		return nil, 0, false
	}
	return buf.Bytes(), p.ARPDelay, true
}

func (p *Peer) owns(ip net.IP) bool {
	a, ok := netip.AddrFromSlice(ip)
	return ok && a.Unmap() == p.IP
}

// EchoRequestFrame builds an echo request from the peer to dst, for tests
// that exercise the stack's responder.
func (p *Peer) EchoRequestFrame(dstHW core.HardwareAddr, dst netip.Addr, id, seq uint16, data []byte) ([]byte, error) {
	return p.echoFrame(layers.ICMPv4TypeEchoRequest, dstHW, dst, id, seq, data)
}

// EchoReplyFrame builds an unsolicited echo reply from the peer, used to
// exercise late and unmatched replies.
func (p *Peer) EchoReplyFrame(dstHW core.HardwareAddr, dst netip.Addr, id, seq uint16, data []byte) ([]byte, error) {
	return p.echoFrame(layers.ICMPv4TypeEchoReply, dstHW, dst, id, seq, data)
}

func (p *Peer) echoFrame(typ uint8, dstHW core.HardwareAddr, dst netip.Addr, id, seq uint16, data []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr(p.MAC[:]),
		DstMAC:       net.HardwareAddr(dstHW[:]),
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip4 := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IP(p.IP.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, 0),
		Id:       id,
		Seq:      seq,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, eth, ip4, icmp, gopacket.Payload(data)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
