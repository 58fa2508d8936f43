package codec

import (
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netstack/internal/core"
)

var (
	localMAC = core.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x05}
	peerMAC  = core.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x09}
	localIP  = netip.MustParseAddr("10.0.0.5")
	peerIP   = netip.MustParseAddr("10.0.0.9")
)

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ls...))
	return buf.Bytes()
}

func TestChecksumKnownVector(t *testing.T) {
	// RFC 1071 example header from Wikipedia's IPv4 checksum article.
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00, 0x40, 0x11,
		0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01, 0xc0, 0xa8, 0x00, 0xc7,
	}
	assert.Equal(t, uint16(0xb861), Checksum(hdr))

	hdr[10], hdr[11] = 0xb8, 0x61
	assert.Equal(t, uint16(0), Checksum(hdr))
}

func TestChecksumOddLength(t *testing.T) {
	assert.Equal(t, ^uint16(0x0100), Checksum([]byte{0x01}))
}

func TestDecodeEthernetTooShort(t *testing.T) {
	_, _, err := DecodeEthernet([]byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
}

func TestDecodeEthernetVLANRejected(t *testing.T) {
	frame := make([]byte, 18)
	frame[12], frame[13] = 0x81, 0x00
	_, _, err := DecodeEthernet(frame)
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)
}

func TestEthernetMatchesGopacket(t *testing.T) {
	frame := make([]byte, EthernetHeaderLen+4)
	n := EncodeEthernet(frame, core.EthernetHeader{DstMAC: peerMAC, SrcMAC: localMAC, EtherType: core.EtherTypeIPv4})
	require.Equal(t, EthernetHeaderLen, n)

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth, ok := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	require.True(t, ok)
	assert.Equal(t, net.HardwareAddr(peerMAC[:]), eth.DstMAC)
	assert.Equal(t, net.HardwareAddr(localMAC[:]), eth.SrcMAC)
	assert.Equal(t, layers.EthernetTypeIPv4, eth.EthernetType)

	h, payload, err := DecodeEthernet(frame)
	require.NoError(t, err)
	assert.Equal(t, peerMAC, h.DstMAC)
	assert.Len(t, payload, 4)
}

func TestARPRoundTripAgainstGopacket(t *testing.T) {
	raw := serialize(t,
		&layers.Ethernet{SrcMAC: peerMAC[:], DstMAC: core.BroadcastHardwareAddr[:], EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   peerMAC[:],
			SourceProtAddress: peerIP.AsSlice(),
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    localIP.AsSlice(),
		},
	)

	eth, payload, err := DecodeEthernet(raw)
	require.NoError(t, err)
	require.Equal(t, core.EtherTypeARP, eth.EtherType)

	p, err := DecodeARP(payload)
	require.NoError(t, err)
	assert.Equal(t, core.ARPRequest, p.Operation)
	assert.Equal(t, peerMAC, p.SenderHW)
	assert.Equal(t, peerIP, p.SenderIP)
	assert.Equal(t, localIP, p.TargetIP)

	out := make([]byte, ARPLen)
	EncodeARP(out, p)
	assert.Equal(t, payload[:ARPLen], out)
}

func TestDecodeARPUnsupported(t *testing.T) {
	b := make([]byte, ARPLen)
	EncodeARP(b, core.ARPPacket{Operation: core.ARPRequest, SenderIP: peerIP, TargetIP: localIP})
	b[1] = 6 // IEEE 802 hardware type
	_, err := DecodeARP(b)
	assert.ErrorIs(t, err, core.ErrUnsupportedProto)

	_, err = DecodeARP(b[:10])
	assert.ErrorIs(t, err, core.ErrPacketTooShort)
}

func TestIPv4HeaderMatchesGopacket(t *testing.T) {
	payload := []byte{0x01, 0x02, 0x03, 0x04}
	raw := serialize(t,
		&layers.IPv4{
			Version:  4,
			Id:       0x1234,
			TTL:      64,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    localIP.AsSlice(),
			DstIP:    peerIP.AsSlice(),
		},
		gopacket.Payload(payload),
	)

	ours := make([]byte, IPv4HeaderLen)
	EncodeIPv4(ours, core.IPHeader{
		TotalLen: uint16(IPv4HeaderLen + len(payload)),
		ID:       0x1234,
		TTL:      64,
		Protocol: core.ProtocolICMP,
		SrcIP:    localIP,
		DstIP:    peerIP,
	})
	assert.Equal(t, raw[:IPv4HeaderLen], ours)

	h, body, err := DecodeIPv4(raw)
	require.NoError(t, err)
	assert.Equal(t, uint8(4), h.Version)
	assert.Equal(t, core.ProtocolICMP, h.Protocol)
	assert.Equal(t, localIP, h.SrcIP)
	assert.Equal(t, peerIP, h.DstIP)
	assert.Equal(t, payload, body)
}

func TestDecodeIPv4TrimsPadding(t *testing.T) {
	b := make([]byte, IPv4HeaderLen+10)
	EncodeIPv4(b, core.IPHeader{TotalLen: IPv4HeaderLen + 2, TTL: 64, Protocol: core.ProtocolICMP, SrcIP: peerIP, DstIP: localIP})
	_, body, err := DecodeIPv4(b)
	require.NoError(t, err)
	assert.Len(t, body, 2)
}

func TestDecodeIPv4Errors(t *testing.T) {
	valid := func() []byte {
		b := make([]byte, IPv4HeaderLen+4)
		EncodeIPv4(b, core.IPHeader{TotalLen: IPv4HeaderLen + 4, TTL: 64, Protocol: core.ProtocolICMP, SrcIP: peerIP, DstIP: localIP})
		return b
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"truncated", func(b []byte) []byte { return b[:10] }, core.ErrPacketTooShort},
		{"version6", func(b []byte) []byte { b[0] = 0x65; return b }, core.ErrUnsupportedProto},
		{"short ihl", func(b []byte) []byte { b[0] = 0x44; return b }, core.ErrPacketTooShort},
		{"total length beyond frame", func(b []byte) []byte { b[3] = 0xFF; return b }, core.ErrPacketTooShort},
		{"bad checksum", func(b []byte) []byte { b[10] ^= 0xFF; return b }, core.ErrBadChecksum},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := DecodeIPv4(tt.mutate(valid()))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPadFrame(t *testing.T) {
	assert.Len(t, PadFrame(make([]byte, 42)), MinFrameLen)
	assert.Len(t, PadFrame(make([]byte, 100)), 100)
}

func BenchmarkDecodeIPv4(b *testing.B) {
	pkt := make([]byte, IPv4HeaderLen+64)
	EncodeIPv4(pkt, core.IPHeader{TotalLen: uint16(len(pkt)), TTL: 64, Protocol: core.ProtocolICMP, SrcIP: peerIP, DstIP: localIP})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, _, err := DecodeIPv4(pkt); err != nil {
			b.Fatal(err)
		}
	}
}
