package codec

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
)

// IPv4HeaderLen is the length of an IPv4 header without options.
const IPv4HeaderLen = 20

// DecodeIPv4 decodes and validates an IPv4 header.
// Returns IPHeader and the payload trimmed to the header's total length, so
// Ethernet padding never reaches the transport layer.
func DecodeIPv4(data []byte) (core.IPHeader, []byte, error) {
	if len(data) < IPv4HeaderLen {
		return core.IPHeader{}, nil, core.ErrPacketTooShort
	}

	ip := core.IPHeader{
		Version: data[0] >> 4,
		IHL:     data[0] & 0x0F,
	}
	if ip.Version != 4 {
		return ip, nil, core.ErrUnsupportedProto
	}

	headerLen := int(ip.IHL) * 4 // IHL is in 32-bit words
	if headerLen < IPv4HeaderLen || len(data) < headerLen {
		return ip, nil, core.ErrPacketTooShort
	}

	ip.TOS = data[1]
	ip.TotalLen = binary.BigEndian.Uint16(data[2:4])
	ip.ID = binary.BigEndian.Uint16(data[4:6])
	flagsOffset := binary.BigEndian.Uint16(data[6:8])
	ip.Flags = uint8(flagsOffset >> 13)
	ip.FragOffset = flagsOffset & 0x1FFF
	ip.TTL = data[8]
	ip.Protocol = data[9]
	ip.Checksum = binary.BigEndian.Uint16(data[10:12])
	ip.SrcIP = netip.AddrFrom4([4]byte(data[12:16]))
	ip.DstIP = netip.AddrFrom4([4]byte(data[16:20]))

	if int(ip.TotalLen) < headerLen || int(ip.TotalLen) > len(data) {
		return ip, nil, core.ErrPacketTooShort
	}
	if Checksum(data[:headerLen]) != 0 {
		return ip, nil, core.ErrBadChecksum
	}

	return ip, data[headerLen:ip.TotalLen], nil
}

// EncodeIPv4 writes an option-less IPv4 header into b, computing the header
// checksum. TotalLen must already account for the payload. Returns the
// number of bytes written.
func EncodeIPv4(b []byte, h core.IPHeader) int {
	b[0] = 4<<4 | IPv4HeaderLen/4
	b[1] = h.TOS
	binary.BigEndian.PutUint16(b[2:4], h.TotalLen)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], uint16(h.Flags)<<13|h.FragOffset&0x1FFF)
	b[8] = h.TTL
	b[9] = h.Protocol
	b[10], b[11] = 0, 0
	src := h.SrcIP.As4()
	copy(b[12:16], src[:])
	dst := h.DstIP.As4()
	copy(b[16:20], dst[:])
	binary.BigEndian.PutUint16(b[10:12], Checksum(b[:IPv4HeaderLen]))
	return IPv4HeaderLen
}
