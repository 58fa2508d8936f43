package codec

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
)

// ARPLen is the length of an Ethernet/IPv4 ARP message.
const ARPLen = 28

const (
	arpHardwareEthernet = 1
	arpHardwareLen      = 6
	arpProtocolLen      = 4
)

// DecodeARP decodes an Ethernet/IPv4 ARP message. Any other hardware or
// protocol combination is reported as ErrUnsupportedProto.
func DecodeARP(data []byte) (core.ARPPacket, error) {
	if len(data) < ARPLen {
		return core.ARPPacket{}, core.ErrPacketTooShort
	}
	if binary.BigEndian.Uint16(data[0:2]) != arpHardwareEthernet ||
		binary.BigEndian.Uint16(data[2:4]) != core.EtherTypeIPv4 ||
		data[4] != arpHardwareLen || data[5] != arpProtocolLen {
		return core.ARPPacket{}, core.ErrUnsupportedProto
	}

	p := core.ARPPacket{
		Operation: binary.BigEndian.Uint16(data[6:8]),
	}
	copy(p.SenderHW[:], data[8:14])
	p.SenderIP = netip.AddrFrom4([4]byte(data[14:18]))
	copy(p.TargetHW[:], data[18:24])
	p.TargetIP = netip.AddrFrom4([4]byte(data[24:28]))
	return p, nil
}

// EncodeARP writes p into b and returns the number of bytes written.
// b must be at least ARPLen long.
func EncodeARP(b []byte, p core.ARPPacket) int {
	binary.BigEndian.PutUint16(b[0:2], arpHardwareEthernet)
	binary.BigEndian.PutUint16(b[2:4], core.EtherTypeIPv4)
	b[4] = arpHardwareLen
	b[5] = arpProtocolLen
	binary.BigEndian.PutUint16(b[6:8], p.Operation)
	copy(b[8:14], p.SenderHW[:])
	sip := p.SenderIP.As4()
	copy(b[14:18], sip[:])
	copy(b[18:24], p.TargetHW[:])
	tip := p.TargetIP.As4()
	copy(b[24:28], tip[:])
	return ARPLen
}
