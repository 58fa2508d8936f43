// Package core defines core network types with zero external dependencies.
package core

import (
	"fmt"
	"net"
	"net/netip"
)

// EtherType values understood by the stack.
const (
	EtherTypeIPv4 uint16 = 0x0800
	EtherTypeARP  uint16 = 0x0806
)

// IP protocol numbers.
const (
	ProtocolICMP uint8 = 1
	ProtocolTCP  uint8 = 6
	ProtocolUDP  uint8 = 17
)

// ARP operations (RFC 826).
const (
	ARPRequest uint16 = 1
	ARPReply   uint16 = 2
)

// HardwareAddr is a 48-bit MAC address. It is a value type so it can live in
// fixed-size tables without allocation.
type HardwareAddr [6]byte

// BroadcastHardwareAddr is ff:ff:ff:ff:ff:ff.
var BroadcastHardwareAddr = HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// ParseHardwareAddr parses a colon or dash separated 48-bit MAC address.
func ParseHardwareAddr(s string) (HardwareAddr, error) {
	var hw HardwareAddr
	mac, err := net.ParseMAC(s)
	if err != nil {
		return hw, fmt.Errorf("%w: hardware address %q: %v", ErrConfigInvalid, s, err)
	}
	if len(mac) != len(hw) {
		return hw, fmt.Errorf("%w: hardware address %q is not 48 bits", ErrConfigInvalid, s)
	}
	copy(hw[:], mac)
	return hw, nil
}

func (a HardwareAddr) String() string {
	return net.HardwareAddr(a[:]).String()
}

// IsZero reports whether a is 00:00:00:00:00:00.
func (a HardwareAddr) IsZero() bool {
	return a == HardwareAddr{}
}

// IsBroadcast reports whether a is the all-ones address.
func (a HardwareAddr) IsBroadcast() bool {
	return a == BroadcastHardwareAddr
}

// EthernetHeader represents an untagged L2 Ethernet II header.
type EthernetHeader struct {
	DstMAC    HardwareAddr
	SrcMAC    HardwareAddr
	EtherType uint16 // 0x0800=IPv4, 0x0806=ARP
}

// IPHeader represents an IPv4 header without options.
type IPHeader struct {
	Version    uint8
	IHL        uint8 // header length in 32-bit words
	TOS        uint8
	TotalLen   uint16
	ID         uint16
	Flags      uint8 // 3 bits: reserved, DF, MF
	FragOffset uint16
	TTL        uint8
	Protocol   uint8 // ICMP=1, TCP=6, UDP=17
	Checksum   uint16
	SrcIP      netip.Addr
	DstIP      netip.Addr
}

// IsFragment reports whether the header describes part of a fragmented datagram.
func (h IPHeader) IsFragment() bool {
	return h.Flags&0x1 != 0 || h.FragOffset != 0
}

// ARPPacket is an Ethernet/IPv4 ARP message.
type ARPPacket struct {
	Operation uint16
	SenderHW  HardwareAddr
	SenderIP  netip.Addr
	TargetHW  HardwareAddr
	TargetIP  netip.Addr
}

// ParseIPv4 parses a dotted-quad IPv4 address.
func ParseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: address %q: %v", ErrConfigInvalid, s, err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%w: address %q is not IPv4", ErrConfigInvalid, s)
	}
	return addr, nil
}

// ParseSubnetMask parses a dotted-quad mask and rejects non-contiguous masks.
func ParseSubnetMask(s string) (netip.Addr, error) {
	mask, err := ParseIPv4(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !IsContiguousMask(mask) {
		return netip.Addr{}, fmt.Errorf("%w: subnet mask %q is not contiguous", ErrConfigInvalid, s)
	}
	return mask, nil
}

// IsContiguousMask reports whether mask is a run of ones followed by zeros.
func IsContiguousMask(mask netip.Addr) bool {
	if !mask.Is4() {
		return false
	}
	m := Uint32(mask)
	inv := ^m
	return inv&(inv+1) == 0
}

// Uint32 returns the big-endian integer form of an IPv4 address.
func Uint32(a netip.Addr) uint32 {
	b := a.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// AddrFromUint32 is the inverse of Uint32.
func AddrFromUint32(v uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)})
}

// PrefixLen returns the number of leading one bits in a contiguous mask.
func PrefixLen(mask netip.Addr) int {
	m := Uint32(mask)
	n := 0
	for m&0x80000000 != 0 {
		n++
		m <<= 1
	}
	return n
}
