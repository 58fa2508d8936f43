// Package codec implements the Ethernet, ARP and IPv4 wire formats.
package codec

import (
	"encoding/binary"

	"firestige.xyz/netstack/internal/core"
)

const (
	// EthernetHeaderLen is the length of an untagged Ethernet II header.
	EthernetHeaderLen = 14

	// MinFrameLen is the minimum Ethernet frame length excluding FCS.
	MinFrameLen = 60

	// MaxFrameLen is the maximum untagged frame length excluding FCS.
	MaxFrameLen = 1514

	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// DecodeEthernet decodes an Ethernet II header.
// Returns EthernetHeader and remaining payload (zero-copy).
func DecodeEthernet(data []byte) (core.EthernetHeader, []byte, error) {
	if len(data) < EthernetHeaderLen {
		return core.EthernetHeader{}, nil, core.ErrPacketTooShort
	}

	eth := core.EthernetHeader{}
	copy(eth.DstMAC[:], data[0:6])
	copy(eth.SrcMAC[:], data[6:12])
	eth.EtherType = binary.BigEndian.Uint16(data[12:14])

	// Tagged frames never reach the stack: the MAC has no VLAN filtering configured.
	if eth.EtherType == etherTypeVLAN || eth.EtherType == etherTypeQinQ {
		return eth, nil, core.ErrUnsupportedProto
	}

	return eth, data[EthernetHeaderLen:], nil
}

// EncodeEthernet writes h into b and returns the number of bytes written.
// b must be at least EthernetHeaderLen long.
func EncodeEthernet(b []byte, h core.EthernetHeader) int {
	copy(b[0:6], h.DstMAC[:])
	copy(b[6:12], h.SrcMAC[:])
	binary.BigEndian.PutUint16(b[12:14], h.EtherType)
	return EthernetHeaderLen
}

// PadFrame extends frame with zeros up to MinFrameLen.
func PadFrame(frame []byte) []byte {
	for len(frame) < MinFrameLen {
		frame = append(frame, 0)
	}
	return frame
}
