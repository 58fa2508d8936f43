package event

import (
	"fmt"
	"net/netip"

	"firestige.xyz/netstack/internal/core"
)

// EventType identifies the kind of an event descriptor.
type EventType uint8

const (
	TypeLinkStatusChanged EventType = iota + 1
	TypeFrameReceived
	TypeTransmitComplete
	TypeIPPacketReceived
	TypeEchoReplyReceived
	TypeNetworkError
	TypeIPAddressAnnouncement
	TypeSubnetMaskAnnouncement
	TypeDefaultGatewayAnnouncement
)

var typeNames = map[EventType]string{
	TypeLinkStatusChanged:          "link-status-changed",
	TypeFrameReceived:              "frame-received",
	TypeTransmitComplete:           "transmit-complete",
	TypeIPPacketReceived:           "ip-packet-received",
	TypeEchoReplyReceived:          "echo-reply-received",
	TypeNetworkError:               "network-error",
	TypeIPAddressAnnouncement:      "ip-address-announcement",
	TypeSubnetMaskAnnouncement:     "subnet-mask-announcement",
	TypeDefaultGatewayAnnouncement: "default-gateway-announcement",
}

func (t EventType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("event-type(%d)", uint8(t))
}

// Event is an immutable event descriptor. Subscribers receive it by pointer
// and must not retain it, or any slice it references, after their callback
// returns: producers reuse descriptors and buffers between publishes.
type Event interface {
	Type() EventType
}

// LinkStatusChanged reports a raw PHY link transition.
type LinkStatusChanged struct {
	Up bool
}

// FrameReceived carries a frame still owned by a receive descriptor.
type FrameReceived struct {
	Frame []byte
}

// TransmitComplete reports that the MAC finished sending a frame.
type TransmitComplete struct{}

// IPPacketReceived carries a validated IPv4 payload for the transport layer.
type IPPacketReceived struct {
	Header  core.IPHeader
	Payload []byte
	SrcHW   core.HardwareAddr
}

// EchoReplyReceived reports a correlated ICMP echo reply. RTT is in milliseconds.
type EchoReplyReceived struct {
	Seq  uint16
	RTT  uint32
	From netip.Addr
}

// NetworkError reports an unrecoverable stack-internal fault.
type NetworkError struct {
	Provider Provider
	Code     ErrorCode
	Cause    uint32
}

// IPAddressAnnouncement is published when the local address is applied.
type IPAddressAnnouncement struct {
	Addr netip.Addr
}

// SubnetMaskAnnouncement is published when the subnet mask is applied.
type SubnetMaskAnnouncement struct {
	Mask netip.Addr
}

// DefaultGatewayAnnouncement is published when the default gateway is applied.
type DefaultGatewayAnnouncement struct {
	Gateway netip.Addr
}

func (*LinkStatusChanged) Type() EventType          { return TypeLinkStatusChanged }
func (*FrameReceived) Type() EventType              { return TypeFrameReceived }
func (*TransmitComplete) Type() EventType           { return TypeTransmitComplete }
func (*IPPacketReceived) Type() EventType           { return TypeIPPacketReceived }
func (*EchoReplyReceived) Type() EventType          { return TypeEchoReplyReceived }
func (*NetworkError) Type() EventType               { return TypeNetworkError }
func (*IPAddressAnnouncement) Type() EventType      { return TypeIPAddressAnnouncement }
func (*SubnetMaskAnnouncement) Type() EventType     { return TypeSubnetMaskAnnouncement }
func (*DefaultGatewayAnnouncement) Type() EventType { return TypeDefaultGatewayAnnouncement }

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error provider=%s code=%s cause=%d", e.Provider, e.Code, e.Cause)
}

// Provider identifies the layer that raised a NetworkError.
type Provider uint8

const (
	ProviderDatalink Provider = iota + 1
	ProviderPHY
	ProviderARP
	ProviderIP
	ProviderICMP
	ProviderStack
)

func (p Provider) String() string {
	switch p {
	case ProviderDatalink:
		return "datalink"
	case ProviderPHY:
		return "phy"
	case ProviderARP:
		return "arp"
	case ProviderIP:
		return "ip"
	case ProviderICMP:
		return "icmp"
	case ProviderStack:
		return "stack"
	}
	return fmt.Sprintf("provider(%d)", uint8(p))
}

// ErrorCode classifies a NetworkError within its provider.
type ErrorCode uint8

const (
	ErrorRxDescriptorsExhausted ErrorCode = iota + 1
	ErrorDMAFault
	ErrorPHYFault
	ErrorTransmitFault
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorRxDescriptorsExhausted:
		return "rx-descriptors-exhausted"
	case ErrorDMAFault:
		return "dma-fault"
	case ErrorPHYFault:
		return "phy-fault"
	case ErrorTransmitFault:
		return "transmit-fault"
	}
	return fmt.Sprintf("code(%d)", uint8(c))
}

// SourceID identifies the thing that raises a family of events.
type SourceID uint8

const (
	SourcePHY SourceID = iota
	SourceMAC
	SourceIP
	SourceICMP
	SourceNotification
	SourceError

	sourceCount
)

func (s SourceID) String() string {
	switch s {
	case SourcePHY:
		return "phy"
	case SourceMAC:
		return "mac"
	case SourceIP:
		return "ip"
	case SourceICMP:
		return "icmp"
	case SourceNotification:
		return "notification"
	case SourceError:
		return "error"
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// Sources lists every valid source id in ascending order.
func Sources() []SourceID {
	ids := make([]SourceID, 0, sourceCount)
	for s := SourceID(0); s < sourceCount; s++ {
		ids = append(ids, s)
	}
	return ids
}
