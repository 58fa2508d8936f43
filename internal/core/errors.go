// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers compare with errors.Is; layers wrap them with context.
var (
	// Dispatch / composition errors
	ErrCapacityExceeded    = errors.New("netstack: subscriber capacity exceeded")
	ErrDuplicateSubscriber = errors.New("netstack: subscriber already registered")

	// Configuration errors
	ErrConfigInvalid     = errors.New("netstack: invalid configuration")
	ErrNotConfigured     = errors.New("netstack: address not configured")
	ErrAlreadyConfigured = errors.New("netstack: address already configured")

	// Device errors
	ErrDeviceNotFound    = errors.New("netstack: datalink device not found")
	ErrDeviceInitFailed  = errors.New("netstack: datalink device init failed")
	ErrDeviceStartFailed = errors.New("netstack: datalink device start failed")
	ErrLinkDown          = errors.New("netstack: link down")
	ErrTransmitFailed    = errors.New("netstack: transmit failed")

	// Lifecycle errors
	ErrInvalidState = errors.New("netstack: invalid stack state")
	ErrBusy         = errors.New("netstack: exchange already in progress")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("netstack: packet too short")
	ErrUnsupportedProto = errors.New("netstack: unsupported protocol")
	ErrBadChecksum      = errors.New("netstack: bad checksum")

	// Transient protocol results
	ErrAddressUnresolved = errors.New("netstack: address unresolved")
	ErrUnreachable       = errors.New("netstack: destination unreachable")
	ErrTimedOut          = errors.New("netstack: timed out")
)
