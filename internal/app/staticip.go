// Package app holds the application layer: one-shot static addressing and
// the ping exchange.
package app

import (
	"net/netip"

	"go.uber.org/atomic"

	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/log"
)

// Configurer accepts a static address.
type Configurer interface {
	Configure(local, mask, gateway netip.Addr) error
}

// StaticIPClient applies a fixed address configuration once and announces
// it to the rest of the stack.
type StaticIPClient struct {
	net     Configurer
	reg     *event.Registry
	local   netip.Addr
	mask    netip.Addr
	gateway netip.Addr
	applied atomic.Bool
}

// NewStaticIPClient creates a client for local/mask with an optional gateway.
func NewStaticIPClient(net Configurer, reg *event.Registry, local, mask, gateway netip.Addr) *StaticIPClient {
	return &StaticIPClient{net: net, reg: reg, local: local, mask: mask, gateway: gateway}
}

// Apply configures the network layer and publishes the address, mask and
// gateway announcements. It runs at most once.
func (c *StaticIPClient) Apply() error {
	if !c.applied.CompareAndSwap(false, true) {
		return core.ErrAlreadyConfigured
	}
	if err := c.net.Configure(c.local, c.mask, c.gateway); err != nil {
		c.applied.Store(false)
		return err
	}

	c.reg.Publish(event.SourceNotification, &event.IPAddressAnnouncement{Addr: c.local})
	c.reg.Publish(event.SourceNotification, &event.SubnetMaskAnnouncement{Mask: c.mask})
	if c.gateway.IsValid() {
		c.reg.Publish(event.SourceNotification, &event.DefaultGatewayAnnouncement{Gateway: c.gateway})
	}
	log.GetLogger().WithField("layer", "app").Infof("static address %s/%d applied", c.local, core.PrefixLen(c.mask))
	return nil
}

// Applied reports whether Apply has succeeded.
func (c *StaticIPClient) Applied() bool {
	return c.applied.Load()
}
