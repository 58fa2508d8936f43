package sim

import (
	"fmt"

	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/datalink"
)

// Options configures a sim device built through the datalink factory.
type Options struct {
	MAC    string        `mapstructure:"mac"`
	LinkUp bool          `mapstructure:"link_up"`
	Peers  []PeerOptions `mapstructure:"peers"`
}

// PeerOptions configures one simulated host.
type PeerOptions struct {
	IP          string `mapstructure:"ip"`
	MAC         string `mapstructure:"mac"`
	ARPDelayMs  uint32 `mapstructure:"arp_delay_ms"`
	EchoDelayMs uint32 `mapstructure:"echo_delay_ms"`
	Silent      bool   `mapstructure:"silent"`
	ARPSilent   bool   `mapstructure:"arp_silent"`
}

// DefaultMAC is used when no address is configured.
var DefaultMAC = core.HardwareAddr{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01}

func open(options map[string]any, clk clock.Source) (datalink.Device, error) {
	sched, ok := clk.(clock.Scheduler)
	if !ok {
		return nil, fmt.Errorf("%w: sim device needs a clock that can schedule callbacks", core.ErrConfigInvalid)
	}

	var opts Options
	if err := datalink.DecodeOptions(options, &opts); err != nil {
		return nil, err
	}
	return Build(opts, sched)
}

// Build creates a device from opts.
func Build(opts Options, sched clock.Scheduler) (*Device, error) {
	mac := DefaultMAC
	if opts.MAC != "" {
		hw, err := core.ParseHardwareAddr(opts.MAC)
		if err != nil {
			return nil, fmt.Errorf("%w: sim mac: %w", core.ErrConfigInvalid, err)
		}
		mac = hw
	}

	dev := New(mac, sched)
	for i, po := range opts.Peers {
		ip, err := core.ParseIPv4(po.IP)
		if err != nil {
			return nil, fmt.Errorf("%w: sim peer %d ip: %w", core.ErrConfigInvalid, i, err)
		}
		hw, err := core.ParseHardwareAddr(po.MAC)
		if err != nil {
			return nil, fmt.Errorf("%w: sim peer %d mac: %w", core.ErrConfigInvalid, i, err)
		}
		dev.AddPeer(&Peer{
			IP:        ip,
			MAC:       hw,
			ARPDelay:  po.ARPDelayMs,
			EchoDelay: po.EchoDelayMs,
			Silent:    po.Silent,
			ARPSilent: po.ARPSilent,
		})
	}
	if opts.LinkUp {
		dev.SetLink(true)
	}
	return dev, nil
}
