// Package stack assembles the datalink, ARP, IP, ICMP and application layers
// into one network stack and drives its lifecycle.
package stack

import (
	"fmt"
	"net/netip"
	"sync"

	"go.uber.org/atomic"

	"firestige.xyz/netstack/internal/app"
	"firestige.xyz/netstack/internal/arp"
	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/config"
	"firestige.xyz/netstack/internal/core"
	"firestige.xyz/netstack/internal/datalink"
	"firestige.xyz/netstack/internal/event"
	"firestige.xyz/netstack/internal/icmp"
	"firestige.xyz/netstack/internal/ip"
	"firestige.xyz/netstack/internal/log"
	"firestige.xyz/netstack/internal/metrics"
)

// State is the orchestrator lifecycle state.
type State uint32

const (
	// StateUninitialised: nothing wired, device untouched.
	StateUninitialised State = iota
	// StateInitialised: layers wired and addressed, interrupts masked.
	StateInitialised
	// StateRunning: interrupts enabled, traffic flowing.
	StateRunning
	// StateError: a device fault was reported. The stack keeps serving but
	// does not recover on its own.
	StateError
)

func (s State) String() string {
	switch s {
	case StateUninitialised:
		return "uninitialised"
	case StateInitialised:
		return "initialised"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

const defaultDispatchCapacity = 8

// Config is consumed by Initialise. Durations are in milliseconds.
type Config struct {
	LocalIP        string
	SubnetMask     string
	DefaultGateway string // empty for an on-link-only host

	Clock  clock.Source
	Device datalink.Device

	RxDescriptors int
	BufferSize    int
	Promiscuous   bool
	LinkTimeout   uint32 // 0 = do not wait for link at startup

	DispatchCapacity int

	ARP  arp.Config // zero value selects arp.DefaultConfig
	IP   ip.Config
	ICMP icmp.Config
}

// ConfigFrom maps the file configuration onto a stack Config.
func ConfigFrom(gc *config.GlobalConfig, clk clock.Source, dev datalink.Device) Config {
	return Config{
		LocalIP:          gc.Node.LocalIP,
		SubnetMask:       gc.Node.SubnetMask,
		DefaultGateway:   gc.Node.DefaultGateway,
		Clock:            clk,
		Device:           dev,
		RxDescriptors:    gc.Datalink.RxDescriptors,
		BufferSize:       gc.Datalink.BufferSize,
		Promiscuous:      gc.Datalink.Promiscuous,
		LinkTimeout:      config.Millis(gc.Datalink.LinkTimeout),
		DispatchCapacity: gc.Dispatch.Capacity,
		ARP: arp.Config{
			Capacity:        gc.ARP.Capacity,
			MaxAge:          config.Millis(gc.ARP.MaxAge),
			RetryInterval:   config.Millis(gc.ARP.RetryInterval),
			MaxRetries:      gc.ARP.MaxRetries,
			UnreachableHold: config.Millis(gc.ARP.UnreachableHold),
		},
		IP: ip.Config{TTL: uint8(gc.IP.TTL)},
		ICMP: icmp.Config{
			Identifier:  uint16(gc.ICMP.Identifier),
			MaxPending:  gc.ICMP.MaxPending,
			PayloadSize: gc.ICMP.PayloadSize,
		},
	}
}

// Stats is a snapshot of every layer's counters.
type Stats struct {
	State    State
	Link     datalink.LinkState
	Errors   uint64
	Datalink datalink.Stats
	ARP      arp.Stats
	IP       ip.Stats
	ICMP     icmp.Stats
	Dispatch *event.Stats
}

type userSub struct {
	src     event.SourceID
	name    string
	handler event.Handler
}

// layers is the set wired by one Initialise. It is published whole and never
// mutated afterwards.
type layers struct {
	reg     *event.Registry
	adapter *datalink.Adapter
	arp     *arp.Resolver
	ip      *ip.Layer
	icmp    *icmp.Transport
	pinger  *app.Pinger
	static  *app.StaticIPClient
}

// Stack is the network stack orchestrator.
//
// Lifecycle calls serialize on mu. Event handlers run inside Startup and Ping
// (the device raises interrupts from those calls), so the accessors and Ping
// read the published layers and never take mu. The fault path runs in
// interrupt context and only touches the state cell, the registry and counters.
type Stack struct {
	mu     sync.Mutex
	state  *event.Cell[State]
	logger log.Logger
	errors atomic.Uint64
	cfg    Config
	cur    atomic.Pointer[layers]

	subMu    sync.Mutex
	userSubs []userSub
}

// New creates an uninitialised stack.
func New() *Stack {
	metrics.StackState.Set(float64(StateUninitialised))
	return &Stack{
		state:  event.NewCell(StateUninitialised),
		logger: log.GetLogger().WithField("layer", "stack"),
	}
}

// State returns the current lifecycle state.
func (s *Stack) State() State {
	return s.state.Load()
}

func (s *Stack) setState(st State) {
	s.state.Store(st)
	metrics.StackState.Set(float64(st))
	s.logger.Infof("stack state changed to %s", st)
}

// Initialise validates cfg, wires every layer and applies the static
// address. On failure the device is released and the stack stays
// uninitialised.
func (s *Stack) Initialise(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.state.Load(); st != StateUninitialised {
		return fmt.Errorf("%w: cannot initialise in state %s", core.ErrInvalidState, st)
	}

	local, err := core.ParseIPv4(cfg.LocalIP)
	if err != nil {
		return err
	}
	mask, err := core.ParseSubnetMask(cfg.SubnetMask)
	if err != nil {
		return err
	}
	var gateway netip.Addr
	if cfg.DefaultGateway != "" {
		if gateway, err = core.ParseIPv4(cfg.DefaultGateway); err != nil {
			return err
		}
	}
	if cfg.Clock == nil {
		return fmt.Errorf("%w: no time source", core.ErrConfigInvalid)
	}
	if cfg.Device == nil {
		return fmt.Errorf("%w: no datalink device", core.ErrConfigInvalid)
	}
	if cfg.DispatchCapacity <= 0 {
		cfg.DispatchCapacity = defaultDispatchCapacity
	}
	if cfg.ARP == (arp.Config{}) {
		cfg.ARP = arp.DefaultConfig()
	}

	reg := event.NewRegistry(cfg.DispatchCapacity)
	adapter := datalink.NewAdapter(cfg.Device, reg, datalink.Config{
		RxDescriptors: cfg.RxDescriptors,
		BufferSize:    cfg.BufferSize,
		Promiscuous:   cfg.Promiscuous,
	}, func(ev *event.NetworkError) { s.raise(reg, ev) })

	if err := adapter.Init(); err != nil {
		s.release(adapter)
		return err
	}

	resolver := arp.New(cfg.ARP, cfg.Clock, adapter, adapter.HardwareAddr(), adapter.RxLine())
	network := ip.New(cfg.IP, resolver, adapter, reg)
	transport := icmp.New(cfg.ICMP, cfg.Clock, network, reg, adapter.RxLine())

	// ARP must hear the address announcement, so it subscribes before Apply.
	wire := []func() error{
		func() error { return resolver.Subscribe(reg) },
		network.Subscribe,
		transport.Subscribe,
	}
	for _, w := range wire {
		if err := w(); err != nil {
			s.release(adapter)
			return fmt.Errorf("%w: %w", core.ErrConfigInvalid, err)
		}
	}
	pinger, err := app.NewPinger(cfg.Clock, network, transport, reg)
	if err != nil {
		s.release(adapter)
		return fmt.Errorf("%w: %w", core.ErrConfigInvalid, err)
	}
	l := &layers{
		reg: reg, adapter: adapter,
		arp: resolver, ip: network, icmp: transport,
		pinger: pinger,
	}
	l.static = app.NewStaticIPClient(network, reg, local, mask, gateway)
	if err := s.publish(l); err != nil {
		s.release(adapter)
		return err
	}
	if err := l.static.Apply(); err != nil {
		s.unpublish()
		s.release(adapter)
		return err
	}

	s.cfg = cfg
	s.setState(StateInitialised)
	return nil
}

// publish replays every Subscribe registration onto l's registry and makes l
// current under subMu, so a concurrent Subscribe lands in exactly one of the
// two paths.
func (s *Stack) publish(l *layers) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, u := range s.userSubs {
		if _, err := l.reg.Subscribe(u.src, u.name, u.handler); err != nil {
			return fmt.Errorf("%w: subscriber %s: %w", core.ErrConfigInvalid, u.name, err)
		}
	}
	s.cur.Store(l)
	return nil
}

func (s *Stack) unpublish() *layers {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.cur.Swap(nil)
}

func (s *Stack) release(a *datalink.Adapter) {
	if err := a.Close(); err != nil {
		s.logger.WithError(err).Warnf("device close failed")
	}
}

// Startup enables device interrupts and, when a link timeout is configured,
// waits for the PHY to report link up. On failure interrupts are masked
// again and the stack stays initialised so Startup can be retried.
func (s *Stack) Startup() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.state.Load(); st != StateInitialised {
		return fmt.Errorf("%w: cannot start in state %s", core.ErrInvalidState, st)
	}
	l := s.cur.Load()
	if err := l.adapter.Start(); err != nil {
		return err
	}

	if t := s.cfg.LinkTimeout; t > 0 {
		up := clock.Poll(s.cfg.Clock, s.cfg.Clock.Now(), t, func() bool {
			return l.adapter.LinkState() == datalink.LinkUp
		})
		if !up {
			l.adapter.Stop()
			return fmt.Errorf("%w: %w after %dms", core.ErrDeviceStartFailed, core.ErrLinkDown, t)
		}
	}

	if !s.state.CompareAndSwap(StateInitialised, StateRunning) {
		// a fault arrived while starting
		return fmt.Errorf("%w: device fault during startup", core.ErrDeviceStartFailed)
	}
	metrics.StackState.Set(float64(StateRunning))
	s.logger.Infof("stack running, hw=%s local=%s", l.adapter.HardwareAddr(), l.ip.LocalAddr())
	return nil
}

// Shutdown masks interrupts, releases the device and returns the stack to
// uninitialised. Subscriptions made through Subscribe survive and are
// replayed by the next Initialise.
func (s *Stack) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Load() == StateUninitialised {
		return nil
	}
	l := s.unpublish()
	l.pinger.Close()
	err := l.adapter.Close()
	l.reg.Reset()
	s.setState(StateUninitialised)
	if err != nil {
		return fmt.Errorf("device close: %w", err)
	}
	return nil
}

// Ping sends one echo request to dst and waits up to budget milliseconds for
// the reply, returning the round-trip time. It needs a started stack; a stack
// in the error state still answers so the caller can run degraded.
func (s *Stack) Ping(dst string, budget uint32) (uint32, error) {
	addr, err := core.ParseIPv4(dst)
	if err != nil {
		return 0, err
	}
	st, l := s.state.Load(), s.cur.Load()
	if l == nil || (st != StateRunning && st != StateError) {
		return 0, fmt.Errorf("%w: cannot ping in state %s", core.ErrInvalidState, st)
	}
	return l.pinger.Ping(addr, budget)
}

// Subscribe registers handler on src. It may be called in any state; the
// registration outlives Shutdown.
func (s *Stack) Subscribe(src event.SourceID, name string, handler event.Handler) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, u := range s.userSubs {
		if u.src == src && u.name == name {
			return fmt.Errorf("%w: %s on %s", core.ErrDuplicateSubscriber, name, src)
		}
	}
	if l := s.cur.Load(); l != nil {
		if _, err := l.reg.Subscribe(src, name, handler); err != nil {
			return err
		}
	}
	s.userSubs = append(s.userSubs, userSub{src: src, name: name, handler: handler})
	return nil
}

// SubscribeErrors registers handler on the network error channel. The error
// must not be retained after handler returns.
func (s *Stack) SubscribeErrors(name string, handler func(*event.NetworkError)) error {
	return s.Subscribe(event.SourceError, name, func(ev event.Event) {
		if e, ok := ev.(*event.NetworkError); ok {
			handler(e)
		}
	})
}

// raise is the adapter's fault reporter and runs in interrupt context.
func (s *Stack) raise(reg *event.Registry, ev *event.NetworkError) {
	s.errors.Inc()
	metrics.NetworkErrorsTotal.WithLabelValues(ev.Provider.String(), ev.Code.String()).Inc()
	for {
		st := s.state.Load()
		if st == StateUninitialised || st == StateError {
			break
		}
		if s.state.CompareAndSwap(st, StateError) {
			metrics.StackState.Set(float64(StateError))
			break
		}
	}
	reg.Publish(event.SourceError, ev)
}

// LinkState returns the PHY link state, or LinkUnknown before Initialise.
func (s *Stack) LinkState() datalink.LinkState {
	l := s.cur.Load()
	if l == nil {
		return datalink.LinkUnknown
	}
	return l.adapter.LinkState()
}

// LocalAddr returns the configured address, or the zero Addr.
func (s *Stack) LocalAddr() netip.Addr {
	l := s.cur.Load()
	if l == nil {
		return netip.Addr{}
	}
	return l.ip.LocalAddr()
}

// ARPEntries returns the occupied ARP cache slots. It masks the receive
// interrupt, so it must not be called from a receive-path handler.
func (s *Stack) ARPEntries() []arp.Entry {
	l := s.cur.Load()
	if l == nil {
		return nil
	}
	return l.arp.Entries()
}

// Stats has the same receive-path restriction as ARPEntries.
func (s *Stack) Stats() Stats {
	st := Stats{State: s.state.Load(), Errors: s.errors.Load()}
	l := s.cur.Load()
	if l == nil {
		return st
	}
	st.Link = l.adapter.LinkState()
	st.Datalink = l.adapter.Stats()
	st.ARP = l.arp.Stats()
	st.IP = l.ip.Stats()
	st.ICMP = l.icmp.Stats()
	st.Dispatch = l.reg.GetStats()
	return st
}
