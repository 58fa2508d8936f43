// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/netstack/internal/core"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `netstack:` root key in YAML.
type GlobalConfig struct {
	Node     NodeConfig     `mapstructure:"node" yaml:"node"`
	Datalink DatalinkConfig `mapstructure:"datalink" yaml:"datalink"`
	Dispatch DispatchConfig `mapstructure:"dispatch" yaml:"dispatch"`
	ARP      ARPConfig      `mapstructure:"arp" yaml:"arp"`
	IP       IPConfig       `mapstructure:"ip" yaml:"ip"`
	ICMP     ICMPConfig     `mapstructure:"icmp" yaml:"icmp"`
	Ping     PingConfig     `mapstructure:"ping" yaml:"ping"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// ─── Node Addressing ───

// NodeConfig holds the static address configuration applied once at initialise.
type NodeConfig struct {
	LocalIP        string `mapstructure:"local_ip" yaml:"local_ip"`
	SubnetMask     string `mapstructure:"subnet_mask" yaml:"subnet_mask"`
	DefaultGateway string `mapstructure:"default_gateway" yaml:"default_gateway"` // Empty = on-link only
}

// ─── Datalink ───

// DatalinkConfig selects and tunes the MAC+PHY device.
type DatalinkConfig struct {
	Type          string         `mapstructure:"type" yaml:"type"` // registered device name, e.g. "sim"
	RxDescriptors int            `mapstructure:"rx_descriptors" yaml:"rx_descriptors"`
	BufferSize    int            `mapstructure:"buffer_size" yaml:"buffer_size"`
	Promiscuous   bool           `mapstructure:"promiscuous" yaml:"promiscuous"`
	LinkTimeout   time.Duration  `mapstructure:"link_timeout" yaml:"link_timeout"` // 0 = do not wait for link at startup
	Options       map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// DispatchConfig sizes the event registry.
type DispatchConfig struct {
	Capacity int `mapstructure:"capacity" yaml:"capacity"` // subscribers per source
}

// ─── Protocol Layers ───

// ARPConfig tunes the address resolution cache.
type ARPConfig struct {
	Capacity        int           `mapstructure:"capacity" yaml:"capacity"`
	MaxAge          time.Duration `mapstructure:"max_age" yaml:"max_age"`
	RetryInterval   time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries"`
	UnreachableHold time.Duration `mapstructure:"unreachable_hold" yaml:"unreachable_hold"`
}

// IPConfig tunes the network layer.
type IPConfig struct {
	TTL int `mapstructure:"ttl" yaml:"ttl"`
}

// ICMPConfig tunes the ICMP transport.
type ICMPConfig struct {
	Identifier  int `mapstructure:"identifier" yaml:"identifier"`
	MaxPending  int `mapstructure:"max_pending" yaml:"max_pending"`
	PayloadSize int `mapstructure:"payload_size" yaml:"payload_size"`
}

// PingConfig drives the ping command.
type PingConfig struct {
	Budget   time.Duration `mapstructure:"budget" yaml:"budget"`
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Count    int           `mapstructure:"count" yaml:"count"` // 0 = forever
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format  string           `mapstructure:"format" yaml:"format"` // pattern / text / json
	Pattern string           `mapstructure:"pattern" yaml:"pattern,omitempty"`
	Time    string           `mapstructure:"time" yaml:"time,omitempty"`
	Outputs LogOutputsConfig `mapstructure:"outputs" yaml:"outputs"`
}

// LogOutputsConfig contains log output destinations besides stdout.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Path     string         `mapstructure:"path" yaml:"path"`
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `netstack: ...`.
type configRoot struct {
	Netstack GlobalConfig `mapstructure:"netstack" yaml:"netstack"`
}

// Load loads configuration from file.
// The YAML file uses `netstack:` as root key; env vars use the NETSTACK_ prefix
// (e.g., NETSTACK_NODE_LOCAL_IP).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return load(v)
}

// Default returns the configuration produced by defaults alone, with the
// given node addressing.
func Default(localIP, mask, gateway string) (*GlobalConfig, error) {
	v := viper.New()
	v.Set("netstack.node.local_ip", localIP)
	v.Set("netstack.node.subnet_mask", mask)
	v.Set("netstack.node.default_gateway", gateway)
	return load(v)
}

func load(v *viper.Viper) (*GlobalConfig, error) {
	// The `netstack.` key prefix maps to NETSTACK_ through the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Netstack

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "netstack." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Node defaults
	v.SetDefault("netstack.node.local_ip", "")
	v.SetDefault("netstack.node.subnet_mask", "255.255.255.0")
	v.SetDefault("netstack.node.default_gateway", "")

	// Datalink defaults
	v.SetDefault("netstack.datalink.type", "sim")
	v.SetDefault("netstack.datalink.rx_descriptors", 4)
	v.SetDefault("netstack.datalink.buffer_size", 1524)
	v.SetDefault("netstack.datalink.promiscuous", false)
	v.SetDefault("netstack.datalink.link_timeout", "5s")

	v.SetDefault("netstack.dispatch.capacity", 8)

	// Protocol defaults
	v.SetDefault("netstack.arp.capacity", 8)
	v.SetDefault("netstack.arp.max_age", "5m")
	v.SetDefault("netstack.arp.retry_interval", "500ms")
	v.SetDefault("netstack.arp.max_retries", 3)
	v.SetDefault("netstack.arp.unreachable_hold", "10s")
	v.SetDefault("netstack.ip.ttl", 64)
	v.SetDefault("netstack.icmp.identifier", 0x5354)
	v.SetDefault("netstack.icmp.max_pending", 4)
	v.SetDefault("netstack.icmp.payload_size", 32)

	// Ping defaults
	v.SetDefault("netstack.ping.budget", "2s")
	v.SetDefault("netstack.ping.interval", "1s")
	v.SetDefault("netstack.ping.count", 4)

	// Metrics defaults
	v.SetDefault("netstack.metrics.enabled", false)
	v.SetDefault("netstack.metrics.listen", ":9091")
	v.SetDefault("netstack.metrics.path", "/metrics")

	// Log defaults
	v.SetDefault("netstack.log.level", "info")
	v.SetDefault("netstack.log.format", "pattern")
	v.SetDefault("netstack.log.outputs.file.enabled", false)
	v.SetDefault("netstack.log.outputs.file.path", "/var/log/netstack/netstack.log")
	v.SetDefault("netstack.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("netstack.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("netstack.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("netstack.log.outputs.file.rotation.compress", true)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "pattern", "text", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be pattern/text/json)", cfg.Log.Format)
	}

	// ── Node addressing ──
	local, err := parseDottedQuad("node.local_ip", cfg.Node.LocalIP)
	if err != nil {
		return err
	}
	mask, err := parseDottedQuad("node.subnet_mask", cfg.Node.SubnetMask)
	if err != nil {
		return err
	}
	if !core.IsContiguousMask(mask) {
		return fmt.Errorf("node.subnet_mask %s is not contiguous", cfg.Node.SubnetMask)
	}
	if cfg.Node.DefaultGateway != "" {
		gw, err := parseDottedQuad("node.default_gateway", cfg.Node.DefaultGateway)
		if err != nil {
			return err
		}
		if !sameSubnet(local, gw, mask) {
			return fmt.Errorf("node.default_gateway %s is not on subnet %s/%s", gw, local, mask)
		}
	}

	// ── Sizes ──
	if cfg.Datalink.Type == "" {
		return fmt.Errorf("datalink.type is required")
	}
	positives := map[string]int{
		"datalink.rx_descriptors": cfg.Datalink.RxDescriptors,
		"datalink.buffer_size":    cfg.Datalink.BufferSize,
		"dispatch.capacity":       cfg.Dispatch.Capacity,
		"arp.capacity":            cfg.ARP.Capacity,
		"icmp.max_pending":        cfg.ICMP.MaxPending,
	}
	for key, val := range positives {
		if val <= 0 {
			return fmt.Errorf("%s must be positive, got %d", key, val)
		}
	}
	if cfg.Datalink.BufferSize < 1514 {
		return fmt.Errorf("datalink.buffer_size %d cannot hold a full frame (1514)", cfg.Datalink.BufferSize)
	}
	if cfg.IP.TTL < 1 || cfg.IP.TTL > 255 {
		return fmt.Errorf("ip.ttl must be in [1,255], got %d", cfg.IP.TTL)
	}
	if cfg.ICMP.Identifier < 1 || cfg.ICMP.Identifier > 0xFFFF {
		return fmt.Errorf("icmp.identifier must be in [1,65535], got %d", cfg.ICMP.Identifier)
	}
	if cfg.ICMP.PayloadSize < 0 || cfg.ICMP.PayloadSize > 1472 {
		return fmt.Errorf("icmp.payload_size must be in [0,1472], got %d", cfg.ICMP.PayloadSize)
	}
	if cfg.ARP.MaxRetries < 0 {
		return fmt.Errorf("arp.max_retries must not be negative, got %d", cfg.ARP.MaxRetries)
	}
	if cfg.Ping.Budget <= 0 {
		return fmt.Errorf("ping.budget must be positive, got %s", cfg.Ping.Budget)
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics.enabled=true")
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	return nil
}

// Dump renders the configuration as YAML under the `netstack:` root key.
func (cfg *GlobalConfig) Dump() ([]byte, error) {
	return yaml.Marshal(configRoot{Netstack: *cfg})
}

// Millis converts a duration to the stack's millisecond ticks, saturating at
// the 32-bit range.
func Millis(d time.Duration) uint32 {
	ms := d.Milliseconds()
	switch {
	case ms <= 0:
		return 0
	case ms > int64(^uint32(0)):
		return ^uint32(0)
	}
	return uint32(ms)
}

func parseDottedQuad(key, s string) (netip.Addr, error) {
	if s == "" {
		return netip.Addr{}, fmt.Errorf("%s is required", key)
	}
	addr, err := core.ParseIPv4(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s: %w", key, err)
	}
	return addr, nil
}

func sameSubnet(a, b, mask netip.Addr) bool {
	m := core.Uint32(mask)
	return core.Uint32(a)&m == core.Uint32(b)&m
}
