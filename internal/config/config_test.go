package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"firestige.xyz/netstack/internal/core"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
netstack:
  node:
    local_ip: "10.0.0.5"
    subnet_mask: "255.255.255.0"
    default_gateway: "10.0.0.1"
  datalink:
    type: sim
    rx_descriptors: 8
    link_timeout: 2s
    options:
      mac: "02:00:00:00:00:05"
      peers:
        - ip: "10.0.0.9"
          mac: "02:00:00:00:00:09"
          echo_delay_ms: 50
  arp:
    capacity: 16
    retry_interval: 250ms
  ping:
    budget: 1500ms
    count: 2
  log:
    level: debug
    format: json
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.LocalIP != "10.0.0.5" {
		t.Errorf("Expected local_ip 10.0.0.5, got %s", cfg.Node.LocalIP)
	}
	if cfg.Node.DefaultGateway != "10.0.0.1" {
		t.Errorf("Expected default_gateway 10.0.0.1, got %s", cfg.Node.DefaultGateway)
	}
	if cfg.Datalink.RxDescriptors != 8 {
		t.Errorf("Expected rx_descriptors 8, got %d", cfg.Datalink.RxDescriptors)
	}
	if cfg.Datalink.LinkTimeout != 2*time.Second {
		t.Errorf("Expected link_timeout 2s, got %s", cfg.Datalink.LinkTimeout)
	}
	if cfg.Datalink.Options["mac"] != "02:00:00:00:00:05" {
		t.Errorf("Expected sim mac option, got %v", cfg.Datalink.Options["mac"])
	}
	if cfg.ARP.Capacity != 16 || cfg.ARP.RetryInterval != 250*time.Millisecond {
		t.Errorf("Unexpected arp config %+v", cfg.ARP)
	}
	if cfg.Ping.Budget != 1500*time.Millisecond || cfg.Ping.Count != 2 {
		t.Errorf("Unexpected ping config %+v", cfg.Ping)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("Unexpected log config %+v", cfg.Log)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
netstack:
  node:
    local_ip: "192.168.0.10"
`))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Node.SubnetMask != "255.255.255.0" {
		t.Errorf("Expected default mask, got %s", cfg.Node.SubnetMask)
	}
	if cfg.Datalink.Type != "sim" || cfg.Datalink.BufferSize != 1524 {
		t.Errorf("Unexpected datalink defaults %+v", cfg.Datalink)
	}
	if cfg.ARP.MaxRetries != 3 || cfg.ARP.MaxAge != 5*time.Minute {
		t.Errorf("Unexpected arp defaults %+v", cfg.ARP)
	}
	if cfg.IP.TTL != 64 {
		t.Errorf("Expected ttl 64, got %d", cfg.IP.TTL)
	}
	if cfg.ICMP.Identifier != 0x5354 || cfg.ICMP.PayloadSize != 32 {
		t.Errorf("Unexpected icmp defaults %+v", cfg.ICMP)
	}
	if cfg.Ping.Budget != 2*time.Second {
		t.Errorf("Expected ping budget 2s, got %s", cfg.Ping.Budget)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Expected metrics path /metrics, got %s", cfg.Metrics.Path)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("NETSTACK_NODE_LOCAL_IP", "10.1.1.1")
	t.Setenv("NETSTACK_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, `
netstack:
  node:
    local_ip: "10.0.0.5"
`))
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Node.LocalIP != "10.1.1.1" {
		t.Errorf("Expected env override 10.1.1.1, got %s", cfg.Node.LocalIP)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected env override warn, got %s", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Error("Expected error for missing file, got nil")
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantMsg string
	}{
		{"missing local ip", `
netstack:
  node:
    subnet_mask: "255.255.255.0"
`, "local_ip is required"},
		{"malformed local ip", `
netstack:
  node:
    local_ip: "10.0.0.300"
`, "local_ip"},
		{"non contiguous mask", `
netstack:
  node:
    local_ip: "10.0.0.5"
    subnet_mask: "255.0.255.0"
`, "not contiguous"},
		{"gateway off subnet", `
netstack:
  node:
    local_ip: "10.0.0.5"
    default_gateway: "10.0.1.1"
`, "not on subnet"},
		{"invalid log level", `
netstack:
  node:
    local_ip: "10.0.0.5"
  log:
    level: "invalid"
`, "invalid log level"},
		{"invalid log format", `
netstack:
  node:
    local_ip: "10.0.0.5"
  log:
    format: "xml"
`, "invalid log format"},
		{"zero arp capacity", `
netstack:
  node:
    local_ip: "10.0.0.5"
  arp:
    capacity: 0
`, "arp.capacity"},
		{"small buffers", `
netstack:
  node:
    local_ip: "10.0.0.5"
  datalink:
    buffer_size: 512
`, "buffer_size"},
		{"ttl out of range", `
netstack:
  node:
    local_ip: "10.0.0.5"
  ip:
    ttl: 300
`, "ip.ttl"},
		{"zero icmp identifier", `
netstack:
  node:
    local_ip: "10.0.0.5"
  icmp:
    identifier: 0
`, "icmp.identifier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Expected error containing %q, got %v", tt.wantMsg, err)
			}
		})
	}
}

func TestMalformedAddressWrapsConfigInvalid(t *testing.T) {
	_, err := Default("10.0.0", "255.255.255.0", "")
	if !errors.Is(err, core.ErrConfigInvalid) {
		t.Errorf("Expected ErrConfigInvalid, got %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg, err := Default("10.0.0.5", "255.255.255.0", "10.0.0.1")
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	if cfg.Node.LocalIP != "10.0.0.5" || cfg.Dispatch.Capacity != 8 {
		t.Errorf("Unexpected config %+v", cfg)
	}
}

func TestDump(t *testing.T) {
	cfg, err := Default("10.0.0.5", "255.255.255.0", "")
	if err != nil {
		t.Fatalf("Default failed: %v", err)
	}
	out, err := cfg.Dump()
	if err != nil {
		t.Fatalf("Dump failed: %v", err)
	}
	text := string(out)
	for _, want := range []string{"netstack:", "local_ip: 10.0.0.5", "retry_interval: 500ms", "ttl: 64"} {
		if !strings.Contains(text, want) {
			t.Errorf("Dump output missing %q:\n%s", want, text)
		}
	}
}

func TestMillis(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want uint32
	}{
		{0, 0},
		{-time.Second, 0},
		{1500 * time.Millisecond, 1500},
		{time.Duration(1<<40) * time.Millisecond, ^uint32(0)},
	}
	for _, tt := range tests {
		if got := Millis(tt.in); got != tt.want {
			t.Errorf("Millis(%s) = %d, expected %d", tt.in, got, tt.want)
		}
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "netstack.yaml"))
	if err != nil {
		t.Fatalf("Failed to load shipped config: %v", err)
	}
	if cfg.Datalink.Type != "sim" {
		t.Errorf("Expected sim datalink, got %s", cfg.Datalink.Type)
	}
	peers, ok := cfg.Datalink.Options["peers"].([]interface{})
	if !ok || len(peers) != 3 {
		t.Errorf("Expected 3 simulated peers, got %v", cfg.Datalink.Options["peers"])
	}
	if Millis(cfg.ARP.UnreachableHold) != 10000 {
		t.Errorf("Expected unreachable_hold 10000ms, got %d", Millis(cfg.ARP.UnreachableHold))
	}
}
