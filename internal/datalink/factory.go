package datalink

import (
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/netstack/internal/clock"
	"firestige.xyz/netstack/internal/core"
)

// Factory builds a device from its option map.
type Factory func(options map[string]any, clk clock.Source) (Device, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a device type available to Open. Device packages call it
// from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Open builds the device registered under name.
func Open(name string, options map[string]any, clk clock.Source) (Device, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", core.ErrDeviceNotFound, name, Names())
	}
	return f(options, clk)
}

// Names lists registered device types.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeOptions decodes a device option map into out, accepting the loose
// typing that YAML and environment overrides produce.
func DecodeOptions(options map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(options); err != nil {
		return fmt.Errorf("%w: device options: %w", core.ErrConfigInvalid, err)
	}
	return nil
}
