// ABOUTME: This file provides a deterministic in-memory lab backend for tests.
// It implements the Backend interface and records applied configurations.
package netlab

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake implements Backend with in-memory state for tests. It is
// deterministic and safe for concurrent use.
type Fake struct {
	mu      sync.Mutex
	devices []Device
	// outputs maps "label command" to canned command output.
	outputs map[string]string
	// configs maps label to the device's running config text.
	configs map[string]string
	applied map[string][]AppliedConfig
	fail    map[string]error
}

// AppliedConfig records one ApplyConfig call.
type AppliedConfig struct {
	Config string
	Save   bool
}

// NewFake returns a Fake with empty state.
func NewFake() *Fake {
	return &Fake{
		outputs: make(map[string]string),
		configs: make(map[string]string),
		applied: make(map[string][]AppliedConfig),
		fail:    make(map[string]error),
	}
}

// AddDevice seeds a device into the inventory.
func (f *Fake) AddDevice(d Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = append(f.devices, d)
}

// SetRunningConfig seeds a device's running configuration, served for
// "show running-config".
func (f *Fake) SetRunningConfig(label, config string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs[label] = config
}

// SetOutput seeds the output for one command on one device.
func (f *Fake) SetOutput(label, command, output string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs[label+" "+command] = output
}

// FailWith makes every operation against the label return err.
func (f *Fake) FailWith(label string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[label] = err
}

// Applied returns the configs applied to the label, in order.
func (f *Fake) Applied(label string) []AppliedConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AppliedConfig, len(f.applied[label]))
	copy(out, f.applied[label])
	return out
}

func (f *Fake) ListDevices(_ context.Context) ([]Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Device, len(f.devices))
	copy(out, f.devices)
	return out, nil
}

func (f *Fake) RunCommand(_ context.Context, device, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[device]; err != nil {
		return "", err
	}
	if !f.hasDevice(device) {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
	}
	if command == "show running-config" {
		if cfg, ok := f.configs[device]; ok {
			return cfg, nil
		}
	}
	return f.outputs[device+" "+command], nil
}

func (f *Fake) ApplyConfig(_ context.Context, device, config string, save bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[device]; err != nil {
		return "", err
	}
	if !f.hasDevice(device) {
		return "", fmt.Errorf("%w: %s", ErrDeviceNotFound, device)
	}
	f.applied[device] = append(f.applied[device], AppliedConfig{Config: config, Save: save})
	return fmt.Sprintf("Applied %d lines", len(strings.Split(strings.TrimSpace(config), "\n"))), nil
}

func (f *Fake) hasDevice(label string) bool {
	for _, d := range f.devices {
		if d.Label == label {
			return true
		}
	}
	return false
}
