// Package netlab provides the client abstraction for the network lab
// controller that hosts the devices under change.
//
// The Backend interface covers the three operations the pipeline needs:
// inventory listing, exec-mode command execution, and config-mode
// deployment. Client implements it against the lab controller's REST
// gateway; Fake implements it in memory for tests.
package netlab

import (
	"context"
	"errors"
)

// Device is one node in the lab inventory.
type Device struct {
	ID             string `json:"id"`
	Label          string `json:"label"`
	NodeDefinition string `json:"node_definition"`
	State          string `json:"state"`
}

// ErrDeviceNotFound is returned when a command targets a label the lab
// does not have.
var ErrDeviceNotFound = errors.New("device not found")

// Backend is the lab controller surface used by the pipeline.
type Backend interface {
	// ListDevices returns every node in the lab, regardless of state.
	ListDevices(ctx context.Context) ([]Device, error)

	// RunCommand executes one exec-mode CLI command on a device and
	// returns its raw output.
	RunCommand(ctx context.Context, device, command string) (string, error)

	// ApplyConfig sends configuration commands to a device in config
	// mode. With save set, the configuration is written to startup after
	// applying. Returns the device output.
	ApplyConfig(ctx context.Context, device, config string, save bool) (string, error)
}
