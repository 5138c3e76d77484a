// Package device abstracts the smart plugs the engine drives. The
// engine only ever needs two things from a device: set it on or off,
// and ask what state it is believed to be in.
package device

import "context"

// Controller is the device command surface the engine depends on.
type Controller interface {
	// SetOnOff drives the device to the requested state. An error means
	// the command was not confirmed and the action should go through
	// the retry path.
	SetOnOff(ctx context.Context, deviceID string, on bool) error

	// State returns the last known on/off state of the device, or nil
	// when no state has been observed yet.
	State(ctx context.Context, deviceID string) (*bool, error)
}
