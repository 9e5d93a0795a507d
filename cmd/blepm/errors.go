package main

import (
	"errors"
	"fmt"

	"github.com/srg/blepm/internal/device"
)

// Command-level errors
var (
	// ErrNoReply indicates a command was sent but never acknowledged.
	ErrNoReply = errors.New("no reply")
)

// FormatUserError turns library errors into a one-line hint for the terminal.
func FormatUserError(err error) string {
	var timeout *device.TimeoutError
	var notFound *device.NotFoundError
	var precondition *device.PreconditionError
	switch {
	case errors.As(err, &precondition):
		return fmt.Sprintf("%s; check that Bluetooth is on and this program may use it", precondition.Reason)
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off"
	case errors.As(err, &timeout):
		return fmt.Sprintf("device did not acknowledge %s after %d attempts", timeout.Packet, timeout.Attempts)
	case errors.As(err, &notFound):
		return fmt.Sprintf("%s; is the device profile configured correctly?", notFound.Error())
	case errors.Is(err, device.ErrNotConnected):
		return "device is not connected"
	default:
		return err.Error()
	}
}
