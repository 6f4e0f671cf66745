// Package gpio drives the "slot detect" output pin that powers the
// rectifier's standby relay. It is adapted from the same periph.io
// host-init/registry-lookup pattern used elsewhere in this codebase's
// grounding corpus for I2C device access, applied here to a GPIO line.
package gpio

import (
	"fmt"
	"log"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// DefaultPinName is the BCM pin the reference platform wires to the
// rectifier's standby relay.
const DefaultPinName = "GPIO17"

// SlotDetect controls a single active-high output pin. When the underlying
// platform has no GPIO support (e.g. running on a dev machine), it
// degrades to a silent no-op, matching the failure model of "GPIO
// failures are silently ignored on non-embedded builds".
type SlotDetect struct {
	pin     gpio.PinIO
	logger  *log.Logger
	enabled bool
}

// New initializes the host GPIO drivers and looks up pinName. If
// initialization or lookup fails, it returns a SlotDetect that no-ops on
// every call rather than an error, since slot-detect is an optional
// convenience and must never block startup of the control loop.
func New(pinName string, logger *log.Logger) *SlotDetect {
	if logger == nil {
		logger = log.Default()
	}

	if _, err := host.Init(); err != nil {
		logger.Printf("[GPIO] host init failed, slot-detect disabled: %v", err)
		return &SlotDetect{logger: logger}
	}

	pin := gpioreg.ByName(pinName)
	if pin == nil {
		logger.Printf("[GPIO] pin %q not found, slot-detect disabled", pinName)
		return &SlotDetect{logger: logger}
	}

	return &SlotDetect{pin: pin, logger: logger, enabled: true}
}

// High raises the pin, allowing the rectifier to accept current commands.
func (s *SlotDetect) High() error {
	if !s.enabled {
		return nil
	}
	if err := s.pin.Out(gpio.High); err != nil {
		return fmt.Errorf("failed to raise slot-detect pin: %w", err)
	}
	return nil
}

// Low drops the pin, putting the rectifier's standby relay to sleep.
func (s *SlotDetect) Low() error {
	if !s.enabled {
		return nil
	}
	if err := s.pin.Out(gpio.Low); err != nil {
		return fmt.Errorf("failed to lower slot-detect pin: %w", err)
	}
	return nil
}

// Enabled reports whether a real GPIO pin backs this controller.
func (s *SlotDetect) Enabled() bool {
	return s.enabled
}
