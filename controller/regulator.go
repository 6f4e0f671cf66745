// Package controller implements the charge/discharge finite state machine
// and the proportional power regulator that drives the rectifier's current
// setpoint while charging.
package controller

import (
	"log"

	"github.com/solarctl/energy-controller/utils"
)

// CurrentSetter is the narrow capability the regulator needs from the
// rectifier driver, satisfied by *rectifier.Driver.
type CurrentSetter interface {
	SetMaxCurrent(amps float64, nonvolatile bool) error
}

// conversionFactor accounts for the rectifier's internal AC/DC sensing
// calibration; applied on top of the piecewise efficiency curve below.
const conversionFactor = 0.9876

// minBatteryVoltage and maxBatteryVoltage bound the battery voltage reading
// used in the regulator's current calculation, matching the clamp
// opendtu.Gateway applies to the inverter snapshot.
const (
	minBatteryVoltage = 47.0
	maxBatteryVoltage = 53.5
)

// Regulator converts a grid power error into a rectifier current command,
// one step per CHARGING-state FSM iteration.
type Regulator struct {
	targetGridPower int
	errorThreshold  int
	minChargePower  int
	maxChargePower  int

	rectifier CurrentSetter
	logger    *log.Logger
}

// NewRegulator constructs a Regulator bound to the given clamp/threshold
// configuration and the rectifier it commands.
func NewRegulator(targetGridPower, errorThreshold, minChargePower, maxChargePower int, rectifier CurrentSetter, logger *log.Logger) *Regulator {
	if logger == nil {
		logger = log.Default()
	}
	return &Regulator{
		targetGridPower: targetGridPower,
		errorThreshold:  errorThreshold,
		minChargePower:  minChargePower,
		maxChargePower:  maxChargePower,
		rectifier:       rectifier,
		logger:          logger,
	}
}

// Step runs one regulator cycle: gridPower is the current signed grid power
// in watts (negative = export/surplus), acChargePower is the rectifier's
// self-reported AC input power, and batteryVoltage is the rectifier's own
// last-reported DC output voltage. It returns true if a current command was
// actually issued. Only the dead-band check suppresses a command outright;
// once the error exceeds the dead-band, a command is always sent, including
// 0 A when the requested charge power falls below the configured floor.
func (r *Regulator) Step(gridPower int, acChargePower float64, batteryVoltage float64) bool {
	err := r.targetGridPower - gridPower
	if abs(err) < r.errorThreshold {
		return false
	}

	cmdW := acChargePower + float64(err)
	if cmdW > float64(r.maxChargePower) {
		cmdW = float64(r.maxChargePower)
	}
	if cmdW < float64(r.minChargePower) {
		cmdW = 0
	}

	efficiency := pickEfficiency(cmdW)

	vClamped := utils.Clamp(batteryVoltage, minBatteryVoltage, maxBatteryVoltage)
	if vClamped != batteryVoltage {
		r.logger.Printf("[REGULATOR] battery voltage %.2fV out of range, clamped to %.2fV", batteryVoltage, vClamped)
	}
	iAmps := utils.Round2((conversionFactor * efficiency * cmdW) / vClamped)

	maxAmps := utils.Round2(float64(r.maxChargePower) / minBatteryVoltage)
	if iAmps > maxAmps {
		iAmps = maxAmps
	}

	if setErr := r.rectifier.SetMaxCurrent(iAmps, false); setErr != nil {
		r.logger.Printf("[REGULATOR] failed to set max current: %v", setErr)
		return false
	}

	r.logger.Printf("[REGULATOR] err=%dW cmd=%.1fW eta=%.3f -> %.2fA", err, cmdW, efficiency, iAmps)
	return true
}

// pickEfficiency selects the AC/DC conversion efficiency band for a
// requested charge power. Returns 0 for a non-positive command, meaning no
// actuation should occur.
func pickEfficiency(cmdW float64) float64 {
	switch {
	case cmdW <= 0:
		return 0
	case cmdW < 461:
		return 0.880
	case cmdW < 704:
		return 0.937
	case cmdW < 1050:
		return 0.952
	default:
		return 0.960
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
