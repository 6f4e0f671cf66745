package controller

import (
	"context"
	"log"
	"time"

	"github.com/solarctl/energy-controller/measurement"
)

// State is one of the FSM's three operating modes.
type State int

const (
	Idle State = iota
	Charging
	Discharging
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Charging:
		return "CHARGING"
	case Discharging:
		return "DISCHARGING"
	default:
		return "UNKNOWN"
	}
}

// Event is a debounced condition the FSM reacts to.
type Event int

const (
	PVOverproduction Event = iota
	HighDemand
	BatteryFull
	BatteryLow
)

// transitions is the static (state, event) -> state table. Pairs absent
// from this table are ignored.
var transitions = map[State]map[Event]State{
	Idle: {
		PVOverproduction: Charging,
		HighDemand:       Discharging,
	},
	Charging: {
		BatteryFull: Idle,
		HighDemand:  Discharging,
	},
	Discharging: {
		BatteryLow:       Idle,
		PVOverproduction: Charging,
	},
}

// dwellTimes pairs each event with the duration its predicate must hold
// continuously before the transition fires.
var dwellTimes = map[Event]time.Duration{
	PVOverproduction: 50 * time.Second,
	HighDemand:       15 * time.Second,
	BatteryFull:      200 * time.Second,
	BatteryLow:       200 * time.Second,
}

// eventCondition tracks one event's dwell timer across FSM iterations.
type eventCondition struct {
	becameTrueAt time.Time
	conditionMet bool
}

// InverterGateway is the narrow capability the FSM needs from the OpenDTU
// gateway, satisfied by *opendtu.Gateway.
type InverterGateway interface {
	EnableDPL(ctx context.Context) error
	DisableDPL(ctx context.Context) error
}

// PollRateController is the narrow capability the FSM needs from whichever
// grid power producer is active (Modbus poller or UDP ingest).
type PollRateController interface {
	IncreasePollingRate(configured time.Duration)
	DecreasePollingRate()
}

// Sample is one merged measurement cycle fed to the FSM. BatteryVoltageV is
// the OpenDTU-reported battery voltage used by the HIGH_DEMAND predicate's
// V_start threshold; RectifierOutputVoltageV is the rectifier's own
// self-reported DC output voltage, the V_clamped divisor the regulator
// uses, matching original_source/fsm.cpp's getCurrentOutputVoltage() call.
type Sample struct {
	GridPowerW              int
	ACChargePowerW          float64
	InverterPowerW          float64
	BatteryVoltageV         float64
	RectifierOutputVoltageV float64
}

// FSM owns the controller's charge/discharge state machine and drives the
// Regulator while in the CHARGING state.
type FSM struct {
	state State

	minChargePower  int
	configuredPoll  time.Duration
	startVoltage    float64

	conditions map[Event]*eventCondition

	regulator *Regulator
	inverter  InverterGateway
	pollRate  PollRateController

	logger *log.Logger
}

// NewFSM constructs an FSM in the IDLE state.
func NewFSM(minChargePower int, configuredPollPeriod time.Duration, startDischargeVoltage float64, regulator *Regulator, inverter InverterGateway, pollRate PollRateController, logger *log.Logger) *FSM {
	if logger == nil {
		logger = log.Default()
	}
	conditions := make(map[Event]*eventCondition, 4)
	for event := range dwellTimes {
		conditions[event] = &eventCondition{}
	}
	return &FSM{
		state:          Idle,
		minChargePower: minChargePower,
		configuredPoll: configuredPollPeriod,
		startVoltage:   startDischargeVoltage,
		conditions:     conditions,
		regulator:      regulator,
		inverter:       inverter,
		pollRate:       pollRate,
		logger:         logger,
	}
}

// State returns the FSM's current state.
func (f *FSM) State() State {
	return f.state
}

// Update runs one controller iteration: predicate evaluation, a debounced
// transition if armed, and dispatch on the (possibly new) current state.
func (f *FSM) Update(ctx context.Context, sample Sample) {
	event, armed := f.evaluatePredicates(sample)
	if armed {
		f.transition(ctx, event)
	}

	switch f.state {
	case Charging:
		f.regulator.Step(sample.GridPowerW, sample.ACChargePowerW, sample.RectifierOutputVoltageV)
	case Discharging:
		// no-op: the external inverter's DPL governs discharge current.
	case Idle:
		time.Sleep(2 * time.Second)
	}
}

// evaluatePredicates re-checks every event's predicate and advances its
// dwell timer, returning the first event whose dwell time has elapsed (if
// any) in table declaration order: PV_OVERPRODUCTION, HIGH_DEMAND,
// BATTERY_FULL, BATTERY_LOW.
func (f *FSM) evaluatePredicates(sample Sample) (Event, bool) {
	order := []Event{PVOverproduction, HighDemand, BatteryFull, BatteryLow}
	now := time.Now()

	armedEvent := Event(-1)
	armed := false

	for _, event := range order {
		predicateTrue := f.predicate(event, sample)
		cond := f.conditions[event]

		if !predicateTrue {
			cond.conditionMet = false
			continue
		}

		if !cond.conditionMet {
			cond.conditionMet = true
			cond.becameTrueAt = now
		}

		if !armed && now.Sub(cond.becameTrueAt) >= dwellTimes[event] {
			armedEvent = event
			armed = true
		}
	}

	return armedEvent, armed
}

// predicate evaluates one event's raw (non-debounced) condition for the
// current sample and state.
func (f *FSM) predicate(event Event, sample Sample) bool {
	switch event {
	case PVOverproduction:
		return sample.GridPowerW < -f.minChargePower && sample.InverterPowerW == 0 && f.state != Charging
	case HighDemand:
		return sample.GridPowerW > 2*f.minChargePower &&
			sample.BatteryVoltageV >= f.startVoltage &&
			sample.ACChargePowerW == 0 &&
			sample.InverterPowerW == 0 &&
			f.state != Discharging
	case BatteryFull:
		// Reserved: transitions out of CHARGING happen only via HIGH_DEMAND
		// or operator action in this deployment.
		return false
	case BatteryLow:
		// Reserved: the external inverter's DPL handles discharge cutoff by
		// voltage in this deployment.
		return false
	default:
		return false
	}
}

// transition applies the static transition table and runs the destination
// state's on-entry action.
func (f *FSM) transition(ctx context.Context, event Event) {
	next, ok := transitions[f.state][event]
	if !ok {
		f.logger.Printf("[FSM] event fired with no transition from %s (ignored)", f.state)
		return
	}

	f.logger.Printf("[FSM] %s -> %s", f.state, next)
	f.state = next
	f.onEntry(ctx, next)
}

func (f *FSM) onEntry(ctx context.Context, state State) {
	switch state {
	case Idle:
		// throttle handled in Update's dispatch step.
	case Charging:
		if err := f.inverter.DisableDPL(ctx); err != nil {
			f.logger.Printf("[FSM] failed to disable inverter DPL on entering CHARGING: %v", err)
		}
		f.pollRate.IncreasePollingRate(f.configuredPoll)
	case Discharging:
		if err := f.inverter.EnableDPL(ctx); err != nil {
			f.logger.Printf("[FSM] failed to enable inverter DPL on entering DISCHARGING: %v", err)
		}
		f.pollRate.DecreasePollingRate()
	}
}

// SampleFrom merges a measurement.GridLoadState with the rectifier's
// self-reported AC charge power and output voltage and the inverter
// gateway's last snapshot into one FSM Sample.
func SampleFrom(s measurement.GridLoadState, acChargePowerW, inverterPowerW, batteryVoltageV, rectifierOutputVoltageV float64) Sample {
	return Sample{
		GridPowerW:              int(s.GridPowerW),
		ACChargePowerW:          acChargePowerW,
		InverterPowerW:          inverterPowerW,
		BatteryVoltageV:         batteryVoltageV,
		RectifierOutputVoltageV: rectifierOutputVoltageV,
	}
}
