package controller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeInverterGateway struct {
	enableCalls  int
	disableCalls int
}

func (f *fakeInverterGateway) EnableDPL(context.Context) error {
	f.enableCalls++
	return nil
}

func (f *fakeInverterGateway) DisableDPL(context.Context) error {
	f.disableCalls++
	return nil
}

type fakePollRate struct {
	increased bool
	decreased bool
}

func (f *fakePollRate) IncreasePollingRate(time.Duration) { f.increased = true }
func (f *fakePollRate) DecreasePollingRate()              { f.decreased = true }

func newTestFSM() (*FSM, *fakeInverterGateway, *fakePollRate, *fakeCurrentSetter) {
	setter := &fakeCurrentSetter{}
	reg := NewRegulator(0, 7, 50, 700, setter, nil)
	gw := &fakeInverterGateway{}
	pr := &fakePollRate{}
	fsm := NewFSM(50, time.Second, 49.0, reg, gw, pr, nil)
	return fsm, gw, pr, setter
}

// arm pushes an event's predicate-true condition far enough into the past
// that its dwell time has already elapsed on the next evaluation.
func arm(fsm *FSM, event Event) {
	fsm.conditions[event].conditionMet = true
	fsm.conditions[event].becameTrueAt = time.Now().Add(-dwellTimes[event] - time.Second)
}

func TestInitialStateIsIdle(t *testing.T) {
	fsm, _, _, _ := newTestFSM()
	require.Equal(t, Idle, fsm.State())
}

func TestPVOverproductionTransitionsIdleToCharging(t *testing.T) {
	fsm, gw, pr, _ := newTestFSM()

	// Drive one evaluation to seed the condition, then fast-forward the
	// dwell timer and evaluate again.
	sample := Sample{GridPowerW: -120, InverterPowerW: 0}
	fsm.evaluatePredicates(sample)
	arm(fsm, PVOverproduction)

	event, armed := fsm.evaluatePredicates(sample)
	require.True(t, armed)
	require.Equal(t, PVOverproduction, event)

	fsm.transition(context.Background(), event)

	require.Equal(t, Charging, fsm.State())
	require.Equal(t, 1, gw.disableCalls)
	require.True(t, pr.increased)
}

func TestHighDemandTransitionsChargingToDischarging(t *testing.T) {
	fsm, gw, pr, _ := newTestFSM()
	fsm.state = Charging

	sample := Sample{GridPowerW: 200, BatteryVoltageV: 50.0, ACChargePowerW: 0, InverterPowerW: 0}
	fsm.evaluatePredicates(sample)
	arm(fsm, HighDemand)

	event, armed := fsm.evaluatePredicates(sample)
	require.True(t, armed)
	require.Equal(t, HighDemand, event)

	fsm.transition(context.Background(), event)

	require.Equal(t, Discharging, fsm.State())
	require.Equal(t, 1, gw.enableCalls)
	require.True(t, pr.decreased)
}

func TestUnlistedTransitionIsIgnored(t *testing.T) {
	fsm, gw, _, _ := newTestFSM()
	// BATTERY_FULL from IDLE has no table entry.
	fsm.transition(context.Background(), BatteryFull)

	require.Equal(t, Idle, fsm.State())
	require.Equal(t, 0, gw.disableCalls)
}

func TestDwellResetsOnFalseSample(t *testing.T) {
	fsm, _, _, _ := newTestFSM()

	truthy := Sample{GridPowerW: -120, InverterPowerW: 0}
	fsm.evaluatePredicates(truthy)
	arm(fsm, PVOverproduction)

	falsy := Sample{GridPowerW: 0, InverterPowerW: 0}
	_, armed := fsm.evaluatePredicates(falsy)
	require.False(t, armed)
	require.False(t, fsm.conditions[PVOverproduction].conditionMet)
}

func TestUpdateInChargingRunsRegulatorStep(t *testing.T) {
	fsm, _, _, setter := newTestFSM()
	fsm.state = Charging

	fsm.Update(context.Background(), Sample{GridPowerW: -120, ACChargePowerW: 0, RectifierOutputVoltageV: 52.5})

	require.True(t, setter.called)
	require.InDelta(t, 1.99, setter.lastAmps, 0.005)
}
