package controller

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeCurrentSetter struct {
	lastAmps        float64
	lastNonvolatile bool
	called          bool
}

func (f *fakeCurrentSetter) SetMaxCurrent(amps float64, nonvolatile bool) error {
	f.lastAmps = amps
	f.lastNonvolatile = nonvolatile
	f.called = true
	return nil
}

func TestRegulatorStepFirstCommand(t *testing.T) {
	setter := &fakeCurrentSetter{}
	reg := NewRegulator(0, 7, 50, 700, setter, nil)

	fired := reg.Step(-120, 0, 52.5)

	require.True(t, fired)
	require.True(t, setter.called)
	require.False(t, setter.lastNonvolatile)
	require.InDelta(t, 1.99, setter.lastAmps, 0.005)
}

func TestRegulatorStepClampsToMaxChargePower(t *testing.T) {
	setter := &fakeCurrentSetter{}
	reg := NewRegulator(0, 7, 50, 700, setter, nil)

	fired := reg.Step(-1200, 500, 50.0)

	require.True(t, fired)
	// 0.9876 * 0.937 * 700 / 50.0 = 12.9553..., rounds to 12.96.
	require.InDelta(t, 12.96, setter.lastAmps, 0.005)
}

func TestRegulatorStepWithinDeadbandIssuesNoCommand(t *testing.T) {
	setter := &fakeCurrentSetter{}
	reg := NewRegulator(0, 7, 50, 700, setter, nil)

	fired := reg.Step(-5, 0, 52.5)

	require.False(t, fired)
	require.False(t, setter.called)
}

func TestRegulatorStepBelowMinChargePowerDropsToZero(t *testing.T) {
	setter := &fakeCurrentSetter{}
	reg := NewRegulator(0, 7, 50, 700, setter, nil)

	fired := reg.Step(-20, 0, 52.5)

	require.True(t, fired)
	require.True(t, setter.called)
	require.Equal(t, 0.0, setter.lastAmps)
}

func TestRegulatorStepClampsVoltageToLowerBound(t *testing.T) {
	setter := &fakeCurrentSetter{}
	reg := NewRegulator(0, 7, 50, 700, setter, nil)

	reg.Step(-1200, 500, 40.0)

	maxAmps := (700.0 / 47.0)
	require.True(t, setter.lastAmps <= maxAmps+0.01)
}

func TestPickEfficiencyBands(t *testing.T) {
	require.Equal(t, 0.0, pickEfficiency(0))
	require.Equal(t, 0.880, pickEfficiency(120))
	require.Equal(t, 0.937, pickEfficiency(500))
	require.Equal(t, 0.952, pickEfficiency(800))
	require.Equal(t, 0.960, pickEfficiency(1200))
}
