package rectifier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParamsApplyUpdatesKnownSelector(t *testing.T) {
	var p Params
	p.apply(decodedParam{selector: selOutputVoltage, value: 52.5, known: true})
	require.InDelta(t, 52.5, p.OutputVoltage(), 1e-9)
}

func TestParamsApplyIgnoresUnknownSelector(t *testing.T) {
	var p Params
	p.apply(decodedParam{selector: 0xAB, value: 99, known: false})
	require.Zero(t, p.OutputVoltage())
}

func TestParamsSnapshotReflectsAllFields(t *testing.T) {
	var p Params
	p.apply(decodedParam{selector: selInputPower, value: 120, known: true})
	p.apply(decodedParam{selector: selOutputCurrentMax, value: 15, known: true})

	snap := p.Snapshot()
	require.InDelta(t, 120.0, snap["input_power"], 1e-9)
	require.InDelta(t, 15.0, snap["max_output_current"], 1e-9)
}
