package rectifier

import (
	"testing"

	"github.com/solarctl/energy-controller/canbus"
	"github.com/stretchr/testify/require"
)

func TestEncodeSetVoltage(t *testing.T) {
	f := encodeSetVoltage(52.5, false)
	require.Equal(t, idSetParameter|canbus.EFFFlag, f.ID)
	require.EqualValues(t, 8, f.Length)
	require.Equal(t, byte(0x01), f.Data[0])
	require.Equal(t, byte(opSetVoltageOnline), f.Data[1])
	// 52.5 * 1024 = 53760 = 0xD200
	require.Equal(t, byte(0xD2), f.Data[6])
	require.Equal(t, byte(0x00), f.Data[7])
}

func TestEncodeSetVoltageNonvolatile(t *testing.T) {
	f := encodeSetVoltage(52.5, true)
	require.Equal(t, byte(opSetVoltageOffline), f.Data[1])
}

func TestEncodeSetCurrent(t *testing.T) {
	f := encodeSetCurrent(1.99, false)
	require.Equal(t, byte(opSetCurrentOnline), f.Data[1])
	// round(1.99*20) = 40 = 0x0028
	require.Equal(t, byte(0x00), f.Data[6])
	require.Equal(t, byte(0x28), f.Data[7])
}

func TestEncodeStatusRequestIsAllZeroPayload(t *testing.T) {
	f := encodeStatusRequest()
	require.Equal(t, idStatusRequest|canbus.EFFFlag, f.ID)
	require.Equal(t, [8]byte{}, f.Data)
}

func TestDecodeStatusReportKnownSelector(t *testing.T) {
	var data [8]byte
	data[1] = selOutputVoltage
	// 53760 = 0x0000D200
	data[4], data[5], data[6], data[7] = 0x00, 0x00, 0xD2, 0x00
	p := decodeStatusReport(data)
	require.True(t, p.known)
	require.InDelta(t, 52.5, p.value, 1e-9)
}

func TestDecodeStatusReportOutputCurrentMaxUsesCurrentScale(t *testing.T) {
	var data [8]byte
	data[1] = selOutputCurrentMax
	data[4], data[5], data[6], data[7] = 0x00, 0x00, 0x00, 0x28 // 40 / 20 = 2.0
	p := decodeStatusReport(data)
	require.True(t, p.known)
	require.InDelta(t, 2.0, p.value, 1e-9)
}

func TestDecodeStatusReportUnknownSelectorIgnored(t *testing.T) {
	var data [8]byte
	data[1] = 0xAB
	p := decodeStatusReport(data)
	require.False(t, p.known)
}

func TestDecodeAckErrorFlag(t *testing.T) {
	var data [8]byte
	data[0] = 0x20
	data[1] = opSetVoltageOnline
	ack := decodeAck(data)
	require.True(t, ack.failed)
}

func TestDecodeAckCurrentUsesCurrentScale(t *testing.T) {
	var data [8]byte
	data[1] = opSetCurrentOnline
	data[4], data[5], data[6], data[7] = 0x00, 0x00, 0x00, 0x28
	ack := decodeAck(data)
	require.InDelta(t, 2.0, ack.value, 1e-9)
	require.False(t, ack.failed)
}

func TestRoundTripVoltageEncodeDecode(t *testing.T) {
	f := encodeSetVoltage(48.25, false)
	var data [8]byte
	data[1] = selOutputVoltage
	copy(data[4:], f.Data[4:])
	p := decodeStatusReport(data)
	require.InDelta(t, 48.25, p.value, 1.0/voltageScale)
}
