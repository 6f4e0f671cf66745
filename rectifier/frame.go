package rectifier

import "github.com/solarctl/energy-controller/canbus"

// CAN identifiers the rectifier protocol uses, masked to the 29-bit extended
// range. See SPEC_FULL.md §4.1.
const (
	idStatusReport  uint32 = 0x1081407F
	idCommandAck    uint32 = 0x1081807E
	idDescriptor    uint32 = 0x1081D27F
	idSetParameter  uint32 = 0x108180FE
	idStatusRequest uint32 = 0x108140FE
)

// Parameter selector bytes reported in status frames (byte 1 of the payload).
const (
	selInputPower        = 0x70
	selInputFreq         = 0x71
	selInputCurrent      = 0x72
	selOutputPower       = 0x73
	selEfficiency        = 0x74
	selOutputVoltage     = 0x75
	selOutputCurrentMax  = 0x76
	selInputVoltage      = 0x78
	selOutputTemp        = 0x7F
	selInputTemp         = 0x80
	selOutputCurrent     = 0x81
	selOutputCurrentAlt  = 0x82 // ignored, alternative current measurement
)

// Set-command opcodes (byte 1 of the payload for idSetParameter frames).
const (
	opSetVoltageOnline  = 0x00
	opSetVoltageOffline = 0x01
	opOvervoltage       = 0x02 // overvoltage protection threshold, ack-only
	opSetCurrentOnline  = 0x03
	opSetCurrentOffline = 0x04
)

const (
	voltageScale = 1024.0
	currentScale = 20.0
)

// encodeSetVoltage builds the 8-byte command frame for setting the output
// voltage limit, scaled by 1024 as the rectifier firmware expects.
func encodeSetVoltage(volts float64, nonvolatile bool) canbus.Frame {
	op := byte(opSetVoltageOnline)
	if nonvolatile {
		op = opSetVoltageOffline
	}
	return buildSetFrame(op, uint16(volts*voltageScale+0.5))
}

// encodeSetCurrent builds the 8-byte command frame for setting the output
// current limit, scaled by 20 as the rectifier firmware expects.
func encodeSetCurrent(amps float64, nonvolatile bool) canbus.Frame {
	op := byte(opSetCurrentOnline)
	if nonvolatile {
		op = opSetCurrentOffline
	}
	return buildSetFrame(op, uint16(amps*currentScale+0.5))
}

func buildSetFrame(opcode byte, scaled uint16) canbus.Frame {
	var f canbus.Frame
	f.ID = idSetParameter | canbus.EFFFlag
	f.Length = 8
	f.Data[0] = 0x01
	f.Data[1] = opcode
	f.Data[6] = byte(scaled >> 8)
	f.Data[7] = byte(scaled)
	return f
}

// encodeStatusRequest builds the all-zero status poll frame.
func encodeStatusRequest() canbus.Frame {
	var f canbus.Frame
	f.ID = idStatusRequest | canbus.EFFFlag
	f.Length = 8
	return f
}

// decodedParam is one (selector, value) pair extracted from a status report.
type decodedParam struct {
	selector byte
	value    float64
	known    bool
}

// decodeStatusReport extracts the parameter selector and its scaled value
// from a status report frame's 8-byte payload.
func decodeStatusReport(data [8]byte) decodedParam {
	selector := data[1]
	raw := uint32(data[4])<<24 | uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7])

	switch selector {
	case selOutputCurrentMax:
		return decodedParam{selector: selector, value: float64(raw) / currentScale, known: true}
	case selInputPower, selInputFreq, selInputCurrent, selOutputPower, selEfficiency,
		selOutputVoltage, selInputVoltage, selOutputTemp, selInputTemp, selOutputCurrent:
		return decodedParam{selector: selector, value: float64(raw) / voltageScale, known: true}
	default:
		return decodedParam{selector: selector, known: false}
	}
}

// ackFrame is the decoded form of a command-acknowledgement frame.
type ackFrame struct {
	opcode byte
	value  float64
	failed bool
}

func decodeAck(data [8]byte) ackFrame {
	raw := uint32(data[4])<<24 | uint32(data[5])<<16 | uint32(data[6])<<8 | uint32(data[7])
	opcode := data[1]

	var scale float64 = voltageScale
	if opcode == opSetCurrentOnline || opcode == opSetCurrentOffline {
		scale = currentScale
	}

	return ackFrame{
		opcode: opcode,
		value:  float64(raw) / scale,
		failed: data[0]&0x20 != 0,
	}
}
