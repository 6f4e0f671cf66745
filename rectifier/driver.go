// Package rectifier implements the CAN-bus protocol driver for the
// Huawei R4850G2-class rectifier/charger: frame encode/decode, a live
// parameter mirror, and the keep-alive worker loop that keeps the unit in
// online command mode.
package rectifier

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/solarctl/energy-controller/canbus"
	"github.com/solarctl/energy-controller/gpio"
)

const (
	statusRequestPeriod = 1 * time.Second
	keepAlivePeriod     = 5 * time.Second
)

// Params is a live, synchronized mirror of the rectifier's last-reported
// parameters. A parameter that has not been reported yet reads as zero, the
// same as a reported zero -- consumers treat staleness as best-effort.
type Params struct {
	mu sync.RWMutex

	inputVoltage     float64
	inputFrequency   float64
	inputCurrent     float64
	inputPower       float64
	inputTemp        float64
	outputVoltage    float64
	outputCurrent    float64
	outputPower      float64
	maxOutputCurrent float64
	outputTemp       float64
	efficiency       float64
}

func (p *Params) apply(d decodedParam) {
	if !d.known {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d.selector {
	case selInputPower:
		p.inputPower = d.value
	case selInputFreq:
		p.inputFrequency = d.value
	case selInputCurrent:
		p.inputCurrent = d.value
	case selInputVoltage:
		p.inputVoltage = d.value
	case selInputTemp:
		p.inputTemp = d.value
	case selOutputPower:
		p.outputPower = d.value
	case selEfficiency:
		p.efficiency = d.value
	case selOutputVoltage:
		p.outputVoltage = d.value
	case selOutputCurrent:
		p.outputCurrent = d.value
	case selOutputCurrentMax:
		p.maxOutputCurrent = d.value
	case selOutputTemp:
		p.outputTemp = d.value
	}
}

// InputPower returns the last-reported AC input power in watts.
func (p *Params) InputPower() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inputPower
}

// OutputVoltage returns the last-reported DC output voltage in volts.
func (p *Params) OutputVoltage() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.outputVoltage
}

// OutputCurrent returns the last-reported DC output current in amperes.
func (p *Params) OutputCurrent() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.outputCurrent
}

// Snapshot returns a copy of every tracked parameter, for telemetry.
func (p *Params) Snapshot() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return map[string]float64{
		"input_voltage":      p.inputVoltage,
		"input_frequency":    p.inputFrequency,
		"input_current":      p.inputCurrent,
		"input_power":        p.inputPower,
		"input_temp":         p.inputTemp,
		"output_voltage":     p.outputVoltage,
		"output_current":     p.outputCurrent,
		"output_power":       p.outputPower,
		"max_output_current": p.maxOutputCurrent,
		"output_temp":        p.outputTemp,
		"efficiency":         p.efficiency,
	}
}

// Driver owns the CAN socket and the worker goroutine that speaks the
// rectifier protocol.
type Driver struct {
	sock       *canbus.Socket
	slotDetect *gpio.SlotDetect
	logger     *log.Logger

	params Params

	running        atomic.Bool
	lastCurrentCmd atomic.Value // float64
	cmdAckPending  atomic.Bool

	slotDetectKeepAlive time.Duration
	idleSince           time.Time
	idleMu              sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Driver bound to interfaceName. slotDetect may be a
// no-op instance (see gpio.New) when slot-detect control is disabled.
func New(interfaceName string, slotDetect *gpio.SlotDetect, slotDetectKeepAlive time.Duration, logger *log.Logger) (*Driver, error) {
	if logger == nil {
		logger = log.Default()
	}

	sock, err := canbus.Open(interfaceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open rectifier CAN socket: %w", err)
	}

	d := &Driver{
		sock:                sock,
		slotDetect:          slotDetect,
		logger:              logger,
		slotDetectKeepAlive: slotDetectKeepAlive,
		stopCh:              make(chan struct{}),
		doneCh:              make(chan struct{}),
	}
	d.lastCurrentCmd.Store(0.0)
	return d, nil
}

// Start raises slot-detect, sends the initial absorption-voltage setpoint
// and first status request, then launches the receive loop in a new
// goroutine. It returns once the loop has been launched.
func (d *Driver) Start(absorptionVoltage float64) error {
	if err := d.slotDetect.High(); err != nil {
		d.logger.Printf("[RECTIFIER] slot-detect high failed: %v", err)
	}

	if err := d.SetMaxVoltage(absorptionVoltage, false); err != nil {
		return fmt.Errorf("failed to send initial voltage setpoint: %w", err)
	}
	if err := d.RequestStatus(); err != nil {
		return fmt.Errorf("failed to send initial status request: %w", err)
	}

	d.running.Store(true)
	go d.loop()
	return nil
}

func (d *Driver) loop() {
	defer close(d.doneCh)

	lastStatusReq := time.Now()
	lastKeepAlive := time.Now()

	for d.running.Load() {
		select {
		case <-d.stopCh:
			return
		default:
		}

		frame, err := d.sock.Receive()
		if err != nil {
			d.logger.Printf("[RECTIFIER] CAN read error (continuing): %v", err)
			continue
		}
		d.dispatch(frame)

		now := time.Now()
		if now.Sub(lastStatusReq) > statusRequestPeriod {
			if err := d.RequestStatus(); err != nil {
				d.logger.Printf("[RECTIFIER] status request failed: %v", err)
			}
			lastStatusReq = now
		}

		if now.Sub(lastKeepAlive) > keepAlivePeriod {
			last := d.lastCurrentCmd.Load().(float64)
			if err := d.sendCurrent(last, false); err != nil {
				d.logger.Printf("[RECTIFIER] keep-alive current resend failed: %v", err)
			}
			d.trackIdle(last)
			lastKeepAlive = now
		}
	}
}

func (d *Driver) trackIdle(lastCmd float64) {
	d.idleMu.Lock()
	defer d.idleMu.Unlock()

	if lastCmd == 0 {
		if d.idleSince.IsZero() {
			d.idleSince = time.Now()
		} else if time.Since(d.idleSince) >= d.slotDetectKeepAlive {
			if err := d.slotDetect.Low(); err != nil {
				d.logger.Printf("[RECTIFIER] slot-detect low failed: %v", err)
			}
		}
		return
	}

	if !d.idleSince.IsZero() {
		if err := d.slotDetect.High(); err != nil {
			d.logger.Printf("[RECTIFIER] slot-detect high failed: %v", err)
		}
	}
	d.idleSince = time.Time{}
}

func (d *Driver) dispatch(f canbus.Frame) {
	switch f.ID & canbus.EFFMask {
	case idStatusReport:
		d.params.apply(decodeStatusReport(f.Data))
	case idCommandAck:
		ack := decodeAck(f.Data)
		d.handleAck(ack)
	case idDescriptor:
		// unused, ignored
	default:
		// unrecognized frame id, ignored
	}
}

func (d *Driver) handleAck(ack ackFrame) {
	status := "Success"
	if ack.failed {
		status = "Error"
	}

	switch ack.opcode {
	case opSetVoltageOnline:
		d.logger.Printf("[RECTIFIER] %s setting online voltage to %.2fV", status, ack.value)
	case opSetVoltageOffline:
		d.logger.Printf("[RECTIFIER] %s setting offline voltage to %.2fV", status, ack.value)
	case opOvervoltage:
		d.logger.Printf("[RECTIFIER] %s setting overvoltage protection to %.2fV", status, ack.value)
	case opSetCurrentOnline:
		last := d.lastCurrentCmd.Load().(float64)
		if !d.cmdAckPending.Load() && ack.value == last {
			d.logger.Printf("[RECTIFIER] %s setting online current to %.2fA", status, ack.value)
			d.cmdAckPending.Store(true)
		}
	case opSetCurrentOffline:
		d.logger.Printf("[RECTIFIER] %s setting offline current to %.2fA", status, ack.value)
	default:
		d.logger.Printf("[RECTIFIER] %s setting unknown parameter (0x%02X)", status, ack.opcode)
	}
}

// SetMaxVoltage sends a voltage setpoint command. It does not block waiting
// for hardware acknowledgement.
func (d *Driver) SetMaxVoltage(volts float64, nonvolatile bool) error {
	return d.send(encodeSetVoltage(volts, nonvolatile))
}

// SetMaxCurrent sends a current setpoint command. A non-zero command that
// follows a zero-command period raises slot-detect before the frame is sent.
// Changing the commanded current clears the pending-ack flag so the next
// matching ACK is logged.
func (d *Driver) SetMaxCurrent(amps float64, nonvolatile bool) error {
	if amps != 0 {
		d.idleMu.Lock()
		if !d.idleSince.IsZero() {
			if err := d.slotDetect.High(); err != nil {
				d.logger.Printf("[RECTIFIER] slot-detect high failed: %v", err)
			}
		}
		d.idleSince = time.Time{}
		d.idleMu.Unlock()
	}
	return d.sendCurrent(amps, nonvolatile)
}

func (d *Driver) sendCurrent(amps float64, nonvolatile bool) error {
	if err := d.send(encodeSetCurrent(amps, nonvolatile)); err != nil {
		return err
	}
	prev := d.lastCurrentCmd.Load().(float64)
	if amps != prev {
		d.cmdAckPending.Store(false)
		d.logger.Printf("[RECTIFIER] sent new current command: %.2fA", amps)
	}
	d.lastCurrentCmd.Store(amps)
	return nil
}

// RequestStatus sends a status-report poll frame.
func (d *Driver) RequestStatus() error {
	return d.send(encodeStatusRequest())
}

func (d *Driver) send(f canbus.Frame) error {
	if err := d.sock.Send(f); err != nil {
		return fmt.Errorf("failed to send CAN frame: %w", err)
	}
	return nil
}

// CurrentInputPower returns the rectifier's last-reported AC input power.
func (d *Driver) CurrentInputPower() float64 {
	return d.params.InputPower()
}

// CurrentOutputVoltage returns the rectifier's last-reported DC output voltage.
func (d *Driver) CurrentOutputVoltage() float64 {
	return d.params.OutputVoltage()
}

// CurrentOutputCurrent returns the rectifier's last-reported DC output current.
func (d *Driver) CurrentOutputCurrent() float64 {
	return d.params.OutputCurrent()
}

// Snapshot returns every tracked rectifier parameter, for telemetry.
func (d *Driver) Snapshot() map[string]float64 {
	return d.params.Snapshot()
}

// Shutdown stops the worker goroutine, closes the CAN socket and drops
// slot-detect.
func (d *Driver) Shutdown() error {
	if !d.running.CompareAndSwap(true, false) {
		return nil
	}
	close(d.stopCh)
	// Closing the socket does not interrupt a Receive that is already blocked;
	// the worker goroutine exits after that call returns with the next frame
	// or an error.
	closeErr := d.sock.Close()
	<-d.doneCh

	if err := d.slotDetect.Low(); err != nil {
		d.logger.Printf("[RECTIFIER] slot-detect low on shutdown failed: %v", err)
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close CAN socket: %w", closeErr)
	}
	return nil
}
