// Package powermeter reads grid power samples from either a Modbus/TCP
// power meter or an optional UDP-fed Tasmota relay, normalizing both into
// GridLoadState samples pushed onto a measurement.Bus.
package powermeter

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"

	"github.com/solarctl/energy-controller/measurement"
	"github.com/solarctl/energy-controller/rectifier"
)

// powerRegisterAddr is the Shelly Pro 3EM total active power input register.
const powerRegisterAddr = 1014

// sentinel is returned by readPower when the Modbus transaction fails.
const sentinel = -9999.9

const (
	fastPollFloor     = 4000 * time.Millisecond
	reconnectBackoff  = 3 * time.Second
	responseTimeout   = 3 * time.Second
)

// RectifierSource supplies the rectifier's self-reported AC input power,
// satisfied by *rectifier.Driver.
type RectifierSource interface {
	CurrentInputPower() float64
}

var _ RectifierSource = (*rectifier.Driver)(nil)

// ModbusPoller periodically reads the grid power register and pushes
// GridLoadState samples onto a bus, mirroring the AC input power the
// rectifier is reporting at the same instant.
type ModbusPoller struct {
	handler *modbus.TCPClientHandler
	client  modbus.Client

	bus       *measurement.Bus
	rectifier RectifierSource
	logger    *log.Logger

	pollingMs atomic.Int64
	running   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewModbusPoller connects to a Modbus/TCP power meter at address
// ("host:port"), configuring a 3s response timeout and a 60s idle timeout.
// No TCP keep-alive is configured: this client library does not expose the
// socket's SO_KEEPALIVE settings (see DESIGN.md for the documented gap).
func NewModbusPoller(address string, pollingPeriod time.Duration, bus *measurement.Bus, rect RectifierSource, logger *log.Logger) (*ModbusPoller, error) {
	if logger == nil {
		logger = log.Default()
	}

	handler := modbus.NewTCPClientHandler(address)
	handler.Timeout = responseTimeout
	handler.IdleTimeout = 60 * time.Second

	if err := handler.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to power meter: %w", err)
	}

	p := &ModbusPoller{
		handler:   handler,
		client:    modbus.NewClient(handler),
		bus:       bus,
		rectifier: rect,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	p.pollingMs.Store(pollingPeriod.Milliseconds())
	return p, nil
}

// Start launches the polling loop in a new goroutine.
func (p *ModbusPoller) Start() {
	p.running.Store(true)
	go p.loop()
}

func (p *ModbusPoller) loop() {
	defer close(p.doneCh)

	for p.running.Load() {
		value, err := p.readPower()
		if err != nil {
			// goburrow/modbus wraps the underlying net.Conn error without
			// preserving errno, so every read error reconnects rather than
			// only ECONNRESET/EPIPE/EBADF; see DESIGN.md for the gap.
			p.logger.Printf("[POWERMETER] read error: %v", err)
			p.reconnect()
			continue
		}

		if value != sentinel {
			watts := int16(math.Round(float64(value)))
			if !filterPower(watts) {
				p.logger.Printf("[POWERMETER] received invalid power state value: %d (ignore)", watts)
			} else {
				p.bus.Push(measurement.GridLoadState{
					GridPowerW:        watts,
					PSUACInputPowerW:  int16(p.rectifier.CurrentInputPower()),
				})
			}
		}

		select {
		case <-time.After(time.Duration(p.pollingMs.Load()) * time.Millisecond):
		case <-p.stopCh:
			return
		}
	}
}

func (p *ModbusPoller) readPower() (float32, error) {
	data, err := p.client.ReadInputRegisters(powerRegisterAddr, 2)
	if err != nil {
		return sentinel, err
	}
	return decodeFloat32ABCD(data), nil
}

// decodeFloat32ABCD decodes two consecutive big-endian 16-bit Modbus
// registers as an IEEE-754 32-bit float in ABCD byte order.
func decodeFloat32ABCD(data []byte) float32 {
	bits := binary.BigEndian.Uint32(data)
	return math.Float32frombits(bits)
}

// filterPower validates a rounded watt reading against the physically
// plausible range the meter can report; ok is false if it should be
// dropped without enqueueing.
func filterPower(watts int16) bool {
	return watts >= -30000 && watts <= 20000
}

func (p *ModbusPoller) reconnect() {
	p.logger.Printf("[POWERMETER] connection lost, attempting to reconnect...")
	p.handler.Close()

	select {
	case <-time.After(reconnectBackoff):
	case <-p.stopCh:
		return
	}

	if err := p.handler.Connect(); err != nil {
		p.logger.Printf("[POWERMETER] reconnection attempt failed: %v", err)
		return
	}
	p.logger.Printf("[POWERMETER] reconnected to power meter")
}

// IncreasePollingRate switches to the configured, responsive polling
// period used while the regulator is actively charging.
func (p *ModbusPoller) IncreasePollingRate(configured time.Duration) {
	p.pollingMs.Store(configured.Milliseconds())
	p.logger.Printf("[POWERMETER] increased polling rate for regulation")
}

// DecreasePollingRate switches to the fixed, slower polling period used
// while the external inverter DPL governs discharge.
func (p *ModbusPoller) DecreasePollingRate() {
	p.pollingMs.Store(fastPollFloor.Milliseconds())
	p.logger.Printf("[POWERMETER] decreased polling rate")
}

// Stop halts the polling loop and closes the Modbus connection.
func (p *ModbusPoller) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.handler.Close()
}
