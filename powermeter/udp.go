package powermeter

import (
	"log"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/solarctl/energy-controller/measurement"
)

// tasmotaDowntimeWindow is how long the UDP ingest tolerates silence from
// the Tasmota relay before assuming it is offline.
const tasmotaDowntimeWindow = 60 * time.Second

// tasmotaDowntimeSyntheticWatts is pushed once the downtime window elapses,
// a large positive (import) value that drives the regulator to command
// zero charge current until real samples resume.
const tasmotaDowntimeSyntheticWatts = 30000

// UDPIngest is an alternative GridLoadState producer for deployments that
// report grid power over UDP datagrams carrying an ASCII integer watt
// value, instead of polling a Modbus meter directly.
type UDPIngest struct {
	conn      *net.UDPConn
	bus       *measurement.Bus
	rectifier RectifierSource
	logger    *log.Logger

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewUDPIngest binds a UDP listener on 0.0.0.0:port.
func NewUDPIngest(port int, bus *measurement.Bus, rect RectifierSource, logger *log.Logger) (*UDPIngest, error) {
	if logger == nil {
		logger = log.Default()
	}

	addr := &net.UDPAddr{IP: net.IPv4zero, Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	return &UDPIngest{
		conn:      conn,
		bus:       bus,
		rectifier: rect,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// Start launches the receive loop in a new goroutine.
func (u *UDPIngest) Start() {
	u.running.Store(true)
	go u.loop()
}

func (u *UDPIngest) loop() {
	defer close(u.doneCh)

	buf := make([]byte, 1024)
	lastSample := time.Now()

	for u.running.Load() {
		u.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if time.Since(lastSample) >= tasmotaDowntimeWindow {
				u.pushSample(tasmotaDowntimeSyntheticWatts)
				lastSample = time.Now()
				u.logger.Printf("[UDP] no samples for %s, injecting synthetic +%dW", tasmotaDowntimeWindow, tasmotaDowntimeSyntheticWatts)
			}
			continue
		}

		text := strings.TrimSpace(string(buf[:n]))
		watts, ok := parseWatts(text)
		if !ok {
			u.logger.Printf("[UDP] received unparseable or out-of-range payload %q (ignore)", text)
			continue
		}

		u.pushSample(watts)
		lastSample = time.Now()
	}
}

// parseWatts parses a UDP datagram payload as an ASCII integer watt value
// and validates it against the physically plausible meter range.
func parseWatts(text string) (int16, bool) {
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, false
	}
	if value < -30000 || value > 20000 {
		return 0, false
	}
	return int16(value), true
}

func (u *UDPIngest) pushSample(watts int16) {
	u.bus.Push(measurement.GridLoadState{
		GridPowerW:       watts,
		PSUACInputPowerW: int16(u.rectifier.CurrentInputPower()),
	})
}

// IncreasePollingRate is a no-op for the UDP ingest: the Tasmota relay
// pushes samples on its own schedule, not a configurable poll interval.
func (u *UDPIngest) IncreasePollingRate(time.Duration) {}

// DecreasePollingRate is a no-op for the UDP ingest, see IncreasePollingRate.
func (u *UDPIngest) DecreasePollingRate() {}

// Stop halts the receive loop and closes the socket.
func (u *UDPIngest) Stop() {
	if !u.running.CompareAndSwap(true, false) {
		return
	}
	close(u.stopCh)
	u.conn.Close()
	<-u.doneCh
}
