// Package telemetry publishes a retained snapshot of controller state to an
// MQTT broker, purely for observability; it never subscribes to anything
// and never feeds back into control decisions.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Snapshot is published as the retained JSON payload under <prefix>/state
// once per controller iteration.
type Snapshot struct {
	State             string  `json:"state"`
	GridPowerW        int     `json:"grid_power_w"`
	ACChargePowerW    float64 `json:"ac_charge_power_w"`
	BatteryVoltageV   float64 `json:"battery_voltage_v"`
	RectifierOutputV  float64 `json:"rectifier_output_voltage_v"`
	RectifierOutputA  float64 `json:"rectifier_output_current_a"`
	RectifierInputW   float64 `json:"rectifier_input_power_w"`
}

// Publisher wraps a connected paho MQTT client and the topic prefix
// telemetry is published under.
type Publisher struct {
	client mqtt.Client
	prefix string
	qos    byte
	logger *log.Logger
}

// NewPublisher connects to brokerAddress (e.g. "tcp://host:1883") and
// returns a Publisher, or nil with no error if brokerAddress is empty,
// meaning telemetry publishing is disabled.
func NewPublisher(brokerAddress, clientID, topicPrefix string, logger *log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if brokerAddress == "" {
		return nil, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerAddress)
	opts.SetClientID(clientID)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %q: %w", brokerAddress, token.Error())
	}

	return &Publisher{client: client, prefix: topicPrefix, qos: 0, logger: logger}, nil
}

// Publish sends the retained state snapshot and the bare FSM state name.
// Failures are logged, never propagated: telemetry is best-effort. A nil
// Publisher (telemetry disabled) is a no-op.
func (p *Publisher) Publish(snap Snapshot) {
	if p == nil {
		return
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		p.logger.Printf("[TELEMETRY] failed to marshal snapshot: %v", err)
		return
	}

	if token := p.client.Publish(p.prefix+"/state", p.qos, true, payload); token.Wait() && token.Error() != nil {
		p.logger.Printf("[TELEMETRY] failed to publish state: %v", token.Error())
	}
	if token := p.client.Publish(p.prefix+"/fsm_state", p.qos, true, []byte(snap.State)); token.Wait() && token.Error() != nil {
		p.logger.Printf("[TELEMETRY] failed to publish fsm_state: %v", token.Error())
	}
}

// Close disconnects from the broker gracefully. A nil Publisher is a no-op.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Disconnect(250)
}
