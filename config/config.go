// Package config loads and validates the controller's runtime configuration.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Config holds all tunables for the rectifier driver, power meter, inverter
// gateway, regulator and optional telemetry publisher. Values map 1:1 onto
// the "key : value" text configuration file format.
type Config struct {
	// CAN / rectifier
	CANInterface          string  // can-interface
	AbsorptionVoltage     float64 // absorption-voltage (V)
	SlotDetectEnabled     bool    // slotdetect-control-enabled
	SlotDetectKeepAlive   int     // slotdetect-keep-alive-time (s), minimum 10

	// Regulator
	TargetGridPower  int // target-grid-power (W)
	MinChargePower   int // min-charge-power (W)
	MaxChargePower   int // max-charge-power (W)
	ErrorThreshold   int // regulator-error-threshold (W)
	RegulatorIdleMs  int // regulator-idle-time (ms)

	// Power meter
	UDPListenerPort        int    // udp-listener-port
	PowerMeterModbusIP     string // powermeter-modbus-ip
	PowerMeterModbusPort   int    // powermeter-modbus-port
	PowerMeterPollingMs    int    // powermeter-modbus-polling-period (ms)

	// Scheduled exit
	ScheduledExitEnabled bool // scheduled-exit-enabled
	ScheduledExitHour    int  // scheduled-exit-hour, clamped 0..23
	ScheduledExitMinute  int  // scheduled-exit-minute, clamped 0..59

	// OpenDTU inverter gateway
	OpenDTUHostname             string  // opendtu-hostname
	OpenDTUAdminUser            string  // opendtu-admin-user
	OpenDTUAdminPassword        string  // opendtu-admin-password
	OpenDTUBatteryInverterID    string  // opendtu-battery-inverter-id
	OpenDTUStartDischargeVoltage float64 // opendtu-start-discharge-voltage
	OpenDTUStopDischargeVoltage  float64 // opendtu-stop-discharge-voltage

	// Optional MQTT telemetry (supplemented feature, see SPEC_FULL.md §10)
	MQTTBrokerAddress string // mqtt-broker-address, empty disables publishing
	MQTTClientID      string // mqtt-client-id
	MQTTTopicPrefix   string // mqtt-topic-prefix
}

// DefaultConfig returns a configuration populated with the same defaults the
// original deployment shipped with (see default-conf.h in the reference
// implementation's sources).
func DefaultConfig() *Config {
	return &Config{
		CANInterface:        "can0",
		AbsorptionVoltage:   52.5,
		SlotDetectEnabled:   false,
		SlotDetectKeepAlive: 60,

		TargetGridPower: 0,
		MinChargePower:  50,
		MaxChargePower:  700,
		ErrorThreshold:  7,
		RegulatorIdleMs: 1200,

		UDPListenerPort:      2000,
		PowerMeterModbusIP:   "",
		PowerMeterModbusPort: 502,
		PowerMeterPollingMs:  1000,

		ScheduledExitEnabled: false,
		ScheduledExitHour:    3,
		ScheduledExitMinute:  0,

		OpenDTUHostname:              "",
		OpenDTUAdminUser:             "admin",
		OpenDTUAdminPassword:         "",
		OpenDTUBatteryInverterID:     "0",
		OpenDTUStartDischargeVoltage: 49.0,
		OpenDTUStopDischargeVoltage:  48.3,

		MQTTBrokerAddress: "",
		MQTTClientID:      "energy-controller",
		MQTTTopicPrefix:   "energy-controller",
	}
}

// Load reads a "key : value" text configuration file, applying recognized
// keys on top of DefaultConfig. Unknown keys are logged by the caller (this
// function returns them so main can decide how noisy to be); malformed lines
// are skipped rather than treated as fatal.
func Load(path string) (*Config, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	return LoadFromReader(f)
}

// LoadFromReader parses the key:value format from an io.Reader, returning the
// populated Config plus a list of warnings (unknown keys, malformed lines).
func LoadFromReader(r io.Reader) (*Config, []string, error) {
	cfg := DefaultConfig()
	var warnings []string

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, ":")
		if idx < 0 {
			warnings = append(warnings, fmt.Sprintf("malformed line (missing ':'): %q", line))
			continue
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if err := cfg.apply(key, value); err != nil {
			warnings = append(warnings, err.Error())
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, warnings, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, warnings, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, warnings, nil
}

func (c *Config) apply(key, value string) error {
	switch key {
	case "can-interface":
		c.CANInterface = value
	case "udp-listener-port":
		return assignInt(&c.UDPListenerPort, key, value)
	case "target-grid-power":
		return assignInt(&c.TargetGridPower, key, value)
	case "min-charge-power":
		return assignInt(&c.MinChargePower, key, value)
	case "max-charge-power":
		return assignInt(&c.MaxChargePower, key, value)
	case "regulator-error-threshold":
		return assignInt(&c.ErrorThreshold, key, value)
	case "regulator-idle-time":
		return assignInt(&c.RegulatorIdleMs, key, value)
	case "absorption-voltage":
		return assignFloat(&c.AbsorptionVoltage, key, value)
	case "scheduled-exit-enabled":
		return assignBool(&c.ScheduledExitEnabled, key, value)
	case "scheduled-exit-hour":
		if err := assignInt(&c.ScheduledExitHour, key, value); err != nil {
			return err
		}
		c.ScheduledExitHour = clampInt(c.ScheduledExitHour, 0, 23)
	case "scheduled-exit-minute":
		if err := assignInt(&c.ScheduledExitMinute, key, value); err != nil {
			return err
		}
		c.ScheduledExitMinute = clampInt(c.ScheduledExitMinute, 0, 59)
	case "slotdetect-control-enabled":
		return assignBool(&c.SlotDetectEnabled, key, value)
	case "slotdetect-keep-alive-time":
		if err := assignInt(&c.SlotDetectKeepAlive, key, value); err != nil {
			return err
		}
		if c.SlotDetectKeepAlive < 10 {
			c.SlotDetectKeepAlive = 60
		}
	case "opendtu-hostname":
		c.OpenDTUHostname = value
	case "opendtu-admin-user":
		c.OpenDTUAdminUser = value
	case "opendtu-admin-password":
		c.OpenDTUAdminPassword = value
	case "opendtu-battery-inverter-id":
		c.OpenDTUBatteryInverterID = value
	case "opendtu-start-discharge-voltage":
		return assignFloat(&c.OpenDTUStartDischargeVoltage, key, value)
	case "opendtu-stop-discharge-voltage":
		return assignFloat(&c.OpenDTUStopDischargeVoltage, key, value)
	case "powermeter-modbus-ip":
		c.PowerMeterModbusIP = value
	case "powermeter-modbus-port":
		return assignInt(&c.PowerMeterModbusPort, key, value)
	case "powermeter-modbus-polling-period":
		return assignInt(&c.PowerMeterPollingMs, key, value)
	case "mqtt-broker-address":
		c.MQTTBrokerAddress = value
	case "mqtt-client-id":
		c.MQTTClientID = value
	case "mqtt-topic-prefix":
		c.MQTTTopicPrefix = value
	default:
		return fmt.Errorf("unknown config key %q (ignored)", key)
	}
	return nil
}

func assignInt(dst *int, key, value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", key, value)
	}
	*dst = v
	return nil
}

func assignFloat(dst *float64, key, value string) error {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", key, value)
	}
	*dst = v
	return nil
}

func assignBool(dst *bool, key, value string) error {
	v, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", key, value)
	}
	*dst = v
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Validate checks cross-field and range constraints that individual key
// parsing cannot enforce on its own.
func (c *Config) Validate() error {
	if c.CANInterface == "" {
		return fmt.Errorf("can-interface cannot be empty")
	}
	if c.MinChargePower < 0 {
		return fmt.Errorf("min-charge-power must be non-negative, got: %d", c.MinChargePower)
	}
	if c.MaxChargePower <= 0 {
		return fmt.Errorf("max-charge-power must be positive, got: %d", c.MaxChargePower)
	}
	if c.MinChargePower > c.MaxChargePower {
		return fmt.Errorf("min-charge-power (%d) cannot exceed max-charge-power (%d)", c.MinChargePower, c.MaxChargePower)
	}
	if c.ErrorThreshold < 0 {
		return fmt.Errorf("regulator-error-threshold must be non-negative, got: %d", c.ErrorThreshold)
	}
	if c.RegulatorIdleMs < 0 {
		return fmt.Errorf("regulator-idle-time must be non-negative, got: %d", c.RegulatorIdleMs)
	}
	if c.AbsorptionVoltage <= 0 {
		return fmt.Errorf("absorption-voltage must be positive, got: %f", c.AbsorptionVoltage)
	}
	if c.UDPListenerPort < 0 || c.UDPListenerPort > 65535 {
		return fmt.Errorf("udp-listener-port must be between 0 and 65535, got: %d", c.UDPListenerPort)
	}
	if c.PowerMeterModbusPort < 0 || c.PowerMeterModbusPort > 65535 {
		return fmt.Errorf("powermeter-modbus-port must be between 0 and 65535, got: %d", c.PowerMeterModbusPort)
	}
	if c.OpenDTUStartDischargeVoltage < c.OpenDTUStopDischargeVoltage {
		return fmt.Errorf("opendtu-start-discharge-voltage (%f) must be >= opendtu-stop-discharge-voltage (%f)",
			c.OpenDTUStartDischargeVoltage, c.OpenDTUStopDischargeVoltage)
	}
	return nil
}
