package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestLoadFromReaderOverridesDefaults(t *testing.T) {
	text := `
# sample configuration
can-interface : can1
max-charge-power : 900
min-charge-power : 100
absorption-voltage : 53.2
slotdetect-control-enabled : true
slotdetect-keep-alive-time : 5
scheduled-exit-hour : 27
scheduled-exit-minute : -4
opendtu-hostname : dtu.local
mqtt-broker-address : broker.local:1883
`
	cfg, warnings, err := LoadFromReader(strings.NewReader(text))
	require.NoError(t, err)
	require.Empty(t, warnings)

	require.Equal(t, "can1", cfg.CANInterface)
	require.Equal(t, 900, cfg.MaxChargePower)
	require.Equal(t, 100, cfg.MinChargePower)
	require.InDelta(t, 53.2, cfg.AbsorptionVoltage, 1e-9)
	require.True(t, cfg.SlotDetectEnabled)
	// below the 10s floor, resets to default
	require.Equal(t, 60, cfg.SlotDetectKeepAlive)
	require.Equal(t, 23, cfg.ScheduledExitHour)
	require.Equal(t, 0, cfg.ScheduledExitMinute)
	require.Equal(t, "dtu.local", cfg.OpenDTUHostname)
	require.Equal(t, "broker.local:1883", cfg.MQTTBrokerAddress)
}

func TestLoadFromReaderUnknownKeyWarns(t *testing.T) {
	cfg, warnings, err := LoadFromReader(strings.NewReader("frobnicate : 1\n"))
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "unknown config key")
	require.NotNil(t, cfg)
}

func TestLoadFromReaderMalformedLineWarns(t *testing.T) {
	_, warnings, err := LoadFromReader(strings.NewReader("this line has no separator\n"))
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0], "malformed line")
}

func TestValidateRejectsInvertedChargeBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinChargePower = 800
	cfg.MaxChargePower = 700
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvertedDischargeThresholds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OpenDTUStartDischargeVoltage = 48.0
	cfg.OpenDTUStopDischargeVoltage = 49.0
	require.Error(t, cfg.Validate())
}
