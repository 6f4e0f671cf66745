// Package opendtu is a thin HTTP client facade over an OpenDTU gateway,
// exposing the battery voltage/power telemetry and dynamic power limiter
// (DPL) toggle the controller needs.
package opendtu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/solarctl/energy-controller/utils"
)

// minBatteryVoltage and maxBatteryVoltage bound the reported battery voltage
// before it is handed to the controller.
const (
	minBatteryVoltage = 47.0
	maxBatteryVoltage = 53.5
)

const requestTimeout = 2 * time.Second

// Snapshot is the inverter state the controller polls once per FSM
// iteration.
type Snapshot struct {
	BatteryVoltageV     float64
	BatteryToGridPowerW float64
	Fetched             bool
}

// Gateway talks to a single OpenDTU instance over HTTP with basic auth.
type Gateway struct {
	httpClient *http.Client
	baseURL    string
	user       string
	password   string
	inverterID string

	startDischargeVoltage float64
	stopDischargeVoltage  float64

	logger *log.Logger
}

// New constructs a Gateway. hostname is the bare host[:port], without scheme.
func New(hostname, user, password, inverterID string, startDischargeVoltage, stopDischargeVoltage float64, logger *log.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		httpClient:            &http.Client{Timeout: requestTimeout},
		baseURL:               "http://" + hostname,
		user:                  user,
		password:              password,
		inverterID:            inverterID,
		startDischargeVoltage: startDischargeVoltage,
		stopDischargeVoltage:  stopDischargeVoltage,
		logger:                logger,
	}
}

// FetchCurrentState retrieves live inverter DC voltage (averaged across both
// channels, clamped to [47.0, 53.5] V with a warning when out of range) and
// battery-to-grid AC power. On any failure it returns a
// Snapshot with Fetched=false and logs a warning; the controller tolerates
// missed fetches and retries on the next iteration.
func (g *Gateway) FetchCurrentState(ctx context.Context) Snapshot {
	u := fmt.Sprintf("%s/api/livedata/status?inv=%s", g.baseURL, g.inverterID)
	body, err := g.get(ctx, u)
	if err != nil {
		g.logger.Printf("[OPENDTU] failed to fetch current inverter status: %v", err)
		return Snapshot{}
	}

	var parsed struct {
		Inverters []struct {
			DC map[string]struct {
				Voltage struct {
					V float64 `json:"v"`
				} `json:"Voltage"`
			} `json:"DC"`
		} `json:"inverters"`
		Total struct {
			Power struct {
				V float64 `json:"v"`
			} `json:"Power"`
		} `json:"total"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		g.logger.Printf("[OPENDTU] failed to decode inverter status: %v", err)
		return Snapshot{}
	}
	if len(parsed.Inverters) == 0 {
		g.logger.Printf("[OPENDTU] inverter status response contained no inverters")
		return Snapshot{}
	}

	ch0 := parsed.Inverters[0].DC["0"].Voltage.V
	ch1 := parsed.Inverters[0].DC["1"].Voltage.V
	voltage := (ch0 + ch1) / 2.0
	clamped := utils.Clamp(voltage, minBatteryVoltage, maxBatteryVoltage)
	if clamped != voltage {
		g.logger.Printf("[OPENDTU] battery voltage %.2fV out of range, clamped to %.2fV", voltage, clamped)
	}

	return Snapshot{
		BatteryVoltageV:     clamped,
		BatteryToGridPowerW: parsed.Total.Power.V,
		Fetched:             true,
	}
}

// FetchInitialDPLState retrieves whether the dynamic power limiter is
// currently enabled. The second result is false if the request or decode
// failed.
func (g *Gateway) FetchInitialDPLState(ctx context.Context) (enabled bool, ok bool) {
	u := g.baseURL + "/api/powerlimiter/status"
	body, err := g.get(ctx, u)
	if err != nil {
		g.logger.Printf("[OPENDTU] failed to fetch initial DPL status: %v", err)
		return false, false
	}

	var parsed struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		g.logger.Printf("[OPENDTU] failed to decode DPL status: %v", err)
		return false, false
	}
	return parsed.Enabled, true
}

// EnableDPL turns on the dynamic power limiter for battery-to-grid
// discharge, using the configured start/stop discharge voltage thresholds.
func (g *Gateway) EnableDPL(ctx context.Context) error {
	return g.setDPL(ctx, true)
}

// DisableDPL turns off the dynamic power limiter. The reference deployment
// historically hard-coded 49.0/48.3 here instead of the configured
// thresholds used by EnableDPL; this implementation uses the configured
// thresholds in both directions, per the documented open question.
func (g *Gateway) DisableDPL(ctx context.Context) error {
	return g.setDPL(ctx, false)
}

func (g *Gateway) setDPL(ctx context.Context, enabled bool) error {
	payload := map[string]any{
		"enabled":                             enabled,
		"verbose_logging":                     false,
		"solar_passthrough_enabled":           false,
		"is_inverter_behind_powermeter":       true,
		"inverter_id":                         0,
		"inverter_channel_id":                 0,
		"target_power_consumption":            5,
		"target_power_consumption_hysteresis": 5,
		"lower_power_limit":                   30,
		"upper_power_limit":                   800,
		"battery_soc_start_threshold":         80,
		"battery_soc_stop_threshold":          20,
		"voltage_start_threshold":             g.startDischargeVoltage,
		"voltage_stop_threshold":              g.stopDischargeVoltage,
		"voltage_load_correction_factor":      0.0015,
		"inverter_restart_hour":               0,
	}
	jsonBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal DPL payload: %w", err)
	}

	action := "enable"
	if !enabled {
		action = "disable"
	}
	g.logger.Printf("[OPENDTU] request to %s DPL ...", action)

	form := url.Values{"data": {string(jsonBytes)}}
	return g.post(ctx, g.baseURL+"/api/powerlimiter/config", form)
}

func (g *Gateway) get(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(g.user, g.password)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	return io.ReadAll(resp.Body)
}

func (g *Gateway) post(ctx context.Context, rawURL string, form url.Values) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(g.user, g.password)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status: %s", resp.Status)
	}
	return nil
}
