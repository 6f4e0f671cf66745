package opendtu

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockOpenDTUServer returns a test server serving the three endpoints the
// gateway exercises, recording the last DPL config payload it received.
func mockOpenDTUServer(t *testing.T, lastPayload *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "admin", user)
		require.Equal(t, "secret", pass)

		switch {
		case r.URL.Path == "/api/livedata/status":
			require.Equal(t, "0", r.URL.Query().Get("inv"))
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{
				"inverters": [{
					"DC": {
						"0": {"Voltage": {"v": 51.5}},
						"1": {"Voltage": {"v": 52.5}}
					}
				}],
				"total": {"Power": {"v": 123.4}}
			}`))
		case r.URL.Path == "/api/powerlimiter/status":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"enabled": true}`))
		case r.URL.Path == "/api/powerlimiter/config":
			require.NoError(t, r.ParseForm())
			if lastPayload != nil {
				*lastPayload = r.PostForm.Get("data")
			}
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
}

func hostOf(t *testing.T, server *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return u.Host
}

func TestFetchCurrentStateAveragesDCVoltage(t *testing.T) {
	server := mockOpenDTUServer(t, nil)
	defer server.Close()

	gw := New(hostOf(t, server), "admin", "secret", "0", 49.0, 48.3, nil)
	snap := gw.FetchCurrentState(context.Background())

	require.True(t, snap.Fetched)
	require.InDelta(t, 52.0, snap.BatteryVoltageV, 1e-9)
	require.InDelta(t, 123.4, snap.BatteryToGridPowerW, 1e-9)
}

func TestFetchCurrentStateUnreachableReturnsUnfetched(t *testing.T) {
	gw := New("127.0.0.1:1", "admin", "secret", "0", 49.0, 48.3, nil)
	snap := gw.FetchCurrentState(context.Background())
	require.False(t, snap.Fetched)
}

func TestFetchInitialDPLState(t *testing.T) {
	server := mockOpenDTUServer(t, nil)
	defer server.Close()

	gw := New(hostOf(t, server), "admin", "secret", "0", 49.0, 48.3, nil)
	enabled, ok := gw.FetchInitialDPLState(context.Background())

	require.True(t, ok)
	require.True(t, enabled)
}

func TestEnableDPLSendsConfiguredThresholds(t *testing.T) {
	var payload string
	server := mockOpenDTUServer(t, &payload)
	defer server.Close()

	gw := New(hostOf(t, server), "admin", "secret", "0", 49.0, 48.3, nil)
	err := gw.EnableDPL(context.Background())

	require.NoError(t, err)
	require.Contains(t, payload, `"voltage_start_threshold":49`)
	require.Contains(t, payload, `"voltage_stop_threshold":48.3`)
	require.Contains(t, payload, `"enabled":true`)
}

func TestDisableDPLUsesConfiguredThresholdsToo(t *testing.T) {
	var payload string
	server := mockOpenDTUServer(t, &payload)
	defer server.Close()

	gw := New(hostOf(t, server), "admin", "secret", "0", 49.0, 48.3, nil)
	err := gw.DisableDPL(context.Background())

	require.NoError(t, err)
	require.Contains(t, payload, `"voltage_start_threshold":49`)
	require.Contains(t, payload, `"voltage_stop_threshold":48.3`)
	require.Contains(t, payload, `"enabled":false`)
}
