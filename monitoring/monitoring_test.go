package monitoring

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	start := time.Unix(1700000000, 0)
	clk := clock.NewTestClock(start)
	m := NewMetrics(clk)

	m.SetLayer(2, 4)
	m.SetLayer(3, 8)
	m.SetStateRevision(7)
	m.Event("CIRC")
	m.Event("CIRC")
	m.Alert("BandwidthLimitExceeded")
	m.Suppressed("BandwidthLimitExceeded")
	m.CircuitClosed("bandguard")
	m.Reconnect()

	require.EqualValues(t, 4, testutil.ToFloat64(
		m.layerGuards.WithLabelValues("2"),
	))
	require.EqualValues(t, 8, testutil.ToFloat64(
		m.layerGuards.WithLabelValues("3"),
	))
	require.EqualValues(t, 7, testutil.ToFloat64(m.stateRevision))
	require.EqualValues(t, 2, testutil.ToFloat64(
		m.events.WithLabelValues("CIRC"),
	))
	require.EqualValues(t, 1, testutil.ToFloat64(
		m.suppressed.WithLabelValues("BandwidthLimitExceeded"),
	))
	require.EqualValues(t, 1, testutil.ToFloat64(m.reconnects))

	clk.SetTime(start.Add(90 * time.Second))
	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var uptime float64
	for _, f := range families {
		if f.GetName() == "vanguards_uptime_seconds" {
			uptime = f.GetMetric()[0].GetGauge().GetValue()
		}
	}
	require.EqualValues(t, 90, uptime)
}

func TestServe(t *testing.T) {
	t.Parallel()

	m := NewMetrics(clock.NewDefaultClock())
	m.SetRelays(6500)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errChan := make(chan error, 1)
	go func() {
		errChan <- Serve(ctx, lis, m)
	}()

	resp, err := http.Get("http://" + lis.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.True(t, strings.Contains(
		string(body), "vanguards_consensus_relays 6500",
	))

	cancel()
	select {
	case err := <-errChan:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("exporter did not stop")
	}
}

func TestPrometheusEnabled(t *testing.T) {
	t.Parallel()

	cfg := DefaultPrometheus()
	require.False(t, cfg.Enabled())

	cfg.Listen = "127.0.0.1:9089"
	require.True(t, cfg.Enabled())
}
