package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					values[m.Name] += dp.Value
				}
			}
		}
	}
	return values
}

func TestMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(ctx, provider.Meter("test"))
	require.NoError(t, err)

	m.PeerConnected("a")
	m.PeerConnected("b")
	m.MessageReceived("a", 5)
	m.MessageReceived("a", 3)
	m.MessageSent()
	m.InactivityTimeout()
	m.PeerDisconnected("b")

	assert.Eventually(t, func() bool {
		return collect(t, reader)["peerlink_peers_active"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	values := collect(t, reader)
	assert.Equal(t, int64(1), values["peerlink_peers"])
	assert.Equal(t, int64(2), values["peerlink_messages_received"])
	assert.Equal(t, int64(8), values["peerlink_bytes_received"])
	assert.Equal(t, int64(1), values["peerlink_messages_sent"])
	assert.Equal(t, int64(1), values["peerlink_lost_peers"])
	assert.Equal(t, int64(1), values["peerlink_inactivity_timeouts"])
	assert.Equal(t, int64(0), values["peerlink_peers_idle"])
}

func TestMetrics_Nil(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.PeerConnected("a")
		m.MessageReceived("a", 1)
		m.MessageSent()
		m.InactivityTimeout()
		m.PeerDisconnected("a")
	})
}
