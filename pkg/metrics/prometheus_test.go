package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics("call-agent")

	m.RecordCall("video", "ended")
	m.RecordCall("video", "ended")
	m.IncActiveCalls()
	m.IncActiveCalls()
	m.DecActiveCalls()
	m.RecordRTPPacket("audio")

	families, err := m.GetRegistry().Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[family.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[family.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, values["calls_total"])
	assert.Equal(t, 1.0, values["calls_active"])
	assert.Equal(t, 1.0, values["peer_transport_rtp_packets_total"])
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordCall("audio", "missed")
		m.RecordCallDuration("audio", time.Second)
		m.RecordTransportState("connected")
		m.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
		m.SetWebSocketConnections(3)
	})
	assert.Nil(t, m.GetRegistry())
}
