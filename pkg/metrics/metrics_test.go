package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {

	var m *Metrics

	assert.NotPanics(t, func() {
		m.SetActive(3)
		m.Accepted()
		m.AcceptFailed()
		m.Received(10)
		m.Decoded()
		m.DecodeFailed()
		m.Sent(2)
		m.SendFailed()
		m.Broadcast(time.Millisecond)
	})
}

func TestRecord(t *testing.T) {

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetActive(3)
	m.Accepted()
	m.Accepted()
	m.Sent(4)
	m.SendFailed()
	m.Received(100)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnectionsTotal))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.FramesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SendFailures))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.BytesReceived))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}

	assert.True(t, names["chat_connections_active"])
	assert.True(t, names["chat_frames_sent_total"])
}
