package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetherws/tether/pkg/metrics"
)

func TestNilRegistryDisablesMetrics(t *testing.T) {
	m, err := metrics.New(nil, "tether", nil)
	require.NoError(t, err)
	assert.Nil(t, m)

	// Every recorder is safe on a nil receiver.
	m.SetState("connected")
	m.ConnectAttempt()
	m.ConnectFailure("handshake")
	m.Connected()
	m.Disconnected("receive")
	m.RetriesExhausted()
	m.ObserveBackoff(time.Second)
	m.MessageSent()
	m.MessagesSent(3)
	m.MessageReceived()
	m.MessageQueued()
	m.MessageDropped()
	m.SetQueueDepth(2)
	m.KeepaliveFailure()
	m.HandlerPanic()
}

func TestRecorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "tether", prometheus.Labels{"endpoint": "primary"})
	require.NoError(t, err)

	m.ConnectAttempt()
	m.ConnectAttempt()
	m.ConnectFailure("handshake")
	m.Connected()
	m.MessageSent()
	m.MessagesSent(2)
	m.MessagesSent(0)
	m.SetQueueDepth(4)
	m.ObserveBackoff(2 * time.Second)

	count, err := testutil.GatherAndCount(reg, "tether_client_connect_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] += metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				values[mf.GetName()] += float64(metric.GetHistogram().GetSampleCount())
			}
		}
	}

	assert.Equal(t, 2.0, values["tether_client_connect_attempts_total"])
	assert.Equal(t, 1.0, values["tether_client_connect_failures_total"])
	assert.Equal(t, 1.0, values["tether_client_connects_total"])
	assert.Equal(t, 3.0, values["tether_client_messages_sent_total"])
	assert.Equal(t, 4.0, values["tether_client_queue_depth"])
	assert.Equal(t, 1.0, values["tether_client_backoff_seconds"])
}

func TestSetStateKeepsOneActive(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, "tether", nil)
	require.NoError(t, err)

	m.SetState("connecting")
	m.SetState("connected")

	count, err := testutil.GatherAndCount(reg, "tether_client_state")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestDuplicateRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg, "tether", nil)
	require.NoError(t, err)

	_, err = metrics.New(reg, "tether", nil)
	assert.Error(t, err)
}
