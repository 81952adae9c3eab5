package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.AddSent(10)
	m.AddSent(5)
	m.AddReceived(7)
	m.AddDropped("malformed")
	m.AddDropped("malformed")
	m.AddDropped("oversized")
	m.AddTermination()
	m.AddDispatched("spectrum")
	m.AddRecorded()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.datagramsSent))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.bytesSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.datagramsReceived))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.bytesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dropped.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("oversized")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.terminations))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatched.WithLabelValues("spectrum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.spectraRecorded))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["gamma_datagrams_dropped_total"])
	assert.True(t, names["gamma_messages_dispatched_total"])
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	t.Parallel()

	// registering the same names twice on one registry panics
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}
