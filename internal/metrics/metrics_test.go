package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NotNil(t, m)

	m.DevicesOnline.Set(3)
	m.CommandsSent.Inc()
	m.AcksTotal.WithLabelValues("completed").Inc()
	m.AcksTotal.WithLabelValues("completed").Inc()
	m.HeartbeatsTotal.Inc()
	m.EnrollmentsTotal.WithLabelValues("ok").Inc()
	m.ConnectionsTotal.WithLabelValues("rejected").Inc()

	assert.Equal(t, 3.0, testutil.ToFloat64(m.DevicesOnline))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsSent))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AcksTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatsTotal))
}

func TestNew_FreshRegistryPerInstance(t *testing.T) {
	// Two instances must not collide as long as each gets its own registry.
	m1 := New(prometheus.NewRegistry())
	m2 := New(prometheus.NewRegistry())
	m1.CommandsSent.Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(m2.CommandsSent))
}
