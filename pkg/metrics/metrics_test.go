package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New("spv", reg)
	require.NoError(t, err)

	m.HeaderHeight.Set(100)
	m.Sends.WithLabelValues("accepted").Inc()
	assert.Equal(t, 100.0, testutil.ToFloat64(m.HeaderHeight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sends.WithLabelValues("accepted")))

	n, err := testutil.GatherAndCount(reg, "spv_header_height", "spv_sends")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = New("spv", reg)
	assert.Error(t, err, "registering the same namespace twice must fail")
}
