package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, Register(reg, m))

	m.CandidatesDropped.WithLabelValues("stale").Inc()
	m.MarketFetches.WithLabelValues("ok").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesDropped.WithLabelValues("stale")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.MarketFetches.WithLabelValues("ok")))

	// A second set with the same names must be rejected by the same registry.
	assert.Error(t, Register(reg, New()))
}
