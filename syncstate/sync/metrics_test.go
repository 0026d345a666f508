package sync

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestStateLoadCounters(t *testing.T) {
	before := testutil.ToFloat64(stateLoads.WithLabelValues("gone"))
	stateLoads.WithLabelValues("gone").Inc()
	require.InDelta(t, before+1, testutil.ToFloat64(stateLoads.WithLabelValues("gone")), 0.0001)
}

func TestEnableMetricsIdempotent(t *testing.T) {
	// Registering twice must not panic: registration is guarded.
	EnableMetrics()
	EnableMetrics()
}
