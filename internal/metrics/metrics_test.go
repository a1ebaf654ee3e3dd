package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersIncrement(t *testing.T) {
	c := PreFlightChecksTotal.WithLabelValues("git", "deny")
	before := testutil.ToFloat64(c)
	c.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(c))

	before = testutil.ToFloat64(Escalations)
	Escalations.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Escalations))
}

func TestRegisteredWithDefaultRegistry(t *testing.T) {
	Escalations.Add(0)
	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "agent_guardrails_escalations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
