package metrics_test

import (
	"testing"

	"github.com/illmade-knight/go-querycache/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_FetchLifecycle(t *testing.T) {
	// Arrange
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "test")

	// Act
	m.Fetch(metrics.OutcomeStarted)
	m.Fetch(metrics.OutcomeStarted)
	m.Fetch(metrics.OutcomeSucceeded)
	m.Join()
	m.Mutation(metrics.MutationRolledBack)

	// Assert
	assert.Equal(t, 2.0, testutil.ToFloat64(m.FetchesTotal.WithLabelValues(metrics.OutcomeStarted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JoinsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MutationsTotal.WithLabelValues(metrics.MutationRolledBack)))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	assert.NotPanics(t, func() {
		m.Fetch(metrics.OutcomeStarted)
		m.Join()
		m.Skip()
		m.StoreEvent("add")
		m.Eviction()
		m.Mutation(metrics.MutationCommitted)
		m.ObserveFetch(0.1)
	})
}
