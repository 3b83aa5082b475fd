package platform

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/magehq/backend/internal/circuitbreaker"
	"github.com/magehq/backend/internal/metrics"
)

func TestBreakerStateValueMatchesGaugeEncoding(t *testing.T) {
	assert.Equal(t, float64(metrics.StateValueClosed), breakerStateValue(circuitbreaker.StateClosed))
	assert.Equal(t, float64(metrics.StateValueHalfOpen), breakerStateValue(circuitbreaker.StateHalfOpen))
	assert.Equal(t, float64(metrics.StateValueOpen), breakerStateValue(circuitbreaker.StateOpen))
}

func TestBreakerTransitionSetsStateGauge(t *testing.T) {
	m := metrics.New()

	m.RecordBreakerTransition("sandbox", circuitbreaker.StateClosed.String(), circuitbreaker.StateOpen.String(),
		breakerStateValue(circuitbreaker.StateOpen))
	assert.Equal(t, float64(metrics.StateValueOpen), testutil.ToFloat64(m.BreakerState.WithLabelValues("sandbox")))

	m.RecordBreakerTransition("sandbox", circuitbreaker.StateOpen.String(), circuitbreaker.StateHalfOpen.String(),
		breakerStateValue(circuitbreaker.StateHalfOpen))
	assert.Equal(t, float64(metrics.StateValueHalfOpen), testutil.ToFloat64(m.BreakerState.WithLabelValues("sandbox")))
}
