package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestResult(t *testing.T) {
	assert.Equal(t, ResultSuccess, Result(nil))
	assert.Equal(t, ResultFailure, Result(errors.New("boom")))
}

func TestTimerObservePhase(t *testing.T) {
	timer := NewTimer("metrics_test_phase")
	time.Sleep(time.Millisecond)
	d := timer.ObservePhase(nil)
	assert.GreaterOrEqual(t, d, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.CollectAndCount(PhaseDuration), 1)
}

func TestThroughputTracker(t *testing.T) {
	tracker := NewThroughputTracker("metrics_test_src", "metrics_test_dst")
	tracker.Increment(100)
	time.Sleep(5 * time.Millisecond)

	rate := tracker.GetAndReset()
	assert.Greater(t, rate, 0.0)
	assert.InDelta(t, rate, testutil.ToFloat64(Throughput.WithLabelValues("metrics_test_src", "metrics_test_dst")), 0.0001)

	tracker.Increment(0)
	assert.Equal(t, 0.0, tracker.GetAndReset())
}

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(ConnectorActions.WithLabelValues("sink", "metrics_test"))
	ConnectorActions.WithLabelValues("sink", "metrics_test").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(ConnectorActions.WithLabelValues("sink", "metrics_test")))
}
