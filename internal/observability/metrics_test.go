package observability

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestRegistryRendersPrometheus(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	r.Inc(ExecutionsTotal, map[string]string{"result": "SUCCESS"})
	r.Inc(ExecutionsTotal, map[string]string{"result": "SUCCESS"})
	r.Inc(ExecutionsTotal, map[string]string{"result": "FAILED"})
	r.SetGauge(NodesOnline, nil, 3)
	r.Observe(SchedulingDelayMs, nil, 120)
	r.Observe(SchedulingDelayMs, nil, 30)
	r.IncCounter("bad-name", nil, 0)

	out := r.RenderPrometheus()
	assert.Contains(t, out, `skytask_executions_total{result="SUCCESS"} 2`)
	assert.Contains(t, out, `skytask_executions_total{result="FAILED"} 1`)
	assert.Contains(t, out, "skytask_nodes_online 3\n")
	assert.Contains(t, out, "skytask_scheduling_delay_ms_sum 150\n")
	assert.Contains(t, out, "skytask_scheduling_delay_ms_count 2\n")
	assert.NotContains(t, out, "bad")

	assert.Equal(t, 2.0, r.Counter(ExecutionsTotal, map[string]string{"result": "SUCCESS"}))
	assert.Equal(t, 3.0, r.Gauge(NodesOnline, nil))
	snap := r.Snapshot()
	require.Len(t, snap.Summaries, 1)
	assert.Equal(t, uint64(2), snap.Summaries[0].Count)
}

func TestNilRegistryIsSafe(t *testing.T) {
	t.Parallel()
	var r *Registry
	r.Inc(ExecutionsTotal, nil)
	r.SetGauge(NodesOnline, nil, 1)
	r.Observe(SchedulingDelayMs, nil, 1)
}

func TestSanitizeMetricName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a_b_c", sanitizeMetricName("a-b.c"))
	assert.Equal(t, "_9x", sanitizeMetricName("9x"))
	assert.Equal(t, "skytask_metric", sanitizeMetricName(" "))
}

func TestTracingStdout(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(TracingConfig{Exporter: "stdout", Writer: &buf})
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), "execution.admit", attribute.Int64("task", 7))
	EndSpan(span, errors.New("boom"))
	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "execution.admit")

	_, err = InitTracing(TracingConfig{Exporter: "zipkin"})
	assert.Error(t, err)
	shutdown, err = InitTracing(TracingConfig{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
