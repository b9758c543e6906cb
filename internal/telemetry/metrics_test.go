package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMetricsRecordHelpers exercises every Record* helper once. NewMetrics
// registers against the default Prometheus registry, so this is the only
// test in the package allowed to call it (a second call would panic on
// duplicate registration), mirroring the teacher's own note about this.
func TestMetricsRecordHelpers(t *testing.T) {
	m := NewMetrics()
	require.NotNil(t, m)

	m.RecordEventAppended("worker", "request_completion")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsAppended.WithLabelValues("worker", "request_completion")))

	m.RecordExecute("worker", 0.02, nil)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ExecuteErrors.WithLabelValues("worker")))

	m.RecordExecute("worker", 0.02, assertError{})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ExecuteErrors.WithLabelValues("worker")))

	m.RecordHandler("llmhandler", 0.01, nil)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.HandlerErrors.WithLabelValues("llmhandler")))

	m.RecordHandler("llmhandler", 0.01, assertError{})
	assert.Equal(t, float64(1), testutil.ToFloat64(m.HandlerErrors.WithLabelValues("llmhandler")))

	m.RecordLLMRequest("anthropic", "claude", "success", 1.2, 100, 50)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("anthropic", "claude", "success")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude", "prompt")))
	assert.Equal(t, float64(50), testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("anthropic", "claude", "completion")))

	m.RecordToolExecution("write_file", "success", 0.05)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("write_file", "success")))

	m.RecordSandboxOp("create", "success", 0.5)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.SandboxOpCounter.WithLabelValues("create", "success")))
}

type assertError struct{}

func (assertError) Error() string { return "boom" }
