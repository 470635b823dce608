package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordBackpressureDrop_CountsPerMessageType(t *testing.T) {
	thinkingBefore := testutil.ToFloat64(BackpressureDrops.WithLabelValues("agent_thinking"))
	toolBefore := testutil.ToFloat64(BackpressureDrops.WithLabelValues("tool_executing"))

	RecordBackpressureDrop("agent_thinking")
	RecordBackpressureDrop("agent_thinking")
	RecordBackpressureDrop("tool_executing")

	if got := testutil.ToFloat64(BackpressureDrops.WithLabelValues("agent_thinking")) - thinkingBefore; got != 2 {
		t.Errorf("agent_thinking drops = %v, want 2", got)
	}
	if got := testutil.ToFloat64(BackpressureDrops.WithLabelValues("tool_executing")) - toolBefore; got != 1 {
		t.Errorf("tool_executing drops = %v, want 1", got)
	}
}
