package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// PipelineMetrics is the OTEL-backed sink for consolidation telemetry.
// It satisfies the pipeline's Metrics interface.
type PipelineMetrics struct {
	inst *Instruments
}

// NewPipelineMetrics returns a metrics sink recording to inst.
func NewPipelineMetrics(inst *Instruments) *PipelineMetrics {
	return &PipelineMetrics{inst: inst}
}

func (m *PipelineMetrics) StageDuration(ctx context.Context, stage string, d time.Duration) {
	m.inst.StageDuration.Record(ctx, float64(d.Milliseconds()),
		metric.WithAttributes(AttrStage.String(stage)))
}

func (m *PipelineMetrics) FactsCommitted(ctx context.Context, outcome string, n int) {
	m.inst.FactsCommitted.Add(ctx, int64(n),
		metric.WithAttributes(AttrFactOutcome.String(outcome)))
}

func (m *PipelineMetrics) DedupDecision(ctx context.Context, action string) {
	m.inst.DedupDecisions.Add(ctx, 1,
		metric.WithAttributes(AttrDedupAction.String(action)))
}
