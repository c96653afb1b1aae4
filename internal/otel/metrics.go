package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the decision-core instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	SessionDecisions   metric.Int64Counter
	ObjectiveDecisions metric.Int64Counter
	PolicyEvaluations  metric.Int64Counter
	Verifications      metric.Int64Counter
	SummaryUpdates     metric.Int64Counter
	SessionsReaped     metric.Int64Counter
	InboundDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionDecisions, err = meter.Int64Counter("clawkernel.session.decisions",
		metric.WithDescription("Session continuity decisions by decision and reason"),
	)
	if err != nil {
		return nil, err
	}

	m.ObjectiveDecisions, err = meter.Int64Counter("clawkernel.objective.decisions",
		metric.WithDescription("Objective continuity decisions by decision and source"),
	)
	if err != nil {
		return nil, err
	}

	m.PolicyEvaluations, err = meter.Int64Counter("clawkernel.policy.evaluations",
		metric.WithDescription("Risk evaluations by risk level and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Verifications, err = meter.Int64Counter("clawkernel.verify.results",
		metric.WithDescription("Verification results by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.SummaryUpdates, err = meter.Int64Counter("clawkernel.summary.updates",
		metric.WithDescription("Summary updates by provider; provider=fallback counts local fallbacks"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsReaped, err = meter.Int64Counter("clawkernel.session.reaped",
		metric.WithDescription("Sessions closed by the idle reaper"),
	)
	if err != nil {
		return nil, err
	}

	m.InboundDuration, err = meter.Float64Histogram("clawkernel.inbound.duration",
		metric.WithDescription("Inbound message resolution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) RecordSession(ctx context.Context, decision, reason string) {
	if m == nil {
		return
	}
	m.SessionDecisions.Add(ctx, 1, metric.WithAttributes(
		AttrDecision.String(decision), AttrReason.String(reason)))
}

func (m *Metrics) RecordObjective(ctx context.Context, decision, source string) {
	if m == nil {
		return
	}
	m.ObjectiveDecisions.Add(ctx, 1, metric.WithAttributes(
		AttrDecision.String(decision), AttrSource.String(source)))
}

// RecordPolicy counts one evaluation. outcome is the audit decision
// (allow, ask or deny).
func (m *Metrics) RecordPolicy(ctx context.Context, riskLevel, outcome string) {
	if m == nil {
		return
	}
	m.PolicyEvaluations.Add(ctx, 1, metric.WithAttributes(
		AttrRiskLevel.String(riskLevel), attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordVerify(ctx context.Context, passed bool) {
	if m == nil {
		return
	}
	m.Verifications.Add(ctx, 1, metric.WithAttributes(attribute.Bool("passed", passed)))
}

func (m *Metrics) RecordSummary(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.SummaryUpdates.Add(ctx, 1, metric.WithAttributes(attribute.String("provider", provider)))
}

func (m *Metrics) RecordReaped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.SessionsReaped.Add(ctx, int64(n))
}

func (m *Metrics) RecordInbound(ctx context.Context, seconds float64) {
	if m == nil {
		return
	}
	m.InboundDuration.Record(ctx, seconds)
}
