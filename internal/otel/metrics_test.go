package otel

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.SessionDecisions == nil || m.ObjectiveDecisions == nil || m.PolicyEvaluations == nil ||
		m.Verifications == nil || m.SummaryUpdates == nil || m.SessionsReaped == nil || m.InboundDuration == nil {
		t.Fatalf("missing instrument in %+v", m)
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.RecordSession(context.Background(), "new", "timeout")
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordSession(ctx, "continue", "active")
	m.RecordObjective(ctx, "new", "heuristic")
	m.RecordPolicy(ctx, "high", "ask")
	m.RecordVerify(ctx, true)
	m.RecordSummary(ctx, "fallback")
	m.RecordReaped(ctx, 3)
	m.RecordInbound(ctx, 0.01)
}

func TestMetrics_CountersCollected(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", Reader: reader})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.RecordReaped(ctx, 2)
	m.RecordReaped(ctx, 0)
	m.RecordReaped(ctx, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var total int64
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "clawkernel.session.reaped" {
				continue
			}
			found = true
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", md.Data)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	if !found || total != 3 {
		t.Fatalf("reaped counter found=%v total=%d, want 3", found, total)
	}
}
