// Package kernel wires the decision core: inbound messages flow through
// session and objective continuity, scope requests through the risk engine,
// and recorded turns into the bounded session summary.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/claw-kernel/internal/bus"
	"github.com/basket/claw-kernel/internal/objective"
	otelPkg "github.com/basket/claw-kernel/internal/otel"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/policy"
	"github.com/basket/claw-kernel/internal/scope"
	"github.com/basket/claw-kernel/internal/session"
	"github.com/basket/claw-kernel/internal/shared"
	"github.com/basket/claw-kernel/internal/summary"
	"github.com/basket/claw-kernel/internal/verify"
)

// Deps are the collaborators a Kernel drives. Store, Sessions, Objectives,
// Policy, Verifier and Compactor are required.
type Deps struct {
	Store      *persistence.Store
	Sessions   *session.Resolver
	Objectives *objective.Resolver
	Policy     *policy.Engine
	Verifier   *verify.Engine
	Compactor  *summary.Compactor

	Publisher bus.Publisher
	Tracer    trace.Tracer
	Metrics   *otelPkg.Metrics
	Logger    *slog.Logger
}

type Kernel struct {
	store      *persistence.Store
	sessions   *session.Resolver
	objectives *objective.Resolver
	policy     *policy.Engine
	verifier   *verify.Engine
	compactor  *summary.Compactor

	bus     bus.Publisher
	tracer  trace.Tracer
	metrics *otelPkg.Metrics
	logger  *slog.Logger
}

func New(d Deps) (*Kernel, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("kernel: store required")
	case d.Sessions == nil:
		return nil, errors.New("kernel: session resolver required")
	case d.Objectives == nil:
		return nil, errors.New("kernel: objective resolver required")
	case d.Policy == nil:
		return nil, errors.New("kernel: policy engine required")
	case d.Verifier == nil:
		return nil, errors.New("kernel: verifier required")
	case d.Compactor == nil:
		return nil, errors.New("kernel: compactor required")
	}
	tracer := d.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Kernel{
		store:      d.Store,
		sessions:   d.Sessions,
		objectives: d.Objectives,
		policy:     d.Policy,
		verifier:   d.Verifier,
		compactor:  d.Compactor,
		bus:        d.Publisher,
		tracer:     tracer,
		metrics:    d.Metrics,
		logger:     logger,
	}, nil
}

// Message is one inbound conversational message.
type Message struct {
	WorkspaceID string `json:"workspace_id"`
	Channel     string `json:"channel"`
	RemoteJID   string `json:"remote_jid"`
	AgentID     string `json:"agent_id,omitempty"`
	Text        string `json:"text"`
}

// InboundResult carries both continuity decisions. Objective is nil when the
// message had no text.
type InboundResult struct {
	TraceID   string                `json:"trace_id"`
	Session   session.Resolution    `json:"session"`
	Objective *objective.Resolution `json:"objective,omitempty"`
}

// Inbound resolves the session for msg and then the objective within it.
func (k *Kernel) Inbound(ctx context.Context, msg Message) (InboundResult, error) {
	ctx = shared.WithWorkspaceID(shared.EnsureTraceID(ctx), msg.WorkspaceID)
	start := time.Now()
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "kernel.inbound",
		otelPkg.AttrWorkspaceID.String(msg.WorkspaceID),
		otelPkg.AttrChannel.String(msg.Channel),
	)
	defer span.End()

	res := InboundResult{TraceID: shared.TraceID(ctx)}
	sres, err := k.sessions.Resolve(ctx, session.Input{
		WorkspaceID: msg.WorkspaceID,
		Channel:     msg.Channel,
		RemoteJID:   msg.RemoteJID,
		Message:     msg.Text,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session resolve failed")
		return InboundResult{}, fmt.Errorf("resolve session: %w", err)
	}
	res.Session = sres
	k.metrics.RecordSession(ctx, string(sres.Decision), sres.Reason)
	span.SetAttributes(
		otelPkg.AttrSessionID.String(sres.SessionID),
		otelPkg.AttrDecision.String(string(sres.Decision)),
		otelPkg.AttrReason.String(sres.Reason),
	)
	ctx = shared.WithSessionID(ctx, sres.SessionID)

	ev := bus.KernelInboundEvent{
		TraceID:         res.TraceID,
		SessionID:       sres.SessionID,
		SessionDecision: string(sres.Decision),
		SessionReason:   sres.Reason,
	}
	if strings.TrimSpace(msg.Text) != "" {
		ores, err := k.objectives.Resolve(ctx, objective.Input{
			SessionID:   sres.SessionID,
			WorkspaceID: msg.WorkspaceID,
			AgentID:     msg.AgentID,
			Message:     msg.Text,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "objective resolve failed")
			return InboundResult{}, fmt.Errorf("resolve objective: %w", err)
		}
		res.Objective = &ores
		ctx = shared.WithObjectiveID(ctx, ores.Objective.ID)
		k.metrics.RecordObjective(ctx, string(ores.Decision), ores.Source)
		span.SetAttributes(otelPkg.AttrObjectiveID.String(ores.Objective.ID))
		ev.ObjectiveID = ores.Objective.ID
		ev.ObjectiveDecision = string(ores.Decision)
	}

	if k.bus != nil {
		k.bus.Publish(bus.TopicKernelInbound, ev)
	}
	k.metrics.RecordInbound(ctx, time.Since(start).Seconds())
	return res, nil
}

// TurnInput is one completed exchange to record.
type TurnInput struct {
	SessionID         string `json:"session_id"`
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
	ActionType        string `json:"action_type"`
	ObjectiveID       string `json:"objective_id,omitempty"`
}

// RecordTurn appends the turn to the session log and folds it into the
// session's context summary. It returns the new summary.
func (k *Kernel) RecordTurn(ctx context.Context, in TurnInput) (string, error) {
	ctx = shared.WithSessionID(ctx, in.SessionID)
	if in.ObjectiveID != "" {
		ctx = shared.WithObjectiveID(ctx, in.ObjectiveID)
	}
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "kernel.record_turn",
		otelPkg.AttrSessionID.String(in.SessionID))
	defer span.End()

	sess, err := k.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if _, err := k.store.AddTurn(ctx, persistence.Turn{
		SessionID:         in.SessionID,
		UserMessage:       in.UserMessage,
		AssistantResponse: in.AssistantResponse,
		ActionType:        in.ActionType,
		ObjectiveID:       in.ObjectiveID,
	}); err != nil {
		return "", fmt.Errorf("record turn: %w", err)
	}

	out := k.compactor.Compact(ctx, sess.ContextSummary, in.UserMessage, in.AssistantResponse, in.ActionType)
	provider := out.Provider
	if out.Fallback {
		provider = "fallback"
	}
	k.metrics.RecordSummary(ctx, provider)
	if err := k.store.UpdateSessionSummary(ctx, in.SessionID, out.Summary); err != nil {
		return "", fmt.Errorf("store summary: %w", err)
	}
	k.logger.InfoContext(ctx, "turn recorded",
		"action_type", in.ActionType,
		"summary_provider", provider,
	)
	return out.Summary, nil
}

// RecordEvidence appends tool evidence for an objective.
func (k *Kernel) RecordEvidence(ctx context.Context, ev persistence.ToolEvidence) (*persistence.ToolEvidence, error) {
	ctx = shared.WithObjectiveID(ctx, ev.ObjectiveID)
	return k.objectives.RecordEvidence(ctx, ev)
}

func (k *Kernel) CompleteObjective(ctx context.Context, objectiveID, resultSummary string) (*persistence.Objective, error) {
	return k.objectives.Complete(ctx, objectiveID, resultSummary)
}

func (k *Kernel) FailObjective(ctx context.Context, objectiveID, reason string) (*persistence.Objective, error) {
	return k.objectives.Fail(ctx, objectiveID, reason)
}

// Authorize evaluates the requested scope.
func (k *Kernel) Authorize(ctx context.Context, sc scope.Scope) policy.Decision {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "kernel.authorize")
	defer span.End()

	dec := k.policy.Evaluate(ctx, sc)
	span.SetAttributes(otelPkg.AttrRiskLevel.String(string(dec.RiskLevel)))
	k.metrics.RecordPolicy(ctx, string(dec.RiskLevel), dec.AuditDecision())
	return dec
}

// Delegate derives the scope a delegate may use. parent is nil for a
// bootstrap delegation.
func (k *Kernel) Delegate(ctx context.Context, parent *scope.Scope, requested scope.Scope) scope.Scope {
	return k.policy.Attenuate(ctx, parent, requested)
}

// Verify checks task against its acceptance contract.
func (k *Kernel) Verify(ctx context.Context, task verify.Task, actorID string) (verify.Result, error) {
	ctx, span := otelPkg.StartSpan(ctx, k.tracer, "kernel.verify",
		otelPkg.AttrTaskID.String(task.TaskID))
	defer span.End()

	res, err := k.verifier.Verify(ctx, task, actorID)
	if err != nil {
		span.RecordError(err)
		return verify.Result{}, err
	}
	k.metrics.RecordVerify(ctx, res.Passed)
	return res, nil
}
