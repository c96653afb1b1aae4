package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/claw-kernel/internal/audit"
	"github.com/basket/claw-kernel/internal/bus"
	"github.com/basket/claw-kernel/internal/scope"
	"github.com/basket/claw-kernel/internal/shared"
)

// RiskLevel is the intrinsic danger of a requested scope.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether r is as dangerous as other or more.
func (r RiskLevel) AtLeast(other RiskLevel) bool {
	return r.rank() >= other.rank()
}

// Classes names the tools and operation verbs that drive intrinsic risk.
// All names are compared lower-cased and trimmed.
type Classes struct {
	HighTools       map[string]struct{}
	HighOperations  map[string]struct{}
	MediumTools     map[string]struct{}
	MediumOperation map[string]struct{}
}

func setOf(names ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}

// DefaultClasses returns the built-in shell-execution, destructive-send,
// file-deletion and file-write classes.
func DefaultClasses() Classes {
	return Classes{
		HighTools: setOf(
			// shell execution
			"shell", "shell.exec", "exec", "bash", "terminal", "run_command", "tools.exec",
			// destructive send
			"send_email", "email.send", "send_message", "message.send", "tools.send_message",
			"payment.transfer", "wire_transfer", "post_public",
			// file deletion
			"delete_file", "file.delete", "fs.delete", "rm",
		),
		HighOperations: setOf("delete", "execute", "send", "transfer", "deploy", "drop"),
		MediumTools: setOf(
			"write_file", "file.write", "fs.write", "edit_file", "file.edit",
			"append_file", "tools.write_file",
		),
		MediumOperation: setOf("write", "edit", "update", "create", "append"),
	}
}

// WithExtra returns a copy of c with additional high and medium tool names.
func (c Classes) WithExtra(highTools, mediumTools []string) Classes {
	out := Classes{
		HighTools:       copySet(c.HighTools),
		HighOperations:  copySet(c.HighOperations),
		MediumTools:     copySet(c.MediumTools),
		MediumOperation: copySet(c.MediumOperation),
	}
	for name := range setOf(highTools...) {
		out.HighTools[name] = struct{}{}
	}
	for name := range setOf(mediumTools...) {
		out.MediumTools[name] = struct{}{}
	}
	return out
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

// Classify computes the intrinsic risk level of sc without consulting any
// policy table.
func (c Classes) Classify(sc scope.Scope) RiskLevel {
	if sc.AllowedTools.ContainsAny(c.HighTools) || sc.Operations.ContainsAny(c.HighOperations) {
		return RiskHigh
	}
	if sc.AllowedTools.ContainsAny(c.MediumTools) || sc.Operations.ContainsAny(c.MediumOperation) {
		return RiskMedium
	}
	return RiskLow
}

// Decision is the outcome of a risk evaluation.
type Decision struct {
	RiskLevel        RiskLevel `json:"risk_level"`
	ApprovalRequired bool      `json:"approval_required"`
	Blocked          bool      `json:"blocked"`
	BlockedTool      string    `json:"blocked_tool,omitempty"`
}

// AuditDecision maps the outcome onto the allow/ask/deny audit vocabulary.
func (d Decision) AuditDecision() string {
	switch {
	case d.Blocked:
		return audit.DecisionDeny
	case d.ApprovalRequired:
		return audit.DecisionAsk
	default:
		return audit.DecisionAllow
	}
}

// EngineConfig carries explicit feature flags for the engine.
type EngineConfig struct {
	// StrictAttenuation makes a nil parent attenuate to the empty scope
	// instead of passing the request through.
	StrictAttenuation bool
	Classes           Classes
}

// Engine evaluates requested scopes against intrinsic classes and an
// advisory table, and derives delegate scopes.
type Engine struct {
	mu     sync.RWMutex
	table  Table
	cfg    EngineConfig
	bus    bus.Publisher
	logger *slog.Logger
}

// NewEngine builds an engine. table and publisher may be nil.
func NewEngine(table Table, cfg EngineConfig, publisher bus.Publisher, logger *slog.Logger) *Engine {
	if cfg.Classes.HighTools == nil {
		cfg.Classes = DefaultClasses()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{table: table, cfg: cfg, bus: publisher, logger: logger}
}

// SetTable swaps the advisory table, e.g. after a reload.
func (e *Engine) SetTable(table Table) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.table = table
}

// SetClasses replaces the intrinsic risk classes, e.g. when a reloaded
// policy file names extra high or medium risk tools.
func (e *Engine) SetClasses(c Classes) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Classes = c
}

// Evaluate classifies sc and applies the advisory table. Table lookups can
// only raise approval_required; a failing lookup is logged and treated as a
// missing row.
func (e *Engine) Evaluate(ctx context.Context, sc scope.Scope) Decision {
	e.mu.RLock()
	table, classes := e.table, e.cfg.Classes
	e.mu.RUnlock()

	dec := evaluate(ctx, classes, table, sc, e.logger)

	version := VersionOf(table)
	reason := fmt.Sprintf("risk=%s approval_required=%t", dec.RiskLevel, dec.ApprovalRequired)
	if dec.Blocked {
		reason = "blocked_tool:" + dec.BlockedTool
	}
	audit.RecordContext(ctx, dec.AuditDecision(), "policy.evaluate", reason, version,
		strings.Join(sc.AllowedTools.Items(), ","))
	if e.bus != nil {
		e.bus.Publish(bus.TopicPolicyEvaluated, bus.PolicyEvaluatedEvent{
			RiskLevel:        string(dec.RiskLevel),
			ApprovalRequired: dec.ApprovalRequired,
			Blocked:          dec.Blocked,
			BlockedTool:      dec.BlockedTool,
			PolicyVersion:    version,
		})
	}
	e.logger.Debug("policy evaluated",
		"trace_id", shared.TraceID(ctx),
		"risk_level", dec.RiskLevel,
		"approval_required", dec.ApprovalRequired,
		"blocked", dec.Blocked,
		"blocked_tool", dec.BlockedTool,
	)
	return dec
}

// Evaluate is the table-driven evaluation with the default classes and no
// side effects. A nil table yields the intrinsic-only result.
func Evaluate(ctx context.Context, sc scope.Scope, table Table) Decision {
	return evaluate(ctx, DefaultClasses(), table, sc, nil)
}

func evaluate(ctx context.Context, classes Classes, table Table, sc scope.Scope, logger *slog.Logger) Decision {
	level := classes.Classify(sc)
	dec := Decision{
		RiskLevel:        level,
		ApprovalRequired: level == RiskHigh,
	}
	if table == nil {
		return dec
	}
	for _, tool := range sc.AllowedTools.Items() {
		mode, ok, err := table.Lookup(ctx, tool, shared.GlobalWorkspace)
		if err != nil {
			if logger != nil {
				logger.Warn("policy lookup failed; treating as no override",
					"trace_id", shared.TraceID(ctx), "tool", tool, "error", err)
			}
			continue
		}
		if !ok {
			continue
		}
		switch mode {
		case ModeBlock:
			dec.Blocked = true
			dec.BlockedTool = tool
			dec.ApprovalRequired = true
			return dec
		case ModeAsk:
			dec.ApprovalRequired = true
		}
	}
	return dec
}

// Attenuate derives the scope a delegate may hold. With a nil parent the
// request passes through unchanged. Otherwise tools and operations are
// intersected with the parent and resource constraints are copied from the
// request as-is.
func Attenuate(parent *scope.Scope, requested scope.Scope) scope.Scope {
	if parent == nil {
		return requested.Clone()
	}
	out := requested.Clone()
	out.AllowedTools = requested.AllowedTools.Intersect(parent.AllowedTools)
	out.Operations = requested.Operations.Intersect(parent.Operations)
	return out
}

// Attenuate applies Attenuate under the engine's configuration and records
// the derivation in the audit trail.
func (e *Engine) Attenuate(ctx context.Context, parent *scope.Scope, requested scope.Scope) scope.Scope {
	subject := strings.Join(requested.AllowedTools.Items(), ",")
	if parent == nil {
		if e.cfg.StrictAttenuation {
			audit.RecordContext(ctx, audit.DecisionDeny, "delegate.bootstrap", "strict_attenuation: no parent scope", "", subject)
			return scope.Scope{}
		}
		audit.RecordContext(ctx, audit.DecisionAllow, "delegate.bootstrap", "no parent scope: request passed through", "", subject)
		e.logger.Warn("delegate scope passed through without parent", "trace_id", shared.TraceID(ctx), "tools", subject)
		return Attenuate(nil, requested)
	}

	out := Attenuate(parent, requested)
	dropped := requested.AllowedTools.Len() - out.AllowedTools.Len() +
		requested.Operations.Len() - out.Operations.Len()
	audit.RecordContext(ctx, audit.DecisionAllow, "delegate.attenuate",
		fmt.Sprintf("attenuated: %d entries dropped", dropped), "", subject)
	return out
}
