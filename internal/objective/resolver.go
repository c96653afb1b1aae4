// Package objective decides whether a message continues the session's
// active objective or opens a new one, and manages objective lifecycle.
package objective

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/claw-kernel/internal/bus"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/shared"
)

type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionNew      Decision = "new"
)

// Reasons produced by the resolver itself.
const (
	ReasonFollowupClassifierError = "followup_classifier_error"
	ReasonNoClassifier            = "no_classifier"
)

// Sources of a verdict.
const (
	SourceHeuristic  = "heuristic"
	SourceClassifier = "classifier"
	SourceDefault    = "default"
)

const (
	DefaultHeuristicThreshold = 0.85
	maxFallbackTitleRunes     = 80
)

type Verdict struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
}

// FollowupClassifier is the external fallback used when the heuristic is
// not confident.
type FollowupClassifier interface {
	ResolveFollowup(ctx context.Context, message string, active *persistence.Objective) (Verdict, error)
}

// Extraction is a structured objective derived from a message.
type Extraction struct {
	Title               string         `json:"title"`
	Goal                string         `json:"goal"`
	Constraints         map[string]any `json:"constraints"`
	RequiredDeliverable map[string]any `json:"required_deliverable"`
}

type Extractor interface {
	ExtractObjective(ctx context.Context, message string) (Extraction, error)
}

// Store is the objective persistence the resolver needs.
type Store interface {
	ActiveObjective(ctx context.Context, sessionID string) (*persistence.Objective, error)
	CreateObjective(ctx context.Context, in persistence.NewObjective) (*persistence.Objective, error)
	CompleteObjective(ctx context.Context, objectiveID, resultSummary string) (*persistence.Objective, error)
	FailObjective(ctx context.Context, objectiveID, reason string) (*persistence.Objective, error)
	AppendEvidence(ctx context.Context, ev persistence.ToolEvidence) (*persistence.ToolEvidence, error)
}

type Config struct {
	// HeuristicThreshold is the confidence at which the heuristic verdict is
	// used without consulting the fallback classifier.
	HeuristicThreshold float64
}

// Input identifies the message and the session it belongs to.
type Input struct {
	SessionID   string
	WorkspaceID string
	AgentID     string
	Message     string
}

type Resolution struct {
	Decision   Decision               `json:"decision"`
	Reason     string                 `json:"reason"`
	Confidence float64                `json:"confidence"`
	Source     string                 `json:"source"`
	Objective  *persistence.Objective `json:"objective"`
}

type Resolver struct {
	store      Store
	heuristic  Heuristic
	classifier FollowupClassifier
	extractor  Extractor
	cfg        Config
	bus        bus.Publisher
	logger     *slog.Logger
}

// NewResolver builds a resolver. A nil heuristic uses DefaultHeuristic;
// classifier, extractor and publisher may be nil.
func NewResolver(store Store, heuristic Heuristic, classifier FollowupClassifier, extractor Extractor, cfg Config, publisher bus.Publisher, logger *slog.Logger) *Resolver {
	if heuristic == nil {
		heuristic = DefaultHeuristic()
	}
	if cfg.HeuristicThreshold <= 0 {
		cfg.HeuristicThreshold = DefaultHeuristicThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:      store,
		heuristic:  heuristic,
		classifier: classifier,
		extractor:  extractor,
		cfg:        cfg,
		bus:        publisher,
		logger:     logger,
	}
}

// Decide picks continue or new for message against the active objective
// (nil when none). The heuristic answers when confident; otherwise the
// fallback classifier is consulted, and its failure continues the active
// objective when there is one.
func (r *Resolver) Decide(ctx context.Context, message string, active *persistence.Objective) (Verdict, string) {
	if v, ok := r.heuristic.Classify(message, active); ok && v.Confidence >= r.cfg.HeuristicThreshold {
		return v, SourceHeuristic
	}
	if r.classifier == nil {
		return defaultVerdict(active, ReasonNoClassifier), SourceDefault
	}
	v, err := r.classifier.ResolveFollowup(ctx, message, active)
	if err != nil {
		r.logger.Warn("follow-up classifier failed; using safe default",
			"trace_id", shared.TraceID(ctx), "error", err)
		return defaultVerdict(active, ReasonFollowupClassifierError), SourceDefault
	}
	return v, SourceClassifier
}

func defaultVerdict(active *persistence.Objective, reason string) Verdict {
	if active.IsActive() {
		return Verdict{Decision: DecisionContinue, Confidence: 0, Reason: reason}
	}
	return Verdict{Decision: DecisionNew, Confidence: 0, Reason: reason}
}

// Resolve loads the session's active objective, decides, and either reuses
// it or creates a new in_progress objective from the message.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Resolution, error) {
	active, err := r.store.ActiveObjective(ctx, in.SessionID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return Resolution{}, fmt.Errorf("load active objective: %w", err)
	}

	v, source := r.Decide(ctx, in.Message, active)
	res := Resolution{Decision: v.Decision, Reason: v.Reason, Confidence: v.Confidence, Source: source}

	if v.Decision == DecisionContinue && active.IsActive() {
		res.Objective = active
	} else {
		res.Decision = DecisionNew
		ext := r.extract(ctx, in.Message)
		created, err := r.store.CreateObjective(ctx, persistence.NewObjective{
			SessionID:           in.SessionID,
			WorkspaceID:         in.WorkspaceID,
			AgentID:             in.AgentID,
			Title:               ext.Title,
			Goal:                ext.Goal,
			Constraints:         ext.Constraints,
			RequiredDeliverable: ext.RequiredDeliverable,
		})
		if err != nil {
			return Resolution{}, fmt.Errorf("create objective: %w", err)
		}
		res.Objective = created
	}

	if r.bus != nil {
		r.bus.Publish(bus.TopicObjectiveResolved, bus.ObjectiveResolvedEvent{
			SessionID:   in.SessionID,
			ObjectiveID: res.Objective.ID,
			Decision:    string(res.Decision),
			Reason:      res.Reason,
			Confidence:  res.Confidence,
		})
	}
	r.logger.Info("objective resolved",
		"trace_id", shared.TraceID(ctx),
		"session_id", in.SessionID,
		"objective_id", res.Objective.ID,
		"decision", res.Decision,
		"reason", res.Reason,
		"confidence", res.Confidence,
		"source", source,
	)
	return res, nil
}

// extract asks the extractor for a structured objective and falls back to a
// local one built from the message when it fails or returns no title.
func (r *Resolver) extract(ctx context.Context, message string) Extraction {
	if r.extractor != nil {
		ext, err := r.extractor.ExtractObjective(ctx, message)
		if err == nil && strings.TrimSpace(ext.Title) != "" {
			if strings.TrimSpace(ext.Goal) == "" {
				ext.Goal = message
			}
			return ext
		}
		if err != nil {
			r.logger.Warn("objective extraction failed; using local extraction",
				"trace_id", shared.TraceID(ctx), "error", err)
		}
	}
	return LocalExtraction(message)
}

// LocalExtraction derives an objective without any external capability:
// the title is the first line of the message and the goal is the message.
func LocalExtraction(message string) Extraction {
	msg := strings.TrimSpace(message)
	title, _, _ := strings.Cut(msg, "\n")
	title = strings.TrimSpace(title)
	if r := []rune(title); len(r) > maxFallbackTitleRunes {
		title = strings.TrimSpace(string(r[:maxFallbackTitleRunes]))
	}
	if title == "" {
		title = "Untitled objective"
	}
	return Extraction{Title: title, Goal: msg, Constraints: map[string]any{}}
}

// Complete marks an objective completed.
func (r *Resolver) Complete(ctx context.Context, objectiveID, resultSummary string) (*persistence.Objective, error) {
	obj, err := r.store.CompleteObjective(ctx, objectiveID, resultSummary)
	if err != nil {
		return nil, err
	}
	r.logger.Info("objective completed", "trace_id", shared.TraceID(ctx), "objective_id", objectiveID)
	return obj, nil
}

// Fail marks an objective failed.
func (r *Resolver) Fail(ctx context.Context, objectiveID, reason string) (*persistence.Objective, error) {
	obj, err := r.store.FailObjective(ctx, objectiveID, reason)
	if err != nil {
		return nil, err
	}
	r.logger.Info("objective failed", "trace_id", shared.TraceID(ctx), "objective_id", objectiveID, "reason", reason)
	return obj, nil
}

// RecordEvidence appends tool evidence to an objective.
func (r *Resolver) RecordEvidence(ctx context.Context, ev persistence.ToolEvidence) (*persistence.ToolEvidence, error) {
	return r.store.AppendEvidence(ctx, ev)
}
