// Package session decides whether an inbound message continues the current
// conversational session or opens a new one.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/claw-kernel/internal/bus"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/shared"
)

type Decision string

const (
	DecisionContinue Decision = "continue"
	DecisionNew      Decision = "new"
)

// Reasons reported with a resolution.
const (
	ReasonExplicitReset        = "explicit_reset"
	ReasonNoActiveSession      = "no_active_session"
	ReasonClosedSession        = "closed_session"
	ReasonTimeout              = "timeout"
	ReasonDriftClassifierError = "drift_classifier_error"
	ReasonTopicDriftPrefix     = "topic_drift:"
	ReasonActive               = "active"
	ReasonConcurrentWinner     = "concurrent_session"
)

const (
	DefaultTimeout        = 30 * time.Minute
	DefaultDriftThreshold = 0.80
)

// DriftVerdict is the drift classifier's answer.
type DriftVerdict struct {
	Decision   Decision `json:"decision"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
}

// DriftClassifier estimates whether message abandons the topic captured in
// contextSummary.
type DriftClassifier interface {
	ClassifyDrift(ctx context.Context, contextSummary, message string) (DriftVerdict, error)
}

// Store is the session persistence the resolver needs.
type Store interface {
	ActiveSession(ctx context.Context, workspaceID, channel, remoteJID string) (*persistence.Session, error)
	CreateSession(ctx context.Context, workspaceID, channel, remoteJID string) (*persistence.Session, error)
	RotateSession(ctx context.Context, oldID, workspaceID, channel, remoteJID string) (*persistence.Session, error)
	TouchSession(ctx context.Context, sessionID string, at time.Time) (time.Time, error)
}

type Config struct {
	Timeout time.Duration
	// DriftEnabled turns on the topic-drift rule. It also requires a
	// classifier to be supplied.
	DriftEnabled   bool
	DriftThreshold float64
	ResetPhrases   []string
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = DefaultDriftThreshold
	}
	if len(c.ResetPhrases) == 0 {
		c.ResetPhrases = DefaultResetPhrases
	}
	return c
}

// Input identifies the conversation a message arrived on.
type Input struct {
	WorkspaceID string
	Channel     string
	RemoteJID   string
	Message     string
}

type Resolution struct {
	SessionID string               `json:"session_id"`
	Decision  Decision             `json:"decision"`
	Reason    string               `json:"reason"`
	Session   *persistence.Session `json:"session"`
}

// State is what rules see while the chain is evaluated.
type State struct {
	Input    Input
	Existing *persistence.Session // nil when the tuple has no active session
	Now      time.Time

	drift    DriftVerdict
	driftErr error
}

// Rule is one step of the continuity chain. The first rule whose Match
// returns true decides the resolution.
type Rule struct {
	Name   string
	Match  func(ctx context.Context, st *State) bool
	Action func(ctx context.Context, st *State) (Resolution, error)
}

type Resolver struct {
	store      Store
	classifier DriftClassifier
	cfg        Config
	rules      []Rule
	bus        bus.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// NewResolver builds a resolver with the default rule chain. classifier and
// publisher may be nil.
func NewResolver(store Store, classifier DriftClassifier, cfg Config, publisher bus.Publisher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		store:      store,
		classifier: classifier,
		cfg:        cfg.withDefaults(),
		bus:        publisher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	r.rules = r.DefaultRules()
	return r
}

// SetClock overrides the resolver's time source.
func (r *Resolver) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// SetRules replaces the rule chain.
func (r *Resolver) SetRules(rules []Rule) {
	r.rules = rules
}

// Resolve runs the rule chain for one inbound message.
func (r *Resolver) Resolve(ctx context.Context, in Input) (Resolution, error) {
	existing, err := r.store.ActiveSession(ctx, in.WorkspaceID, in.Channel, in.RemoteJID)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return Resolution{}, fmt.Errorf("load session: %w", err)
	}
	if errors.Is(err, persistence.ErrNotFound) {
		existing = nil
	}
	st := &State{Input: in, Existing: existing, Now: r.now()}

	for _, rule := range r.rules {
		if !rule.Match(ctx, st) {
			continue
		}
		res, err := rule.Action(ctx, st)
		if err != nil {
			return Resolution{}, fmt.Errorf("session rule %s: %w", rule.Name, err)
		}
		r.report(ctx, in, rule.Name, res)
		return res, nil
	}
	return Resolution{}, fmt.Errorf("no session rule matched")
}

func (r *Resolver) report(ctx context.Context, in Input, rule string, res Resolution) {
	if r.bus != nil {
		r.bus.Publish(bus.TopicSessionResolved, bus.SessionResolvedEvent{
			SessionID:   res.SessionID,
			WorkspaceID: in.WorkspaceID,
			Decision:    string(res.Decision),
			Reason:      res.Reason,
		})
	}
	r.logger.Info("session resolved",
		"trace_id", shared.TraceID(ctx),
		"workspace_id", in.WorkspaceID,
		"channel", in.Channel,
		"remote_jid", shared.MaskJID(in.RemoteJID),
		"session_id", res.SessionID,
		"decision", res.Decision,
		"reason", res.Reason,
		"rule", rule,
	)
}

// DefaultRules returns the standard chain: explicit reset, no session,
// closed session, idle timeout, topic drift, then continue.
func (r *Resolver) DefaultRules() []Rule {
	return []Rule{
		{
			Name: "explicit_reset",
			Match: func(_ context.Context, st *State) bool {
				return st.Existing.IsActive() && MatchesReset(st.Input.Message, r.cfg.ResetPhrases)
			},
			Action: func(ctx context.Context, st *State) (Resolution, error) {
				return r.rotate(ctx, st, ReasonExplicitReset)
			},
		},
		{
			Name:  "no_active_session",
			Match: func(_ context.Context, st *State) bool { return st.Existing == nil },
			Action: func(ctx context.Context, st *State) (Resolution, error) {
				return r.create(ctx, st, ReasonNoActiveSession)
			},
		},
		// A row from the active lookup that is no longer active, e.g. a
		// custom Store racing with the reaper.
		{
			Name:  "closed_session",
			Match: func(_ context.Context, st *State) bool { return !st.Existing.IsActive() },
			Action: func(ctx context.Context, st *State) (Resolution, error) {
				return r.create(ctx, st, ReasonClosedSession)
			},
		},
		{
			Name: "timeout",
			Match: func(_ context.Context, st *State) bool {
				return st.Now.Sub(st.Existing.LastMessageAt) > r.cfg.Timeout
			},
			Action: func(ctx context.Context, st *State) (Resolution, error) {
				return r.rotate(ctx, st, ReasonTimeout)
			},
		},
		{
			Name:   "topic_drift",
			Match:  r.matchDrift,
			Action: r.applyDrift,
		},
		{
			Name:  "active",
			Match: func(context.Context, *State) bool { return true },
			Action: func(ctx context.Context, st *State) (Resolution, error) {
				return r.continueSession(ctx, st, ReasonActive)
			},
		},
	}
}

// matchDrift consults the classifier. It matches on classifier error (which
// continues) and on a confident "new" verdict.
func (r *Resolver) matchDrift(ctx context.Context, st *State) bool {
	if !r.cfg.DriftEnabled || r.classifier == nil || st.Existing.ContextSummary == "" {
		return false
	}
	st.drift, st.driftErr = r.classifier.ClassifyDrift(ctx, st.Existing.ContextSummary, st.Input.Message)
	if st.driftErr != nil {
		r.logger.Warn("drift classifier failed; continuing session",
			"trace_id", shared.TraceID(ctx), "session_id", st.Existing.ID, "error", st.driftErr)
		return true
	}
	return st.drift.Decision == DecisionNew && st.drift.Confidence >= r.cfg.DriftThreshold
}

func (r *Resolver) applyDrift(ctx context.Context, st *State) (Resolution, error) {
	if st.driftErr != nil {
		return r.continueSession(ctx, st, ReasonDriftClassifierError)
	}
	return r.rotate(ctx, st, ReasonTopicDriftPrefix+st.drift.Reason)
}

func (r *Resolver) create(ctx context.Context, st *State, reason string) (Resolution, error) {
	sess, err := r.store.CreateSession(ctx, st.Input.WorkspaceID, st.Input.Channel, st.Input.RemoteJID)
	if errors.Is(err, persistence.ErrActiveSessionExists) {
		return r.joinWinner(ctx, st)
	}
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{SessionID: sess.ID, Decision: DecisionNew, Reason: reason, Session: sess}, nil
}

func (r *Resolver) rotate(ctx context.Context, st *State, reason string) (Resolution, error) {
	sess, err := r.store.RotateSession(ctx, st.Existing.ID, st.Input.WorkspaceID, st.Input.Channel, st.Input.RemoteJID)
	if errors.Is(err, persistence.ErrActiveSessionExists) {
		return r.joinWinner(ctx, st)
	}
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{SessionID: sess.ID, Decision: DecisionNew, Reason: reason, Session: sess}, nil
}

// joinWinner handles a lost creation race: another resolver opened the
// active session first, so this message continues it.
func (r *Resolver) joinWinner(ctx context.Context, st *State) (Resolution, error) {
	winner, err := r.store.ActiveSession(ctx, st.Input.WorkspaceID, st.Input.Channel, st.Input.RemoteJID)
	if err != nil {
		return Resolution{}, fmt.Errorf("load concurrent session: %w", err)
	}
	st.Existing = winner
	return r.continueSession(ctx, st, ReasonConcurrentWinner)
}

func (r *Resolver) continueSession(ctx context.Context, st *State, reason string) (Resolution, error) {
	touched, err := r.store.TouchSession(ctx, st.Existing.ID, st.Now)
	if err != nil {
		return Resolution{}, err
	}
	sess := *st.Existing
	sess.LastMessageAt = touched
	return Resolution{SessionID: sess.ID, Decision: DecisionContinue, Reason: reason, Session: &sess}, nil
}
