package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/claw-kernel/internal/objective"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/safety"
	"github.com/basket/claw-kernel/internal/session"
)

const verdictSchema = `{
  "type": "object",
  "required": ["decision", "confidence"],
  "properties": {
    "decision": {"enum": ["continue", "new"]},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "reason": {"type": "string"}
  }
}`

const extractionSchema = `{
  "type": "object",
  "required": ["title", "goal"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "goal": {"type": "string"},
    "constraints": {"type": "object"},
    "required_deliverable": {"type": ["object", "null"]}
  }
}`

const summarySchema = `{
  "type": "object",
  "required": ["summary"],
  "properties": {
    "summary": {"type": "string"}
  }
}`

var (
	driftValidator      = mustCompile("drift_verdict", verdictSchema)
	followupValidator   = mustCompile("followup_verdict", verdictSchema)
	extractionValidator = mustCompile("objective_extraction", extractionSchema)
	summaryValidator    = mustCompile("summary", summarySchema)
)

const driftSystem = `You decide whether a new user message continues the conversation described by the summary or starts an unrelated topic.
Reply with only a JSON object: {"decision": "continue" | "new", "confidence": <0..1>, "reason": "<short snake_case reason>"}.`

const followupSystem = `You decide whether a user message is a follow-up to the active objective or a new request.
Reply with only a JSON object: {"decision": "continue" | "new", "confidence": <0..1>, "reason": "<short snake_case reason>"}.`

const extractionSystem = `Extract the user's objective from the message.
Reply with only a JSON object: {"title": "<short title>", "goal": "<one sentence goal>", "constraints": {}, "required_deliverable": {} | null}.`

const summarySystem = `Maintain a compact running summary of a conversation. Fold the latest turn into the existing summary and keep it under 1000 characters.
Reply with only a JSON object: {"summary": "<updated summary>"}.`

// DriftClassifier implements session.DriftClassifier.
type DriftClassifier struct {
	completer Completer
}

func NewDriftClassifier(c Completer) *DriftClassifier { return &DriftClassifier{completer: c} }

func (d *DriftClassifier) ClassifyDrift(ctx context.Context, contextSummary, message string) (session.DriftVerdict, error) {
	if err := safety.ScreenMessage(message).Err(); err != nil {
		return session.DriftVerdict{}, err
	}
	prompt := fmt.Sprintf("Conversation summary:\n%s\n\nNew message:\n%s", contextSummary, message)
	out, err := d.completer.Complete(ctx, driftSystem, prompt)
	if err != nil {
		return session.DriftVerdict{}, fmt.Errorf("classify drift: %w", err)
	}
	var v session.DriftVerdict
	if err := driftValidator.decode(out, &v); err != nil {
		return session.DriftVerdict{}, err
	}
	return v, nil
}

// FollowupClassifier implements objective.FollowupClassifier.
type FollowupClassifier struct {
	completer Completer
}

func NewFollowupClassifier(c Completer) *FollowupClassifier { return &FollowupClassifier{completer: c} }

func (f *FollowupClassifier) ResolveFollowup(ctx context.Context, message string, active *persistence.Objective) (objective.Verdict, error) {
	if err := safety.ScreenMessage(message).Err(); err != nil {
		return objective.Verdict{}, err
	}
	var b strings.Builder
	if active.IsActive() {
		fmt.Fprintf(&b, "Active objective:\ntitle: %s\ngoal: %s\n", active.Title, active.Goal)
		if len(active.LastToolEvidence) > 0 {
			b.WriteString("recent actions:\n")
			for _, ev := range active.LastToolEvidence {
				fmt.Fprintf(&b, "- %s: %s\n", ev.ActionType, ev.QueryText)
			}
		}
	} else {
		b.WriteString("There is no active objective.\n")
	}
	fmt.Fprintf(&b, "\nUser message:\n%s", message)

	out, err := f.completer.Complete(ctx, followupSystem, b.String())
	if err != nil {
		return objective.Verdict{}, fmt.Errorf("resolve follow-up: %w", err)
	}
	var v objective.Verdict
	if err := followupValidator.decode(out, &v); err != nil {
		return objective.Verdict{}, err
	}
	return v, nil
}

// ObjectiveExtractor implements objective.Extractor.
type ObjectiveExtractor struct {
	completer Completer
}

func NewObjectiveExtractor(c Completer) *ObjectiveExtractor { return &ObjectiveExtractor{completer: c} }

func (e *ObjectiveExtractor) ExtractObjective(ctx context.Context, message string) (objective.Extraction, error) {
	if err := safety.ScreenMessage(message).Err(); err != nil {
		return objective.Extraction{}, err
	}
	out, err := e.completer.Complete(ctx, extractionSystem, message)
	if err != nil {
		return objective.Extraction{}, fmt.Errorf("extract objective: %w", err)
	}
	var ext objective.Extraction
	if err := extractionValidator.decode(out, &ext); err != nil {
		return objective.Extraction{}, err
	}
	ext.Title = strings.TrimSpace(ext.Title)
	if ext.Constraints == nil {
		ext.Constraints = map[string]any{}
	}
	return ext, nil
}

// Summarizer implements summary.Summarizer.
type Summarizer struct {
	completer Completer
}

func NewSummarizer(c Completer) *Summarizer { return &Summarizer{completer: c} }

// Summarize screens the user message first, and rejects summaries that
// carry secret-like content so the caller falls back to the local summary.
func (s *Summarizer) Summarize(ctx context.Context, existing, userMessage, assistantResponse, actionType string) (string, error) {
	if err := safety.ScreenMessage(userMessage).Err(); err != nil {
		return "", err
	}
	turn, err := json.Marshal(map[string]string{
		"action":    actionType,
		"user":      userMessage,
		"assistant": assistantResponse,
	})
	if err != nil {
		return "", err
	}
	prompt := fmt.Sprintf("Existing summary:\n%s\n\nLatest turn:\n%s", existing, turn)
	out, err := s.completer.Complete(ctx, summarySystem, prompt)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	var res struct {
		Summary string `json:"summary"`
	}
	if err := summaryValidator.decode(out, &res); err != nil {
		return "", err
	}
	sum := strings.TrimSpace(res.Summary)
	if err := safety.CheckOutput(sum); err != nil {
		return "", err
	}
	return sum, nil
}
