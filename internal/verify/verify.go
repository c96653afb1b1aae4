// Package verify evaluates a task's acceptance checks against the artifacts
// and subagents recorded for it.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/basket/claw-kernel/internal/bus"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/shared"
)

// Check types understood by the engine.
const (
	CheckArtifactRequired  = "artifact_required"
	CheckMinArtifacts      = "min_artifacts"
	CheckSubagentsFinished = "subagents_finished"
	CheckNoFailedSubagents = "no_failed_subagents"
)

// Subagent statuses the checks look for.
const (
	SubagentFinished = "finished"
	SubagentFailed   = "failed"
)

// ActorAgent is the only actor kind allowed to request verification.
const ActorAgent = "agent"

// ErrSelfVerification is returned by CheckActor for non-agent actors.
var ErrSelfVerification = errors.New("only agent actors may request verification")

// CheckActor rejects verification requests from anything but an agent.
// Subagents verifying their own work are refused here.
func CheckActor(kind string) error {
	if strings.ToLower(strings.TrimSpace(kind)) != ActorAgent {
		return fmt.Errorf("actor kind %q: %w", kind, ErrSelfVerification)
	}
	return nil
}

// Check is one declared acceptance check.
type Check struct {
	Type         string `json:"type"`
	ArtifactType string `json:"artifact_type,omitempty"`
	Count        *int   `json:"count,omitempty"`
}

type Contract struct {
	AcceptanceChecks []Check `json:"acceptance_checks"`
}

type Task struct {
	TaskID      string   `json:"task_id"`
	WorkspaceID string   `json:"workspace_id"`
	Contract    Contract `json:"contract"`
}

// ParseTask decodes a JSON task document.
func ParseTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("parse task: %w", err)
	}
	if t.TaskID == "" || t.WorkspaceID == "" {
		return Task{}, fmt.Errorf("task_id and workspace_id required")
	}
	return t, nil
}

type Result struct {
	Passed         bool               `json:"passed"`
	ChecksRun      int                `json:"checks_run"`
	ArtifactsFound int                `json:"artifacts_found"`
	SubagentsTotal int                `json:"subagents_total"`
	Failures       []bus.CheckFailure `json:"failures"`
}

// Loader reads the artifacts and subagents recorded for a task.
type Loader interface {
	ListArtifacts(ctx context.Context, taskID, workspaceID string) ([]persistence.Artifact, error)
	ListSubagents(ctx context.Context, taskID, workspaceID string) ([]persistence.Subagent, error)
}

type Engine struct {
	loader Loader
	bus    bus.Publisher
	logger *slog.Logger
}

func NewEngine(loader Loader, publisher bus.Publisher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{loader: loader, bus: publisher, logger: logger}
}

// Verify runs every acceptance check of task and publishes exactly one
// verify.passed or verify.failed event. Failing checks are reported in the
// result; only a loader failure is returned as an error.
func (e *Engine) Verify(ctx context.Context, task Task, actorID string) (Result, error) {
	artifacts, err := e.loader.ListArtifacts(ctx, task.TaskID, task.WorkspaceID)
	if err != nil {
		return Result{}, fmt.Errorf("load artifacts: %w", err)
	}
	subagents, err := e.loader.ListSubagents(ctx, task.TaskID, task.WorkspaceID)
	if err != nil {
		return Result{}, fmt.Errorf("load subagents: %w", err)
	}

	res := Evaluate(task.Contract.AcceptanceChecks, artifacts, subagents)

	topic := bus.TopicVerifyPassed
	if !res.Passed {
		topic = bus.TopicVerifyFailed
	}
	if e.bus != nil {
		e.bus.Publish(topic, bus.VerifyEvent{
			TaskID:    task.TaskID,
			ActorID:   actorID,
			ChecksRun: res.ChecksRun,
			Failures:  res.Failures,
		})
	}
	e.logger.Info("task verified",
		"trace_id", shared.TraceID(ctx),
		"task_id", task.TaskID,
		"actor_id", actorID,
		"passed", res.Passed,
		"checks_run", res.ChecksRun,
		"failures", len(res.Failures),
	)
	return res, nil
}

// Evaluate applies checks to already-loaded state. It is pure.
func Evaluate(checks []Check, artifacts []persistence.Artifact, subagents []persistence.Subagent) Result {
	res := Result{
		ChecksRun:      len(checks),
		ArtifactsFound: len(artifacts),
		SubagentsTotal: len(subagents),
		Failures:       []bus.CheckFailure{},
	}
	for _, c := range checks {
		if reason, ok := run(c, artifacts, subagents); !ok {
			res.Failures = append(res.Failures, bus.CheckFailure{Check: c.Type, Reason: reason})
		}
	}
	res.Passed = len(res.Failures) == 0
	return res
}

func run(c Check, artifacts []persistence.Artifact, subagents []persistence.Subagent) (string, bool) {
	switch c.Type {
	case CheckArtifactRequired:
		for _, a := range artifacts {
			if a.Type == c.ArtifactType {
				return "", true
			}
		}
		return fmt.Sprintf("No artifact of type %q found", c.ArtifactType), false

	case CheckMinArtifacts:
		want := 1
		if c.Count != nil {
			want = *c.Count
		}
		if len(artifacts) < want {
			return fmt.Sprintf("Expected at least %d artifacts, found %d", want, len(artifacts)), false
		}
		return "", true

	case CheckSubagentsFinished:
		pending := subagentIDs(subagents, func(status string) bool { return status != SubagentFinished })
		if len(pending) > 0 {
			return "Subagents not finished: " + strings.Join(pending, ", "), false
		}
		return "", true

	case CheckNoFailedSubagents:
		failed := subagentIDs(subagents, func(status string) bool { return status == SubagentFailed })
		if len(failed) > 0 {
			return "Subagents failed: " + strings.Join(failed, ", "), false
		}
		return "", true

	default:
		return "Unknown check type: " + c.Type, false
	}
}

func subagentIDs(subagents []persistence.Subagent, match func(status string) bool) []string {
	var ids []string
	for _, sa := range subagents {
		if match(sa.Status) {
			ids = append(ids, sa.SubagentID)
		}
	}
	sort.Strings(ids)
	return ids
}
