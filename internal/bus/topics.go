package bus

// Verification topics. Payload: VerifyEvent.
const (
	TopicVerifyPassed = "verify.passed"
	TopicVerifyFailed = "verify.failed"
)

// Continuity topics.
const (
	TopicSessionResolved   = "session.resolved"
	TopicObjectiveResolved = "objective.resolved"
	TopicSessionReaped     = "session.reaped"
	TopicObjectiveFinished = "objective.finished"
)

// Policy topics.
const (
	TopicPolicyEvaluated = "policy.evaluated"
	TopicPolicyReloaded  = "policy.reloaded"
)

// TopicKernelInbound is published once per inbound message after both
// continuity decisions are made.
const TopicKernelInbound = "kernel.inbound"

// CheckFailure is one failed acceptance check.
type CheckFailure struct {
	Check  string `json:"check"`
	Reason string `json:"reason"`
}

// VerifyEvent is the payload of verify.passed / verify.failed.
type VerifyEvent struct {
	TaskID    string         `json:"task_id"`
	ActorID   string         `json:"actor_id"`
	ChecksRun int            `json:"checks_run"`
	Failures  []CheckFailure `json:"failures"`
}

// SessionResolvedEvent is published for every session continuity decision.
type SessionResolvedEvent struct {
	SessionID   string
	WorkspaceID string
	Decision    string // "continue" or "new"
	Reason      string
}

// ObjectiveResolvedEvent is published for every objective continuity decision.
type ObjectiveResolvedEvent struct {
	SessionID   string
	ObjectiveID string
	Decision    string
	Reason      string
	Confidence  float64
}

// ObjectiveFinishedEvent is published by the store when an objective leaves
// in_progress. Status is "completed" or "failed".
type ObjectiveFinishedEvent struct {
	ObjectiveID string
	SessionID   string
	Status      string
}

// SessionReapedEvent is published when the idle reaper closes a session.
type SessionReapedEvent struct {
	SessionID string
	IdleFor   string
}

// PolicyEvaluatedEvent is published for every risk evaluation.
type PolicyEvaluatedEvent struct {
	RiskLevel        string
	ApprovalRequired bool
	Blocked          bool
	BlockedTool      string
	PolicyVersion    string
}

// PolicyReloadedEvent is published after the advisory table is reloaded.
type PolicyReloadedEvent struct {
	Path          string
	PolicyVersion string
	Rules         int
}

// KernelInboundEvent summarizes both continuity decisions for one message.
// Objective fields are empty when the message carried no text.
type KernelInboundEvent struct {
	TraceID           string
	SessionID         string
	SessionDecision   string
	SessionReason     string
	ObjectiveID       string
	ObjectiveDecision string
}
