// Package audit keeps the decision trail: every policy evaluation,
// delegation and startup failure is appended to <home>/logs/audit.jsonl
// and, once a database is attached, to the audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/claw-kernel/internal/shared"
)

const (
	DecisionAllow = "allow"
	DecisionAsk   = "ask"
	DecisionDeny  = "deny"
)

// Entry is one line of the JSONL trail. Field names follow the audit_log
// columns.
type Entry struct {
	CreatedAt     string `json:"created_at"`
	TraceID       string `json:"trace_id,omitempty"`
	Subject       string `json:"subject,omitempty"`
	Action        string `json:"action"`
	Decision      string `json:"decision"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// Sink writes entries to a file and an optional database. The zero value
// only counts decisions.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	db     *sql.DB
	counts map[string]int64
	now    func() time.Time
}

func NewSink() *Sink {
	return &Sink{counts: make(map[string]int64), now: func() time.Time { return time.Now().UTC() }}
}

// Open starts appending to <homeDir>/logs/audit.jsonl. Reopening an open
// sink is a no-op.
func (s *Sink) Open(homeDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	return nil
}

// AttachDB mirrors entries into audit_log. Pass nil to detach before the
// database is closed.
func (s *Sink) AttachDB(d *sql.DB) {
	s.mu.Lock()
	s.db = d
	s.mu.Unlock()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = nil
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Counts returns decisions recorded since the sink was created, keyed by
// decision value.
func (s *Sink) Counts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Write records one decision. Reason and subject are redacted. Write
// failures are dropped so auditing never changes a decision.
func (s *Sink) Write(ctx context.Context, decision, action, reason, policyVersion, subject string) {
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counts == nil {
		s.counts = make(map[string]int64)
	}
	s.counts[decision]++

	now := time.Now().UTC()
	if s.now != nil {
		now = s.now()
	}
	e := Entry{
		CreatedAt:     now.Format(time.RFC3339Nano),
		TraceID:       traceID,
		Subject:       shared.Redact(subject),
		Action:        action,
		Decision:      decision,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
	}

	if s.file != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = s.file.Write(append(b, '\n'))
		}
	}
	if s.db != nil {
		_, _ = s.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.Subject, e.Action, e.Decision, e.Reason, e.PolicyVersion, now)
	}
}

var std = NewSink()

// Init opens the process-wide sink under homeDir.
func Init(homeDir string) error { return std.Open(homeDir) }

// SetDB attaches the process-wide sink to the audit_log table.
func SetDB(d *sql.DB) { std.AttachDB(d) }

func Close() error { return std.Close() }

// DenyCount returns the deny decisions recorded by the process-wide sink.
func DenyCount() int64 { return std.Counts()[DecisionDeny] }

// AskCount returns the ask decisions recorded by the process-wide sink.
func AskCount() int64 { return std.Counts()[DecisionAsk] }

// Record writes to the process-wide sink without a trace id.
func Record(decision, action, reason, policyVersion, subject string) {
	std.Write(context.Background(), decision, action, reason, policyVersion, subject)
}

// RecordContext writes to the process-wide sink, tagging the trace id
// carried by ctx.
func RecordContext(ctx context.Context, decision, action, reason, policyVersion, subject string) {
	std.Write(ctx, decision, action, reason, policyVersion, subject)
}
