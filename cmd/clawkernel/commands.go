package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/basket/claw-kernel/internal/config"
	"github.com/basket/claw-kernel/internal/doctor"
	"github.com/basket/claw-kernel/internal/kernel"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/policy"
	"github.com/basket/claw-kernel/internal/scope"
	"github.com/basket/claw-kernel/internal/verify"
)

// usageError is reported with exit code 2.
type usageError struct{ msg string }

func (e usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return usageError{msg: fmt.Sprintf(format, args...)}
}

// errVerifyFailed marks a verification that ran but did not pass.
var errVerifyFailed = errors.New("verification failed")

var errUnhealthy = errors.New("doctor: one or more checks failed")

type commandFunc func(ctx context.Context, a *app, args []string, in io.Reader, out io.Writer) error

var commands = map[string]commandFunc{
	"inbound":   runInbound,
	"turn":      runTurn,
	"objective": runObjective,
	"evaluate":  runEvaluate,
	"attenuate": runAttenuate,
	"verify":    runVerify,
	"policy":    runPolicy,
	"backup":    runBackup,
	"retention": runRetention,
}

// exitCode maps a command error onto the process exit status.
func exitCode(err error) int {
	var ue usageError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &ue):
		return 2
	default:
		return 1
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readDoc resolves a document argument: "-" reads in, "@path" reads a file,
// anything else is the document itself.
func readDoc(raw string, in io.Reader) ([]byte, error) {
	switch {
	case raw == "-":
		return io.ReadAll(in)
	case strings.HasPrefix(raw, "@"):
		return os.ReadFile(strings.TrimPrefix(raw, "@"))
	default:
		return []byte(raw), nil
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return usagef("%s: %v", fs.Name(), err)
	}
	return nil
}

func runInbound(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	fs := newFlagSet("inbound")
	var msg kernel.Message
	fs.StringVar(&msg.WorkspaceID, "workspace", "", "workspace id")
	fs.StringVar(&msg.Channel, "channel", "", "channel name")
	fs.StringVar(&msg.RemoteJID, "jid", "", "remote identity")
	fs.StringVar(&msg.AgentID, "agent", "", "agent id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if msg.WorkspaceID == "" || msg.Channel == "" || msg.RemoteJID == "" {
		return usagef("usage: clawkernel inbound -workspace ID -channel NAME -jid JID [-agent ID] text...")
	}
	msg.Text = strings.Join(fs.Args(), " ")
	res, err := a.kernel.Inbound(ctx, msg)
	if err != nil {
		return err
	}
	return writeJSON(out, res)
}

func runTurn(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	fs := newFlagSet("turn")
	var in kernel.TurnInput
	fs.StringVar(&in.SessionID, "session", "", "session id")
	fs.StringVar(&in.UserMessage, "user", "", "user message")
	fs.StringVar(&in.AssistantResponse, "assistant", "", "assistant response")
	fs.StringVar(&in.ActionType, "action", "", "action type")
	fs.StringVar(&in.ObjectiveID, "objective", "", "objective id")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if in.SessionID == "" {
		return usagef("usage: clawkernel turn -session ID -user TEXT -assistant TEXT [-action TYPE] [-objective ID]")
	}
	sum, err := a.kernel.RecordTurn(ctx, in)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]string{"session_id": in.SessionID, "context_summary": sum})
}

func runObjective(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	const usage = "usage: clawkernel objective <evidence|complete|fail> -id ID [...]"
	if len(args) == 0 {
		return usagef(usage)
	}
	action := args[0]
	fs := newFlagSet("objective " + action)
	id := fs.String("id", "", "objective id")
	text := fs.String("text", "", "result summary or failure reason")
	actionType := fs.String("action", "", "tool action type (evidence)")
	query := fs.String("query", "", "tool query (evidence)")
	if err := parseFlags(fs, args[1:]); err != nil {
		return err
	}
	if *id == "" {
		return usagef(usage)
	}

	switch action {
	case "evidence":
		ev, err := a.kernel.RecordEvidence(ctx, persistence.ToolEvidence{
			ObjectiveID:   *id,
			ActionType:    *actionType,
			QueryText:     *query,
			ResultSummary: *text,
		})
		if err != nil {
			return err
		}
		return writeJSON(out, ev)
	case "complete":
		obj, err := a.kernel.CompleteObjective(ctx, *id, *text)
		if err != nil {
			return err
		}
		return writeJSON(out, obj)
	case "fail":
		obj, err := a.kernel.FailObjective(ctx, *id, *text)
		if err != nil {
			return err
		}
		return writeJSON(out, obj)
	default:
		return usagef(usage)
	}
}

func runEvaluate(ctx context.Context, a *app, args []string, in io.Reader, out io.Writer) error {
	fs := newFlagSet("evaluate")
	raw := fs.String("scope", "", "scope JSON, @file or - for stdin")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *raw == "" {
		return usagef("usage: clawkernel evaluate -scope JSON|@file|-")
	}
	sc, err := parseScope(*raw, in)
	if err != nil {
		return err
	}
	return writeJSON(out, a.kernel.Authorize(ctx, sc))
}

func runAttenuate(ctx context.Context, a *app, args []string, in io.Reader, out io.Writer) error {
	fs := newFlagSet("attenuate")
	parentRaw := fs.String("parent", "", "parent scope JSON or @file; omit for a bootstrap delegation")
	requestedRaw := fs.String("requested", "", "requested scope JSON, @file or -")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *requestedRaw == "" {
		return usagef("usage: clawkernel attenuate [-parent JSON|@file] -requested JSON|@file|-")
	}
	requested, err := parseScope(*requestedRaw, in)
	if err != nil {
		return err
	}
	var parent *scope.Scope
	if *parentRaw != "" {
		p, err := parseScope(*parentRaw, in)
		if err != nil {
			return err
		}
		parent = &p
	}
	return writeJSON(out, a.kernel.Delegate(ctx, parent, requested))
}

func parseScope(raw string, in io.Reader) (scope.Scope, error) {
	data, err := readDoc(raw, in)
	if err != nil {
		return scope.Scope{}, err
	}
	sc, err := scope.Parse(data)
	if err != nil {
		return scope.Scope{}, fmt.Errorf("parse scope: %w", err)
	}
	return sc, nil
}

func runVerify(ctx context.Context, a *app, args []string, in io.Reader, out io.Writer) error {
	fs := newFlagSet("verify")
	raw := fs.String("task", "", "task JSON, @file or -")
	actor := fs.String("actor", "cli", "actor id recorded with the result")
	actorKind := fs.String("actor-kind", verify.ActorAgent, "kind of the requesting actor; subagents are refused")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *raw == "" {
		return usagef("usage: clawkernel verify -task JSON|@file|- [-actor ID] [-actor-kind KIND]")
	}
	if err := verify.CheckActor(*actorKind); err != nil {
		return err
	}
	data, err := readDoc(*raw, in)
	if err != nil {
		return err
	}
	task, err := verify.ParseTask(data)
	if err != nil {
		return err
	}
	res, err := a.kernel.Verify(ctx, task, *actor)
	if err != nil {
		return err
	}
	if err := writeJSON(out, res); err != nil {
		return err
	}
	if !res.Passed {
		return errVerifyFailed
	}
	return nil
}

type policyListing struct {
	Source        string        `json:"source"`
	Path          string        `json:"path"`
	PolicyVersion string        `json:"policy_version"`
	Rules         []policy.Rule `json:"rules"`
	StoredRules   []policy.Rule `json:"stored_rules"`
}

func runPolicy(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	const usage = "usage: clawkernel policy <list|seed|set [-workspace ID] ACTION MODE>"
	if len(args) == 0 {
		return usagef(usage)
	}
	switch args[0] {
	case "list":
		stored, err := a.store.ListRiskPolicies(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, policyListing{
			Source:        a.cfg.Policy.Source,
			Path:          a.cfg.PolicyPath(),
			PolicyVersion: a.live.PolicyVersion(),
			Rules:         a.live.Snapshot().Rules,
			StoredRules:   stored,
		})
	case "seed":
		snap := a.live.Snapshot()
		if err := a.store.SeedRiskPolicies(ctx, snap, a.cfg.PolicyPath()); err != nil {
			return err
		}
		return writeJSON(out, map[string]any{"seeded": len(snap.Rules), "policy_version": snap.PolicyVersion()})
	case "set":
		fs := newFlagSet("policy set")
		ws := fs.String("workspace", "", "workspace id; empty applies to all workspaces")
		if err := parseFlags(fs, args[1:]); err != nil {
			return err
		}
		if fs.NArg() != 2 {
			return usagef(usage)
		}
		mode, err := policy.ParseMode(fs.Arg(1))
		if err != nil {
			return usagef("%v", err)
		}
		rule := policy.Rule{ActionType: fs.Arg(0), WorkspaceID: *ws, Mode: mode}
		if err := a.live.SetRule(rule); err != nil {
			return err
		}
		if a.cfg.Policy.Source == "db" {
			if err := a.store.UpsertRiskPolicy(ctx, rule); err != nil {
				return err
			}
		}
		return writeJSON(out, map[string]any{"rule": rule, "policy_version": a.live.PolicyVersion()})
	default:
		return usagef(usage)
	}
}

func runBackup(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	if len(args) != 1 {
		return usagef("usage: clawkernel backup DEST")
	}
	if err := a.store.Backup(ctx, args[0]); err != nil {
		return err
	}
	return writeJSON(out, map[string]string{"backup": args[0]})
}

func runRetention(ctx context.Context, a *app, args []string, _ io.Reader, out io.Writer) error {
	if len(args) != 0 {
		return usagef("usage: clawkernel retention")
	}
	n, err := a.store.RunRetention(ctx, a.cfg.RetentionAuditLogDays)
	if err != nil {
		return err
	}
	return writeJSON(out, map[string]any{"audit_rows_purged": n, "retention_days": a.cfg.RetentionAuditLogDays})
}

// runDoctor runs before the kernel is opened so it can report a broken
// store or policy file.
func runDoctor(ctx context.Context, cfg config.Config, args []string, out io.Writer) error {
	fs := newFlagSet("doctor")
	asJSON := fs.Bool("json", false, "print the diagnosis as JSON")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	d := doctor.Run(ctx, &cfg, Version)
	if *asJSON {
		if err := writeJSON(out, d); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(out, "clawkernel %s (%s/%s, %s)\n", d.System.Version, d.System.OS, d.System.Arch, d.System.Go)
		for _, r := range d.Results {
			fmt.Fprintf(out, "[%-4s] %-12s %s\n", r.Status, r.Name, r.Message)
			if r.Detail != "" {
				fmt.Fprintf(out, "       %-12s %s\n", "", r.Detail)
			}
		}
	}
	if !d.Healthy() {
		return errUnhealthy
	}
	return nil
}
