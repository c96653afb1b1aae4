package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/claw-kernel/internal/bus"
	"github.com/basket/claw-kernel/internal/config"
	"github.com/basket/claw-kernel/internal/kernel"
	"github.com/basket/claw-kernel/internal/llm"
	"github.com/basket/claw-kernel/internal/policy"
	"github.com/basket/claw-kernel/internal/scope"
	"github.com/basket/claw-kernel/internal/verify"
	"github.com/google/go-cmp/cmp"
)

func newTestApp(t *testing.T, policyYAML, source string) *app {
	t.Helper()
	home := t.TempDir()
	if policyYAML != "" {
		if err := os.WriteFile(filepath.Join(home, "policy.yaml"), []byte(policyYAML), 0o644); err != nil {
			t.Fatalf("write policy: %v", err)
		}
	}
	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if source != "" {
		cfg.Policy.Source = source
	}
	a, err := openApp(context.Background(), cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })
	return a
}

func runCmd(t *testing.T, a *app, name string, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := commands[name](context.Background(), a, args, strings.NewReader(stdin), &out)
	return out.String(), err
}

const blockSearch = `rules:
  - action_type: web_search
    mode: block
`

func TestExitCode(t *testing.T) {
	if got := exitCode(nil); got != 0 {
		t.Fatalf("nil error exit = %d", got)
	}
	if got := exitCode(usagef("bad")); got != 2 {
		t.Fatalf("usage error exit = %d", got)
	}
	if got := exitCode(errVerifyFailed); got != 1 {
		t.Fatalf("failure exit = %d", got)
	}
}

func TestReadDoc(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.json")
	if err := os.WriteFile(path, []byte(`{"from":"file"}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tests := []struct {
		raw, stdin, want string
	}{
		{`{"inline":true}`, "", `{"inline":true}`},
		{"-", `{"from":"stdin"}`, `{"from":"stdin"}`},
		{"@" + path, "", `{"from":"file"}`},
	}
	for _, tc := range tests {
		got, err := readDoc(tc.raw, strings.NewReader(tc.stdin))
		if err != nil {
			t.Fatalf("readDoc(%q): %v", tc.raw, err)
		}
		if string(got) != tc.want {
			t.Fatalf("readDoc(%q) = %q, want %q", tc.raw, got, tc.want)
		}
	}
}

func TestCommands_UsageErrors(t *testing.T) {
	a := newTestApp(t, "", "")
	for _, tc := range []struct {
		name string
		args []string
	}{
		{"inbound", []string{"-workspace", "ws", "hello"}},
		{"turn", nil},
		{"objective", nil},
		{"objective", []string{"complete"}},
		{"evaluate", nil},
		{"attenuate", nil},
		{"verify", nil},
		{"policy", []string{"set", "web_search"}},
		{"policy", []string{"set", "web_search", "sometimes"}},
		{"backup", nil},
		{"inbound", []string{"-nope"}},
	} {
		_, err := runCmd(t, a, tc.name, "", tc.args...)
		if exitCode(err) != 2 {
			t.Fatalf("%s %v: expected usage error, got %v", tc.name, tc.args, err)
		}
	}
}

func TestInboundThenTurn(t *testing.T) {
	a := newTestApp(t, "", "")
	out, err := runCmd(t, a, "inbound", "", "-workspace", "ws", "-channel", "whatsapp", "-jid", "15551234567@s.whatsapp.net", "Find", "flights", "to", "Lisbon")
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	var res kernel.InboundResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode inbound output: %v\n%s", err, out)
	}
	if res.Session.SessionID == "" || res.Objective == nil || res.Objective.Objective.Title != "Find flights to Lisbon" {
		t.Fatalf("unexpected inbound result %+v", res)
	}

	out, err = runCmd(t, a, "turn", "", "-session", res.Session.SessionID, "-user", "Find flights", "-assistant", "Three options found.", "-action", "search")
	if err != nil {
		t.Fatalf("turn: %v", err)
	}
	var turn map[string]string
	if err := json.Unmarshal([]byte(out), &turn); err != nil {
		t.Fatalf("decode turn output: %v", err)
	}
	want := "- [search] U: Find flights | A: Three options found.\n[turns: 1]"
	if turn["context_summary"] != want {
		t.Fatalf("summary = %q, want %q", turn["context_summary"], want)
	}

	out, err = runCmd(t, a, "objective", "", "complete", "-id", res.Objective.Objective.ID, "-text", "booked")
	if err != nil {
		t.Fatalf("objective complete: %v", err)
	}
	if !strings.Contains(out, `"completed"`) {
		t.Fatalf("objective not completed: %s", out)
	}
}

func TestSummary_FallbackProviderRunsWhenPrimaryFails(t *testing.T) {
	prev := completerFor
	t.Cleanup(func() { completerFor = prev })
	var mu sync.Mutex
	var calls []string
	completerFor = func(_ context.Context, _ config.Config, provider string) (llm.Completer, error) {
		return llm.CompleterFunc(func(context.Context, string, string) (string, error) {
			mu.Lock()
			calls = append(calls, provider)
			mu.Unlock()
			if provider == "anthropic" {
				return "", errors.New("upstream overloaded")
			}
			return `{"summary":"User is booking flights to Lisbon."}`, nil
		}), nil
	}

	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.LLM.Provider = "anthropic"
	cfg.Summary.UseLLM = true
	cfg.Summary.FallbackProviders = []string{"openai"}
	a, err := openApp(context.Background(), cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	t.Cleanup(func() { a.close(context.Background()) })

	res, err := a.kernel.Inbound(context.Background(), kernel.Message{
		WorkspaceID: "ws", Channel: "sms", RemoteJID: "+15550001111", Text: "Find flights to Lisbon",
	})
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	sum, err := a.kernel.RecordTurn(context.Background(), kernel.TurnInput{
		SessionID: res.Session.SessionID, UserMessage: "Find flights", AssistantResponse: "Three options found.",
	})
	if err != nil {
		t.Fatalf("record turn: %v", err)
	}
	if sum != "User is booking flights to Lisbon." {
		t.Fatalf("summary = %q, want the fallback provider's output", sum)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"anthropic", "openai"}, calls); diff != "" {
		t.Fatalf("provider calls (-want +got):\n%s", diff)
	}
}

func TestEvaluateAndAttenuate(t *testing.T) {
	a := newTestApp(t, blockSearch, "")

	out, err := runCmd(t, a, "evaluate", `{"allowed_tools":["web_search"],"operations":["read"]}`, "-scope", "-")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var dec policy.Decision
	if err := json.Unmarshal([]byte(out), &dec); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if !dec.Blocked || dec.BlockedTool != "web_search" {
		t.Fatalf("expected blocked decision, got %+v", dec)
	}

	out, err = runCmd(t, a, "attenuate", "",
		"-parent", `{"allowed_tools":["web_search"],"operations":["read"]}`,
		"-requested", `{"allowed_tools":["web_search","shell"],"operations":["read","delete"]}`)
	if err != nil {
		t.Fatalf("attenuate: %v", err)
	}
	if strings.Contains(out, "shell") || strings.Contains(out, "delete") {
		t.Fatalf("attenuated scope exceeds parent: %s", out)
	}
}

func TestVerifyFailure(t *testing.T) {
	a := newTestApp(t, "", "")
	task := `{"task_id":"t1","workspace_id":"ws","contract":{"acceptance_checks":[{"type":"foo"}]}}`
	out, err := runCmd(t, a, "verify", task, "-task", "-")
	if !errors.Is(err, errVerifyFailed) {
		t.Fatalf("expected errVerifyFailed, got %v", err)
	}
	if !strings.Contains(out, "Unknown check type: foo") {
		t.Fatalf("failure reason missing: %s", out)
	}
}

func TestVerify_RejectsSubagentActors(t *testing.T) {
	a := newTestApp(t, "", "")
	task := `{"task_id":"t1","workspace_id":"ws","contract":{"acceptance_checks":[]}}`

	out, err := runCmd(t, a, "verify", task, "-task", "-", "-actor-kind", "subagent")
	if !errors.Is(err, verify.ErrSelfVerification) {
		t.Fatalf("expected ErrSelfVerification, got %v", err)
	}
	if out != "" {
		t.Fatalf("refused request still produced a result: %s", out)
	}
	if _, err := runCmd(t, a, "verify", task, "-task", "-"); err != nil {
		t.Fatalf("agent verify: %v", err)
	}

	in := strings.Join([]string{
		`{"id":"1","op":"verify","params":{"task":` + task + `,"actor_id":"sub-1","actor_kind":"subagent"}}`,
		`{"id":"2","op":"verify","params":{"task":` + task + `,"actor_id":"sub-1"}}`,
		`{"id":"3","op":"verify","params":{"task":` + task + `,"actor_id":"lead","actor_kind":"agent"}}`,
	}, "\n")
	var buf bytes.Buffer
	if err := serve(context.Background(), a, strings.NewReader(in), &buf); err != nil {
		t.Fatalf("serve: %v", err)
	}
	dec := json.NewDecoder(&buf)
	var resps []response
	for dec.More() {
		var r response
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		resps = append(resps, r)
	}
	if len(resps) != 3 {
		t.Fatalf("got %d responses, want 3", len(resps))
	}
	for _, r := range resps[:2] {
		if !strings.Contains(r.Error, verify.ErrSelfVerification.Error()) {
			t.Fatalf("request %s not refused: %+v", r.ID, r)
		}
	}
	if resps[2].Error != "" || resps[2].Result.(map[string]any)["passed"] != true {
		t.Fatalf("agent request response %+v", resps[2])
	}
}

func TestPolicySet(t *testing.T) {
	t.Run("file source", func(t *testing.T) {
		a := newTestApp(t, "", "")
		if _, err := runCmd(t, a, "policy", "", "set", "web_search", "ask"); err != nil {
			t.Fatalf("policy set: %v", err)
		}
		data, err := os.ReadFile(a.cfg.PolicyPath())
		if err != nil {
			t.Fatalf("read policy file: %v", err)
		}
		if !strings.Contains(string(data), "web_search") {
			t.Fatalf("rule not persisted:\n%s", data)
		}
		if dec := a.kernel.Authorize(context.Background(), mustScope(t, `{"allowed_tools":["web_search"]}`)); !dec.ApprovalRequired {
			t.Fatalf("ask rule not applied: %+v", dec)
		}
	})

	t.Run("db source", func(t *testing.T) {
		a := newTestApp(t, blockSearch, "db")
		if dec := a.kernel.Authorize(context.Background(), mustScope(t, `{"allowed_tools":["web_search"]}`)); !dec.Blocked {
			t.Fatalf("seeded block rule not applied: %+v", dec)
		}
		if _, err := runCmd(t, a, "policy", "", "set", "web_search", "auto"); err != nil {
			t.Fatalf("policy set: %v", err)
		}
		if dec := a.kernel.Authorize(context.Background(), mustScope(t, `{"allowed_tools":["web_search"]}`)); dec.Blocked {
			t.Fatalf("stored rule not updated: %+v", dec)
		}
		out, err := runCmd(t, a, "policy", "", "list")
		if err != nil {
			t.Fatalf("policy list: %v", err)
		}
		var listing policyListing
		if err := json.Unmarshal([]byte(out), &listing); err != nil {
			t.Fatalf("decode listing: %v", err)
		}
		if listing.Source != "db" || len(listing.StoredRules) != 1 || listing.StoredRules[0].Mode != policy.ModeAuto {
			t.Fatalf("unexpected listing %+v", listing)
		}
	})
}

func TestOpenApp_DBSourceKeepsExternalRows(t *testing.T) {
	ctx := context.Background()
	browser := mustScope(t, `{"allowed_tools":["browser"]}`)
	search := mustScope(t, `{"allowed_tools":["web_search"]}`)

	first := newTestApp(t, blockSearch, "db")
	if err := first.store.UpsertRiskPolicy(ctx, policy.Rule{ActionType: "browser", Mode: policy.ModeBlock}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	cfg := first.cfg
	first.close(ctx)

	a, err := openApp(ctx, cfg, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("reopen app: %v", err)
	}
	t.Cleanup(func() { a.close(ctx) })
	if dec := a.kernel.Authorize(ctx, browser); !dec.Blocked {
		t.Fatalf("externally written block row lost on reopen: %+v", dec)
	}
	if dec := a.kernel.Authorize(ctx, search); !dec.Blocked {
		t.Fatalf("seeded file rule lost on reopen: %+v", dec)
	}

	// A file reload merges into the table.
	if err := os.WriteFile(cfg.PolicyPath(), []byte("rules:\n  - action_type: web_search\n    mode: ask\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := a.reloadPolicy(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if dec := a.kernel.Authorize(ctx, browser); !dec.Blocked {
		t.Fatalf("reload dropped external row: %+v", dec)
	}
	if dec := a.kernel.Authorize(ctx, search); dec.Blocked || !dec.ApprovalRequired {
		t.Fatalf("reloaded file rule not merged: %+v", dec)
	}

	// An explicit seed replaces the table with the file.
	if _, err := runCmd(t, a, "policy", "", "seed"); err != nil {
		t.Fatalf("policy seed: %v", err)
	}
	if dec := a.kernel.Authorize(ctx, browser); dec.Blocked {
		t.Fatalf("policy seed kept a row the file does not have: %+v", dec)
	}
}

func TestReloadPolicy(t *testing.T) {
	a := newTestApp(t, "", "")
	sub := a.bus.Subscribe(bus.TopicPolicyReloaded)
	defer a.bus.Unsubscribe(sub)

	extra := blockSearch + "high_risk_tools:\n  - launch_rocket\n"
	if err := os.WriteFile(a.cfg.PolicyPath(), []byte(extra), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := a.reloadPolicy(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if dec := a.kernel.Authorize(context.Background(), mustScope(t, `{"allowed_tools":["web_search"]}`)); !dec.Blocked {
		t.Fatalf("reloaded rule not applied: %+v", dec)
	}
	if dec := a.kernel.Authorize(context.Background(), mustScope(t, `{"allowed_tools":["launch_rocket"]}`)); dec.RiskLevel != policy.RiskHigh {
		t.Fatalf("reloaded classes not applied: %+v", dec)
	}
	select {
	case ev := <-sub.Ch():
		if p := ev.Payload.(bus.PolicyReloadedEvent); p.Rules != 1 {
			t.Fatalf("unexpected reload event %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("no reload event")
	}

	if err := os.WriteFile(a.cfg.PolicyPath(), []byte("rules: [\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if err := a.reloadPolicy(context.Background()); err == nil {
		t.Fatalf("expected invalid policy to be rejected")
	}
	if dec := a.kernel.Authorize(context.Background(), mustScope(t, `{"allowed_tools":["web_search"]}`)); !dec.Blocked {
		t.Fatalf("previous table should stay active: %+v", dec)
	}
}

func TestServe(t *testing.T) {
	a := newTestApp(t, "", "")
	in := strings.Join([]string{
		`{"id":"1","op":"inbound","params":{"workspace_id":"ws","channel":"sms","remote_jid":"+15550001111","text":"hello"}}`,
		``,
		`{"id":"2","op":"evaluate","params":{"allowed_tools":["shell"]}}`,
		`{"id":"3","op":"launch"}`,
		`not json`,
		`{"id":"4","op":"turn"}`,
	}, "\n")
	var out bytes.Buffer
	if err := serve(context.Background(), a, strings.NewReader(in), &out); err != nil {
		t.Fatalf("serve: %v", err)
	}

	var resps []response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r response
		if err := dec.Decode(&r); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		resps = append(resps, r)
	}
	if len(resps) != 5 {
		t.Fatalf("got %d responses, want 5", len(resps))
	}
	if resps[0].ID != "1" || resps[0].Error != "" || resps[0].Result == nil {
		t.Fatalf("inbound response %+v", resps[0])
	}
	if r := resps[1].Result.(map[string]any); r["risk_level"] != "high" || r["approval_required"] != true {
		t.Fatalf("evaluate response %+v", resps[1])
	}
	if resps[2].Error != `unknown op "launch"` {
		t.Fatalf("unknown op response %+v", resps[2])
	}
	if !strings.HasPrefix(resps[3].Error, "invalid request") {
		t.Fatalf("invalid json response %+v", resps[3])
	}
	if resps[4].ID != "4" || resps[4].Error != "params required" {
		t.Fatalf("missing params response %+v", resps[4])
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nCLAWKERNEL_TEST_A=\"one\"\nCLAWKERNEL_TEST_B=two\nnot a pair\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CLAWKERNEL_TEST_A", "")
	t.Setenv("CLAWKERNEL_TEST_B", "preset")
	loadDotEnv(path)
	if got := os.Getenv("CLAWKERNEL_TEST_A"); got != "one" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("CLAWKERNEL_TEST_B"); got != "preset" {
		t.Fatalf("B should not be overridden, got %q", got)
	}
}

func TestPrintUsage(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()
	for _, want := range []string{"clawkernel daemon", "clawkernel inbound", "clawkernel doctor", "CLAWKERNEL_HOME"} {
		if !strings.Contains(out, want) {
			t.Fatalf("usage missing %q:\n%s", want, out)
		}
	}
}

func TestRunDoctor(t *testing.T) {
	cfg, err := config.LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	var buf bytes.Buffer
	if err := runDoctor(context.Background(), cfg, []string{"-json"}, &buf); err != nil {
		t.Fatalf("doctor: %v\n%s", err, buf.String())
	}
	var diag struct {
		Results []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"results"`
	}
	if err := json.Unmarshal(buf.Bytes(), &diag); err != nil {
		t.Fatalf("decode diagnosis: %v", err)
	}
	if len(diag.Results) == 0 {
		t.Fatal("expected check results")
	}

	if err := os.WriteFile(cfg.PolicyPath(), []byte("rules: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	err = runDoctor(context.Background(), cfg, nil, &buf)
	if !errors.Is(err, errUnhealthy) {
		t.Fatalf("expected errUnhealthy for a broken policy file, got %v", err)
	}
	if !strings.Contains(buf.String(), "[FAIL] Policy") {
		t.Fatalf("text report missing policy failure:\n%s", buf.String())
	}
}

func mustScope(t *testing.T, doc string) scope.Scope {
	t.Helper()
	sc, err := parseScope(doc, nil)
	if err != nil {
		t.Fatalf("parse scope: %v", err)
	}
	return sc
}
