package policy_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/basket/claw-kernel/internal/policy"
)

func TestLoad_MissingFileIsEmptyPolicy(t *testing.T) {
	p, err := policy.Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if len(p.Rules) != 0 {
		t.Fatalf("expected no rules, got %d", len(p.Rules))
	}
}

func TestLoad_NormalizesRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	body := "rules:\n  - action_type: \" Shell \"\n    mode: BLOCK\n  - action_type: send_email\n    workspace_id: ws-1\n    mode: ask\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	p, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if len(p.Rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(p.Rules))
	}
	if p.Rules[0].ActionType != "shell" || p.Rules[0].WorkspaceID != "*" || p.Rules[0].Mode != policy.ModeBlock {
		t.Fatalf("unexpected first rule: %+v", p.Rules[0])
	}
	if p.Rules[1].WorkspaceID != "ws-1" {
		t.Fatalf("expected explicit workspace, got %q", p.Rules[1].WorkspaceID)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown mode":   "rules:\n  - action_type: shell\n    mode: maybe\n",
		"missing action": "rules:\n  - mode: ask\n",
		"duplicate":      "rules:\n  - action_type: shell\n    mode: ask\n  - action_type: SHELL\n    mode: block\n",
		"bad yaml":       "rules: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := policy.Parse([]byte(body)); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}

func TestLiveTable_Lookup(t *testing.T) {
	lt := policy.NewLiveTable(policy.Policy{Rules: []policy.Rule{
		{ActionType: "shell", WorkspaceID: "*", Mode: policy.ModeBlock},
		{ActionType: "browser", WorkspaceID: "ws-1", Mode: policy.ModeAsk},
	}}, "")
	ctx := context.Background()

	mode, ok, err := lt.Lookup(ctx, "shell", "*")
	if err != nil || !ok || mode != policy.ModeBlock {
		t.Fatalf("shell lookup = %q %v %v", mode, ok, err)
	}
	if _, ok, _ := lt.Lookup(ctx, "browser", "*"); ok {
		t.Fatalf("workspace rule must not answer global lookup")
	}
	if _, ok, _ := lt.Lookup(ctx, "search", "*"); ok {
		t.Fatalf("expected missing row")
	}
}

func TestReloadFromFile_InvalidRetainsPrevious(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - action_type: shell\n    mode: block\n"), 0o644); err != nil {
		t.Fatalf("write initial policy: %v", err)
	}
	initial, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load initial policy: %v", err)
	}
	live := policy.NewLiveTable(initial, path)
	before := live.PolicyVersion()

	if err := os.WriteFile(path, []byte("rules:\n  - action_type: shell\n    mode: nope\n"), 0o644); err != nil {
		t.Fatalf("write invalid policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err == nil {
		t.Fatalf("expected reload to fail on invalid policy")
	}
	if live.PolicyVersion() != before {
		t.Fatalf("policy version changed after failed reload")
	}
	if mode, ok, _ := live.Lookup(context.Background(), "shell", "*"); !ok || mode != policy.ModeBlock {
		t.Fatalf("previous rule lost after failed reload")
	}

	if err := os.WriteFile(path, []byte("rules:\n  - action_type: shell\n    mode: ask\n"), 0o644); err != nil {
		t.Fatalf("write valid policy: %v", err)
	}
	if err := policy.ReloadFromFile(live, path); err != nil {
		t.Fatalf("reload valid policy: %v", err)
	}
	if live.PolicyVersion() == before {
		t.Fatalf("expected policy version to change")
	}
}

func TestPolicyVersion_OrderIndependent(t *testing.T) {
	a := policy.Policy{Rules: []policy.Rule{
		{ActionType: "a", WorkspaceID: "*", Mode: policy.ModeAsk},
		{ActionType: "b", WorkspaceID: "*", Mode: policy.ModeBlock},
	}}
	b := policy.Policy{Rules: []policy.Rule{a.Rules[1], a.Rules[0]}}
	if a.PolicyVersion() != b.PolicyVersion() {
		t.Fatalf("version depends on rule order: %s vs %s", a.PolicyVersion(), b.PolicyVersion())
	}
}

func TestLiveTable_SetRulePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	live := policy.NewLiveTable(policy.Default(), path)

	if err := live.SetRule(policy.Rule{ActionType: "deploy_tool", Mode: policy.ModeAsk}); err != nil {
		t.Fatalf("set rule: %v", err)
	}
	if err := live.SetRule(policy.Rule{ActionType: "deploy_tool", Mode: policy.ModeBlock}); err != nil {
		t.Fatalf("replace rule: %v", err)
	}
	if err := live.SetRule(policy.Rule{ActionType: "x", Mode: "bogus"}); err == nil {
		t.Fatalf("expected invalid mode to be rejected")
	}

	reloaded, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load persisted policy: %v", err)
	}
	if len(reloaded.Rules) != 1 || reloaded.Rules[0].Mode != policy.ModeBlock {
		t.Fatalf("unexpected persisted rules: %+v", reloaded.Rules)
	}
}

func TestLiveTable_ConcurrentSetRuleKeepsAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	live := policy.NewLiveTable(policy.Default(), path)

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := live.SetRule(policy.Rule{ActionType: fmt.Sprintf("tool_%02d", i), Mode: policy.ModeAsk}); err != nil {
				t.Errorf("set rule %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(live.Snapshot().Rules); got != n {
		t.Fatalf("live table has %d rules, want %d", got, n)
	}
	reloaded, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load persisted policy: %v", err)
	}
	if len(reloaded.Rules) != n {
		t.Fatalf("persisted %d rules, want %d", len(reloaded.Rules), n)
	}
}

func TestVersionOf(t *testing.T) {
	if got := policy.VersionOf(nil); got != "none" {
		t.Fatalf("nil table version = %q", got)
	}
	lt := policy.NewLiveTable(policy.Default(), "")
	if got := policy.VersionOf(lt); got != lt.PolicyVersion() {
		t.Fatalf("live table version = %q", got)
	}
}
