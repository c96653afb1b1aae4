package policy

import (
	"context"
	"fmt"
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/basket/claw-kernel/internal/shared"
	"gopkg.in/yaml.v3"
)

// Mode is the advisory override for one action type.
type Mode string

const (
	ModeAuto  Mode = "auto"
	ModeAsk   Mode = "ask"
	ModeBlock Mode = "block"
)

// ParseMode validates a mode string.
func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeAuto, ModeAsk, ModeBlock:
		return m, nil
	default:
		return "", fmt.Errorf("unknown policy mode %q", raw)
	}
}

// Table is the advisory policy table consulted during evaluation. ok is
// false when no row exists for the key.
type Table interface {
	Lookup(ctx context.Context, actionType, workspaceID string) (mode Mode, ok bool, err error)
}

// Versioned is implemented by tables that can report a content hash.
type Versioned interface {
	PolicyVersion() string
}

// VersionOf returns the table's policy version, "none" for a nil table and
// "unversioned" for tables that do not report one.
func VersionOf(t Table) string {
	if t == nil {
		return "none"
	}
	if v, ok := t.(Versioned); ok {
		return v.PolicyVersion()
	}
	return "unversioned"
}

// Rule is one row of the advisory table.
type Rule struct {
	ActionType  string `yaml:"action_type" json:"action_type"`
	WorkspaceID string `yaml:"workspace_id,omitempty" json:"workspace_id"`
	Mode        Mode   `yaml:"mode" json:"mode"`
}

// Policy is the serializable policy file.
type Policy struct {
	Rules []Rule `yaml:"rules"`
	// Extra names added to the built-in risk classes.
	HighRiskTools   []string `yaml:"high_risk_tools,omitempty"`
	MediumRiskTools []string `yaml:"medium_risk_tools,omitempty"`
}

func Default() Policy {
	return Policy{}
}

// Load reads and validates a policy file. A missing or empty file yields the
// default (empty) policy.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates policy YAML.
func Parse(data []byte) (Policy, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.normalize(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p *Policy) normalize() error {
	seen := make(map[string]struct{}, len(p.Rules))
	for i := range p.Rules {
		r := &p.Rules[i]
		r.ActionType = strings.ToLower(strings.TrimSpace(r.ActionType))
		if r.ActionType == "" {
			return fmt.Errorf("rule %d: action_type required", i)
		}
		r.WorkspaceID = strings.TrimSpace(r.WorkspaceID)
		if r.WorkspaceID == "" {
			r.WorkspaceID = shared.GlobalWorkspace
		}
		mode, err := ParseMode(string(r.Mode))
		if err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, r.ActionType, err)
		}
		r.Mode = mode
		key := ruleKey(r.ActionType, r.WorkspaceID)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("rule %d: duplicate rule for %s in workspace %s", i, r.ActionType, r.WorkspaceID)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// Classes returns the default risk classes extended by the file's extras.
func (p Policy) Classes() Classes {
	return DefaultClasses().WithExtra(p.HighRiskTools, p.MediumRiskTools)
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func ruleKey(actionType, workspaceID string) string {
	return actionType + "\x00" + workspaceID
}

// LiveTable is an in-memory advisory table guarded for concurrent readers
// and swapped atomically on reload.
type LiveTable struct {
	mu      sync.RWMutex
	data    Policy
	index   map[string]Mode
	version string
	path    string
}

// NewLiveTable creates a LiveTable from an initial Policy snapshot. If path
// is non-empty, SetRule persists mutations to that file.
func NewLiveTable(initial Policy, path string) *LiveTable {
	lt := &LiveTable{path: path}
	lt.install(initial)
	return lt
}

func (lt *LiveTable) install(p Policy) {
	index := make(map[string]Mode, len(p.Rules))
	for _, r := range p.Rules {
		index[ruleKey(r.ActionType, r.WorkspaceID)] = r.Mode
	}
	lt.data = p
	lt.index = index
	lt.version = policyVersionFor(p)
}

func (lt *LiveTable) Lookup(_ context.Context, actionType, workspaceID string) (Mode, bool, error) {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	mode, ok := lt.index[ruleKey(strings.ToLower(strings.TrimSpace(actionType)), workspaceID)]
	return mode, ok, nil
}

func (lt *LiveTable) PolicyVersion() string {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.version
}

// Reload replaces the table from a fresh Policy snapshot.
func (lt *LiveTable) Reload(p Policy) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	lt.install(p)
}

// Snapshot returns a copy of the current policy data.
func (lt *LiveTable) Snapshot() Policy {
	lt.mu.RLock()
	defer lt.mu.RUnlock()
	return lt.copyLocked()
}

func (lt *LiveTable) copyLocked() Policy {
	cp := lt.data
	cp.Rules = append([]Rule(nil), lt.data.Rules...)
	cp.HighRiskTools = append([]string(nil), lt.data.HighRiskTools...)
	cp.MediumRiskTools = append([]string(nil), lt.data.MediumRiskTools...)
	return cp
}

// SetRule inserts or replaces one rule at runtime and persists the change.
// The read-modify-write holds the write lock throughout.
func (lt *LiveTable) SetRule(r Rule) error {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	next := lt.copyLocked()
	replaced := false
	for i := range next.Rules {
		if strings.EqualFold(next.Rules[i].ActionType, strings.TrimSpace(r.ActionType)) &&
			next.Rules[i].WorkspaceID == workspaceOrGlobal(r.WorkspaceID) {
			next.Rules[i].Mode = r.Mode
			replaced = true
			break
		}
	}
	if !replaced {
		next.Rules = append(next.Rules, r)
	}
	if err := next.normalize(); err != nil {
		return err
	}
	lt.install(next)
	return lt.persist()
}

func workspaceOrGlobal(ws string) string {
	ws = strings.TrimSpace(ws)
	if ws == "" {
		return shared.GlobalWorkspace
	}
	return ws
}

// ReloadFromFile updates the live table only when the incoming file parses
// and validates. On error, the previous table remains active.
func ReloadFromFile(lt *LiveTable, path string) error {
	if lt == nil {
		return fmt.Errorf("nil live table")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lt.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	rules := append([]Rule(nil), p.Rules...)
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].ActionType != rules[j].ActionType {
			return rules[i].ActionType < rules[j].ActionType
		}
		return rules[i].WorkspaceID < rules[j].WorkspaceID
	})
	h := fnv.New64a()
	for _, r := range rules {
		_, _ = h.Write([]byte(r.ActionType + "|" + r.WorkspaceID + "|" + string(r.Mode) + "|"))
	}
	for _, v := range p.HighRiskTools {
		_, _ = h.Write([]byte("high=" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	for _, v := range p.MediumRiskTools {
		_, _ = h.Write([]byte("medium=" + strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lt *LiveTable) persist() error {
	if lt.path == "" {
		return nil
	}
	out, err := yaml.Marshal(&lt.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lt.path, out, 0o644)
}
