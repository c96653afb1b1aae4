// Package doctor runs the health checks behind `clawkernel doctor`.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/claw-kernel/internal/config"
	"github.com/basket/claw-kernel/internal/cron"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/policy"
)

type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
	StatusSkip Status = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func pass(msg, detail string) CheckResult { return CheckResult{Status: StatusPass, Message: msg, Detail: detail} }
func warn(msg, detail string) CheckResult { return CheckResult{Status: StatusWarn, Message: msg, Detail: detail} }
func fail(msg, detail string) CheckResult { return CheckResult{Status: StatusFail, Message: msg, Detail: detail} }
func skip(msg string) CheckResult         { return CheckResult{Status: StatusSkip, Message: msg} }

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Healthy reports whether no check failed. Warnings do not count.
func (d Diagnosis) Healthy() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return false
		}
	}
	return true
}

// lookupHost is swapped out by tests.
var lookupHost = net.DefaultResolver.LookupHost

var providerEnv = map[string]string{
	"google":            "GEMINI_API_KEY",
	"anthropic":         "ANTHROPIC_API_KEY",
	"openai":            "OPENAI_API_KEY",
	"openai_compatible": "OPENAI_API_KEY",
	"openrouter":        "OPENROUTER_API_KEY",
}

var providerHosts = map[string]string{
	"google":     "generativelanguage.googleapis.com",
	"anthropic":  "api.anthropic.com",
	"openai":     "api.openai.com",
	"openrouter": "openrouter.ai",
}

type check struct {
	name string
	run  func(context.Context, *config.Config) CheckResult
}

// checks run in order; each assumes a non-nil config.
var checks = []check{
	{"Config", checkConfig},
	{"API Key", checkAPIKey},
	{"Database", checkDatabase},
	{"Policy", checkPolicy},
	{"Reaper", checkReaper},
	{"Permissions", checkPermissions},
	{"Network", checkNetwork},
}

// Run executes every check against cfg. A nil cfg fails the config check
// and skips the rest.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
		Results: make([]CheckResult, 0, len(checks)),
	}
	for i, c := range checks {
		var res CheckResult
		switch {
		case cfg == nil && i == 0:
			res = fail("configuration not loaded", "")
		case cfg == nil:
			res = skip("no configuration")
		default:
			res = c.run(ctx, cfg)
		}
		res.Name = c.name
		d.Results = append(d.Results, res)
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	path := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return pass("using defaults (no config.yaml)", path)
	}
	return pass("loaded "+path, "fingerprint="+cfg.Fingerprint())
}

func providerName(cfg *config.Config) string {
	return strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if !cfg.LLMEnabled() {
		return skip("no llm.provider configured; heuristics only")
	}
	provider := providerName(cfg)
	if cfg.ProviderAPIKey(provider) != "" {
		return pass("credential present for "+provider, "")
	}
	envVar, ok := providerEnv[provider]
	if !ok {
		return warn(fmt.Sprintf("unknown provider %q", provider), "")
	}
	return warn(
		fmt.Sprintf("%s is unset; %s classifiers are disabled", envVar, provider),
		fmt.Sprintf("set %s or providers.%s.api_key in config.yaml", envVar, provider),
	)
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return fail("open failed: "+err.Error(), cfg.DBPath)
	}
	defer store.Close()

	rules, err := store.ListRiskPolicies(ctx)
	if err != nil {
		return fail("risk_policies query failed: "+err.Error(), cfg.DBPath)
	}
	return pass("schema up to date", fmt.Sprintf("path=%s stored_rules=%d", cfg.DBPath, len(rules)))
}

func checkPolicy(_ context.Context, cfg *config.Config) CheckResult {
	path := cfg.PolicyPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return warn("no policy file; built-in risk classes only", path)
	}
	p, err := policy.Load(path)
	if err != nil {
		return fail(err.Error(), path)
	}
	return pass(
		fmt.Sprintf("%d rules (version %s)", len(p.Rules), p.PolicyVersion()),
		fmt.Sprintf("path=%s source=%s", path, cfg.Policy.Source),
	)
}

func checkReaper(_ context.Context, cfg *config.Config) CheckResult {
	if !cfg.Reaper.Enabled {
		return skip("idle session reaper disabled")
	}
	next, err := cron.NextRunTime(cfg.Reaper.Schedule, time.Now())
	if err != nil {
		return fail(fmt.Sprintf("bad schedule %q: %v", cfg.Reaper.Schedule, err), "")
	}
	return pass(
		"next sweep "+next.UTC().Format(time.RFC3339),
		fmt.Sprintf("schedule=%q idle_timeout=%s", cfg.Reaper.Schedule, cfg.SessionTimeout()),
	)
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	probe := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return fail("home directory not writable: "+err.Error(), cfg.HomeDir)
	}
	_ = os.Remove(probe)
	return pass("home directory writable", cfg.HomeDir)
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if !cfg.LLMEnabled() {
		return skip("no llm.provider configured")
	}
	provider := providerName(cfg)
	host := providerHosts[provider]
	if base := cfg.ProviderBaseURL(provider); base != "" {
		host = hostOf(base)
	}
	if host == "" {
		return skip(fmt.Sprintf("no endpoint known for provider %q", provider))
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	began := time.Now()
	addrs, err := lookupHost(lookupCtx, host)
	ms := time.Since(began).Milliseconds()
	if err != nil {
		return fail(fmt.Sprintf("cannot resolve %s: %v", host, err), fmt.Sprintf("provider=%s took=%dms", provider, ms))
	}
	return pass(
		fmt.Sprintf("%s resolves to %d address(es) in %dms", host, len(addrs), ms),
		fmt.Sprintf("provider=%s addrs=%s", provider, strings.Join(addrs, ",")),
	)
}

// hostOf extracts the host from a base URL such as "http://localhost:11434/v1".
func hostOf(base string) string {
	s := base
	if _, rest, ok := strings.Cut(s, "://"); ok {
		s = rest
	}
	s, _, _ = strings.Cut(s, "/")
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return s
}
