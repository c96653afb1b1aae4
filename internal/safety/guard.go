// Package safety screens text crossing the boundary with external
// classifiers. Messages are checked for prompt injection before they are
// embedded in a prompt, and model output is scanned for secret-like content
// before it is stored.
package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInjection  = errors.New("prompt injection detected")
	ErrSecretLeak = errors.New("secret-like content in model output")
)

type Level int

const (
	LevelAllow Level = iota
	// LevelWarn marks suspicious input that may still be classified.
	LevelWarn
	LevelBlock
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelBlock:
		return "block"
	default:
		return "allow"
	}
}

// Finding is the result of screening one message.
type Finding struct {
	Level  Level
	Reason string
}

// Err returns ErrInjection, wrapped with the reason, for blocking findings.
func (f Finding) Err() error {
	if f.Level == LevelBlock {
		return fmt.Errorf("%w: %s", ErrInjection, f.Reason)
	}
	return nil
}

type rule struct {
	re     *regexp.Regexp
	level  Level
	reason string
}

var injectionRules = []rule{
	{regexp.MustCompile(`(?i)\bignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?|rules?)\b`), LevelBlock, "ignore_previous_instructions"},
	{regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(a|an|the)\s+\w+`), LevelBlock, "identity_override"},
	{regexp.MustCompile(`(?i)\b(new\s+instructions?|override\s+(system\s+)?prompt|system\s+prompt\s+override)\b`), LevelBlock, "system_prompt_override"},
	{regexp.MustCompile(`(?i)\bforget\s+(everything|all|your)\s+(you|instructions?)?`), LevelBlock, "memory_wipe"},
	{regexp.MustCompile(`(?i)\b(reveal|show|display|print|output|repeat)\s+(\w+\s+)?(your\s+)?(system\s+)?(prompt|instructions?|rules?|guidelines?)\b`), LevelBlock, "prompt_extraction"},
	{regexp.MustCompile(`(?i)\bwhat\s+(are|is)\s+your\s+(system\s+)?(prompt|instructions?|rules?)\b`), LevelBlock, "prompt_query"},
	// Output format hijacking aimed at the JSON verdict itself.
	{regexp.MustCompile(`(?i)\b(respond|reply|answer|output)\s+(only\s+)?with\s+\{?\s*"?decision"?\s*:`), LevelBlock, "verdict_forgery"},
	{regexp.MustCompile(`(?i)\[\s*SYSTEM\s*\]`), LevelWarn, "system_tag"},
	{regexp.MustCompile(`(?i)<\s*\|?\s*(system|im_start|im_end)\s*\|?\s*>`), LevelWarn, "chat_template_tag"},
	{regexp.MustCompile(`(aWdub3Jl|SWdub3Jl)`), LevelWarn, "encoded_ignore"},
}

// ScreenMessage checks a message before it is sent to a classifier. The
// first matching rule wins.
func ScreenMessage(msg string) Finding {
	if strings.TrimSpace(msg) == "" {
		return Finding{Level: LevelAllow}
	}
	for _, r := range injectionRules {
		if r.re.MatchString(msg) {
			return Finding{Level: r.level, Reason: r.reason}
		}
	}
	return Finding{Level: LevelAllow}
}

// Leak is one secret-like match in model output.
type Leak struct {
	Kind string
	// Sample is a short prefix of the match, safe to log.
	Sample string
}

var leakRules = []struct {
	re   *regexp.Regexp
	kind string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`), "api_key"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`), "bearer_token"},
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "google_api_key"},
	{regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`), "provider_secret_key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`), "private_key"},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`), "password"},
}

const maxSampleRunes = 6

// ScanOutput reports secret-like content in out without modifying it. At
// most three matches per kind are reported.
func ScanOutput(out string) []Leak {
	if out == "" {
		return nil
	}
	var leaks []Leak
	for _, r := range leakRules {
		for _, m := range r.re.FindAllString(out, 3) {
			sample := m
			if rs := []rune(m); len(rs) > maxSampleRunes {
				sample = string(rs[:maxSampleRunes]) + "..."
			}
			leaks = append(leaks, Leak{Kind: r.kind, Sample: sample})
		}
	}
	return leaks
}

// CheckOutput returns ErrSecretLeak, wrapped with the leak kinds, when out
// carries secret-like content.
func CheckOutput(out string) error {
	leaks := ScanOutput(out)
	if len(leaks) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	var kinds []string
	for _, l := range leaks {
		if _, ok := seen[l.Kind]; ok {
			continue
		}
		seen[l.Kind] = struct{}{}
		kinds = append(kinds, l.Kind)
	}
	return fmt.Errorf("%w: %s", ErrSecretLeak, strings.Join(kinds, ","))
}
