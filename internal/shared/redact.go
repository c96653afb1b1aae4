package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// redactRule replaces the secret part of a match. When keep is set the
// first submatch (the key or scheme) survives.
type redactRule struct {
	name string
	re   *regexp.Regexp
	keep bool
}

var redactRules = []redactRule{
	{name: "key_value", keep: true, re: regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|bearer)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`)},
	{name: "bearer_header", keep: true, re: regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9_\-./+=]{16,}`)},
	{name: "password", keep: true, re: regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{6,}"?`)},
	{name: "google_api_key", re: regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`)},
	{name: "provider_key", re: regexp.MustCompile(`sk-(?:ant-|or-)?[A-Za-z0-9_\-]{20,}`)},
	{name: "private_key", re: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?(?:-----END [A-Z ]*PRIVATE KEY-----|$)`)},
	{name: "session_token", keep: true, re: regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}"?`)},
}

// Redact replaces secret-bearing substrings of log lines, audit reasons and
// error strings with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	out := input
	for _, rule := range redactRules {
		if !rule.keep {
			out = rule.re.ReplaceAllString(out, redactedPlaceholder)
			continue
		}
		out = rule.re.ReplaceAllStringFunc(out, func(match string) string {
			if sub := rule.re.FindStringSubmatch(match); len(sub) >= 2 {
				return sub[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return out
}

var sensitiveKeyTokens = []string{"api_key", "apikey", "secret", "token", "password", "credential", "authorization", "bearer"}

// SensitiveKey reports whether a log attribute or env var name suggests its
// value is a credential.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, tok := range sensitiveKeyTokens {
		if strings.Contains(lower, tok) {
			return true
		}
	}
	return false
}

// MaskJID hides all but the last four characters of the user part of a
// remote identity ("15551234567@s.whatsapp.net" -> "*******4567@s.whatsapp.net").
func MaskJID(jid string) string {
	user, domain, hasDomain := strings.Cut(jid, "@")
	if len(user) <= 4 {
		return jid
	}
	masked := strings.Repeat("*", len(user)-4) + user[len(user)-4:]
	if hasDomain {
		return masked + "@" + domain
	}
	return masked
}
