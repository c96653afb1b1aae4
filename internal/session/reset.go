package session

import (
	"strings"
	"unicode"
)

// DefaultResetPhrases are the phrases that explicitly end a session.
var DefaultResetPhrases = []string{
	"start over",
	"new session",
	"reset session",
	"new conversation",
	"new chat",
	"start fresh",
	"fresh start",
	"clear context",
	"/reset",
	"/new",
}

// trailingFiller words are ignored at the end of a message before matching,
// so "start over now" still ends with "start over".
var trailingFiller = map[string]struct{}{
	"now":    {},
	"please": {},
	"pls":    {},
	"again":  {},
	"thanks": {},
}

// normalizeMessage lower-cases, collapses whitespace, drops trailing
// punctuation and trailing filler words.
func normalizeMessage(msg string) string {
	words := strings.Fields(strings.ToLower(msg))
	for len(words) > 0 {
		last := strings.TrimRightFunc(words[len(words)-1], func(r rune) bool {
			return unicode.IsPunct(r) && r != '/'
		})
		if last == "" {
			words = words[:len(words)-1]
			continue
		}
		if _, filler := trailingFiller[last]; filler && len(words) > 1 {
			words = words[:len(words)-1]
			continue
		}
		words[len(words)-1] = last
		break
	}
	return strings.Join(words, " ")
}

// MatchesReset reports whether msg asks for a fresh session: an exact
// phrase, a message starting with "<phrase> " or ending with " <phrase>".
func MatchesReset(msg string, phrases []string) bool {
	norm := normalizeMessage(msg)
	if norm == "" {
		return false
	}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if norm == p || strings.HasPrefix(norm, p+" ") || strings.HasSuffix(norm, " "+p) {
			return true
		}
	}
	return false
}
