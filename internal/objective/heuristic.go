package objective

import (
	"strings"
	"unicode"

	"github.com/basket/claw-kernel/internal/persistence"
)

// Heuristic is the local, synchronous follow-up classifier. ok is false when
// it abstains.
type Heuristic interface {
	Classify(message string, active *persistence.Objective) (v Verdict, ok bool)
}

// HeuristicFunc adapts a function to Heuristic.
type HeuristicFunc func(message string, active *persistence.Objective) (Verdict, bool)

func (f HeuristicFunc) Classify(message string, active *persistence.Objective) (Verdict, bool) {
	return f(message, active)
}

// KeywordHeuristic classifies by markers and lexical overlap.
type KeywordHeuristic struct {
	NewTaskMarkers  []string
	FollowupMarkers []string
	Acknowledgement []string
	// MinOverlap is the share of the message's content words that must
	// appear in the active objective's title or goal.
	MinOverlap float64
}

func DefaultHeuristic() *KeywordHeuristic {
	return &KeywordHeuristic{
		NewTaskMarkers: []string{
			"new task", "new objective", "new question", "different question", "different topic",
			"unrelated", "something else", "another thing", "switch to", "change of plans",
			"forget that", "instead, let's", "separate question",
		},
		FollowupMarkers: []string{
			"and ", "also ", "what about", "how about", "then ", "can you also", "one more",
			"add ", "make it", "change it", "same but", "continue", "keep going", "go on",
		},
		Acknowledgement: []string{
			"ok", "okay", "k", "thanks", "thank you", "thx", "yes", "yep", "yeah", "sure",
			"go ahead", "do it", "sounds good", "perfect", "great", "cool", "got it", "right",
		},
		MinOverlap: 0.5,
	}
}

// Classify implements Heuristic.
func (h *KeywordHeuristic) Classify(message string, active *persistence.Objective) (Verdict, bool) {
	if !active.IsActive() {
		return Verdict{Decision: DecisionNew, Confidence: 0.95, Reason: "no_active_objective"}, true
	}
	norm := strings.Join(strings.Fields(strings.ToLower(message)), " ")
	bare := strings.TrimRightFunc(norm, unicode.IsPunct)

	for _, m := range h.NewTaskMarkers {
		if strings.Contains(norm, m) {
			return Verdict{Decision: DecisionNew, Confidence: 0.90, Reason: "new_task_marker"}, true
		}
	}
	for _, a := range h.Acknowledgement {
		if bare == a {
			return Verdict{Decision: DecisionContinue, Confidence: 0.90, Reason: "acknowledgement"}, true
		}
	}
	for _, m := range h.FollowupMarkers {
		if strings.HasPrefix(norm, m) || bare == strings.TrimSpace(m) {
			return Verdict{Decision: DecisionContinue, Confidence: 0.90, Reason: "followup_marker"}, true
		}
	}

	msgWords := contentWords(norm)
	if len(msgWords) > 0 {
		objWords := contentWords(strings.ToLower(active.Title + " " + active.Goal))
		shared := 0
		for w := range msgWords {
			if _, ok := objWords[w]; ok {
				shared++
			}
		}
		if shared >= 2 && float64(shared)/float64(len(msgWords)) >= h.MinOverlap {
			return Verdict{Decision: DecisionContinue, Confidence: 0.86, Reason: "lexical_overlap"}, true
		}
	}
	return Verdict{}, false
}

var stopwords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "also": {}, "been": {}, "could": {}, "does": {},
	"from": {}, "have": {}, "into": {}, "just": {}, "like": {}, "make": {}, "more": {},
	"need": {}, "please": {}, "should": {}, "some": {}, "than": {}, "that": {}, "their": {},
	"them": {}, "then": {}, "there": {}, "these": {}, "they": {}, "this": {}, "want": {},
	"what": {}, "when": {}, "where": {}, "which": {}, "will": {}, "with": {}, "would": {},
	"your": {},
}

// contentWords returns the distinct words of at least four letters that are
// not stopwords.
func contentWords(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(w)) < 4 {
			continue
		}
		if _, stop := stopwords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
