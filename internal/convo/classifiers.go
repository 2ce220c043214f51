package convo

import (
	"strings"

	"github.com/antzucaro/matchr"
)

// Intent is the pre-classification of a human turn. Classified intents get a
// deterministic reply without an LLM round-trip.
type Intent int

const (
	IntentDefault Intent = iota
	IntentReEngagement
	IntentRepeatRequest
	IntentSpeedComplaint
	IntentIncompleteUtterance
	IntentAnotherOne
	IntentShortAcknowledgement
)

// greetingPhrases are the normalized re-engagement openers. A caller saying
// one of these mid-call has usually stopped hearing the agent and is probing
// whether anyone is still on the line.
var greetingPhrases = []string{
	"hello", "hi", "hey", "hi there", "hello there", "hey there",
	"howdy", "good morning", "good afternoon", "good evening",
	"anyone there", "are you there", "you there", "still there",
}

// repeatPhrases signal a request to hear the last utterance again.
var repeatPhrases = []string{
	"repeat", "say that again", "come again", "pardon",
	"what was that", "say again", "one more time",
}

// speedPhrases signal a complaint about response latency.
var speedPhrases = []string{
	"slow", "lag", "taking too long", "take so long", "taking so long",
	"taking forever", "so long to respond", "hurry",
}

// acknowledgementPhrases are tiny confirmations that carry an answer to the
// agent's most recent question rather than new information.
var acknowledgementPhrases = []string{
	"yes", "yeah", "yep", "yup", "sure", "ok", "okay", "right", "correct",
	"sounds good", "that works", "uh huh", "mhm", "got it", "perfect",
	"great", "alright", "fine", "cool", "no", "nope", "exactly", "definitely",
	"absolutely", "of course", "thanks", "thank you",
}

// interrogatives start a question.
var interrogatives = map[string]bool{
	"what": true, "how": true, "why": true, "when": true, "where": true,
	"who": true, "which": true, "can": true, "could": true, "do": true,
	"does": true, "did": true, "is": true, "are": true, "will": true,
	"would": true, "should": true,
}

// danglingWords end an utterance that was cut off mid-thought: prepositions,
// pronouns, articles and auxiliary verbs.
var danglingWords = map[string]bool{
	"to": true, "for": true, "with": true, "about": true, "of": true,
	"on": true, "in": true, "at": true, "from": true, "by": true,
	"you": true, "your": true, "it": true, "they": true, "we": true,
	"i": true, "me": true, "my": true, "the": true, "a": true, "an": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "do": true, "does": true, "did": true, "can": true,
	"could": true, "will": true, "would": true, "should": true,
}

// Classify determines the intent of a human turn before any network
// round-trip. hasAssistantTurn reports whether the history already contains
// an assistant utterance; shortAck is the caller's turn-context signal.
func Classify(text string, hasAssistantTurn, shortAck bool) Intent {
	norm := normalize(text)

	switch {
	case hasAssistantTurn && matchesPhrase(norm, greetingPhrases):
		return IntentReEngagement
	case containsPhrase(norm, repeatPhrases):
		return IntentRepeatRequest
	case containsPhrase(norm, speedPhrases):
		return IntentSpeedComplaint
	case isIncompleteUtterance(text, norm):
		return IntentIncompleteUtterance
	case hasAssistantTurn && (strings.Contains(norm, "another") || strings.Contains(norm, "one more")):
		return IntentAnotherOne
	case shortAck:
		return IntentShortAcknowledgement
	default:
		return IntentDefault
	}
}

// IsLikelyShortAcknowledgement reports whether text is a tiny yes/sure style
// phrase. Used both for intent classification and for shortening the
// turn-taking debounce window.
func IsLikelyShortAcknowledgement(text string) bool {
	norm := normalize(text)
	if norm == "" || len(strings.Fields(norm)) > 3 {
		return false
	}
	return matchesPhrase(norm, acknowledgementPhrases)
}

// isIncompleteUtterance detects a question cut off mid-thought: 2 to 8 words,
// no terminal punctuation, opens with an interrogative and ends on a
// dangling word.
func isIncompleteUtterance(raw, norm string) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return false
	}
	words := strings.Fields(norm)
	if len(words) < 2 || len(words) > 8 {
		return false
	}
	return interrogatives[words[0]] && danglingWords[words[len(words)-1]]
}

// matchesPhrase reports whether norm equals one of the phrases, tolerating a
// single STT mishearing per token (Damerau-Levenshtein distance ≤ 1).
func matchesPhrase(norm string, phrases []string) bool {
	for _, p := range phrases {
		if fuzzyEqual(norm, p) {
			return true
		}
	}
	return false
}

// containsPhrase reports whether norm contains any of the phrases verbatim.
func containsPhrase(norm string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

// fuzzyEqual compares token-wise with edit distance ≤ 1 per token. Tokens
// shorter than 3 characters must match exactly; "hi" vs "no" is distance 2
// but "hi" vs "h" is 1 and must not pass.
func fuzzyEqual(a, b string) bool {
	at := strings.Fields(a)
	bt := strings.Fields(b)
	if len(at) != len(bt) {
		return false
	}
	for i := range at {
		if at[i] == bt[i] {
			continue
		}
		if len(at[i]) < 3 || len(bt[i]) < 3 {
			return false
		}
		if matchr.DamerauLevenshtein(at[i], bt[i]) > 1 {
			return false
		}
	}
	return true
}

// normalize lowercases text, strips punctuation and collapses whitespace.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	lastSpace := true
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
