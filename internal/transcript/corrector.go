// Package transcript corrects keyword mishearings in final STT transcripts.
//
// Telephone audio is narrow-band, and the words that matter most on an
// outbound call — business names, street names, the caller's own name — are
// exactly the ones the recognizer garbles. The corrector takes the same
// keyword vocabulary that is boosted at the STT provider and repairs
// near-miss token windows in the confirmed transcript before the LLM sees
// them.
//
// For every keyword with n tokens, two window shapes are considered at each
// transcript position:
//
//   - an n-token window, scored by Jaro-Winkler on the full phrase and on
//     the space-stripped concatenation, with a lower threshold when the
//     window shares a Double Metaphone code with the keyword;
//   - an (n+1)-token window for split-word mishearings ("fair view" for
//     "Fairview"), accepted only on a strict concatenated similarity.
//
// The highest-scoring window wins; ties go to the longer window so a
// two-word name is never half-corrected.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// splitThreshold guards the (n+1)-token window. It is strict because a
	// stray leading word concatenated onto a real keyword can still look
	// fairly similar to the keyword alone.
	splitThreshold = 0.92
)

// Option configures a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically-matched window. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for windows with
// no phonetic overlap. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Corrector rewrites near-misses of known keywords inside transcript text.
// It is read-only after construction and safe for concurrent use.
type Corrector struct {
	keywords          []keyword
	phoneticThreshold float64
	fuzzyThreshold    float64
}

type keyword struct {
	canonical string
	lower     string
	tokens    []string
	concat    string
	codes     map[string]struct{}
}

// New builds a Corrector over the given keyword vocabulary. Blank entries
// are ignored; a nil or empty vocabulary yields a Corrector that returns
// its input unchanged.
func New(keywords []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, kw := range keywords {
		trimmed := strings.TrimSpace(kw)
		if trimmed == "" {
			continue
		}
		lower := strings.ToLower(trimmed)
		tokens := strings.Fields(lower)
		c.keywords = append(c.keywords, keyword{
			canonical: trimmed,
			lower:     lower,
			tokens:    tokens,
			concat:    strings.Join(tokens, ""),
			codes:     codesForTokens(tokens),
		})
	}
	return c
}

// Correct returns text with keyword near-misses replaced by their canonical
// spelling. Windows that already equal a keyword case-insensitively are
// normalized to the canonical form too, so "joes diner" and "Joe's diner"
// both come out as the configured "Joe's Diner".
func (c *Corrector) Correct(text string) string {
	if len(c.keywords) == 0 || strings.TrimSpace(text) == "" {
		return text
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))

	for i := 0; i < len(words); {
		replacement, consumed := c.matchAt(words, i)
		if consumed == 0 {
			out = append(out, words[i])
			i++
			continue
		}
		// Carry over the punctuation that trailed the replaced window.
		replacement += trailingPunct(words[i+consumed-1])
		out = append(out, replacement)
		i += consumed
	}

	return strings.Join(out, " ")
}

// matchAt scores every keyword's window shapes at position i and returns
// the canonical spelling of the best one plus the number of consumed
// tokens, or ("", 0) when nothing clears its threshold.
func (c *Corrector) matchAt(words []string, i int) (string, int) {
	var (
		bestKeyword  string
		bestScore    float64
		bestConsumed int
	)
	consider := func(canonical string, score float64, consumed int) {
		if score > bestScore || (score == bestScore && consumed > bestConsumed) {
			bestKeyword, bestScore, bestConsumed = canonical, score, consumed
		}
	}

	for _, kw := range c.keywords {
		n := len(kw.tokens)

		if i+n <= len(words) {
			tokens := windowTokens(words[i : i+n])
			lower := strings.Join(tokens, " ")
			if lower == kw.lower {
				return kw.canonical, n
			}
			score := phraseScore(tokens, lower, kw)
			threshold := c.fuzzyThreshold
			if codesOverlap(codesForTokens(tokens), kw.codes) {
				threshold = c.phoneticThreshold
			}
			if score >= threshold {
				consider(kw.canonical, score, n)
			}
		}

		if i+n+1 <= len(words) {
			tokens := windowTokens(words[i : i+n+1])
			score := matchr.JaroWinkler(strings.Join(tokens, ""), kw.concat, false)
			if score >= c.splitThreshold() {
				consider(kw.canonical, score, n+1)
			}
		}
	}

	return bestKeyword, bestConsumed
}

// splitThreshold never drops below the fuzzy threshold, so tightening the
// options tightens the split-word window too.
func (c *Corrector) splitThreshold() float64 {
	if c.fuzzyThreshold > splitThreshold {
		return c.fuzzyThreshold
	}
	return splitThreshold
}

// phraseScore is the higher of the full-phrase and the space-stripped
// Jaro-Winkler similarity. Per-token pairwise scores are deliberately not
// used: one keyword-like token inside an unrelated window must not rewrite
// the whole window.
func phraseScore(tokens []string, lower string, kw keyword) float64 {
	score := matchr.JaroWinkler(lower, kw.lower, false)
	if len(tokens) > 1 || len(kw.tokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(tokens, ""), kw.concat, false); s > score {
			score = s
		}
	}
	return score
}

// windowTokens lowercases the window and strips edge punctuation per token.
func windowTokens(words []string) []string {
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		t := stripPunct(strings.ToLower(w))
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

// codesForTokens returns the union of Double Metaphone codes for the tokens.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

func stripPunct(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return strings.ContainsRune(`.,!?;:"'`, r)
	})
}

func trailingPunct(s string) string {
	trimmed := strings.TrimRight(s, `.,!?;:"'`)
	return s[len(trimmed):]
}
