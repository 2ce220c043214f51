package convo

// minClauseSplitLen is the buffer length from which a comma is accepted as a
// split point when no sentence terminal has appeared yet. Long clauses are
// sent to TTS early so synthesis overlaps generation.
const minClauseSplitLen = 40

// FindSentenceBoundary returns the index just past the first sentence
// boundary in text, or -1 when no boundary exists yet.
//
// A boundary is a '.', '!' or '?' followed by a whitespace character; the
// returned index points past that whitespace. When the buffer has grown to
// minClauseSplitLen or more without a sentence terminal, a ", " clause break
// is accepted instead.
func FindSentenceBoundary(text string) int {
	for i := 0; i+1 < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			if isSpace(text[i+1]) {
				return i + 2
			}
		}
	}
	if len(text) >= minClauseSplitLen {
		for i := 0; i+1 < len(text); i++ {
			if text[i] == ',' && isSpace(text[i+1]) {
				return i + 2
			}
		}
	}
	return -1
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}
