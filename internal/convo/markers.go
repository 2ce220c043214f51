package convo

import (
	"regexp"
	"strings"
)

// MarkerCallComplete is emitted by the model when the goal of the call has
// been reached and the agent should hang up. It never appears in transcripts.
const MarkerCallComplete = "[CALL_COMPLETE]"

// dtmfMarkerRe matches [DTMF:<digits>] protocol markers in model output.
var dtmfMarkerRe = regexp.MustCompile(`\[DTMF:([0-9*#]+)\]`)

// ExtractDTMF removes all [DTMF:<digits>] markers from text and returns the
// speakable remainder together with the digit sequences in order of
// appearance.
func ExtractDTMF(text string) (string, []string) {
	matches := dtmfMarkerRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	sequences := make([]string, 0, len(matches))
	for _, m := range matches {
		sequences = append(sequences, m[1])
	}
	clean := dtmfMarkerRe.ReplaceAllString(text, "")
	return strings.TrimSpace(collapseSpaces(clean)), sequences
}

// StripMarkers removes both protocol markers from text, for transcript use.
func StripMarkers(text string) string {
	text = strings.ReplaceAll(text, MarkerCallComplete, "")
	text = dtmfMarkerRe.ReplaceAllString(text, "")
	return strings.TrimSpace(collapseSpaces(text))
}

// collapseSpaces folds runs of spaces left behind by marker removal.
func collapseSpaces(s string) string {
	for strings.Contains(s, "  ") {
		s = strings.ReplaceAll(s, "  ", " ")
	}
	return s
}
