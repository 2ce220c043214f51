package convo

import "testing"

func TestFindSentenceBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"period", "Hello there. More text", 12},
		{"question", "Are you open? I need", 14},
		{"exclamation", "Great! Thanks", 7},
		{"no boundary", "still streaming tokens", -1},
		{"terminal without space", "wait...", -1},
		{"decimal number not split", "it costs 3.50 total", -1},
		{"empty", "", -1},
		{"comma below threshold ignored", "yes, ok", -1},
		{
			"comma fallback at length",
			"this clause keeps going and going without end, then more words",
			46,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FindSentenceBoundary(tt.in); got != tt.want {
				t.Errorf("FindSentenceBoundary(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

// The boundary law: for any text with a sentence terminal at index i followed
// by a space, the boundary is i+2.
func TestFindSentenceBoundaryLaw(t *testing.T) {
	for _, term := range []byte{'.', '!', '?'} {
		text := "abcde" + string(term) + " rest"
		i := 5
		if got := FindSentenceBoundary(text); got != i+2 {
			t.Errorf("terminal %q at %d: boundary = %d, want %d", term, i, got, i+2)
		}
	}
}

func TestExtractDTMF(t *testing.T) {
	tests := []struct {
		in        string
		wantText  string
		wantCodes []string
	}{
		{"Please hold. [DTMF:1]", "Please hold.", []string{"1"}},
		{"[DTMF:123] then [DTMF:*#]", "then", []string{"123", "*#"}},
		{"no markers here", "no markers here", nil},
		{"[DTMF:abc] invalid digits", "[DTMF:abc] invalid digits", nil},
	}
	for _, tt := range tests {
		text, codes := ExtractDTMF(tt.in)
		if text != tt.wantText {
			t.Errorf("ExtractDTMF(%q) text = %q, want %q", tt.in, text, tt.wantText)
		}
		if len(codes) != len(tt.wantCodes) {
			t.Fatalf("ExtractDTMF(%q) codes = %v, want %v", tt.in, codes, tt.wantCodes)
		}
		for i := range codes {
			if codes[i] != tt.wantCodes[i] {
				t.Errorf("ExtractDTMF(%q) codes = %v, want %v", tt.in, codes, tt.wantCodes)
			}
		}
	}
}

func TestStripMarkers(t *testing.T) {
	in := "Goodbye now. [DTMF:9] [CALL_COMPLETE]"
	if got := StripMarkers(in); got != "Goodbye now." {
		t.Errorf("StripMarkers(%q) = %q", in, got)
	}
}
