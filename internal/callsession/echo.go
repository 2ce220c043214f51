package callsession

// Verdict is the echo oracle's classification of one STT transcript event.
type Verdict string

const (
	// VerdictNone means the transcript is genuine caller speech.
	VerdictNone Verdict = "none"

	// VerdictOverlap means the transcript's audio overlapped the agent's own
	// playback window and is self-echo.
	VerdictOverlap Verdict = "overlap"

	// VerdictSpeaking means the agent was actively streaming audio when the
	// transcript arrived.
	VerdictSpeaking Verdict = "speaking"

	// VerdictSuppressed means the transcript arrived inside the post-playback
	// suppression window.
	VerdictSuppressed Verdict = "suppressed"
)

// DecideEcho is the single truthful decision point for whether an STT event
// is real caller speech or self-echo of the agent's audio. transcriptEndMs is
// the word-timing end of the utterance on the session clock, or a negative
// value when the provider gave no word detail.
//
// Precedence is overlap > speaking > suppressed > none: word timing, when
// present, beats every instantaneous check because TTS synthesises faster
// than real time and the telephony buffer keeps playing after the decoder
// has closed.
func DecideEcho(isSpeaking bool, suppressUntilMs, transcriptEndMs, nowMs int64) Verdict {
	if transcriptEndMs >= 0 && transcriptEndMs <= suppressUntilMs {
		return VerdictOverlap
	}
	if isSpeaking {
		return VerdictSpeaking
	}
	if nowMs < suppressUntilMs {
		return VerdictSuppressed
	}
	return VerdictNone
}
