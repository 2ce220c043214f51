package callsession

import "time"

// Timings collects every tunable interval of the session's turn-taking
// machinery. Production uses [DefaultTimings]; tests shrink the windows so a
// full turn cycle runs in milliseconds.
type Timings struct {
	// GreetingDelay is how long after the media start frame the greeting is
	// first attempted.
	GreetingDelay time.Duration

	// PreGreetingIdle is the quiet period required after detected remote
	// speech before the greeting may fire.
	PreGreetingIdle time.Duration

	// MaxGreetingDeferral bounds how long remote speech can push the
	// greeting past the start frame.
	MaxGreetingDeferral time.Duration

	// Debounce windows for confirming a human turn from final transcripts.
	DebounceShortAck    time.Duration
	DebounceSentenceEnd time.Duration
	DebounceLongSilence time.Duration
	DebounceDefault     time.Duration

	// DebounceFloor is the minimum effective debounce after subtracting
	// observed silence.
	DebounceFloor time.Duration

	// LongSilenceAfter is the gap since the prior final transcript beyond
	// which the caller is assumed to be speaking slowly and deliberately.
	LongSilenceAfter time.Duration

	// PostTTSSuppression is the echo-suppression tail added after playback
	// and after DTMF emission.
	PostTTSSuppression time.Duration

	// CompletionDelay is the pause between the completion marker and hangup,
	// long enough for the goodbye audio to drain.
	CompletionDelay time.Duration

	// UnclearDebounce delays the ask-to-repeat reply in case clear speech
	// follows.
	UnclearDebounce time.Duration

	// EmptyTTSGrace is how long to wait for the first decoded chunk after
	// synthesis reports done. EmptyTTSRetryDelay is the pause before the one
	// permitted retry.
	EmptyTTSGrace      time.Duration
	EmptyTTSRetryDelay time.Duration

	// VADThreshold is the normalised RMS level above which a pre-greeting
	// frame counts as remote speech; VADConsecutiveFrames is how many such
	// frames in a row are required.
	VADThreshold         float64
	VADConsecutiveFrames int

	// PreSTTQueueFrames bounds the PCM queue held while STT is connecting.
	// The oldest frame is dropped on overflow.
	PreSTTQueueFrames int
}

// DefaultTimings returns the production timing profile.
func DefaultTimings() Timings {
	return Timings{
		GreetingDelay:        250 * time.Millisecond,
		PreGreetingIdle:      700 * time.Millisecond,
		MaxGreetingDeferral:  2000 * time.Millisecond,
		DebounceShortAck:     180 * time.Millisecond,
		DebounceSentenceEnd:  220 * time.Millisecond,
		DebounceLongSilence:  800 * time.Millisecond,
		DebounceDefault:      500 * time.Millisecond,
		DebounceFloor:        120 * time.Millisecond,
		LongSilenceAfter:     5000 * time.Millisecond,
		PostTTSSuppression:   300 * time.Millisecond,
		CompletionDelay:      3000 * time.Millisecond,
		UnclearDebounce:      1500 * time.Millisecond,
		EmptyTTSGrace:        250 * time.Millisecond,
		EmptyTTSRetryDelay:   200 * time.Millisecond,
		VADThreshold:         0.015,
		VADConsecutiveFrames: 2,
		PreSTTQueueFrames:    500,
	}
}

// withDefaults fills any zero field from the production profile so partial
// Timings structs in tests stay safe.
func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.GreetingDelay == 0 {
		t.GreetingDelay = d.GreetingDelay
	}
	if t.PreGreetingIdle == 0 {
		t.PreGreetingIdle = d.PreGreetingIdle
	}
	if t.MaxGreetingDeferral == 0 {
		t.MaxGreetingDeferral = d.MaxGreetingDeferral
	}
	if t.DebounceShortAck == 0 {
		t.DebounceShortAck = d.DebounceShortAck
	}
	if t.DebounceSentenceEnd == 0 {
		t.DebounceSentenceEnd = d.DebounceSentenceEnd
	}
	if t.DebounceLongSilence == 0 {
		t.DebounceLongSilence = d.DebounceLongSilence
	}
	if t.DebounceDefault == 0 {
		t.DebounceDefault = d.DebounceDefault
	}
	if t.DebounceFloor == 0 {
		t.DebounceFloor = d.DebounceFloor
	}
	if t.LongSilenceAfter == 0 {
		t.LongSilenceAfter = d.LongSilenceAfter
	}
	if t.PostTTSSuppression == 0 {
		t.PostTTSSuppression = d.PostTTSSuppression
	}
	if t.CompletionDelay == 0 {
		t.CompletionDelay = d.CompletionDelay
	}
	if t.UnclearDebounce == 0 {
		t.UnclearDebounce = d.UnclearDebounce
	}
	if t.EmptyTTSGrace == 0 {
		t.EmptyTTSGrace = d.EmptyTTSGrace
	}
	if t.EmptyTTSRetryDelay == 0 {
		t.EmptyTTSRetryDelay = d.EmptyTTSRetryDelay
	}
	if t.VADThreshold == 0 {
		t.VADThreshold = d.VADThreshold
	}
	if t.VADConsecutiveFrames == 0 {
		t.VADConsecutiveFrames = d.VADConsecutiveFrames
	}
	if t.PreSTTQueueFrames == 0 {
		t.PreSTTQueueFrames = d.PreSTTQueueFrames
	}
	return t
}
