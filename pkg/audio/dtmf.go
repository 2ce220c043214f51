package audio

import "math"

// DTMF timing follows ETSI ES 201 235-2 recommendations with a little margin:
// IVR menus reliably detect 160 ms tones separated by 60 ms of silence.
const (
	// DTMFToneDuration is the duration of a single digit tone.
	DTMFToneDurationMs = 160

	// DTMFGapDuration is the silence between consecutive digit tones.
	DTMFGapDurationMs = 60

	// dtmfAmplitude scales each sinusoid pair to 0.3 of full scale. Summed
	// tones peak at 0.6 FS, safely below µ-law clipping.
	dtmfAmplitude = 0.3
)

// dtmfRows and dtmfCols are the standard 4×4 keypad frequencies in Hz.
var (
	dtmfRows = [4]float64{697, 770, 852, 941}
	dtmfCols = [4]float64{1209, 1336, 1477, 1633}
)

// dtmfKeypad maps each digit to its (row, col) position on the keypad.
var dtmfKeypad = map[rune][2]int{
	'1': {0, 0}, '2': {0, 1}, '3': {0, 2}, 'A': {0, 3},
	'4': {1, 0}, '5': {1, 1}, '6': {1, 2}, 'B': {1, 3},
	'7': {2, 0}, '8': {2, 1}, '9': {2, 2}, 'C': {2, 3},
	'*': {3, 0}, '0': {3, 1}, '#': {3, 2}, 'D': {3, 3},
}

// DTMFSequence synthesises the given digit string as µ-law 8 kHz mono audio:
// a 160 ms dual-sinusoid tone per digit with 60 ms of µ-law silence (0xFF)
// between digits. Characters that are not on the DTMF keypad are skipped.
// Returns nil when no digit in the sequence is valid.
func DTMFSequence(digits string) []byte {
	toneSamples := MulawSampleRate * DTMFToneDurationMs / 1000
	gapSamples := MulawSampleRate * DTMFGapDurationMs / 1000

	var out []byte
	first := true
	for _, d := range digits {
		pos, ok := dtmfKeypad[d]
		if !ok {
			continue
		}
		if !first {
			for range gapSamples {
				out = append(out, MulawSilence)
			}
		}
		first = false

		rowHz := dtmfRows[pos[0]]
		colHz := dtmfCols[pos[1]]
		for i := range toneSamples {
			t := float64(i) / MulawSampleRate
			v := dtmfAmplitude * (math.Sin(2*math.Pi*rowHz*t) + math.Sin(2*math.Pi*colHz*t))
			s := int16(v * 32767)
			out = append(out, EncodeMulawSample(s))
		}
	}
	return out
}

// DTMFDurationMs returns the total playback duration in milliseconds of the
// tone sequence for n digits: n tones plus n−1 inter-digit gaps.
func DTMFDurationMs(n int) int {
	if n <= 0 {
		return 0
	}
	return n*DTMFToneDurationMs + (n-1)*DTMFGapDurationMs
}
