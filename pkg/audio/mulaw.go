// Package audio implements the telephony audio codec used throughout dialvox:
// G.711 µ-law encode/decode, linear-interpolation resampling, RMS level
// measurement, and DTMF tone synthesis.
//
// All PCM in this package is little-endian signed 16-bit mono. All µ-law is
// 8 kHz mono, the PSTN native format carried by Twilio media streams.
//
// A note on silence: µ-law encodes zero amplitude as 0xFF (the encoding
// complements its output bits). The DTMF inter-digit gap and the
// [LooksLikeMulaw] validator both rely on this convention.
package audio

import "math"

const (
	// mulawBias is the G.711 µ-law encoding bias added before compression.
	mulawBias = 0x84

	// mulawClip is the maximum magnitude representable after biasing.
	mulawClip = 32635

	// MulawSilence is the µ-law byte for zero amplitude.
	MulawSilence = 0xFF

	// MulawSampleRate is the sample rate of all µ-law audio in the system.
	MulawSampleRate = 8000
)

// MulawToPCM16 decodes µ-law bytes into little-endian 16-bit PCM.
// The output is exactly twice the length of the input.
func MulawToPCM16(mulaw []byte) []byte {
	out := make([]byte, len(mulaw)*2)
	for i, b := range mulaw {
		s := DecodeMulawSample(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// PCM16ToMulaw encodes little-endian 16-bit PCM into µ-law bytes.
// A trailing odd byte, which cannot form a sample, is ignored.
func PCM16ToMulaw(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n)
	for i := range n {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = EncodeMulawSample(s)
	}
	return out
}

// DecodeMulawSample expands a single µ-law byte to a 16-bit PCM sample.
func DecodeMulawSample(b byte) int16 {
	b = ^b
	sign := b & 0x80
	exponent := (b >> 4) & 0x07
	mantissa := b & 0x0F

	sample := (int32(mantissa)<<3 + mulawBias) << exponent
	sample -= mulawBias

	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// EncodeMulawSample compresses a 16-bit PCM sample to a single µ-law byte.
func EncodeMulawSample(s int16) byte {
	sample := int32(s)
	sign := byte(0)
	if sample < 0 {
		sign = 0x80
		sample = -sample
	}
	if sample > mulawClip {
		sample = mulawClip
	}
	sample += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && sample&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((sample >> (exponent + 3)) & 0x0F)

	return ^(sign | exponent<<4 | mantissa)
}

// RMS computes the root-mean-square level of little-endian 16-bit PCM,
// normalised to [0, 1]. Returns 0 for empty input.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(n)) / 32768.0
}

// LooksLikeMulaw reports whether data plausibly begins a µ-law stream. The
// heuristic checks that the lead-in decodes to low amplitude — real µ-law
// from a decoder starts at or near the 0xFF silence byte, whereas raw PCM or
// MP3 headers decode to large magnitudes.
func LooksLikeMulaw(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	n := min(len(data), 8)
	for _, b := range data[:n] {
		s := DecodeMulawSample(b)
		if s > 8192 || s < -8192 {
			return false
		}
	}
	return true
}
