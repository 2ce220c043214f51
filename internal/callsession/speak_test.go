package callsession

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dialvox/dialvox/pkg/audio"
	ttsmock "github.com/dialvox/dialvox/pkg/provider/tts/mock"
)

// withTransport wires the fake transport without going through media attach,
// so speak cycles can be exercised in isolation.
func withTransport(h *harness) {
	h.s.mu.Lock()
	h.s.transport = h.transport
	h.s.mu.Unlock()
}

func TestSpeakForwardsAudioAndExtendsSuppression(t *testing.T) {
	tt := testTimings()
	tt.GreetingDelay = 10 * time.Second
	h := newHarness(t, tt)
	withTransport(h)

	before := h.s.nowMs()
	if err := h.s.speak(context.Background(), "Hi there."); err != nil {
		t.Fatalf("speak: %v", err)
	}

	ops := h.transport.audioOps()
	if len(ops) != 1 || !bytes.Equal(ops[0], h.tts.Chunks[0]) {
		t.Fatalf("audio ops = %v, want the configured chunk", ops)
	}

	h.s.mu.Lock()
	speaking := h.s.isSpeaking
	suppress := h.s.suppressUntilMs
	h.s.mu.Unlock()
	if speaking {
		t.Error("isSpeaking still set after speak returned")
	}
	if want := before + tt.PostTTSSuppression.Milliseconds(); suppress < want {
		t.Errorf("suppressUntilMs = %d, want ≥ %d", suppress, want)
	}
}

func TestSpeakBargeIn(t *testing.T) {
	tt := testTimings()
	tt.GreetingDelay = 10 * time.Second
	h := newHarness(t, tt)
	withTransport(h)

	first := ttsmock.NewStream()
	second := ttsmock.NewStream()
	second.Emit([]byte{0x51, 0x52})
	second.Finish(nil)
	h.tts.Streams = []*ttsmock.Stream{first, second}

	errA := make(chan error, 1)
	go func() { errA <- h.s.Speak(context.Background(), "First sentence.") }()

	first.Emit([]byte{0x41, 0x42})
	waitUntil(t, time.Second, func() bool {
		return len(h.transport.audioOps()) >= 1
	}, "first utterance audio")

	if err := h.s.Speak(context.Background(), "Second sentence."); err != nil {
		t.Fatalf("second speak: %v", err)
	}
	if err := <-errA; err != nil {
		t.Fatalf("superseded speak returned error: %v", err)
	}

	if !first.Cancelled() {
		t.Error("first TTS stream not cancelled")
	}

	// A clear frame discards the carrier buffer; only the second utterance's
	// audio may follow it.
	ops := h.transport.allOps()
	clearIdx := -1
	for i, op := range ops {
		if op.kind == "clear" {
			clearIdx = i
			break
		}
	}
	if clearIdx < 0 {
		t.Fatal("no clear frame sent on barge-in")
	}
	for _, op := range ops[clearIdx+1:] {
		if op.kind == "audio" && !bytes.Equal(op.data, []byte{0x51, 0x52}) {
			t.Errorf("stale audio after clear: %x", op.data)
		}
	}

	h.s.mu.Lock()
	gen := h.s.generation
	h.s.mu.Unlock()
	if gen != 2 {
		t.Errorf("generation = %d, want 2", gen)
	}

	// Only the surviving utterance is recorded.
	turns := h.assistantTurns()
	if len(turns) != 1 || turns[0].Text != "Second sentence." {
		t.Errorf("assistant turns = %+v, want only the second sentence", turns)
	}
}

func TestSpeakRetriesEmptySynthesisOnce(t *testing.T) {
	tt := testTimings()
	tt.GreetingDelay = 10 * time.Second
	h := newHarness(t, tt)
	withTransport(h)
	h.decoderQueue = []*fakeDecoder{newFakeDecoder(true), newFakeDecoder(false)}

	if err := h.s.Speak(context.Background(), "Hello again."); err != nil {
		t.Fatalf("speak after retry: %v", err)
	}

	spoken := h.tts.SpokenTexts()
	if len(spoken) != 2 || spoken[0] != spoken[1] {
		t.Fatalf("speak attempts = %v, want the same text twice", spoken)
	}
	if turns := h.assistantTurns(); len(turns) != 1 {
		t.Errorf("assistant turns = %d, want 1", len(turns))
	}
}

func TestSpeakFailsAfterSecondEmptySynthesis(t *testing.T) {
	tt := testTimings()
	tt.GreetingDelay = 10 * time.Second
	h := newHarness(t, tt)
	withTransport(h)
	h.decoderQueue = []*fakeDecoder{newFakeDecoder(true), newFakeDecoder(true)}

	err := h.s.Speak(context.Background(), "Hello again.")
	if !errors.Is(err, ErrNoAudio) {
		t.Fatalf("err = %v, want ErrNoAudio", err)
	}
	if turns := h.assistantTurns(); len(turns) != 0 {
		t.Errorf("assistant turns = %d, want 0 for failed speech", len(turns))
	}
}

func TestSendDTMFWritesTonesAndSuppresses(t *testing.T) {
	tt := testTimings()
	tt.GreetingDelay = 10 * time.Second
	h := newHarness(t, tt)
	withTransport(h)

	before := h.s.nowMs()
	h.s.sendDTMF("12")

	ops := h.transport.audioOps()
	if len(ops) != 1 {
		t.Fatalf("audio ops = %d, want 1", len(ops))
	}
	if !bytes.Equal(ops[0], audio.DTMFSequence("12")) {
		t.Error("payload is not the synthesised tone train")
	}

	h.s.mu.Lock()
	suppress := h.s.suppressUntilMs
	h.s.mu.Unlock()
	want := before + int64(audio.DTMFDurationMs(2)) + tt.PostTTSSuppression.Milliseconds()
	if suppress < want {
		t.Errorf("suppressUntilMs = %d, want ≥ %d", suppress, want)
	}
}

func TestSpeakWithoutTransportFails(t *testing.T) {
	h := newHarness(t, testTimings())
	if err := h.s.speak(context.Background(), "Hi."); err == nil {
		t.Fatal("speak without media transport should fail")
	}
}
