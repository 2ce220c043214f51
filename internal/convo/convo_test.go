package convo

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dialvox/dialvox/pkg/provider/llm"
	llmmock "github.com/dialvox/dialvox/pkg/provider/llm/mock"
)

func drain(t *testing.T, r *Reply) []string {
	t.Helper()
	var chunks []string
	for c := range r.Chunks() {
		chunks = append(chunks, c)
	}
	<-r.Done()
	return chunks
}

func TestGreetingStripsCompletionMarker(t *testing.T) {
	p := &llmmock.Provider{Responses: []string{"Hi, I'm an AI assistant calling for a customer. [CALL_COMPLETE]"}}
	m := New(p, "book a table", "", nil)

	g, err := m.Greeting(context.Background())
	if err != nil {
		t.Fatalf("Greeting: %v", err)
	}
	if strings.Contains(g, MarkerCallComplete) {
		t.Errorf("greeting carries completion marker: %q", g)
	}
	if m.IsComplete() {
		t.Error("greeting must never complete the conversation")
	}
	if h := m.History(); len(h) != 1 || h[0].Role != "assistant" {
		t.Errorf("history after greeting = %+v", h)
	}
}

func TestRespondStreamingSentenceChunks(t *testing.T) {
	p := &llmmock.Provider{ChunkSets: [][]llm.Chunk{{
		{Text: "We open "},
		{Text: "at nine. "},
		{Text: "Anything else?"},
		{FinishReason: "stop"},
	}}}
	m := New(p, "ask opening hours", "", nil)

	r, err := m.RespondStreaming(context.Background(), "when do you open", TurnContext{})
	if err != nil {
		t.Fatalf("RespondStreaming: %v", err)
	}
	chunks := drain(t, r)
	if r.Err() != nil {
		t.Fatalf("reply error: %v", r.Err())
	}

	if len(chunks) != 2 {
		t.Fatalf("chunks = %q, want 2", chunks)
	}
	if chunks[0] != "We open at nine." || chunks[1] != "Anything else?" {
		t.Errorf("chunks = %q", chunks)
	}
	if r.Text() != "We open at nine. Anything else?" {
		t.Errorf("full text = %q", r.Text())
	}

	h := m.History()
	if len(h) != 2 || h[0].Role != "user" || h[1].Role != "assistant" {
		t.Fatalf("history = %+v", h)
	}
	if h[0].Content != "when do you open" {
		t.Errorf("history keeps raw human text, got %q", h[0].Content)
	}
}

func TestRespondStreamingCompletionMarker(t *testing.T) {
	p := &llmmock.Provider{ChunkSets: [][]llm.Chunk{{
		{Text: "Thanks, goodbye. "},
		{Text: "[CALL_COMPLETE]"},
		{FinishReason: "stop"},
	}}}
	m := New(p, "goal", "", nil)

	r, err := m.RespondStreaming(context.Background(), "that's all", TurnContext{})
	if err != nil {
		t.Fatalf("RespondStreaming: %v", err)
	}
	chunks := drain(t, r)

	for _, c := range chunks {
		if strings.Contains(c, MarkerCallComplete) {
			t.Errorf("spoken chunk carries marker: %q", c)
		}
	}
	if !m.IsComplete() {
		t.Error("completion marker did not set IsComplete")
	}
	if strings.Contains(r.Text(), MarkerCallComplete) {
		t.Errorf("reply text carries marker: %q", r.Text())
	}
	h := m.History()
	if strings.Contains(h[len(h)-1].Content, MarkerCallComplete) {
		t.Errorf("history carries marker: %q", h[len(h)-1].Content)
	}

	// Once complete, further responses are refused.
	r2, err := m.RespondStreaming(context.Background(), "hello?", TurnContext{})
	if err != nil || r2 != nil {
		t.Errorf("after completion: reply=%v err=%v, want nil,nil", r2, err)
	}
}

func TestRespondStreamingErrorPopsUserTurn(t *testing.T) {
	p := &llmmock.Provider{ChunkSets: [][]llm.Chunk{{
		{Text: "partial "},
		{FinishReason: "error", Text: "upstream 500"},
	}}}
	m := New(p, "goal", "", nil)

	r, err := m.RespondStreaming(context.Background(), "a question", TurnContext{})
	if err != nil {
		t.Fatalf("RespondStreaming: %v", err)
	}
	drain(t, r)
	if r.Err() == nil {
		t.Fatal("expected stream error")
	}
	if h := m.History(); len(h) != 0 {
		t.Errorf("user turn not popped after error: %+v", h)
	}
}

func TestRespondStreamingStartErrorPopsUserTurn(t *testing.T) {
	p := &llmmock.Provider{StreamErr: errors.New("dial failed")}
	m := New(p, "goal", "", nil)

	if _, err := m.RespondStreaming(context.Background(), "hi there friend", TurnContext{}); err == nil {
		t.Fatal("expected start error")
	}
	if h := m.History(); len(h) != 0 {
		t.Errorf("user turn not popped: %+v", h)
	}
}

func TestCannedRepliesSkipLLMAndEnterHistory(t *testing.T) {
	p := &llmmock.Provider{Responses: []string{"first answer"}}
	m := New(p, "find a plumber for a leaking sink in the kitchen", "", nil)

	// Seed an assistant turn so re-engagement applies.
	if _, err := m.Respond(context.Background(), "do you do repairs", TurnContext{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	callsAfterSeed := len(p.RecordedRequests())

	reply, err := m.Respond(context.Background(), "hello?", TurnContext{})
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !strings.Contains(reply, "still here") {
		t.Errorf("re-engagement reply = %q", reply)
	}
	if len(p.RecordedRequests()) != callsAfterSeed {
		t.Error("re-engagement hit the LLM")
	}

	// Repeat returns the last assistant turn, which is now the canned reply.
	got, err := m.Respond(context.Background(), "can you repeat that", TurnContext{})
	if err != nil {
		t.Fatalf("Respond repeat: %v", err)
	}
	if got != reply {
		t.Errorf("repeat = %q, want %q", got, reply)
	}

	h := m.History()
	if h[len(h)-1].Content != got {
		t.Error("canned reply missing from history")
	}
}

func TestReengagementLineBoundsGoal(t *testing.T) {
	long := strings.Repeat("x", 200)
	m := New(&llmmock.Provider{}, long, "", nil)
	if len(m.reengage) > len("Yes, I'm still here. I'm calling about .")+reengageGoalChars {
		t.Errorf("re-engagement line too long: %q", m.reengage)
	}
}

func TestRespondToUnclearSpeech(t *testing.T) {
	m := New(&llmmock.Provider{}, "goal", "", nil)
	reply := m.RespondToUnclearSpeech()
	if reply != cannedUnclear {
		t.Errorf("reply = %q", reply)
	}
	h := m.History()
	if len(h) != 2 || h[0].Content != "[unclear speech]" || h[1].Content != cannedUnclear {
		t.Errorf("history = %+v", h)
	}
}

func TestShortAcknowledgementUsesPromptPrefix(t *testing.T) {
	p := &llmmock.Provider{Responses: []string{"Noted. What time suits you?"}}
	m := New(p, "goal", "", nil)

	if _, err := m.Respond(context.Background(), "sure", TurnContext{ShortAcknowledgement: true}); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	reqs := p.RecordedRequests()
	if len(reqs) != 1 {
		t.Fatalf("requests = %d", len(reqs))
	}
	last := reqs[0].Messages[len(reqs[0].Messages)-1]
	if !strings.Contains(last.Content, "most recent question") {
		t.Errorf("prompt prefix missing: %q", last.Content)
	}
	// History keeps the raw turn, not the prefixed prompt.
	if h := m.History(); h[0].Content != "sure" {
		t.Errorf("history user turn = %q", h[0].Content)
	}
}
