// Package convo implements the conversation manager: a stateful chat with an
// LLM that drives a goal-oriented phone call. Frequent caller intents
// (repeat, speed complaint, re-engagement, incomplete utterance) are
// classified up front and answered with deterministic canned replies so the
// caller is never left waiting on a network round-trip for them.
//
// Model output carries two protocol markers that never reach transcripts:
// [CALL_COMPLETE] marks the goal as reached, [DTMF:<digits>] requests
// keypad tones.
package convo

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/types"
)

// Canned replies used by the pre-classified intents.
const (
	cannedRepeatApology = "I'm sorry, I don't have anything to repeat yet."
	cannedSpeedReply    = "Sorry about that. Please continue."
	cannedIncomplete    = "Sorry, could you finish that?"
	cannedUnclear       = "Sorry, I didn't catch that. Could you say that again?"
)

const (
	defaultTemperature = 0.7
	defaultMaxTokens   = 200

	// maxHistoryTokens caps the conversation history sent to the model.
	// Oldest turns are dropped beyond it.
	maxHistoryTokens = 6000

	// minKeptTurns is never trimmed away, so the model always sees the
	// recent exchange.
	minKeptTurns = 8

	// reengageGoalChars bounds how much of the goal the memoized
	// re-engagement line quotes.
	reengageGoalChars = 60
)

// TurnContext carries per-turn signals computed by the session from the call
// transcript.
type TurnContext struct {
	// ShortAcknowledgement is true when the turn is a tiny yes/sure phrase.
	ShortAcknowledgement bool

	// LastAssistantUtterance is the most recent assistant transcript entry.
	LastAssistantUtterance string

	// LastAssistantQuestion is the most recent assistant entry ending in a
	// question mark, if any.
	LastAssistantQuestion string
}

// Manager owns the conversation history of one call.
//
// All methods are safe for concurrent use, though in practice the session
// loop is the only caller.
type Manager struct {
	provider llm.Provider
	logger   *slog.Logger

	goal        string
	callContext string
	system      string
	reengage    string

	mu       sync.Mutex
	history  []types.Message
	complete bool
}

// New creates a Manager for a call with the given goal and optional context.
func New(provider llm.Provider, goal, callContext string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		provider:    provider,
		logger:      logger,
		goal:        goal,
		callContext: callContext,
		system:      buildSystemPrompt(goal, callContext),
		reengage:    buildReengagement(goal),
	}
}

// IsComplete reports whether the model has marked the call goal as reached.
func (m *Manager) IsComplete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.complete
}

// History returns a copy of the conversation history.
func (m *Manager) History() []types.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Message, len(m.history))
	copy(out, m.history)
	return out
}

// Greeting produces the opening line of the call: one short sentence that
// introduces the agent as an AI calling on behalf of a customer. A greeting
// can never complete the call; a stray completion marker is stripped.
func (m *Manager) Greeting(ctx context.Context) (string, error) {
	resp, err := m.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: m.system,
		Messages: []types.Message{{
			Role: "user",
			Content: "Open the call now. One sentence, under 15 words: say you are " +
				"an AI assistant calling on behalf of a customer and state the " +
				"general purpose of the call. Do not ask for anything yet.",
		}},
		Temperature: defaultTemperature,
		MaxTokens:   60,
	})
	if err != nil {
		return "", fmt.Errorf("convo: greeting: %w", err)
	}

	greeting := strings.TrimSpace(strings.ReplaceAll(resp.Content, MarkerCallComplete, ""))

	m.mu.Lock()
	m.complete = false
	m.history = append(m.history, types.Message{Role: "assistant", Content: greeting})
	m.mu.Unlock()

	return greeting, nil
}

// Respond produces the agent's reply to a human turn. Returns ("", nil) when
// the conversation has already completed. Classified intents answer from the
// canned table without touching the LLM; canned replies are still appended
// to history so the next model turn sees them.
func (m *Manager) Respond(ctx context.Context, humanText string, tc TurnContext) (string, error) {
	r, err := m.RespondStreaming(ctx, humanText, tc)
	if err != nil {
		return "", err
	}
	if r == nil {
		return "", nil
	}
	for range r.Chunks() {
	}
	<-r.Done()
	if err := r.Err(); err != nil {
		return "", err
	}
	return r.Text(), nil
}

// NoteAssistant records an assistant utterance produced outside the model
// loop (an operator-injected line) so the next model turn sees it.
func (m *Manager) NoteAssistant(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, types.Message{Role: "assistant", Content: text})
}

// RespondToUnclearSpeech records an unintelligible turn and returns the
// canned ask-to-repeat reply.
func (m *Manager) RespondToUnclearSpeech() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history,
		types.Message{Role: "user", Content: "[unclear speech]"},
		types.Message{Role: "assistant", Content: cannedUnclear},
	)
	return cannedUnclear
}

// RespondStreaming is the streaming variant of Respond: the returned Reply
// yields sentence chunks as the model streams, so synthesis can start before
// generation finishes. Canned-intent paths yield the whole reply as a single
// chunk. Returns (nil, nil) when the conversation has already completed.
func (m *Manager) RespondStreaming(ctx context.Context, humanText string, tc TurnContext) (*Reply, error) {
	m.mu.Lock()
	if m.complete {
		m.mu.Unlock()
		return nil, nil
	}
	hasAssistant := false
	for _, msg := range m.history {
		if msg.Role == "assistant" {
			hasAssistant = true
			break
		}
	}
	m.mu.Unlock()

	intent := Classify(humanText, hasAssistant, tc.ShortAcknowledgement)

	switch intent {
	case IntentReEngagement:
		return m.cannedReply(humanText, m.reengage), nil
	case IntentRepeatRequest:
		reply := m.lastAssistantTurn()
		if reply == "" {
			reply = cannedRepeatApology
		}
		return m.cannedReply(humanText, reply), nil
	case IntentSpeedComplaint:
		return m.cannedReply(humanText, cannedSpeedReply), nil
	case IntentIncompleteUtterance:
		return m.cannedReply(humanText, cannedIncomplete), nil
	}

	prompt := humanText
	switch intent {
	case IntentAnotherOne:
		prompt = "The caller wants another option. Do not repeat anything you " +
			"already offered. Caller said: " + humanText
	case IntentShortAcknowledgement:
		prompt = "Interpret this as the caller's answer to your most recent " +
			"question, then ask exactly one next question. Caller said: " + humanText
	}

	return m.streamLLM(ctx, humanText, prompt)
}

// cannedReply appends the turn pair to history as if the model produced it
// and returns a pre-completed Reply.
func (m *Manager) cannedReply(humanText, reply string) *Reply {
	m.mu.Lock()
	m.history = append(m.history,
		types.Message{Role: "user", Content: humanText},
		types.Message{Role: "assistant", Content: reply},
	)
	m.mu.Unlock()

	r := newReply(1)
	r.chunks <- reply
	r.finish(reply, nil)
	return r
}

// streamLLM appends the user turn, streams the completion, and emits
// sentence chunks. On any model error the user turn is popped so history
// stays clean for the next attempt.
func (m *Manager) streamLLM(ctx context.Context, humanText, prompt string) (*Reply, error) {
	m.mu.Lock()
	m.history = append(m.history, types.Message{Role: "user", Content: humanText})
	m.trimHistoryLocked()
	messages := make([]types.Message, len(m.history))
	copy(messages, m.history)
	m.mu.Unlock()

	// The classification prefix is what the model sees for this turn, but
	// the raw human text is what history keeps.
	messages[len(messages)-1] = types.Message{Role: "user", Content: prompt}

	chunks, err := m.provider.StreamCompletion(ctx, llm.CompletionRequest{
		SystemPrompt: m.system,
		Messages:     messages,
		Temperature:  defaultTemperature,
		MaxTokens:    defaultMaxTokens,
	})
	if err != nil {
		m.popUserTurn()
		return nil, fmt.Errorf("convo: start completion: %w", err)
	}

	r := newReply(8)
	go m.forwardSentences(ctx, chunks, r)
	return r, nil
}

// forwardSentences accumulates streamed deltas and emits each completed
// sentence as soon as its boundary appears; the remainder goes out when the
// stream closes.
func (m *Manager) forwardSentences(ctx context.Context, chunks <-chan llm.Chunk, r *Reply) {
	var full, buf strings.Builder

	emit := func(s string) bool {
		s = strings.TrimSpace(strings.ReplaceAll(s, MarkerCallComplete, ""))
		if s == "" {
			return true
		}
		select {
		case r.chunks <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for c := range chunks {
		if c.FinishReason == "error" {
			m.popUserTurn()
			r.finish("", fmt.Errorf("convo: completion stream: %s", c.Text))
			return
		}
		if c.Text != "" {
			full.WriteString(c.Text)
			buf.WriteString(c.Text)
			for {
				idx := FindSentenceBoundary(buf.String())
				if idx < 0 {
					break
				}
				sentence := buf.String()[:idx]
				rest := buf.String()[idx:]
				buf.Reset()
				buf.WriteString(rest)
				if !emit(sentence) {
					r.finish("", ctx.Err())
					return
				}
			}
		}
	}

	if ctx.Err() != nil {
		m.popUserTurn()
		r.finish("", ctx.Err())
		return
	}

	if !emit(buf.String()) {
		r.finish("", ctx.Err())
		return
	}

	text := full.String()
	completed := strings.Contains(text, MarkerCallComplete)
	clean := strings.TrimSpace(collapseSpaces(strings.ReplaceAll(text, MarkerCallComplete, "")))

	m.mu.Lock()
	if completed {
		m.complete = true
	}
	m.history = append(m.history, types.Message{Role: "assistant", Content: clean})
	m.mu.Unlock()

	if completed {
		m.logger.Debug("conversation marked complete")
	}
	r.finish(clean, nil)
}

// lastAssistantTurn returns the most recent assistant message, or "".
func (m *Manager) lastAssistantTurn() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Role == "assistant" {
			return m.history[i].Content
		}
	}
	return ""
}

// popUserTurn removes the trailing user message after a failed model call.
func (m *Manager) popUserTurn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := len(m.history); n > 0 && m.history[n-1].Role == "user" {
		m.history = m.history[:n-1]
	}
}

// trimHistoryLocked drops the oldest turns once the history exceeds the
// token budget. m.mu must be held.
func (m *Manager) trimHistoryLocked() {
	for len(m.history) > minKeptTurns {
		n, err := m.provider.CountTokens(m.history)
		if err != nil || n <= maxHistoryTokens {
			return
		}
		m.history = m.history[1:]
	}
}

// buildSystemPrompt assembles the call instructions for the model.
func buildSystemPrompt(goal, callContext string) string {
	var b strings.Builder
	b.WriteString("You are a polite, efficient AI assistant making a phone call on behalf of a customer.\n")
	b.WriteString("Goal of this call: ")
	b.WriteString(goal)
	b.WriteString("\n")
	if callContext != "" {
		b.WriteString("Additional context: ")
		b.WriteString(callContext)
		b.WriteString("\n")
	}
	b.WriteString("Rules:\n")
	b.WriteString("- Speak in short sentences. Ask at most one question per turn.\n")
	b.WriteString("- This is a voice call: never use lists, markdown, or emoji.\n")
	b.WriteString("- To press phone keypad digits (IVR menus), write [DTMF:<digits>] " +
		"after the sentence announcing it, e.g. \"I'll press one now. [DTMF:1]\".\n")
	b.WriteString("- When the goal is fully achieved or clearly unreachable, say a brief " +
		"goodbye and append [CALL_COMPLETE] as the very last thing.\n")
	return b.String()
}

// buildReengagement builds the memoized line used when the caller says
// "hello?" mid-call, quoting at most reengageGoalChars of the goal.
func buildReengagement(goal string) string {
	g := strings.TrimSpace(goal)
	if len(g) > reengageGoalChars {
		g = strings.TrimSpace(g[:reengageGoalChars])
	}
	if g == "" {
		return "Yes, I'm still here. Sorry about the pause."
	}
	return "Yes, I'm still here. I'm calling about " + g + "."
}

// ─── Reply ───

// Reply is one in-flight agent response. Chunks yields speakable sentence
// fragments in order; Done closes when the response is fully assembled.
type Reply struct {
	chunks chan string
	done   chan struct{}

	mu   sync.Mutex
	text string
	err  error
}

func newReply(buffer int) *Reply {
	return &Reply{
		chunks: make(chan string, buffer),
		done:   make(chan struct{}),
	}
}

// Chunks returns the channel of sentence chunks. Closed when the reply ends.
func (r *Reply) Chunks() <-chan string { return r.chunks }

// Done is closed after the final chunk has been emitted and the history
// updated.
func (r *Reply) Done() <-chan struct{} { return r.done }

// Err returns the terminal error of the reply. Only meaningful after Done.
func (r *Reply) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Text returns the full response text with the completion marker stripped.
// DTMF markers are preserved; the session extracts them per chunk. Only
// meaningful after Done.
func (r *Reply) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.text
}

func (r *Reply) finish(text string, err error) {
	r.mu.Lock()
	r.text = text
	r.err = err
	r.mu.Unlock()
	close(r.chunks)
	close(r.done)
}
