// Package mock provides a test double for the llm package interfaces.
//
// Configure Responses (and/or Chunks) up front; each Complete or
// StreamCompletion call consumes the next configured reply and records the
// request for inspection.
package mock

import (
	"context"
	"sync"

	"github.com/dialvox/dialvox/pkg/provider/llm"
	"github.com/dialvox/dialvox/pkg/types"
)

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Responses are returned from successive Complete calls in order. When
	// exhausted, the last response is repeated.
	Responses []string

	// CompleteErr, if non-nil, is returned as the error from every Complete call.
	CompleteErr error

	// ChunkSets are the chunk sequences emitted by successive
	// StreamCompletion calls. When exhausted, the words of the next Complete
	// response are used, one chunk per word. A terminal "stop" chunk is
	// always appended.
	ChunkSets [][]llm.Chunk

	// StreamErr, if non-nil, is returned as the error from every
	// StreamCompletion call.
	StreamErr error

	// TokensPerMessage is the per-message token count CountTokens reports.
	// Zero means 1.
	TokensPerMessage int

	// Requests records every CompletionRequest passed to Complete or
	// StreamCompletion, in order.
	Requests []llm.CompletionRequest

	respIdx  int
	chunkIdx int
}

// Complete records the request and returns the next configured response.
func (p *Provider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = append(p.Requests, req)
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	return &llm.CompletionResponse{Content: p.nextResponseLocked()}, nil
}

// StreamCompletion records the request and returns a channel fed with the
// next configured chunk set.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	if p.StreamErr != nil {
		p.mu.Unlock()
		return nil, p.StreamErr
	}

	var chunks []llm.Chunk
	if p.chunkIdx < len(p.ChunkSets) {
		chunks = p.ChunkSets[p.chunkIdx]
		p.chunkIdx++
	} else {
		text := p.nextResponseLocked()
		for _, word := range splitWords(text) {
			chunks = append(chunks, llm.Chunk{Text: word})
		}
		chunks = append(chunks, llm.Chunk{FinishReason: "stop"})
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// CountTokens returns TokensPerMessage per message.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	per := p.TokensPerMessage
	if per == 0 {
		per = 1
	}
	return per * len(messages), nil
}

// RecordedRequests returns a copy of all recorded requests. Thread-safe.
func (p *Provider) RecordedRequests() []llm.CompletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.CompletionRequest, len(p.Requests))
	copy(out, p.Requests)
	return out
}

func (p *Provider) nextResponseLocked() string {
	if len(p.Responses) == 0 {
		return ""
	}
	if p.respIdx >= len(p.Responses) {
		return p.Responses[len(p.Responses)-1]
	}
	r := p.Responses[p.respIdx]
	p.respIdx++
	return r
}

// splitWords splits text into whitespace-separated words, re-attaching a
// trailing space so the concatenation of chunks reproduces the text shape.
func splitWords(text string) []string {
	var words []string
	start := -1
	for i, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, text[start:i]+" ")
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	return words
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
