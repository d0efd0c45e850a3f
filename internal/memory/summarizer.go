package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"pinecone-agent/internal/domain"
)

const (
	DefaultTokenLimit      = 120
	DefaultMaxPartials     = 4
	DefaultTopicSimilarity = 0.84
)

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// TopicSummary is emitted when a run of small summaries is folded into one.
type TopicSummary struct {
	UserID   string
	Text     string
	Partials int
}

type userBuffer struct {
	lines    []string
	tokens   int
	partials []string
}

// Summarizer accumulates each user's conversation and summarises it in two
// tiers: a small summary whenever the buffer exceeds the token limit, and a
// topic summary when the conversation drifts or enough small ones pile up.
type Summarizer struct {
	llm      Completer
	embedder Embedder
	codec    tokenizer.Codec

	tokenLimit  int
	maxPartials int
	similarity  float64

	mu    sync.Mutex
	users map[string]*userBuffer
}

type SummarizerOption func(*Summarizer)

func WithTokenLimit(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 0 {
			s.tokenLimit = n
		}
	}
}

func WithMaxPartials(n int) SummarizerOption {
	return func(s *Summarizer) {
		if n > 1 {
			s.maxPartials = n
		}
	}
}

func WithTopicSimilarity(v float64) SummarizerOption {
	return func(s *Summarizer) {
		if v > 0 {
			s.similarity = v
		}
	}
}

func NewSummarizer(llm Completer, embedder Embedder, opts ...SummarizerOption) (*Summarizer, error) {
	if llm == nil {
		return nil, errors.New("memory: completer must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("memory: embedder must not be nil")
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("memory: load tokenizer: %w", err)
	}
	s := &Summarizer{
		llm:         llm,
		embedder:    embedder,
		codec:       codec,
		tokenLimit:  DefaultTokenLimit,
		maxPartials: DefaultMaxPartials,
		similarity:  DefaultTopicSimilarity,
		users:       make(map[string]*userBuffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Add appends one message and returns a topic summary when one was produced.
func (s *Summarizer) Add(ctx context.Context, userID, role, text string) (*TopicSummary, error) {
	ids, _, err := s.codec.Encode(text)
	if err != nil {
		return nil, fmt.Errorf("memory: count tokens: %w", err)
	}

	s.mu.Lock()
	buf, ok := s.users[userID]
	if !ok {
		buf = &userBuffer{}
		s.users[userID] = buf
	}
	buf.lines = append(buf.lines, role+": "+text)
	buf.tokens += len(ids)
	if buf.tokens <= s.tokenLimit {
		s.mu.Unlock()
		return nil, nil
	}
	chunk := strings.Join(buf.lines, "\n")
	buf.lines, buf.tokens = nil, 0
	s.mu.Unlock()

	small, err := s.summarizeChunk(ctx, chunk)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	buf.partials = append(buf.partials, small)
	partials := append([]string(nil), buf.partials...)
	s.mu.Unlock()

	need, err := s.needTopicSummary(ctx, partials)
	if err != nil || !need {
		return nil, err
	}

	big, err := s.summarizeTopic(ctx, partials)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	buf.partials = buf.partials[len(partials):]
	s.mu.Unlock()
	return &TopicSummary{UserID: userID, Text: big, Partials: len(partials)}, nil
}

func (s *Summarizer) needTopicSummary(ctx context.Context, partials []string) (bool, error) {
	if len(partials) < 2 {
		return false, nil
	}
	if len(partials) >= s.maxPartials {
		return true, nil
	}
	newer, err := s.embedder.Embed(ctx, partials[len(partials)-1])
	if err != nil {
		return false, fmt.Errorf("memory: embed summary: %w", err)
	}
	older, err := s.embedder.Embed(ctx, partials[len(partials)-2])
	if err != nil {
		return false, fmt.Errorf("memory: embed summary: %w", err)
	}
	return Cosine(newer, older) < s.similarity, nil
}

func (s *Summarizer) summarizeChunk(ctx context.Context, chunk string) (string, error) {
	return s.complete(ctx,
		"You are a summarisation assistant. Summarise the conversation concisely in at most 200 words, keeping the key facts.",
		"Conversation to summarise:\n\n"+chunk)
}

func (s *Summarizer) summarizeTopic(ctx context.Context, partials []string) (string, error) {
	return s.complete(ctx,
		"You are a summarisation assistant. Merge the partial summaries into one coherent higher-level summary of at most 300 words.",
		"Partial summaries:\n"+strings.Join(partials, "\n"))
}

func (s *Summarizer) complete(ctx context.Context, system, prompt string) (string, error) {
	out, err := s.llm.Complete(ctx, domain.UserPrompt(system, prompt))
	if err != nil {
		return "", fmt.Errorf("memory: summarise: %w", err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("memory: summarise: empty summary")
	}
	return out, nil
}
