// Package intent classifies user messages into the configured label set.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"pinecone-agent/internal/domain"
	"pinecone-agent/internal/knowledge"
	"pinecone-agent/internal/retry"
)

// NoIntent is the label for messages without a clear intent yet.
const NoIntent = "No Clear Intent"

const (
	noIntentDescription = "The conversation is not complete enough to classify."
	keepThreshold       = 0.20
	noIntentThreshold   = 0.50
)

// ErrUnparsable is returned when the model never produced a usable label map.
var ErrUnparsable = errors.New("intent: unparsable classification")

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// Classifier scores a message against a fixed label set.
type Classifier struct {
	llm          Completer
	labels       []knowledge.Label
	descriptions map[string]string
	policy       retry.Policy
	logger       *slog.Logger
}

type Option func(*Classifier)

func WithMaxAttempts(n int) Option {
	return func(c *Classifier) {
		if n > 0 {
			c.policy.MaxAttempts = uint(n)
		}
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(c *Classifier) {
		c.policy.Initial = initial
		c.policy.Max = max
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Classifier) {
		if l != nil {
			c.logger = l
		}
	}
}

func New(llm Completer, labels []knowledge.Label, opts ...Option) (*Classifier, error) {
	if llm == nil {
		return nil, errors.New("intent: completer must not be nil")
	}
	c := &Classifier{
		llm:          llm,
		descriptions: make(map[string]string, len(labels)+1),
		policy:       retry.Policy{MaxAttempts: retry.DefaultMaxAttempts},
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, l := range labels {
		name := strings.TrimSpace(l.Name)
		if name == "" || name == NoIntent {
			continue
		}
		if _, dup := c.descriptions[name]; dup {
			continue
		}
		c.labels = append(c.labels, knowledge.Label{Name: name, Description: l.Description})
		c.descriptions[name] = l.Description
	}
	if len(c.labels) == 0 {
		return nil, errors.New("intent: at least one label is required")
	}
	c.descriptions[NoIntent] = noIntentDescription
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Rough returns a probability per label for msg. replyTo is the text the user
// replied to, empty when none.
func (c *Classifier) Rough(ctx context.Context, msg, replyTo string) (map[string]float64, error) {
	req := domain.UserPrompt(c.systemPrompt(), fmt.Sprintf(
		"Message the user replied to: **%s**\nAnalyse the user's latest message: **%s**",
		orNone(replyTo), strings.TrimSpace(msg),
	))

	var lastParse error
	p := c.policy
	p.Notify = func(err error, wait time.Duration) {
		c.logger.Warn("intent classification attempt failed", "err", err, "retry_in", wait)
	}
	probs, err := retry.Do(ctx, p, func(ctx context.Context) (map[string]float64, error) {
		raw, err := c.llm.Complete(ctx, req)
		if err != nil {
			if !retry.Transient(err) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		probs, err := c.parse(raw)
		if err != nil {
			lastParse = err
			return nil, err
		}
		lastParse = nil
		return probs, nil
	})
	if err != nil {
		if lastParse != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparsable, lastParse)
		}
		return nil, fmt.Errorf("intent: classify: %w", err)
	}
	return probs, nil
}

// Filter keeps labels scoring at least 0.20, highest first. It returns only
// NoIntent when nothing qualifies or NoIntent itself scores 0.50 or more.
func Filter(probs map[string]float64) []string {
	if probs[NoIntent] >= noIntentThreshold {
		return []string{NoIntent}
	}
	var out []string
	for label, p := range probs {
		if label == NoIntent || p < keepThreshold {
			continue
		}
		out = append(out, label)
	}
	if len(out) == 0 {
		return []string{NoIntent}
	}
	sort.Slice(out, func(i, j int) bool {
		if probs[out[i]] != probs[out[j]] {
			return probs[out[i]] > probs[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// MainIntent returns the most probable label for msg. An unparsable
// classification degrades to NoIntent without error.
func (c *Classifier) MainIntent(ctx context.Context, msg string) (string, error) {
	probs, err := c.roughOrDefault(ctx, msg, "")
	if err != nil {
		return NoIntent, err
	}
	best, bestP := "", -1.0
	for label, p := range probs {
		if p > bestP || (p == bestP && label < best) {
			best, bestP = label, p
		}
	}
	if best == "" {
		return NoIntent, nil
	}
	return best, nil
}

// Detect returns the filtered labels for msg.
func (c *Classifier) Detect(ctx context.Context, msg, replyTo string) ([]string, error) {
	probs, err := c.roughOrDefault(ctx, msg, replyTo)
	if err != nil {
		return []string{NoIntent}, err
	}
	return Filter(probs), nil
}

// Describe returns "label: description" lines for the filtered labels of msg.
func (c *Classifier) Describe(ctx context.Context, msg, replyTo string) ([]string, error) {
	labels, err := c.Detect(ctx, msg, replyTo)
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if d := strings.TrimSpace(c.descriptions[l]); d != "" {
			out = append(out, l+": "+d)
			continue
		}
		out = append(out, l)
	}
	return out, err
}

func (c *Classifier) roughOrDefault(ctx context.Context, msg, replyTo string) (map[string]float64, error) {
	probs, err := c.Rough(ctx, msg, replyTo)
	if errors.Is(err, ErrUnparsable) {
		c.logger.Warn("intent classification unparsable, using no intent", "err", err)
		return map[string]float64{NoIntent: 1}, nil
	}
	return probs, err
}

func (c *Classifier) systemPrompt() string {
	lines := []string{
		"Role:",
		"You estimate, for each intent label, the probability that the user's latest message carries it.",
		"",
		"Labels:",
	}
	for _, l := range c.labels {
		lines = append(lines, fmt.Sprintf("- %s: %s", l.Name, strings.TrimSpace(l.Description)))
	}
	lines = append(lines,
		fmt.Sprintf("- %s: %s", NoIntent, noIntentDescription),
		"",
		"Output Contract:",
		"Return one JSON object mapping every label above to a probability between 0 and 1.",
	)
	return strings.Join(lines, "\n")
}

var (
	codeFence   = regexp.MustCompile("(?i)^\\s*```(?:json)?\\s*|\\s*```\\s*$")
	firstObject = regexp.MustCompile(`(?s)\{.*?\}`)
)

func (c *Classifier) parse(raw string) (map[string]float64, error) {
	raw = codeFence.ReplaceAllString(raw, "")
	obj := firstObject.FindString(raw)
	if obj == "" {
		return nil, errors.New("no JSON object in response")
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(obj), &scores); err != nil {
		return nil, fmt.Errorf("decode label map: %w", err)
	}
	out := make(map[string]float64, len(scores))
	for label, p := range scores {
		label = strings.TrimSpace(label)
		if _, known := c.descriptions[label]; !known {
			continue
		}
		out[label] = min(max(p, 0), 1)
	}
	if len(out) == 0 {
		return nil, errors.New("label map has no known labels")
	}
	return out, nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return strings.TrimSpace(s)
}
