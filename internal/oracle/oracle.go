// Package oracle asks the language model whether a flow step is satisfied.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"pinecone-agent/internal/domain"
	"pinecone-agent/internal/retry"
)

type Status string

const (
	StatusDone     Status = "done"
	StatusNotDone  Status = "not_done"
	StatusExitFlow Status = "exit_flow"
)

// Verdict is the oracle's judgement of one step.
type Verdict struct {
	Status Status `json:"status"`
	Reason string `json:"reason"`
}

func (v Verdict) Done() bool { return v.Status == StatusDone }
func (v Verdict) Exit() bool { return v.Status == StatusExitFlow }

// Query is everything the oracle sees about one step.
type Query struct {
	UserInput   string
	StepName    string
	StepContent string
	ExtraData   string
	History     string
}

// ErrUnavailable is matched by every error returned once retries are exhausted.
var ErrUnavailable = errors.New("oracle: unavailable")

// UnavailableError is returned when no well-formed verdict could be obtained.
type UnavailableError struct {
	Step string
	Err  error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("oracle: no verdict for step %q: %v", e.Step, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

const (
	exitStepName    = "exit inquiry"
	exitStepContent = "Detect whether the user wants to stop or cancel the current flow."
)

// Oracle judges flow steps through a JSON-schema constrained completion.
type Oracle struct {
	llm    Completer
	policy retry.Policy
	logger *slog.Logger
}

type Option func(*Oracle)

func WithMaxAttempts(n int) Option {
	return func(o *Oracle) {
		if n > 0 {
			o.policy.MaxAttempts = uint(n)
		}
	}
}

func WithBackoff(initial, max time.Duration) Option {
	return func(o *Oracle) {
		o.policy.Initial = initial
		o.policy.Max = max
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) {
		if l != nil {
			o.logger = l
		}
	}
}

func New(llm Completer, opts ...Option) (*Oracle, error) {
	if llm == nil {
		return nil, errors.New("oracle: completer must not be nil")
	}
	o := &Oracle{
		llm:    llm,
		policy: retry.Policy{MaxAttempts: retry.DefaultMaxAttempts},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Judge returns the verdict for q. Malformed output and transient transport
// errors are retried; after the cap an *UnavailableError is returned.
func (o *Oracle) Judge(ctx context.Context, q Query) (Verdict, error) {
	req := domain.UserPrompt(systemPrompt(), buildPrompt(q))
	req.Schema = verdictSchema()

	p := o.policy
	p.Notify = func(err error, wait time.Duration) {
		o.logger.Warn("oracle attempt failed", "step", q.StepName, "err", err, "retry_in", wait)
	}
	v, err := retry.Do(ctx, p, func(ctx context.Context) (Verdict, error) {
		raw, err := o.llm.Complete(ctx, req)
		if err != nil {
			if !retry.Transient(err) {
				return Verdict{}, retry.Permanent(err)
			}
			return Verdict{}, err
		}
		return parseVerdict(raw)
	})
	if err != nil {
		return Verdict{}, &UnavailableError{Step: q.StepName, Err: err}
	}
	return v, nil
}

// CheckExit asks whether userInput abandons the active flow.
func (o *Oracle) CheckExit(ctx context.Context, userInput, history string) (Verdict, error) {
	return o.Judge(ctx, Query{
		UserInput:   userInput,
		StepName:    exitStepName,
		StepContent: exitStepContent,
		ExtraData:   "None",
		History:     history,
	})
}

func systemPrompt() string {
	return strings.Join([]string{
		"Role:",
		"You check whether one step of a guided conversation has been completed.",
		"",
		"Rules:",
		"1) Judge only the step given in this request.",
		"2) Use the user's latest input, the step content, the supplementary data and the history.",
		"3) If the user clearly wants to stop, cancel or leave the current procedure, return exit_flow.",
		"4) If the step's goal is met, return done.",
		"5) Otherwise return not_done and state in reason what is still missing.",
		"",
		"Output Contract:",
		"Return JSON only with keys status (one of done, not_done, exit_flow) and reason (string).",
	}, "\n")
}

func buildPrompt(q Query) string {
	return fmt.Sprintf(
		"User input: %s\nStep: %s\nStep content: %s\nSupplementary data:\n%s\nHistory: %s",
		strings.TrimSpace(q.UserInput),
		strings.TrimSpace(q.StepName),
		strings.TrimSpace(q.StepContent),
		orNone(q.ExtraData),
		orNone(q.History),
	)
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return s
}

func verdictSchema() *domain.ResponseSchema {
	return &domain.ResponseSchema{
		Name: "step_verdict",
		Schema: json.RawMessage(`{
			"type":"object",
			"additionalProperties":false,
			"properties":{
				"status":{"type":"string","enum":["done","not_done","exit_flow"]},
				"reason":{"type":"string"}
			},
			"required":["status","reason"]
		}`),
	}
}

func parseVerdict(raw string) (Verdict, error) {
	var out Verdict
	dec := json.NewDecoder(bytes.NewBufferString(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return Verdict{}, fmt.Errorf("oracle: decode verdict: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return Verdict{}, errors.New("oracle: decode verdict: multiple JSON values")
		}
		return Verdict{}, fmt.Errorf("oracle: decode verdict trailing data: %w", err)
	}
	switch out.Status {
	case StatusDone, StatusNotDone, StatusExitFlow:
	default:
		return Verdict{}, fmt.Errorf("oracle: unknown verdict status %q", out.Status)
	}
	out.Reason = strings.TrimSpace(out.Reason)
	return out, nil
}
