package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"pinecone-agent/internal/domain"
)

// ReplyRequest carries what the reply generator needs for one step.
type ReplyRequest struct {
	UserInput   string
	Intent      string
	StepName    string
	StepContent string
	History     string
	ExtraData   string
	// Reason is the oracle's explanation: what is missing, or why the step is done.
	Reason string
}

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

// Generator writes step replies in the bot persona.
type Generator struct {
	llm     Completer
	persona string
}

func NewGenerator(llm Completer, persona string) (*Generator, error) {
	if llm == nil {
		return nil, errors.New("flow: completer must not be nil")
	}
	return &Generator{llm: llm, persona: strings.TrimSpace(persona)}, nil
}

func (g *Generator) Generate(ctx context.Context, r ReplyRequest) (string, error) {
	prompt := fmt.Sprintf(
		"User input: %s\nUser intent: %s\nCurrent step: %s\nStep content: %s\nSupplementary data:\n%s\nHistory: %s\nCheck result: %s",
		strings.TrimSpace(r.UserInput),
		r.Intent,
		r.StepName,
		strings.TrimSpace(r.StepContent),
		orNone(r.ExtraData),
		orNone(r.History),
		orNone(r.Reason),
	)
	out, err := g.llm.Complete(ctx, domain.UserPrompt(g.systemPrompt(), prompt))
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("flow: empty reply from model")
	}
	return out, nil
}

func (g *Generator) systemPrompt() string {
	return strings.Join([]string{
		g.persona,
		"",
		"You are guiding the user through a procedure one step at a time.",
		"If the check result says something is missing, ask for exactly that, using the step content and supplementary data.",
		"If the step is complete, close the procedure with the final answer the step content describes.",
		"Output only the reply text.",
	}, "\n")
}
