package flow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pinecone-agent/internal/domain"
)

type recordingLLM struct {
	out  string
	last domain.CompletionRequest
}

func (r *recordingLLM) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	r.last = req
	return r.out, nil
}

func TestGenerator_Generate(t *testing.T) {
	llm := &recordingLLM{out: "  What grade are you in?  "}
	g, err := NewGenerator(llm, "You are the campus ambassador.")
	require.NoError(t, err)

	got, err := g.Generate(context.Background(), ReplyRequest{
		UserInput:   "I'm Amy",
		Intent:      "Signup Flow",
		StepName:    "grade",
		StepContent: "Ask for the user's grade.",
		Reason:      "grade missing",
	})
	require.NoError(t, err)
	require.Equal(t, "What grade are you in?", got)
	require.Contains(t, llm.last.System, "You are the campus ambassador.")
	require.Contains(t, llm.last.Messages[0].Content, "Check result: grade missing")
	require.Contains(t, llm.last.Messages[0].Content, "History: None")
	require.Nil(t, llm.last.Schema)
}

func TestGenerator_EmptyReply(t *testing.T) {
	g, err := NewGenerator(&recordingLLM{out: " "}, "")
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), ReplyRequest{})
	require.Error(t, err)
}

func TestNewGenerator_NilCompleter(t *testing.T) {
	_, err := NewGenerator(nil, "")
	require.Error(t, err)
}
