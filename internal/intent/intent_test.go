package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pinecone-agent/internal/domain"
	"pinecone-agent/internal/knowledge"
)

type fakeLLM struct {
	replies []string
	errs    []error
	calls   int
	last    domain.CompletionRequest
}

func (f *fakeLLM) Complete(_ context.Context, req domain.CompletionRequest) (string, error) {
	f.last = req
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	return f.replies[i], err
}

var testLabels = []knowledge.Label{
	{Name: "Emotional Support", Description: "needs comfort"},
	{Name: "Information Inquiry", Description: "asks for information"},
	{Name: "Friend Source Flow", Description: "asks how the bot got their contact"},
}

func newClassifier(t *testing.T, llm Completer) *Classifier {
	t.Helper()
	c, err := New(llm, testLabels, WithMaxAttempts(3), WithBackoff(time.Millisecond, time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, testLabels)
	require.Error(t, err)
	_, err = New(&fakeLLM{}, nil)
	require.Error(t, err)
}

func TestRough_StripsFenceAndKeepsKnownLabels(t *testing.T) {
	llm := &fakeLLM{replies: []string{"```json\n{\"Emotional Support\": 0.7, \"Made Up\": 0.9, \"No Clear Intent\": 1.4}\n```"}}
	probs, err := newClassifier(t, llm).Rough(context.Background(), "I feel sad", "")
	require.NoError(t, err)
	require.Equal(t, map[string]float64{"Emotional Support": 0.7, NoIntent: 1}, probs)
	require.Contains(t, llm.last.System, "- Friend Source Flow: asks how the bot got their contact")
	require.Contains(t, llm.last.Messages[0].Content, "replied to: **None**")
}

func TestRough_RetriesThenUnparsable(t *testing.T) {
	llm := &fakeLLM{replies: []string{"I cannot answer that"}}
	_, err := newClassifier(t, llm).Rough(context.Background(), "hi", "")
	require.ErrorIs(t, err, ErrUnparsable)
	require.Equal(t, 3, llm.calls)
}

func TestRough_TransportErrorIsNotUnparsable(t *testing.T) {
	boom := errors.New("connection refused")
	llm := &fakeLLM{replies: []string{""}, errs: []error{boom, boom, boom}}
	_, err := newClassifier(t, llm).Rough(context.Background(), "hi", "")
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrUnparsable)
}

func TestFilter(t *testing.T) {
	require.Equal(t, []string{NoIntent}, Filter(map[string]float64{"A": 0.1, NoIntent: 0.1}))
	require.Equal(t, []string{NoIntent}, Filter(map[string]float64{"A": 0.9, NoIntent: 0.5}))
	require.Equal(t, []string{"B", "A"}, Filter(map[string]float64{"A": 0.2, "B": 0.6, "C": 0.19, NoIntent: 0.3}))
	require.Equal(t, []string{NoIntent}, Filter(nil))
}

func TestMainIntent(t *testing.T) {
	llm := &fakeLLM{replies: []string{`{"Emotional Support": 0.2, "Friend Source Flow": 0.8}`}}
	got, err := newClassifier(t, llm).MainIntent(context.Background(), "why do you have my number")
	require.NoError(t, err)
	require.Equal(t, "Friend Source Flow", got)
}

func TestMainIntent_DegradesOnUnparsable(t *testing.T) {
	llm := &fakeLLM{replies: []string{"no json here"}}
	got, err := newClassifier(t, llm).MainIntent(context.Background(), "??")
	require.NoError(t, err)
	require.Equal(t, NoIntent, got)
}

func TestDescribe(t *testing.T) {
	llm := &fakeLLM{replies: []string{`{"Emotional Support": 0.6, "Information Inquiry": 0.3, "No Clear Intent": 0.1}`}}
	got, err := newClassifier(t, llm).Describe(context.Background(), "sad and confused", "earlier message")
	require.NoError(t, err)
	require.Equal(t, []string{
		"Emotional Support: needs comfort",
		"Information Inquiry: asks for information",
	}, got)
	require.Contains(t, llm.last.Messages[0].Content, "replied to: **earlier message**")
}

func TestDescribe_NoIntent(t *testing.T) {
	llm := &fakeLLM{replies: []string{`{"No Clear Intent": 0.9}`}}
	got, err := newClassifier(t, llm).Describe(context.Background(), "hm", "")
	require.NoError(t, err)
	require.Equal(t, []string{NoIntent + ": " + noIntentDescription}, got)
}
