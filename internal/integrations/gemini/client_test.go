package gemini

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"pinecone-agent/internal/domain"
)

type fakeModels struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	resp     *genai.GenerateContentResponse
	embed    *genai.EmbedContentResponse
	err      error
}

func (f *fakeModels) GenerateContent(_ context.Context, model string, contents []*genai.Content,
	config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, config
	return f.resp, f.err
}

func (f *fakeModels) EmbedContent(_ context.Context, model string, contents []*genai.Content,
	_ *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	f.model, f.contents = model, contents
	return f.embed, f.err
}

func newTestClient(m Models, opts ...Option) *Client {
	c := newClient(opts...)
	c.models = m
	return c
}

func textResponse(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: parts},
	}}}
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/pinecone")
	require.Error(t, err)
	_, err = NewClient(fakeGetter{}, "  ")
	require.Error(t, err)
}

type fakeGetter struct {
	err error
}

func (f fakeGetter) GetParameter(context.Context, string) (string, error) { return "", f.err }

func TestComplete_KeyFetchFailureSurfaces(t *testing.T) {
	c, err := NewClient(fakeGetter{err: errors.New("ssm down")}, "/pinecone")
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), domain.UserPrompt("", "hi"))
	require.ErrorContains(t, err, "ssm down")
}

func TestComplete_MapsRolesAndSystem(t *testing.T) {
	m := &fakeModels{resp: textResponse(
		&genai.Part{Text: "thinking...", Thought: true},
		&genai.Part{Text: " Hello "},
		&genai.Part{Text: "there"},
	)}
	c := newTestClient(m, WithModel("gemini-test"), WithTemperature(0.2))

	out, err := c.Complete(context.Background(), domain.CompletionRequest{
		System: "persona",
		Messages: []domain.ChatMessage{
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleAssistant, Content: "hey"},
			{Role: domain.RoleSystem, Content: "extra rule"},
			{Role: domain.RoleUser, Content: "how are you"},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello there", out)
	require.Equal(t, "gemini-test", m.model)
	require.Len(t, m.contents, 3)
	require.Equal(t, genai.Role(genai.RoleModel), genai.Role(m.contents[1].Role))
	require.Len(t, m.config.SystemInstruction.Parts, 2)
	require.Equal(t, "extra rule", m.config.SystemInstruction.Parts[1].Text)
	require.Equal(t, float32(0.2), *m.config.Temperature)
	require.Empty(t, m.config.ResponseMIMEType)
}

func TestComplete_Schema(t *testing.T) {
	m := &fakeModels{resp: textResponse(&genai.Part{Text: `{"status":"done","reason":""}`})}
	c := newTestClient(m)

	req := domain.UserPrompt("judge", "input")
	req.Schema = &domain.ResponseSchema{Name: "step_verdict", Schema: []byte(`{"type":"object","required":["status"]}`)}
	_, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "application/json", m.config.ResponseMIMEType)
	require.Equal(t, map[string]any{"type": "object", "required": []any{"status"}}, m.config.ResponseJsonSchema)
}

func TestComplete_Errors(t *testing.T) {
	c := newTestClient(&fakeModels{err: errors.New("quota")})
	_, err := c.Complete(context.Background(), domain.UserPrompt("", "hi"))
	require.ErrorContains(t, err, "quota")

	c = newTestClient(&fakeModels{resp: &genai.GenerateContentResponse{}})
	_, err = c.Complete(context.Background(), domain.UserPrompt("", "hi"))
	require.ErrorContains(t, err, "empty response")

	_, err = c.Complete(context.Background(), domain.CompletionRequest{System: "only system"})
	require.ErrorContains(t, err, "no messages")

	req := domain.UserPrompt("", "x")
	req.Schema = &domain.ResponseSchema{Schema: []byte(`{bad`)}
	_, err = c.Complete(context.Background(), req)
	require.ErrorContains(t, err, "schema")
}

func TestEmbed(t *testing.T) {
	m := &fakeModels{embed: &genai.EmbedContentResponse{
		Embeddings: []*genai.ContentEmbedding{{Values: []float32{0.5, -1}}},
	}}
	c := newTestClient(m, WithEmbeddingModel("embed-test"))

	vec, err := c.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float64{0.5, -1}, vec)
	require.Equal(t, "embed-test", m.model)

	_, err = c.Embed(context.Background(), " ")
	require.Error(t, err)

	c = newTestClient(&fakeModels{embed: &genai.EmbedContentResponse{}})
	_, err = c.Embed(context.Background(), "hello")
	require.ErrorContains(t, err, "no embedding")
}
