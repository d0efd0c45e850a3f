// Package gemini implements completion and embedding on Google Gemini.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"pinecone-agent/internal/domain"
	"pinecone-agent/internal/integrations/paramstore"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultEmbeddingModel = "gemini-embedding-001"
)

// Models is the part of *genai.Models the client calls.
type Models interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content,
		config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	EmbedContent(ctx context.Context, model string, contents []*genai.Content,
		config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

type modelsWrapper struct {
	models *genai.Models
}

func (m *modelsWrapper) GenerateContent(ctx context.Context, model string, contents []*genai.Content,
	config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return m.models.GenerateContent(ctx, model, contents, config)
}

func (m *modelsWrapper) EmbedContent(ctx context.Context, model string, contents []*genai.Content,
	config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	return m.models.EmbedContent(ctx, model, contents, config)
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client talks to Gemini. The underlying genai client is created on first use
// with the key stored at paramPrefix + "/gemini-token".
type Client struct {
	model          string
	embeddingModel string
	temperature    *float32

	mu        sync.Mutex
	models    Models
	newModels func(ctx context.Context) (Models, error)
}

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embeddingModel = m
		}
	}
}

func WithTemperature(t float32) Option {
	return func(c *Client) {
		c.temperature = genai.Ptr(t)
	}
}

func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gemini: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("gemini: parameter prefix must not be empty")
	}
	c := newClient(opts...)
	c.newModels = func(ctx context.Context) (Models, error) {
		key, err := paramstore.Token(ctx, ps, paramPrefix+"/gemini-token")
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: create client: %w", err)
		}
		return &modelsWrapper{models: client.Models}, nil
	}
	return c, nil
}

func newClient(opts ...Option) *Client {
	c := &Client{model: defaultModel, embeddingModel: defaultEmbeddingModel}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) resolveModels(ctx context.Context) (Models, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models != nil {
		return c.models, nil
	}
	m, err := c.newModels(ctx)
	if err != nil {
		return nil, err
	}
	c.models = m
	return m, nil
}

// Complete runs one generation. A request schema becomes a JSON response
// constraint.
func (c *Client) Complete(ctx context.Context, req domain.CompletionRequest) (string, error) {
	models, err := c.resolveModels(ctx)
	if err != nil {
		return "", err
	}

	cfg := &genai.GenerateContentConfig{Temperature: c.temperature}
	if s := strings.TrimSpace(req.System); s != "" {
		cfg.SystemInstruction = genai.NewContentFromText(s, genai.RoleUser)
	}
	if req.Schema != nil {
		var schema any
		if err := json.Unmarshal(req.Schema.Schema, &schema); err != nil {
			return "", fmt.Errorf("gemini: decode response schema: %w", err)
		}
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseJsonSchema = schema
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		switch m.Role {
		case domain.RoleAssistant:
			role = genai.RoleModel
		case domain.RoleSystem:
			// Gemini has no system turns; fold them into the instruction.
			if cfg.SystemInstruction == nil {
				cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
			} else {
				cfg.SystemInstruction.Parts = append(cfg.SystemInstruction.Parts, genai.NewPartFromText(m.Content))
			}
			continue
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	if len(contents) == 0 {
		return "", errors.New("gemini: no messages to send")
	}

	resp, err := models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini: generate content: %w", err)
	}
	text := responseText(resp)
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}

// Embed returns the embedding vector of text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("gemini: embedding input must not be empty")
	}
	models, err := c.resolveModels(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := models.EmbedContent(ctx, c.embeddingModel,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini: embed content: %w", err)
	}
	if resp == nil || len(resp.Embeddings) == 0 || resp.Embeddings[0] == nil || len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.New("gemini: no embedding in response")
	}
	vals := resp.Embeddings[0].Values
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = float64(v)
	}
	return out, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if p == nil || p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String())
}
