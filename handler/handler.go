// Package handler is the Lambda entry point for LINE webhook deliveries. It
// only records inbound messages; replies are produced by the scheduler.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"pinecone-agent/internal/domain"
	"pinecone-agent/internal/integrations/line"
	"pinecone-agent/internal/integrations/paramstore"
)

const (
	correlationHeader = "X-Correlation-Id"

	codeInvalidInput     = "INVALID_INPUT"
	codeUnauthorized     = "UNAUTHORIZED"
	codeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	codeInternal         = "INTERNAL_ERROR"
)

type Inbox interface {
	PushPending(ctx context.Context, m domain.PendingMessage) error
}

type acceptedResponse struct {
	Accepted int `json:"accepted"`
	Skipped  int `json:"skipped"`
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId"`
}

type Handler struct {
	inbox       Inbox
	getter      paramstore.Getter
	secretParam string
	logger      *slog.Logger
	now         func() time.Time

	secretMu sync.Mutex
	secret   string
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler builds a webhook handler. The channel secret is read from
// paramPrefix + "/line-channel-secret" on first use.
func NewHandler(inbox Inbox, getter paramstore.Getter, paramPrefix string, opts ...Option) (*Handler, error) {
	if inbox == nil {
		return nil, errors.New("handler: inbox must not be nil")
	}
	if getter == nil {
		return nil, errors.New("handler: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("handler: parameter prefix must not be empty")
	}
	h := &Handler{
		inbox:       inbox,
		getter:      getter,
		secretParam: paramPrefix + "/line-channel-secret",
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := header(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With("correlation_id", correlationID)

	if req.HTTPMethod != "" && req.HTTPMethod != http.MethodPost {
		return errorJSON(http.StatusMethodNotAllowed, codeMethodNotAllowed, correlationID), nil
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return errorJSON(http.StatusBadRequest, codeInvalidInput, correlationID), nil
		}
		body = decoded
	}

	secret, err := h.channelSecret(ctx)
	if err != nil {
		logger.Error("channel secret unavailable", "err", err)
		return errorJSON(http.StatusInternalServerError, codeInternal, correlationID), nil
	}
	if err := line.VerifySignature(secret, body, header(req.Headers, line.SignatureHeader)); err != nil {
		logger.Warn("webhook rejected", "err", err)
		return errorJSON(http.StatusUnauthorized, codeUnauthorized, correlationID), nil
	}

	texts, skipped, err := line.ParseEvents(body)
	if err != nil {
		logger.Warn("webhook body malformed", "err", err)
		return errorJSON(http.StatusBadRequest, codeInvalidInput, correlationID), nil
	}

	for _, ev := range texts {
		m := h.pending(ev)
		if err := h.inbox.PushPending(ctx, m); err != nil {
			// LINE redelivers on non-2xx; duplicates are dropped by the inbox.
			logger.Error("pending message not stored", "user_id", m.UserID, "message_id", m.MessageID, "err", err)
			return errorJSON(http.StatusInternalServerError, codeInternal, correlationID), nil
		}
	}

	logger.Info("webhook accepted", "messages", len(texts), "skipped", skipped)
	return jsonResponse(http.StatusOK, acceptedResponse{Accepted: len(texts), Skipped: skipped}, correlationID), nil
}

func (h *Handler) pending(ev line.TextEvent) domain.PendingMessage {
	id := strings.TrimSpace(ev.MessageID)
	if id == "" {
		id = uuid.NewString()
	}
	received := ev.SentAt
	if received.Unix() <= 0 {
		received = h.now()
	}
	return domain.PendingMessage{
		UserID:     ev.UserID,
		MessageID:  id,
		Text:       ev.Text,
		ReplyTo:    ev.QuotedID,
		ReplyToken: ev.ReplyToken,
		ReceivedAt: received.UTC(),
	}
}

func (h *Handler) channelSecret(ctx context.Context) (string, error) {
	h.secretMu.Lock()
	defer h.secretMu.Unlock()
	if h.secret != "" {
		return h.secret, nil
	}
	secret, err := paramstore.Token(ctx, h.getter, h.secretParam)
	if err != nil {
		return "", fmt.Errorf("handler: %w", err)
	}
	h.secret = secret
	return secret, nil
}

// header looks name up case-insensitively; API Gateway does not normalise
// header names.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func errorJSON(status int, code, correlationID string) events.APIGatewayProxyResponse {
	return jsonResponse(status, errorResponse{Error: code, CorrelationID: correlationID}, correlationID)
}

func jsonResponse(status int, v any, correlationID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"` + codeInternal + `"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}
