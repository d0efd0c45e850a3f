package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"pinecone-agent/internal/domain"
	"pinecone-agent/internal/flow"
	"pinecone-agent/internal/memory"
	"pinecone-agent/internal/retry"
)

const (
	DefaultHistoryRows   = 50
	DefaultHistoryTurns  = 10
	DefaultReplyTokenTTL = time.Minute
	DefaultFallbackReply = "Sorry, things are a bit hectic on my side right now. Give me a moment and I'll get back to you!"

	summaryImportance = 0.5
	summaryFrequency  = 1
)

type Store interface {
	EnsureUser(ctx context.Context, userID string) error
	History(ctx context.Context, userID string, limit int) ([]domain.DialogueTurn, error)
	LookupMessage(ctx context.Context, userID, messageID string) (*domain.DialogueTurn, error)
	CommitTurn(ctx context.Context, tc domain.TurnCommit) error
}

type FlowHandler interface {
	Handle(ctx context.Context, userID, input string) (flow.Outcome, error)
}

type IntentDescriber interface {
	Describe(ctx context.Context, msg, replyTo string) ([]string, error)
}

type Completer interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (string, error)
}

type Pacer interface {
	SendTime(received time.Time, reply string) time.Time
}

type MemoryStore interface {
	Retrieve(ctx context.Context, userID, query string) (memory.Recall, error)
	Store(ctx context.Context, userID, text string, importance float64, frequency int) (*domain.Memory, error)
}

type Summarizer interface {
	Add(ctx context.Context, userID, role, text string) (*memory.TopicSummary, error)
}

// Deps are the collaborators of ReplyService. Memory and Summarizer are
// optional.
type Deps struct {
	Store      Store
	Flow       FlowHandler
	Intents    IntentDescriber
	LLM        Completer
	Pacer      Pacer
	Memory     MemoryStore
	Summarizer Summarizer
}

// Outcome describes the reply scheduled for one batch.
type Outcome struct {
	ReplyID  string
	Reply    string
	SendAt   time.Time
	InFlow   bool
	Fallback bool
}

type ReplyService struct {
	deps    Deps
	persona string
	logger  *slog.Logger
	now     func() time.Time

	historyRows   int
	historyTurns  int
	replyTokenTTL time.Duration
	fallback      string
	retry         retry.Policy
}

type Option func(*ReplyService)

func WithLogger(l *slog.Logger) Option {
	return func(s *ReplyService) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *ReplyService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHistory sets how many dialogue rows are loaded and how many folded
// turns reach the prompt.
func WithHistory(rows, turns int) Option {
	return func(s *ReplyService) {
		if rows > 0 {
			s.historyRows = rows
		}
		if turns > 0 {
			s.historyTurns = turns
		}
	}
}

func WithReplyTokenTTL(d time.Duration) Option {
	return func(s *ReplyService) {
		if d > 0 {
			s.replyTokenTTL = d
		}
	}
}

func WithFallbackReply(text string) Option {
	return func(s *ReplyService) {
		if t := strings.TrimSpace(text); t != "" {
			s.fallback = t
		}
	}
}

func WithRetry(p retry.Policy) Option {
	return func(s *ReplyService) {
		s.retry = p
	}
}

func NewReplyService(deps Deps, persona string, opts ...Option) (*ReplyService, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("usecase: store must not be nil")
	case deps.Flow == nil:
		return nil, errors.New("usecase: flow handler must not be nil")
	case deps.Intents == nil:
		return nil, errors.New("usecase: intent describer must not be nil")
	case deps.LLM == nil:
		return nil, errors.New("usecase: completer must not be nil")
	case deps.Pacer == nil:
		return nil, errors.New("usecase: pacer must not be nil")
	}
	if strings.TrimSpace(persona) == "" {
		persona = DefaultPersona
	}
	s := &ReplyService{
		deps:          deps,
		persona:       persona,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:           time.Now,
		historyRows:   DefaultHistoryRows,
		historyTurns:  DefaultHistoryTurns,
		replyTokenTTL: DefaultReplyTokenTTL,
		fallback:      DefaultFallbackReply,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Process satisfies the scheduler's processor contract.
func (s *ReplyService) Process(ctx context.Context, userID string, batch []domain.PendingMessage) error {
	_, err := s.Reply(ctx, userID, batch)
	return err
}

// Reply turns one buffered batch into a scheduled reply and commits the batch.
// On error nothing is committed and the batch stays pending.
func (s *ReplyService) Reply(ctx context.Context, userID string, batch []domain.PendingMessage) (Outcome, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Outcome{}, newError(ErrorInvalidInput, "empty_user", nil)
	}
	if len(batch) == 0 {
		return Outcome{}, newError(ErrorInvalidInput, "empty_batch", nil)
	}
	for _, m := range batch {
		if m.UserID != userID {
			return Outcome{}, newError(ErrorInvalidInput, "foreign_message", nil)
		}
	}
	if err := s.deps.Store.EnsureUser(ctx, userID); err != nil {
		return Outcome{}, newError(ErrorInternal, "ensure_user_error", err)
	}

	input := joinBatch(batch)
	replyTo := s.replyTargets(ctx, userID, batch)
	history := s.history(ctx, userID)

	out := Outcome{ReplyID: newUUID()}
	fo, err := s.deps.Flow.Handle(ctx, userID, input)
	switch {
	case errors.Is(err, flow.ErrOracleUnavailable):
		return Outcome{}, newError(ErrorRetryLater, "oracle_unavailable", err)
	case err != nil:
		s.logger.Warn("flow handling failed, answering in persona", "user_id", userID, "err", err)
	case fo.InFlow && fo.Reply != "":
		out.Reply = fo.Reply
		out.InFlow = true
	}

	if out.Reply == "" {
		text, err := s.personaReply(ctx, userID, input, replyTo, history)
		if err != nil {
			code := ErrorUpstream
			if upstreamStatusCode(err) == http.StatusTooManyRequests {
				code = ErrorRateLimited
			}
			s.logger.Error("reply generation failed, scheduling fallback",
				"user_id", userID, "code", code, "status_code", upstreamStatusCode(err), "err", err)
			text = s.fallback
			out.Fallback = true
		}
		out.Reply = text
	}

	s.summarize(ctx, userID, input, out.Reply)

	last := batch[len(batch)-1]
	received := last.ReceivedAt
	if received.IsZero() {
		received = s.now().UTC()
	}
	out.SendAt = s.deps.Pacer.SendTime(received, out.Reply).UTC()

	reply := domain.ScheduledReply{
		ID:     out.ReplyID,
		UserID: userID,
		Text:   out.Reply,
		SendAt: out.SendAt,
	}
	if token, at := replyToken(batch); token != "" {
		reply.ReplyToken = token
		reply.ReplyTokenExpiry = at.Add(s.replyTokenTTL).UTC()
	}

	turns := make([]domain.DialogueTurn, 0, len(batch)+1)
	for _, m := range batch {
		turns = append(turns, domain.DialogueTurn{
			UserID:    userID,
			MessageID: m.MessageID,
			Role:      domain.RoleUser,
			Content:   m.Text,
			ReplyTo:   m.ReplyTo,
			CreatedAt: m.ReceivedAt.UTC(),
		})
	}
	turns = append(turns, domain.DialogueTurn{
		UserID:    userID,
		MessageID: out.ReplyID,
		Role:      domain.RoleAssistant,
		Content:   out.Reply,
		CreatedAt: out.SendAt,
	})

	err = s.deps.Store.CommitTurn(ctx, domain.TurnCommit{
		UserID:   userID,
		Consumed: batch,
		Turns:    turns,
		Reply:    reply,
	})
	if err != nil {
		return Outcome{}, newError(ErrorInternal, "commit_error", err)
	}

	s.logger.Info("reply scheduled",
		"user_id", userID,
		"reply_id", out.ReplyID,
		"messages", len(batch),
		"in_flow", out.InFlow,
		"fallback", out.Fallback,
		"send_at", out.SendAt,
	)
	return out, nil
}

func (s *ReplyService) personaReply(ctx context.Context, userID, input string, replyTo []string, history string) (string, error) {
	intents, err := s.deps.Intents.Describe(ctx, input, strings.Join(replyTo, " "))
	if err != nil {
		s.logger.Warn("intent description failed", "user_id", userID, "err", err)
		intents = nil
	}

	recall := ""
	if s.deps.Memory != nil {
		r, err := s.deps.Memory.Retrieve(ctx, userID, input)
		if err != nil {
			s.logger.Warn("memory recall failed", "user_id", userID, "err", err)
		} else {
			recall = r.String()
		}
	}

	req := domain.UserPrompt(personaSystemPrompt(s.persona), buildReplyPrompt(replyContext{
		userInput: input,
		replyTo:   replyTo,
		intents:   intents,
		memory:    recall,
		history:   history,
	}))

	p := s.retry
	p.Notify = func(err error, wait time.Duration) {
		s.logger.Warn("reply attempt failed", "user_id", userID, "err", err, "retry_in", wait)
	}
	return retry.Do(ctx, p, func(ctx context.Context) (string, error) {
		raw, err := s.deps.LLM.Complete(ctx, req)
		if err != nil {
			if !retry.Transient(err) {
				return "", retry.Permanent(err)
			}
			return "", err
		}
		text := strings.TrimSpace(raw)
		if text == "" {
			return "", errors.New("usecase: empty reply from model")
		}
		return text, nil
	})
}

// replyTargets returns the texts of the earlier messages the batch quotes.
// Lookup failures only cost context.
func (s *ReplyService) replyTargets(ctx context.Context, userID string, batch []domain.PendingMessage) []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range batch {
		if m.ReplyTo == "" || seen[m.ReplyTo] {
			continue
		}
		seen[m.ReplyTo] = true
		turn, err := s.deps.Store.LookupMessage(ctx, userID, m.ReplyTo)
		if err != nil {
			s.logger.Warn("reply target lookup failed", "user_id", userID, "message_id", m.ReplyTo, "err", err)
			continue
		}
		if turn != nil && strings.TrimSpace(turn.Content) != "" {
			out = append(out, strings.TrimSpace(turn.Content))
		}
	}
	return out
}

func (s *ReplyService) history(ctx context.Context, userID string) string {
	turns, err := s.deps.Store.History(ctx, userID, s.historyRows)
	if err != nil {
		s.logger.Warn("history load failed", "user_id", userID, "err", err)
		return noHistory
	}
	return formatHistory(turns, s.historyTurns)
}

func (s *ReplyService) summarize(ctx context.Context, userID, input, reply string) {
	if s.deps.Summarizer == nil {
		return
	}
	for _, turn := range []struct{ role, text string }{
		{domain.RoleUser, input},
		{domain.RoleAssistant, reply},
	} {
		ts, err := s.deps.Summarizer.Add(ctx, userID, turn.role, turn.text)
		if err != nil {
			s.logger.Warn("summarizer failed", "user_id", userID, "role", turn.role, "err", err)
			continue
		}
		if ts == nil || s.deps.Memory == nil {
			continue
		}
		if _, err := s.deps.Memory.Store(ctx, userID, ts.Text, summaryImportance, summaryFrequency); err != nil {
			s.logger.Warn("topic summary not stored", "user_id", userID, "err", err)
		}
	}
}

// replyToken picks the newest reply token in the batch.
func replyToken(batch []domain.PendingMessage) (string, time.Time) {
	for i := len(batch) - 1; i >= 0; i-- {
		if batch[i].ReplyToken != "" {
			return batch[i].ReplyToken, batch[i].ReceivedAt
		}
	}
	return "", time.Time{}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) int {
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode()
	}
	return 0
}

var newUUID = func() string {
	return uuid.NewString()
}
