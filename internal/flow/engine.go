// Package flow runs users through multi-step guided dialogues.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"pinecone-agent/internal/domain"
	"pinecone-agent/internal/knowledge"
	"pinecone-agent/internal/lock"
	"pinecone-agent/internal/oracle"
)

const (
	DefaultCacheSize    = 1024
	DefaultCacheTTL     = 30 * time.Minute
	DefaultHistoryLimit = 10
)

// ErrOracleUnavailable means the turn could not be judged and nothing was
// advanced. The input should be retried later.
var ErrOracleUnavailable = errors.New("flow: step oracle unavailable")

// OracleFailure selects what Handle does when the oracle gives no verdict.
type OracleFailure string

const (
	// OracleFailureDefer aborts the turn with ErrOracleUnavailable.
	OracleFailureDefer OracleFailure = "defer"
	// OracleFailureFallback treats the step as not done and asks the user again.
	OracleFailureFallback OracleFailure = "fallback"
)

func ParseOracleFailure(s string) (OracleFailure, error) {
	switch p := OracleFailure(strings.ToLower(strings.TrimSpace(s))); p {
	case "", OracleFailureDefer:
		return OracleFailureDefer, nil
	case OracleFailureFallback:
		return p, nil
	default:
		return "", fmt.Errorf("flow: unknown oracle failure policy %q", s)
	}
}

// Outcome is the result of one turn. An empty Reply means the flow engine has
// nothing to say and general handling should answer.
type Outcome struct {
	Reply  string
	InFlow bool
}

type StateStore interface {
	LoadFlowState(ctx context.Context, userID string) (*domain.FlowState, int, error)
	SaveFlowState(ctx context.Context, userID string, state *domain.FlowState, stage int) error
	FetchTable(ctx context.Context, table string, columns []string) ([]domain.Record, error)
}

type Judge interface {
	Judge(ctx context.Context, q oracle.Query) (oracle.Verdict, error)
	CheckExit(ctx context.Context, userInput, history string) (oracle.Verdict, error)
}

type IntentClassifier interface {
	MainIntent(ctx context.Context, msg string) (string, error)
}

type Knowledge interface {
	FlowTopic(intent string) string
	StepsFor(topic string) []domain.Step
	DataFor(keys []string) []knowledge.Entry
	Columns(table string) ([]string, bool)
}

type ReplyGenerator interface {
	Generate(ctx context.Context, r ReplyRequest) (string, error)
}

type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type session struct {
	intent  string
	steps   []domain.Step
	index   int
	history []string
}

func (s *session) clone() *session {
	c := *s
	c.history = append([]string(nil), s.history...)
	return &c
}

func (s *session) matches(state *domain.FlowState, stage int) bool {
	if s.intent != state.Intent || s.index != stage || len(s.steps) != len(state.Steps) {
		return false
	}
	for i := range s.steps {
		if s.steps[i].Name != state.Steps[i].Name {
			return false
		}
	}
	return true
}

func (s *session) state() *domain.FlowState {
	return &domain.FlowState{Intent: s.intent, Steps: s.steps}
}

// Engine is the flow state machine. Handle is serialised per user and reads
// the persisted state on every turn; the in-memory cache only carries turn
// history between turns.
type Engine struct {
	store     StateStore
	judge     Judge
	intents   IntentClassifier
	kb        Knowledge
	generator ReplyGenerator
	locks     Locker
	logger    *slog.Logger

	cacheSize    int
	cacheTTL     time.Duration
	historyLimit int
	onFailure    OracleFailure

	sessions *expirable.LRU[string, *session]
}

type Option func(*Engine)

func WithCache(size int, ttl time.Duration) Option {
	return func(e *Engine) {
		if size > 0 {
			e.cacheSize = size
		}
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

func WithHistoryLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyLimit = n
		}
	}
}

func WithOracleFailure(p OracleFailure) Option {
	return func(e *Engine) {
		if p != "" {
			e.onFailure = p
		}
	}
}

func WithLocker(l Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locks = l
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(store StateStore, judge Judge, intents IntentClassifier, kb Knowledge, gen ReplyGenerator, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("flow: state store must not be nil")
	}
	if judge == nil {
		return nil, errors.New("flow: judge must not be nil")
	}
	if intents == nil {
		return nil, errors.New("flow: intent classifier must not be nil")
	}
	if kb == nil {
		return nil, errors.New("flow: knowledge must not be nil")
	}
	if gen == nil {
		return nil, errors.New("flow: reply generator must not be nil")
	}
	e := &Engine{
		store:        store,
		judge:        judge,
		intents:      intents,
		kb:           kb,
		generator:    gen,
		locks:        lock.NewLocal(),
		logger:       slog.New(slog.DiscardHandler),
		cacheSize:    DefaultCacheSize,
		cacheTTL:     DefaultCacheTTL,
		historyLimit: DefaultHistoryLimit,
		onFailure:    OracleFailureDefer,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sessions = expirable.NewLRU[string, *session](e.cacheSize, nil, e.cacheTTL)
	return e, nil
}

// Handle runs one user turn through the flow machine.
func (e *Engine) Handle(ctx context.Context, userID, input string) (Outcome, error) {
	unlock, err := e.locks.Lock(ctx, userID)
	if err != nil {
		return Outcome{}, fmt.Errorf("flow: lock user: %w", err)
	}
	defer unlock()

	s, err := e.session(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}

	if s != nil {
		v, err := e.judge.CheckExit(ctx, input, e.joinHistory(s.history))
		switch {
		case err != nil:
			e.logger.Warn("exit check failed, staying in flow", "user_id", userID, "err", err)
		case v.Exit():
			e.logger.Info("flow exited by user", "user_id", userID, "intent", s.intent, "stage", s.index)
			return Outcome{}, e.teardown(ctx, userID)
		}
	}

	if s == nil {
		s, err = e.start(ctx, userID, input)
		if err != nil || s == nil {
			return Outcome{}, err
		}
	}

	if s.index >= len(s.steps) {
		return Outcome{}, e.teardown(ctx, userID)
	}

	out, err := e.run(ctx, userID, input, s.clone())
	if err != nil {
		// The cached session may be ahead of the store; reload next time.
		e.sessions.Remove(userID)
		return Outcome{}, err
	}
	return out, nil
}

// session returns the user's session as persisted in the store. The store is
// authoritative; a cached session is reused only while it still matches the
// persisted intent and stage, so its turn history survives.
func (e *Engine) session(ctx context.Context, userID string) (*session, error) {
	state, stage, err := e.store.LoadFlowState(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("flow: load state: %w", err)
	}
	if state == nil || state.Intent == "" || len(state.Steps) == 0 {
		e.sessions.Remove(userID)
		return nil, nil
	}
	stage = max(stage, 0)
	if s, ok := e.sessions.Get(userID); ok && s.matches(state, stage) {
		return s, nil
	}
	s := &session{intent: state.Intent, steps: state.Steps, index: stage}
	e.sessions.Add(userID, s)
	return s, nil
}

func (e *Engine) start(ctx context.Context, userID, input string) (*session, error) {
	intent, err := e.intents.MainIntent(ctx, input)
	if err != nil {
		e.logger.Warn("intent classification failed, no flow started", "user_id", userID, "err", err)
		intent = ""
	}
	var steps []domain.Step
	if intent != "" {
		steps = e.kb.StepsFor(e.kb.FlowTopic(intent))
	}
	if len(steps) == 0 {
		return nil, e.teardown(ctx, userID)
	}
	// Persisted by run once the first step has a verdict.
	e.logger.Info("flow started", "user_id", userID, "intent", intent, "steps", len(steps))
	return &session{intent: intent, steps: steps}, nil
}

func (e *Engine) run(ctx context.Context, userID, input string, s *session) (Outcome, error) {
	for s.index < len(s.steps) {
		step := s.steps[s.index]
		extra, err := e.supplementary(ctx, step)
		if err != nil {
			return Outcome{}, err
		}
		history := e.joinHistory(s.history)

		v, err := e.judge.Judge(ctx, oracle.Query{
			UserInput:   input,
			StepName:    step.Name,
			StepContent: step.Content,
			ExtraData:   orNone(extra),
			History:     history,
		})
		if err != nil {
			if e.onFailure != OracleFailureFallback {
				return Outcome{}, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
			}
			e.logger.Warn("step oracle failed, asking again", "user_id", userID, "step", step.Name, "err", err)
			v = oracle.Verdict{Status: oracle.StatusNotDone, Reason: "completion of this step could not be verified"}
		}

		if v.Exit() {
			e.logger.Info("flow exited during step", "user_id", userID, "intent", s.intent, "step", step.Name)
			return Outcome{}, e.teardown(ctx, userID)
		}
		if v.Done() && s.index < len(s.steps)-1 {
			s.index++
			continue
		}

		reply, err := e.generator.Generate(ctx, ReplyRequest{
			UserInput:   input,
			Intent:      s.intent,
			StepName:    step.Name,
			StepContent: step.Content,
			History:     history,
			ExtraData:   orNone(extra),
			Reason:      v.Reason,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("flow: generate reply: %w", err)
		}

		if v.Done() {
			e.logger.Info("flow completed", "user_id", userID, "intent", s.intent)
			if err := e.teardown(ctx, userID); err != nil {
				return Outcome{}, err
			}
			return Outcome{Reply: reply, InFlow: true}, nil
		}

		s.history = append(s.history, fmt.Sprintf("User:%s | AI:%s", input, reply))
		if n := len(s.history) - e.historyLimit; n > 0 {
			s.history = s.history[n:]
		}
		if err := e.persist(ctx, userID, s); err != nil {
			return Outcome{}, err
		}
		return Outcome{Reply: reply, InFlow: true}, nil
	}
	// Only reachable with an empty step list, which start never produces.
	return Outcome{}, e.teardown(ctx, userID)
}

func (e *Engine) persist(ctx context.Context, userID string, s *session) error {
	if err := e.store.SaveFlowState(ctx, userID, s.state(), s.index); err != nil {
		return fmt.Errorf("flow: save state: %w", err)
	}
	e.sessions.Add(userID, s)
	return nil
}

func (e *Engine) teardown(ctx context.Context, userID string) error {
	e.sessions.Remove(userID)
	if err := e.store.SaveFlowState(ctx, userID, nil, 0); err != nil {
		return fmt.Errorf("flow: clear state: %w", err)
	}
	return nil
}

func (e *Engine) joinHistory(h []string) string {
	if n := len(h) - e.historyLimit; n > 0 {
		h = h[n:]
	}
	if len(h) == 0 {
		return "None"
	}
	return strings.Join(h, " | ")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return s
}
