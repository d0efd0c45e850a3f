// Package scheduler buffers inbound messages per user and hands each user's
// batch to a processor once the buffer window has elapsed, then delivers the
// replies that come due.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"pinecone-agent/internal/domain"
)

const (
	DefaultWindow      = 5 * time.Second
	DefaultTick        = time.Second
	DefaultWorkers     = 16
	DefaultTaskTimeout = 2 * time.Minute

	dispatchLockPrefix = "dispatch:"
)

type Inbox interface {
	ListWaitingUsers(ctx context.Context) ([]string, error)
	ClaimPending(ctx context.Context, userID string) ([]domain.PendingMessage, error)
}

type Processor interface {
	Process(ctx context.Context, userID string, batch []domain.PendingMessage) error
}

// TryLocker is a non-blocking per-key lease, usually shared between processes.
type TryLocker interface {
	TryLock(ctx context.Context, key string) (func(), bool, error)
}

// Scheduler tracks, per user, whether a buffer window is running and whether
// a batch is being processed. A user is in at most one of the two states.
type Scheduler struct {
	inbox     Inbox
	processor Processor
	locks     TryLocker
	logger    *slog.Logger

	window      time.Duration
	tick        time.Duration
	workers     int
	taskTimeout time.Duration

	pool *ants.Pool
	wg   sync.WaitGroup

	mu        sync.Mutex
	buffering map[string]time.Time
	inFlight  map[string]bool
}

type Option func(*Scheduler)

// WithWindow sets how long after a user's first waiting message the batch is
// dispatched. The window does not restart when more messages arrive.
func WithWindow(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.window = d
		}
	}
}

func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.taskTimeout = d
		}
	}
}

// WithLocker guards each dispatch with a lease so that only one process
// handles a user's batch at a time.
func WithLocker(l TryLocker) Option {
	return func(s *Scheduler) {
		s.locks = l
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(inbox Inbox, processor Processor, opts ...Option) (*Scheduler, error) {
	if inbox == nil {
		return nil, errors.New("scheduler: inbox must not be nil")
	}
	if processor == nil {
		return nil, errors.New("scheduler: processor must not be nil")
	}
	s := &Scheduler{
		inbox:       inbox,
		processor:   processor,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		window:      DefaultWindow,
		tick:        DefaultTick,
		workers:     DefaultWorkers,
		taskTimeout: DefaultTaskTimeout,
		buffering:   make(map[string]time.Time),
		inFlight:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	pool, err := ants.NewPool(s.workers, ants.WithPanicHandler(func(p any) {
		s.logger.Error("dispatch worker panicked", "panic", p)
	}))
	if err != nil {
		return nil, fmt.Errorf("scheduler: create worker pool: %w", err)
	}
	s.pool = pool
	return s, nil
}

// Tick runs one poll at now: waiting users start buffering, and users whose
// window has elapsed are dispatched.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	users, err := s.inbox.ListWaitingUsers(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: list waiting users: %w", err)
	}

	s.mu.Lock()
	for _, u := range users {
		if _, ok := s.buffering[u]; ok || s.inFlight[u] {
			continue
		}
		s.buffering[u] = now
		s.logger.Debug("buffering started", "user_id", u, "window", s.window)
	}
	var due []string
	for u, first := range s.buffering {
		if now.Sub(first) >= s.window {
			delete(s.buffering, u)
			s.inFlight[u] = true
			due = append(due, u)
		}
	}
	s.mu.Unlock()

	sort.Strings(due)
	for _, u := range due {
		s.dispatch(ctx, u)
	}
	return nil
}

// Run ticks until ctx is cancelled, then waits for dispatched batches.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.tick)
	defer t.Stop()
	s.logger.Info("scheduler started", "window", s.window, "tick", s.tick, "workers", s.workers)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			s.logger.Info("scheduler stopped")
			return nil
		case now := <-t.C:
			if err := s.Tick(ctx, now.UTC()); err != nil {
				s.logger.Error("scheduler tick failed", "err", err)
			}
		}
	}
}

// Wait blocks until every dispatched batch has finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Close waits for dispatched batches and releases the worker pool.
func (s *Scheduler) Close() {
	s.Wait()
	s.pool.Release()
}

// Buffering reports whether the user's buffer window is running.
func (s *Scheduler) Buffering(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buffering[userID]
	return ok
}

// InFlight reports whether the user's batch is being processed.
func (s *Scheduler) InFlight(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[userID]
}

func (s *Scheduler) dispatch(ctx context.Context, userID string) {
	// Batches outlive the poll that started them.
	taskCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	err := s.pool.Submit(func() {
		defer s.wg.Done()
		s.process(taskCtx, userID)
	})
	if err != nil {
		s.wg.Done()
		s.finish(userID)
		s.logger.Error("dispatch rejected", "user_id", userID, "err", err)
	}
}

func (s *Scheduler) process(ctx context.Context, userID string) {
	defer s.finish(userID)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("batch processing panicked", "user_id", userID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.taskTimeout)
	defer cancel()

	if s.locks != nil {
		unlock, ok, err := s.locks.TryLock(ctx, dispatchLockPrefix+userID)
		if err != nil {
			s.logger.Error("dispatch lock failed", "user_id", userID, "err", err)
			return
		}
		if !ok {
			s.logger.Debug("user dispatched elsewhere", "user_id", userID)
			return
		}
		defer unlock()
	}

	batch, err := s.inbox.ClaimPending(ctx, userID)
	if err != nil {
		s.logger.Error("claim pending failed", "user_id", userID, "err", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	s.logger.Info("dispatching batch", "user_id", userID, "messages", len(batch))
	if err := s.processor.Process(ctx, userID, batch); err != nil {
		s.logger.Error("batch processing failed", "user_id", userID, "messages", len(batch), "err", err)
	}
}

func (s *Scheduler) finish(userID string) {
	s.mu.Lock()
	delete(s.inFlight, userID)
	s.mu.Unlock()
}
