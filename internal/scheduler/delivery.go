package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"pinecone-agent/internal/domain"
)

const (
	DefaultDeliveryTick = time.Second
	DefaultMaxPerTick   = 100
)

type Outbox interface {
	NextDue(ctx context.Context, now time.Time) (*domain.ScheduledReply, error)
	MarkSent(ctx context.Context, r domain.ScheduledReply) (bool, error)
}

type Sender interface {
	Push(ctx context.Context, userID, text string) error
	Reply(ctx context.Context, replyToken, text string) error
}

// Deliverer sends scheduled replies once their send time has passed. A reply
// is marked sent before it is sent, so a crash between the two loses it
// rather than sending it twice.
type Deliverer struct {
	outbox     Outbox
	sender     Sender
	logger     *slog.Logger
	tick       time.Duration
	maxPerTick int
}

type DelivererOption func(*Deliverer)

func WithDeliveryTick(d time.Duration) DelivererOption {
	return func(dl *Deliverer) {
		if d > 0 {
			dl.tick = d
		}
	}
}

func WithMaxPerTick(n int) DelivererOption {
	return func(dl *Deliverer) {
		if n > 0 {
			dl.maxPerTick = n
		}
	}
}

func WithDeliveryLogger(l *slog.Logger) DelivererOption {
	return func(dl *Deliverer) {
		if l != nil {
			dl.logger = l
		}
	}
}

func NewDeliverer(outbox Outbox, sender Sender, opts ...DelivererOption) (*Deliverer, error) {
	if outbox == nil {
		return nil, errors.New("scheduler: outbox must not be nil")
	}
	if sender == nil {
		return nil, errors.New("scheduler: sender must not be nil")
	}
	d := &Deliverer{
		outbox:     outbox,
		sender:     sender,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		tick:       DefaultDeliveryTick,
		maxPerTick: DefaultMaxPerTick,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Tick delivers replies due at now in send-time order, up to the per-tick cap,
// and returns how many were sent. A user gets at most one reply per tick: when
// the earliest due reply belongs to a user already served, the tick ends and
// that reply waits for the next one. Send failures are logged and do not stop
// the tick.
func (d *Deliverer) Tick(ctx context.Context, now time.Time) (int, error) {
	sent := 0
	served := make(map[string]bool)
	for i := 0; i < d.maxPerTick; i++ {
		r, err := d.outbox.NextDue(ctx, now)
		if err != nil {
			return sent, fmt.Errorf("scheduler: next due reply: %w", err)
		}
		if r == nil || served[r.UserID] {
			return sent, nil
		}
		claimed, err := d.outbox.MarkSent(ctx, *r)
		if err != nil {
			return sent, fmt.Errorf("scheduler: mark reply %s sent: %w", r.ID, err)
		}
		if !claimed {
			continue
		}
		served[r.UserID] = true
		if err := d.send(ctx, *r, now); err != nil {
			d.logger.Error("reply delivery failed", "user_id", r.UserID, "reply_id", r.ID, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// Run ticks until ctx is cancelled.
func (d *Deliverer) Run(ctx context.Context) error {
	t := time.NewTicker(d.tick)
	defer t.Stop()
	d.logger.Info("deliverer started", "tick", d.tick)
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("deliverer stopped")
			return nil
		case now := <-t.C:
			if _, err := d.Tick(ctx, now.UTC()); err != nil {
				d.logger.Error("delivery tick failed", "err", err)
			}
		}
	}
}

func (d *Deliverer) send(ctx context.Context, r domain.ScheduledReply, now time.Time) error {
	if r.CanReply(now) {
		d.logger.Debug("sending reply", "user_id", r.UserID, "reply_id", r.ID)
		return d.sender.Reply(ctx, r.ReplyToken, r.Text)
	}
	d.logger.Debug("pushing reply", "user_id", r.UserID, "reply_id", r.ID)
	return d.sender.Push(ctx, r.UserID, r.Text)
}
