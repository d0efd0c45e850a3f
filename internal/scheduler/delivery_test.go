package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pinecone-agent/internal/domain"
)

type fakeOutbox struct {
	replies []domain.ScheduledReply
	nextErr error
	markErr error
	// stolen replies are claimed by someone else before MarkSent.
	stolen map[string]bool
}

func (f *fakeOutbox) NextDue(_ context.Context, now time.Time) (*domain.ScheduledReply, error) {
	if f.nextErr != nil {
		return nil, f.nextErr
	}
	for i := range f.replies {
		r := f.replies[i]
		if !r.Sent && !r.SendAt.After(now) {
			return &r, nil
		}
	}
	return nil, nil
}

func (f *fakeOutbox) MarkSent(_ context.Context, r domain.ScheduledReply) (bool, error) {
	if f.markErr != nil {
		return false, f.markErr
	}
	for i := range f.replies {
		if f.replies[i].ID != r.ID {
			continue
		}
		if f.replies[i].Sent {
			return false, nil
		}
		f.replies[i].Sent = true
		return !f.stolen[r.ID], nil
	}
	return false, nil
}

type delivered struct {
	kind, to, text string
}

type fakeSender struct {
	sent    []delivered
	pushErr error
}

func (f *fakeSender) Push(_ context.Context, userID, text string) error {
	f.sent = append(f.sent, delivered{"push", userID, text})
	return f.pushErr
}

func (f *fakeSender) Reply(_ context.Context, token, text string) error {
	f.sent = append(f.sent, delivered{"reply", token, text})
	return nil
}

func newTestDeliverer(t *testing.T, o Outbox, s Sender, opts ...DelivererOption) *Deliverer {
	t.Helper()
	d, err := NewDeliverer(o, s, opts...)
	require.NoError(t, err)
	return d
}

func TestNewDeliverer_Validation(t *testing.T) {
	_, err := NewDeliverer(nil, &fakeSender{})
	require.Error(t, err)
	_, err = NewDeliverer(&fakeOutbox{}, nil)
	require.Error(t, err)
}

func TestDeliverer_ReplyOrPush(t *testing.T) {
	outbox := &fakeOutbox{replies: []domain.ScheduledReply{
		{ID: "r1", UserID: "U1", Text: "fresh", SendAt: at(10), ReplyToken: "tok", ReplyTokenExpiry: at(60)},
		{ID: "r2", UserID: "U2", Text: "stale", SendAt: at(10), ReplyToken: "old", ReplyTokenExpiry: at(5)},
		{ID: "r3", UserID: "U3", Text: "no token", SendAt: at(20)},
		{ID: "r4", UserID: "U4", Text: "later", SendAt: at(90)},
	}}
	sender := &fakeSender{}
	d := newTestDeliverer(t, outbox, sender)

	n, err := d.Tick(context.Background(), at(30))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []delivered{
		{"reply", "tok", "fresh"},
		{"push", "U2", "stale"},
		{"push", "U3", "no token"},
	}, sender.sent)
	require.False(t, outbox.replies[3].Sent)

	n, err = d.Tick(context.Background(), at(30))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, sender.sent, 3)
}

func TestDeliverer_ClaimedElsewhereIsNotSent(t *testing.T) {
	outbox := &fakeOutbox{
		replies: []domain.ScheduledReply{{ID: "r1", UserID: "U1", Text: "x", SendAt: at(0)}},
		stolen:  map[string]bool{"r1": true},
	}
	sender := &fakeSender{}
	d := newTestDeliverer(t, outbox, sender)

	n, err := d.Tick(context.Background(), at(1))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, sender.sent)
}

func TestDeliverer_SendFailureDoesNotStopTick(t *testing.T) {
	outbox := &fakeOutbox{replies: []domain.ScheduledReply{
		{ID: "r1", UserID: "U1", Text: "a", SendAt: at(0)},
		{ID: "r2", UserID: "U2", Text: "b", SendAt: at(0)},
	}}
	sender := &fakeSender{pushErr: errors.New("line down")}
	d := newTestDeliverer(t, outbox, sender)

	n, err := d.Tick(context.Background(), at(1))
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, sender.sent, 2)
	require.True(t, outbox.replies[0].Sent)
	require.True(t, outbox.replies[1].Sent)
}

func TestDeliverer_StoreErrors(t *testing.T) {
	d := newTestDeliverer(t, &fakeOutbox{nextErr: errors.New("boom")}, &fakeSender{})
	_, err := d.Tick(context.Background(), at(0))
	require.ErrorContains(t, err, "next due reply")

	outbox := &fakeOutbox{
		replies: []domain.ScheduledReply{{ID: "r1", UserID: "U1", Text: "a", SendAt: at(0)}},
		markErr: errors.New("boom"),
	}
	sender := &fakeSender{}
	d = newTestDeliverer(t, outbox, sender)
	_, err = d.Tick(context.Background(), at(1))
	require.ErrorContains(t, err, "mark reply r1 sent")
	require.Empty(t, sender.sent)
}

func TestDeliverer_MaxPerTick(t *testing.T) {
	outbox := &fakeOutbox{}
	for _, u := range []string{"U1", "U2", "U3"} {
		outbox.replies = append(outbox.replies, domain.ScheduledReply{ID: "r-" + u, UserID: u, Text: u, SendAt: at(0)})
	}
	sender := &fakeSender{}
	d := newTestDeliverer(t, outbox, sender, WithMaxPerTick(2))

	n, err := d.Tick(context.Background(), at(1))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	n, err = d.Tick(context.Background(), at(1))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []delivered{{"push", "U1", "U1"}, {"push", "U2", "U2"}, {"push", "U3", "U3"}}, sender.sent)
}

func TestDeliverer_OneReplyPerUserPerTick(t *testing.T) {
	outbox := &fakeOutbox{replies: []domain.ScheduledReply{
		{ID: "r1", UserID: "U1", Text: "first", SendAt: at(0)},
		{ID: "r2", UserID: "U1", Text: "second", SendAt: at(1)},
		{ID: "r3", UserID: "U2", Text: "other", SendAt: at(2)},
	}}
	sender := &fakeSender{}
	d := newTestDeliverer(t, outbox, sender)

	n, err := d.Tick(context.Background(), at(5))
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []delivered{{"push", "U1", "first"}}, sender.sent)
	require.False(t, outbox.replies[1].Sent)

	n, err = d.Tick(context.Background(), at(6))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []delivered{
		{"push", "U1", "first"},
		{"push", "U1", "second"},
		{"push", "U2", "other"},
	}, sender.sent)
}

func TestDeliverer_FailedSendStillCountsForUser(t *testing.T) {
	outbox := &fakeOutbox{replies: []domain.ScheduledReply{
		{ID: "r1", UserID: "U1", Text: "a", SendAt: at(0)},
		{ID: "r2", UserID: "U1", Text: "b", SendAt: at(0)},
	}}
	sender := &fakeSender{pushErr: errors.New("line down")}
	d := newTestDeliverer(t, outbox, sender)

	_, err := d.Tick(context.Background(), at(1))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	require.False(t, outbox.replies[1].Sent)
}
