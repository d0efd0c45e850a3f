package domain

import "time"

// PendingMessage is one inbound user message awaiting processing.
type PendingMessage struct {
	UserID     string
	MessageID  string
	Text       string
	ReplyTo    string // message id the user replied to, empty when none
	ReplyToken string // platform reply token, usable once and only for a short time
	ReceivedAt time.Time
	Dispatched bool
}

// DialogueTurn is a persisted message in the long-lived dialogue log.
type DialogueTurn struct {
	UserID    string
	MessageID string
	Role      string
	Content   string
	ReplyTo   string
	CreatedAt time.Time
}

// ScheduledReply is a bot reply queued for delayed delivery.
type ScheduledReply struct {
	ID               string
	UserID           string
	Text             string
	SendAt           time.Time
	Sent             bool
	ReplyToken       string
	ReplyTokenExpiry time.Time
}

// CanReply reports whether the stored reply token may still be used at now.
func (r ScheduledReply) CanReply(now time.Time) bool {
	return r.ReplyToken != "" && now.Before(r.ReplyTokenExpiry)
}

// TurnCommit is everything one processed batch writes back: the consumed
// pending rows, the dialogue turns it produced and the reply to deliver.
type TurnCommit struct {
	UserID   string
	Consumed []PendingMessage
	Turns    []DialogueTurn
	Reply    ScheduledReply
}
