package line

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SignatureHeader carries the request signature on webhook calls.
const SignatureHeader = "X-Line-Signature"

// ErrInvalidSignature is returned when a webhook body fails verification.
var ErrInvalidSignature = errors.New("line: invalid signature")

// VerifySignature checks signature against the HMAC-SHA256 of body keyed with
// the channel secret.
func VerifySignature(channelSecret string, body []byte, signature string) error {
	if channelSecret == "" {
		return errors.New("line: channel secret must not be empty")
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(channelSecret))
	_, _ = mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign returns the signature LINE would send for body. Used by tools and tests.
func Sign(channelSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(channelSecret))
	_, _ = mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

type webhookBody struct {
	Destination string  `json:"destination"`
	Events      []event `json:"events"`
}

type event struct {
	Type       string `json:"type"`
	ReplyToken string `json:"replyToken"`
	Timestamp  int64  `json:"timestamp"`
	Source     struct {
		Type   string `json:"type"`
		UserID string `json:"userId"`
	} `json:"source"`
	Message *struct {
		ID              string `json:"id"`
		Type            string `json:"type"`
		Text            string `json:"text"`
		QuotedMessageID string `json:"quotedMessageId"`
	} `json:"message"`
}

// TextEvent is an inbound text message from a user.
type TextEvent struct {
	UserID     string
	MessageID  string
	Text       string
	QuotedID   string
	ReplyToken string
	SentAt     time.Time
}

// ParseEvents decodes a webhook body and returns its user text messages.
// skipped counts events that are not user text messages.
func ParseEvents(body []byte) (texts []TextEvent, skipped int, err error) {
	var wb webhookBody
	if err := json.Unmarshal(body, &wb); err != nil {
		return nil, 0, fmt.Errorf("line: decode webhook: %w", err)
	}
	for _, ev := range wb.Events {
		if ev.Type != "message" || ev.Message == nil || ev.Message.Type != "text" || ev.Source.UserID == "" {
			skipped++
			continue
		}
		texts = append(texts, TextEvent{
			UserID:     ev.Source.UserID,
			MessageID:  ev.Message.ID,
			Text:       ev.Message.Text,
			QuotedID:   ev.Message.QuotedMessageID,
			ReplyToken: ev.ReplyToken,
			SentAt:     time.UnixMilli(ev.Timestamp).UTC(),
		})
	}
	return texts, skipped, nil
}
