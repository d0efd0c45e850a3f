package line

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const webhookSample = `{
  "destination": "Ubot",
  "events": [
    {"type":"message","replyToken":"rt-1","timestamp":1700000000000,
     "source":{"type":"user","userId":"U1"},
     "message":{"id":"m1","type":"text","text":"hello","quotedMessageId":"m0"}},
    {"type":"message","replyToken":"rt-2","timestamp":1700000001000,
     "source":{"type":"user","userId":"U1"},
     "message":{"id":"m2","type":"sticker"}},
    {"type":"follow","replyToken":"rt-3","timestamp":1700000002000,
     "source":{"type":"user","userId":"U2"}}
  ]
}`

func TestVerifySignature(t *testing.T) {
	body := []byte(webhookSample)
	sig := Sign("secret", body)

	require.NoError(t, VerifySignature("secret", body, sig))
	require.ErrorIs(t, VerifySignature("other", body, sig), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature("secret", append(body, ' '), sig), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature("secret", body, "%%%"), ErrInvalidSignature)
	require.ErrorIs(t, VerifySignature("secret", body, ""), ErrInvalidSignature)
	require.Error(t, VerifySignature("", body, sig))
}

func TestParseEvents(t *testing.T) {
	texts, skipped, err := ParseEvents([]byte(webhookSample))
	require.NoError(t, err)
	require.Equal(t, 2, skipped)
	require.Equal(t, []TextEvent{{
		UserID:     "U1",
		MessageID:  "m1",
		Text:       "hello",
		QuotedID:   "m0",
		ReplyToken: "rt-1",
		SentAt:     time.UnixMilli(1700000000000).UTC(),
	}}, texts)
}

func TestParseEvents_Malformed(t *testing.T) {
	_, _, err := ParseEvents([]byte(`{"events":`))
	require.Error(t, err)
}
