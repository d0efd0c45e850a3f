package usecase

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pinecone-agent/internal/domain"
)

func turn(role, content string) domain.DialogueTurn {
	return domain.DialogueTurn{Role: role, Content: content}
}

func TestFormatHistory(t *testing.T) {
	require.Equal(t, noHistory, formatHistory(nil, 10))
	require.Equal(t, noHistory, formatHistory([]domain.DialogueTurn{turn(domain.RoleUser, "  ")}, 10))

	turns := []domain.DialogueTurn{
		turn(domain.RoleUser, "hi"),
		turn(domain.RoleUser, "anyone?"),
		turn(domain.RoleAssistant, "yes!"),
		turn(domain.RoleUser, "cool"),
	}
	require.Equal(t, "User: hi anyone?\nBot: yes!\nUser: cool", formatHistory(turns, 10))
	require.Equal(t, "Bot: yes!\nUser: cool", formatHistory(turns, 2))
}

func TestBuildReplyPrompt_Defaults(t *testing.T) {
	got := buildReplyPrompt(replyContext{userInput: " hello \n  world "})
	require.Equal(t, "User input: hello world\nReplying to: None\nUser intents: None\nMemory:\nNone\nHistory:\nNone", got)
}

func TestJoinBatch_SkipsBlankMessages(t *testing.T) {
	batch := []domain.PendingMessage{{Text: " a "}, {Text: ""}, {Text: "b"}}
	require.Equal(t, "a b", joinBatch(batch))
}
