package usecase

import (
	"fmt"
	"strings"

	"pinecone-agent/internal/domain"
)

const noHistory = "No prior conversation"

// DefaultPersona is used when no persona prompt is configured.
const DefaultPersona = `Your name is Pinecone Ambassador and you are chatting with a student on LINE.
Profile:
- Born in Zhongli, Taoyuan. 21 years old.
- Works for the Office of Student Affairs of National Central University.
Personality:
- Lively and warm, explains complicated things in a light and humorous way.
- Patient and creative when explaining campus events and administrative procedures.
- Talks the way students talk to feel close to them.`

type replyContext struct {
	userInput string
	replyTo   []string
	intents   []string
	memory    string
	history   string
}

func personaSystemPrompt(persona string) string {
	return strings.Join([]string{
		strings.TrimSpace(persona),
		"",
		"Inputs:",
		"1. User input: the latest messages from the person you are chatting with.",
		"2. Replying to: earlier messages the user quoted, may be None.",
		"3. User intents: what the latest messages are about.",
		"4. Memory: things you remember about this user, may be None.",
		"5. History: the recent conversation, use only what helps.",
		"",
		"Steps:",
		"1) Treat the user input and user intents as the primary reference.",
		"2) Use memory and history only where they help answer the user input.",
		"3) Write one reply that answers the user input.",
		"",
		"Output:",
		"- Output only the final reply text, no notes.",
		"- Do not end with a question unless you are comforting someone.",
	}, "\n")
}

func buildReplyPrompt(c replyContext) string {
	replyTo := "None"
	if len(c.replyTo) > 0 {
		replyTo = strings.Join(c.replyTo, " | ")
	}
	intents := "None"
	if len(c.intents) > 0 {
		intents = strings.Join(c.intents, "; ")
	}
	return fmt.Sprintf(
		"User input: %s\nReplying to: %s\nUser intents: %s\nMemory:\n%s\nHistory:\n%s",
		normalizePromptInput(c.userInput),
		replyTo,
		intents,
		orNone(c.memory),
		orNone(c.history),
	)
}

// formatHistory folds consecutive turns of the same role into one line and
// keeps the last maxTurns lines, oldest first.
func formatHistory(turns []domain.DialogueTurn, maxTurns int) string {
	type line struct {
		role  string
		parts []string
	}
	var lines []line
	for _, t := range turns {
		content := strings.TrimSpace(t.Content)
		if content == "" {
			continue
		}
		if n := len(lines); n > 0 && lines[n-1].role == t.Role {
			lines[n-1].parts = append(lines[n-1].parts, content)
			continue
		}
		lines = append(lines, line{role: t.Role, parts: []string{content}})
	}
	if len(lines) == 0 {
		return noHistory
	}
	if maxTurns > 0 && len(lines) > maxTurns {
		lines = lines[len(lines)-maxTurns:]
	}
	out := make([]string, len(lines))
	for i, l := range lines {
		speaker := "User"
		if l.role == domain.RoleAssistant {
			speaker = "Bot"
		}
		out[i] = speaker + ": " + strings.Join(l.parts, " ")
	}
	return strings.Join(out, "\n")
}

func joinBatch(batch []domain.PendingMessage) string {
	parts := make([]string, 0, len(batch))
	for _, m := range batch {
		if t := strings.TrimSpace(m.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return s
}
