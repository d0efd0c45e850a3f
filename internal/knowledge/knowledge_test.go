package knowledge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pinecone-agent/internal/domain"
)

const sample = `
labels:
  - name: Guidance/Advice
    description: asks for advice
aliases:
  Friend Source Flow: friend-source
flows:
  - topic: friend-source
    description: user questions how the bot got their contact
    steps: [explain-source, missing-step, offer-removal]
  - topic: event-signup
    steps: [pick-event]
steps:
  - topic: explain-source
    content: Explain where the contact came from.
    data:
      source: knowledge
      keys: [privacy-policy]
  - topic: offer-removal
    content: Offer to remove the contact.
  - topic: pick-event
    content: Help the user pick an event.
    data:
      source: table
      keys: [event_info]
data:
  - topic: privacy-policy
    content: We only store your LINE id.
  - topic: privacy-policy
    content: Data is kept for one year.
tables:
  event_info: [event_name, location]
`

func mustParse(t *testing.T) *Base {
	t.Helper()
	b, err := Parse([]byte(sample))
	require.NoError(t, err)
	return b
}

func TestStepsFor_SkipsUnknownStepsKeepsOrder(t *testing.T) {
	b := mustParse(t)

	steps := b.StepsFor("friend-source")
	require.Len(t, steps, 2)
	require.Equal(t, "explain-source", steps[0].Name)
	require.Equal(t, &domain.DataRef{Source: "knowledge", Keys: []string{"privacy-policy"}}, steps[0].Data)
	require.Equal(t, "offer-removal", steps[1].Name)
	require.Nil(t, steps[1].Data)

	require.Nil(t, b.StepsFor("no-such-flow"))
}

func TestFlowTopic_AliasOrIdentity(t *testing.T) {
	b := mustParse(t)
	require.Equal(t, "friend-source", b.FlowTopic("Friend Source Flow"))
	require.Equal(t, "event-signup", b.FlowTopic(" event-signup "))
}

func TestDataFor(t *testing.T) {
	b := mustParse(t)
	entries := b.DataFor([]string{"privacy-policy", "unknown"})
	require.Equal(t, []Entry{
		{Topic: "privacy-policy", Content: "We only store your LINE id."},
		{Topic: "privacy-policy", Content: "Data is kept for one year."},
	}, entries)
}

func TestColumns(t *testing.T) {
	b := mustParse(t)
	cols, ok := b.Columns("event_info")
	require.True(t, ok)
	require.Equal(t, []string{"event_name", "location"}, cols)

	_, ok = b.Columns("users")
	require.False(t, ok)

	tables := b.Tables()
	require.Equal(t, map[string][]string{"event_info": {"event_name", "location"}}, tables)
	tables["event_info"][0] = "changed"
	cols, _ = b.Columns("event_info")
	require.Equal(t, "event_name", cols[0])
}

func TestLabels_IncludesFlowIntents(t *testing.T) {
	b := mustParse(t)
	require.Equal(t, []Label{
		{Name: "Guidance/Advice", Description: "asks for advice"},
		{Name: "Friend Source Flow", Description: "user questions how the bot got their contact"},
		{Name: "event-signup"},
	}, b.Labels())
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":       "labelz: []",
		"undeclared table":  "steps:\n  - topic: a\n    content: c\n    data: {source: table, keys: [nope]}",
		"bad source":        "steps:\n  - topic: a\n    content: c\n    data: {source: web, keys: [x]}",
		"duplicate flow":    "flows:\n  - topic: a\n  - topic: a",
		"empty flow topic":  "flows:\n  - steps: [x]",
		"table w/o columns": "tables:\n  t: []",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))

	b, err := Load(path)
	require.NoError(t, err)
	require.Len(t, b.StepsFor("event-signup"), 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
