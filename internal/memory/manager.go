// Package memory keeps per-user long-term memories grouped by topic and
// summarises ongoing conversations.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"pinecone-agent/internal/domain"
	"pinecone-agent/internal/intent"
)

const (
	DefaultTopicThreshold  = 0.8
	DefaultForgetThreshold = 0.1
	DefaultTopTopics       = 3
	DefaultPerTopic        = 3
)

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

type IntentDetector interface {
	Detect(ctx context.Context, msg, replyTo string) ([]string, error)
}

type Store interface {
	ListTopics(ctx context.Context, userID string) ([]domain.Topic, error)
	PutTopic(ctx context.Context, t domain.Topic) error
	ListMemories(ctx context.Context, userID, topicID string) ([]domain.Memory, error)
	PutMemory(ctx context.Context, m domain.Memory) error
	DeleteMemory(ctx context.Context, userID, memoryID string) error
}

// Scored is a recalled memory with its ranking score.
type Scored struct {
	Memory domain.Memory
	Score  float64
}

// Recall is the result of one retrieval.
type Recall struct {
	Topics   []domain.Topic
	Memories []Scored
}

// String renders the recall for a prompt, "None" when empty.
func (r Recall) String() string {
	if len(r.Topics) == 0 && len(r.Memories) == 0 {
		return "None"
	}
	names := make([]string, 0, len(r.Topics))
	for _, t := range r.Topics {
		names = append(names, t.Name)
	}
	lines := []string{"Topics: " + strings.Join(names, ", ")}
	for _, m := range r.Memories {
		lines = append(lines, "- "+m.Memory.Text)
	}
	return strings.Join(lines, "\n")
}

// Manager stores and recalls memories.
type Manager struct {
	store    Store
	embedder Embedder
	intents  IntentDetector
	logger   *slog.Logger

	topicThreshold  float64
	forgetThreshold float64
	topTopics       int
	perTopic        int

	now   func() time.Time
	newID func() string
}

type Option func(*Manager)

func WithTopicThreshold(v float64) Option {
	return func(m *Manager) {
		if v > 0 {
			m.topicThreshold = v
		}
	}
}

func WithForgetThreshold(v float64) Option {
	return func(m *Manager) {
		if v >= 0 {
			m.forgetThreshold = v
		}
	}
}

func WithTopK(topics, perTopic int) Option {
	return func(m *Manager) {
		if topics > 0 {
			m.topTopics = topics
		}
		if perTopic > 0 {
			m.perTopic = perTopic
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(store Store, embedder Embedder, intents IntentDetector, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("memory: store must not be nil")
	}
	if embedder == nil {
		return nil, errors.New("memory: embedder must not be nil")
	}
	if intents == nil {
		return nil, errors.New("memory: intent detector must not be nil")
	}
	m := &Manager{
		store:           store,
		embedder:        embedder,
		intents:         intents,
		logger:          slog.New(slog.DiscardHandler),
		topicThreshold:  DefaultTopicThreshold,
		forgetThreshold: DefaultForgetThreshold,
		topTopics:       DefaultTopTopics,
		perTopic:        DefaultPerTopic,
		now:             time.Now,
		newID:           uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Store saves text as a memory of userID. Text without a clear intent is
// discarded and (nil, nil) is returned.
func (m *Manager) Store(ctx context.Context, userID, text string, importance float64, frequency int) (*domain.Memory, error) {
	labels, err := m.intents.Detect(ctx, text, "")
	if err != nil {
		return nil, fmt.Errorf("memory: detect topic: %w", err)
	}
	if len(labels) == 0 || labels[0] == intent.NoIntent {
		m.logger.Debug("memory discarded, no intent", "user_id", userID)
		return nil, nil
	}
	topicName := labels[0]

	vec, err := m.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("memory: embed: %w", err)
	}
	topics, err := m.store.ListTopics(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("memory: list topics: %w", err)
	}

	topicID := ""
	best, bestSim := -1, -1.0
	for i, t := range topics {
		if sim := Cosine(t.Embedding, vec); sim > bestSim {
			best, bestSim = i, sim
		}
	}
	if best >= 0 && bestSim >= m.topicThreshold {
		topicID = topics[best].ID
	} else {
		for _, t := range topics {
			if t.Name == topicName {
				topicID = t.ID
				break
			}
		}
	}
	if topicID == "" {
		tvec, err := m.embedder.Embed(ctx, topicName)
		if err != nil {
			return nil, fmt.Errorf("memory: embed topic: %w", err)
		}
		t := domain.Topic{ID: m.newID(), UserID: userID, Name: topicName, Embedding: tvec, CreatedAt: m.now()}
		if err := m.store.PutTopic(ctx, t); err != nil {
			return nil, fmt.Errorf("memory: put topic: %w", err)
		}
		topicID = t.ID
	}

	now := m.now()
	mem := domain.Memory{
		ID:             m.newID(),
		UserID:         userID,
		TopicID:        topicID,
		Text:           text,
		Embedding:      vec,
		Importance:     importance,
		Frequency:      frequency,
		CreatedAt:      now,
		LastRecalledAt: now,
	}
	if err := m.store.PutMemory(ctx, mem); err != nil {
		return nil, fmt.Errorf("memory: put memory: %w", err)
	}
	return &mem, nil
}

// Retrieve returns the topics closest to query and their best memories.
// Memories whose weight fell below the forget threshold are deleted.
func (m *Manager) Retrieve(ctx context.Context, userID, query string) (Recall, error) {
	topics, err := m.store.ListTopics(ctx, userID)
	if err != nil {
		return Recall{}, fmt.Errorf("memory: list topics: %w", err)
	}
	if len(topics) == 0 {
		return Recall{}, nil
	}
	qvec, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return Recall{}, fmt.Errorf("memory: embed query: %w", err)
	}

	sims := make(map[string]float64, len(topics))
	for _, t := range topics {
		sims[t.ID] = Cosine(t.Embedding, qvec)
	}
	sort.SliceStable(topics, func(i, j int) bool { return sims[topics[i].ID] > sims[topics[j].ID] })
	if len(topics) > m.topTopics {
		topics = topics[:m.topTopics]
	}

	now := m.now()
	out := Recall{Topics: topics}
	for _, t := range topics {
		mems, err := m.store.ListMemories(ctx, userID, t.ID)
		if err != nil {
			return Recall{}, fmt.Errorf("memory: list memories: %w", err)
		}
		var scored []Scored
		for _, mem := range mems {
			w := Weight(mem, now)
			if w < m.forgetThreshold {
				if err := m.store.DeleteMemory(ctx, userID, mem.ID); err != nil {
					m.logger.Warn("forget memory failed", "user_id", userID, "memory_id", mem.ID, "err", err)
				}
				continue
			}
			scored = append(scored, Scored{Memory: mem, Score: Cosine(mem.Embedding, qvec) * w})
		}
		sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
		if len(scored) > m.perTopic {
			scored = scored[:m.perTopic]
		}
		out.Memories = append(out.Memories, scored...)
	}

	for i := range out.Memories {
		mem := &out.Memories[i].Memory
		mem.Frequency++
		mem.LastRecalledAt = now
		if err := m.store.PutMemory(ctx, *mem); err != nil {
			m.logger.Warn("bump memory failed", "user_id", userID, "memory_id", mem.ID, "err", err)
		}
	}
	return out, nil
}

// Weight is importance × frequency factor × age decay.
func Weight(mem domain.Memory, now time.Time) float64 {
	freq := math.Sqrt(math.Log1p(float64(mem.Frequency + 1)))
	return mem.Importance * freq * decay(now.Sub(mem.CreatedAt))
}

// decay is 1 up to log1p(seconds) = 8, falls linearly to 0.2 at 16 and stays there.
func decay(age time.Duration) float64 {
	x := math.Log1p(max(age.Seconds(), 0))
	switch {
	case x <= 8:
		return 1
	case x >= 16:
		return 0.2
	default:
		return 1 - 0.8*(x-8)/8
	}
}

// Cosine returns the cosine similarity of a and b, 0 for empty or zero vectors.
func Cosine(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
