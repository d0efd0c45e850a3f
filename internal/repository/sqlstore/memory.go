package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"pinecone-agent/internal/domain"
)

const (
	upsertTopicSQL = "INSERT INTO memory_topics (id, user_id, name, embedding, created_at) VALUES (?, ?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE name = VALUES(name), embedding = VALUES(embedding)"
	upsertMemorySQL = "INSERT INTO memories (id, user_id, topic_id, text, embedding, importance, frequency, created_at, last_recalled_at) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE topic_id = VALUES(topic_id), text = VALUES(text), " +
		"embedding = VALUES(embedding), importance = VALUES(importance), frequency = VALUES(frequency), " +
		"last_recalled_at = VALUES(last_recalled_at)"
)

// ListTopics returns every memory topic of the user.
func (s *Store) ListTopics(ctx context.Context, userID string) ([]domain.Topic, error) {
	query, args, err := s.selectSQL(Select{
		Table:   tableTopics,
		Columns: []string{"id", "user_id", "name", "embedding", "created_at"},
		Where:   Where{"user_id": userID},
		OrderBy: []string{"created_at"},
	})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: ListTopics: %w", err)
	}
	defer rows.Close()
	var topics []domain.Topic
	for rows.Next() {
		var (
			t   domain.Topic
			emb []byte
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &emb, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlstore: ListTopics scan: %w", err)
		}
		if err := json.Unmarshal(emb, &t.Embedding); err != nil {
			return nil, fmt.Errorf("sqlstore: ListTopics decode embedding: %w", err)
		}
		topics = append(topics, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: ListTopics: %w", err)
	}
	return topics, nil
}

// PutTopic creates or replaces a topic.
func (s *Store) PutTopic(ctx context.Context, t domain.Topic) error {
	if t.UserID == "" || t.ID == "" {
		return errors.New("sqlstore: PutTopic: user and topic id are required")
	}
	emb, err := json.Marshal(t.Embedding)
	if err != nil {
		return fmt.Errorf("sqlstore: PutTopic encode embedding: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, upsertTopicSQL, t.ID, t.UserID, t.Name, string(emb), t.CreatedAt.UTC()); err != nil {
		return fmt.Errorf("sqlstore: PutTopic: %w", err)
	}
	return nil
}

// ListMemories returns the user's memories filed under topicID.
func (s *Store) ListMemories(ctx context.Context, userID, topicID string) ([]domain.Memory, error) {
	query, args, err := s.selectSQL(Select{
		Table:   tableMemories,
		Columns: []string{"id", "user_id", "topic_id", "text", "embedding", "importance", "frequency", "created_at", "last_recalled_at"},
		Where:   Where{"user_id": userID, "topic_id": topicID},
		OrderBy: []string{"created_at"},
	})
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: ListMemories: %w", err)
	}
	defer rows.Close()
	var memories []domain.Memory
	for rows.Next() {
		var (
			m   domain.Memory
			emb []byte
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.TopicID, &m.Text, &emb, &m.Importance, &m.Frequency, &m.CreatedAt, &m.LastRecalledAt); err != nil {
			return nil, fmt.Errorf("sqlstore: ListMemories scan: %w", err)
		}
		if err := json.Unmarshal(emb, &m.Embedding); err != nil {
			return nil, fmt.Errorf("sqlstore: ListMemories decode embedding: %w", err)
		}
		memories = append(memories, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: ListMemories: %w", err)
	}
	return memories, nil
}

// PutMemory creates or replaces a memory.
func (s *Store) PutMemory(ctx context.Context, m domain.Memory) error {
	if m.UserID == "" || m.ID == "" {
		return errors.New("sqlstore: PutMemory: user and memory id are required")
	}
	emb, err := json.Marshal(m.Embedding)
	if err != nil {
		return fmt.Errorf("sqlstore: PutMemory encode embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertMemorySQL,
		m.ID, m.UserID, m.TopicID, m.Text, string(emb), m.Importance, m.Frequency,
		m.CreatedAt.UTC(), m.LastRecalledAt.UTC())
	if err != nil {
		return fmt.Errorf("sqlstore: PutMemory: %w", err)
	}
	return nil
}

// DeleteMemory removes a memory. Deleting a missing memory is not an error.
func (s *Store) DeleteMemory(ctx context.Context, userID, memoryID string) error {
	if _, err := s.delete(ctx, s.db, tableMemories, Where{"user_id": userID, "id": memoryID}); err != nil {
		return fmt.Errorf("sqlstore: DeleteMemory: %w", err)
	}
	return nil
}
