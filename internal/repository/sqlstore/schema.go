package sqlstore

import (
	"context"
	"fmt"
)

const (
	tablePending  = "pending_messages"
	tableUsers    = "users"
	tableDialogue = "dialogues"
	tableReplies  = "scheduled_replies"
	tableTopics   = "memory_topics"
	tableMemories = "memories"
)

var schemaColumns = map[string][]string{
	tablePending:  {"id", "user_id", "message_id", "text", "reply_to", "reply_token", "received_at", "is_dispatched"},
	tableUsers:    {"user_id", "schedule", "stage", "created_at"},
	tableDialogue: {"id", "user_id", "message_id", "role", "content", "reply_to", "created_at"},
	tableReplies:  {"id", "user_id", "text", "send_at", "sent", "sent_at", "reply_token", "reply_token_expiry"},
	tableTopics:   {"id", "user_id", "name", "embedding", "created_at"},
	tableMemories: {"id", "user_id", "topic_id", "text", "embedding", "importance", "frequency", "created_at", "last_recalled_at"},
}

var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS pending_messages (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		message_id VARCHAR(64) NOT NULL,
		text TEXT NOT NULL,
		reply_to VARCHAR(64) NULL,
		reply_token VARCHAR(255) NULL,
		received_at DATETIME(6) NOT NULL,
		is_dispatched BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE KEY uq_pending_message (user_id, message_id),
		KEY idx_pending_dispatched (is_dispatched, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		user_id VARCHAR(64) PRIMARY KEY,
		schedule JSON NULL,
		stage INT NULL,
		created_at DATETIME(6) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS dialogues (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		message_id VARCHAR(64) NOT NULL,
		role VARCHAR(16) NOT NULL,
		content TEXT NOT NULL,
		reply_to VARCHAR(64) NULL,
		created_at DATETIME(6) NOT NULL,
		KEY idx_dialogue_user (user_id, created_at),
		KEY idx_dialogue_message (user_id, message_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_replies (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		text TEXT NOT NULL,
		send_at DATETIME(6) NOT NULL,
		sent BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at DATETIME(6) NULL,
		reply_token VARCHAR(255) NULL,
		reply_token_expiry DATETIME(6) NULL,
		KEY idx_reply_due (sent, send_at)
	)`,
	`CREATE TABLE IF NOT EXISTS memory_topics (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		embedding JSON NOT NULL,
		created_at DATETIME(6) NOT NULL,
		KEY idx_topic_user (user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS memories (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		topic_id VARCHAR(64) NOT NULL,
		text TEXT NOT NULL,
		embedding JSON NOT NULL,
		importance DOUBLE NOT NULL,
		frequency INT NOT NULL,
		created_at DATETIME(6) NOT NULL,
		last_recalled_at DATETIME(6) NOT NULL,
		KEY idx_memory_topic (user_id, topic_id)
	)`,
}

// EnsureSchema creates the store's own tables when they are missing. Live
// tables are owned elsewhere and are left alone.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("sqlstore: ensure schema: %w", err)
		}
	}
	return nil
}
