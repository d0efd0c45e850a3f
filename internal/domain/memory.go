package domain

import "time"

// Topic groups a user's memories under a named, embedded subject.
type Topic struct {
	ID        string
	UserID    string
	Name      string
	Embedding []float64
	CreatedAt time.Time
}

// Memory is one long-term memory entry.
type Memory struct {
	ID             string
	UserID         string
	TopicID        string
	Text           string
	Embedding      []float64
	Importance     float64
	Frequency      int
	CreatedAt      time.Time
	LastRecalledAt time.Time
}
