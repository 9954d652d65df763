package model

import "time"

// MessageRef is a listing entry from a message source.
type MessageRef struct {
	ID       string
	ThreadID string
}

// Message is fetched mailbox content. Immutable once fetched.
type Message struct {
	ID       string
	ThreadID string
	From     string
	Subject  string
	Snippet  string
	Body     string
	Date     *time.Time
	Labels   []string
}

// ProcessedMessage is a dedup ledger row.
type ProcessedMessage struct {
	MessageID     string
	WasJobRelated bool
	ProcessedAt   time.Time
}
