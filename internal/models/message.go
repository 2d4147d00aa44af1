package models

import (
	"time"
)

type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusCompleted  MessageStatus = "completed"
	MessageStatusFailed     MessageStatus = "failed"
	MessageStatusDeadLetter MessageStatus = "dead_letter"
)

// IsTerminal reports whether no further transition is allowed out of the status.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageStatusDeadLetter
}

// Valid reports whether s is one of the known statuses.
func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusPending, MessageStatusProcessing, MessageStatusCompleted,
		MessageStatusFailed, MessageStatusDeadLetter:
		return true
	}
	return false
}

// Message is a raw long-poll payload together with what the parser recovered
// from it and its delivery state.
type Message struct {
	ID            string        `db:"id" json:"id"`
	RawContent    string        `db:"raw_content" json:"raw_content"`
	ParsedAuthor  *string       `db:"parsed_author" json:"parsed_author,omitempty"`
	ParsedMention *string       `db:"parsed_mention" json:"parsed_mention,omitempty"`
	SenderHandle  *string       `db:"sender_handle" json:"sender_handle,omitempty"`
	Status        MessageStatus `db:"status" json:"status"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at" json:"updated_at"`
	ProcessedAt   *time.Time    `db:"processed_at" json:"processed_at,omitempty"`
	RetryCount    int           `db:"retry_count" json:"retry_count"`
	ErrorMessage  *string       `db:"error_message" json:"error_message,omitempty"`
}

// NewPendingMessage builds a fresh pending record for a payload.
func NewPendingMessage(id, raw string, now time.Time) *Message {
	return &Message{
		ID:         id,
		RawContent: raw,
		Status:     MessageStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// IsParsed reports whether parser output has been recorded.
func (m *Message) IsParsed() bool {
	return m.ParsedMention != nil && m.SenderHandle != nil
}

// Age is the time since the message was first observed.
func (m *Message) Age(now time.Time) time.Duration {
	return now.Sub(m.CreatedAt)
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
