package dm

import (
	"strings"
	"time"
)

const (
	// DeletedPlaceholder replaces the content of a soft-deleted message.
	DeletedPlaceholder = "[Message deleted]"
	// MaxContentLength bounds a message body, counted in characters after trimming.
	MaxContentLength = 10000
	// DefaultPageSize is the number of messages fetched when a thread opens.
	DefaultPageSize = 50
	// TempIDPrefix marks identifiers minted locally for provisional messages.
	TempIDPrefix = "temp-"
)

// Message is a single direct message as rendered in a thread.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"createdAt"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
	Deleted        bool       `json:"deleted"`
	Sender         Profile    `json:"sender"`
	Provisional    bool       `json:"provisional,omitempty"`
}

// Normalized returns the message with deleted content masked.
func (m Message) Normalized() Message {
	if m.Deleted {
		m.Content = DeletedPlaceholder
	}
	return m
}

// MatchKey is the sender/content pair used to pair a provisional message with its
// confirmed copy.
func (m Message) MatchKey() (string, string) {
	return m.SenderID, strings.TrimSpace(m.Content)
}

// NewMessage carries the fields needed to insert a message row.
type NewMessage struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Content        string `json:"content"`
}

// MessagePatch lists the mutable columns of a message row. Nil fields are left as is.
type MessagePatch struct {
	Content  *string    `json:"content,omitempty"`
	EditedAt *time.Time `json:"editedAt,omitempty"`
	Deleted  *bool      `json:"deleted,omitempty"`
}

// PageQuery bounds a message fetch. A zero Before means the newest page.
type PageQuery struct {
	Limit  int       `json:"limit"`
	Before time.Time `json:"before,omitempty"`
	// BeforeID breaks ties on Before: rows stamped exactly Before are included only
	// when their id sorts below BeforeID.
	BeforeID string `json:"beforeId,omitempty"`
}

// Precedes reports whether m sorts before the cursor in (created_at, id) order. A zero
// Before matches every row.
func (q PageQuery) Precedes(m Message) bool {
	if q.Before.IsZero() || m.CreatedAt.Before(q.Before) {
		return true
	}
	return q.BeforeID != "" && m.CreatedAt.Equal(q.Before) && m.ID < q.BeforeID
}

// ChangeKind is the type of a row change delivered by the realtime channel.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
)

// ChangeEvent is a normalized message change with the sender profile attached.
type ChangeEvent struct {
	Kind    ChangeKind `json:"kind"`
	Message Message    `json:"message"`
}
