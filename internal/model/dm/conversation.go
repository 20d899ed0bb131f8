package dm

import "time"

// Conversation is a two-party direct conversation row.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Membership links an actor to a conversation.
type Membership struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// Member is a membership joined with the member's profile, nil when the profile row
// is missing.
type Member struct {
	UserID  string   `json:"userId"`
	Profile *Profile `json:"profile,omitempty"`
}

// ConversationDetails is a conversation joined with its members.
type ConversationDetails struct {
	Conversation
	Members []Member `json:"members"`
}

// Counterpart returns the first member that is not actorID.
func (d ConversationDetails) Counterpart(actorID string) (Member, bool) {
	for _, m := range d.Members {
		if m.UserID != actorID {
			return m, true
		}
	}
	return Member{}, false
}

// LastMessage is the denormalized tail of a conversation.
type LastMessage struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"senderId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConversationSummary is one row of the inbox.
type ConversationSummary struct {
	ID          string       `json:"id"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	OtherUser   Profile      `json:"otherUser"`
	LastMessage *LastMessage `json:"lastMessage"`
	UnreadCount int          `json:"unreadCount"`
}

// Resolution is the result of resolving a conversation with a counterpart.
type Resolution struct {
	Conversation Conversation `json:"conversation"`
	Existing     bool         `json:"existing"`
}
