package supabase

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/orbitthread/dmsync/internal/model/dm"
)

const profileColumns = "id,name,handle,initials,avatar_color,status,is_verified"

// timestamp accepts the layouts produced by the row API (RFC 3339) and by the
// realtime change feed, which may omit the zone or use a space separator.
type timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

func (t *timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("unrecognized timestamp %q", raw)
}

func (t timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func (t *timestamp) ptr() *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Time
	return &v
}

type profileRow struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Handle      string `json:"handle"`
	Initials    string `json:"initials"`
	AvatarColor string `json:"avatar_color"`
	Status      string `json:"status"`
	IsVerified  bool   `json:"is_verified"`
}

func (p profileRow) toModel() dm.Profile {
	return dm.Profile{
		ID:          p.ID,
		Name:        p.Name,
		Handle:      p.Handle,
		Initials:    p.Initials,
		AvatarColor: p.AvatarColor,
		Status:      p.Status,
		Verified:    p.IsVerified,
	}
}

type conversationRow struct {
	ID        string      `json:"id"`
	CreatedAt timestamp   `json:"created_at"`
	UpdatedAt timestamp   `json:"updated_at"`
	Members   []memberRow `json:"direct_conversation_members,omitempty"`
}

func (r conversationRow) toModel() dm.Conversation {
	return dm.Conversation{ID: r.ID, CreatedAt: r.CreatedAt.Time, UpdatedAt: r.UpdatedAt.Time}
}

func (r conversationRow) toDetails() dm.ConversationDetails {
	details := dm.ConversationDetails{Conversation: r.toModel()}
	for _, m := range r.Members {
		member := dm.Member{UserID: m.UserID}
		if m.Profile != nil {
			p := m.Profile.toModel()
			member.Profile = &p
		}
		details.Members = append(details.Members, member)
	}
	return details
}

type memberRow struct {
	ConversationID string      `json:"conversation_id,omitempty"`
	UserID         string      `json:"user_id"`
	Profile        *profileRow `json:"profiles,omitempty"`
}

type messageRow struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	CreatedAt      timestamp   `json:"created_at"`
	EditedAt       *timestamp  `json:"edited_at"`
	Deleted        bool        `json:"deleted"`
	Sender         *profileRow `json:"sender,omitempty"`
}

// toModel converts the row. The sender profile stays zero when it was not embedded.
func (r messageRow) toModel() dm.Message {
	msg := dm.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		Content:        r.Content,
		CreatedAt:      r.CreatedAt.Time,
		EditedAt:       r.EditedAt.ptr(),
		Deleted:        r.Deleted,
	}
	if r.Sender != nil {
		msg.Sender = r.Sender.toModel()
	}
	return msg
}

type lastMessageRow struct {
	Content   string    `json:"content"`
	SenderID  string    `json:"sender_id"`
	CreatedAt timestamp `json:"created_at"`
}

type insertMessageRow struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Content        string `json:"content"`
}

type patchMessageRow struct {
	Content  *string    `json:"content,omitempty"`
	EditedAt *timestamp `json:"edited_at,omitempty"`
	Deleted  *bool      `json:"deleted,omitempty"`
}

func patchRow(p dm.MessagePatch) patchMessageRow {
	row := patchMessageRow{Content: p.Content, Deleted: p.Deleted}
	if p.EditedAt != nil {
		row.EditedAt = &timestamp{Time: *p.EditedAt}
	}
	return row
}
