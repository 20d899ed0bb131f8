package supabase

import (
	"encoding/json"

	"github.com/orbitthread/dmsync/internal/backend"
)

// Frames of the Phoenix channel protocol spoken by the realtime endpoint.

type outbound struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

type inbound struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     json.RawMessage `json:"ref"`
}

// refString accepts refs sent back as strings or numbers.
func (m inbound) refString() string {
	var s string
	if err := json.Unmarshal(m.Ref, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(m.Ref, &n); err == nil {
		return n.String()
	}
	return ""
}

type postgresChange struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinConfig struct {
	Broadcast       map[string]bool   `json:"broadcast"`
	Presence        map[string]string `json:"presence"`
	PostgresChanges []postgresChange  `json:"postgres_changes"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

func joinPayloadFor(filter backend.ChangeFilter, token string) joinPayload {
	change := postgresChange{Event: "*", Schema: "public", Table: tableMessages}
	if len(filter.Kinds) == 1 {
		change.Event = string(filter.Kinds[0])
	}
	if filter.ConversationID != "" {
		change.Filter = "conversation_id=eq." + filter.ConversationID
	}
	return joinPayload{
		Config: joinConfig{
			Broadcast:       map[string]bool{"self": false},
			Presence:        map[string]string{"key": ""},
			PostgresChanges: []postgresChange{change},
		},
		AccessToken: token,
	}
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

func (p replyPayload) reason() string {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(p.Response, &body); err == nil && body.Reason != "" {
		return body.Reason
	}
	if len(p.Response) > 0 {
		return string(p.Response)
	}
	return p.Status
}

type changePayload struct {
	Data struct {
		Type      string      `json:"type"`
		Schema    string      `json:"schema"`
		Table     string      `json:"table"`
		Record    *messageRow `json:"record"`
		OldRecord *messageRow `json:"old_record"`
	} `json:"data"`
	IDs []int64 `json:"ids"`
}
