// Package backend defines the operations the messaging core needs from the hosted
// database service.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/orbitthread/dmsync/internal/model/dm"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrUnauthenticated = errors.New("not authenticated")
)

// Error is a failure reported by the remote service. Message is the service's own
// text; Err is one of the sentinels above when the failure maps to one.
type Error struct {
	Op      string
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s failed with status %d", e.Op, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Backend is the remote surface used by the messaging core. Every call acts on behalf
// of the current actor; authorization is enforced by the service.
type Backend interface {
	CurrentActor(ctx context.Context) (string, error)

	FindDirectConversation(ctx context.Context, a, b string) (string, bool, error)
	GetConversation(ctx context.Context, id string) (dm.Conversation, error)
	CreateConversation(ctx context.Context) (dm.Conversation, error)
	AddMembers(ctx context.Context, conversationID string, actorIDs []string) error
	DeleteConversation(ctx context.Context, id string) error

	ListMemberships(ctx context.Context, actorID string) ([]string, error)
	IsMember(ctx context.Context, conversationID, actorID string) (bool, error)
	ListConversations(ctx context.Context, ids []string) ([]dm.ConversationDetails, error)
	LastMessage(ctx context.Context, conversationID string) (*dm.LastMessage, error)

	ListMessages(ctx context.Context, conversationID string, q dm.PageQuery) ([]dm.Message, error)
	InsertMessage(ctx context.Context, msg dm.NewMessage) (dm.Message, error)
	UpdateMessage(ctx context.Context, id string, patch dm.MessagePatch) (dm.Message, error)

	GetProfile(ctx context.Context, id string) (dm.Profile, error)

	Subscribe(ctx context.Context, filter ChangeFilter) (ChangeStream, error)
}

// ChangeFilter selects message row changes. An empty ConversationID matches every
// conversation visible to the actor; empty Kinds matches inserts and updates.
type ChangeFilter struct {
	ConversationID string
	Kinds          []dm.ChangeKind
}

// Matches reports whether a change passes the filter.
func (f ChangeFilter) Matches(change RowChange) bool {
	if f.ConversationID != "" && change.Row.ConversationID != f.ConversationID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == change.Kind {
			return true
		}
	}
	return false
}

// RowChange is a raw message row change. Row.Sender is not populated.
type RowChange struct {
	Kind dm.ChangeKind
	Row  dm.Message
}

// ChangeStream delivers row changes until closed. The channel returned by Changes is
// closed once the stream ends, either by Close or by a terminal transport failure
// reported through Err.
type ChangeStream interface {
	Changes() <-chan RowChange
	Close() error
	Err() error
}
