// Package view renders sync state as JSON payloads.
package view

import (
	"github.com/orbitthread/dmsync/internal/model/dm"
	"github.com/orbitthread/dmsync/internal/service/inbox"
	"github.com/orbitthread/dmsync/internal/service/thread"
)

// Inbox is the JSON form of an inbox snapshot.
type Inbox struct {
	Conversations []dm.ConversationSummary `json:"conversations"`
	Loading       bool                     `json:"loading"`
	Error         string                   `json:"error,omitempty"`
	Live          bool                     `json:"live"`
}

// Thread is the JSON form of a thread snapshot.
type Thread struct {
	ConversationID string       `json:"conversationId"`
	Status         string       `json:"status"`
	Messages       []dm.Message `json:"messages"`
	Error          string       `json:"error,omitempty"`
	HasMore        bool         `json:"hasMore"`
	Live           bool         `json:"live"`
}

// FromInbox converts an inbox state.
func FromInbox(s inbox.State) Inbox {
	out := Inbox{
		Conversations: s.Conversations,
		Loading:       s.Loading,
		Live:          s.Live,
	}
	if out.Conversations == nil {
		out.Conversations = []dm.ConversationSummary{}
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return out
}

// FromThread converts a thread state.
func FromThread(s thread.State) Thread {
	out := Thread{
		ConversationID: s.ConversationID,
		Status:         string(s.Status),
		Messages:       s.Messages,
		HasMore:        s.HasMore,
		Live:           s.Live,
	}
	if out.Messages == nil {
		out.Messages = []dm.Message{}
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
	}
	return out
}
