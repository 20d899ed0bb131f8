package reconcile

import (
	"slices"

	"github.com/orbitthread/dmsync/internal/model/dm"
)

// ApplyConversationMessage records msg as the last message of its conversation and
// re-sorts the inbox. It reports false when the conversation is not in the list.
// A message older than the current snapshot does not move the conversation back.
func ApplyConversationMessage(list []dm.ConversationSummary, msg dm.Message) ([]dm.ConversationSummary, bool) {
	i := slices.IndexFunc(list, func(c dm.ConversationSummary) bool { return c.ID == msg.ConversationID })
	if i < 0 {
		return cloneSummaries(list), false
	}

	out := cloneSummaries(list)
	conv := out[i]
	if conv.LastMessage != nil && msg.CreatedAt.Before(conv.LastMessage.CreatedAt) {
		return out, true
	}

	conv.LastMessage = &dm.LastMessage{
		Content:   msg.Content,
		SenderID:  msg.SenderID,
		CreatedAt: msg.CreatedAt,
	}
	if msg.CreatedAt.After(conv.UpdatedAt) {
		conv.UpdatedAt = msg.CreatedAt
	}
	out[i] = conv

	SortConversations(out)
	return out, true
}

// MergeConversations takes fetched as the authoritative set and keeps, per id, the
// newer last-message snapshot of current, which may have been advanced by events
// while the fetch was running.
func MergeConversations(current, fetched []dm.ConversationSummary) []dm.ConversationSummary {
	byID := make(map[string]dm.ConversationSummary, len(current))
	for _, c := range current {
		byID[c.ID] = c
	}

	out := cloneSummaries(fetched)
	for i, f := range out {
		c, ok := byID[f.ID]
		if !ok || !c.UpdatedAt.After(f.UpdatedAt) {
			continue
		}
		f.UpdatedAt = c.UpdatedAt
		if c.LastMessage != nil {
			last := *c.LastMessage
			f.LastMessage = &last
		}
		out[i] = f
	}

	SortConversations(out)
	return out
}

// SortConversations orders by updated timestamp, newest first, keeping the relative
// order of ties.
func SortConversations(list []dm.ConversationSummary) {
	slices.SortStableFunc(list, func(a, b dm.ConversationSummary) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
}

func cloneSummaries(list []dm.ConversationSummary) []dm.ConversationSummary {
	out := make([]dm.ConversationSummary, len(list))
	copy(out, list)
	return out
}
