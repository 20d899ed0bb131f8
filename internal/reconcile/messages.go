// Package reconcile merges fetched pages, realtime events and provisional messages
// into ordered, duplicate-free lists. Every function returns a new slice and leaves
// its input untouched.
package reconcile

import (
	"slices"

	"github.com/orbitthread/dmsync/internal/model/dm"
)

// Outcome describes what applying an event did to a list.
type Outcome string

const (
	Inserted            Outcome = "inserted"
	Duplicate           Outcome = "duplicate"
	ReplacedProvisional Outcome = "provisional_replaced"
	Updated             Outcome = "updated"
	Removed             Outcome = "removed"
	Missing             Outcome = "missing"
	Ignored             Outcome = "ignored"
)

// Options tunes event application.
type Options struct {
	// DropDeleted removes a message from the list when an update marks it deleted,
	// instead of keeping it in place with placeholder content.
	DropDeleted bool
}

// ApplyMessageEvent folds one change event into an ascending message list.
func ApplyMessageEvent(list []dm.Message, ev dm.ChangeEvent, opts Options) ([]dm.Message, Outcome) {
	switch ev.Kind {
	case dm.ChangeInsert:
		return InsertConfirmed(list, ev.Message)
	case dm.ChangeUpdate:
		return UpdateMessage(list, ev.Message, opts)
	default:
		return clone(list), Ignored
	}
}

// InsertConfirmed adds a confirmed message. A message whose id is already present is
// ignored. Otherwise the oldest provisional entry with the same sender and trimmed
// content is removed before the message is placed in timestamp order.
func InsertConfirmed(list []dm.Message, msg dm.Message) ([]dm.Message, Outcome) {
	if indexOf(list, msg.ID) >= 0 {
		return clone(list), Duplicate
	}

	msg.Provisional = false
	msg = msg.Normalized()

	out := make([]dm.Message, 0, len(list)+1)
	outcome := Inserted
	sender, content := msg.MatchKey()
	for _, m := range list {
		if outcome == Inserted && m.Provisional {
			s, c := m.MatchKey()
			if s == sender && c == content {
				outcome = ReplacedProvisional
				continue
			}
		}
		out = append(out, m)
	}

	return insertSorted(out, msg), outcome
}

// UpdateMessage merges an updated row into the entry with the same id. The creation
// timestamp of the existing entry is kept.
func UpdateMessage(list []dm.Message, msg dm.Message, opts Options) ([]dm.Message, Outcome) {
	i := indexOf(list, msg.ID)
	if i < 0 {
		return clone(list), Missing
	}

	if msg.Deleted && opts.DropDeleted {
		out := make([]dm.Message, 0, len(list)-1)
		out = append(out, list[:i]...)
		return append(out, list[i+1:]...), Removed
	}

	out := clone(list)
	out[i] = merge(out[i], msg)
	return out, Updated
}

// AppendProvisional adds a locally authored message to the tail of the list.
func AppendProvisional(list []dm.Message, msg dm.Message) []dm.Message {
	msg.Provisional = true
	return insertSorted(clone(list), msg)
}

// RemoveMessage drops the entry with the given id.
func RemoveMessage(list []dm.Message, id string) ([]dm.Message, bool) {
	i := indexOf(list, id)
	if i < 0 {
		return clone(list), false
	}
	out := make([]dm.Message, 0, len(list)-1)
	out = append(out, list[:i]...)
	return append(out, list[i+1:]...), true
}

// MergePage unions a fetched page into the current list. Entries already present
// (usually delivered by events while the fetch was in flight) win over the fetched
// copy. Each newly added row retires one matching provisional entry, as a confirming
// insert event would.
func MergePage(list []dm.Message, page []dm.Message) []dm.Message {
	out := clone(list)
	for _, msg := range page {
		out, _ = InsertConfirmed(out, msg)
	}
	return out
}

// Oldest returns the earliest confirmed message, used as the cursor for older pages.
// Among messages sharing the earliest timestamp the smallest id wins, matching the
// backend's (created_at, id) page order.
func Oldest(list []dm.Message) (dm.Message, bool) {
	var oldest dm.Message
	found := false
	for _, m := range list {
		if m.Provisional {
			continue
		}
		if !found {
			oldest, found = m, true
			continue
		}
		if !m.CreatedAt.Equal(oldest.CreatedAt) {
			// list is ascending, so later entries are newer
			break
		}
		if m.ID < oldest.ID {
			oldest = m
		}
	}
	return oldest, found
}

func merge(existing, incoming dm.Message) dm.Message {
	merged := existing
	merged.Content = incoming.Content
	merged.EditedAt = incoming.EditedAt
	merged.Deleted = incoming.Deleted
	if incoming.ConversationID != "" {
		merged.ConversationID = incoming.ConversationID
	}
	if incoming.SenderID != "" {
		merged.SenderID = incoming.SenderID
	}
	if incoming.Sender.ID != "" && (!incoming.Sender.IsPlaceholder() || existing.Sender.ID == "") {
		merged.Sender = incoming.Sender
	}
	return merged.Normalized()
}

func insertSorted(list []dm.Message, msg dm.Message) []dm.Message {
	// first position whose timestamp is strictly later keeps equal timestamps in
	// arrival order
	i := len(list)
	for i > 0 && list[i-1].CreatedAt.After(msg.CreatedAt) {
		i--
	}
	return slices.Insert(list, i, msg)
}

func indexOf(list []dm.Message, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(list, func(m dm.Message) bool { return m.ID == id })
}

func clone(list []dm.Message) []dm.Message {
	out := make([]dm.Message, len(list), len(list)+1)
	copy(out, list)
	return out
}
