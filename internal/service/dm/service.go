package dm

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/orbitthread/dmsync/internal/backend"
	"github.com/orbitthread/dmsync/internal/logging"
	"github.com/orbitthread/dmsync/internal/model/dm"
	"github.com/orbitthread/dmsync/internal/reconcile"
)

var (
	ErrCounterpartRequired  = &dm.Error{Kind: dm.KindInvalidArgument, Msg: "Other user id is required"}
	ErrConversationRequired = &dm.Error{Kind: dm.KindInvalidArgument, Msg: "Conversation id is required"}
	ErrMessageRequired      = &dm.Error{Kind: dm.KindInvalidArgument, Msg: "Message id is required"}
)

// lastMessageFanout bounds concurrent last-message lookups while listing.
const lastMessageFanout = 8

// Service exposes the stateless direct-message operations on top of a backend.
type Service struct {
	backend backend.Backend
	log     *zap.Logger
	now     func() time.Time
	group   singleflight.Group
}

// NewService wires the service to b. logger may be nil.
func NewService(b backend.Backend, logger *zap.Logger) *Service {
	return &Service{
		backend: b,
		log:     logging.OrNop(logger).Named("dm"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CurrentActor returns the signed-in actor id. A missing or rejected session is
// reported as "Not authenticated"; transport and service failures keep their own text.
func (s *Service) CurrentActor(ctx context.Context) (string, error) {
	actor, err := s.backend.CurrentActor(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if errors.Is(err, backend.ErrUnauthenticated) {
			return "", &dm.Error{Kind: dm.KindUnauthenticated, Msg: dm.ErrNotAuthenticated.Msg, Err: err}
		}
		return "", failure("Failed to get current user", err)
	}
	if actor == "" {
		return "", dm.ErrNotAuthenticated
	}
	return actor, nil
}

// ResolveConversation returns the two-party conversation between the actor and
// otherID, creating it on first contact. Concurrent calls for the same pair in this
// process share one round trip.
func (s *Service) ResolveConversation(ctx context.Context, otherID string) (dm.Resolution, error) {
	actor, err := s.CurrentActor(ctx)
	if err != nil {
		return dm.Resolution{}, err
	}
	if otherID == "" {
		return dm.Resolution{}, ErrCounterpartRequired
	}
	if otherID == actor {
		return dm.Resolution{}, dm.ErrSelfConversation
	}

	// the shared call outlives any single caller; each caller waits on its own ctx
	shared := context.WithoutCancel(ctx)
	ch := s.group.DoChan(pairKey(actor, otherID), func() (any, error) {
		return s.resolve(shared, actor, otherID)
	})
	select {
	case <-ctx.Done():
		return dm.Resolution{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return dm.Resolution{}, r.Err
		}
		return r.Val.(dm.Resolution), nil
	}
}

func (s *Service) resolve(ctx context.Context, actor, otherID string) (dm.Resolution, error) {
	if res, ok, err := s.findExisting(ctx, actor, otherID); err != nil || ok {
		return res, err
	}

	conv, err := s.backend.CreateConversation(ctx)
	if err != nil {
		return dm.Resolution{}, failure("Failed to create conversation", err)
	}

	if err := s.backend.AddMembers(ctx, conv.ID, []string{actor, otherID}); err != nil {
		s.compensate(ctx, conv.ID, err)
		if errors.Is(err, backend.ErrConflict) {
			// another writer won the pair
			if res, ok, findErr := s.findExisting(ctx, actor, otherID); findErr != nil || ok {
				return res, findErr
			}
		}
		return dm.Resolution{}, failure("Failed to add conversation members", err)
	}

	s.log.Info("conversation created", zap.String("conversation_id", conv.ID), zap.String("other_user_id", otherID))
	return dm.Resolution{Conversation: conv}, nil
}

func (s *Service) findExisting(ctx context.Context, actor, otherID string) (dm.Resolution, bool, error) {
	id, ok, err := s.backend.FindDirectConversation(ctx, actor, otherID)
	if err != nil {
		return dm.Resolution{}, false, failure("Failed to check existing conversation", err)
	}
	if !ok || id == "" {
		return dm.Resolution{}, false, nil
	}
	conv, err := s.backend.GetConversation(ctx, id)
	if err != nil {
		return dm.Resolution{}, false, failure("Failed to fetch conversation", err)
	}
	return dm.Resolution{Conversation: conv, Existing: true}, true, nil
}

// compensate removes a conversation whose memberships could not be written.
func (s *Service) compensate(ctx context.Context, conversationID string, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := s.backend.DeleteConversation(ctx, conversationID); err != nil {
		s.log.Error("compensating delete failed",
			zap.String("conversation_id", conversationID),
			zap.NamedError("cause", cause),
			zap.Error(err))
		return
	}
	s.log.Warn("conversation rolled back",
		zap.String("conversation_id", conversationID),
		zap.Error(cause))
}

// SendMessage validates content and inserts it as the actor.
func (s *Service) SendMessage(ctx context.Context, conversationID, content string) (dm.Message, error) {
	actor, err := s.CurrentActor(ctx)
	if err != nil {
		return dm.Message{}, err
	}
	if conversationID == "" {
		return dm.Message{}, ErrConversationRequired
	}
	trimmed, err := dm.ValidateContent(content)
	if err != nil {
		return dm.Message{}, err
	}

	msg, err := s.backend.InsertMessage(ctx, dm.NewMessage{
		ConversationID: conversationID,
		SenderID:       actor,
		Content:        trimmed,
	})
	if err != nil {
		return dm.Message{}, failure("Failed to send message", err)
	}
	return s.withSender(ctx, msg), nil
}

// ListConversations returns the actor's conversations, newest activity first, each
// with the counterpart profile and last non-deleted message.
func (s *Service) ListConversations(ctx context.Context) ([]dm.ConversationSummary, error) {
	actor, err := s.CurrentActor(ctx)
	if err != nil {
		return nil, err
	}

	ids, err := s.backend.ListMemberships(ctx, actor)
	if err != nil {
		return nil, failure("Failed to fetch memberships", err)
	}
	if len(ids) == 0 {
		return []dm.ConversationSummary{}, nil
	}

	details, err := s.backend.ListConversations(ctx, ids)
	if err != nil {
		return nil, failure("Failed to fetch conversations", err)
	}

	out := make([]dm.ConversationSummary, len(details))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lastMessageFanout)
	for i, d := range details {
		i, d := i, d
		out[i] = dm.ConversationSummary{
			ID:        d.ID,
			CreatedAt: d.CreatedAt,
			UpdatedAt: d.UpdatedAt,
			OtherUser: counterpartProfile(d, actor),
		}
		g.Go(func() error {
			last, err := s.backend.LastMessage(gctx, d.ID)
			if err != nil {
				s.log.Debug("last message unavailable", zap.String("conversation_id", d.ID), zap.Error(err))
				return nil
			}
			out[i].LastMessage = last
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	reconcile.SortConversations(out)
	return out, nil
}

// ListMessages returns a page of non-deleted messages in ascending order.
func (s *Service) ListMessages(ctx context.Context, conversationID string, q dm.PageQuery) ([]dm.Message, error) {
	if conversationID == "" {
		return nil, ErrConversationRequired
	}
	if q.Limit <= 0 {
		q.Limit = dm.DefaultPageSize
	}
	msgs, err := s.backend.ListMessages(ctx, conversationID, q)
	if err != nil {
		return nil, failure("Failed to fetch messages", err)
	}
	for i := range msgs {
		if msgs[i].Sender.ID == "" {
			msgs[i].Sender = dm.UnknownProfile(msgs[i].SenderID)
		}
		msgs[i] = msgs[i].Normalized()
	}
	return msgs, nil
}

// EditMessage replaces the content of one of the actor's messages.
func (s *Service) EditMessage(ctx context.Context, messageID, content string) (dm.Message, error) {
	if messageID == "" {
		return dm.Message{}, ErrMessageRequired
	}
	trimmed, err := dm.ValidateContent(content)
	if err != nil {
		return dm.Message{}, err
	}
	edited := s.now()
	msg, err := s.backend.UpdateMessage(ctx, messageID, dm.MessagePatch{Content: &trimmed, EditedAt: &edited})
	if err != nil {
		return dm.Message{}, failure("Failed to edit message", err)
	}
	return s.withSender(ctx, msg), nil
}

// DeleteMessage soft-deletes one of the actor's messages.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) (dm.Message, error) {
	if messageID == "" {
		return dm.Message{}, ErrMessageRequired
	}
	deleted := true
	placeholder := dm.DeletedPlaceholder
	msg, err := s.backend.UpdateMessage(ctx, messageID, dm.MessagePatch{Content: &placeholder, Deleted: &deleted})
	if err != nil {
		return dm.Message{}, failure("Failed to delete message", err)
	}
	return s.withSender(ctx, msg).Normalized(), nil
}

func (s *Service) withSender(ctx context.Context, msg dm.Message) dm.Message {
	if msg.Sender.ID != "" {
		return msg
	}
	profile, err := s.backend.GetProfile(ctx, msg.SenderID)
	if err != nil {
		profile = dm.UnknownProfile(msg.SenderID)
	}
	msg.Sender = profile
	return msg
}

func counterpartProfile(d dm.ConversationDetails, actor string) dm.Profile {
	other, ok := d.Counterpart(actor)
	if !ok {
		return dm.UnknownProfile("")
	}
	if other.Profile == nil {
		return dm.UnknownProfile(other.UserID)
	}
	return *other.Profile
}

func pairKey(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// failure maps a backend error to a display error under prefix.
func failure(prefix string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return dm.Failure(kindOf(err), prefix, err)
}

func kindOf(err error) dm.Kind {
	switch {
	case errors.Is(err, backend.ErrUnauthenticated):
		return dm.KindUnauthenticated
	case errors.Is(err, backend.ErrNotFound):
		return dm.KindNotFound
	case errors.Is(err, backend.ErrConflict):
		return dm.KindConflict
	default:
		return dm.KindBackend
	}
}
