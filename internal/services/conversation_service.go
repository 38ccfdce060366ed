// Package services – ConversationService
//
// ConversationService owns the conversation lifecycle: lazy find-or-create
// on first contact, listing for the inbox, participant authorization, and
// block/unblock. Authorize is the single participant check shared by the
// message fan-out path and the gateway's join handler.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/events"
	"github.com/tbourn/go-market-chat/internal/repo"
)

// ConversationService provides conversation-level operations.
type ConversationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Broadcaster receives block/unblock notifications. Optional.
	Broadcaster Broadcaster
	// Log falls back to the global logger when nil.
	Log *zerolog.Logger
}

// NewConversationService constructs a ConversationService.
func NewConversationService(db *gorm.DB, b Broadcaster) *ConversationService {
	return &ConversationService{DB: db, Broadcaster: b}
}

// FindOrCreate returns the unique thread between buyerID and the store,
// optionally about a product, creating it on first contact.
func (s *ConversationService) FindOrCreate(ctx context.Context, buyerID, storeID uint, productID *uint) (*domain.Conversation, bool, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "FindOrCreate",
		trace.WithAttributes(
			attribute.Int64("user.id", int64(buyerID)),
			attribute.Int64("store.id", int64(storeID)),
		),
	)
	defer span.End()

	if storeID == 0 {
		return nil, false, ErrStoreNotFound
	}
	if productID != nil && *productID == 0 {
		productID = nil
	}
	st, err := repo.GetStore(ctx, s.DB, storeID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, false, ErrStoreNotFound
	}
	if err != nil {
		return nil, false, err
	}
	if st.UserID == buyerID {
		return nil, false, ErrSelfConversation
	}
	return repo.FindOrCreateConversation(ctx, s.DB, buyerID, storeID, productID)
}

// List returns a page of the user's conversations, most recent activity first.
func (s *ConversationService) List(ctx context.Context, userID uint, page, pageSize int) ([]domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.Int64("user.id", int64(userID)),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	return repo.ListConversationsForUser(ctx, s.DB, userID, (page-1)*pageSize, pageSize)
}

// Stats returns the number of conversations the user participates in and
// their latest updated_at, used for list validators.
func (s *ConversationService) Stats(ctx context.Context, userID uint) (int64, *time.Time, error) {
	return repo.ConversationsStats(ctx, s.DB, userID)
}

// Authorize loads the conversation and verifies userID participates in it.
func (s *ConversationService) Authorize(ctx context.Context, conversationID, userID uint) (*domain.Conversation, error) {
	if conversationID == 0 {
		return nil, ErrConversationRequired
	}
	c, err := repo.GetConversation(ctx, s.DB, conversationID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return c, nil
}

// CanNotify reports whether from may address a notification to to: itself,
// or someone it shares a conversation with.
func (s *ConversationService) CanNotify(ctx context.Context, from, to uint) error {
	if from == 0 || to == 0 {
		return ErrNotParticipant
	}
	if from == to {
		return nil
	}
	ok, err := repo.SharesConversation(ctx, s.DB, from, to)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotParticipant
	}
	return nil
}

// Block marks the conversation blocked by userID. Blocking twice is a no-op;
// blocking a conversation the counterpart already blocked is refused.
func (s *ConversationService) Block(ctx context.Context, conversationID, userID uint) (*domain.Conversation, error) {
	return s.setBlocked(ctx, conversationID, userID, true)
}

// Unblock clears the block. Only the user who blocked may unblock.
func (s *ConversationService) Unblock(ctx context.Context, conversationID, userID uint) (*domain.Conversation, error) {
	return s.setBlocked(ctx, conversationID, userID, false)
}

func (s *ConversationService) setBlocked(ctx context.Context, conversationID, userID uint, blocked bool) (*domain.Conversation, error) {
	op := "Unblock"
	if blocked {
		op = "Block"
	}
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, op,
		trace.WithAttributes(
			attribute.Int64("conversation.id", int64(conversationID)),
			attribute.Int64("user.id", int64(userID)),
		),
	)
	defer span.End()

	c, err := s.Authorize(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}

	switch {
	case blocked && c.IsBlocked:
		if c.BlockedBy != nil && *c.BlockedBy == userID {
			return c, nil
		}
		return nil, ErrConversationBlocked
	case !blocked && !c.IsBlocked:
		return c, nil
	case !blocked && (c.BlockedBy == nil || *c.BlockedBy != userID):
		return nil, ErrNotBlocker
	}

	var by *uint
	if blocked {
		by = &userID
	}
	if err := repo.SetConversationBlocked(ctx, s.DB, c.ID, blocked, by); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	c.IsBlocked = blocked
	c.BlockedBy = by

	typ := events.NotifyConversationUnblocked
	if blocked {
		typ = events.NotifyConversationBlocked
	}
	ev, err := events.NewNotification(typ, events.BlockChange{ConversationID: c.ID, BlockedBy: by}, time.Now().UTC())
	if err != nil {
		loggerOr(s.Log).Warn().Err(err).Uint("conversation_id", c.ID).Msg("encode block notification")
		return c, nil
	}
	emit(s.Broadcaster, events.UserRoom(c.Counterpart(userID)), ev)
	return c, nil
}
