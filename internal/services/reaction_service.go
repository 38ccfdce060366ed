// Package services – ReactionService
//
// Toggle implements the add-or-remove reaction semantics. The emitted event
// kind (reaction:add / reaction:remove) tells subscribers which outcome
// happened so their counts stay consistent under double toggles.
package services

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/events"
	"github.com/tbourn/go-market-chat/internal/repo"
)

// Reaction outcomes.
const (
	ReactionAdded   = "added"
	ReactionRemoved = "removed"
)

const maxEmojiRunes = 32

// ReactionService toggles reactions on messages.
type ReactionService struct {
	DB            *gorm.DB
	Conversations *ConversationService
	Broadcaster   Broadcaster
	Log           *zerolog.Logger
	Async         func(func())
}

// NewReactionService constructs a ReactionService.
func NewReactionService(db *gorm.DB, conv *ConversationService, b Broadcaster) *ReactionService {
	return &ReactionService{DB: db, Conversations: conv, Broadcaster: b}
}

// ToggleResult reports what Toggle did and the emoji's count afterwards.
type ToggleResult struct {
	Outcome        string `json:"outcome"`
	MessageID      uint   `json:"message_id"`
	ConversationID uint   `json:"conversation_id"`
	Emoji          string `json:"emoji"`
	Count          int64  `json:"count"`
}

// Toggle removes the user's reaction if present and adds it otherwise.
func (s *ReactionService) Toggle(ctx context.Context, messageID, userID uint, emoji string) (*ToggleResult, error) {
	tr := otel.Tracer("services/ReactionService")
	ctx, span := tr.Start(ctx, "Toggle",
		trace.WithAttributes(
			attribute.Int64("message.id", int64(messageID)),
			attribute.Int64("user.id", int64(userID)),
		),
	)
	defer span.End()

	emoji = strings.TrimSpace(emoji)
	if emoji == "" || utf8.RuneCountInString(emoji) > maxEmojiRunes {
		return nil, ErrInvalidEmoji
	}

	m, err := repo.GetMessage(ctx, s.DB, messageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := s.Conversations.Authorize(ctx, m.ConversationID, userID); err != nil {
		return nil, err
	}

	var outcome string
	toggle := func() error {
		return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			r, err := repo.FindReaction(ctx, tx, messageID, userID, emoji)
			switch {
			case err == nil:
				if err := repo.DeleteReaction(ctx, tx, r.ID); err != nil {
					return err
				}
				outcome = ReactionRemoved
			case errors.Is(err, repo.ErrNotFound):
				if _, err := repo.CreateReaction(ctx, tx, messageID, userID, emoji); err != nil {
					return err
				}
				outcome = ReactionAdded
			default:
				return err
			}
			return repo.TouchMessage(ctx, tx, messageID, time.Now().UTC())
		})
	}
	err = toggle()
	// A concurrent add won the unique index; toggling again removes it.
	if errors.Is(err, repo.ErrDuplicate) || errors.Is(err, repo.ErrNotFound) {
		err = toggle()
	}
	if err != nil {
		return nil, err
	}

	count, err := repo.CountReactions(ctx, s.DB, messageID, emoji)
	if err != nil {
		return nil, err
	}
	res := &ToggleResult{
		Outcome:        outcome,
		MessageID:      messageID,
		ConversationID: m.ConversationID,
		Emoji:          emoji,
		Count:          count,
	}
	span.SetAttributes(attribute.String("reaction.outcome", outcome))

	ev := events.NewReaction(events.Reaction{
		MessageID:      messageID,
		ConversationID: m.ConversationID,
		UserID:         userID,
		Emoji:          emoji,
	}, outcome == ReactionAdded)
	runAsync(s.Async, func() {
		emit(s.Broadcaster, events.ConversationRoom(m.ConversationID), ev)
	})
	return res, nil
}
