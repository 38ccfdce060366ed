// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Message model.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// CreateMessage inserts m. CreatedAt is assigned here, at the single point of
// persistence, unless the caller already set it.
func CreateMessage(ctx context.Context, db *gorm.DB, m *domain.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = m.CreatedAt
	}
	if m.Type == "" {
		m.Type = domain.MessageTypeText
	}
	return db.WithContext(ctx).Omit("Conversation", "ReplyTo", "Reactions").Create(m).Error
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id uint) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FindMessageByClientID returns the message a sender created in a
// conversation under the given client correlation id.
func FindMessageByClientID(ctx context.Context, db *gorm.DB, conversationID, senderID uint, clientID string) (*domain.Message, error) {
	var m domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ? AND sender_id = ? AND client_message_id = ?", conversationID, senderID, clientID).
		Order("id ASC").
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListMessagesWindow returns the newest limit messages of a conversation
// (skipping offset newer ones), ordered oldest first by (created_at, id).
func ListMessagesWindow(ctx context.Context, db *gorm.DB, conversationID uint, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Preload("Reactions").
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC, id DESC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID uint) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).Scan(&total).Error
	return total, err
}

// TouchMessage bumps a message's updated_at so validators built from
// MessagesStats change when data hanging off the message (reactions) does.
func TouchMessage(ctx context.Context, db *gorm.DB, id uint, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		UpdateColumn("updated_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkConversationRead flips is_read for every unread message in the
// conversation not sent by readerID and returns how many rows changed. The
// conversation's updated_at is bumped when anything changed so list
// validators notice.
func MarkConversationRead(ctx context.Context, db *gorm.DB, conversationID, readerID uint) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Message{}).
			Where("conversation_id = ? AND sender_id <> ? AND is_read = ?", conversationID, readerID, false).
			Update("is_read", true)
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		if n == 0 {
			return nil
		}
		return tx.Model(&domain.Conversation{}).
			Where("id = ?", conversationID).
			Update("updated_at", time.Now().UTC()).Error
	})
	return n, err
}

// LastMessages returns the latest message of each given conversation, keyed
// by conversation id. Conversations without messages are absent.
func LastMessages(ctx context.Context, db *gorm.DB, conversationIDs []uint) (map[uint]domain.Message, error) {
	out := make(map[uint]domain.Message, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var rows []domain.Message
	err := db.WithContext(ctx).Raw(`
		SELECT * FROM (
			SELECT messages.*, ROW_NUMBER() OVER (
				PARTITION BY conversation_id ORDER BY created_at DESC, id DESC
			) AS rn
			FROM messages WHERE conversation_id IN ?
		) latest WHERE rn = 1`, conversationIDs).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[m.ConversationID] = m
	}
	return out, nil
}

// ListSearchCandidates returns up to limit of the newest messages with
// content in conversations userID participates in.
func ListSearchCandidates(ctx context.Context, db *gorm.DB, userID uint, limit int) ([]domain.Message, error) {
	var out []domain.Message
	q := db.WithContext(ctx).
		Select("messages.*").
		Joins("JOIN conversations ON conversations.id = messages.conversation_id").
		Joins("JOIN stores ON stores.id = conversations.store_id").
		Where("(conversations.buyer_id = ? OR stores.user_id = ?) AND messages.content IS NOT NULL AND messages.deleted_by_sender = ?", userID, userID, false).
		Order("messages.created_at DESC, messages.id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}
