// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Reaction
// model.
//
// The (message_id, user_id, emoji) triple is unique at the schema level. A
// duplicate insert is reported as ErrDuplicate so the service layer can treat
// it as a lost toggle race.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// FindReaction returns the reaction for the triple or ErrNotFound.
func FindReaction(ctx context.Context, db *gorm.DB, messageID, userID uint, emoji string) (*domain.Reaction, error) {
	var r domain.Reaction
	err := db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", messageID, userID, emoji).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateReaction inserts a reaction row.
func CreateReaction(ctx context.Context, db *gorm.DB, messageID, userID uint, emoji string) (*domain.Reaction, error) {
	r := &domain.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Omit("Message").Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// DeleteReaction removes a reaction by id. It returns ErrNotFound when no row
// was deleted.
func DeleteReaction(ctx context.Context, db *gorm.DB, id uint) error {
	res := db.WithContext(ctx).Delete(&domain.Reaction{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountReactions returns how many users reacted to a message with emoji.
func CountReactions(ctx context.Context, db *gorm.DB, messageID uint, emoji string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Reaction{}).
		Where("message_id = ? AND emoji = ?", messageID, emoji).
		Count(&n).Error
	return n, err
}
