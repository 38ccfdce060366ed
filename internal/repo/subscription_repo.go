// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for push
// Subscriptions.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// UpsertSubscription registers a push endpoint for userID. An endpoint that
// already exists is re-assigned to userID with the new keys, since a device
// can change hands between logins.
func UpsertSubscription(ctx context.Context, db *gorm.DB, userID uint, endpoint, p256dh, auth string) (*domain.Subscription, error) {
	now := time.Now().UTC()
	s := &domain.Subscription{
		UserID:    userID,
		Endpoint:  endpoint,
		P256dh:    p256dh,
		Auth:      auth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "p256dh", "auth", "updated_at"}),
	}).Create(s).Error
	if err != nil {
		return nil, err
	}

	var out domain.Subscription
	if err := db.WithContext(ctx).Where("endpoint = ?", endpoint).First(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSubscriptions returns every endpoint registered by userID.
func ListSubscriptions(ctx context.Context, db *gorm.DB, userID uint) ([]domain.Subscription, error) {
	var out []domain.Subscription
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&out).Error
	return out, err
}

// DeleteSubscription removes a subscription by id. Deleting a row that is
// already gone is not an error.
func DeleteSubscription(ctx context.Context, db *gorm.DB, id uint) error {
	return db.WithContext(ctx).Delete(&domain.Subscription{}, id).Error
}
