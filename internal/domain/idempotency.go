package domain

import "time"

// Idempotency records the message produced for a client correlation key,
// keyed by (user_id, conversation_id, key). A resend carrying the same key
// inside the TTL resolves to MessageID instead of inserting again.
type Idempotency struct {
	ID             string    `gorm:"type:varchar(36);not null;primaryKey"`
	UserID         uint      `gorm:"not null;uniqueIndex:ux_user_conversation_key,priority:1"`
	ConversationID uint      `gorm:"not null;uniqueIndex:ux_user_conversation_key,priority:2"`
	Key            string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_user_conversation_key,priority:3"`
	MessageID      uint      `gorm:"not null"`
	Status         int       `gorm:"not null"`
	CreatedAt      time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt      time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
