package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIdempotency_UniquePerUserConversationKey(t *testing.T) {
	db := newDomainDB(t)
	now := time.Now().UTC()

	rec := Idempotency{
		ID:             uuid.NewString(),
		UserID:         1,
		ConversationID: 10,
		Key:            "k-1",
		MessageID:      100,
		Status:         201,
		ExpiresAt:      now.Add(time.Hour),
	}
	if err := db.Create(&rec).Error; err != nil {
		t.Fatalf("insert: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt should be set by autoCreateTime")
	}

	dup := rec
	dup.ID = uuid.NewString()
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation on (user, conversation, key)")
	}

	// Same key in another conversation is a different correlation.
	other := rec
	other.ID = uuid.NewString()
	other.ConversationID = 11
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("other conversation should be accepted: %v", err)
	}
}
