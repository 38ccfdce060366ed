package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// newRepoDB opens a private in-memory database. With migrate=false no tables
// exist, which lets tests drive the error paths.
func newRepoDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repo_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if migrate {
		if err := AutoMigrate(db); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

// seedThread creates a store owned by sellerID and a product-less
// conversation with buyerID.
func seedThread(t *testing.T, db *gorm.DB, buyerID, sellerID uint) *domain.Conversation {
	t.Helper()
	ctx := context.Background()
	st, err := CreateStore(ctx, db, sellerID, fmt.Sprintf("store-%d", sellerID))
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	c, _, err := FindOrCreateConversation(ctx, db, buyerID, st.ID, nil)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}
	return c
}

func seedMessage(t *testing.T, db *gorm.DB, convID, senderID uint, text string, at time.Time) *domain.Message {
	t.Helper()
	m := &domain.Message{ConversationID: convID, SenderID: senderID, Content: &text, Type: domain.MessageTypeText, CreatedAt: at}
	if err := CreateMessage(context.Background(), db, m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}
	return m
}

func uptr(u uint) *uint { return &u }
