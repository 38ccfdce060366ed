// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation model and the read-only Store rows it references.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a conversation or store is not found, functions return
//     gorm.ErrRecordNotFound (also exported here as ErrNotFound).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Functions:
//
//   - FindOrCreateConversation(ctx, db, buyerID, storeID, productID) -> *domain.Conversation, bool, error
//     Returns the unique thread for the triple, creating it on first contact.
//
//   - GetConversation(ctx, db, id) -> *domain.Conversation, error
//     Fetches a conversation with StoreOwnerID resolved.
//
//   - ListConversationsForUser(ctx, db, userID, offset, limit) -> []domain.Conversation, error
//     Conversations where the user is the buyer or owns the store, newest activity first.
//
//   - TouchConversation(ctx, db, id, at) -> error
//     Sets last_message_at.
//
//   - SetConversationBlocked(ctx, db, id, blocked, by) -> error
//     Updates the block flag and who set it.
//
//   - ConversationBlocked(ctx, db, id) -> bool, error
//     Reads the block flag under a row lock where the driver has one.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateStore inserts a store row. Stores are owned by the catalog side of
// the marketplace; this exists for seeding and tests.
func CreateStore(ctx context.Context, db *gorm.DB, ownerID uint, name string) (*domain.Store, error) {
	s := &domain.Store{UserID: ownerID, Name: name, CreatedAt: time.Now().UTC()}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// GetStore fetches a store by id or returns ErrNotFound.
func GetStore(ctx context.Context, db *gorm.DB, id uint) (*domain.Store, error) {
	var s domain.Store
	if err := db.WithContext(ctx).First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func productKey(productID *uint) uint {
	if productID == nil {
		return 0
	}
	return *productID
}

// FindOrCreateConversation returns the conversation for (buyer, store,
// product), inserting it when none exists. created reports whether this call
// inserted the row. A concurrent insert losing the unique-index race falls
// back to reading the winner.
func FindOrCreateConversation(ctx context.Context, db *gorm.DB, buyerID, storeID uint, productID *uint) (conv *domain.Conversation, created bool, err error) {
	key := productKey(productID)
	find := func() (*domain.Conversation, error) {
		var c domain.Conversation
		err := db.WithContext(ctx).
			Preload("Store").
			Where("buyer_id = ? AND store_id = ? AND product_key = ?", buyerID, storeID, key).
			First(&c).Error
		if err != nil {
			return nil, err
		}
		c.StoreOwnerID = c.Store.UserID
		return &c, nil
	}

	if c, err := find(); err == nil {
		return c, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	c := &domain.Conversation{
		BuyerID:       buyerID,
		StoreID:       storeID,
		ProductID:     productID,
		ProductKey:    key,
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.WithContext(ctx).Omit("Store").Create(c).Error; err != nil {
		if isUniqueViolation(err) {
			existing, ferr := find()
			return existing, false, ferr
		}
		return nil, false, err
	}
	// Reload for the store owner.
	out, err := find()
	return out, true, err
}

// GetConversation fetches a conversation by id with StoreOwnerID resolved.
func GetConversation(ctx context.Context, db *gorm.DB, id uint) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Preload("Store").First(&c, id).Error; err != nil {
		return nil, err
	}
	c.StoreOwnerID = c.Store.UserID
	return &c, nil
}

// ListConversationsForUser returns the conversations userID participates in,
// as buyer or as owner of the store, ordered by last_message_at descending.
// LastMessage is filled for conversations that have any messages. A
// non-positive limit returns every row.
func ListConversationsForUser(ctx context.Context, db *gorm.DB, userID uint, offset, limit int) ([]domain.Conversation, error) {
	var out []domain.Conversation
	q := db.WithContext(ctx).
		Select("conversations.*").
		Preload("Store").
		Joins("JOIN stores ON stores.id = conversations.store_id").
		Where("conversations.buyer_id = ? OR stores.user_id = ?", userID, userID).
		Order("conversations.last_message_at DESC, conversations.id DESC")
	if offset > 0 {
		q = q.Offset(offset)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]uint, len(out))
	for i := range out {
		out[i].StoreOwnerID = out[i].Store.UserID
		ids[i] = out[i].ID
	}
	last, err := LastMessages(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if m, ok := last[out[i].ID]; ok {
			m := m
			out[i].LastMessage = &m
		}
	}
	return out, nil
}

// TouchConversation sets last_message_at for conversation id.
func TouchConversation(ctx context.Context, db *gorm.DB, id uint, at time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("last_message_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetConversationBlocked flips the block flag. by is stored when blocking and
// cleared when unblocking.
func SetConversationBlocked(ctx context.Context, db *gorm.DB, id uint, blocked bool, by *uint) error {
	if !blocked {
		by = nil
	}
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{"is_blocked": blocked, "blocked_by": by})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ConversationBlocked reads the block flag of conversation id. On Postgres the
// row is locked FOR UPDATE so a concurrent block waits for the caller's
// transaction; SQLite serializes writers and ignores the clause.
func ConversationBlocked(ctx context.Context, db *gorm.DB, id uint) (bool, error) {
	var c domain.Conversation
	err := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id", "is_blocked").
		First(&c, id).Error
	if err != nil {
		return false, err
	}
	return c.IsBlocked, nil
}

// SharesConversation reports whether a and b are the two sides of at least
// one conversation, in either role.
func SharesConversation(ctx context.Context, db *gorm.DB, a, b uint) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Joins("JOIN stores ON stores.id = conversations.store_id").
		Where("(conversations.buyer_id = ? AND stores.user_id = ?) OR (conversations.buyer_id = ? AND stores.user_id = ?)", a, b, b, a).
		Count(&n).Error
	return n > 0, err
}
