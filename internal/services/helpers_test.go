package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/events"
	"github.com/tbourn/go-market-chat/internal/push"
	"github.com/tbourn/go-market-chat/internal/repo"
)

// ---------- test helpers ----------

func newSvcDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
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
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// inline runs fan-out synchronously so assertions see its effects.
func inline(fn func()) { fn() }

type emitted struct {
	Room  string
	Event events.Event
}

type recordingBroadcaster struct {
	mu  sync.Mutex
	out []emitted
}

func (b *recordingBroadcaster) EmitToRoom(room string, ev events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.out = append(b.out, emitted{Room: room, Event: ev})
}

func (b *recordingBroadcaster) all() []emitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]emitted(nil), b.out...)
}

func (b *recordingBroadcaster) inRoom(room string) []events.Event {
	var out []events.Event
	for _, e := range b.all() {
		if e.Room == room {
			out = append(out, e.Event)
		}
	}
	return out
}

type pushCall struct {
	UserID uint
	N      push.Notification
}

type fakePushSender struct {
	mu    sync.Mutex
	calls []pushCall
	err   error
}

func (f *fakePushSender) SendToUser(_ context.Context, userID uint, n push.Notification) (PushResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pushCall{UserID: userID, N: n})
	return PushResult{Sent: 1}, f.err
}

type fixture struct {
	db     *gorm.DB
	bc     *recordingBroadcaster
	pusher *fakePushSender
	conv   *ConversationService
	msgs   *MessageService
	reacts *ReactionService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newSvcDB(t)
	bc := &recordingBroadcaster{}
	p := &fakePushSender{}
	conv := NewConversationService(db, bc)
	ms := NewMessageService(db, conv, bc, p)
	ms.Async = inline
	rs := NewReactionService(db, conv, bc)
	rs.Async = inline
	return &fixture{db: db, bc: bc, pusher: p, conv: conv, msgs: ms, reacts: rs}
}

// thread creates a store owned by seller and the buyer's conversation with it.
func (f *fixture) thread(t *testing.T, buyer, seller uint) *domain.Conversation {
	t.Helper()
	ctx := context.Background()
	st, err := repo.CreateStore(ctx, f.db, seller, fmt.Sprintf("store-%d", seller))
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	c, _, err := f.conv.FindOrCreate(ctx, buyer, st.ID, nil)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	return c
}

func (f *fixture) countMessages(t *testing.T, convID uint) int64 {
	t.Helper()
	n, err := repo.CountMessages(context.Background(), f.db, convID)
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	return n
}
