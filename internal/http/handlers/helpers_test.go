package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/http/middleware"
	"github.com/tbourn/go-market-chat/internal/push"
	"github.com/tbourn/go-market-chat/internal/repo"
	"github.com/tbourn/go-market-chat/internal/services"
)

// ---------- test DB + services ----------

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// Unique DSN per call to avoid cross-test contamination
	dsn := fmt.Sprintf("file:handlers_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
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
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// okDeliverer accepts every push.
type okDeliverer struct{ n int }

func (d *okDeliverer) Deliver(context.Context, push.Target, []byte) (push.Outcome, error) {
	d.n++
	return push.Delivered, nil
}

func inline(fn func()) { fn() }

type testEnv struct {
	db        *gorm.DB
	conv      *services.ConversationService
	msgs      *services.MessageService
	deliverer *okDeliverer
	r         *gin.Engine
}

// newEnv wires real services over an in-memory database and mounts the
// handlers the way the router does. The caller is taken from X-Test-User.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDB(t)
	conv := services.NewConversationService(db, services.NopBroadcaster{})
	msgs := services.NewMessageService(db, conv, services.NopBroadcaster{}, nil)
	msgs.Async = inline
	reacts := services.NewReactionService(db, conv, services.NopBroadcaster{})
	reacts.Async = inline
	d := &okDeliverer{}
	pushes := services.NewPushService(db, d)

	h := New(conv, msgs, reacts, pushes)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if v, err := strconv.ParseUint(c.GetHeader("X-Test-User"), 10, 64); err == nil {
			c.Set("userID", uint(v))
		}
		c.Next()
	})
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))

	r.POST("/conversations", h.CreateConversation)
	r.GET("/conversations", h.ListConversations)
	r.GET("/conversations/:id/messages", h.ListMessages)
	r.POST("/conversations/:id/messages", h.SendMessage)
	r.POST("/conversations/:id/read", h.MarkRead)
	r.POST("/conversations/:id/block", h.BlockConversation)
	r.DELETE("/conversations/:id/block", h.UnblockConversation)
	r.POST("/messages", h.SendMessage)
	r.GET("/messages/search", h.SearchMessages)
	r.POST("/messages/:id/reactions", h.ToggleReaction)
	r.POST("/notifications/subscribe", h.Subscribe)
	r.POST("/notifications/send", h.SendNotification)

	return &testEnv{db: db, conv: conv, msgs: msgs, deliverer: d, r: r}
}

// do performs a request as user uid (0 = anonymous) with an optional JSON body
// and extra header pairs.
func (e *testEnv) do(t *testing.T, method, path string, uid uint, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, isRaw := body.(string); isRaw {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		req.Header.Set("X-Test-User", strconv.FormatUint(uint64(uid), 10))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	e.r.ServeHTTP(w, req)
	return w
}

// thread creates a store owned by seller and the buyer's conversation with it.
func (e *testEnv) thread(t *testing.T, buyer, seller uint) *domain.Conversation {
	t.Helper()
	ctx := context.Background()
	st, err := repo.CreateStore(ctx, e.db, seller, fmt.Sprintf("store-%d", seller))
	if err != nil {
		t.Fatalf("CreateStore: %v", err)
	}
	c, _, err := e.conv.FindOrCreate(ctx, buyer, st.ID, nil)
	if err != nil {
		t.Fatalf("FindOrCreate: %v", err)
	}
	return c
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("json: %v (body=%s)", err, w.Body.String())
	}
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var er ErrorResponse
	decode(t, w, &er)
	return er.Code
}
