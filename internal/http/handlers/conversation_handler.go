// Conversation HTTP handlers.
//
// This file exposes REST endpoints for conversation resources:
//   - POST   /conversations               (find-or-create, buyer = caller)
//   - GET    /conversations               (list, paginated, ETag support)
//   - GET    /conversations/{id}/messages (message window)
//   - POST   /conversations/{id}/read     (mark as read)
//   - POST   /conversations/{id}/block    (block)
//   - DELETE /conversations/{id}/block    (unblock)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses (including conditional responses).
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/http/middleware"
	"github.com/tbourn/go-market-chat/internal/push"
	"github.com/tbourn/go-market-chat/internal/services"
	"github.com/tbourn/go-market-chat/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService defines conversation lifecycle operations consumed by
// HTTP handlers. Implementations must be safe for concurrent use.
type ConversationService interface {
	FindOrCreate(ctx context.Context, buyerID, storeID uint, productID *uint) (*domain.Conversation, bool, error)
	List(ctx context.Context, userID uint, page, pageSize int) ([]domain.Conversation, error)
	Stats(ctx context.Context, userID uint) (int64, *time.Time, error)
	Block(ctx context.Context, conversationID, userID uint) (*domain.Conversation, error)
	Unblock(ctx context.Context, conversationID, userID uint) (*domain.Conversation, error)
	// CanNotify returns services.ErrNotParticipant unless from may push to to.
	CanNotify(ctx context.Context, from, to uint) error
}

// MessageService defines message send and retrieval operations.
type MessageService interface {
	Send(ctx context.Context, in services.SendInput) (*domain.Message, bool, error)
	List(ctx context.Context, conversationID, readerID uint, offset, limit int) ([]domain.Message, error)
	Stats(ctx context.Context, conversationID, userID uint) (int64, *time.Time, error)
	MarkAsRead(ctx context.Context, conversationID, readerID uint) (int64, error)
	Search(ctx context.Context, userID uint, q string) ([]services.SearchHit, error)
}

// ReactionService toggles emoji reactions.
type ReactionService interface {
	Toggle(ctx context.Context, messageID, userID uint, emoji string) (*services.ToggleResult, error)
}

// PushService registers devices and sends notifications.
type PushService interface {
	Subscribe(ctx context.Context, userID uint, endpoint, p256dh, auth string) (*domain.Subscription, error)
	SendToUser(ctx context.Context, userID uint, n push.Notification) (services.PushResult, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for conversations, messages, reactions and
// notifications.
type Handlers struct {
	convSvc  ConversationService
	msgSvc   MessageService
	reactSvc ReactionService
	pushSvc  PushService

	// FetchLimit is the message window size when ?limit is absent.
	FetchLimit int
}

// New constructs and returns a Handlers instance bound to the given services.
func New(convSvc ConversationService, msgSvc MessageService, reactSvc ReactionService, pushSvc PushService) *Handlers {
	return &Handlers{convSvc: convSvc, msgSvc: msgSvc, reactSvc: reactSvc, pushSvc: pushSvc, FetchLimit: 50}
}

// userID returns the caller set by the authentication middleware. Routes are
// mounted behind RequireUser, so 0 only shows up in misconfigured tests.
func userID(c *gin.Context) uint {
	id, _ := middleware.UserID(c)
	return id
}

// pathID parses the :id route parameter, writing a 400 when it is not a
// positive integer.
func pathID(c *gin.Context, what string) (uint, bool) {
	id, ok := utils.ParseID(c.Param("id"))
	if !ok {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, what+" id must be a positive integer")
	}
	return id, ok
}

// notModified sets the weak ETag and reports whether If-None-Match matched,
// in which case a 304 has already been written.
func notModified(c *gin.Context, etag string) bool {
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return true
	}
	return false
}

func stamp(ts *time.Time) int64 {
	if ts == nil {
		return 0
	}
	return ts.UnixNano()
}

//
// DTOs
//

// CreateConversationRequest opens (or reopens) the caller's thread with a
// store, optionally about a product.
type CreateConversationRequest struct {
	StoreID   uint  `json:"store_id" binding:"required"`
	ProductID *uint `json:"product_id"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListConversationsResponse wraps a page of conversations.
type ListConversationsResponse struct {
	Conversations []domain.Conversation `json:"conversations"`
	Pagination    Pagination            `json:"pagination"`
}

// ListMessagesResponse is a window of messages, oldest first.
type ListMessagesResponse struct {
	Messages []domain.Message `json:"messages"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// MarkReadResponse reports how many messages flipped to read.
type MarkReadResponse struct {
	Updated int64 `json:"updated"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// CreateConversation finds or creates the caller's conversation with a store.
// 201 when the thread is new, 200 when it already existed.
func (h *Handlers) CreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "store_id required")
		return
	}

	conv, created, err := h.convSvc.FindOrCreate(c.Request.Context(), userID(c), req.StoreID, req.ProductID)
	if err != nil {
		failErr(c, err, ErrCodeCreateFailed)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	ok(c, status, conv)
}

// ListConversations returns a page of the caller's conversations, most recent
// activity first. Supports a weak ETag via If-None-Match.
func (h *Handlers) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	page, pageSize := clampPagination(c)

	total, maxTS, err := h.convSvc.Stats(ctx, uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	etag := fmt.Sprintf(`W/"conversations:%d:%d:%d:%d:%d"`, uid, page, pageSize, total, stamp(maxTS))
	if notModified(c, etag) {
		return
	}

	items, err := h.convSvc.List(ctx, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListConversationsResponse{
		Conversations: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// ListMessages returns the newest `limit` messages (skipping `offset` newer
// ones) in ascending order. Fetching marks the window read for the caller.
func (h *Handlers) ListMessages(c *gin.Context) {
	const maxLimit = 200
	defaultLimit := h.FetchLimit
	ctx := c.Request.Context()
	convID, valid := pathID(c, "conversation")
	if !valid {
		return
	}
	uid := userID(c)
	limit, offset := utils.ClampWindow(
		utils.AtoiDefault(c.Query("limit"), defaultLimit),
		utils.AtoiDefault(c.Query("offset"), 0),
		defaultLimit, maxLimit,
	)

	count, maxTS, err := h.msgSvc.Stats(ctx, convID, uid)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	etag := fmt.Sprintf(`W/"messages:%d:%d:%d:%d:%d"`, convID, limit, offset, count, stamp(maxTS))
	if notModified(c, etag) {
		return
	}

	msgs, err := h.msgSvc.List(ctx, convID, uid, offset, limit)
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{Messages: msgs, Limit: limit, Offset: offset})
}

// MarkRead flags every unread message addressed to the caller as read.
func (h *Handlers) MarkRead(c *gin.Context) {
	convID, valid := pathID(c, "conversation")
	if !valid {
		return
	}
	n, err := h.msgSvc.MarkAsRead(c.Request.Context(), convID, userID(c))
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, MarkReadResponse{Updated: n})
}

// BlockConversation blocks the conversation on behalf of the caller.
func (h *Handlers) BlockConversation(c *gin.Context) {
	convID, valid := pathID(c, "conversation")
	if !valid {
		return
	}
	conv, err := h.convSvc.Block(c.Request.Context(), convID, userID(c))
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, conv)
}

// UnblockConversation lifts a block the caller placed.
func (h *Handlers) UnblockConversation(c *gin.Context) {
	convID, valid := pathID(c, "conversation")
	if !valid {
		return
	}
	conv, err := h.convSvc.Unblock(c.Request.Context(), convID, userID(c))
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, conv)
}
