// Notification HTTP handlers.
//
//   - POST /notifications/subscribe  (register a Web Push endpoint)
//   - POST /notifications/send       (push to the caller or a counterpart)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-market-chat/internal/push"
)

// SubscribeRequest mirrors the browser's PushSubscription JSON.
type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// SendNotificationRequest is a manual push to a single user.
type SendNotificationRequest struct {
	UserID uint   `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	URL    string `json:"url"`
}

// Subscribe stores (or reassigns) the caller's push endpoint.
func (h *Handlers) Subscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	sub, err := h.pushSvc.Subscribe(c.Request.Context(), userID(c), req.Endpoint, req.Keys.P256dh, req.Keys.Auth)
	if err != nil {
		failErr(c, err, ErrCodeCreateFailed)
		return
	}
	ok(c, http.StatusCreated, sub)
}

// SendNotification pushes to every device of the target user. The caller may
// only target themselves or someone they share a conversation with.
func (h *Handlers) SendNotification(c *gin.Context) {
	var req SendNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ctx := c.Request.Context()
	if req.UserID == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id required")
		return
	}
	if err := h.convSvc.CanNotify(ctx, userID(c), req.UserID); err != nil {
		failErr(c, err, ErrCodePushFailed)
		return
	}

	res, err := h.pushSvc.SendToUser(ctx, req.UserID, push.Notification{
		Title: req.Title,
		Body:  req.Body,
		URL:   req.URL,
	})
	if err != nil {
		failErr(c, err, ErrCodePushFailed)
		return
	}
	ok(c, http.StatusOK, res)
}
