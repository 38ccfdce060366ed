// Message HTTP handlers.
//
// This file exposes REST endpoints for messages:
//   - POST /messages                     (send; conversation_id in the body)
//   - POST /conversations/{id}/messages  (send; conversation from the path)
//   - GET  /messages/search              (rank the caller's messages)
//   - POST /messages/{id}/reactions      (toggle an emoji reaction)
//
// Idempotency:
// The Idempotency-Key header (or the body's client_message_id) is the
// message's client correlation id. Resending with the same id returns the
// stored message with `Idempotency-Replayed: true` and nothing is re-emitted.
package handlers

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/http/middleware"
	"github.com/tbourn/go-market-chat/internal/services"
	"github.com/tbourn/go-market-chat/internal/utils"
)

//
// DTOs
//

// SendMessageRequest is the JSON payload for sending a message. Content is
// normalized (line endings and excessive blank lines) before it reaches the
// service, which enforces the length limit.
type SendMessageRequest struct {
	ConversationID  uint   `json:"conversation_id"`
	Content         string `json:"content"`
	Type            string `json:"type"`
	AttachmentURL   string `json:"attachment_url"`
	ReplyToID       *uint  `json:"reply_to_id"`
	ClientMessageID string `json:"client_message_id"`
}

// SendMessageResponse wraps the stored message.
type SendMessageResponse struct {
	Message *domain.Message `json:"message"`
}

// SearchResponse lists ranked hits, best first.
type SearchResponse struct {
	Results []services.SearchHit `json:"results"`
}

// ToggleReactionRequest names the emoji to toggle.
type ToggleReactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

//
// Helpers
//

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
// CRLF and CR become LF, runs of 3+ LFs collapse to two, and surrounding
// whitespace is trimmed.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

//
// Handlers
//

// SendMessage persists a message and fans it out to the conversation.
// 201 on first send; 200 with Idempotency-Replayed when the correlation id
// was already used.
func (h *Handlers) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	convID := req.ConversationID
	if c.Param("id") != "" {
		id, valid := pathID(c, "conversation")
		if !valid {
			return
		}
		convID = id
	}
	if convID == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation_id required")
		return
	}

	clientID := strings.TrimSpace(req.ClientMessageID)
	if key, found := middleware.GetIdempotencyKey(c); found {
		clientID = key
	}

	m, replayed, err := h.msgSvc.Send(c.Request.Context(), services.SendInput{
		ConversationID:  convID,
		SenderID:        userID(c),
		Content:         sanitizeContent(req.Content),
		Type:            strings.TrimSpace(req.Type),
		AttachmentURL:   req.AttachmentURL,
		ReplyToID:       req.ReplyToID,
		ClientMessageID: clientID,
	})
	if err != nil {
		failErr(c, err, ErrCodeSendFailed)
		return
	}

	if replayed {
		c.Header("Idempotency-Replayed", "true")
		ok(c, http.StatusOK, SendMessageResponse{Message: m})
		return
	}
	ok(c, http.StatusCreated, SendMessageResponse{Message: m})
}

// SearchMessages ranks the caller's recent messages against ?q=.
func (h *Handlers) SearchMessages(c *gin.Context) {
	hits, err := h.msgSvc.Search(c.Request.Context(), userID(c), c.Query("q"))
	if err != nil {
		failErr(c, err, ErrCodeListFailed)
		return
	}
	ok(c, http.StatusOK, SearchResponse{Results: hits})
}

// ToggleReaction adds the caller's emoji to a message, or removes it when
// already present.
func (h *Handlers) ToggleReaction(c *gin.Context) {
	msgID, valid := utils.ParseID(c.Param("id"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a positive integer")
		return
	}
	var req ToggleReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "emoji required")
		return
	}

	res, err := h.reactSvc.Toggle(c.Request.Context(), msgID, userID(c), req.Emoji)
	if err != nil {
		failErr(c, err, ErrCodeUpdateFailed)
		return
	}
	ok(c, http.StatusOK, res)
}
