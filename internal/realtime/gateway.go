package realtime

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/tbourn/go-market-chat/internal/auth"
	"github.com/tbourn/go-market-chat/internal/events"
	"github.com/tbourn/go-market-chat/internal/services"
)

func (h *Hub) upgrader() *websocket.Upgrader {
	allowed := h.cfg.AllowedOrigins
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, o := range allowed {
				if o == "*" || strings.EqualFold(o, origin) {
					return true
				}
			}
			return false
		},
	}
}

// ServeWS authenticates the handshake and upgrades the connection. A missing
// or invalid credential is answered with 401 before any upgrade, so no room
// is ever joined.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := h.verify.Verify(auth.TokenFromRequest(r))
	if err != nil {
		wsDropped.WithLabelValues("unauthorized").Inc()
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("handshake rejected")
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if h.ctx.Err() != nil {
		http.Error(w, "gateway stopping", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newClient(h, conn, userID)
	if !h.register(c) {
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (h *Hub) handleEvent(c *Client, ev events.Event) {
	if c.ctx.Err() != nil {
		return
	}
	switch p := ev.Payload.(type) {
	case events.Conversation:
		if ev.Kind == events.KindJoinConversation {
			h.handleJoin(c, p.ConversationID)
			return
		}
		h.leave(events.ConversationRoom(p.ConversationID), c)
		if changed, _ := c.setTyping(p.ConversationID, false); changed {
			h.emit(events.ConversationRoom(p.ConversationID), events.NewTyping(p.ConversationID, c.UserID, false), c)
		}
	case events.Typing:
		room := events.ConversationRoom(p.ConversationID)
		if !c.inRoom(room) {
			c.sendError(events.CodeForbidden, "join the conversation before typing", ev.Kind)
			return
		}
		started := ev.Kind == events.KindTypingStart
		if _, attached := c.setTyping(p.ConversationID, started); !attached {
			return
		}
		h.emit(room, events.NewTyping(p.ConversationID, c.UserID, started), c)
	default:
		c.sendError(events.CodeUnknown, "unsupported event", ev.Kind)
	}
}

func (h *Hub) handleJoin(c *Client, conversationID uint) {
	room := events.ConversationRoom(conversationID)
	if c.inRoom(room) {
		return
	}
	if h.authz != nil {
		ctx, cancel := context.WithTimeout(c.ctx, h.cfg.WriteWait)
		defer cancel()
		if _, err := h.authz.Authorize(ctx, conversationID, c.UserID); err != nil {
			code, msg := joinRefusal(err)
			if code == events.CodeInternal {
				c.log.Error().Err(err).Uint("conversation_id", conversationID).Msg("authorize join")
			}
			c.sendError(code, msg, events.KindJoinConversation)
			return
		}
	}
	if !h.join(room, c) {
		c.log.Debug().Uint("conversation_id", conversationID).Msg("join dropped, client gone")
	}
}

func joinRefusal(err error) (code, msg string) {
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		return events.CodeNotFound, err.Error()
	case errors.Is(err, services.ErrNotParticipant):
		return events.CodeForbidden, err.Error()
	case errors.Is(err, services.ErrConversationRequired):
		return events.CodeBadEvent, err.Error()
	default:
		return events.CodeInternal, "could not join conversation"
	}
}
