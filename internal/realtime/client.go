package realtime

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-market-chat/internal/events"
)

// Client is one authenticated WebSocket connection.
type Client struct {
	ID     string
	UserID uint

	conn   *websocket.Conn
	hub    *Hub
	egress chan []byte
	worker uint32
	limit  *rate.Limiter
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	mu       sync.Mutex
	rooms    map[string]struct{}
	typing   map[uint]struct{}
	detached bool
}

func newClient(h *Hub, conn *websocket.Conn, userID uint) *Client {
	ctx, cancel := context.WithCancel(h.ctx)
	id := uuid.NewString()
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		hub:    h,
		egress: make(chan []byte, h.cfg.SendBuffer),
		worker: getShard(id) % workerPoolSize,
		limit:  rate.NewLimiter(rate.Limit(h.cfg.EventRPS), h.cfg.EventBurst),
		log:    h.log.With().Str("client_id", id).Uint("user_id", userID).Logger(),
		ctx:    ctx,
		cancel: cancel,
		rooms:  make(map[string]struct{}),
		typing: make(map[uint]struct{}),
	}
}

// Close stops both pumps. The write pump closes the socket on its way out.
func (c *Client) Close() {
	c.once.Do(c.cancel)
}

// Done is closed once the client is shutting down.
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// addRoom records room unless the client was already detached.
func (c *Client) addRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return false
	}
	c.rooms[room] = struct{}{}
	return true
}

func (c *Client) removeRoom(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *Client) inRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[room]
	return ok
}

// setTyping records the typing flag and reports whether it changed. A
// detached client records nothing and reports attached=false.
func (c *Client) setTyping(convID uint, on bool) (changed, attached bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detached {
		return false, false
	}
	_, had := c.typing[convID]
	if on {
		c.typing[convID] = struct{}{}
	} else {
		delete(c.typing, convID)
	}
	return had != on, true
}

// detach empties the membership and typing sets and returns what they held.
// Later addRoom calls are refused.
func (c *Client) detach() (rooms []string, typing []uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = true
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	for id := range c.typing {
		typing = append(typing, id)
	}
	c.rooms = make(map[string]struct{})
	c.typing = make(map[uint]struct{})
	return rooms, typing
}

// enqueue never blocks the caller. When the buffer is full a goroutine waits
// up to the send timeout and drops the connection if it is still full.
func (c *Client) enqueue(frame []byte) {
	select {
	case <-c.ctx.Done():
		return
	default:
	}
	select {
	case c.egress <- frame:
		return
	default:
	}
	go func() {
		t := time.NewTimer(c.hub.cfg.SendTimeout)
		defer t.Stop()
		select {
		case c.egress <- frame:
		case <-c.ctx.Done():
		case <-t.C:
			wsDropped.WithLabelValues("egress_full").Inc()
			c.log.Warn().Msg("egress full, disconnecting client")
			c.hub.unregister(c)
		}
	}()
}

// sendError writes an error event to this connection only.
func (c *Client) sendError(code, msg string, about events.Kind) {
	ev := events.NewError(code, msg, about)
	frame, err := ev.Encode()
	if err != nil {
		return
	}
	wsEvents.WithLabelValues("out", string(events.KindError)).Inc()
	c.enqueue(frame)
}

func (c *Client) readPump() {
	defer c.hub.unregister(c)

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				c.log.Debug().Msg("client disconnected")
			case errors.As(err, &ne) && ne.Timeout():
				wsDropped.WithLabelValues("timeout").Inc()
				c.log.Debug().Msg("client timed out")
			case errors.Is(err, websocket.ErrReadLimit):
				wsDropped.WithLabelValues("too_large").Inc()
				c.log.Warn().Msg("frame exceeds read limit")
			case c.ctx.Err() == nil:
				c.log.Debug().Err(err).Msg("read error")
			}
			return
		}

		if !c.limit.Allow() {
			wsEvents.WithLabelValues("in", "rate_limited").Inc()
			c.sendError(events.CodeRateLimited, "too many events", "")
			continue
		}

		ev, err := events.DecodeClient(data)
		if err != nil {
			code := events.CodeBadEvent
			if errors.Is(err, events.ErrUnknownKind) || errors.Is(err, events.ErrNotClientKind) {
				code = events.CodeUnknown
			}
			wsEvents.WithLabelValues("in", "invalid").Inc()
			c.sendError(code, err.Error(), ev.Kind)
			continue
		}
		wsEvents.WithLabelValues("in", string(ev.Kind)).Inc()

		if !c.hub.dispatch(c, ev) {
			if c.ctx.Err() != nil {
				return
			}
			wsDropped.WithLabelValues("inbound_full").Inc()
			c.log.Warn().Msg("inbound queue full, disconnecting client")
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.hub.cfg.WriteWait))
			return
		case frame := <-c.egress:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write error")
				c.hub.unregister(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				c.hub.unregister(c)
				return
			}
		}
	}
}
