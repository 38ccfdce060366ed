// Package realtime is the presence/room gateway. Each authenticated
// WebSocket connection is a Client; clients are grouped into rooms
// ("user:<id>" joined automatically, "conversation:<id>" joined on request
// after a participant check). Rooms are spread across sha1-keyed shards so
// broadcasts to different rooms do not contend on one lock.
//
// Delivery is best-effort and unordered across senders: a room broadcast
// enqueues the encoded frame on every member's egress buffer and never
// waits on a slow connection. A connection whose buffer stays full past the
// send timeout is dropped and loses all its memberships.
package realtime

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-market-chat/internal/config"
	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/events"
)

const (
	shardCount         = 64
	workerPoolSize     = 16
	workerQueueSize    = 256
	inboundSendTimeout = 500 * time.Millisecond
)

// TokenVerifier turns the handshake credential into a user id.
type TokenVerifier interface {
	Verify(token string) (uint, error)
}

// Authorizer decides whether a user may join a conversation room.
type Authorizer interface {
	Authorize(ctx context.Context, conversationID, userID uint) (*domain.Conversation, error)
}

// Publisher forwards locally emitted frames to other instances.
type Publisher interface {
	Publish(ctx context.Context, room string, frame []byte) error
}

type inboundMessage struct {
	client *Client
	event  events.Event
}

type roomBucket struct {
	sync.RWMutex
	rooms map[string]map[string]*Client
}

// Hub owns the rooms and the inbound worker pool.
type Hub struct {
	cfg    config.GatewayConfig
	verify TokenVerifier
	authz  Authorizer
	log    zerolog.Logger

	shards  [shardCount]*roomBucket
	workers [workerPoolSize]chan inboundMessage

	mu      sync.RWMutex
	clients map[string]*Client
	pub     Publisher

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// Option customizes a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger. The global logger is used otherwise.
func WithLogger(l zerolog.Logger) Option {
	return func(h *Hub) { h.log = l }
}

// NewHub starts a hub and its workers. Stop releases them.
func NewHub(cfg config.GatewayConfig, v TokenVerifier, a Authorizer, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:     withDefaults(cfg),
		verify:  v,
		authz:   a,
		log:     log.Logger,
		clients: make(map[string]*Client),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(h)
	}
	h.log = h.log.With().Str("component", "gateway").Logger()

	for i := range h.shards {
		h.shards[i] = &roomBucket{rooms: make(map[string]map[string]*Client)}
	}
	for i := range h.workers {
		ch := make(chan inboundMessage, workerQueueSize)
		h.workers[i] = ch
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			for {
				select {
				case <-h.ctx.Done():
					return
				case in := <-ch:
					h.handleEvent(in.client, in.event)
				}
			}
		}()
	}
	return h
}

func withDefaults(cfg config.GatewayConfig) config.GatewayConfig {
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 20 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Second
	}
	if cfg.EventRPS <= 0 {
		cfg.EventRPS = 10
	}
	if cfg.EventBurst <= 0 {
		cfg.EventBurst = 20
	}
	return cfg
}

// SetPublisher attaches a cross-instance publisher. Call before serving.
func (h *Hub) SetPublisher(p Publisher) {
	h.mu.Lock()
	h.pub = p
	h.mu.Unlock()
}

func getShard(room string) uint32 {
	if room == "" {
		return 0
	}
	sum := sha1.Sum([]byte(room))
	return binary.BigEndian.Uint32(sum[:4]) % shardCount
}

func (h *Hub) bucket(room string) *roomBucket { return h.shards[getShard(room)] }

// register tracks c and joins its private user room.
func (h *Hub) register(c *Client) bool {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return false
	}
	h.clients[c.ID] = c
	h.mu.Unlock()

	wsConnections.Inc()
	h.join(events.UserRoom(c.UserID), c)
	h.log.Debug().Str("client_id", c.ID).Uint("user_id", c.UserID).Msg("client registered")
	return true
}

// unregister revokes every membership of c and clears its typing flags.
// Safe to call more than once.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.ID]
	delete(h.clients, c.ID)
	h.mu.Unlock()
	if !ok {
		return
	}
	wsConnections.Dec()

	rooms, typing := c.detach()
	for _, room := range rooms {
		h.leave(room, c)
	}
	for _, convID := range typing {
		h.emit(events.ConversationRoom(convID), events.NewTyping(convID, c.UserID, false), c)
	}
	c.Close()
	h.log.Debug().Str("client_id", c.ID).Uint("user_id", c.UserID).Msg("client unregistered")
}

// join adds c to room. It reports false when c was unregistered first, for
// example while a join was waiting on authorization.
//
// Lock order is bucket then client, so a join either completes before
// detach (and unregister removes it) or sees the client detached.
func (h *Hub) join(room string, c *Client) bool {
	b := h.bucket(room)
	b.Lock()
	defer b.Unlock()
	if !c.addRoom(room) {
		return false
	}
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		b.rooms[room] = members
	}
	members[c.ID] = c
	return true
}

func (h *Hub) leave(room string, c *Client) {
	b := h.bucket(room)
	b.Lock()
	if members, ok := b.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
	b.Unlock()
	c.removeRoom(room)
}

// RoomSize reports how many local connections are joined to room.
func (h *Hub) RoomSize(room string) int {
	b := h.bucket(room)
	b.RLock()
	defer b.RUnlock()
	return len(b.rooms[room])
}

// Connections reports the number of live local connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// EmitToRoom delivers ev to every member of room, on this instance and,
// when a publisher is attached, on the others.
func (h *Hub) EmitToRoom(room string, ev events.Event) {
	h.emit(room, ev, nil)
}

func (h *Hub) emit(room string, ev events.Event, except *Client) {
	frame, err := ev.Encode()
	if err != nil {
		h.log.Warn().Err(err).Str("event", string(ev.Kind)).Msg("encode event")
		return
	}
	wsEvents.WithLabelValues("out", string(ev.Kind)).Inc()
	h.deliverLocal(room, frame, except)

	h.mu.RLock()
	pub := h.pub
	h.mu.RUnlock()
	if pub == nil || h.ctx.Err() != nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.WriteWait)
		defer cancel()
		if err := pub.Publish(ctx, room, frame); err != nil {
			h.log.Warn().Err(err).Str("room", room).Msg("publish to bridge")
		}
	}()
}

// DeliverLocal hands an encoded frame to local members of room only. The
// bridge uses it for frames that originated on another instance.
func (h *Hub) DeliverLocal(room string, frame []byte) {
	h.deliverLocal(room, frame, nil)
}

func (h *Hub) deliverLocal(room string, frame []byte, except *Client) {
	b := h.bucket(room)
	b.RLock()
	members := b.rooms[room]
	if len(members) == 0 {
		b.RUnlock()
		return
	}
	targets := make([]*Client, 0, len(members))
	for _, c := range members {
		if c != except {
			targets = append(targets, c)
		}
	}
	b.RUnlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// dispatch queues an inbound event on the worker that owns the client so
// each connection's events are handled in order.
func (h *Hub) dispatch(c *Client, ev events.Event) bool {
	ch := h.workers[c.worker]
	select {
	case ch <- inboundMessage{client: c, event: ev}:
		return true
	case <-time.After(inboundSendTimeout):
		return false
	case <-h.ctx.Done():
		return false
	}
}

// Stop closes every connection and stops the workers.
func (h *Hub) Stop() {
	h.once.Do(func() {
		h.mu.Lock()
		h.cancel()
		clients := make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			clients = append(clients, c)
		}
		h.mu.Unlock()

		for _, c := range clients {
			h.unregister(c)
		}
		h.wg.Wait()
	})
}
