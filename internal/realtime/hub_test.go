package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-market-chat/internal/auth"
	"github.com/tbourn/go-market-chat/internal/config"
	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/events"
	"github.com/tbourn/go-market-chat/internal/services"
)

type tokenMap map[string]uint

func (m tokenMap) Verify(token string) (uint, error) {
	if token == "" {
		return 0, auth.ErrMissingToken
	}
	id, ok := m[token]
	if !ok {
		return 0, auth.ErrInvalidToken
	}
	return id, nil
}

// participants maps a conversation id to its buyer and store owner.
type participants map[uint][2]uint

func (p participants) Authorize(_ context.Context, convID, userID uint) (*domain.Conversation, error) {
	pair, ok := p[convID]
	if !ok {
		return nil, services.ErrConversationNotFound
	}
	c := &domain.Conversation{ID: convID, BuyerID: pair[0], StoreOwnerID: pair[1]}
	if !c.HasParticipant(userID) {
		return nil, services.ErrNotParticipant
	}
	return c, nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	rooms []string
}

func (p *recordingPublisher) Publish(_ context.Context, room string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms = append(p.rooms, room)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.rooms...)
}

type harness struct {
	hub *Hub
	srv *httptest.Server
}

func newHarness(t *testing.T, mutate ...func(*config.GatewayConfig)) *harness {
	t.Helper()
	cfg := testGatewayConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	h := NewHub(cfg,
		tokenMap{"buyer": 1, "seller": 2, "outsider": 3},
		participants{10: {1, 2}},
	)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		h.Stop()
		srv.Close()
	})
	return &harness{hub: h, srv: srv}
}

func (hs *harness) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.srv.URL, "http") + "/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// dialJoined dials and waits until the connection sits in its user room.
func (hs *harness) dialJoined(t *testing.T, token string, userID uint) *websocket.Conn {
	t.Helper()
	before := hs.hub.RoomSize(events.UserRoom(userID))
	conn := hs.dial(t, token)
	hs.waitRoom(t, events.UserRoom(userID), before+1)
	return conn
}

func (hs *harness) waitRoom(t *testing.T, room string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hs.hub.RoomSize(room) == n },
		2*time.Second, 10*time.Millisecond, "room %s never reached %d members", room, n)
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func read(t *testing.T, conn *websocket.Conn) events.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	ev, err := events.Decode(data)
	require.NoError(t, err, "frame %s", data)
	return ev
}

// marker proves nothing else was queued ahead of it on conn.
func (hs *harness) expectNothingBefore(t *testing.T, conn *websocket.Conn, userID uint) {
	t.Helper()
	ev := events.NewError("marker", "marker", "")
	hs.hub.EmitToRoom(events.UserRoom(userID), ev)
	got := read(t, conn)
	require.Equal(t, events.KindError, got.Kind)
	require.Equal(t, "marker", got.Payload.(events.Error).Code, "unexpected frame before marker: %+v", got)
}

func TestHandshake_RejectsMissingOrInvalidToken(t *testing.T) {
	hs := newHarness(t)
	base := "ws" + strings.TrimPrefix(hs.srv.URL, "http") + "/"

	for _, url := range []string{base, base + "?token=forged"} {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, 0, hs.hub.Connections())
}

func TestHandshake_BearerHeader(t *testing.T) {
	hs := newHarness(t)
	url := "ws" + strings.TrimPrefix(hs.srv.URL, "http") + "/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer seller"}})
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	hs.waitRoom(t, events.UserRoom(2), 1)
}

func TestUserRoom_AutoJoinAndNotification(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dialJoined(t, "buyer", 1)
	assert.Equal(t, 1, hs.hub.Connections())

	ev, err := events.NewNotification(events.NotifyMessageNew, events.MessagePreview{ConversationID: 10, MessageID: 5}, time.Now())
	require.NoError(t, err)
	hs.hub.EmitToRoom(events.UserRoom(1), ev)

	got := read(t, conn)
	require.Equal(t, events.KindNotification, got.Kind)
	n := got.Payload.(events.Notification)
	assert.Equal(t, events.NotifyMessageNew, n.Type)
	var p events.MessagePreview
	require.NoError(t, n.DecodePayload(&p))
	assert.EqualValues(t, 5, p.MessageID)
}

func TestJoin_ParticipantCheck(t *testing.T) {
	hs := newHarness(t)
	buyer := hs.dialJoined(t, "buyer", 1)
	outsider := hs.dialJoined(t, "outsider", 3)
	room := events.ConversationRoom(10)

	send(t, outsider, `{"event":"join_conversation","data":10}`)
	got := read(t, outsider)
	require.Equal(t, events.KindError, got.Kind)
	assert.Equal(t, events.CodeForbidden, got.Payload.(events.Error).Code)
	assert.Equal(t, events.KindJoinConversation, got.Payload.(events.Error).Event)

	send(t, outsider, `{"event":"join_conversation","data":{"conversation_id":99}}`)
	got = read(t, outsider)
	assert.Equal(t, events.CodeNotFound, got.Payload.(events.Error).Code)
	assert.Equal(t, 0, hs.hub.RoomSize(room))

	send(t, buyer, `{"event":"join_conversation","data":{"conversation_id":10}}`)
	hs.waitRoom(t, room, 1)

	content := "Hola"
	hs.hub.EmitToRoom(room, events.NewMessage(domain.Message{ID: 1, ConversationID: 10, SenderID: 2, Content: &content, Type: "text"}))
	got = read(t, buyer)
	require.Equal(t, events.KindMessageNew, got.Kind)
	assert.Equal(t, "Hola", got.Payload.(events.MessageNew).Text())

	// Room isolation: the outsider never joined room 10.
	hs.expectNothingBefore(t, outsider, 3)

	send(t, buyer, `{"event":"leave_conversation","data":10}`)
	hs.waitRoom(t, room, 0)
}

func TestTyping_RelayExcludesSenderAndClearsOnDrop(t *testing.T) {
	hs := newHarness(t)
	buyer := hs.dialJoined(t, "buyer", 1)
	seller := hs.dialJoined(t, "seller", 2)
	room := events.ConversationRoom(10)

	send(t, buyer, `{"event":"join_conversation","data":10}`)
	send(t, seller, `{"event":"join_conversation","data":10}`)
	hs.waitRoom(t, room, 2)

	send(t, buyer, `{"event":"typing_start","data":{"conversation_id":10}}`)
	got := read(t, seller)
	require.Equal(t, events.KindTypingStart, got.Kind)
	assert.Equal(t, events.Typing{ConversationID: 10, UserID: 1}, got.Payload)
	hs.expectNothingBefore(t, buyer, 1)

	// Dropping the typing connection emits typing_stop to the room.
	require.NoError(t, buyer.Close())
	got = read(t, seller)
	require.Equal(t, events.KindTypingStop, got.Kind)
	assert.Equal(t, events.Typing{ConversationID: 10, UserID: 1}, got.Payload)
	hs.waitRoom(t, room, 1)
	hs.waitRoom(t, events.UserRoom(1), 0)
}

func TestTyping_RequiresJoin(t *testing.T) {
	hs := newHarness(t)
	buyer := hs.dialJoined(t, "buyer", 1)

	send(t, buyer, `{"event":"typing_start","data":{"conversation_id":10}}`)
	got := read(t, buyer)
	require.Equal(t, events.KindError, got.Kind)
	assert.Equal(t, events.CodeForbidden, got.Payload.(events.Error).Code)
	assert.Equal(t, events.KindTypingStart, got.Payload.(events.Error).Event)
}

func TestInvalidFrames(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dialJoined(t, "buyer", 1)

	cases := []struct {
		frame string
		code  string
	}{
		{`{"event":"self_destruct","data":{}}`, events.CodeUnknown},
		{`{"event":"message:new","data":{"id":1}}`, events.CodeUnknown},
		{`{"event":"typing_start","data":{}}`, events.CodeBadEvent},
		{`not json`, events.CodeBadEvent},
	}
	for _, tc := range cases {
		send(t, conn, tc.frame)
		got := read(t, conn)
		require.Equal(t, events.KindError, got.Kind, tc.frame)
		assert.Equal(t, tc.code, got.Payload.(events.Error).Code, tc.frame)
	}
	// The connection survives bad frames.
	assert.Equal(t, 1, hs.hub.Connections())
}

func TestRateLimit(t *testing.T) {
	hs := newHarness(t, func(c *config.GatewayConfig) {
		c.EventRPS = 0.001
		c.EventBurst = 1
	})
	conn := hs.dialJoined(t, "buyer", 1)

	send(t, conn, `{"event":"join_conversation","data":10}`)
	hs.waitRoom(t, events.ConversationRoom(10), 1)
	send(t, conn, `{"event":"leave_conversation","data":10}`)

	got := read(t, conn)
	require.Equal(t, events.KindError, got.Kind)
	assert.Equal(t, events.CodeRateLimited, got.Payload.(events.Error).Code)
	assert.Equal(t, 1, hs.hub.RoomSize(events.ConversationRoom(10)), "rate-limited leave must be dropped")
}

func TestMultipleDevicesEachReceive(t *testing.T) {
	hs := newHarness(t)
	a := hs.dialJoined(t, "seller", 2)
	b := hs.dialJoined(t, "seller", 2)

	hs.hub.EmitToRoom(events.UserRoom(2), events.NewError("ping", "x", ""))
	assert.Equal(t, "ping", read(t, a).Payload.(events.Error).Code)
	assert.Equal(t, "ping", read(t, b).Payload.(events.Error).Code)
}

func TestPublisherReceivesEmits(t *testing.T) {
	hs := newHarness(t)
	pub := &recordingPublisher{}
	hs.hub.SetPublisher(pub)

	hs.hub.EmitToRoom(events.ConversationRoom(10), events.NewTyping(10, 1, true))
	require.Eventually(t, func() bool {
		rooms := pub.published()
		return len(rooms) == 1 && rooms[0] == "conversation:10"
	}, time.Second, 10*time.Millisecond)
}

func TestDeliverLocal(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dialJoined(t, "buyer", 1)
	frame, err := events.NewError("remote", "from another instance", "").Encode()
	require.NoError(t, err)

	hs.hub.DeliverLocal(events.UserRoom(1), frame)
	assert.Equal(t, "remote", read(t, conn).Payload.(events.Error).Code)
}

func TestStop_ClosesConnections(t *testing.T) {
	hs := newHarness(t)
	conn := hs.dialJoined(t, "buyer", 1)
	hs.hub.Stop()

	assert.Equal(t, 0, hs.hub.Connections())
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.srv.URL, "http")+"/?token=buyer", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func testGatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{
		WriteWait:       time.Second,
		PongWait:        5 * time.Second,
		MaxMessageBytes: 4096,
		SendBuffer:      16,
		SendTimeout:     200 * time.Millisecond,
		EventRPS:        100,
		EventBurst:      100,
	}
}

func TestJoin_RefusedAfterUnregister(t *testing.T) {
	h := NewHub(testGatewayConfig(), tokenMap{}, participants{10: {1, 2}})
	t.Cleanup(h.Stop)

	c := newClient(h, nil, 1)
	require.True(t, h.register(c))
	require.Equal(t, 1, h.RoomSize(events.UserRoom(1)))

	h.unregister(c)
	assert.False(t, h.join(events.ConversationRoom(10), c))
	assert.Equal(t, 0, h.RoomSize(events.ConversationRoom(10)))
	assert.Equal(t, 0, h.RoomSize(events.UserRoom(1)))

	_, attached := c.setTyping(10, true)
	assert.False(t, attached)
}

// gatedAuthorizer admits everyone, but only once release is closed.
type gatedAuthorizer struct {
	entered chan struct{}
	release chan struct{}
}

func (g gatedAuthorizer) Authorize(_ context.Context, convID, userID uint) (*domain.Conversation, error) {
	g.entered <- struct{}{}
	<-g.release
	return &domain.Conversation{ID: convID, BuyerID: userID, StoreOwnerID: userID + 1}, nil
}

func TestJoin_DisconnectDuringAuthorize(t *testing.T) {
	gate := gatedAuthorizer{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := NewHub(testGatewayConfig(), tokenMap{"buyer": 1}, gate)
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(func() {
		h.Stop()
		srv.Close()
	})
	var once sync.Once
	release := func() { once.Do(func() { close(gate.release) }) }
	t.Cleanup(release) // runs before Stop so the worker is never left blocked
	hs := &harness{hub: h, srv: srv}

	conn := hs.dialJoined(t, "buyer", 1)
	send(t, conn, `{"event":"join_conversation","data":10}`)
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("join never reached the authorizer")
	}

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.Connections() == 0 },
		2*time.Second, 10*time.Millisecond)

	release()
	assert.Never(t, func() bool { return h.RoomSize(events.ConversationRoom(10)) > 0 },
		300*time.Millisecond, 10*time.Millisecond, "dropped connection was added to the room")
}
