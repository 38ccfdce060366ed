// Package wsclient is a Go client for the realtime gateway. It keeps one
// connection, folds every server event into a chatstate.Store, and sends the
// join, leave and typing events a chat UI produces.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-market-chat/internal/chatstate"
	"github.com/tbourn/go-market-chat/internal/events"
)

// ErrUnauthorized is returned by Dial when the gateway rejects the token.
var ErrUnauthorized = errors.New("gateway rejected credentials")

// ErrClosed is returned by senders after the connection has ended.
var ErrClosed = errors.New("connection closed")

const (
	defaultWriteWait = 10 * time.Second
	errorBuffer      = 16
)

// Client is one gateway session.
type Client struct {
	conn      *websocket.Conn
	store     *chatstate.Store
	log       zerolog.Logger
	writeWait time.Duration

	wmu  sync.Mutex
	errs chan events.Error
	done chan struct{}

	once sync.Once
	err  error
}

type options struct {
	dialer    *websocket.Dialer
	header    http.Header
	writeWait time.Duration
	log       *zerolog.Logger
}

// Option configures Dial.
type Option func(*options)

// WithDialer overrides websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithHeader adds handshake headers (Origin, cookies).
func WithHeader(h http.Header) Option { return func(o *options) { o.header = h.Clone() } }

// WithWriteWait bounds each outbound write.
func WithWriteWait(d time.Duration) Option { return func(o *options) { o.writeWait = d } }

// WithLogger sets the client logger; the global logger is used otherwise.
func WithLogger(l zerolog.Logger) Option { return func(o *options) { o.log = &l } }

// Dial opens a gateway connection authenticated with token and starts the
// read loop that applies events to store.
func Dial(ctx context.Context, url, token string, store *chatstate.Store, opts ...Option) (*Client, error) {
	o := options{dialer: websocket.DefaultDialer, writeWait: defaultWriteWait}
	for _, fn := range opts {
		fn(&o)
	}
	if o.header == nil {
		o.header = http.Header{}
	}
	if token != "" {
		o.header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := o.dialer.DialContext(ctx, url, o.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	l := log.Logger
	if o.log != nil {
		l = *o.log
	}
	c := &Client{
		conn:      conn,
		store:     store,
		log:       l.With().Uint("user_id", store.Self()).Logger(),
		writeWait: o.writeWait,
		errs:      make(chan events.Error, errorBuffer),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Store is the state this client feeds.
func (c *Client) Store() *chatstate.Store { return c.store }

// Errors delivers error events the gateway sent this connection. Errors are
// dropped when nobody drains the channel.
func (c *Client) Errors() <-chan events.Error { return c.errs }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended, nil after a clean Close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Client) readLoop() {
	var rerr error
	defer func() { c.finish(rerr) }()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				rerr = err
			}
			return
		}
		ev, err := events.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Msg("ws_client_bad_frame")
			continue
		}
		if e, ok := ev.Payload.(events.Error); ok {
			select {
			case c.errs <- e:
			default:
				c.log.Debug().Str("code", e.Code).Msg("ws_client_error_dropped")
			}
			continue
		}
		c.store.Apply(ev)
	}
}

func (c *Client) finish(err error) {
	c.once.Do(func() {
		c.err = err
		_ = c.conn.Close()
		// Peers' typing flags are unknowable without a connection.
		c.store.ClearTyping()
		close(c.done)
	})
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.wmu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.writeWait))
	c.wmu.Unlock()
	c.finish(nil)
	return nil
}

func (c *Client) send(ev events.Event) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("write %s: %w", ev.Kind, err)
	}
	return nil
}

// Join subscribes the connection to a conversation room. Refusal arrives
// asynchronously on Errors.
func (c *Client) Join(conversationID uint) error {
	return c.send(events.Event{Kind: events.KindJoinConversation, Payload: events.Conversation{ConversationID: conversationID}})
}

// Leave unsubscribes from a conversation room.
func (c *Client) Leave(conversationID uint) error {
	return c.send(events.Event{Kind: events.KindLeaveConversation, Payload: events.Conversation{ConversationID: conversationID}})
}

// TypingStart tells the other participants this user is typing.
func (c *Client) TypingStart(conversationID uint) error {
	return c.send(events.Event{Kind: events.KindTypingStart, Payload: events.Typing{ConversationID: conversationID}})
}

// TypingStop clears the typing indicator.
func (c *Client) TypingStop(conversationID uint) error {
	return c.send(events.Event{Kind: events.KindTypingStop, Payload: events.Typing{ConversationID: conversationID}})
}
