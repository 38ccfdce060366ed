// Package events defines the closed set of realtime events exchanged between
// the gateway and its clients. Every frame on the wire is an Envelope
// {"event": <kind>, "data": <payload>} and every kind has exactly one payload
// type. Frames are decoded and validated here before anything is relayed.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// Kind names an event on the wire.
type Kind string

// Client -> server.
const (
	KindJoinConversation  Kind = "join_conversation"
	KindLeaveConversation Kind = "leave_conversation"
	KindTypingStart       Kind = "typing_start"
	KindTypingStop        Kind = "typing_stop"
)

// Server -> client. typing_start / typing_stop are relayed back with the
// originating user filled in.
const (
	KindMessageNew     Kind = "message:new"
	KindReactionAdd    Kind = "reaction:add"
	KindReactionRemove Kind = "reaction:remove"
	KindNotification   Kind = "notification"
	KindError          Kind = "error"
)

// Notification types carried in Notification.Type.
const (
	NotifyMessageNew            = "message:new"
	NotifyConversationBlocked   = "conversation:blocked"
	NotifyConversationUnblocked = "conversation:unblocked"
)

// Error codes carried in Error.Code.
const (
	CodeBadEvent    = "bad_event"
	CodeUnknown     = "unknown_event"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal_error"
)

var (
	// ErrUnknownKind is returned for a frame whose kind is not part of the set.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrNotClientKind is returned when a client sends a server-only kind.
	ErrNotClientKind = errors.New("event kind not accepted from clients")
	// ErrMalformed wraps JSON and validation failures.
	ErrMalformed = errors.New("malformed event")
)

// Payload is implemented only by the payload types in this package.
type Payload interface {
	isPayload()
}

// Conversation addresses a conversation room. On the wire it is either
// {"conversation_id": 7} or a bare 7.
type Conversation struct {
	ConversationID uint `json:"conversation_id" validate:"required"`
}

// UnmarshalJSON accepts both the object and the bare-integer form.
func (c *Conversation) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s != "" && s[0] != '{' {
		if s[0] == '"' {
			s = strings.Trim(s, `"`)
		}
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("conversation id: %w", err)
		}
		c.ConversationID = uint(id)
		return nil
	}
	type plain Conversation
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*c = Conversation(p)
	return nil
}

// Typing reports that UserID started or stopped typing in a conversation.
// Clients send it without UserID; the gateway fills it from the session.
type Typing struct {
	ConversationID uint `json:"conversation_id" validate:"required"`
	UserID         uint `json:"user_id,omitempty"`
}

// MessageNew carries a persisted message.
type MessageNew struct {
	domain.Message
}

// Reaction reports a toggled reaction. The event kind tells whether it was
// added or removed.
type Reaction struct {
	MessageID      uint   `json:"message_id"      validate:"required"`
	ConversationID uint   `json:"conversation_id" validate:"required"`
	UserID         uint   `json:"user_id"         validate:"required"`
	Emoji          string `json:"emoji"           validate:"required,max=32"`
}

// Notification is delivered to a user's private room.
type Notification struct {
	Type      string          `json:"type"       validate:"required"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Error is sent back to a single connection.
type Error struct {
	Code    string `json:"code"            validate:"required"`
	Message string `json:"message"`
	Event   Kind   `json:"event,omitempty"`
}

// MessagePreview is the payload of a "message:new" notification.
type MessagePreview struct {
	ConversationID uint      `json:"conversation_id"`
	MessageID      uint      `json:"message_id"`
	SenderID       uint      `json:"sender_id"`
	Type           string    `json:"type"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"created_at"`
}

// BlockChange is the payload of block/unblock notifications.
type BlockChange struct {
	ConversationID uint  `json:"conversation_id"`
	BlockedBy      *uint `json:"blocked_by,omitempty"`
}

func (Conversation) isPayload() {}
func (Typing) isPayload()       {}
func (MessageNew) isPayload()   {}
func (Reaction) isPayload()     {}
func (Notification) isPayload() {}
func (Error) isPayload()        {}

// Event is one tagged value of the closed set.
type Event struct {
	Kind    Kind
	Payload Payload
}

// Envelope is the wire frame.
type Envelope struct {
	Event Kind            `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// MarshalJSON encodes the event as an Envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: e.Kind, Data: data})
}

// Encode is MarshalJSON under a friendlier name.
func (e Event) Encode() ([]byte, error) { return e.MarshalJSON() }

// ConversationID returns the conversation the event is scoped to, or 0.
func (e Event) ConversationID() uint {
	switch p := e.Payload.(type) {
	case Conversation:
		return p.ConversationID
	case Typing:
		return p.ConversationID
	case MessageNew:
		return p.Message.ConversationID
	case Reaction:
		return p.ConversationID
	}
	return 0
}

var clientKinds = map[Kind]bool{
	KindJoinConversation:  true,
	KindLeaveConversation: true,
	KindTypingStart:       true,
	KindTypingStop:        true,
}

// IsClientKind reports whether clients may send k.
func IsClientKind(k Kind) bool { return clientKinds[k] }

func newPayload(k Kind) (Payload, bool) {
	switch k {
	case KindJoinConversation, KindLeaveConversation:
		return &Conversation{}, true
	case KindTypingStart, KindTypingStop:
		return &Typing{}, true
	case KindMessageNew:
		return &MessageNew{}, true
	case KindReactionAdd, KindReactionRemove:
		return &Reaction{}, true
	case KindNotification:
		return &Notification{}, true
	case KindError:
		return &Error{}, true
	}
	return nil, false
}

// Decode parses and validates a frame of any known kind.
func Decode(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return decodeEnvelope(env)
}

// DecodeClient parses a frame received from a client. Only client kinds are
// accepted; the returned Kind is set even when validation fails so the caller
// can reference it in an error reply.
func DecodeClient(b []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, known := newPayload(env.Event); !known {
		return Event{Kind: env.Event}, ErrUnknownKind
	}
	if !IsClientKind(env.Event) {
		return Event{Kind: env.Event}, ErrNotClientKind
	}
	ev, err := decodeEnvelope(env)
	ev.Kind = env.Event
	return ev, err
}

func decodeEnvelope(env Envelope) (Event, error) {
	ptr, ok := newPayload(env.Event)
	if !ok {
		return Event{Kind: env.Event}, ErrUnknownKind
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return Event{Kind: env.Event}, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	if err := json.Unmarshal(env.Data, ptr); err != nil {
		return Event{Kind: env.Event}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate.Struct(ptr); err != nil {
		return Event{Kind: env.Event}, fmt.Errorf("%w: %s", ErrMalformed, describe(err))
	}
	// Store the value, not the pointer, so type switches stay simple.
	return Event{Kind: env.Event, Payload: reflect.ValueOf(ptr).Elem().Interface().(Payload)}, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		tag := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if tag == "" || tag == "-" {
			return f.Name
		}
		return tag
	})
	return v
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fe.Field()+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}

// UserRoom is the private room of a user.
func UserRoom(userID uint) string { return fmt.Sprintf("user:%d", userID) }

// ConversationRoom is the room of a conversation.
func ConversationRoom(conversationID uint) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}
