package events

import (
	"encoding/json"
	"time"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// NewMessage builds a message:new event.
func NewMessage(m domain.Message) Event {
	return Event{Kind: KindMessageNew, Payload: MessageNew{Message: m}}
}

// NewTyping builds a typing_start (started=true) or typing_stop event.
func NewTyping(conversationID, userID uint, started bool) Event {
	k := KindTypingStop
	if started {
		k = KindTypingStart
	}
	return Event{Kind: k, Payload: Typing{ConversationID: conversationID, UserID: userID}}
}

// NewReaction builds reaction:add (added=true) or reaction:remove.
func NewReaction(r Reaction, added bool) Event {
	k := KindReactionRemove
	if added {
		k = KindReactionAdd
	}
	return Event{Kind: k, Payload: r}
}

// NewNotification builds a notification event with a JSON-encoded payload.
func NewNotification(typ string, payload any, at time.Time) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: KindNotification, Payload: Notification{Type: typ, Payload: raw, CreatedAt: at}}, nil
}

// NewError builds an error event referencing the offending kind, if any.
func NewError(code, msg string, about Kind) Event {
	return Event{Kind: KindError, Payload: Error{Code: code, Message: msg, Event: about}}
}

// DecodePayload unmarshals a notification payload into dst.
func (n Notification) DecodePayload(dst any) error {
	return json.Unmarshal(n.Payload, dst)
}
