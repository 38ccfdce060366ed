package services

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-market-chat/internal/events"
)

// Broadcaster delivers an event to every connection joined to a room.
// Implementations must not block the caller on slow connections.
type Broadcaster interface {
	EmitToRoom(room string, ev events.Event)
}

// NopBroadcaster drops every event. Used when no gateway is attached.
type NopBroadcaster struct{}

// EmitToRoom implements Broadcaster.
func (NopBroadcaster) EmitToRoom(string, events.Event) {}

func emit(b Broadcaster, room string, ev events.Event) {
	if b == nil {
		return
	}
	b.EmitToRoom(room, ev)
}

// runAsync runs fn through async, or on a new goroutine when async is nil.
func runAsync(async func(func()), fn func()) {
	if async != nil {
		async(fn)
		return
	}
	go fn()
}

func loggerOr(l *zerolog.Logger) *zerolog.Logger {
	if l != nil {
		return l
	}
	return &log.Logger
}
