package chatstate

import (
	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/events"
)

// Apply folds one gateway event into the store. Kinds that carry no client
// state (errors, unknown notifications) are ignored and reported false.
func (s *Store) Apply(ev events.Event) bool {
	switch p := ev.Payload.(type) {
	case events.MessageNew:
		s.ApplyMessageNew(p.Message)
	case events.Typing:
		s.ApplyTyping(p.ConversationID, p.UserID, ev.Kind == events.KindTypingStart)
	case events.Reaction:
		return s.applyReaction(p, ev.Kind == events.KindReactionAdd)
	case events.Notification:
		return s.applyNotification(p)
	default:
		return false
	}
	return true
}

func (s *Store) applyReaction(r events.Reaction, added bool) bool {
	s.mu.Lock()
	changed := false
	for i := range s.window {
		m := &s.window[i]
		if m.ID != r.MessageID {
			continue
		}
		idx := -1
		for j, existing := range m.Reactions {
			if existing.UserID == r.UserID && existing.Emoji == r.Emoji {
				idx = j
				break
			}
		}
		switch {
		case added && idx < 0:
			m.Reactions = append(m.Reactions, domain.Reaction{MessageID: r.MessageID, UserID: r.UserID, Emoji: r.Emoji})
			changed = true
		case !added && idx >= 0:
			m.Reactions = append(m.Reactions[:idx:idx], m.Reactions[idx+1:]...)
			changed = true
		}
		break
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
	return changed
}

func (s *Store) applyNotification(n events.Notification) bool {
	switch n.Type {
	case events.NotifyMessageNew:
		var p events.MessagePreview
		if err := n.DecodePayload(&p); err != nil {
			return false
		}
		preview := p.Preview
		m := domain.Message{
			ID:             p.MessageID,
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Type:           p.Type,
			Content:        &preview,
			CreatedAt:      p.CreatedAt,
		}
		s.mu.Lock()
		changed := s.updatePreview(m)
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		return changed
	case events.NotifyConversationBlocked, events.NotifyConversationUnblocked:
		var p events.BlockChange
		if err := n.DecodePayload(&p); err != nil {
			return false
		}
		blocked := n.Type == events.NotifyConversationBlocked
		s.mu.Lock()
		changed := false
		for i := range s.convs {
			if s.convs[i].ID == p.ConversationID {
				s.convs[i].IsBlocked = blocked
				s.convs[i].BlockedBy = p.BlockedBy
				changed = true
			}
		}
		s.mu.Unlock()
		if changed {
			s.notify()
		}
		return changed
	}
	return false
}
