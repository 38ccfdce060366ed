// Package chatstate is the in-memory conversation state of one client
// session: the conversation list, the active conversation's message window,
// and who is typing where. It is fed by fetch results and gateway events and
// never writes to the server.
//
// Window lifecycle for the active conversation:
//
//	Uninitialized -> Loading -> Loaded
//
// CompleteLoad replaces the window wholesale. Events that arrive while a
// load is in flight are held and merged once it completes, so nothing that
// raced the fetch is lost. Merges are keyed by message id; delivering the
// same message twice leaves one copy.
package chatstate

import (
	"errors"
	"sort"
	"sync"

	"github.com/tbourn/go-market-chat/internal/domain"
)

// LoadState is the state of the active conversation's window.
type LoadState int

const (
	Uninitialized LoadState = iota
	Loading
	Loaded
)

func (s LoadState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "uninitialized"
	}
}

var (
	// ErrNotActive is returned when loading a conversation that is not active.
	ErrNotActive = errors.New("conversation is not active")
	// ErrStaleLoad is returned when a load completes after a newer one began
	// or after the active conversation changed.
	ErrStaleLoad = errors.New("stale load")
)

// Store is safe for concurrent use.
type Store struct {
	self uint

	mu      sync.RWMutex
	convs   []domain.Conversation
	stale   bool
	active  uint
	state   LoadState
	loadSeq uint64
	window  []domain.Message
	pending []domain.Message
	typing  map[uint]map[uint]struct{}

	subMu sync.Mutex
	subs  map[int]chan struct{}
	next  int
}

// New returns an empty store for the session of userID.
func New(userID uint) *Store {
	return &Store{
		self:   userID,
		typing: make(map[uint]map[uint]struct{}),
		subs:   make(map[int]chan struct{}),
	}
}

// Self is the session's own user id.
func (s *Store) Self() uint { return s.self }

// IsMine reports whether m was sent by this session's user.
func (s *Store) IsMine(m domain.Message) bool {
	return s.self != 0 && m.SenderID == s.self
}

// Subscribe returns a channel that receives a signal after every change.
// Signals coalesce; readers should re-read snapshots. Call the returned
// func to unsubscribe.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.subMu.Unlock()
	return ch, func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// SetConversations replaces the list, sorted by last activity.
func (s *Store) SetConversations(list []domain.Conversation) {
	s.mu.Lock()
	s.convs = append([]domain.Conversation(nil), list...)
	sortConversations(s.convs)
	s.stale = false
	s.mu.Unlock()
	s.notify()
}

// SetActive switches the active conversation. Switching resets the window
// to Uninitialized; re-selecting the current one is a no-op. 0 clears it.
func (s *Store) SetActive(conversationID uint) {
	s.mu.Lock()
	if s.active == conversationID {
		s.mu.Unlock()
		return
	}
	s.active = conversationID
	s.state = Uninitialized
	s.window = nil
	s.pending = nil
	s.loadSeq++
	s.mu.Unlock()
	s.notify()
}

// Active returns the active conversation id, or 0.
func (s *Store) Active() uint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// State returns the window state.
func (s *Store) State() LoadState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// BeginLoad moves the window to Loading and returns a token CompleteLoad
// must present.
func (s *Store) BeginLoad(conversationID uint) (uint64, error) {
	s.mu.Lock()
	if conversationID == 0 || conversationID != s.active {
		s.mu.Unlock()
		return 0, ErrNotActive
	}
	s.loadSeq++
	s.state = Loading
	s.pending = nil
	tok := s.loadSeq
	s.mu.Unlock()
	s.notify()
	return tok, nil
}

// CompleteLoad replaces the window with msgs (the newest N from a fetch) and
// merges anything that arrived while loading.
func (s *Store) CompleteLoad(token uint64, msgs []domain.Message) error {
	s.mu.Lock()
	if token != s.loadSeq || s.state != Loading {
		s.mu.Unlock()
		return ErrStaleLoad
	}
	s.window = nil
	for _, m := range msgs {
		if m.ConversationID == s.active {
			s.window = mergeMessage(s.window, m)
		}
	}
	for _, m := range s.pending {
		s.window = mergeMessage(s.window, m)
	}
	s.pending = nil
	s.state = Loaded
	s.mu.Unlock()
	s.notify()
	return nil
}

// FailLoad returns a Loading window to Uninitialized.
func (s *Store) FailLoad(token uint64) {
	s.mu.Lock()
	changed := token == s.loadSeq && s.state == Loading
	if changed {
		s.state = Uninitialized
		s.pending = nil
	}
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// AppendOptimistic shows a message the session is sending before the server
// echoes it. m should carry a ClientMessageID; the echo replaces it.
func (s *Store) AppendOptimistic(m domain.Message) bool {
	s.mu.Lock()
	ok := m.ConversationID == s.active && s.state == Loaded
	if ok {
		s.window = mergeMessage(s.window, m)
	}
	s.mu.Unlock()
	if ok {
		s.notify()
	}
	return ok
}

// ApplyMessageNew updates the conversation preview, re-sorts the list, and
// merges m into the window when its conversation is active.
func (s *Store) ApplyMessageNew(m domain.Message) {
	s.mu.Lock()
	s.updatePreview(m)
	if m.ConversationID == s.active {
		switch s.state {
		case Loaded:
			s.window = mergeMessage(s.window, m)
		case Loading:
			s.pending = append(s.pending, m)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// NeedsRefresh reports whether activity arrived for a conversation the list
// did not hold. Such conversations are shown as placeholders carrying only
// their id and last message until the next SetConversations.
func (s *Store) NeedsRefresh() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stale
}

// updatePreview must be called with mu held.
func (s *Store) updatePreview(m domain.Message) bool {
	if m.ConversationID == 0 {
		return false
	}
	for i := range s.convs {
		c := &s.convs[i]
		if c.ID != m.ConversationID {
			continue
		}
		if c.LastMessage != nil && c.LastMessage.ID == m.ID && m.ID != 0 {
			return false
		}
		if c.LastMessage != nil && m.CreatedAt.Before(c.LastMessageAt) {
			return false
		}
		mm := m
		c.LastMessage = &mm
		c.LastMessageAt = m.CreatedAt
		sortConversations(s.convs)
		return true
	}
	mm := m
	s.convs = append(s.convs, domain.Conversation{
		ID:            m.ConversationID,
		LastMessageAt: m.CreatedAt,
		LastMessage:   &mm,
	})
	sortConversations(s.convs)
	s.stale = true
	return true
}

// ApplyTyping adds or removes userID from a conversation's typing set. The
// session's own user is never shown as typing.
func (s *Store) ApplyTyping(conversationID, userID uint, typing bool) {
	if userID == 0 || userID == s.self {
		return
	}
	s.mu.Lock()
	set := s.typing[conversationID]
	if typing {
		if set == nil {
			set = make(map[uint]struct{})
			s.typing[conversationID] = set
		}
		set[userID] = struct{}{}
	} else if set != nil {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.typing, conversationID)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// ClearTypingFor removes userID from every typing set.
func (s *Store) ClearTypingFor(userID uint) {
	s.mu.Lock()
	for conv, set := range s.typing {
		delete(set, userID)
		if len(set) == 0 {
			delete(s.typing, conv)
		}
	}
	s.mu.Unlock()
	s.notify()
}

// ClearTyping empties all typing sets, e.g. after the session reconnects.
func (s *Store) ClearTyping() {
	s.mu.Lock()
	s.typing = make(map[uint]map[uint]struct{})
	s.mu.Unlock()
	s.notify()
}

// Typing returns the ids typing in a conversation, ascending.
func (s *Store) Typing(conversationID uint) []uint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.typing[conversationID]
	out := make([]uint, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Conversations returns a snapshot of the list.
func (s *Store) Conversations() []domain.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Conversation(nil), s.convs...)
}

// Conversation returns one conversation from the list.
func (s *Store) Conversation(id uint) (domain.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.convs {
		if c.ID == id {
			return c, true
		}
	}
	return domain.Conversation{}, false
}

// Messages returns a snapshot of the active window, oldest first.
func (s *Store) Messages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Message(nil), s.window...)
}

func sortConversations(list []domain.Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].LastMessageAt.Equal(list[j].LastMessageAt) {
			return list[i].LastMessageAt.After(list[j].LastMessageAt)
		}
		return list[i].ID > list[j].ID
	})
}

// mergeMessage inserts m in (created_at, id) order unless its id is already
// present. A server copy replaces an optimistic copy with the same client id.
func mergeMessage(window []domain.Message, m domain.Message) []domain.Message {
	for i := range window {
		if m.ID != 0 && window[i].ID == m.ID {
			return window
		}
		if sameClientMessage(window[i], m) {
			if window[i].ID != 0 {
				return window
			}
			window = append(window[:i], window[i+1:]...)
			break
		}
	}
	pos := sort.Search(len(window), func(i int) bool { return less(m, window[i]) })
	window = append(window, domain.Message{})
	copy(window[pos+1:], window[pos:])
	window[pos] = m
	return window
}

func sameClientMessage(a, b domain.Message) bool {
	return a.ClientMessageID != nil && b.ClientMessageID != nil &&
		*a.ClientMessageID == *b.ClientMessageID && a.SenderID == b.SenderID
}

// less orders by created_at then id, with unsaved (id 0) messages last
// among equal timestamps.
func less(a, b domain.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.ID == 0 || b.ID == 0 {
		return b.ID == 0 && a.ID != 0
	}
	return a.ID < b.ID
}
