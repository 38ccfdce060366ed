// Package services – MessageService
//
// MessageService implements the send path of the messaging core: it
// validates the request, checks participation and block state, persists the
// message exactly once (a client correlation id turns a resend into a replay
// of the stored message), and then fans the message out on a best-effort
// basis: a message:new event to the conversation room, a notification to the
// recipient's private room, and a Web Push to the recipient's devices.
//
// Ordering: messages are ordered by (created_at, id) assigned at insert.
// Real-time delivery of concurrent sends may reach observers in a different
// order; a re-fetch is authoritative.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include conversation/user identifiers and pagination parameters where applicable.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/go-market-chat/internal/domain"
	"github.com/tbourn/go-market-chat/internal/events"
	"github.com/tbourn/go-market-chat/internal/push"
	"github.com/tbourn/go-market-chat/internal/repo"
	"github.com/tbourn/go-market-chat/internal/search"
)

const (
	pushTitleNewMessage = "Nuevo Mensaje"
	previewMaxRunes     = 180
	maxClientIDLen      = 200
	minQueryRunes       = 3
	searchTopK          = 20
)

// PushSender delivers a notification to every device of a user.
type PushSender interface {
	SendToUser(ctx context.Context, userID uint, n push.Notification) (PushResult, error)
}

// MessageService coordinates message persistence and fan-out.
type MessageService struct {
	DB            *gorm.DB
	Conversations *ConversationService
	Broadcaster   Broadcaster
	Push          PushSender
	Log           *zerolog.Logger

	// Async runs fan-out work. Nil starts a goroutine per call.
	Async func(func())

	// Optional guards
	MaxContentRunes int
	IdempotencyTTL  time.Duration
	// SearchCandidates caps how many recent messages a search ranks.
	SearchCandidates int
}

// NewMessageService wires a MessageService with defaults.
func NewMessageService(db *gorm.DB, conv *ConversationService, b Broadcaster, p PushSender) *MessageService {
	return &MessageService{
		DB:               db,
		Conversations:    conv,
		Broadcaster:      b,
		Push:             p,
		MaxContentRunes:  4000,
		IdempotencyTTL:   24 * time.Hour,
		SearchCandidates: 2000,
	}
}

// SendInput is a send request. Type defaults to text.
type SendInput struct {
	ConversationID  uint
	SenderID        uint
	Content         string
	Type            string
	AttachmentURL   string
	ReplyToID       *uint
	ClientMessageID string
}

// SearchHit is a message ranked against a search query.
type SearchHit struct {
	Message domain.Message `json:"message"`
	Score   float64        `json:"score"`
}

var errReplayRace = errors.New("idempotency key claimed concurrently")

func (s *MessageService) normalize(in SendInput) (SendInput, *string, error) {
	if in.ConversationID == 0 {
		return in, nil, ErrConversationRequired
	}
	if in.Type == "" {
		in.Type = domain.MessageTypeText
	}
	if !domain.ValidMessageType(in.Type) {
		return in, nil, ErrInvalidType
	}
	in.ClientMessageID = strings.TrimSpace(in.ClientMessageID)
	if len(in.ClientMessageID) > maxClientIDLen {
		return in, nil, ErrInvalidClientID
	}
	in.AttachmentURL = strings.TrimSpace(in.AttachmentURL)
	in.Content = strings.TrimSpace(in.Content)

	if in.Type == domain.MessageTypeText {
		if in.Content == "" {
			return in, nil, ErrEmptyContent
		}
	} else if in.AttachmentURL == "" {
		return in, nil, ErrAttachmentRequired
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(in.Content) > s.MaxContentRunes {
		return in, nil, ErrTooLong
	}
	if in.ReplyToID != nil && *in.ReplyToID == 0 {
		in.ReplyToID = nil
	}

	var content *string
	if in.Content != "" {
		c := in.Content
		content = &c
	}
	return in, content, nil
}

// Send validates and persists a message, then fans it out without waiting.
// replayed reports that ClientMessageID matched an already-stored message;
// in that case nothing is inserted and nothing is emitted.
func (s *MessageService) Send(ctx context.Context, in SendInput) (msg *domain.Message, replayed bool, err error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Send",
		trace.WithAttributes(
			attribute.Int64("conversation.id", int64(in.ConversationID)),
			attribute.Int64("user.id", int64(in.SenderID)),
			attribute.String("message.type", in.Type),
		),
	)
	defer span.End()

	in, content, err := s.normalize(in)
	if err != nil {
		return nil, false, err
	}

	conv, err := s.Conversations.Authorize(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, false, err
	}

	if in.ReplyToID != nil {
		parent, err := repo.GetMessage(ctx, s.DB, *in.ReplyToID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, false, ErrInvalidReply
		}
		if err != nil {
			return nil, false, fmt.Errorf("load reply target: %w", err)
		}
		if parent.ConversationID != conv.ID {
			return nil, false, ErrInvalidReply
		}
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-read inside the transaction so a block committed after
		// Authorize still stops the insert.
		blocked, err := repo.ConversationBlocked(ctx, tx, conv.ID)
		if err != nil {
			return err
		}
		if blocked {
			return ErrConversationBlocked
		}
		if in.ClientMessageID != "" {
			prev, err := s.findReplay(ctx, tx, in)
			if err != nil {
				return err
			}
			if prev != nil {
				msg, replayed = prev, true
				return nil
			}
		}

		m := &domain.Message{
			ConversationID: conv.ID,
			SenderID:       in.SenderID,
			Content:        content,
			Type:           in.Type,
			ReplyToID:      in.ReplyToID,
		}
		if in.AttachmentURL != "" {
			u := in.AttachmentURL
			m.AttachmentURL = &u
		}
		if in.ClientMessageID != "" {
			k := in.ClientMessageID
			m.ClientMessageID = &k
		}
		if err := repo.CreateMessage(ctx, tx, m); err != nil {
			return err
		}
		if err := repo.TouchConversation(ctx, tx, conv.ID, m.CreatedAt); err != nil {
			return err
		}
		if in.ClientMessageID != "" {
			_, err := repo.CreateIdempotency(ctx, tx, in.SenderID, conv.ID, in.ClientMessageID, m.ID, 201, s.IdempotencyTTL)
			if errors.Is(err, repo.ErrDuplicate) {
				return errReplayRace
			}
			if err != nil {
				return err
			}
		}
		msg = m
		return nil
	})

	if errors.Is(err, errReplayRace) {
		prev, ferr := s.findReplay(ctx, s.DB, in)
		if ferr != nil {
			return nil, false, ferr
		}
		if prev == nil {
			return nil, false, fmt.Errorf("replay lookup for key %q found nothing", in.ClientMessageID)
		}
		return prev, true, nil
	}
	if err != nil {
		return nil, false, err
	}
	if replayed {
		span.SetAttributes(attribute.Bool("message.replayed", true))
		return msg, true, nil
	}

	s.fanOut(ctx, conv, *msg)
	return msg, false, nil
}

// findReplay resolves a client correlation id to the stored message, first
// through the idempotency record and then through the message itself so an
// expired record still deduplicates.
func (s *MessageService) findReplay(ctx context.Context, db *gorm.DB, in SendInput) (*domain.Message, error) {
	rec, err := repo.GetIdempotency(ctx, db, in.SenderID, in.ConversationID, in.ClientMessageID, time.Now().UTC())
	if err == nil {
		m, err := repo.GetMessage(ctx, db, rec.MessageID)
		if err == nil {
			return m, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	m, err := repo.FindMessageByClientID(ctx, db, in.ConversationID, in.SenderID, in.ClientMessageID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// fanOut emits the room event, the recipient notification and the push.
// None of it is awaited and none of it can fail the send.
func (s *MessageService) fanOut(ctx context.Context, conv *domain.Conversation, m domain.Message) {
	ctx = context.WithoutCancel(ctx)
	recipient := conv.Counterpart(m.SenderID)
	lg := loggerOr(s.Log).With().Uint("conversation_id", conv.ID).Uint("message_id", m.ID).Logger()

	runAsync(s.Async, func() {
		emit(s.Broadcaster, events.ConversationRoom(conv.ID), events.NewMessage(m))

		ev, err := events.NewNotification(events.NotifyMessageNew, events.MessagePreview{
			ConversationID: conv.ID,
			MessageID:      m.ID,
			SenderID:       m.SenderID,
			Type:           m.Type,
			Preview:        Preview(m),
			CreatedAt:      m.CreatedAt,
		}, m.CreatedAt)
		if err != nil {
			lg.Warn().Err(err).Msg("encode message notification")
			return
		}
		emit(s.Broadcaster, events.UserRoom(recipient), ev)
	})

	if s.Push == nil || recipient == 0 {
		return
	}
	runAsync(s.Async, func() {
		n := push.Notification{
			Title: pushTitleNewMessage,
			Body:  Preview(m),
			URL:   fmt.Sprintf("/messages?conversation=%d", conv.ID),
		}
		if _, err := s.Push.SendToUser(ctx, recipient, n); err != nil {
			lg.Warn().Err(err).Uint("recipient_id", recipient).Msg("push fan-out failed")
		}
	})
}

// Preview renders the short text shown in list previews and push bodies.
func Preview(m domain.Message) string {
	switch m.Type {
	case domain.MessageTypeImage:
		return "📷 Imagen"
	case domain.MessageTypeFile:
		return "📎 Archivo"
	case domain.MessageTypeAudio:
		return "🎤 Audio"
	}
	text := strings.Join(strings.Fields(m.Text()), " ")
	if utf8.RuneCountInString(text) <= previewMaxRunes {
		return text
	}
	r := []rune(text)
	return strings.TrimSpace(string(r[:previewMaxRunes-1])) + "…"
}

// List returns the newest window of messages in ascending order. Fetching
// marks the conversation read for the reader in the background.
func (s *MessageService) List(ctx context.Context, conversationID, readerID uint, offset, limit int) ([]domain.Message, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.Int64("conversation.id", int64(conversationID)),
			attribute.Int64("user.id", int64(readerID)),
			attribute.Int("offset", offset),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	if _, err := s.Conversations.Authorize(ctx, conversationID, readerID); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 50
	}
	msgs, err := repo.ListMessagesWindow(ctx, s.DB, conversationID, offset, limit)
	if err != nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	runAsync(s.Async, func() {
		if _, err := repo.MarkConversationRead(bg, s.DB, conversationID, readerID); err != nil {
			loggerOr(s.Log).Warn().Err(err).Uint("conversation_id", conversationID).Msg("mark read after fetch")
		}
	})
	return msgs, nil
}

// Stats returns the message count and latest updated_at of a conversation
// the caller participates in.
func (s *MessageService) Stats(ctx context.Context, conversationID, userID uint) (int64, *time.Time, error) {
	if _, err := s.Conversations.Authorize(ctx, conversationID, userID); err != nil {
		return 0, nil, err
	}
	return repo.MessagesStats(ctx, s.DB, conversationID)
}

// MarkAsRead flips is_read on every unread message the reader did not send
// and returns how many changed. Repeated calls return 0.
func (s *MessageService) MarkAsRead(ctx context.Context, conversationID, readerID uint) (int64, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "MarkAsRead",
		trace.WithAttributes(
			attribute.Int64("conversation.id", int64(conversationID)),
			attribute.Int64("user.id", int64(readerID)),
		),
	)
	defer span.End()

	if _, err := s.Conversations.Authorize(ctx, conversationID, readerID); err != nil {
		return 0, err
	}
	return repo.MarkConversationRead(ctx, s.DB, conversationID, readerID)
}

// Search ranks the caller's recent messages against q.
func (s *MessageService) Search(ctx context.Context, userID uint, q string) ([]SearchHit, error) {
	tr := otel.Tracer("services/MessageService")
	ctx, span := tr.Start(ctx, "Search",
		trace.WithAttributes(attribute.Int64("user.id", int64(userID))),
	)
	defer span.End()

	q = strings.TrimSpace(q)
	if utf8.RuneCountInString(q) < minQueryRunes {
		return nil, ErrQueryTooShort
	}
	msgs, err := repo.ListSearchCandidates(ctx, s.DB, userID, s.SearchCandidates)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]domain.Message, len(msgs))
	docs := make([]search.Doc, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		docs = append(docs, search.Doc{ID: m.ID, Text: m.Text()})
	}

	idx := search.NewIndex(docs, search.WithStopwords(search.SpanishStopwords))
	results := idx.TopK(q, searchTopK)
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{Message: byID[r.ID], Score: r.Score})
	}
	span.SetAttributes(attribute.Int("search.hits", len(hits)))
	return hits, nil
}

// PurgeExpiredKeys removes expired correlation records.
func (s *MessageService) PurgeExpiredKeys(ctx context.Context) (int64, error) {
	return repo.PurgeExpiredIdempotency(ctx, s.DB, time.Now().UTC())
}
