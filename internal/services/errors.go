// Package services defines the business logic of the messaging core:
// conversations, message fan-out, reactions, and push delivery.
// This file centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

// Conversation-related errors.
var (
	// ErrConversationNotFound indicates that the requested conversation does
	// not exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrConversationRequired is returned when a request omits the
	// conversation id.
	ErrConversationRequired = errors.New("conversation id is required")

	// ErrNotParticipant is returned when the caller is neither the buyer nor
	// the store owner of the conversation.
	ErrNotParticipant = errors.New("not a participant of this conversation")

	// ErrConversationBlocked is returned when sending into, or re-blocking, a
	// blocked conversation.
	ErrConversationBlocked = errors.New("conversation is blocked")

	// ErrNotBlocker is returned when someone other than the blocker tries to
	// unblock a conversation.
	ErrNotBlocker = errors.New("only the user who blocked the conversation can unblock it")

	// ErrStoreNotFound indicates that the referenced store does not exist.
	ErrStoreNotFound = errors.New("store not found")

	// ErrSelfConversation is returned when a store owner tries to open a
	// conversation with their own store.
	ErrSelfConversation = errors.New("cannot start a conversation with your own store")
)

// Message-related errors.
var (
	// ErrMessageNotFound indicates that the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrEmptyContent is returned when a text message has no content.
	ErrEmptyContent = errors.New("content is empty")

	// ErrTooLong is returned when content exceeds the configured limit.
	ErrTooLong = errors.New("content too long")

	// ErrInvalidType is returned for a message type outside text, image,
	// file and audio.
	ErrInvalidType = errors.New("invalid message type")

	// ErrAttachmentRequired is returned when an attachment message has no URL.
	ErrAttachmentRequired = errors.New("attachment url is required for this message type")

	// ErrInvalidReply is returned when reply_to_id names a message outside
	// the conversation.
	ErrInvalidReply = errors.New("reply target is not part of this conversation")

	// ErrInvalidClientID is returned for an oversized client message id.
	ErrInvalidClientID = errors.New("client message id too long")

	// ErrQueryTooShort is returned when a search query has fewer than three
	// characters.
	ErrQueryTooShort = errors.New("query must be at least 3 characters")
)

// Reaction and push errors.
var (
	// ErrInvalidEmoji is returned when the emoji is missing or too long.
	ErrInvalidEmoji = errors.New("emoji is required and must be at most 32 characters")

	// ErrInvalidSubscription is returned when a push subscription lacks its
	// endpoint or keys.
	ErrInvalidSubscription = errors.New("subscription requires endpoint, p256dh and auth")

	// ErrInvalidNotification is returned when a push notification has no
	// title or no target user.
	ErrInvalidNotification = errors.New("notification requires a user and a title")
)
