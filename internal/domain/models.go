// Package domain defines the persistence models for marketplace messaging:
// stores (read-only), conversations, messages, reactions, and push
// subscriptions. These types are mapped with GORM and shared by the
// repository, service, and transport layers.
package domain

import "time"

// Message types accepted by the store.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
	MessageTypeAudio = "audio"
)

// ValidMessageType reports whether t is one of the supported message types.
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeAudio:
		return true
	}
	return false
}

// Store is the storefront a conversation is held with. Stores are owned and
// written by the catalog side of the marketplace; messaging only reads them
// to resolve the owning user.
type Store struct {
	ID        uint      `json:"id"         gorm:"primaryKey"`
	UserID    uint      `json:"user_id"    gorm:"not null;index"`
	Name      string    `json:"name"       gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the database table name for Store.
func (Store) TableName() string { return "stores" }

// Conversation is the unique thread between one buyer and one store,
// optionally anchored to a product.
//
// At most one row exists per (buyer, store, product). ProductKey mirrors
// ProductID with 0 standing for "no product" so the unique index also covers
// product-less threads (NULLs never collide in a unique index).
type Conversation struct {
	ID            uint      `json:"id"                   gorm:"primaryKey"`
	BuyerID       uint      `json:"buyer_id"             gorm:"not null;uniqueIndex:ux_conversation_thread,priority:1"`
	StoreID       uint      `json:"store_id"             gorm:"not null;uniqueIndex:ux_conversation_thread,priority:2;index"`
	ProductID     *uint     `json:"product_id,omitempty"`
	ProductKey    uint      `json:"-"                    gorm:"not null;default:0;uniqueIndex:ux_conversation_thread,priority:3"`
	LastMessageAt time.Time `json:"last_message_at"      gorm:"not null;index"`
	IsBlocked     bool      `json:"is_blocked"           gorm:"not null;default:false"`
	BlockedBy     *uint     `json:"blocked_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Store Store `json:"-" gorm:"foreignKey:StoreID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`

	// StoreOwnerID and LastMessage are filled by list queries and never stored.
	StoreOwnerID uint     `json:"store_owner_id" gorm:"-"`
	LastMessage  *Message `json:"last_message,omitempty" gorm:"-"`
}

// TableName returns the database table name for Conversation.
func (Conversation) TableName() string { return "conversations" }

// HasParticipant reports whether userID is the buyer or the store owner.
// StoreOwnerID must be resolved.
func (c Conversation) HasParticipant(userID uint) bool {
	return userID != 0 && (userID == c.BuyerID || userID == c.StoreOwnerID)
}

// Counterpart returns the participant who is not userID.
func (c Conversation) Counterpart(userID uint) uint {
	if userID == c.BuyerID {
		return c.StoreOwnerID
	}
	return c.BuyerID
}

// Message is a single entry in a conversation. Content may be nil only for
// attachment types. Ordering within a conversation is (created_at, id).
type Message struct {
	ID              uint      `json:"id"                          gorm:"primaryKey"`
	ConversationID  uint      `json:"conversation_id"             gorm:"not null;index:idx_conversation_msgs,priority:1"`
	SenderID        uint      `json:"sender_id"                   gorm:"not null;index"`
	Content         *string   `json:"content"                     gorm:"type:text"`
	Type            string    `json:"type"                        gorm:"type:varchar(16);not null;default:'text';check:type IN ('text','image','file','audio')"`
	AttachmentURL   *string   `json:"attachment_url,omitempty"    gorm:"type:varchar(2048)"`
	ReplyToID       *uint     `json:"reply_to_id,omitempty"       gorm:"index"`
	ClientMessageID *string   `json:"client_message_id,omitempty" gorm:"type:varchar(200)"`
	IsRead          bool      `json:"is_read"                     gorm:"not null;default:false"`
	IsEdited        bool      `json:"is_edited"                   gorm:"not null;default:false"`
	DeletedBySender bool      `json:"deleted_by_sender"           gorm:"not null;default:false"`
	CreatedAt       time.Time `json:"created_at"                  gorm:"index:idx_conversation_msgs,priority:2"`
	UpdatedAt       time.Time `json:"updated_at"`

	Conversation Conversation `json:"-"                   gorm:"foreignKey:ConversationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
	ReplyTo      *Message     `json:"reply_to,omitempty"  gorm:"foreignKey:ReplyToID;references:ID;constraint:OnDelete:SET NULL"`
	Reactions    []Reaction   `json:"reactions,omitempty" gorm:"foreignKey:MessageID;references:ID"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Text returns the message content or "" when it has none.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Reaction ties one user and one emoji to a message. The unique index makes
// a second add for the same triple impossible; the service turns it into a
// removal instead.
type Reaction struct {
	ID        uint      `json:"id"         gorm:"primaryKey"`
	MessageID uint      `json:"message_id" gorm:"not null;uniqueIndex:ux_reaction_message_user_emoji,priority:1"`
	UserID    uint      `json:"user_id"    gorm:"not null;uniqueIndex:ux_reaction_message_user_emoji,priority:2"`
	Emoji     string    `json:"emoji"      gorm:"type:varchar(32);not null;uniqueIndex:ux_reaction_message_user_emoji,priority:3"`
	CreatedAt time.Time `json:"created_at"`

	Message *Message `json:"-" gorm:"foreignKey:MessageID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Reaction.
func (Reaction) TableName() string { return "reactions" }

// Subscription is one Web Push endpoint registered by a user's device.
// A user may hold several; the endpoint itself is globally unique.
type Subscription struct {
	ID        uint      `json:"id"         gorm:"primaryKey"`
	UserID    uint      `json:"user_id"    gorm:"not null;index"`
	Endpoint  string    `json:"endpoint"   gorm:"type:varchar(2048);not null;uniqueIndex"`
	P256dh    string    `json:"p256dh"     gorm:"type:varchar(255);not null"`
	Auth      string    `json:"auth"       gorm:"type:varchar(255);not null"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Subscription.
func (Subscription) TableName() string { return "push_subscriptions" }
