package omnibox

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a gateway-reported error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic gateway response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Domain Model
// ============================================================================

// ChannelType identifies a configured external messaging provider.
type ChannelType string

const (
	ChannelWhatsApp  ChannelType = "whatsapp"
	ChannelTelegram  ChannelType = "telegram"
	ChannelInstagram ChannelType = "instagram"
	ChannelFacebook  ChannelType = "facebook"
	ChannelEmail     ChannelType = "email"
	ChannelSMS       ChannelType = "sms"
)

// ConversationStatus is the workflow state of a conversation.
type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "open"
	ConversationClosed  ConversationStatus = "closed"
	ConversationPending ConversationStatus = "pending"
	ConversationSnoozed ConversationStatus = "snoozed"
)

// Direction tells whether a message came from the remote party or was sent
// by this account.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// MessageStatus is the delivery state of a message.
//
// pending → {sent, failed}; sent → delivered → read. The later transitions
// are asserted only by the server.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// Message is a single entry in a conversation timeline.
//
// A server-confirmed message carries ID; a locally originated message that
// has not been acknowledged yet carries only TempID. Exactly one of the two
// is non-empty at all times.
type Message struct {
	ID             string        `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	Direction      Direction     `json:"direction"`
	Content        string        `json:"content"`
	MediaURL       string        `json:"mediaUrl,omitempty"`
	MediaType      string        `json:"mediaType,omitempty"`
	Status         MessageStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
}

// Identity returns the stable key a message is deduplicated by: the server
// id once confirmed, the tempId before that.
func (m *Message) Identity() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Conversation is a summary of one thread with one remote party over one
// channel, as rendered in the inbox list.
type Conversation struct {
	ID            string             `json:"id"`
	ChannelID     string             `json:"channelId"`
	ChannelType   ChannelType        `json:"channelType"`
	ContactID     string             `json:"contactId"`
	ContactName   string             `json:"contactName,omitempty"`
	LastMessage   *Message           `json:"lastMessage,omitempty"`
	LastMessageAt time.Time          `json:"lastMessageAt"`
	UnreadCount   int                `json:"unreadCount"`
	Status        ConversationStatus `json:"status"`
}

// MediaRef points at an already-uploaded media object attached to a send.
type MediaRef struct {
	URL  string `json:"mediaUrl"`
	Type string `json:"mediaType"`
}

// ============================================================================
// Gateway request types
// ============================================================================

// ListConversationsOptions filters the conversation list call.
type ListConversationsOptions struct {
	Search          string
	Limit           int
	OnlyWithHistory bool
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	MediaType      string `json:"mediaType,omitempty"`
}

type createConversationRequest struct {
	ContactID   string      `json:"contactId"`
	ChannelType ChannelType `json:"channelType"`
}

// ============================================================================
// Push event vocabulary
// ============================================================================

// EventType tags a push envelope. The set is closed: anything else is
// rejected at the dispatch boundary.
type EventType string

const (
	EventNewMessage         EventType = "new_message"
	EventMessageStatus      EventType = "message_status_update"
	EventConversationUpdate EventType = "conversation_update"
	EventUnreadCount        EventType = "unread_count_update"
	EventConversationRead   EventType = "conversation_read"
	EventUserTyping         EventType = "user_typing"
)

// Envelope is the wire format for all push events.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Intent is a client-to-server command on the push channel.
type Intent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// NewMessageEvent announces a message created on the server, in either
// direction. Conversation is included when the gateway created or touched
// the conversation summary in the same operation.
type NewMessageEvent struct {
	ConversationID string        `json:"conversationId"`
	Message        Message       `json:"message"`
	Conversation   *Conversation `json:"conversation,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

func (e *NewMessageEvent) validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("new_message: missing conversationId")
	}
	if e.Message.ID == "" {
		return fmt.Errorf("new_message: missing message.id")
	}
	return nil
}

// MessageStatusEvent advances the delivery state of one message.
type MessageStatusEvent struct {
	MessageID      string        `json:"messageId"`
	ConversationID string        `json:"conversationId"`
	Status         MessageStatus `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
}

func (e *MessageStatusEvent) validate() error {
	if e.MessageID == "" {
		return fmt.Errorf("message_status_update: missing messageId")
	}
	if e.ConversationID == "" {
		return fmt.Errorf("message_status_update: missing conversationId")
	}
	switch e.Status {
	case StatusPending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return nil
	default:
		return fmt.Errorf("message_status_update: unknown status %q", e.Status)
	}
}

// ConversationUpdates carries the mutable metadata fields of a conversation.
// Nil fields are left untouched on merge.
type ConversationUpdates struct {
	Status        *ConversationStatus `json:"status,omitempty"`
	ContactName   *string             `json:"contactName,omitempty"`
	LastMessageAt *time.Time          `json:"lastMessageAt,omitempty"`
}

// ConversationUpdateEvent patches conversation metadata.
type ConversationUpdateEvent struct {
	ConversationID string              `json:"conversationId"`
	Updates        ConversationUpdates `json:"updates"`
	Timestamp      time.Time           `json:"timestamp"`
}

func (e *ConversationUpdateEvent) validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("conversation_update: missing conversationId")
	}
	if e.Updates.Status != nil {
		switch *e.Updates.Status {
		case ConversationOpen, ConversationClosed, ConversationPending, ConversationSnoozed:
		default:
			return fmt.Errorf("conversation_update: unknown status %q", *e.Updates.Status)
		}
	}
	return nil
}

// UnreadCountEvent reports the server-side aggregate unread total, and
// optionally a corrected per-conversation count.
type UnreadCountEvent struct {
	TotalUnread    int       `json:"totalUnread"`
	ConversationID string    `json:"conversationId,omitempty"`
	UnreadCount    *int      `json:"unreadCount,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *UnreadCountEvent) validate() error {
	if e.TotalUnread < 0 {
		return fmt.Errorf("unread_count_update: negative totalUnread")
	}
	if e.ConversationID != "" && e.UnreadCount == nil {
		return fmt.Errorf("unread_count_update: conversationId without unreadCount")
	}
	if e.UnreadCount != nil && *e.UnreadCount < 0 {
		return fmt.Errorf("unread_count_update: negative unreadCount")
	}
	return nil
}

// ConversationReadEvent reports that a conversation was read, possibly by
// another session of the same account.
type ConversationReadEvent struct {
	ConversationID string    `json:"conversationId"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *ConversationReadEvent) validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("conversation_read: missing conversationId")
	}
	return nil
}

// TypingEvent reports the remote party's typing indicator.
type TypingEvent struct {
	ConversationID string    `json:"conversationId"`
	IsTyping       bool      `json:"isTyping"`
	Timestamp      time.Time `json:"timestamp"`
}

func (e *TypingEvent) validate() error {
	if e.ConversationID == "" {
		return fmt.Errorf("user_typing: missing conversationId")
	}
	return nil
}
