// internal/messaging/events.go

package messaging

import (
	"context"
	"time"
)

// Outbound relay events produced by the message store and conversation registry
const (
	EventReceiveMessage         = "receive-message"
	EventNewMessageNotification = "new-message-notification"
	EventMessageRead            = "message-read"
	EventMessageReadUpdate      = "message-read-update"
	EventMessageDelivered       = "message-delivered"
	EventMessageReactionUpdate  = "message-reaction-update"
	EventMessageDeleted         = "message-deleted"
	EventMessageEdited          = "message-edited"
	EventChatCreated            = "chat-created"
	EventChatUpdated            = "chat-updated"
	EventChatDeleted            = "chat-deleted"
	EventParticipantsUpdated    = "participants-updated"
)

// Relay fans events out to live connections. Delivery is best effort: a relay
// never reports an offline or unreachable peer back to the caller.
type Relay interface {
	// BroadcastToChat reaches every connection joined to the chat room
	BroadcastToChat(chatID int64, event string, payload interface{})
	// NotifyUnjoined reaches the personal room of each user that has no connection joined to the chat room
	NotifyUnjoined(chatID int64, userIDs []int64, event string, payload interface{})
	NotifyUser(userID int64, event string, payload interface{})
	// RemoveFromChat unsubscribes every connection of userID from the chat room
	RemoveFromChat(chatID, userID int64)
	IsOnline(ctx context.Context, userID int64) bool
}

type noopRelay struct{}

func (noopRelay) BroadcastToChat(int64, string, interface{})         {}
func (noopRelay) NotifyUnjoined(int64, []int64, string, interface{}) {}
func (noopRelay) NotifyUser(int64, string, interface{})              {}
func (noopRelay) RemoveFromChat(int64, int64)                        {}
func (noopRelay) IsOnline(context.Context, int64) bool               { return false }

// Event payloads

type MessagePayload struct {
	ChatID  int64    `json:"chatId"`
	Message *Message `json:"message"`
}

type StatusUpdatePayload struct {
	ChatID     int64         `json:"chatId"`
	MessageIDs []int64       `json:"messageIds"`
	UserID     int64         `json:"userId"`
	Status     MessageStatus `json:"status"`
	At         time.Time     `json:"at"`
}

type ReactionUpdatePayload struct {
	ChatID    int64      `json:"chatId"`
	MessageID int64      `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

type MessageDeletedPayload struct {
	ChatID      int64 `json:"chatId"`
	MessageID   int64 `json:"messageId"`
	ForEveryone bool  `json:"forEveryone"`
}

type ChatPayload struct {
	ChatID      int64         `json:"chatId"`
	Chat        *Conversation `json:"chat,omitempty"`
	ForEveryone bool          `json:"forEveryone,omitempty"`
}

type ParticipantsPayload struct {
	ChatID  int64  `json:"chatId"`
	UserID  int64  `json:"userId"`
	Action  string `json:"action"`
	ActorID int64  `json:"actorId"`
}
