// internal/realtime/events.go

package realtime

import (
	"encoding/json"
	"time"

	"github.com/imadgeboyega/jobchat/internal/messaging"
)

// Inbound events (client -> relay)
const (
	EventJoinChat       = "join-chat"
	EventLeaveChat      = "leave-chat"
	EventSendMessage    = "send-message"
	EventTyping         = "typing"
	EventMarkRead       = "mark-read"
	EventMarkChatRead   = "mark-chat-read"
	EventAddReaction    = "add-reaction"
	EventRemoveReaction = "remove-reaction"
	EventDeleteMessage  = "delete-message"
	EventEditMessage    = "edit-message"
	EventCallUser       = "call-user"
	EventAnswerCall     = "answer-call"
	EventRejectCall     = "reject-call"
	EventEndCall        = "end-call"
	EventICECandidate   = "ice-candidate"
	EventUserConnected  = "user-connected"
)

// Outbound events (relay -> client). Message store events are declared in the messaging package.
const (
	EventUserTyping       = "user-typing"
	EventUserStatusChange = "user-status-change"
	EventIncomingCall     = "incoming-call"
	EventCallAccepted     = "call-accepted"
	EventCallRejected     = "call-rejected"
	EventCallEnded        = "call-ended"
	EventCallUnavailable  = "call-unavailable"
	EventAck              = "ack"
	EventError            = "error"
)

// Frame is the websocket envelope in both directions. Ref is echoed back on the ack or
// error produced by an inbound frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ref   string          `json:"ref,omitempty"`
}

func encodeFrame(event string, payload interface{}, ref string) ([]byte, error) {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = raw
	}
	return json.Marshal(Frame{Event: event, Data: data, Ref: ref})
}

// Inbound payloads

type ChatRef struct {
	ChatID int64 `json:"chatId"`
}

type OutgoingMessage struct {
	Type      messaging.MessageType `json:"type"`
	Content   string                `json:"content"`
	Media     []messaging.Media     `json:"media,omitempty"`
	ReplyToID *int64                `json:"replyTo,omitempty"`
}

// SendMessagePayload starts a private chat on the fly when chatId is zero and receiverId is set
type SendMessagePayload struct {
	ChatID     int64           `json:"chatId"`
	Message    OutgoingMessage `json:"message"`
	ReceiverID int64           `json:"receiverId,omitempty"`
}

type TypingPayload struct {
	ChatID   int64 `json:"chatId"`
	IsTyping bool  `json:"isTyping"`
}

type MessageRef struct {
	MessageID int64 `json:"messageId"`
	ChatID    int64 `json:"chatId,omitempty"`
}

type ReactionPayload struct {
	MessageID int64  `json:"messageId"`
	ChatID    int64  `json:"chatId,omitempty"`
	Emoji     string `json:"emoji"`
}

type DeleteMessagePayload struct {
	MessageID   int64 `json:"messageId"`
	ChatID      int64 `json:"chatId,omitempty"`
	ForEveryone bool  `json:"forEveryone"`
}

type EditMessagePayload struct {
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
}

type CallUserPayload struct {
	UserToCall int64           `json:"userToCall"`
	SignalData json.RawMessage `json:"signalData"`
	From       int64           `json:"from,omitempty"`
	Name       string          `json:"name,omitempty"`
	Type       CallType        `json:"type"`
	CallID     string          `json:"callId,omitempty"`
}

type AnswerCallPayload struct {
	To     int64           `json:"to"`
	Signal json.RawMessage `json:"signal"`
	CallID string          `json:"callId"`
}

type CallRef struct {
	To     int64  `json:"to"`
	CallID string `json:"callId"`
}

type ICECandidatePayload struct {
	To        int64           `json:"to"`
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}

type UserConnectedPayload struct {
	UserID int64 `json:"userId"`
}

// Outbound payloads

type TypingUpdate struct {
	ChatID   int64 `json:"chatId"`
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}

type StatusChange struct {
	UserID   int64      `json:"userId"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"lastSeen"`
}

type IncomingCall struct {
	CallID string          `json:"callId"`
	From   int64           `json:"from"`
	Name   string          `json:"name,omitempty"`
	Type   CallType        `json:"type"`
	Signal json.RawMessage `json:"signal"`
}

type CallSignal struct {
	CallID    string          `json:"callId"`
	From      int64           `json:"from"`
	Signal    json.RawMessage `json:"signal,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type CallEnded struct {
	CallID string `json:"callId"`
	From   int64  `json:"from,omitempty"`
	Reason string `json:"reason"`
}

type CallUnavailable struct {
	CallID string `json:"callId"`
	UserID int64  `json:"userId"`
	Reason string `json:"reason"`
}

type Ack struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
