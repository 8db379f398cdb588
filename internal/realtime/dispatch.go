// internal/realtime/dispatch.go

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/imadgeboyega/jobchat/internal/messaging"
	"go.uber.org/zap"
)

const defaultEventTimeout = 10 * time.Second

// Error codes carried by the error event
const (
	CodeNotFound        = "not_found"
	CodeForbidden       = "forbidden"
	CodeInvalidArgument = "invalid_argument"
	CodeUpstreamFailure = "upstream_failure"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

type eventHandler func(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error)

// Dispatcher routes inbound frames to the message store, the hub and the call relay.
// Frames carrying a ref get an ack on success; failures always produce an error event
// on the originating connection only.
type Dispatcher struct {
	hub      *Hub
	service  messaging.Service
	calls    *CallRelay
	logger   *zap.Logger
	timeout  time.Duration
	handlers map[string]eventHandler
}

func NewDispatcher(hub *Hub, service messaging.Service, calls *CallRelay, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		hub:     hub,
		service: service,
		calls:   calls,
		logger:  logger,
		timeout: defaultEventTimeout,
	}
	d.handlers = map[string]eventHandler{
		EventJoinChat:       d.joinChat,
		EventLeaveChat:      d.leaveChat,
		EventSendMessage:    d.sendMessage,
		EventTyping:         d.typing,
		EventMarkRead:       d.markRead,
		EventMarkChatRead:   d.markChatRead,
		EventAddReaction:    d.addReaction,
		EventRemoveReaction: d.removeReaction,
		EventDeleteMessage:  d.deleteMessage,
		EventEditMessage:    d.editMessage,
		EventCallUser:       d.callUser,
		EventAnswerCall:     d.answerCall,
		EventRejectCall:     d.rejectCall,
		EventEndCall:        d.endCall,
		EventICECandidate:   d.iceCandidate,
		EventUserConnected:  d.userConnected,
	}
	return d
}

// Handle processes one inbound frame
func (d *Dispatcher) Handle(c *Conn, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		d.replyError(c, "", "", CodeInvalidArgument, "Malformed frame")
		return
	}

	handle, ok := d.handlers[frame.Event]
	if !ok {
		d.replyError(c, frame.Event, frame.Ref, CodeInvalidArgument, "Unknown event")
		return
	}
	inboundEvents.WithLabelValues(frame.Event).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	result, err := handle(ctx, c, frame.Data)
	if err != nil {
		code, message := d.classify(c, frame.Event, err)
		d.replyError(c, frame.Event, frame.Ref, code, message)
		return
	}
	if frame.Ref != "" {
		d.reply(c, EventAck, frame.Ref, Ack{Event: frame.Event, Data: result})
	}
}

// reject answers a frame that was not processed
func (d *Dispatcher) reject(c *Conn, raw []byte, code, message string) {
	var frame Frame
	// an undecodable frame still gets the error, just without event or ref
	_ = json.Unmarshal(raw, &frame)
	d.replyError(c, frame.Event, frame.Ref, code, message)
}

func (d *Dispatcher) classify(c *Conn, event string, err error) (string, string) {
	switch {
	case errors.Is(err, messaging.ErrNotFound):
		return CodeNotFound, err.Error()
	case errors.Is(err, messaging.ErrForbidden):
		return CodeForbidden, err.Error()
	case errors.Is(err, messaging.ErrInvalidArgument):
		return CodeInvalidArgument, err.Error()
	case errors.Is(err, messaging.ErrUpstreamFailure):
		c.logger.Warn("upstream failure handling event", zap.String("event", event), zap.Error(err))
		return CodeUpstreamFailure, "Media storage is unavailable"
	default:
		c.logger.Error("failed to handle event", zap.String("event", event), zap.Error(err))
		return CodeInternal, "Internal error"
	}
}

func (d *Dispatcher) replyError(c *Conn, event, ref, code, message string) {
	d.reply(c, EventError, ref, ErrorPayload{Event: event, Code: code, Message: message})
}

func (d *Dispatcher) reply(c *Conn, event, ref string, payload interface{}) {
	frame, err := encodeFrame(event, payload, ref)
	if err != nil {
		c.logger.Error("failed to encode reply", zap.String("event", event), zap.Error(err))
		return
	}
	d.hub.reply(c, event, frame)
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing event data", messaging.ErrInvalidArgument)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed event data", messaging.ErrInvalidArgument)
	}
	return nil
}

// Rooms

func (d *Dispatcher) joinChat(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p ChatRef
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	if err := d.requireParticipant(ctx, p.ChatID, c.userID); err != nil {
		return nil, err
	}
	d.hub.Join(c, p.ChatID)
	return p, nil
}

func (d *Dispatcher) leaveChat(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p ChatRef
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	d.hub.Leave(c, p.ChatID)
	return p, nil
}

func (d *Dispatcher) requireParticipant(ctx context.Context, chatID, userID int64) error {
	ok, err := d.service.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return messaging.ErrNotParticipant
	}
	return nil
}

// Messages

func (d *Dispatcher) sendMessage(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p SendMessagePayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}

	chatID := p.ChatID
	if chatID == 0 && p.ReceiverID != 0 {
		conv, err := d.service.FindOrCreatePrivate(ctx, c.userID, p.ReceiverID)
		if err != nil {
			return nil, err
		}
		chatID = conv.ID
		d.hub.Join(c, chatID)
	}

	return d.service.SendMessage(ctx, c.userID, &messaging.SendMessageRequest{
		ConversationID: chatID,
		Type:           p.Message.Type,
		Content:        p.Message.Content,
		Media:          p.Message.Media,
		ReplyToID:      p.Message.ReplyToID,
	})
}

func (d *Dispatcher) typing(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p TypingPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	if err := d.requireParticipant(ctx, p.ChatID, c.userID); err != nil {
		return nil, err
	}
	d.hub.BroadcastToChatExcept(p.ChatID, c.userID, EventUserTyping, TypingUpdate{
		ChatID:   p.ChatID,
		UserID:   c.userID,
		IsTyping: p.IsTyping,
	})
	return nil, nil
}

func (d *Dispatcher) markRead(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p MessageRef
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	return d.service.MarkRead(ctx, p.MessageID, c.userID)
}

func (d *Dispatcher) markChatRead(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p ChatRef
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	count, err := d.service.MarkChatRead(ctx, p.ChatID, c.userID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"chatId": p.ChatID, "count": count}, nil
}

func (d *Dispatcher) addReaction(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p ReactionPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	return d.service.React(ctx, p.MessageID, c.userID, p.Emoji)
}

func (d *Dispatcher) removeReaction(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p ReactionPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	return d.service.Unreact(ctx, p.MessageID, c.userID)
}

func (d *Dispatcher) deleteMessage(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p DeleteMessagePayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	if err := d.service.DeleteMessage(ctx, p.MessageID, c.userID, p.ForEveryone); err != nil {
		return nil, err
	}
	return p, nil
}

func (d *Dispatcher) editMessage(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p EditMessagePayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	return d.service.EditMessage(ctx, p.MessageID, c.userID, p.Content)
}

// Calls

func (d *Dispatcher) callUser(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p CallUserPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	call, err := d.calls.Initiate(ctx, c.userID, c.id, &p)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"callId": call.ID, "state": call.State.String()}, nil
}

func (d *Dispatcher) answerCall(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p AnswerCallPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	return nil, d.calls.Answer(ctx, c.userID, c.id, &p)
}

func (d *Dispatcher) rejectCall(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p CallRef
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	return nil, d.calls.Reject(ctx, c.userID, c.id, &p)
}

func (d *Dispatcher) endCall(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p CallRef
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	return nil, d.calls.End(ctx, c.userID, &p)
}

func (d *Dispatcher) iceCandidate(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p ICECandidatePayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	return nil, d.calls.ICECandidate(ctx, c.userID, &p)
}

// userConnected is accepted for older clients. Registration already happened on upgrade,
// so it only confirms the identity matches the authenticated one.
func (d *Dispatcher) userConnected(ctx context.Context, c *Conn, data json.RawMessage) (interface{}, error) {
	var p UserConnectedPayload
	if err := decodeData(data, &p); err != nil {
		return nil, err
	}
	if p.UserID != c.userID {
		return nil, fmt.Errorf("%w: identity mismatch", messaging.ErrForbidden)
	}
	return StatusChange{UserID: c.userID, Status: "online"}, nil
}
