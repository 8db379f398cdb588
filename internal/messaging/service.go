// internal/messaging/service.go

package messaging

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/imadgeboyega/jobchat/internal/common/utils"
	"go.uber.org/zap"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100
	pushTimeout     = 10 * time.Second
)

type Service interface {
	// Conversation registry
	FindOrCreatePrivate(ctx context.Context, userID, otherID int64) (*Conversation, error)
	CreateGroup(ctx context.Context, creatorID int64, req *CreateGroupRequest) (*Conversation, error)
	GetConversation(ctx context.Context, convID, userID int64) (*Conversation, error)
	ListConversations(ctx context.Context, userID int64, archived bool, limit, offset int) ([]*Conversation, error)
	AddParticipant(ctx context.Context, convID, actorID, targetID int64) error
	RemoveParticipant(ctx context.Context, convID, actorID, targetID int64) error
	SetArchived(ctx context.Context, convID, userID int64, archived bool) error
	SetPinned(ctx context.Context, convID, userID int64, pinned bool) error
	SetMuted(ctx context.Context, convID, userID int64, muted bool, duration time.Duration) error
	DeleteConversation(ctx context.Context, convID, userID int64, forEveryone bool) error
	IsParticipant(ctx context.Context, convID, userID int64) (bool, error)

	// Message store
	SendMessage(ctx context.Context, senderID int64, req *SendMessageRequest) (*Message, error)
	SendMediaMessage(ctx context.Context, senderID int64, req *SendMessageRequest, uploads []*Upload) (*Message, error)
	UploadMedia(ctx context.Context, userID int64, upload *Upload) (*Media, error)
	GetMessage(ctx context.Context, messageID, userID int64) (*Message, error)
	GetMessages(ctx context.Context, convID, userID int64, limit int, beforeID int64) ([]*Message, error)
	MarkRead(ctx context.Context, messageID, readerID int64) (*Message, error)
	MarkChatRead(ctx context.Context, convID, readerID int64) (int, error)
	MarkDelivered(ctx context.Context, userID int64) (int, error)
	EditMessage(ctx context.Context, messageID, userID int64, content string) (*Message, error)
	DeleteMessage(ctx context.Context, messageID, userID int64, forEveryone bool) error
	React(ctx context.Context, messageID, userID int64, emoji string) ([]Reaction, error)
	Unreact(ctx context.Context, messageID, userID int64) ([]Reaction, error)
	Forward(ctx context.Context, messageID, userID int64, chatIDs []int64) ([]*Message, error)
	Search(ctx context.Context, convID, userID int64, term string, limit int) ([]*Message, error)
	UnreadCount(ctx context.Context, userID int64) (*UnreadSummary, error)
	RecordCall(ctx context.Context, callerID, calleeID int64, summary string) (*Message, error)

	// Push tokens
	RegisterPushToken(ctx context.Context, userID int64, req *PushTokenRequest) error
	UnregisterPushToken(ctx context.Context, userID int64, token string) error

	SetRelay(relay Relay)
}

// Upload is a media blob received from a client
type Upload struct {
	Body     io.ReadSeeker
	FileName string
	MimeType string
	Size     int64
}

type MessageService struct {
	repo          Repository
	blobs         BlobStore
	push          PushService
	tokens        TokenStore
	relay         Relay
	logger        *zap.Logger
	maxUploadSize int64

	now   func() time.Time
	async func(func())
}

// NewService wires the message store. The relay defaults to a no-op until SetRelay is called.
func NewService(repo Repository, blobs BlobStore, push PushService, tokens TokenStore, logger *zap.Logger, maxUploadSize int64) *MessageService {
	return &MessageService{
		repo:          repo,
		blobs:         blobs,
		push:          push,
		tokens:        tokens,
		relay:         noopRelay{},
		logger:        logger,
		maxUploadSize: maxUploadSize,
		now:           time.Now,
		async:         func(f func()) { go f() },
	}
}

// SetRelay sets the relay after initialization to avoid a circular dependency with the hub
func (s *MessageService) SetRelay(relay Relay) {
	if relay == nil {
		relay = noopRelay{}
	}
	s.relay = relay
}

// SendMessage persists a message and then fans it out. Nothing is broadcast if the write fails.
func (s *MessageService) SendMessage(ctx context.Context, senderID int64, req *SendMessageRequest) (*Message, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, invalidArgument("%s", err.Error())
	}

	conv, err := s.senderConversation(ctx, req.ConversationID, senderID)
	if err != nil {
		return nil, err
	}

	media, err := s.ownedMedia(ctx, senderID, req.Media)
	if err != nil {
		return nil, err
	}

	msg, err := s.buildMessage(ctx, conv, senderID, req, media)
	if err != nil {
		return nil, err
	}

	return s.publish(ctx, conv, msg)
}

// ownedMedia resolves attachments against the sender's own uploads. The stored
// descriptor replaces what the client sent; only display hints are kept.
func (s *MessageService) ownedMedia(ctx context.Context, senderID int64, media []Media) ([]Media, error) {
	if len(media) == 0 {
		return nil, nil
	}

	out := make([]Media, 0, len(media))
	for _, m := range media {
		if m.URL == "" {
			return nil, invalidArgument("media url is required")
		}
		upload, err := s.repo.GetUpload(ctx, m.URL)
		if errors.Is(err, ErrUploadNotFound) {
			return nil, invalidArgument("media %s was not uploaded through this service", m.URL)
		}
		if err != nil {
			return nil, err
		}
		if upload.OwnerID != senderID {
			return nil, ErrUploadNotOwned
		}

		stored := upload.Media()
		stored.Duration, stored.Width, stored.Height = m.Duration, m.Width, m.Height
		out = append(out, stored)
	}
	return out, nil
}

// SendMediaMessage uploads every blob before the message record is created.
// An upload failure leaves no message behind and removes blobs already stored.
func (s *MessageService) SendMediaMessage(ctx context.Context, senderID int64, req *SendMessageRequest, uploads []*Upload) (*Message, error) {
	if len(uploads) == 0 {
		return nil, invalidArgument("at least one file is required")
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, invalidArgument("%s", err.Error())
	}

	conv, err := s.senderConversation(ctx, req.ConversationID, senderID)
	if err != nil {
		return nil, err
	}

	for _, u := range uploads {
		if err := s.validateUpload(u); err != nil {
			return nil, err
		}
	}

	attached, err := s.ownedMedia(ctx, senderID, req.Media)
	if err != nil {
		return nil, err
	}

	media := make([]Media, 0, len(uploads))
	for _, u := range uploads {
		m, err := s.storeUpload(ctx, senderID, u)
		if err != nil {
			s.releaseMedia(MediaList(media).URLs())
			return nil, err
		}
		media = append(media, *m)
	}

	if req.Type == "" {
		req.Type = media[0].Type
	}

	msg, err := s.buildMessage(ctx, conv, senderID, req, append(attached, media...))
	if err != nil {
		s.releaseMedia(MediaList(media).URLs())
		return nil, err
	}

	sent, err := s.publish(ctx, conv, msg)
	if err != nil {
		s.releaseMedia(MediaList(media).URLs())
		return nil, err
	}
	return sent, nil
}

// UploadMedia stores a blob for a later SendMessage
func (s *MessageService) UploadMedia(ctx context.Context, userID int64, upload *Upload) (*Media, error) {
	if err := s.validateUpload(upload); err != nil {
		return nil, err
	}
	m, err := s.storeUpload(ctx, userID, upload)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("media uploaded", zap.Int64("user_id", userID), zap.String("url", m.URL))
	return m, nil
}

func (s *MessageService) validateUpload(u *Upload) error {
	if u == nil || u.Body == nil {
		return invalidArgument("file is required")
	}
	if u.Size <= 0 {
		return invalidArgument("file %q is empty", u.FileName)
	}
	if s.maxUploadSize > 0 && u.Size > s.maxUploadSize {
		return invalidArgument("file size %d exceeds maximum allowed size %d", u.Size, s.maxUploadSize)
	}
	if _, ok := mediaTypeFor(u.MimeType); !ok {
		return invalidArgument("file type %s not allowed", u.MimeType)
	}
	return nil
}

// storeUpload writes the blob and records ownerID as its owner
func (s *MessageService) storeUpload(ctx context.Context, ownerID int64, u *Upload) (*Media, error) {
	mediaType, _ := mediaTypeFor(u.MimeType)

	url, err := s.blobs.Upload(ctx, mediaKey(u.FileName, s.now()), u.Body, u.Size, u.MimeType)
	if err != nil {
		blobUploadFailures.Inc()
		s.logger.Warn("media upload failed", zap.String("file_name", u.FileName), zap.Error(err))
		return nil, upstreamFailure("media upload", err)
	}

	record := &MediaUpload{
		URL:       url,
		OwnerID:   ownerID,
		Type:      mediaType,
		FileName:  u.FileName,
		Size:      u.Size,
		MimeType:  u.MimeType,
		CreatedAt: s.now(),
	}
	if err := s.repo.RecordUpload(ctx, record); err != nil {
		s.discardBlobs([]string{url})
		return nil, err
	}

	m := record.Media()
	return &m, nil
}

// releaseMedia deletes the blobs among urls that no stored message references any more.
// Forwarded copies share blobs with their source, so a blob outlives every message but the last.
func (s *MessageService) releaseMedia(urls []string) {
	if len(urls) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()

	released, err := s.repo.ReleaseUnreferenced(ctx, urls)
	if err != nil {
		s.logger.Warn("failed to release media", zap.Strings("urls", urls), zap.Error(err))
		return
	}
	s.discardBlobsContext(ctx, released)
}

func (s *MessageService) discardBlobs(urls []string) {
	if len(urls) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	s.discardBlobsContext(ctx, urls)
}

func (s *MessageService) discardBlobsContext(ctx context.Context, urls []string) {
	for _, url := range urls {
		if err := s.blobs.Delete(ctx, url); err != nil {
			s.logger.Warn("failed to delete media", zap.String("url", url), zap.Error(err))
		}
	}
}

func (s *MessageService) buildMessage(ctx context.Context, conv *Conversation, senderID int64, req *SendMessageRequest, media []Media) (*Message, error) {
	msgType := req.Type
	if msgType == "" {
		msgType = MessageText
	}
	content := strings.TrimSpace(req.Content)

	switch {
	case msgType == MessageCall:
		return nil, invalidArgument("call messages cannot be sent directly")
	case msgType.HasMedia() && len(media) == 0:
		return nil, invalidArgument("%s messages require media", msgType)
	case !msgType.HasMedia() && len(media) > 0:
		return nil, invalidArgument("%s messages cannot carry media", msgType)
	case !msgType.HasMedia() && content == "":
		return nil, invalidArgument("content is required")
	}

	for i := range media {
		if media[i].Type == "" {
			media[i].Type = msgType
		}
	}

	if req.ReplyToID != nil {
		parent, err := s.repo.GetMessage(ctx, *req.ReplyToID)
		if err != nil || parent.ConversationID != conv.ID || !parent.VisibleTo(senderID) {
			return nil, invalidArgument("reply target %d is not in this conversation", *req.ReplyToID)
		}
	}

	msg := &Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Type:           msgType,
		Content:        content,
		Media:          MediaList(media),
		ReplyToID:      req.ReplyToID,
		Status:         StatusSent,
		CreatedAt:      s.now(),
	}
	if conv.Type == ConversationPrivate {
		if others := conv.OtherParticipants(senderID); len(others) == 1 {
			receiver := others[0]
			msg.ReceiverID = &receiver
		}
	}
	return msg, nil
}

// publish is the single write-then-broadcast step used by every send path
func (s *MessageService) publish(ctx context.Context, conv *Conversation, msg *Message) (*Message, error) {
	start := time.Now()
	if err := s.repo.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	operationDuration.WithLabelValues("send").Observe(time.Since(start).Seconds())
	messagesPersisted.WithLabelValues(string(msg.Type)).Inc()

	snapshot := *msg
	payload := MessagePayload{ChatID: conv.ID, Message: &snapshot}
	s.relay.BroadcastToChat(conv.ID, EventReceiveMessage, payload)
	s.relay.NotifyUnjoined(conv.ID, conv.OtherParticipants(msg.SenderID), EventNewMessageNotification, payload)

	if msg.ReceiverID != nil && s.relay.IsOnline(ctx, *msg.ReceiverID) {
		advanced, err := s.repo.AdvanceStatus(ctx, msg.ID, StatusDelivered)
		if err != nil {
			s.logger.Warn("failed to mark message delivered", zap.Int64("message_id", msg.ID), zap.Error(err))
		} else if advanced {
			msg.Status = StatusDelivered
			statusTransitions.WithLabelValues(string(StatusDelivered)).Inc()
			s.relay.BroadcastToChat(conv.ID, EventMessageDelivered, StatusUpdatePayload{
				ChatID:     conv.ID,
				MessageIDs: []int64{msg.ID},
				UserID:     *msg.ReceiverID,
				Status:     StatusDelivered,
				At:         s.now(),
			})
		}
	}

	s.notifyOffline(ctx, conv, msg)
	return msg, nil
}

// notifyOffline pushes to participants with no live connection that have not muted the chat
func (s *MessageService) notifyOffline(ctx context.Context, conv *Conversation, msg *Message) {
	if s.push == nil {
		return
	}

	now := s.now()
	var targets []int64
	for _, p := range conv.Participants {
		if p.UserID == msg.SenderID || p.IsMuted(now) {
			continue
		}
		if s.relay.IsOnline(ctx, p.UserID) {
			continue
		}
		targets = append(targets, p.UserID)
	}
	if len(targets) == 0 {
		return
	}

	title := "New message"
	if conv.Name != nil && *conv.Name != "" {
		title = *conv.Name
	}
	notification := &PushNotification{
		Title: title,
		Body:  msg.Preview(),
		Data: map[string]string{
			"type":      "message",
			"chatId":    strconv.FormatInt(msg.ConversationID, 10),
			"messageId": strconv.FormatInt(msg.ID, 10),
			"senderId":  strconv.FormatInt(msg.SenderID, 10),
		},
		Sound: "default",
	}

	s.async(func() {
		pushCtx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		for _, userID := range targets {
			if err := s.push.SendNotification(pushCtx, userID, notification); err != nil {
				s.logger.Warn("push notification failed", zap.Int64("user_id", userID), zap.Error(err))
			}
		}
	})
}

// GetMessage returns a message visible to userID
func (s *MessageService) GetMessage(ctx context.Context, messageID, userID int64) (*Message, error) {
	msg, _, err := s.visibleMessage(ctx, messageID, userID)
	return msg, err
}

// visibleMessage loads a message the user may act on: the user must participate in
// the chat and the message must not be deleted for them.
func (s *MessageService) visibleMessage(ctx context.Context, messageID, userID int64) (*Message, *Conversation, error) {
	msg, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	conv, _, err := s.participantOf(ctx, msg.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if !msg.VisibleTo(userID) {
		return nil, nil, ErrMessageNotFound
	}
	return msg, conv, nil
}

func (s *MessageService) GetMessages(ctx context.Context, convID, userID int64, limit int, beforeID int64) ([]*Message, error) {
	if _, _, err := s.participantOf(ctx, convID, userID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, convID, userID, pageSize(limit), beforeID)
}

// MarkRead records that readerID read one message. The reader's unread counter drops only
// when the message was still unread for them, so every group member clears their own count.
// The shared status advances to read on the first read by a recipient. Reads by the
// sender or of messages the reader already read are no-ops.
func (s *MessageService) MarkRead(ctx context.Context, messageID, readerID int64) (*Message, error) {
	msg, conv, err := s.visibleMessage(ctx, messageID, readerID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == readerID {
		return msg, nil
	}

	now := s.now()
	counted, err := s.repo.RecordRead(ctx, msg.ID, readerID, now)
	if err != nil {
		return nil, err
	}

	advanced := false
	if msg.IsAddressedTo(readerID) && msg.Status.CanAdvanceTo(StatusRead) {
		advanced, err = s.repo.AdvanceStatus(ctx, msg.ID, StatusRead)
		if err != nil {
			return nil, err
		}
	}
	if advanced {
		msg.Status = StatusRead
		statusTransitions.WithLabelValues(string(StatusRead)).Inc()
	}
	if !counted && !advanced {
		return s.repo.GetMessage(ctx, msg.ID)
	}

	payload := StatusUpdatePayload{
		ChatID:     conv.ID,
		MessageIDs: []int64{msg.ID},
		UserID:     readerID,
		Status:     StatusRead,
		At:         now,
	}
	s.relay.BroadcastToChat(conv.ID, EventMessageReadUpdate, payload)
	s.relay.NotifyUser(msg.SenderID, EventMessageRead, payload)
	return msg, nil
}

// MarkChatRead reads every message addressed to the reader and resets their unread counter
func (s *MessageService) MarkChatRead(ctx context.Context, convID, readerID int64) (int, error) {
	if _, _, err := s.participantOf(ctx, convID, readerID); err != nil {
		return 0, err
	}

	now := s.now()
	updated, err := s.repo.MarkConversationRead(ctx, convID, readerID, now)
	if err != nil {
		return 0, err
	}
	if len(updated) == 0 {
		return 0, nil
	}
	statusTransitions.WithLabelValues(string(StatusRead)).Add(float64(len(updated)))

	ids := make([]int64, 0, len(updated))
	bySender := make(map[int64][]int64)
	for _, m := range updated {
		ids = append(ids, m.ID)
		bySender[m.SenderID] = append(bySender[m.SenderID], m.ID)
	}

	s.relay.BroadcastToChat(convID, EventMessageReadUpdate, StatusUpdatePayload{
		ChatID: convID, MessageIDs: ids, UserID: readerID, Status: StatusRead, At: now,
	})
	for senderID, senderIDs := range bySender {
		s.relay.NotifyUser(senderID, EventMessageRead, StatusUpdatePayload{
			ChatID: convID, MessageIDs: senderIDs, UserID: readerID, Status: StatusRead, At: now,
		})
	}
	return len(updated), nil
}

// MarkDelivered moves every sent message addressed to userID to delivered. It runs when
// the user's first connection registers.
func (s *MessageService) MarkDelivered(ctx context.Context, userID int64) (int, error) {
	updated, err := s.repo.MarkDeliveredFor(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(updated) == 0 {
		return 0, nil
	}
	statusTransitions.WithLabelValues(string(StatusDelivered)).Add(float64(len(updated)))

	now := s.now()
	byChat := make(map[int64][]int64)
	for _, m := range updated {
		byChat[m.ConversationID] = append(byChat[m.ConversationID], m.ID)
	}
	for chatID, ids := range byChat {
		s.relay.BroadcastToChat(chatID, EventMessageDelivered, StatusUpdatePayload{
			ChatID: chatID, MessageIDs: ids, UserID: userID, Status: StatusDelivered, At: now,
		})
	}
	return len(updated), nil
}

// EditMessage replaces the content of a text message, keeping the previous revision
func (s *MessageService) EditMessage(ctx context.Context, messageID, userID int64, content string) (*Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, invalidArgument("content is required")
	}
	if err := utils.ValidateStruct(&EditMessageRequest{Content: content}); err != nil {
		return nil, invalidArgument("%s", err.Error())
	}

	msg, conv, err := s.visibleMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrNotOwner
	}
	if msg.Type != MessageText {
		return nil, invalidArgument("only text messages can be edited")
	}
	if msg.Content == content {
		return msg, nil
	}

	previous := EditEntry{Content: msg.Content, EditedAt: s.now()}
	if err := s.repo.UpdateMessageContent(ctx, msg.ID, content, previous); err != nil {
		return nil, err
	}

	updated, err := s.repo.GetMessage(ctx, msg.ID)
	if err != nil {
		return nil, err
	}
	s.relay.BroadcastToChat(conv.ID, EventMessageEdited, MessagePayload{ChatID: conv.ID, Message: updated})
	return updated, nil
}

// DeleteMessage hides the message for the requester, or for everyone when the sender asks.
// Deleting for everyone also removes attached media no other message still uses.
func (s *MessageService) DeleteMessage(ctx context.Context, messageID, userID int64, forEveryone bool) error {
	msg, conv, err := s.visibleMessage(ctx, messageID, userID)
	if err != nil {
		return err
	}

	payload := MessageDeletedPayload{ChatID: conv.ID, MessageID: msg.ID, ForEveryone: forEveryone}

	if !forEveryone {
		if err := s.repo.HideMessage(ctx, msg.ID, userID); err != nil {
			return err
		}
		// a hidden message can no longer be read, so it leaves the requester's unread count
		if msg.SenderID != userID {
			if _, err := s.repo.RecordRead(ctx, msg.ID, userID, s.now()); err != nil {
				s.logger.Warn("failed to clear hidden message from unread", zap.Int64("message_id", msg.ID), zap.Error(err))
			}
		}
		s.relay.NotifyUser(userID, EventMessageDeleted, payload)
		return nil
	}

	if msg.SenderID != userID {
		return ErrNotOwner
	}
	if err := s.repo.DeleteMessageForEveryone(ctx, msg.ID); err != nil {
		return err
	}
	s.releaseMedia(msg.Media.URLs())

	s.relay.BroadcastToChat(conv.ID, EventMessageDeleted, payload)
	return nil
}

// React sets the user's single reaction on a message, replacing any previous emoji
func (s *MessageService) React(ctx context.Context, messageID, userID int64, emoji string) ([]Reaction, error) {
	req := ReactionRequest{Emoji: strings.TrimSpace(emoji)}
	if err := utils.ValidateStruct(&req); err != nil {
		return nil, invalidArgument("%s", err.Error())
	}

	msg, conv, err := s.visibleMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	reaction := &Reaction{MessageID: msg.ID, UserID: userID, Emoji: req.Emoji, CreatedAt: s.now()}
	if err := s.repo.UpsertReaction(ctx, reaction); err != nil {
		return nil, err
	}
	return s.publishReactions(ctx, conv.ID, msg.ID)
}

func (s *MessageService) Unreact(ctx context.Context, messageID, userID int64) ([]Reaction, error) {
	msg, conv, err := s.visibleMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.RemoveReaction(ctx, msg.ID, userID); err != nil {
		return nil, err
	}
	return s.publishReactions(ctx, conv.ID, msg.ID)
}

func (s *MessageService) publishReactions(ctx context.Context, convID, messageID int64) ([]Reaction, error) {
	reactions, err := s.repo.GetReactions(ctx, messageID)
	if err != nil {
		return nil, err
	}
	s.relay.BroadcastToChat(convID, EventMessageReactionUpdate, ReactionUpdatePayload{
		ChatID:    convID,
		MessageID: messageID,
		Reactions: reactions,
	})
	return reactions, nil
}

// Forward copies a message into each target chat. Every target is checked before anything is sent.
func (s *MessageService) Forward(ctx context.Context, messageID, userID int64, chatIDs []int64) ([]*Message, error) {
	if err := utils.ValidateStruct(&ForwardRequest{ChatIDs: chatIDs}); err != nil {
		return nil, invalidArgument("%s", err.Error())
	}

	source, _, err := s.visibleMessage(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if source.Type == MessageCall {
		return nil, invalidArgument("call messages cannot be forwarded")
	}

	seen := make(map[int64]bool, len(chatIDs))
	targets := make([]*Conversation, 0, len(chatIDs))
	for _, id := range chatIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		conv, err := s.senderConversation(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, conv)
	}

	out := make([]*Message, 0, len(targets))
	for _, conv := range targets {
		req := &SendMessageRequest{
			ConversationID: conv.ID,
			Type:           source.Type,
			Content:        source.Content,
		}
		msg, err := s.buildMessage(ctx, conv, userID, req, append([]Media(nil), source.Media...))
		if err != nil {
			return out, err
		}
		sent, err := s.publish(ctx, conv, msg)
		if err != nil {
			return out, err
		}
		out = append(out, sent)
	}
	return out, nil
}

// Search does a case-insensitive substring match over the chat's messages
func (s *MessageService) Search(ctx context.Context, convID, userID int64, term string, limit int) ([]*Message, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, invalidArgument("search term is required")
	}
	if _, _, err := s.participantOf(ctx, convID, userID); err != nil {
		return nil, err
	}
	return s.repo.SearchMessages(ctx, convID, userID, term, pageSize(limit))
}

func (s *MessageService) UnreadCount(ctx context.Context, userID int64) (*UnreadSummary, error) {
	counts, err := s.repo.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	summary := &UnreadSummary{ByChat: make(map[int64]int, len(counts))}
	for chatID, n := range counts {
		if n == 0 {
			continue
		}
		summary.ByChat[chatID] = n
		summary.Total += n
	}
	return summary, nil
}

// RecordCall stores a call summary in the private chat between the two parties
func (s *MessageService) RecordCall(ctx context.Context, callerID, calleeID int64, summary string) (*Message, error) {
	conv, err := s.FindOrCreatePrivate(ctx, callerID, calleeID)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		ConversationID: conv.ID,
		SenderID:       callerID,
		ReceiverID:     &calleeID,
		Type:           MessageCall,
		Content:        summary,
		Status:         StatusSent,
		CreatedAt:      s.now(),
	}
	return s.publish(ctx, conv, msg)
}

func (s *MessageService) RegisterPushToken(ctx context.Context, userID int64, req *PushTokenRequest) error {
	if err := utils.ValidateStruct(req); err != nil {
		return invalidArgument("%s", err.Error())
	}
	return s.tokens.Save(ctx, &PushToken{Token: req.Token, UserID: userID, Platform: req.Platform})
}

// UnregisterPushToken removes one of the user's own tokens. Unknown tokens are ignored.
func (s *MessageService) UnregisterPushToken(ctx context.Context, userID int64, token string) error {
	tokens, err := s.tokens.ForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, t := range tokens {
		if t.Token == token {
			return s.tokens.Delete(ctx, token)
		}
	}
	return nil
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
