// internal/messaging/conversation.go

package messaging

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/imadgeboyega/jobchat/internal/common/utils"
	"go.uber.org/zap"
)

// mutedForever is stored when a chat is muted without a duration
var mutedForever = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)

// FindOrCreatePrivate returns the private chat between two users, creating it on first use.
// The pair key uniqueness constraint settles concurrent creators: the loser re-reads the winner's row.
func (s *MessageService) FindOrCreatePrivate(ctx context.Context, userID, otherID int64) (*Conversation, error) {
	if userID <= 0 || otherID <= 0 {
		return nil, invalidArgument("user ids must be positive")
	}
	if userID == otherID {
		return nil, invalidArgument("cannot start a private conversation with yourself")
	}

	key := PairKey(userID, otherID)
	conv, err := s.repo.GetConversationByPairKey(ctx, key)
	if err == nil {
		return s.withUnread(conv, userID), nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	conv = &Conversation{
		Type:      ConversationPrivate,
		CreatedBy: userID,
		PairKey:   &key,
		IsActive:  true,
		Participants: []*Participant{
			{UserID: userID, Role: RoleMember, Permissions: memberPermissions},
			{UserID: otherID, Role: RoleMember, Permissions: memberPermissions},
		},
	}

	err = s.repo.CreateConversation(ctx, conv)
	if errors.Is(err, ErrDuplicatePair) {
		existing, err := s.repo.GetConversationByPairKey(ctx, key)
		if err != nil {
			return nil, err
		}
		return s.withUnread(existing, userID), nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("private conversation created",
		zap.Int64("chat_id", conv.ID),
		zap.Int64("user_id", userID),
		zap.Int64("other_id", otherID),
	)
	s.relay.NotifyUser(otherID, EventChatCreated, ChatPayload{ChatID: conv.ID, Chat: conv})
	return conv, nil
}

// CreateGroup creates a group or channel with the creator as admin
func (s *MessageService) CreateGroup(ctx context.Context, creatorID int64, req *CreateGroupRequest) (*Conversation, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := utils.ValidateStruct(req); err != nil {
		return nil, invalidArgument("%s", err.Error())
	}

	convType := req.Type
	if convType == "" {
		convType = ConversationGroup
	}
	memberPerms := memberPermissions
	if convType == ConversationChannel {
		memberPerms = channelPermissions
	}

	participants := []*Participant{{UserID: creatorID, Role: RoleAdmin, Permissions: adminPermissions}}
	seen := map[int64]bool{creatorID: true}
	for _, id := range req.ParticipantIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		participants = append(participants, &Participant{UserID: id, Role: RoleMember, Permissions: memberPerms})
	}
	if len(participants) < 2 {
		return nil, invalidArgument("a %s needs at least 2 participants", convType)
	}

	name := req.Name
	conv := &Conversation{
		Type:         convType,
		Name:         &name,
		CreatedBy:    creatorID,
		IsActive:     true,
		Participants: participants,
	}
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	s.logger.Info("group conversation created",
		zap.Int64("chat_id", conv.ID),
		zap.String("type", string(convType)),
		zap.Int("participants", len(participants)),
	)
	for _, p := range conv.Participants {
		s.relay.NotifyUser(p.UserID, EventChatCreated, ChatPayload{ChatID: conv.ID, Chat: conv})
	}
	return conv, nil
}

func (s *MessageService) GetConversation(ctx context.Context, convID, userID int64) (*Conversation, error) {
	conv, _, err := s.participantOf(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	return s.withUnread(conv, userID), nil
}

// ListConversations returns the user's chats, pinned first then by last activity
func (s *MessageService) ListConversations(ctx context.Context, userID int64, archived bool, limit, offset int) ([]*Conversation, error) {
	if offset < 0 {
		offset = 0
	}
	convs, err := s.repo.ListUserConversations(ctx, userID, archived, pageSize(limit), offset)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		s.withUnread(c, userID)
	}
	return convs, nil
}

// AddParticipant requires canAddMembers. Adding an existing participant is a no-op.
func (s *MessageService) AddParticipant(ctx context.Context, convID, actorID, targetID int64) error {
	if targetID <= 0 {
		return invalidArgument("user id must be positive")
	}

	conv, actor, err := s.participantOf(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if conv.Type == ConversationPrivate {
		return invalidArgument("participants of a private conversation cannot change")
	}
	if !actor.CanAddMembers {
		return ErrPermissionDenied
	}
	if conv.Participant(targetID) != nil {
		return nil
	}

	perms := memberPermissions
	if conv.Type == ConversationChannel {
		perms = channelPermissions
	}
	participant := &Participant{
		ConversationID: conv.ID,
		UserID:         targetID,
		Role:           RoleMember,
		JoinedAt:       s.now(),
		Permissions:    perms,
	}
	if err := s.repo.AddParticipant(ctx, participant); err != nil {
		return err
	}

	s.relay.BroadcastToChat(conv.ID, EventParticipantsUpdated, ParticipantsPayload{
		ChatID: conv.ID, UserID: targetID, Action: "added", ActorID: actorID,
	})
	conv.Participants = append(conv.Participants, participant)
	s.relay.NotifyUser(targetID, EventChatCreated, ChatPayload{ChatID: conv.ID, Chat: conv})
	return nil
}

// RemoveParticipant requires canRemoveMembers, except that anyone may remove themselves.
// The creator cannot be removed by others.
func (s *MessageService) RemoveParticipant(ctx context.Context, convID, actorID, targetID int64) error {
	conv, actor, err := s.participantOf(ctx, convID, actorID)
	if err != nil {
		return err
	}
	if conv.Type == ConversationPrivate {
		return invalidArgument("participants of a private conversation cannot change")
	}
	if conv.Participant(targetID) == nil {
		return ErrParticipantNotFound
	}
	if actorID != targetID {
		if !actor.CanRemoveMembers {
			return ErrPermissionDenied
		}
		if targetID == conv.CreatedBy {
			return ErrNotCreator
		}
	}
	if conv.Type == ConversationGroup && len(conv.Participants) <= 2 {
		return invalidArgument("a group needs at least 2 participants")
	}

	if err := s.repo.RemoveParticipant(ctx, conv.ID, targetID); err != nil {
		return err
	}

	s.relay.BroadcastToChat(conv.ID, EventParticipantsUpdated, ParticipantsPayload{
		ChatID: conv.ID, UserID: targetID, Action: "removed", ActorID: actorID,
	})
	s.relay.RemoveFromChat(conv.ID, targetID)
	return nil
}

func (s *MessageService) SetArchived(ctx context.Context, convID, userID int64, archived bool) error {
	return s.updateFlags(ctx, convID, userID, ParticipantUpdate{Archived: &archived})
}

func (s *MessageService) SetPinned(ctx context.Context, convID, userID int64, pinned bool) error {
	return s.updateFlags(ctx, convID, userID, ParticipantUpdate{Pinned: &pinned})
}

// SetMuted mutes for duration, or indefinitely when duration is zero
func (s *MessageService) SetMuted(ctx context.Context, convID, userID int64, muted bool, duration time.Duration) error {
	if !muted {
		return s.updateFlags(ctx, convID, userID, ParticipantUpdate{Unmute: true})
	}
	if duration < 0 {
		return invalidArgument("mute duration must not be negative")
	}

	until := mutedForever
	if duration > 0 {
		until = s.now().Add(duration)
	}
	return s.updateFlags(ctx, convID, userID, ParticipantUpdate{MutedUntil: &until})
}

// updateFlags applies per-user flags. Setting a flag to its current value is a no-op.
func (s *MessageService) updateFlags(ctx context.Context, convID, userID int64, upd ParticipantUpdate) error {
	if _, _, err := s.participantOf(ctx, convID, userID); err != nil {
		return err
	}
	if err := s.repo.UpdateParticipant(ctx, convID, userID, upd); err != nil {
		return err
	}

	conv, err := s.repo.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	s.relay.NotifyUser(userID, EventChatUpdated, ChatPayload{ChatID: convID, Chat: s.withUnread(conv, userID)})
	return nil
}

// DeleteConversation hides the chat for userID, or removes it with its messages and media
// when the creator deletes it for everyone.
func (s *MessageService) DeleteConversation(ctx context.Context, convID, userID int64, forEveryone bool) error {
	conv, _, err := s.participantOf(ctx, convID, userID)
	if err != nil {
		return err
	}

	if !forEveryone {
		deleted := true
		if err := s.repo.UpdateParticipant(ctx, convID, userID, ParticipantUpdate{Deleted: &deleted}); err != nil {
			return err
		}
		s.relay.NotifyUser(userID, EventChatDeleted, ChatPayload{ChatID: convID})
		return nil
	}

	if conv.CreatedBy != userID {
		return ErrNotCreator
	}

	urls, err := s.repo.DeleteConversation(ctx, convID)
	if err != nil {
		return err
	}
	s.releaseMedia(urls)

	s.logger.Info("conversation deleted for everyone",
		zap.Int64("chat_id", convID),
		zap.Int64("user_id", userID),
		zap.Int("media", len(urls)),
	)

	payload := ChatPayload{ChatID: convID, ForEveryone: true}
	for _, id := range conv.ParticipantIDs() {
		s.relay.NotifyUser(id, EventChatDeleted, payload)
		s.relay.RemoveFromChat(convID, id)
	}
	return nil
}

// IsParticipant reports membership. A missing chat is reported as an error.
func (s *MessageService) IsParticipant(ctx context.Context, convID, userID int64) (bool, error) {
	_, _, err := s.participantOf(ctx, convID, userID)
	if errors.Is(err, ErrNotParticipant) {
		return false, nil
	}
	return err == nil, err
}

func (s *MessageService) participantOf(ctx context.Context, convID, userID int64) (*Conversation, *Participant, error) {
	conv, err := s.repo.GetConversation(ctx, convID)
	if err != nil {
		return nil, nil, err
	}
	if !conv.IsActive {
		return nil, nil, ErrConversationNotFound
	}
	p := conv.Participant(userID)
	if p == nil {
		return nil, nil, ErrNotParticipant
	}
	return conv, p, nil
}

// senderConversation additionally requires the canSendMessages permission
func (s *MessageService) senderConversation(ctx context.Context, convID, userID int64) (*Conversation, error) {
	conv, p, err := s.participantOf(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	if !p.CanSendMessages {
		return nil, ErrSendNotAllowed
	}
	return conv, nil
}

func (s *MessageService) withUnread(conv *Conversation, userID int64) *Conversation {
	if p := conv.Participant(userID); p != nil {
		conv.UnreadCount = p.UnreadCount
	}
	return conv
}
