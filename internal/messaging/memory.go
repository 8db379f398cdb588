// internal/messaging/memory.go

package messaging

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryRepository is a process-local Repository used by the "memory" store
// driver and by tests. A single mutex gives every method the same atomicity the
// Postgres implementation gets from transactions.
type memoryRepository struct {
	mu         sync.RWMutex
	nextConvID int64
	nextMsgID  int64
	convs      map[int64]*Conversation
	pairs      map[string]int64
	messages   map[int64]*Message
	byConv     map[int64][]int64
	reads      map[int64]map[int64]bool
	uploads    map[string]*MediaUpload
	now        func() time.Time
}

func NewMemoryRepository() Repository {
	return &memoryRepository{
		convs:    make(map[int64]*Conversation),
		pairs:    make(map[string]int64),
		messages: make(map[int64]*Message),
		byConv:   make(map[int64][]int64),
		reads:    make(map[int64]map[int64]bool),
		uploads:  make(map[string]*MediaUpload),
		now:      time.Now,
	}
}

func (r *memoryRepository) CreateConversation(ctx context.Context, conv *Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conv.PairKey != nil {
		if _, exists := r.pairs[*conv.PairKey]; exists {
			return ErrDuplicatePair
		}
	}

	r.nextConvID++
	now := r.now()
	conv.ID = r.nextConvID
	conv.CreatedAt = now
	conv.UpdatedAt = now
	for _, p := range conv.Participants {
		p.ConversationID = conv.ID
		if p.JoinedAt.IsZero() {
			p.JoinedAt = now
		}
	}

	r.convs[conv.ID] = cloneConversation(conv)
	if conv.PairKey != nil {
		r.pairs[*conv.PairKey] = conv.ID
	}
	return nil
}

func (r *memoryRepository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv, ok := r.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

func (r *memoryRepository) GetConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.pairs[pairKey]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return cloneConversation(r.convs[id]), nil
}

func (r *memoryRepository) ListUserConversations(ctx context.Context, userID int64, archived bool, limit, offset int) ([]*Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type entry struct {
		conv   *Conversation
		pinned bool
	}
	var entries []entry
	for _, conv := range r.convs {
		p := conv.Participant(userID)
		if p == nil || p.IsDeleted || p.IsArchived != archived || !conv.IsActive {
			continue
		}
		entries = append(entries, entry{conv: conv, pinned: p.IsPinned})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].pinned != entries[j].pinned {
			return entries[i].pinned
		}
		ai, aj := lastActivity(entries[i].conv), lastActivity(entries[j].conv)
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return entries[i].conv.ID > entries[j].conv.ID
	})

	if offset >= len(entries) {
		return []*Conversation{}, nil
	}
	entries = entries[offset:]
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	out := make([]*Conversation, 0, len(entries))
	for _, e := range entries {
		out = append(out, cloneConversation(e.conv))
	}
	return out, nil
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (r *memoryRepository) DeleteConversation(ctx context.Context, id int64) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.convs[id]
	if !ok {
		return nil, ErrConversationNotFound
	}

	var urls []string
	for _, msgID := range r.byConv[id] {
		urls = append(urls, r.messages[msgID].Media.URLs()...)
		delete(r.messages, msgID)
		delete(r.reads, msgID)
	}
	delete(r.byConv, id)
	if conv.PairKey != nil {
		delete(r.pairs, *conv.PairKey)
	}
	delete(r.convs, id)
	return urls, nil
}

func (r *memoryRepository) AddParticipant(ctx context.Context, participant *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.convs[participant.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if conv.Participant(participant.UserID) != nil {
		return nil
	}
	if participant.JoinedAt.IsZero() {
		participant.JoinedAt = r.now()
	}
	cp := *participant
	cp.LastReadMessageID = r.latestMessageLocked(conv.ID)
	cp.UnreadCount = 0
	conv.Participants = append(conv.Participants, &cp)
	conv.UpdatedAt = r.now()
	return nil
}

func (r *memoryRepository) RemoveParticipant(ctx context.Context, convID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.convs[convID]
	if !ok {
		return ErrConversationNotFound
	}
	for i, p := range conv.Participants {
		if p.UserID == userID {
			conv.Participants = append(conv.Participants[:i], conv.Participants[i+1:]...)
			conv.UpdatedAt = r.now()
			return nil
		}
	}
	return ErrParticipantNotFound
}

func (r *memoryRepository) UpdateParticipant(ctx context.Context, convID, userID int64, upd ParticipantUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.participantLocked(convID, userID)
	if err != nil {
		return err
	}
	if upd.Archived != nil {
		p.IsArchived = *upd.Archived
	}
	if upd.Pinned != nil {
		p.IsPinned = *upd.Pinned
	}
	if upd.Deleted != nil {
		p.IsDeleted = *upd.Deleted
	}
	if upd.MutedUntil != nil {
		t := *upd.MutedUntil
		p.MutedUntil = &t
	}
	if upd.Unmute {
		p.MutedUntil = nil
	}
	return nil
}

func (r *memoryRepository) participantLocked(convID, userID int64) (*Participant, error) {
	conv, ok := r.convs[convID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	p := conv.Participant(userID)
	if p == nil {
		return nil, ErrParticipantNotFound
	}
	return p, nil
}

func (r *memoryRepository) UnreadCounts(ctx context.Context, userID int64) (map[int64]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[int64]int)
	for id, conv := range r.convs {
		if p := conv.Participant(userID); p != nil && !p.IsDeleted {
			counts[id] = p.UnreadCount
		}
	}
	return counts, nil
}

func (r *memoryRepository) latestMessageLocked(convID int64) int64 {
	ids := r.byConv[convID]
	if len(ids) == 0 {
		return 0
	}
	return ids[len(ids)-1]
}

// unreadForLocked reports whether msg still counts in p's unread counter
func (r *memoryRepository) unreadForLocked(p *Participant, msg *Message) bool {
	return p.UserID != msg.SenderID &&
		!msg.DeletedForEveryone &&
		msg.ID > p.LastReadMessageID &&
		!r.reads[msg.ID][p.UserID]
}

func (r *memoryRepository) RecordRead(ctx context.Context, messageID, readerID int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[messageID]
	if !ok {
		return false, ErrMessageNotFound
	}
	p, err := r.participantLocked(msg.ConversationID, readerID)
	if err != nil {
		return false, err
	}

	counted := r.unreadForLocked(p, msg)
	if r.reads[messageID] == nil {
		r.reads[messageID] = make(map[int64]bool)
	}
	r.reads[messageID][readerID] = true

	if counted && p.UnreadCount > 0 {
		p.UnreadCount--
	}
	return counted, nil
}

func (r *memoryRepository) CreateMessage(ctx context.Context, message *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv, ok := r.convs[message.ConversationID]
	if !ok {
		return ErrConversationNotFound
	}

	r.nextMsgID++
	message.ID = r.nextMsgID
	if message.CreatedAt.IsZero() {
		message.CreatedAt = r.now()
	}
	message.UpdatedAt = message.CreatedAt

	r.messages[message.ID] = cloneMessage(message)
	r.byConv[conv.ID] = append(r.byConv[conv.ID], message.ID)

	preview := message.Preview()
	id, sender, at := message.ID, message.SenderID, message.CreatedAt
	conv.LastMessageID = &id
	conv.LastMessagePreview = &preview
	conv.LastMessageSenderID = &sender
	conv.LastMessageAt = &at
	conv.MessageCount++
	conv.UpdatedAt = at

	for _, p := range conv.Participants {
		p.IsDeleted = false
		if p.UserID != message.SenderID {
			p.UnreadCount++
		}
	}
	return nil
}

func (r *memoryRepository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return cloneMessage(msg), nil
}

func (r *memoryRepository) ListMessages(ctx context.Context, convID, viewerID int64, limit int, beforeID int64) ([]*Message, error) {
	return r.collect(convID, limit, func(m *Message) bool {
		return m.VisibleTo(viewerID) && (beforeID == 0 || m.ID < beforeID)
	}), nil
}

func (r *memoryRepository) SearchMessages(ctx context.Context, convID, viewerID int64, term string, limit int) ([]*Message, error) {
	needle := strings.ToLower(term)
	return r.collect(convID, limit, func(m *Message) bool {
		return m.VisibleTo(viewerID) && strings.Contains(strings.ToLower(m.Content), needle)
	}), nil
}

// collect walks a conversation newest first
func (r *memoryRepository) collect(convID int64, limit int, keep func(*Message) bool) []*Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byConv[convID]
	out := []*Message{}
	for i := len(ids) - 1; i >= 0; i-- {
		m := r.messages[ids[i]]
		if !keep(m) {
			continue
		}
		out = append(out, cloneMessage(m))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *memoryRepository) UpdateMessageContent(ctx context.Context, id int64, content string, previous EditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	msg.EditHistory = append(msg.EditHistory, previous)
	msg.Content = content
	msg.IsEdited = true
	msg.UpdatedAt = previous.EditedAt

	if conv := r.convs[msg.ConversationID]; conv != nil && conv.LastMessageID != nil && *conv.LastMessageID == id {
		preview := msg.Preview()
		conv.LastMessagePreview = &preview
	}
	return nil
}

func (r *memoryRepository) HideMessage(ctx context.Context, id, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	for _, u := range msg.DeletedFor {
		if u == userID {
			return nil
		}
	}
	msg.DeletedFor = append(msg.DeletedFor, userID)
	return nil
}

func (r *memoryRepository) DeleteMessageForEveryone(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	if msg.DeletedForEveryone {
		return nil
	}

	conv := r.convs[msg.ConversationID]
	if conv != nil {
		for _, p := range conv.Participants {
			if r.unreadForLocked(p, msg) && p.UnreadCount > 0 {
				p.UnreadCount--
			}
		}
	}
	if conv != nil && conv.LastMessageID != nil && *conv.LastMessageID == id {
		conv.LastMessagePreview = nil
	}

	msg.DeletedForEveryone = true
	msg.Content = ""
	msg.Media = nil
	msg.Reactions = nil
	msg.UpdatedAt = r.now()
	return nil
}

func (r *memoryRepository) AdvanceStatus(ctx context.Context, id int64, to MessageStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[id]
	if !ok {
		return false, ErrMessageNotFound
	}
	if !msg.Status.CanAdvanceTo(to) {
		return false, nil
	}
	msg.Status = to
	msg.UpdatedAt = r.now()
	return true, nil
}

func (r *memoryRepository) MarkConversationRead(ctx context.Context, convID, readerID int64, at time.Time) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, err := r.participantLocked(convID, readerID)
	if err != nil {
		return nil, err
	}

	var updated []*Message
	for _, id := range r.byConv[convID] {
		msg := r.messages[id]
		if msg.DeletedForEveryone || !msg.IsAddressedTo(readerID) || !msg.Status.CanAdvanceTo(StatusRead) {
			continue
		}
		msg.Status = StatusRead
		msg.UpdatedAt = at
		updated = append(updated, cloneMessage(msg))
	}

	p.UnreadCount = 0
	readAt := at
	p.LastReadAt = &readAt
	if latest := r.latestMessageLocked(convID); latest > p.LastReadMessageID {
		p.LastReadMessageID = latest
	}
	return updated, nil
}

func (r *memoryRepository) MarkDeliveredFor(ctx context.Context, userID int64) ([]*Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var updated []*Message
	for _, msg := range r.messages {
		if msg.DeletedForEveryone || msg.ReceiverID == nil || *msg.ReceiverID != userID || msg.Status != StatusSent {
			continue
		}
		msg.Status = StatusDelivered
		msg.UpdatedAt = r.now()
		updated = append(updated, cloneMessage(msg))
	}
	sort.Slice(updated, func(i, j int) bool { return updated[i].ID < updated[j].ID })
	return updated, nil
}

func (r *memoryRepository) UpsertReaction(ctx context.Context, reaction *Reaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[reaction.MessageID]
	if !ok {
		return ErrMessageNotFound
	}
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = r.now()
	}
	for i := range msg.Reactions {
		if msg.Reactions[i].UserID == reaction.UserID {
			msg.Reactions[i] = *reaction
			return nil
		}
	}
	msg.Reactions = append(msg.Reactions, *reaction)
	return nil
}

func (r *memoryRepository) RemoveReaction(ctx context.Context, messageID, userID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	for i := range msg.Reactions {
		if msg.Reactions[i].UserID == userID {
			msg.Reactions = append(msg.Reactions[:i], msg.Reactions[i+1:]...)
			return nil
		}
	}
	return nil
}

func (r *memoryRepository) GetReactions(ctx context.Context, messageID int64) ([]Reaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.messages[messageID]
	if !ok {
		return nil, ErrMessageNotFound
	}
	return append([]Reaction(nil), msg.Reactions...), nil
}

func (r *memoryRepository) RecordUpload(ctx context.Context, upload *MediaUpload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.uploads[upload.URL]; exists {
		return nil
	}
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = r.now()
	}
	cp := *upload
	r.uploads[upload.URL] = &cp
	return nil
}

func (r *memoryRepository) GetUpload(ctx context.Context, url string) (*MediaUpload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.uploads[url]
	if !ok {
		return nil, ErrUploadNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryRepository) ReleaseUnreferenced(ctx context.Context, urls []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	referenced := make(map[string]bool)
	for _, msg := range r.messages {
		for _, url := range msg.Media.URLs() {
			referenced[url] = true
		}
	}

	var released []string
	for _, url := range urls {
		if _, ok := r.uploads[url]; !ok || referenced[url] {
			continue
		}
		delete(r.uploads, url)
		released = append(released, url)
	}
	return released, nil
}

func cloneConversation(c *Conversation) *Conversation {
	cp := *c
	cp.Participants = make([]*Participant, len(c.Participants))
	for i, p := range c.Participants {
		pc := *p
		cp.Participants[i] = &pc
	}
	return &cp
}

func cloneMessage(m *Message) *Message {
	cp := *m
	cp.Media = append(MediaList(nil), m.Media...)
	cp.EditHistory = append(EditHistory(nil), m.EditHistory...)
	cp.Reactions = append([]Reaction(nil), m.Reactions...)
	cp.DeletedFor = append([]int64(nil), m.DeletedFor...)
	return &cp
}
