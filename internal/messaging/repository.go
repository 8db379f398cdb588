// internal/messaging/repository.go

package messaging

import (
	"context"
	"time"
)

// ParticipantUpdate carries the per-user flags a participant may toggle.
// Nil fields are left untouched.
type ParticipantUpdate struct {
	Archived   *bool
	Pinned     *bool
	Deleted    *bool
	MutedUntil *time.Time
	Unmute     bool
}

type Repository interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id int64) (*Conversation, error)
	GetConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error)
	ListUserConversations(ctx context.Context, userID int64, archived bool, limit, offset int) ([]*Conversation, error)
	DeleteConversation(ctx context.Context, id int64) (mediaURLs []string, err error)

	// Participants
	AddParticipant(ctx context.Context, participant *Participant) error
	RemoveParticipant(ctx context.Context, convID, userID int64) error
	UpdateParticipant(ctx context.Context, convID, userID int64, upd ParticipantUpdate) error
	UnreadCounts(ctx context.Context, userID int64) (map[int64]int, error)

	// Messages.
	// CreateMessage persists the message, refreshes the conversation preview and
	// increments the unread counter of every participant except the sender in one transaction.
	CreateMessage(ctx context.Context, message *Message) error
	GetMessage(ctx context.Context, id int64) (*Message, error)
	ListMessages(ctx context.Context, convID, viewerID int64, limit int, beforeID int64) ([]*Message, error)
	SearchMessages(ctx context.Context, convID, viewerID int64, term string, limit int) ([]*Message, error)
	UpdateMessageContent(ctx context.Context, id int64, content string, previous EditEntry) error
	HideMessage(ctx context.Context, id, userID int64) error
	DeleteMessageForEveryone(ctx context.Context, id int64) error

	// Status transitions. Each only moves a message forward.
	AdvanceStatus(ctx context.Context, id int64, to MessageStatus) (bool, error)
	MarkConversationRead(ctx context.Context, convID, readerID int64, at time.Time) ([]*Message, error)
	MarkDeliveredFor(ctx context.Context, userID int64) ([]*Message, error)

	// RecordRead stores the reader's receipt for one message. It reports whether the
	// message was still unread for that reader, in which case their counter drops by one.
	// Unread is decided per reader: the message is not theirs, is newer than their
	// LastReadMessageID, has no receipt from them and was not deleted for everyone.
	RecordRead(ctx context.Context, messageID, readerID int64, at time.Time) (bool, error)

	// Uploaded media
	RecordUpload(ctx context.Context, upload *MediaUpload) error
	GetUpload(ctx context.Context, url string) (*MediaUpload, error)
	// ReleaseUnreferenced drops the upload records of the given URLs that no stored
	// message references any more and returns those URLs. URLs without an upload
	// record are never returned.
	ReleaseUnreferenced(ctx context.Context, urls []string) ([]string, error)

	// Reactions
	UpsertReaction(ctx context.Context, reaction *Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID int64) error
	GetReactions(ctx context.Context, messageID int64) ([]Reaction, error)
}
