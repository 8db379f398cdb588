// internal/messaging/models.go

package messaging

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"
)

type ConversationType string

const (
	ConversationPrivate ConversationType = "private"
	ConversationGroup   ConversationType = "group"
	ConversationChannel ConversationType = "channel"
)

type ParticipantRole string

const (
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

// Permissions granted to a participant inside one conversation
type Permissions struct {
	CanAddMembers    bool `json:"canAddMembers" db:"can_add_members"`
	CanRemoveMembers bool `json:"canRemoveMembers" db:"can_remove_members"`
	CanSendMessages  bool `json:"canSendMessages" db:"can_send_messages"`
}

var (
	adminPermissions   = Permissions{CanAddMembers: true, CanRemoveMembers: true, CanSendMessages: true}
	memberPermissions  = Permissions{CanSendMessages: true}
	channelPermissions = Permissions{}
)

// Participant represents a conversation participant.
// LastReadMessageID is the newest message covered by the last chat-wide read;
// messages at or below it never count as unread for this participant.
type Participant struct {
	ConversationID    int64           `json:"conversationId" db:"conversation_id"`
	UserID            int64           `json:"userId" db:"user_id"`
	Role              ParticipantRole `json:"role" db:"role"`
	JoinedAt          time.Time       `json:"joinedAt" db:"joined_at"`
	LastReadAt        *time.Time      `json:"lastReadAt,omitempty" db:"last_read_at"`
	LastReadMessageID int64           `json:"lastReadMessageId" db:"last_read_message_id"`
	MutedUntil        *time.Time      `json:"mutedUntil,omitempty" db:"muted_until"`
	IsArchived        bool            `json:"isArchived" db:"is_archived"`
	IsPinned          bool            `json:"isPinned" db:"is_pinned"`
	IsDeleted         bool            `json:"-" db:"is_deleted"`
	UnreadCount       int             `json:"unreadCount" db:"unread_count"`
	Permissions       `json:"permissions"`
}

// IsMuted reports whether notifications are muted at t
func (p *Participant) IsMuted(t time.Time) bool {
	return p.MutedUntil != nil && p.MutedUntil.After(t)
}

// Conversation represents a chat conversation
type Conversation struct {
	ID                  int64            `json:"id" db:"id"`
	Type                ConversationType `json:"type" db:"type"`
	Name                *string          `json:"name,omitempty" db:"name"`
	CreatedBy           int64            `json:"createdBy" db:"created_by"`
	PairKey             *string          `json:"-" db:"pair_key"`
	LastMessageID       *int64           `json:"lastMessageId,omitempty" db:"last_message_id"`
	LastMessagePreview  *string          `json:"lastMessagePreview,omitempty" db:"last_message_preview"`
	LastMessageAt       *time.Time       `json:"lastMessageAt,omitempty" db:"last_message_at"`
	LastMessageSenderID *int64           `json:"lastMessageSenderId,omitempty" db:"last_message_sender_id"`
	MessageCount        int              `json:"messageCount" db:"message_count"`
	IsActive            bool             `json:"isActive" db:"is_active"`
	CreatedAt           time.Time        `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time        `json:"updatedAt" db:"updated_at"`

	// Computed fields
	Participants []*Participant `json:"participants,omitempty" db:"-"`
	UnreadCount  int            `json:"unreadCount" db:"-"`
}

// Participant returns the roster entry for userID, or nil
func (c *Conversation) Participant(userID int64) *Participant {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// ParticipantIDs returns every participant's user id
func (c *Conversation) ParticipantIDs() []int64 {
	ids := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.UserID)
	}
	return ids
}

// OtherParticipants returns every participant id except userID
func (c *Conversation) OtherParticipants(userID int64) []int64 {
	ids := make([]int64, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.UserID != userID {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

// PairKey is the canonical unordered key of a private conversation
func PairKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageFile     MessageType = "file"
	MessageVoice    MessageType = "voice"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageCall     MessageType = "call"
)

// HasMedia reports whether messages of this type carry blob attachments
func (t MessageType) HasMedia() bool {
	switch t {
	case MessageImage, MessageVideo, MessageAudio, MessageFile, MessageVoice:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

var statusRank = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvanceTo reports whether s -> next is a legal transition.
// Status only moves forward; failed is reachable from any state before read and is terminal.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	if s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s != StatusRead
	}
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	return ok && to > from
}

// statusesBefore lists the states from which next can be reached
func statusesBefore(next MessageStatus) []MessageStatus {
	var out []MessageStatus
	for _, s := range []MessageStatus{StatusSending, StatusSent, StatusDelivered, StatusRead} {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// Media is one blob attached to a message
type Media struct {
	Type     MessageType `json:"type"`
	URL      string      `json:"url"`
	FileName string      `json:"fileName,omitempty"`
	Size     int64       `json:"size,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
	Duration int         `json:"duration,omitempty"`
	Width    int         `json:"width,omitempty"`
	Height   int         `json:"height,omitempty"`
}

// MediaUpload records who stored a blob. Only the owner may attach it to a new message.
type MediaUpload struct {
	URL       string      `db:"url"`
	OwnerID   int64       `db:"owner_id"`
	Type      MessageType `db:"type"`
	FileName  string      `db:"file_name"`
	Size      int64       `db:"size"`
	MimeType  string      `db:"mime_type"`
	CreatedAt time.Time   `db:"created_at"`
}

// Media is the descriptor stored in messages
func (u *MediaUpload) Media() Media {
	return Media{Type: u.Type, URL: u.URL, FileName: u.FileName, Size: u.Size, MimeType: u.MimeType}
}

// MediaList is stored as a JSONB array
type MediaList []Media

func (m MediaList) Value() (driver.Value, error) {
	if m == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m)
}

func (m *MediaList) Scan(src interface{}) error {
	return scanJSON(src, m)
}

// URLs returns the blob URL of every attachment
func (m MediaList) URLs() []string {
	urls := make([]string, 0, len(m))
	for _, media := range m {
		if media.URL != "" {
			urls = append(urls, media.URL)
		}
	}
	return urls
}

// EditEntry is a previous revision of an edited message
type EditEntry struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"editedAt"`
}

// EditHistory is stored as a JSONB array
type EditHistory []EditEntry

func (h EditHistory) Value() (driver.Value, error) {
	if h == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(h)
}

func (h *EditHistory) Scan(src interface{}) error {
	return scanJSON(src, h)
}

func scanJSON(src interface{}, dst interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}

// Reaction is a single user's emoji on a message
type Reaction struct {
	MessageID int64     `json:"-" db:"message_id"`
	UserID    int64     `json:"userId" db:"user_id"`
	Emoji     string    `json:"emoji" db:"emoji"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// Message represents a chat message
type Message struct {
	ID                 int64         `json:"id" db:"id"`
	ConversationID     int64         `json:"chatId" db:"conversation_id"`
	SenderID           int64         `json:"senderId" db:"sender_id"`
	ReceiverID         *int64        `json:"receiverId,omitempty" db:"receiver_id"`
	Type               MessageType   `json:"type" db:"type"`
	Content            string        `json:"content" db:"content"`
	Media              MediaList     `json:"media,omitempty" db:"media"`
	ReplyToID          *int64        `json:"replyTo,omitempty" db:"reply_to_id"`
	Status             MessageStatus `json:"status" db:"status"`
	IsEdited           bool          `json:"isEdited" db:"is_edited"`
	EditHistory        EditHistory   `json:"editHistory,omitempty" db:"edit_history"`
	DeletedForEveryone bool          `json:"-" db:"deleted_for_everyone"`
	CreatedAt          time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time     `json:"updatedAt" db:"updated_at"`

	// Computed fields
	Reactions  []Reaction `json:"reactions,omitempty" db:"-"`
	DeletedFor []int64    `json:"-" db:"-"`
}

// VisibleTo reports whether userID may still see the message
func (m *Message) VisibleTo(userID int64) bool {
	if m.DeletedForEveryone {
		return false
	}
	for _, id := range m.DeletedFor {
		if id == userID {
			return false
		}
	}
	return true
}

// IsAddressedTo reports whether userID is a recipient whose read advances the status
func (m *Message) IsAddressedTo(userID int64) bool {
	if m.SenderID == userID {
		return false
	}
	return m.ReceiverID == nil || *m.ReceiverID == userID
}

const previewLength = 100

// Preview is the denormalized chat-list snippet for the message
func (m *Message) Preview() string {
	switch m.Type {
	case MessageText:
		if utf8.RuneCountInString(m.Content) <= previewLength {
			return m.Content
		}
		return string([]rune(m.Content)[:previewLength]) + "…"
	case MessageImage:
		return "Photo"
	case MessageVideo:
		return "Video"
	case MessageAudio:
		return "Audio"
	case MessageVoice:
		return "Voice message"
	case MessageFile:
		if len(m.Media) > 0 && m.Media[0].FileName != "" {
			return m.Media[0].FileName
		}
		return "File"
	case MessageLocation:
		return "Location"
	case MessageContact:
		return "Contact"
	case MessageCall:
		return m.Content
	}
	return m.Content
}

// Request DTOs

type CreateGroupRequest struct {
	Name           string           `json:"name" validate:"required,max=100"`
	Type           ConversationType `json:"type" validate:"omitempty,oneof=group channel"`
	ParticipantIDs []int64          `json:"participantIds" validate:"required,min=1,dive,gt=0"`
}

type SendMessageRequest struct {
	ConversationID int64       `json:"chatId" validate:"required,gt=0"`
	Type           MessageType `json:"type" validate:"omitempty,oneof=text image video audio file voice location contact call"`
	Content        string      `json:"content" validate:"max=10000"`
	Media          []Media     `json:"media,omitempty" validate:"omitempty,dive"`
	ReplyToID      *int64      `json:"replyTo,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content" validate:"required,max=10000"`
}

type ReactionRequest struct {
	Emoji string `json:"emoji" validate:"required,max=32"`
}

type ForwardRequest struct {
	ChatIDs []int64 `json:"chatIds" validate:"required,min=1,dive,gt=0"`
}

type ParticipantRequest struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
}

type FlagRequest struct {
	Enabled         bool  `json:"enabled"`
	DurationSeconds int64 `json:"durationSeconds,omitempty"`
}

// UnreadSummary is the per-user unread view
type UnreadSummary struct {
	Total  int           `json:"total"`
	ByChat map[int64]int `json:"byChat"`
}
