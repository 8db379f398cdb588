// internal/messaging/postgres.go

package messaging

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const (
	conversationColumns = `c.id, c.type, c.name, c.created_by, c.pair_key, c.last_message_id,
		c.last_message_preview, c.last_message_at, c.last_message_sender_id, c.message_count,
		c.is_active, c.created_at, c.updated_at`

	participantColumns = `conversation_id, user_id, role, joined_at, last_read_at, last_read_message_id,
		muted_until, is_archived, is_pinned, is_deleted, unread_count, can_add_members,
		can_remove_members, can_send_messages`

	messageColumns = `id, conversation_id, sender_id, receiver_id, type, content, media, reply_to_id,
		status, is_edited, edit_history, deleted_for_everyone, created_at, updated_at`

	uniqueViolation = "23505"
)

// Schema is applied by Migrate. Statements are idempotent.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(16) NOT NULL,
		name VARCHAR(100),
		created_by BIGINT NOT NULL,
		pair_key VARCHAR(64),
		last_message_id BIGINT,
		last_message_preview TEXT,
		last_message_at TIMESTAMPTZ,
		last_message_sender_id BIGINT,
		message_count INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT conversations_pair_key_key UNIQUE (pair_key)
	)`,

	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL,
		role VARCHAR(16) NOT NULL DEFAULT 'member',
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_read_at TIMESTAMPTZ,
		last_read_message_id BIGINT NOT NULL DEFAULT 0,
		muted_until TIMESTAMPTZ,
		is_archived BOOLEAN NOT NULL DEFAULT FALSE,
		is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		can_add_members BOOLEAN NOT NULL DEFAULT FALSE,
		can_remove_members BOOLEAN NOT NULL DEFAULT FALSE,
		can_send_messages BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (conversation_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id BIGINT NOT NULL,
		receiver_id BIGINT,
		type VARCHAR(16) NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		media JSONB NOT NULL DEFAULT '[]',
		reply_to_id BIGINT,
		status VARCHAR(16) NOT NULL DEFAULT 'sent',
		is_edited BOOLEAN NOT NULL DEFAULT FALSE,
		edit_history JSONB NOT NULL DEFAULT '[]',
		deleted_for_everyone BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS message_hidden (
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL,
		emoji VARCHAR(32) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (message_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL,
		read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (message_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS media_uploads (
		url TEXT PRIMARY KEY,
		owner_id BIGINT NOT NULL,
		type VARCHAR(16) NOT NULL,
		file_name TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL DEFAULT 0,
		mime_type VARCHAR(128) NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS push_tokens (
		token TEXT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		platform VARCHAR(16) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`ALTER TABLE conversation_participants ADD COLUMN IF NOT EXISTS last_read_message_id BIGINT NOT NULL DEFAULT 0`,
	`CREATE INDEX IF NOT EXISTS idx_participants_user ON conversation_participants(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_media ON messages USING GIN (media jsonb_path_ops)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_receiver_status ON messages(receiver_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_push_tokens_user ON push_tokens(user_id)`,
}

// Migrate creates the messaging tables if they do not exist
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range Schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

type postgresRepository struct {
	db *sqlx.DB
}

func NewPostgresRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

// CreateConversation inserts the conversation and its roster
func (r *postgresRepository) CreateConversation(ctx context.Context, conv *Conversation) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO conversations (type, name, created_by, pair_key, is_active)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query, conv.Type, conv.Name, conv.CreatedBy, conv.PairKey, conv.IsActive).
		Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "conversations_pair_key_key") {
			return ErrDuplicatePair
		}
		return err
	}

	for _, p := range conv.Participants {
		p.ConversationID = conv.ID
		if p.JoinedAt.IsZero() {
			p.JoinedAt = conv.CreatedAt
		}
		if err := insertParticipant(ctx, tx, p); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertParticipant(ctx context.Context, ext sqlx.ExtContext, p *Participant) error {
	query := `
		INSERT INTO conversation_participants (` + participantColumns + `)
		VALUES (:conversation_id, :user_id, :role, :joined_at, :last_read_at, :last_read_message_id,
			:muted_until, :is_archived, :is_pinned, :is_deleted, :unread_count, :can_add_members,
			:can_remove_members, :can_send_messages)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`

	_, err := sqlx.NamedExecContext(ctx, ext, query, p)
	return err
}

func (r *postgresRepository) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	return r.getConversation(ctx, `c.id = $1`, id)
}

func (r *postgresRepository) GetConversationByPairKey(ctx context.Context, pairKey string) (*Conversation, error) {
	return r.getConversation(ctx, `c.pair_key = $1`, pairKey)
}

func (r *postgresRepository) getConversation(ctx context.Context, where string, arg interface{}) (*Conversation, error) {
	var conv Conversation
	query := `SELECT ` + conversationColumns + ` FROM conversations c WHERE ` + where

	if err := r.db.GetContext(ctx, &conv, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}

	convs := []*Conversation{&conv}
	if err := r.attachParticipants(ctx, convs); err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *postgresRepository) attachParticipants(ctx context.Context, convs []*Conversation) error {
	if len(convs) == 0 {
		return nil
	}

	ids := make([]int64, len(convs))
	byID := make(map[int64]*Conversation, len(convs))
	for i, c := range convs {
		ids[i] = c.ID
		byID[c.ID] = c
	}

	var participants []*Participant
	query := `
		SELECT ` + participantColumns + `
		FROM conversation_participants
		WHERE conversation_id = ANY($1)
		ORDER BY joined_at, user_id`
	if err := r.db.SelectContext(ctx, &participants, query, pq.Array(ids)); err != nil {
		return err
	}

	for _, p := range participants {
		if c := byID[p.ConversationID]; c != nil {
			c.Participants = append(c.Participants, p)
		}
	}
	return nil
}

func (r *postgresRepository) ListUserConversations(ctx context.Context, userID int64, archived bool, limit, offset int) ([]*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 AND p.is_archived = $2 AND NOT p.is_deleted AND c.is_active
		ORDER BY p.is_pinned DESC, COALESCE(c.last_message_at, c.created_at) DESC, c.id DESC
		LIMIT $3 OFFSET $4`

	convs := []*Conversation{}
	if err := r.db.SelectContext(ctx, &convs, query, userID, archived, limit, offset); err != nil {
		return nil, err
	}
	if err := r.attachParticipants(ctx, convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// DeleteConversation removes the conversation; messages, receipts and reactions cascade.
// Upload records stay until ReleaseUnreferenced drops them.
func (r *postgresRepository) DeleteConversation(ctx context.Context, id int64) ([]string, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var media []MediaList
	if err := tx.SelectContext(ctx, &media, `SELECT media FROM messages WHERE conversation_id = $1`, id); err != nil {
		return nil, err
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrConversationNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	var urls []string
	for _, m := range media {
		urls = append(urls, m.URLs()...)
	}
	return urls, nil
}

// AddParticipant starts the new member's read watermark at the newest message so
// history from before the join never counts as unread.
func (r *postgresRepository) AddParticipant(ctx context.Context, participant *Participant) error {
	if participant.JoinedAt.IsZero() {
		participant.JoinedAt = time.Now()
	}
	query := `
		INSERT INTO conversation_participants (` + participantColumns + `)
		VALUES (:conversation_id, :user_id, :role, :joined_at, NULL,
			(SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = :conversation_id),
			:muted_until, FALSE, FALSE, FALSE, 0, :can_add_members,
			:can_remove_members, :can_send_messages)
		ON CONFLICT (conversation_id, user_id) DO NOTHING`

	if _, err := r.db.NamedExecContext(ctx, query, participant); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrConversationNotFound
		}
		return err
	}
	return nil
}

func (r *postgresRepository) RemoveParticipant(ctx context.Context, convID, userID int64) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2`,
		convID, userID)
	if err != nil {
		return err
	}
	return expectRow(res, ErrParticipantNotFound)
}

func (r *postgresRepository) UpdateParticipant(ctx context.Context, convID, userID int64, upd ParticipantUpdate) error {
	sets := []string{}
	args := []interface{}{convID, userID}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Archived != nil {
		add("is_archived", *upd.Archived)
	}
	if upd.Pinned != nil {
		add("is_pinned", *upd.Pinned)
	}
	if upd.Deleted != nil {
		add("is_deleted", *upd.Deleted)
	}
	if upd.MutedUntil != nil {
		add("muted_until", *upd.MutedUntil)
	}
	if upd.Unmute {
		sets = append(sets, "muted_until = NULL")
	}
	if len(sets) == 0 {
		return nil
	}

	query := `UPDATE conversation_participants SET ` + strings.Join(sets, ", ") +
		` WHERE conversation_id = $1 AND user_id = $2`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return expectRow(res, ErrParticipantNotFound)
}

func (r *postgresRepository) UnreadCounts(ctx context.Context, userID int64) (map[int64]int, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT conversation_id, unread_count
		FROM conversation_participants
		WHERE user_id = $1 AND NOT is_deleted`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var convID int64
		var count int
		if err := rows.Scan(&convID, &count); err != nil {
			return nil, err
		}
		counts[convID] = count
	}
	return counts, rows.Err()
}

// RecordRead inserts the receipt and, only when it is new, takes the message out of the
// reader's counter if it was still counted there
func (r *postgresRepository) RecordRead(ctx context.Context, messageID, readerID int64, at time.Time) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id, read_at) VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING`, messageID, readerID, at)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return false, ErrMessageNotFound
		}
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE conversation_participants p
		SET unread_count = GREATEST(p.unread_count - 1, 0)
		FROM messages m
		WHERE m.id = $1
			AND p.conversation_id = m.conversation_id
			AND p.user_id = $2
			AND m.sender_id <> $2
			AND NOT m.deleted_for_everyone
			AND m.id > p.last_read_message_id`, messageID, readerID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateMessage inserts the message and updates the conversation in the same transaction
func (r *postgresRepository) CreateMessage(ctx context.Context, message *Message) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now()
	}
	message.UpdatedAt = message.CreatedAt

	query := `
		INSERT INTO messages (
			conversation_id, sender_id, receiver_id, type, content, media,
			reply_to_id, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	err = tx.QueryRowxContext(ctx, query,
		message.ConversationID, message.SenderID, message.ReceiverID, message.Type,
		message.Content, message.Media, message.ReplyToID, message.Status,
		message.CreatedAt, message.UpdatedAt,
	).Scan(&message.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return ErrConversationNotFound
		}
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = $1,
			last_message_preview = $2,
			last_message_at = $3,
			last_message_sender_id = $4,
			message_count = message_count + 1,
			updated_at = $3
		WHERE id = $5`,
		message.ID, message.Preview(), message.CreatedAt, message.SenderID, message.ConversationID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = unread_count + CASE WHEN user_id <> $2 THEN 1 ELSE 0 END,
			is_deleted = FALSE
		WHERE conversation_id = $1`,
		message.ConversationID, message.SenderID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *postgresRepository) GetMessage(ctx context.Context, id int64) (*Message, error) {
	var msg Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}

	if err := r.db.SelectContext(ctx, &msg.DeletedFor,
		`SELECT user_id FROM message_hidden WHERE message_id = $1`, id); err != nil {
		return nil, err
	}

	messages := []*Message{&msg}
	if err := r.attachReactions(ctx, messages); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *postgresRepository) ListMessages(ctx context.Context, convID, viewerID int64, limit int, beforeID int64) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.conversation_id = $1
			AND NOT m.deleted_for_everyone
			AND NOT EXISTS (SELECT 1 FROM message_hidden h WHERE h.message_id = m.id AND h.user_id = $2)
			AND ($3::bigint = 0 OR m.id < $3::bigint)
		ORDER BY m.id DESC
		LIMIT $4`

	return r.selectMessages(ctx, query, convID, viewerID, beforeID, limit)
}

func (r *postgresRepository) SearchMessages(ctx context.Context, convID, viewerID int64, term string, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages m
		WHERE m.conversation_id = $1
			AND NOT m.deleted_for_everyone
			AND NOT EXISTS (SELECT 1 FROM message_hidden h WHERE h.message_id = m.id AND h.user_id = $2)
			AND m.content ILIKE '%' || $3 || '%' ESCAPE '\'
		ORDER BY m.id DESC
		LIMIT $4`

	return r.selectMessages(ctx, query, convID, viewerID, escapeLike(term), limit)
}

func (r *postgresRepository) selectMessages(ctx context.Context, query string, args ...interface{}) ([]*Message, error) {
	messages := []*Message{}
	if err := r.db.SelectContext(ctx, &messages, query, args...); err != nil {
		return nil, err
	}
	if err := r.attachReactions(ctx, messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *postgresRepository) attachReactions(ctx context.Context, messages []*Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]int64, len(messages))
	byID := make(map[int64]*Message, len(messages))
	for i, m := range messages {
		ids[i] = m.ID
		byID[m.ID] = m
	}

	var reactions []Reaction
	query := `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = ANY($1)
		ORDER BY created_at`
	if err := r.db.SelectContext(ctx, &reactions, query, pq.Array(ids)); err != nil {
		return err
	}

	for _, reaction := range reactions {
		if m := byID[reaction.MessageID]; m != nil {
			m.Reactions = append(m.Reactions, reaction)
		}
	}
	return nil
}

func (r *postgresRepository) UpdateMessageContent(ctx context.Context, id int64, content string, previous EditEntry) error {
	entry, err := json.Marshal([]EditEntry{previous})
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages
		SET content = $1, is_edited = TRUE, edit_history = edit_history || $2::jsonb, updated_at = $3
		WHERE id = $4`, content, string(entry), previous.EditedAt, id)
	if err != nil {
		return err
	}
	if err := expectRow(res, ErrMessageNotFound); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_preview = $1
		WHERE last_message_id = $2`, truncatePreview(content), id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (r *postgresRepository) HideMessage(ctx context.Context, id, userID int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_hidden (message_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, id, userID)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrMessageNotFound
	}
	return err
}

// DeleteMessageForEveryone blanks the message, drops its reactions and takes it out of
// the unread counters of participants that had not read it yet.
func (r *postgresRepository) DeleteMessageForEveryone(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var msg Message
	err = tx.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrMessageNotFound
		}
		return err
	}
	if msg.DeletedForEveryone {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversation_participants p
		SET unread_count = p.unread_count - 1
		WHERE p.conversation_id = $1 AND p.user_id <> $2 AND p.unread_count > 0
			AND p.last_read_message_id < $3
			AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = $3 AND r.user_id = p.user_id)`,
		msg.ConversationID, msg.SenderID, msg.ID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE messages
		SET deleted_for_everyone = TRUE, content = '', media = '[]', updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM message_reactions WHERE message_id = $1`, id); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET last_message_preview = NULL
		WHERE id = $1 AND last_message_id = $2`, msg.ConversationID, id)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// AdvanceStatus is a compare-and-set so concurrent receipts never move a status backwards
func (r *postgresRepository) AdvanceStatus(ctx context.Context, id int64, to MessageStatus) (bool, error) {
	from := statusesBefore(to)
	if len(from) == 0 {
		return false, nil
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)`, to, id, pq.Array(statusStrings(from)))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := r.GetMessage(ctx, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

func (r *postgresRepository) MarkConversationRead(ctx context.Context, convID, readerID int64, at time.Time) ([]*Message, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversation_participants
		SET unread_count = 0,
			last_read_at = $3,
			last_read_message_id = GREATEST(last_read_message_id,
				(SELECT COALESCE(MAX(id), 0) FROM messages WHERE conversation_id = $1))
		WHERE conversation_id = $1 AND user_id = $2`, convID, readerID, at)
	if err != nil {
		return nil, err
	}
	if err := expectRow(res, ErrParticipantNotFound); err != nil {
		return nil, err
	}

	updated := []*Message{}
	err = tx.SelectContext(ctx, &updated, `
		UPDATE messages
		SET status = 'read', updated_at = $3
		WHERE conversation_id = $1
			AND sender_id <> $2
			AND (receiver_id IS NULL OR receiver_id = $2)
			AND status = ANY($4)
			AND NOT deleted_for_everyone
		RETURNING `+messageColumns,
		convID, readerID, at, pq.Array(statusStrings(statusesBefore(StatusRead))))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *postgresRepository) MarkDeliveredFor(ctx context.Context, userID int64) ([]*Message, error) {
	updated := []*Message{}
	err := r.db.SelectContext(ctx, &updated, `
		UPDATE messages
		SET status = 'delivered', updated_at = NOW()
		WHERE receiver_id = $1 AND status = 'sent' AND NOT deleted_for_everyone
		RETURNING `+messageColumns, userID)
	return updated, err
}

func (r *postgresRepository) UpsertReaction(ctx context.Context, reaction *Reaction) error {
	if reaction.CreatedAt.IsZero() {
		reaction.CreatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET emoji = EXCLUDED.emoji, created_at = EXCLUDED.created_at`,
		reaction.MessageID, reaction.UserID, reaction.Emoji, reaction.CreatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return ErrMessageNotFound
	}
	return err
}

func (r *postgresRepository) RemoveReaction(ctx context.Context, messageID, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2`, messageID, userID)
	return err
}

func (r *postgresRepository) GetReactions(ctx context.Context, messageID int64) ([]Reaction, error) {
	reactions := []Reaction{}
	err := r.db.SelectContext(ctx, &reactions, `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions
		WHERE message_id = $1
		ORDER BY created_at`, messageID)
	return reactions, err
}

func (r *postgresRepository) RecordUpload(ctx context.Context, upload *MediaUpload) error {
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = time.Now()
	}
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO media_uploads (url, owner_id, type, file_name, size, mime_type, created_at)
		VALUES (:url, :owner_id, :type, :file_name, :size, :mime_type, :created_at)
		ON CONFLICT (url) DO NOTHING`, upload)
	return err
}

func (r *postgresRepository) GetUpload(ctx context.Context, url string) (*MediaUpload, error) {
	var upload MediaUpload
	err := r.db.GetContext(ctx, &upload, `
		SELECT url, owner_id, type, file_name, size, mime_type, created_at
		FROM media_uploads WHERE url = $1`, url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUploadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &upload, nil
}

// ReleaseUnreferenced checks references with JSONB containment on messages.media
func (r *postgresRepository) ReleaseUnreferenced(ctx context.Context, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	released := []string{}
	err := r.db.SelectContext(ctx, &released, `
		DELETE FROM media_uploads u
		WHERE u.url = ANY($1)
			AND NOT EXISTS (
				SELECT 1 FROM messages m
				WHERE m.media @> jsonb_build_array(jsonb_build_object('url', u.url))
			)
		RETURNING u.url`, pq.Array(urls))
	return released, err
}

// Helpers

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation && pqErr.Constraint == constraint
}

func expectRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func statusStrings(statuses []MessageStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(term string) string {
	return likeEscaper.Replace(term)
}

func truncatePreview(content string) string {
	m := Message{Type: MessageText, Content: content}
	return m.Preview()
}
