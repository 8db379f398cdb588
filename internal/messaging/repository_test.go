package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRepository runs the behavior every Repository implementation shares.
// newRepo returns an empty repository for each subtest.
func testRepository(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("private pair is unique in either order", func(t *testing.T) {
		repo := newRepo(t)
		first := seedPrivate(t, repo, 1, 2)

		key := PairKey(2, 1)
		err := repo.CreateConversation(ctx, &Conversation{
			Type: ConversationPrivate, CreatedBy: 2, PairKey: &key, IsActive: true,
			Participants: []*Participant{member(2, RoleAdmin), member(1, RoleAdmin)},
		})
		assert.ErrorIs(t, err, ErrDuplicatePair)

		found, err := repo.GetConversationByPairKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first.ID, found.ID)
		assert.ElementsMatch(t, []int64{1, 2}, found.ParticipantIDs())
	})

	t.Run("status never moves backwards", func(t *testing.T) {
		repo := newRepo(t)
		conv := seedPrivate(t, repo, 1, 2)
		msg := seedMessage(t, repo, conv, 1, "hello")

		ok, err := repo.AdvanceStatus(ctx, msg.ID, StatusRead)
		require.NoError(t, err)
		assert.True(t, ok)

		for _, to := range []MessageStatus{StatusSent, StatusDelivered, StatusRead, StatusFailed} {
			ok, err := repo.AdvanceStatus(ctx, msg.ID, to)
			require.NoError(t, err)
			assert.False(t, ok, "read -> %s", to)
		}

		stored, err := repo.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusRead, stored.Status)

		delivered, err := repo.MarkDeliveredFor(ctx, 2)
		require.NoError(t, err)
		assert.Empty(t, delivered)

		_, err = repo.AdvanceStatus(ctx, msg.ID+100, StatusRead)
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("chat read takes unread to zero", func(t *testing.T) {
		repo := newRepo(t)
		conv := seedPrivate(t, repo, 1, 2)
		for _, content := range []string{"one", "two", "three"} {
			seedMessage(t, repo, conv, 1, content)
		}
		seedMessage(t, repo, conv, 2, "mine")

		assert.Equal(t, 3, unreadIn(t, repo, conv.ID, 2))
		assert.Equal(t, 1, unreadIn(t, repo, conv.ID, 1))

		updated, err := repo.MarkConversationRead(ctx, conv.ID, 2, time.Now())
		require.NoError(t, err)
		require.Len(t, updated, 3)
		for _, m := range updated {
			assert.Equal(t, StatusRead, m.Status)
			assert.Equal(t, int64(1), m.SenderID)
		}
		assert.Zero(t, unreadIn(t, repo, conv.ID, 2))
		assert.Equal(t, 1, unreadIn(t, repo, conv.ID, 1))

		updated, err = repo.MarkConversationRead(ctx, conv.ID, 2, time.Now())
		require.NoError(t, err)
		assert.Empty(t, updated)

		_, err = repo.MarkConversationRead(ctx, conv.ID, 9, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("group receipts count per reader", func(t *testing.T) {
		repo := newRepo(t)
		group := seedGroup(t, repo, 1, 2, 3)
		msg := seedMessage(t, repo, group, 1, "standup")

		counted, err := repo.RecordRead(ctx, msg.ID, 2, time.Now())
		require.NoError(t, err)
		assert.True(t, counted)
		assert.Zero(t, unreadIn(t, repo, group.ID, 2))
		assert.Equal(t, 1, unreadIn(t, repo, group.ID, 3))

		counted, err = repo.RecordRead(ctx, msg.ID, 2, time.Now())
		require.NoError(t, err)
		assert.False(t, counted)

		counted, err = repo.RecordRead(ctx, msg.ID, 3, time.Now())
		require.NoError(t, err)
		assert.True(t, counted)
		assert.Zero(t, unreadIn(t, repo, group.ID, 3))

		counted, err = repo.RecordRead(ctx, msg.ID, 1, time.Now())
		require.NoError(t, err)
		assert.False(t, counted)

		_, err = repo.RecordRead(ctx, msg.ID+100, 2, time.Now())
		assert.ErrorIs(t, err, ErrMessageNotFound)
	})

	t.Run("receipts below the chat read watermark do not count", func(t *testing.T) {
		repo := newRepo(t)
		group := seedGroup(t, repo, 1, 2)
		old := seedMessage(t, repo, group, 1, "old")

		_, err := repo.MarkConversationRead(ctx, group.ID, 2, time.Now())
		require.NoError(t, err)
		seedMessage(t, repo, group, 1, "new")
		assert.Equal(t, 1, unreadIn(t, repo, group.ID, 2))

		counted, err := repo.RecordRead(ctx, old.ID, 2, time.Now())
		require.NoError(t, err)
		assert.False(t, counted)
		assert.Equal(t, 1, unreadIn(t, repo, group.ID, 2))
	})

	t.Run("late members start with history read", func(t *testing.T) {
		repo := newRepo(t)
		group := seedGroup(t, repo, 1, 2)
		history := seedMessage(t, repo, group, 1, "before")

		require.NoError(t, repo.AddParticipant(ctx, &Participant{
			ConversationID: group.ID, UserID: 3, Role: RoleMember, Permissions: memberPermissions,
		}))
		assert.Zero(t, unreadIn(t, repo, group.ID, 3))

		counted, err := repo.RecordRead(ctx, history.ID, 3, time.Now())
		require.NoError(t, err)
		assert.False(t, counted)

		seedMessage(t, repo, group, 1, "after")
		assert.Equal(t, 1, unreadIn(t, repo, group.ID, 3))
	})

	t.Run("delete for everyone uncounts only pending readers", func(t *testing.T) {
		repo := newRepo(t)
		group := seedGroup(t, repo, 1, 2, 3)
		msg := seedMessage(t, repo, group, 1, "wrong chat")
		_, err := repo.RecordRead(ctx, msg.ID, 2, time.Now())
		require.NoError(t, err)
		seedMessage(t, repo, group, 1, "still here")

		require.NoError(t, repo.DeleteMessageForEveryone(ctx, msg.ID))
		assert.Equal(t, 1, unreadIn(t, repo, group.ID, 2))
		assert.Equal(t, 1, unreadIn(t, repo, group.ID, 3))

		require.NoError(t, repo.DeleteMessageForEveryone(ctx, msg.ID))
		assert.Equal(t, 1, unreadIn(t, repo, group.ID, 3))

		stored, err := repo.GetMessage(ctx, msg.ID)
		require.NoError(t, err)
		assert.True(t, stored.DeletedForEveryone)
		assert.Empty(t, stored.Content)

		counted, err := repo.RecordRead(ctx, msg.ID, 3, time.Now())
		require.NoError(t, err)
		assert.False(t, counted)
		assert.Equal(t, 1, unreadIn(t, repo, group.ID, 3))
	})

	t.Run("search matches wildcards literally", func(t *testing.T) {
		repo := newRepo(t)
		conv := seedPrivate(t, repo, 1, 2)
		done := seedMessage(t, repo, conv, 1, "100% DONE")
		seedMessage(t, repo, conv, 1, "100 done")
		snake := seedMessage(t, repo, conv, 1, "rename to snake_case")
		seedMessage(t, repo, conv, 1, "snakeXcase")

		found, err := repo.SearchMessages(ctx, conv.ID, 2, "% done", 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, done.ID, found[0].ID)

		found, err = repo.SearchMessages(ctx, conv.ID, 2, "snake_", 10)
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, snake.ID, found[0].ID)

		require.NoError(t, repo.HideMessage(ctx, snake.ID, 2))
		found, err = repo.SearchMessages(ctx, conv.ID, 2, "snake_", 10)
		require.NoError(t, err)
		assert.Empty(t, found)

		found, err = repo.SearchMessages(ctx, conv.ID, 1, "snake_", 10)
		require.NoError(t, err)
		assert.Len(t, found, 1)
	})

	t.Run("shared media is released with its last reference", func(t *testing.T) {
		repo := newRepo(t)
		src := seedPrivate(t, repo, 1, 2)
		dst := seedPrivate(t, repo, 1, 3)
		shared := seedUpload(t, repo, 1, "https://cdn.test/shared.png")
		single := seedUpload(t, repo, 1, "https://cdn.test/single.png")

		original := seedMessage(t, repo, src, 1, "", shared.Media(), single.Media())
		seedMessage(t, repo, dst, 1, "", shared.Media())

		require.NoError(t, repo.DeleteMessageForEveryone(ctx, original.ID))
		released, err := repo.ReleaseUnreferenced(ctx, []string{shared.URL, single.URL, "https://cdn.test/unknown.png"})
		require.NoError(t, err)
		assert.Equal(t, []string{single.URL}, released)

		_, err = repo.GetUpload(ctx, single.URL)
		assert.ErrorIs(t, err, ErrUploadNotFound)
		kept, err := repo.GetUpload(ctx, shared.URL)
		require.NoError(t, err)
		assert.Equal(t, int64(1), kept.OwnerID)

		urls, err := repo.DeleteConversation(ctx, dst.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{shared.URL}, urls)

		released, err = repo.ReleaseUnreferenced(ctx, urls)
		require.NoError(t, err)
		assert.Equal(t, []string{shared.URL}, released)

		released, err = repo.ReleaseUnreferenced(ctx, urls)
		require.NoError(t, err)
		assert.Empty(t, released)
	})

	t.Run("upload owner is kept on re-record", func(t *testing.T) {
		repo := newRepo(t)
		first := seedUpload(t, repo, 1, "https://cdn.test/a.png")
		require.NoError(t, repo.RecordUpload(ctx, &MediaUpload{URL: first.URL, OwnerID: 2, Type: MessageImage}))

		stored, err := repo.GetUpload(ctx, first.URL)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.OwnerID)
		assert.Equal(t, "image/png", stored.MimeType)
	})

	t.Run("missing conversation", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetConversation(ctx, 404)
		assert.ErrorIs(t, err, ErrConversationNotFound)
		_, err = repo.DeleteConversation(ctx, 404)
		assert.ErrorIs(t, err, ErrConversationNotFound)
	})
}

func TestMemoryRepository(t *testing.T) {
	testRepository(t, func(t *testing.T) Repository {
		return NewMemoryRepository()
	})
}

func member(userID int64, role ParticipantRole) *Participant {
	perms := memberPermissions
	if role == RoleAdmin {
		perms = adminPermissions
	}
	return &Participant{UserID: userID, Role: role, Permissions: perms}
}

func seedPrivate(t *testing.T, repo Repository, a, b int64) *Conversation {
	t.Helper()
	key := PairKey(a, b)
	conv := &Conversation{
		Type: ConversationPrivate, CreatedBy: a, PairKey: &key, IsActive: true,
		Participants: []*Participant{member(a, RoleAdmin), member(b, RoleAdmin)},
	}
	require.NoError(t, repo.CreateConversation(context.Background(), conv))
	return conv
}

func seedGroup(t *testing.T, repo Repository, creator int64, members ...int64) *Conversation {
	t.Helper()
	name := "team"
	conv := &Conversation{
		Type: ConversationGroup, Name: &name, CreatedBy: creator, IsActive: true,
		Participants: []*Participant{member(creator, RoleAdmin)},
	}
	for _, id := range members {
		conv.Participants = append(conv.Participants, member(id, RoleMember))
	}
	require.NoError(t, repo.CreateConversation(context.Background(), conv))
	return conv
}

func seedMessage(t *testing.T, repo Repository, conv *Conversation, senderID int64, content string, media ...Media) *Message {
	t.Helper()
	msg := &Message{
		ConversationID: conv.ID,
		SenderID:       senderID,
		Type:           MessageText,
		Content:        content,
		Status:         StatusSent,
	}
	if len(media) > 0 {
		msg.Type = MessageImage
		msg.Media = media
	}
	if conv.Type == ConversationPrivate {
		for _, id := range conv.OtherParticipants(senderID) {
			receiver := id
			msg.ReceiverID = &receiver
		}
	}
	require.NoError(t, repo.CreateMessage(context.Background(), msg))
	return msg
}

func seedUpload(t *testing.T, repo Repository, ownerID int64, url string) *MediaUpload {
	t.Helper()
	u := &MediaUpload{URL: url, OwnerID: ownerID, Type: MessageImage, FileName: "pic.png", Size: 3, MimeType: "image/png"}
	require.NoError(t, repo.RecordUpload(context.Background(), u))
	return u
}

func unreadIn(t *testing.T, repo Repository, convID, userID int64) int {
	t.Helper()
	counts, err := repo.UnreadCounts(context.Background(), userID)
	require.NoError(t, err)
	return counts[convID]
}
