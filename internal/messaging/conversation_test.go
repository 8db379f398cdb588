package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindOrCreatePrivate(t *testing.T) {
	ctx := context.Background()

	t.Run("idempotent for either order", func(t *testing.T) {
		env := newTestService(t)

		first, err := env.svc.FindOrCreatePrivate(ctx, 1, 2)
		require.NoError(t, err)
		second, err := env.svc.FindOrCreatePrivate(ctx, 2, 1)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, ConversationPrivate, first.Type)
		assert.ElementsMatch(t, []int64{1, 2}, first.ParticipantIDs())

		created := env.relay.named(EventChatCreated)
		require.Len(t, created, 1)
		assert.Equal(t, []int64{2}, created[0].userIDs)
	})

	t.Run("concurrent creators share one chat", func(t *testing.T) {
		env := newTestService(t)

		const workers = 16
		ids := make([]int64, workers)
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := int64(5), int64(6)
				if i%2 == 1 {
					a, b = b, a
				}
				conv, err := env.svc.FindOrCreatePrivate(ctx, a, b)
				if assert.NoError(t, err) {
					ids[i] = conv.ID
				}
			}(i)
		}
		wg.Wait()

		for _, id := range ids {
			assert.Equal(t, ids[0], id)
		}
		convs, err := env.svc.ListConversations(ctx, 5, false, 0, 0)
		require.NoError(t, err)
		assert.Len(t, convs, 1)
	})

	t.Run("rejects self and invalid ids", func(t *testing.T) {
		env := newTestService(t)

		_, err := env.svc.FindOrCreatePrivate(ctx, 1, 1)
		assert.ErrorIs(t, err, ErrInvalidArgument)
		_, err = env.svc.FindOrCreatePrivate(ctx, 1, 0)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestCreateGroup(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	conv, err := env.svc.CreateGroup(ctx, 1, &CreateGroupRequest{Name: " Team ", ParticipantIDs: []int64{2, 3, 3, 1}})
	require.NoError(t, err)

	assert.Equal(t, ConversationGroup, conv.Type)
	assert.Equal(t, "Team", *conv.Name)
	assert.ElementsMatch(t, []int64{1, 2, 3}, conv.ParticipantIDs())
	assert.Equal(t, RoleAdmin, conv.Participant(1).Role)
	assert.True(t, conv.Participant(1).CanRemoveMembers)
	assert.False(t, conv.Participant(2).CanAddMembers)
	assert.Len(t, env.relay.named(EventChatCreated), 3)

	_, err = env.svc.CreateGroup(ctx, 1, &CreateGroupRequest{Name: "Solo", ParticipantIDs: []int64{1}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.svc.CreateGroup(ctx, 1, &CreateGroupRequest{Name: "  ", ParticipantIDs: []int64{2}})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.svc.CreateGroup(ctx, 1, &CreateGroupRequest{Name: "Bad", Type: ConversationPrivate, ParticipantIDs: []int64{2}})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestChannelMembersCannotSend(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	conv, err := env.svc.CreateGroup(ctx, 1, &CreateGroupRequest{Name: "News", Type: ConversationChannel, ParticipantIDs: []int64{2}})
	require.NoError(t, err)
	env.relay.reset()

	_, err = env.svc.SendMessage(ctx, 2, &SendMessageRequest{ConversationID: conv.ID, Content: "hi"})
	assert.ErrorIs(t, err, ErrSendNotAllowed)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Zero(t, env.relay.count())

	msg := env.sendText(t, conv.ID, 1, "announcement")
	assert.Nil(t, msg.ReceiverID)

	read, err := env.svc.MarkRead(ctx, msg.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, StatusRead, read.Status)
}

func TestParticipants(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	group, err := env.svc.CreateGroup(ctx, 1, &CreateGroupRequest{Name: "Ops", ParticipantIDs: []int64{2, 3}})
	require.NoError(t, err)
	env.relay.reset()

	t.Run("member cannot add", func(t *testing.T) {
		assert.ErrorIs(t, env.svc.AddParticipant(ctx, group.ID, 2, 4), ErrPermissionDenied)
	})

	t.Run("admin adds", func(t *testing.T) {
		require.NoError(t, env.svc.AddParticipant(ctx, group.ID, 1, 4))
		require.NoError(t, env.svc.AddParticipant(ctx, group.ID, 1, 4))

		ok, err := env.svc.IsParticipant(ctx, group.ID, 4)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Len(t, env.relay.named(EventParticipantsUpdated), 1)
		created := env.relay.named(EventChatCreated)
		require.Len(t, created, 1)
		assert.Equal(t, []int64{4}, created[0].userIDs)
	})

	t.Run("member cannot remove others", func(t *testing.T) {
		assert.ErrorIs(t, env.svc.RemoveParticipant(ctx, group.ID, 2, 3), ErrPermissionDenied)
	})

	t.Run("unknown target", func(t *testing.T) {
		require.NoError(t, env.svc.AddParticipant(ctx, group.ID, 1, 5))
		assert.ErrorIs(t, env.svc.RemoveParticipant(ctx, group.ID, 1, 9), ErrNotFound)
	})

	t.Run("admin removes and member leaves", func(t *testing.T) {
		env.relay.reset()
		require.NoError(t, env.svc.RemoveParticipant(ctx, group.ID, 1, 5))
		require.NoError(t, env.svc.RemoveParticipant(ctx, group.ID, 4, 4))

		ok, err := env.svc.IsParticipant(ctx, group.ID, 4)
		require.NoError(t, err)
		assert.False(t, ok)

		removed := 0
		env.relay.mu.Lock()
		for _, e := range env.relay.events {
			if e.kind == "remove" {
				removed++
			}
		}
		env.relay.mu.Unlock()
		assert.Equal(t, 2, removed)
	})

	t.Run("group keeps two members", func(t *testing.T) {
		require.NoError(t, env.svc.RemoveParticipant(ctx, group.ID, 3, 3))
		assert.ErrorIs(t, env.svc.RemoveParticipant(ctx, group.ID, 2, 2), ErrInvalidArgument)
	})

	t.Run("private chats are fixed", func(t *testing.T) {
		conv := env.privateChat(t, 1, 2)
		assert.ErrorIs(t, env.svc.AddParticipant(ctx, conv.ID, 1, 3), ErrInvalidArgument)
		assert.ErrorIs(t, env.svc.RemoveParticipant(ctx, conv.ID, 1, 2), ErrInvalidArgument)
	})

	t.Run("missing chat", func(t *testing.T) {
		_, err := env.svc.IsParticipant(ctx, 999, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreatorProtection(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)

	group, err := env.svc.CreateGroup(ctx, 1, &CreateGroupRequest{Name: "Leads", ParticipantIDs: []int64{2, 3}})
	require.NoError(t, err)

	// grant a second admin through the repository
	require.NoError(t, env.repo.RemoveParticipant(ctx, group.ID, 2))
	require.NoError(t, env.repo.AddParticipant(ctx, &Participant{
		ConversationID: group.ID, UserID: 2, Role: RoleAdmin, Permissions: adminPermissions,
	}))

	assert.ErrorIs(t, env.svc.RemoveParticipant(ctx, group.ID, 2, 1), ErrNotCreator)
	require.NoError(t, env.svc.RemoveParticipant(ctx, group.ID, 2, 3))
}

func TestConversationFlags(t *testing.T) {
	ctx := context.Background()
	env := newTestService(t)
	a := env.privateChat(t, 1, 2)
	b := env.privateChat(t, 1, 3)
	env.sendText(t, a.ID, 2, "older")
	time.Sleep(time.Millisecond)
	env.sendText(t, b.ID, 3, "newer")

	list, err := env.svc.ListConversations(ctx, 1, false, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)

	t.Run("pin moves to the top", func(t *testing.T) {
		require.NoError(t, env.svc.SetPinned(ctx, a.ID, 1, true))
		list, err := env.svc.ListConversations(ctx, 1, false, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, a.ID, list[0].ID)

		updated := env.relay.named(EventChatUpdated)
		require.NotEmpty(t, updated)
		assert.Equal(t, []int64{1}, updated[len(updated)-1].userIDs)
	})

	t.Run("archive splits the lists", func(t *testing.T) {
		require.NoError(t, env.svc.SetArchived(ctx, b.ID, 1, true))

		active, err := env.svc.ListConversations(ctx, 1, false, 0, 0)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, a.ID, active[0].ID)

		archived, err := env.svc.ListConversations(ctx, 1, true, 0, 0)
		require.NoError(t, err)
		require.Len(t, archived, 1)
		assert.Equal(t, b.ID, archived[0].ID)

		others, err := env.svc.ListConversations(ctx, 3, false, 0, 0)
		require.NoError(t, err)
		assert.Len(t, others, 1)
	})

	t.Run("muted users get no push", func(t *testing.T) {
		require.NoError(t, env.svc.SetMuted(ctx, a.ID, 1, true, 0))
		conv, err := env.svc.GetConversation(ctx, a.ID, 1)
		require.NoError(t, err)
		require.NotNil(t, conv.Participant(1).MutedUntil)

		before := len(env.push.sent())
		env.sendText(t, a.ID, 2, "quiet")
		assert.Len(t, env.push.sent(), before)

		require.NoError(t, env.svc.SetMuted(ctx, a.ID, 1, false, 0))
		env.sendText(t, a.ID, 2, "loud")
		assert.Equal(t, int64(1), env.push.sent()[len(env.push.sent())-1])

		assert.ErrorIs(t, env.svc.SetMuted(ctx, a.ID, 1, true, -time.Second), ErrInvalidArgument)
	})

	t.Run("non participant", func(t *testing.T) {
		assert.ErrorIs(t, env.svc.SetPinned(ctx, a.ID, 9, true), ErrForbidden)
	})
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()

	t.Run("for self hides until the next message", func(t *testing.T) {
		env := newTestService(t)
		conv := env.privateChat(t, 1, 2)
		env.sendText(t, conv.ID, 1, "hi")

		require.NoError(t, env.svc.DeleteConversation(ctx, conv.ID, 2, false))
		list, err := env.svc.ListConversations(ctx, 2, false, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, list)

		env.sendText(t, conv.ID, 1, "are you there?")
		list, err = env.svc.ListConversations(ctx, 2, false, 0, 0)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("for everyone requires the creator", func(t *testing.T) {
		env := newTestService(t)
		group, err := env.svc.CreateGroup(ctx, 1, &CreateGroupRequest{Name: "Tmp", ParticipantIDs: []int64{2}})
		require.NoError(t, err)
		_, err = env.svc.SendMediaMessage(ctx, 2, &SendMessageRequest{ConversationID: group.ID},
			[]*Upload{upload("a.png", "image/png", []byte("a"))})
		require.NoError(t, err)
		env.relay.reset()

		assert.ErrorIs(t, env.svc.DeleteConversation(ctx, group.ID, 2, true), ErrNotCreator)

		require.NoError(t, env.svc.DeleteConversation(ctx, group.ID, 1, true))
		assert.Equal(t, env.blobs.stored, env.blobs.deleted)
		assert.Len(t, env.relay.named(EventChatDeleted), 2)

		_, err = env.svc.GetConversation(ctx, group.ID, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("private pair can be recreated", func(t *testing.T) {
		env := newTestService(t)
		conv := env.privateChat(t, 1, 2)
		require.NoError(t, env.svc.DeleteConversation(ctx, conv.ID, 1, true))

		again, err := env.svc.FindOrCreatePrivate(ctx, 1, 2)
		require.NoError(t, err)
		assert.NotEqual(t, conv.ID, again.ID)
	})
}
