package store_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
)

// testDatastore runs the behaviour shared by every Datastore
// implementation. open must return an empty store.
func testDatastore(t *testing.T, open func(t *testing.T) store.Datastore) {
	ctx := context.Background()

	t.Run("folder ids are stable", func(t *testing.T) {
		ds := open(t)

		inbox, err := ds.MapFolderURIToID(ctx, "imap://a/INBOX")
		require.NoError(t, err)
		sent, err := ds.MapFolderURIToID(ctx, "imap://a/Sent")
		require.NoError(t, err)
		again, err := ds.MapFolderURIToID(ctx, "imap://a/INBOX")
		require.NoError(t, err)

		assert.Equal(t, inbox, again)
		assert.NotEqual(t, inbox, sent)

		uri, err := ds.MapFolderIDToURI(ctx, sent)
		require.NoError(t, err)
		assert.Equal(t, "imap://a/Sent", uri)

		_, err = ds.MapFolderIDToURI(ctx, sent+1000)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("rename keeps the folder id", func(t *testing.T) {
		ds := open(t)

		id, err := ds.MapFolderURIToID(ctx, "imap://a/Old")
		require.NoError(t, err)
		require.NoError(t, ds.RenameFolder(ctx, "imap://a/Old", "imap://a/New"))

		uri, err := ds.MapFolderIDToURI(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "imap://a/New", uri)

		newID, err := ds.MapFolderURIToID(ctx, "imap://a/New")
		require.NoError(t, err)
		assert.Equal(t, id, newID)

		// Unknown folders have nothing to rename.
		require.NoError(t, ds.RenameFolder(ctx, "imap://a/Nope", "imap://a/Other"))
	})

	t.Run("rename folds a destination that already has an id", func(t *testing.T) {
		ds := open(t)
		conv := mustConversation(t, ds)

		oldID, err := ds.MapFolderURIToID(ctx, "imap://a/Old")
		require.NoError(t, err)
		newID, err := ds.MapFolderURIToID(ctx, "imap://a/New")
		require.NoError(t, err)
		m := mustMessage(t, ds, conv.ID, "x@y", &newID, 3)

		require.NoError(t, ds.RenameFolder(ctx, "imap://a/Old", "imap://a/New"))

		got, err := ds.GetMessagesByFolderID(ctx, oldID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, m.ID, got[0].ID)

		_, err = ds.MapFolderIDToURI(ctx, newID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("conversation lifecycle", func(t *testing.T) {
		ds := open(t)

		conv, err := ds.CreateConversation(ctx, "Hello")
		require.NoError(t, err)
		assert.NotEmpty(t, conv.ID)

		got, err := ds.GetConversationByID(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "Hello", got.Subject)

		require.NoError(t, ds.DeleteConversationByID(ctx, conv.ID))
		_, err = ds.GetConversationByID(ctx, conv.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, ds.DeleteConversationByID(ctx, conv.ID), store.ErrNotFound)
	})

	t.Run("message create update delete", func(t *testing.T) {
		ds := open(t)
		conv := mustConversation(t, ds)
		folder, err := ds.MapFolderURIToID(ctx, "imap://a/INBOX")
		require.NoError(t, err)

		ghost := mustMessage(t, ds, conv.ID, "parent@y", nil, 0)
		assert.True(t, ghost.IsGhost())
		assert.False(t, ghost.UpdatedAt.IsZero())

		subject := "Hello"
		ghost.Locate(folder, 7)
		ghost.Subject = &subject
		require.NoError(t, ds.UpdateMessage(ctx, *ghost))

		rows, err := ds.GetMessagesByMessageID(ctx, []string{"parent@y"})
		require.NoError(t, err)
		require.Len(t, rows[0], 1)
		got := rows[0][0]
		assert.True(t, got.InFolder(folder))
		assert.True(t, got.HasKey(7))
		require.NotNil(t, got.Subject)
		assert.Equal(t, "Hello", *got.Subject)
		assert.Nil(t, got.Snippet)

		require.NoError(t, ds.DeleteMessageByID(ctx, got.ID))
		assert.ErrorIs(t, ds.DeleteMessageByID(ctx, got.ID), store.ErrNotFound)
		assert.ErrorIs(t, ds.UpdateMessage(ctx, got), store.ErrNotFound)
	})

	t.Run("lookup by message id is aligned with the input", func(t *testing.T) {
		ds := open(t)
		conv := mustConversation(t, ds)
		folder, err := ds.MapFolderURIToID(ctx, "imap://a/INBOX")
		require.NoError(t, err)

		first := mustMessage(t, ds, conv.ID, "a@y", &folder, 1)
		second := mustMessage(t, ds, conv.ID, "a@y", &folder, 2)
		other := mustMessage(t, ds, conv.ID, "b@y", nil, 0)

		rows, err := ds.GetMessagesByMessageID(ctx, []string{"b@y", "missing@y", "a@y", "b@y"})
		require.NoError(t, err)
		require.Len(t, rows, 4)

		assert.Equal(t, []string{other.ID}, ids(rows[0]))
		assert.Empty(t, rows[1])
		assert.Equal(t, []string{first.ID, second.ID}, ids(rows[2]))
		assert.Equal(t, []string{other.ID}, ids(rows[3]))

		none, err := ds.GetMessagesByMessageID(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("lookup chunks large id lists", func(t *testing.T) {
		ds := open(t)
		conv := mustConversation(t, ds)

		var want []string
		for n := range 1200 {
			want = append(want, fmt.Sprintf("m%d@y", n))
		}
		mustMessage(t, ds, conv.ID, want[0], nil, 0)
		mustMessage(t, ds, conv.ID, want[1199], nil, 0)

		rows, err := ds.GetMessagesByMessageID(ctx, want)
		require.NoError(t, err)
		require.Len(t, rows, 1200)
		assert.Len(t, rows[0], 1)
		assert.Empty(t, rows[600])
		assert.Len(t, rows[1199], 1)
	})

	t.Run("conversation members", func(t *testing.T) {
		ds := open(t)
		conv := mustConversation(t, ds)
		folder, err := ds.MapFolderURIToID(ctx, "imap://a/INBOX")
		require.NoError(t, err)

		ghost := mustMessage(t, ds, conv.ID, "a@y", nil, 0)
		real := mustMessage(t, ds, conv.ID, "b@y", &folder, 1)

		all, err := ds.GetMessagesByConversationID(ctx, conv.ID, true)
		require.NoError(t, err)
		assert.Equal(t, []string{ghost.ID, real.ID}, ids(all))

		visible, err := ds.GetMessagesByConversationID(ctx, conv.ID, false)
		require.NoError(t, err)
		assert.Equal(t, []string{real.ID}, ids(visible))

		require.NoError(t, ds.DeleteMessagesByConversationID(ctx, conv.ID))
		all, err = ds.GetMessagesByConversationID(ctx, conv.ID, true)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("move clears keys", func(t *testing.T) {
		ds := open(t)
		conv := mustConversation(t, ds)
		src, err := ds.MapFolderURIToID(ctx, "imap://a/INBOX")
		require.NoError(t, err)
		dst, err := ds.MapFolderURIToID(ctx, "imap://a/Archive")
		require.NoError(t, err)

		moved := mustMessage(t, ds, conv.ID, "a@y", &src, 1)
		stays := mustMessage(t, ds, conv.ID, "b@y", &src, 2)

		n, err := ds.MoveMessages(ctx, src, []uint32{1, 99}, dst)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		inDst, err := ds.GetMessagesByFolderID(ctx, dst)
		require.NoError(t, err)
		require.Len(t, inDst, 1)
		assert.Equal(t, moved.ID, inDst[0].ID)
		assert.Nil(t, inDst[0].MessageKey)

		inSrc, err := ds.GetMessagesByFolderID(ctx, src)
		require.NoError(t, err)
		assert.Equal(t, []string{stays.ID}, ids(inSrc))
	})

	t.Run("attributes", func(t *testing.T) {
		ds := open(t)
		conv := mustConversation(t, ds)
		folder, err := ds.MapFolderURIToID(ctx, "imap://a/INBOX")
		require.NoError(t, err)
		m := mustMessage(t, ds, conv.ID, "a@y", &folder, 1)

		require.NoError(t, ds.SetMessageAttributes(ctx, m.ID, []model.Attribute{
			{Name: model.AttrAuthor, Value: "alice@example.com"},
			{Name: model.AttrIssueKey, Value: "PROJ-1"},
		}))

		got, err := ds.GetMessageAttributes(ctx, m.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, m.ID, got[0].MessageID)
		assert.Equal(t, "PROJ-1", got[1].Value)

		require.NoError(t, ds.ClearMessageAttributes(ctx, m.ID))
		got, err = ds.GetMessageAttributes(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, got)

		// Deleting the message takes its attributes with it.
		require.NoError(t, ds.SetMessageAttributes(ctx, m.ID, []model.Attribute{
			{Name: model.AttrAuthor, Value: "alice@example.com"},
		}))
		require.NoError(t, ds.DeleteMessageByID(ctx, m.ID))
		got, err = ds.GetMessageAttributes(ctx, m.ID)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("rollback discards the transaction", func(t *testing.T) {
		ds := open(t)

		require.NoError(t, ds.Begin(ctx))
		assert.ErrorIs(t, ds.Begin(ctx), store.ErrTransactionActive)
		conv, err := ds.CreateConversation(ctx, "gone")
		require.NoError(t, err)
		require.NoError(t, ds.Rollback())

		_, err = ds.GetConversationByID(ctx, conv.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)

		assert.ErrorIs(t, ds.Commit(), store.ErrNoTransaction)
		assert.ErrorIs(t, ds.Rollback(), store.ErrNoTransaction)
		assert.ErrorIs(t, ds.Savepoint(ctx, "item"), store.ErrNoTransaction)
	})

	t.Run("savepoint rollback keeps earlier writes", func(t *testing.T) {
		ds := open(t)

		require.NoError(t, ds.Begin(ctx))
		kept, err := ds.CreateConversation(ctx, "kept")
		require.NoError(t, err)

		require.NoError(t, ds.Savepoint(ctx, "queue_item"))
		dropped, err := ds.CreateConversation(ctx, "dropped")
		require.NoError(t, err)
		require.NoError(t, ds.RollbackToSavepoint(ctx, "queue_item"))
		require.NoError(t, ds.ReleaseSavepoint(ctx, "queue_item"))

		require.NoError(t, ds.Savepoint(ctx, "queue_item"))
		also, err := ds.CreateConversation(ctx, "also kept")
		require.NoError(t, err)
		require.NoError(t, ds.ReleaseSavepoint(ctx, "queue_item"))

		require.NoError(t, ds.Commit())

		_, err = ds.GetConversationByID(ctx, kept.ID)
		assert.NoError(t, err)
		_, err = ds.GetConversationByID(ctx, also.ID)
		assert.NoError(t, err)
		_, err = ds.GetConversationByID(ctx, dropped.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("stats", func(t *testing.T) {
		ds := open(t)
		conv := mustConversation(t, ds)
		folder, err := ds.MapFolderURIToID(ctx, "imap://a/INBOX")
		require.NoError(t, err)
		mustMessage(t, ds, conv.ID, "a@y", nil, 0)
		mustMessage(t, ds, conv.ID, "b@y", &folder, 1)
		mustMessage(t, ds, conv.ID, "c@y", &folder, 2)

		stats, err := ds.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.IndexStats{Conversations: 1, Messages: 2, Ghosts: 1, Folders: 1}, *stats)
	})
}

func mustConversation(t *testing.T, ds store.Datastore) *model.Conversation {
	t.Helper()
	conv, err := ds.CreateConversation(context.Background(), "subject")
	require.NoError(t, err)
	return conv
}

// mustMessage creates a message; a nil folder makes a ghost.
func mustMessage(t *testing.T, ds store.Datastore, convID, messageID string, folder *int64, key uint32) *model.Message {
	t.Helper()
	msg := model.Message{ConversationID: convID, HeaderMessageID: messageID}
	if folder != nil {
		msg.Locate(*folder, key)
	}
	created, err := ds.CreateMessage(context.Background(), msg)
	require.NoError(t, err)
	return created
}

func ids(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
