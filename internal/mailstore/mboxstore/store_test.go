package mboxstore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/indexer"
	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/tests/testutil"
)

// message renders one mbox entry.
func message(id, subject, body string, refs ...string) string {
	var b strings.Builder
	b.WriteString("From sender@example.com Mon Jan  1 00:00:00 2024\n")
	b.WriteString("Message-Id: <" + id + ">\n")
	if len(refs) > 0 {
		b.WriteString("References: <" + strings.Join(refs, "> <") + ">\n")
	}
	b.WriteString("From: Sender <sender@example.com>\n")
	b.WriteString("Subject: " + subject + "\n")
	b.WriteString("Date: Mon, 01 Jan 2024 00:00:00 +0000\n")
	b.WriteString("\n")
	b.WriteString(body + "\n\n")
	return b.String()
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// newProfile lays out a small Thunderbird profile.
func newProfile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	local := filepath.Join(dir, "Mail", "Local Folders")

	writeFile(t, filepath.Join(local, "Inbox"),
		message("a@x", "Hello", "first")+
			message("b@x", "Re: Hello", "second", "a@x")+
			message("c@x", "Re: Hello", "third", "a@x", "b@x"))
	writeFile(t, filepath.Join(local, "Inbox.msf"), "// mork")
	writeFile(t, filepath.Join(local, "Inbox.sbd", "Lists"), message("d@x", "news", "digest"))
	writeFile(t, filepath.Join(local, "Trash"), "")
	writeFile(t, filepath.Join(dir, "ImapMail", "imap.example.com", "INBOX"),
		message("e@x", "Re: old", "reply", "zzz@x"))
	return dir
}

func folderAt(t *testing.T, s *Store, uri string) mailstore.Folder {
	t.Helper()
	f, err := s.FolderByURI(context.Background(), uri)
	require.NoError(t, err)
	return f
}

func TestAccountsAndFolders(t *testing.T) {
	ctx := context.Background()
	s := New(newProfile(t), nil)

	accounts, err := s.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, "Local Folders", accounts[0].Name())
	assert.Equal(t, "imap.example.com", accounts[1].Name())

	root := accounts[0].RootFolder()
	assert.Equal(t, "mbox://Mail/Local%20Folders", root.URI())

	var names []string
	for _, f := range root.SubFolders() {
		names = append(names, f.PrettyName())
	}
	assert.Equal(t, []string{"Inbox", "Trash"}, names)

	inbox := root.SubFolders()[0]
	assert.Equal(t, "mbox://Mail/Local%20Folders/Inbox", inbox.URI())
	subs := inbox.SubFolders()
	require.Len(t, subs, 1)
	assert.Equal(t, "mbox://Mail/Local%20Folders/Inbox/Lists", subs[0].URI())

	assert.Equal(t, 3, inbox.TotalMessages(false))
	assert.Equal(t, 4, inbox.TotalMessages(true))
	assert.Equal(t, 4, root.TotalMessages(true))
	assert.Equal(t, 0, root.TotalMessages(false))
}

func TestFolderByURI(t *testing.T) {
	ctx := context.Background()
	s := New(newProfile(t), nil)

	lists := folderAt(t, s, "mbox://Mail/Local%20Folders/Inbox/Lists")
	assert.Equal(t, "Lists", lists.PrettyName())
	assert.Equal(t, 1, lists.TotalMessages(false))

	root := folderAt(t, s, "mbox://ImapMail/imap.example.com")
	assert.Len(t, root.SubFolders(), 1)

	for _, uri := range []string{
		"mbox://Mail/Local%20Folders/Nope",
		"mbox://Other/x",
		"imap://host/INBOX",
		"mbox://Mail",
	} {
		_, err := s.FolderByURI(ctx, uri)
		assert.ErrorIs(t, err, mailstore.ErrFolderNotFound, uri)
	}
}

func TestDatabase(t *testing.T) {
	ctx := context.Background()
	s := New(newProfile(t), nil)
	inbox := folderAt(t, s, "mbox://Mail/Local%20Folders/Inbox")

	db, err := inbox.OpenDatabase(ctx)
	require.NoError(t, err)
	defer db.Close()

	it := db.Messages(ctx)
	var keys []uint32
	var ids []string
	for {
		h, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		keys = append(keys, h.MessageKey())
		ids = append(ids, h.MessageID())
		assert.Equal(t, inbox.URI(), h.FolderURI())
	}
	require.NoError(t, it.Close())
	assert.Equal(t, []uint32{1, 2, 3}, keys)
	assert.Equal(t, []string{"a@x", "b@x", "c@x"}, ids)

	h, err := db.Header(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, "c@x", h.MessageID())
	assert.Equal(t, []string{"a@x", "b@x"}, h.References())
	assert.Equal(t, "third", h.Snippet())
	assert.Equal(t, "sender@example.com", h.Author())
	assert.True(t, h.Date().Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	h, err = db.HeaderByMessageID(ctx, "<b@x>")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), h.MessageKey())

	_, err = db.Header(ctx, 4)
	assert.ErrorIs(t, err, mailstore.ErrHeaderNotFound)
	_, err = db.HeaderByMessageID(ctx, "zzz@x")
	assert.ErrorIs(t, err, mailstore.ErrHeaderNotFound)
}

func TestOpenDatabaseMissingFile(t *testing.T) {
	dir := newProfile(t)
	s := New(dir, nil)
	inbox := folderAt(t, s, "mbox://Mail/Local%20Folders/Inbox")

	require.NoError(t, os.Remove(filepath.Join(dir, "Mail", "Local Folders", "Inbox")))
	_, err := inbox.OpenDatabase(context.Background())
	assert.Error(t, err)
}

func TestMessageCountFollowsFileChanges(t *testing.T) {
	dir := newProfile(t)
	s := New(dir, nil)
	path := filepath.Join(dir, "Mail", "Local Folders", "Trash")
	trash := folderAt(t, s, "mbox://Mail/Local%20Folders/Trash")

	assert.Equal(t, 0, trash.TotalMessages(false))

	writeFile(t, path, message("t@x", "gone", "bye"))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	assert.Equal(t, 1, trash.TotalMessages(false))
}

func TestURIForPath(t *testing.T) {
	dir := newProfile(t)
	s := New(dir, nil)
	local := filepath.Join(dir, "Mail", "Local Folders")

	uri, ok := s.URIForPath(filepath.Join(local, "Inbox.sbd", "Lists"))
	require.True(t, ok)
	assert.Equal(t, "mbox://Mail/Local%20Folders/Inbox/Lists", uri)

	_, ok = s.URIForPath(filepath.Join(local, "Inbox.msf"))
	assert.False(t, ok)
	_, ok = s.URIForPath(filepath.Join(t.TempDir(), "elsewhere"))
	assert.False(t, ok)

	dirs, err := s.WatchDirs()
	require.NoError(t, err)
	assert.Contains(t, dirs, local)
	assert.Contains(t, dirs, filepath.Join(local, "Inbox.sbd"))
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

func TestIndexProfile(t *testing.T) {
	ctx := context.Background()
	ds := testutil.NewTestStore(t)
	ix := indexer.New(New(newProfile(t), nil), ds,
		indexer.WithScheduler(func(time.Duration, func()) indexer.Timer { return noopTimer{} }),
	)

	require.NoError(t, ix.IndexEverything(ctx))
	for n := 0; ix.Step(ctx); n++ {
		require.Less(t, n, 1000)
	}

	stats, err := ds.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Conversations)
	assert.Equal(t, 5, stats.Messages)
	assert.Equal(t, 1, stats.Ghosts)

	rows, err := ds.GetMessagesByMessageID(ctx, []string{"a@x", "c@x"})
	require.NoError(t, err)
	require.Len(t, rows[0], 1)
	require.Len(t, rows[1], 1)
	assert.Equal(t, rows[0][0].ConversationID, rows[1][0].ConversationID)
}
