package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/indexer"
	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/store"
	"github.com/nhle/mailindex/tests/testutil"
)

// recordingSink records every call as a short string.
type recordingSink struct {
	mu    sync.Mutex
	calls []string
	added []mailstore.Header
	err   error
	panic bool
}

func (s *recordingSink) record(format string, args ...any) error {
	if s.panic {
		panic("sink exploded")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, fmt.Sprintf(format, args...))
	return s.err
}

func (s *recordingSink) IndexFolder(ctx context.Context, folder mailstore.Folder) error {
	return s.record("index %s", folder.URI())
}

func (s *recordingSink) MessageAdded(ctx context.Context, h mailstore.Header) error {
	s.mu.Lock()
	s.added = append(s.added, h)
	s.mu.Unlock()
	return s.record("added %s %d", h.FolderURI(), h.MessageKey())
}

func (s *recordingSink) MessagesDeleted(ctx context.Context, folderURI string, refs []indexer.MessageRef) error {
	return s.record("deleted %s %v", folderURI, refs)
}

func (s *recordingSink) MessagesMoveCopyCompleted(
	ctx context.Context,
	move bool,
	srcURI string,
	srcRefs []indexer.MessageRef,
	dstURI string,
	dstRefs []indexer.MessageRef,
) error {
	return s.record("movecopy %t %s %v %s %v", move, srcURI, srcRefs, dstURI, dstRefs)
}

func (s *recordingSink) FolderDeleted(ctx context.Context, folderURI string) error {
	return s.record("folder deleted %s", folderURI)
}

func (s *recordingSink) FolderRenamed(ctx context.Context, oldURI, newURI string) error {
	return s.record("folder renamed %s %s", oldURI, newURI)
}

func (s *recordingSink) FolderMoveCopyCompleted(ctx context.Context, move bool, srcURI, dstURI string) error {
	return s.record("folder movecopy %t %s %s", move, srcURI, dstURI)
}

func (s *recordingSink) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func key(k uint32) *uint32 { return &k }

func TestDecode(t *testing.T) {
	ev, err := Decode([]byte(`{
		"type": "messages.moved",
		"src": "fake://a/Inbox",
		"dst": "fake://a/Archive",
		"messages": [{"key": 3}, {"message_id": "<x@y>"}]
	}`))
	require.NoError(t, err)
	assert.Equal(t, TypeMessagesMoved, ev.Type)
	require.Len(t, ev.Messages, 2)
	assert.Equal(t, uint32(3), *ev.Messages[0].Key)
	assert.Equal(t, "<x@y>", ev.Messages[1].MessageID)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"unknown type", `{"type": "message.flagged", "folder": "f"}`},
		{"added without folder", `{"type": "message.added", "messages": [{"key": 1}]}`},
		{"deleted without messages", `{"type": "messages.deleted", "folder": "f"}`},
		{"copy without dst", `{"type": "messages.copied", "src": "f", "messages": [{"key": 1}]}`},
		{"empty message ref", `{"type": "messages.deleted", "folder": "f", "messages": [{}]}`},
		{"empty dst ref", `{"type": "messages.copied", "src": "f", "dst": "g", "messages": [{"key": 1}], "dst_messages": [{}]}`},
		{"folder deleted without folder", `{"type": "folder.deleted"}`},
		{"rename without src", `{"type": "folder.renamed", "dst": "g"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body))
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestMessageRefToIndexer(t *testing.T) {
	assert.Equal(t, indexer.KeyRef(4), MessageRef{Key: key(4)}.toIndexer())
	assert.Equal(t, indexer.IDRef("a@x"), MessageRef{MessageID: " <a@x> "}.toIndexer())
	assert.Equal(t,
		indexer.MessageRef{Key: 2, HasKey: true, MessageID: "b@x"},
		MessageRef{Key: key(2), MessageID: "b@x"}.toIndexer(),
	)
}

func TestDispatchRoutesEvents(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	d := NewDispatcher(sink, testutil.NewFakeMailStore(), nil)

	events := []Event{
		{Type: TypeMessagesDeleted, Folder: "f", Messages: []MessageRef{{Key: key(1)}}},
		{Type: TypeMessagesMoved, Src: "f", Dst: "g", Messages: []MessageRef{{Key: key(1)}}, DstMessages: []MessageRef{{Key: key(9)}}},
		{Type: TypeMessagesCopied, Src: "f", Dst: "g", Messages: []MessageRef{{MessageID: "a@x"}}},
		{Type: TypeFolderDeleted, Folder: "f"},
		{Type: TypeFolderRenamed, Src: "f", Dst: "g"},
		{Type: TypeFolderMoved, Src: "f", Dst: "h/f"},
		{Type: TypeFolderCopied, Src: "f", Dst: "k"},
	}
	for _, ev := range events {
		require.NoError(t, d.Dispatch(ctx, "test", ev))
	}

	assert.Equal(t, []string{
		fmt.Sprintf("deleted f %v", []indexer.MessageRef{indexer.KeyRef(1)}),
		fmt.Sprintf("movecopy true f %v g %v", []indexer.MessageRef{indexer.KeyRef(1)}, []indexer.MessageRef{indexer.KeyRef(9)}),
		fmt.Sprintf("movecopy false f %v g %v", []indexer.MessageRef{indexer.IDRef("a@x")}, []indexer.MessageRef{}),
		"folder deleted f",
		"folder renamed f g",
		"folder movecopy true f h/f",
		"folder movecopy false f k",
	}, sink.Calls())
}

func TestDispatchMessageAddedReadsHeaders(t *testing.T) {
	ctx := context.Background()
	mail := testutil.NewFakeMailStore()
	inbox := mail.AddAccount("a").Root().AddSubFolder("Inbox")
	first := inbox.AddMessage("one@x", "one")
	second := inbox.AddMessage("two@x", "two")

	sink := &recordingSink{}
	d := NewDispatcher(sink, mail, nil)

	err := d.Dispatch(ctx, "test", Event{
		Type:   TypeMessageAdded,
		Folder: inbox.URI(),
		Messages: []MessageRef{
			{Key: key(first.Key)},
			{MessageID: "two@x"},
			{Key: key(99)},                       // already gone
			{Key: key(98), MessageID: "<one@x>"}, // stale key, found by id
		},
	})
	require.NoError(t, err)

	require.Len(t, sink.added, 3)
	assert.Equal(t, "one@x", sink.added[0].MessageID())
	assert.Equal(t, second.Key, sink.added[1].MessageKey())
	assert.Equal(t, first.Key, sink.added[2].MessageKey())
}

func TestDispatchMessageAddedUnknownFolder(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, testutil.NewFakeMailStore(), nil)

	err := d.Dispatch(context.Background(), "test", Event{
		Type: TypeMessageAdded, Folder: "fake://nowhere", Messages: []MessageRef{{Key: key(1)}},
	})
	require.NoError(t, err)
	assert.Empty(t, sink.Calls())
}

func TestDispatchMessageAddedOpenFailure(t *testing.T) {
	mail := testutil.NewFakeMailStore()
	inbox := mail.AddAccount("a").Root().AddSubFolder("Inbox")
	broken := errors.New("locked")
	inbox.FailOpen(broken)

	sink := &recordingSink{}
	d := NewDispatcher(sink, mail, nil)
	err := d.Dispatch(context.Background(), "test", Event{
		Type: TypeMessageAdded, Folder: inbox.URI(), Messages: []MessageRef{{Key: key(1)}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"index " + inbox.URI()}, sink.Calls())
}

func TestDispatchAgainstIndexer(t *testing.T) {
	ctx := context.Background()
	mail := testutil.NewFakeMailStore()
	inbox := mail.AddAccount("a").Root().AddSubFolder("Inbox")
	ds := testutil.NewTestStore(t)
	ix := newIndexer(mail, ds)

	// Map the folder first so the event has somewhere to land.
	require.NoError(t, ix.IndexFolder(ctx, inbox))
	drain(t, ix)

	h := inbox.AddMessage("new@x", "fresh")
	d := NewDispatcher(ix, mail, nil)
	require.NoError(t, d.Dispatch(ctx, "test", Event{
		Type: TypeMessageAdded, Folder: inbox.URI(), Messages: []MessageRef{{Key: key(h.Key)}},
	}))
	drain(t, ix)

	rows, err := ds.GetMessagesByMessageID(ctx, []string{"new@x"})
	require.NoError(t, err)
	require.Len(t, rows[0], 1)
	assert.False(t, rows[0][0].IsGhost())
}

type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return true }

// newIndexer returns an indexer whose scheduler never fires; tests drive
// it with drain.
func newIndexer(mail mailstore.Store, ds store.Datastore) *indexer.Indexer {
	return indexer.New(mail, ds, indexer.WithScheduler(func(time.Duration, func()) indexer.Timer {
		return stoppedTimer{}
	}))
}

func drain(t *testing.T, ix *indexer.Indexer) {
	t.Helper()
	ctx := context.Background()
	for n := 0; ix.Step(ctx); n++ {
		require.Less(t, n, 1000)
	}
}
