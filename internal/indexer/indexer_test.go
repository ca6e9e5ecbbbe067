package indexer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
	"github.com/nhle/mailindex/tests/testutil"
)

// manualClock stands in for time.AfterFunc. Timers only fire from fire.
type manualClock struct {
	mu      sync.Mutex
	pending []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	wasPending := !t.stopped
	t.stopped = true
	return wasPending
}

func (c *manualClock) schedule(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{clock: c, f: f}
	c.pending = append(c.pending, t)
	return t
}

// fire runs the oldest live timer. It reports false when none is armed.
func (c *manualClock) fire() bool {
	c.mu.Lock()
	var next *manualTimer
	for len(c.pending) > 0 && next == nil {
		t := c.pending[0]
		c.pending = c.pending[1:]
		if !t.stopped {
			t.stopped = true
			next = t
		}
	}
	c.mu.Unlock()

	if next == nil {
		return false
	}
	next.f()
	return true
}

func (c *manualClock) armed() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, t := range c.pending {
		if !t.stopped {
			n++
		}
	}
	return n
}

type harness struct {
	ix    *Indexer
	mail  *testutil.FakeMailStore
	ds    store.Datastore
	clock *manualClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, testutil.NewTestStore(t), opts...)
}

func newHarnessWithStore(t *testing.T, ds store.Datastore, opts ...Option) *harness {
	t.Helper()

	h := &harness{
		mail:  testutil.NewFakeMailStore(),
		ds:    ds,
		clock: &manualClock{},
	}
	opts = append([]Option{WithScheduler(h.clock.schedule)}, opts...)
	h.ix = New(h.mail, ds, opts...)
	t.Cleanup(h.ix.Stop)
	return h
}

// drain fires timers until the indexer disarms.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for n := 0; h.clock.fire(); n++ {
		if n > 10000 {
			t.Fatal("indexer did not go idle")
		}
	}
	require.False(t, h.ix.Indexing())
}

func (h *harness) folderID(t *testing.T, uri string) int64 {
	t.Helper()
	id, err := h.ds.MapFolderURIToID(context.Background(), uri)
	require.NoError(t, err)
	return id
}

// rows returns every index row carrying messageID.
func (h *harness) rows(t *testing.T, messageID string) []model.Message {
	t.Helper()
	found, err := h.ds.GetMessagesByMessageID(context.Background(), []string{messageID})
	require.NoError(t, err)
	return found[0]
}

// only returns the single index row carrying messageID.
func (h *harness) only(t *testing.T, messageID string) model.Message {
	t.Helper()
	rows := h.rows(t, messageID)
	require.Len(t, rows, 1, "rows for %s", messageID)
	return rows[0]
}

func (h *harness) stats(t *testing.T) model.IndexStats {
	t.Helper()
	stats, err := h.ds.Stats(context.Background())
	require.NoError(t, err)
	return *stats
}

// recorder collects progress updates.
type recorder struct {
	mu      sync.Mutex
	updates []Progress
}

func (r *recorder) listen(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, p)
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.updates))
	for i, p := range r.updates {
		out[i] = p.Status
	}
	return out
}

func (r *recorder) all() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.updates...)
}

func TestAddListenerWhileIdleGetsIdle(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}

	h.ix.AddListener(rec.listen)

	assert.Equal(t, []string{StatusIdle}, rec.statuses())
}

func TestAddListenerWhileIndexingGetsNothing(t *testing.T) {
	h := newHarness(t)
	inbox := h.mail.AddAccount("local").Root().AddSubFolder("Inbox")
	inbox.AddMessage("a@x", "Hello")

	require.NoError(t, h.ix.IndexFolder(context.Background(), inbox))
	require.True(t, h.ix.Indexing())

	rec := &recorder{}
	h.ix.AddListener(rec.listen)
	assert.Empty(t, rec.statuses())

	h.drain(t)
	assert.Equal(t, []string{"Indexing: Inbox", StatusIdle}, rec.statuses())
}

func TestTickSpendsTokenBudget(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithTokensPerTick(10))
	inbox := h.mail.AddAccount("local").Root().AddSubFolder("Inbox")
	for range 25 {
		inbox.AddMessage(testutil.NewMessageID(), "bulk")
	}

	require.NoError(t, h.ix.EnqueueFolder(ctx, inbox, Add))

	// The folder item costs one token, each message one more.
	assert.True(t, h.ix.Step(ctx))
	assert.Equal(t, 9, h.stats(t).Messages)
	assert.True(t, h.ix.Step(ctx))
	assert.Equal(t, 19, h.stats(t).Messages)
	assert.False(t, h.ix.Step(ctx))
	assert.Equal(t, 25, h.stats(t).Messages)
	assert.False(t, h.ix.Indexing())
}

func TestTimerRearmsUntilIdle(t *testing.T) {
	h := newHarness(t, WithTokensPerTick(2))
	inbox := h.mail.AddAccount("local").Root().AddSubFolder("Inbox")
	for range 5 {
		inbox.AddMessage(testutil.NewMessageID(), "bulk")
	}

	require.NoError(t, h.ix.IndexFolder(context.Background(), inbox))
	assert.Equal(t, 1, h.clock.armed())

	// A second start while armed does not add a timer.
	h.ix.StartIndexingIfIdle()
	assert.Equal(t, 1, h.clock.armed())

	ticks := 0
	for h.clock.fire() {
		ticks++
	}
	// 6 tokens at 2 per tick, plus one tick to reach the end of the folder.
	assert.Equal(t, 4, ticks)
	assert.Equal(t, 0, h.clock.armed())
	assert.False(t, h.ix.Indexing())
	assert.Equal(t, 5, h.stats(t).Messages)
}

func TestQueueIsFIFO(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	root := h.mail.AddAccount("local").Root()
	first := root.AddSubFolder("First")
	second := root.AddSubFolder("Second")
	first.AddMessage("a@x", "a")
	second.AddMessage("b@x", "b")

	rec := &recorder{}
	require.NoError(t, h.ix.EnqueueFolder(ctx, second, Add))
	require.NoError(t, h.ix.EnqueueFolder(ctx, first, Add))
	h.ix.StartIndexingIfIdle()
	h.ix.AddListener(rec.listen)
	h.drain(t)

	assert.Equal(t, []string{"Indexing: Second", "Indexing: First", StatusIdle}, rec.statuses())
}

func TestProgressThrottledWithinFolder(t *testing.T) {
	h := newHarness(t, WithNotifyEvery(2))
	inbox := h.mail.AddAccount("local").Root().AddSubFolder("Inbox")
	for range 5 {
		inbox.AddMessage(testutil.NewMessageID(), "bulk")
	}

	rec := &recorder{}
	require.NoError(t, h.ix.IndexFolder(context.Background(), inbox))
	h.ix.AddListener(rec.listen)
	h.drain(t)

	got := rec.all()
	require.Len(t, got, 4)
	for i, want := range []int{0, 2, 4} {
		assert.Equal(t, "Indexing: Inbox", got[i].Status)
		assert.Equal(t, "Inbox", got[i].Folder)
		assert.Equal(t, want, got[i].MessageIndex)
		assert.Equal(t, 5, got[i].MessageTotal)
		assert.Equal(t, 1, got[i].FolderIndex)
		assert.Equal(t, 1, got[i].FolderTotal)
	}
	assert.True(t, got[3].Idle())
}

func TestIndexEverythingWalksAllFolders(t *testing.T) {
	h := newHarness(t)
	root := h.mail.AddAccount("local").Root()
	inbox := root.AddSubFolder("Inbox")
	lists := inbox.AddSubFolder("Lists")
	other := h.mail.AddAccount("work").Root().AddSubFolder("Inbox")
	inbox.AddMessage("a@x", "a")
	lists.AddMessage("b@x", "b")
	other.AddMessage("c@x", "c")

	require.NoError(t, h.ix.IndexEverything(context.Background()))
	h.drain(t)

	stats := h.stats(t)
	assert.Equal(t, 3, stats.Messages)
	assert.Equal(t, 3, stats.Conversations)
	// Both roots plus three folders.
	assert.Equal(t, 5, stats.Folders)
}

func TestFolderOpenFailureSkipsFolder(t *testing.T) {
	h := newHarness(t)
	root := h.mail.AddAccount("local").Root()
	broken := root.AddSubFolder("Broken")
	inbox := root.AddSubFolder("Inbox")
	broken.AddMessage("a@x", "a")
	inbox.AddMessage("b@x", "b")
	broken.FailOpen(testutil.ErrCorruptFolder)

	rec := &recorder{}
	require.NoError(t, h.ix.IndexFolder(context.Background(), broken))
	require.NoError(t, h.ix.IndexFolder(context.Background(), inbox))
	h.ix.AddListener(rec.listen)
	h.drain(t)

	assert.Empty(t, h.rows(t, "a@x"))
	h.only(t, "b@x")
	assert.Equal(t, []string{"Indexing: Inbox", StatusIdle}, rec.statuses())
}

func TestWalkErrorEndsWalkOnly(t *testing.T) {
	h := newHarness(t)
	root := h.mail.AddAccount("local").Root()
	flaky := root.AddSubFolder("Flaky")
	inbox := root.AddSubFolder("Inbox")
	flaky.AddMessage("a@x", "a")
	flaky.AddMessage("b@x", "b")
	inbox.AddMessage("c@x", "c")
	flaky.FailIteration(errors.New("truncated mbox"))

	require.NoError(t, h.ix.IndexFolder(context.Background(), flaky))
	require.NoError(t, h.ix.IndexFolder(context.Background(), inbox))
	h.drain(t)

	h.only(t, "a@x")
	assert.Empty(t, h.rows(t, "b@x"))
	h.only(t, "c@x")
}

func TestListenerPanicDoesNotStopOthers(t *testing.T) {
	h := newHarness(t)
	inbox := h.mail.AddAccount("local").Root().AddSubFolder("Inbox")
	inbox.AddMessage("a@x", "a")

	require.NoError(t, h.ix.IndexFolder(context.Background(), inbox))

	rec := &recorder{}
	h.ix.AddListener(func(Progress) { panic("listener bug") })
	h.ix.AddListener(rec.listen)
	h.drain(t)

	assert.Equal(t, []string{"Indexing: Inbox", StatusIdle}, rec.statuses())
}

func TestRemoveListener(t *testing.T) {
	h := newHarness(t)
	inbox := h.mail.AddAccount("local").Root().AddSubFolder("Inbox")
	inbox.AddMessage("a@x", "a")

	rec := &recorder{}
	id := h.ix.AddListener(rec.listen)
	h.ix.RemoveListener(id)

	require.NoError(t, h.ix.IndexFolder(context.Background(), inbox))
	h.drain(t)

	assert.Equal(t, []string{StatusIdle}, rec.statuses())
}

func TestStopDisarmsTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	inbox := h.mail.AddAccount("local").Root().AddSubFolder("Inbox")
	inbox.AddMessage("a@x", "a")

	require.NoError(t, h.ix.IndexFolder(ctx, inbox))
	h.ix.Stop()

	assert.False(t, h.clock.fire())
	assert.Equal(t, 1, h.ix.QueueLen())

	// Events still queue after Stop but never re-arm the timer.
	b := inbox.AddMessage("b@x", "b")
	require.NoError(t, h.ix.MessageAdded(ctx, b))
	assert.Equal(t, 0, h.clock.armed())
	assert.Equal(t, 2, h.ix.QueueLen())

	// Queued work can still be stepped by hand.
	for n := 0; h.ix.Step(ctx); n++ {
		require.Less(t, n, 100)
	}
	h.only(t, "a@x")
	h.only(t, "b@x")
}

// failingStore fails CreateMessage for one real message.
type failingStore struct {
	store.Datastore
	failFor string
}

var errInjected = errors.New("injected failure")

func (f *failingStore) CreateMessage(ctx context.Context, msg model.Message) (*model.Message, error) {
	if msg.HeaderMessageID == f.failFor && !msg.IsGhost() {
		return nil, errInjected
	}
	return f.Datastore.CreateMessage(ctx, msg)
}

func TestFailedItemRollsBackOnlyItself(t *testing.T) {
	ds := &failingStore{Datastore: testutil.NewTestStore(t), failFor: "b@x"}
	h := newHarnessWithStore(t, ds)
	inbox := h.mail.AddAccount("local").Root().AddSubFolder("Inbox")
	inbox.AddMessage("a@x", "a")
	inbox.AddMessage("b@x", "b", "unseen@x")
	inbox.AddMessage("c@x", "c")

	require.NoError(t, h.ix.IndexFolder(context.Background(), inbox))
	h.drain(t)

	h.only(t, "a@x")
	h.only(t, "c@x")
	assert.Empty(t, h.rows(t, "b@x"))
	// The ghost and conversation created for b@x were rolled back too.
	assert.Empty(t, h.rows(t, "unseen@x"))
	stats := h.stats(t)
	assert.Equal(t, 2, stats.Conversations)
	assert.Equal(t, 0, stats.Ghosts)
}

func TestSignString(t *testing.T) {
	assert.Equal(t, "+1", Add.String())
	assert.Equal(t, "0", Reresolve.String())
	assert.Equal(t, "-1", Remove.String())
}
