// Package indexer maintains the conversation index of a mail store. Work is
// queued by bulk calls and mutation events and consumed in bounded ticks,
// each inside one datastore transaction.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/metrics"
	"github.com/nhle/mailindex/internal/store"
)

// Defaults for the scheduler.
const (
	DefaultInterval      = 100 * time.Millisecond
	DefaultTokensPerTick = 10
	DefaultNotifyEvery   = 50
)

// itemSavepoint names the savepoint wrapped around each queue item.
const itemSavepoint = "queue_item"

// Timer is a pending scheduler wake-up.
type Timer interface {
	Stop() bool
}

// ScheduleFunc runs f once after d.
type ScheduleFunc func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures an Indexer.
type Option func(*Indexer)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(i *Indexer) { i.log = log }
}

// WithInterval sets the delay between ticks.
func WithInterval(d time.Duration) Option {
	return func(i *Indexer) { i.interval = d }
}

// WithTokensPerTick bounds the work done by one tick.
func WithTokensPerTick(n int) Option {
	return func(i *Indexer) { i.tokensPerTick = n }
}

// WithNotifyEvery sets how many walked messages pass between progress
// updates.
func WithNotifyEvery(n int) Option {
	return func(i *Indexer) { i.notifyEvery = n }
}

// WithScheduler replaces the time.AfterFunc based timer.
func WithScheduler(fn ScheduleFunc) Option {
	return func(i *Indexer) { i.schedule = fn }
}

// WithAttributeFunc replaces the attribute extractor.
func WithAttributeFunc(fn AttributeFunc) Option {
	return func(i *Indexer) { i.extract = fn }
}

// Indexer owns the work queue, the scheduler timer and the progress
// listeners. Its methods are safe for concurrent use.
type Indexer struct {
	mail mailstore.Store
	ds   store.Datastore
	log  *zap.Logger
	eng  *engine
	bus  *bus

	interval      time.Duration
	tokensPerTick int
	notifyEvery   int
	schedule      ScheduleFunc
	extract       AttributeFunc

	ctx    context.Context
	cancel context.CancelFunc

	indexing atomic.Bool

	// mu guards everything below. A tick holds it for its whole duration.
	mu      sync.Mutex
	queue   queue
	walk    *folderWalk
	timer   Timer
	stopped bool
	pending []Progress

	// folderIndex and folderTotal count walks started and folders queued
	// since the indexer was last idle.
	folderIndex int
	folderTotal int
}

// New creates an idle indexer over the given mail store and datastore.
func New(mail mailstore.Store, ds store.Datastore, opts ...Option) *Indexer {
	i := &Indexer{
		mail:          mail,
		ds:            ds,
		log:           zap.NewNop(),
		interval:      DefaultInterval,
		tokensPerTick: DefaultTokensPerTick,
		notifyEvery:   DefaultNotifyEvery,
		schedule:      afterFunc,
	}
	for _, opt := range opts {
		opt(i)
	}

	i.ctx, i.cancel = context.WithCancel(context.Background())
	i.eng = newEngine(ds, i.log, i.extract)
	i.bus = &bus{log: i.log}
	return i
}

// Indexing reports whether the indexer has work armed or in progress.
func (i *Indexer) Indexing() bool {
	return i.indexing.Load()
}

// AddListener registers fn for progress updates. If the indexer is idle,
// fn is called once with the idle status before AddListener returns.
func (i *Indexer) AddListener(fn ListenerFunc) ListenerID {
	id := i.bus.add(fn)
	if !i.Indexing() {
		i.bus.call(listenerEntry{id: id, fn: fn}, idleProgress())
	}
	return id
}

// RemoveListener unregisters a listener. Unknown ids are ignored.
func (i *Indexer) RemoveListener(id ListenerID) {
	i.bus.remove(id)
}

// QueueLen reports the number of items waiting in the queue.
func (i *Indexer) QueueLen() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.queue.len()
}

// EnqueueAccount appends an account item.
func (i *Indexer) EnqueueAccount(account mailstore.Account) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pushLocked(AccountItem{Account: account})
}

// EnqueueFolder appends a folder item, allocating the folder's id if the
// datastore has not seen it yet.
func (i *Indexer) EnqueueFolder(ctx context.Context, folder mailstore.Folder, sign Sign) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enqueueFolderLocked(ctx, folder.URI(), sign)
}

// EnqueueMessage appends a message item.
func (i *Indexer) EnqueueMessage(folderID int64, ref MessageRef, sign Sign) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pushLocked(MessageItem{Sign: sign, FolderID: folderID, Ref: ref})
}

func (i *Indexer) enqueueFolderLocked(ctx context.Context, uri string, sign Sign) error {
	id, err := i.ds.MapFolderURIToID(ctx, uri)
	if err != nil {
		return fmt.Errorf("enqueueing folder %s: %w", uri, err)
	}
	i.pushLocked(FolderItem{Sign: sign, FolderID: id})
	return nil
}

func (i *Indexer) pushLocked(item QueueItem) {
	if f, ok := item.(FolderItem); ok && f.Sign == Add {
		i.folderTotal++
	}
	i.queue.push(item)
	metrics.QueueDepth.Set(float64(i.queue.len()))
}

// StartIndexingIfIdle arms the scheduler timer unless it is already armed.
// The timer keeps re-arming itself until the queue and the folder walk are
// exhausted.
func (i *Indexer) StartIndexingIfIdle() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.startLocked()
}

func (i *Indexer) startLocked() {
	if i.timer != nil || i.stopped {
		return
	}
	i.indexing.Store(true)
	i.timer = i.schedule(i.interval, i.onTimer)
}

// Stop disarms the timer, waiting for a running tick to finish. Queued
// work stays in memory and can still be drained with Step.
func (i *Indexer) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.stopped = true
	if i.timer != nil {
		i.timer.Stop()
		i.timer = nil
	}
	i.closeWalkLocked()
	i.cancel()
}

// Step runs one tick and reports whether work remains. Hosts that drive the
// indexer themselves call Step in place of StartIndexingIfIdle.
func (i *Indexer) Step(ctx context.Context) bool {
	i.mu.Lock()
	more := i.stepLocked(ctx)
	updates := i.takePendingLocked()
	i.mu.Unlock()

	i.bus.dispatch(updates)
	return more
}

func (i *Indexer) onTimer() {
	i.mu.Lock()
	more := false
	if !i.stopped {
		more = i.stepLocked(i.ctx)
	}
	if more && !i.stopped {
		i.timer = i.schedule(i.interval, i.onTimer)
	} else {
		i.timer = nil
	}
	updates := i.takePendingLocked()
	i.mu.Unlock()

	i.bus.dispatch(updates)
}

func (i *Indexer) stepLocked(ctx context.Context) bool {
	if i.hasWorkLocked() {
		i.indexing.Store(true)
		i.tickLocked(ctx)
	}
	if i.hasWorkLocked() {
		return true
	}

	if i.indexing.Swap(false) {
		i.folderIndex, i.folderTotal = 0, 0
		i.pending = append(i.pending, idleProgress())
		i.log.Info("indexer idle")
	}
	return false
}

func (i *Indexer) hasWorkLocked() bool {
	return i.walk != nil || i.queue.len() > 0
}

func (i *Indexer) takePendingLocked() []Progress {
	updates := i.pending
	i.pending = nil
	return updates
}

// tickLocked spends up to tokensPerTick tokens inside one transaction.
func (i *Indexer) tickLocked(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.RecordTick(time.Since(start)) }()

	if err := i.ds.Begin(ctx); err != nil {
		i.log.Error("beginning tick transaction", zap.Error(err))
		return
	}

	tokens := i.tokensPerTick
	for tokens > 0 {
		if i.walk != nil {
			if i.advanceWalkLocked(ctx) {
				tokens--
			}
			continue
		}

		item, ok := i.queue.pop()
		if !ok {
			break
		}
		metrics.QueueDepth.Set(float64(i.queue.len()))
		i.dispatchLocked(ctx, item)
		tokens--
	}

	if err := i.ds.Commit(); err != nil {
		i.log.Error("committing tick, work of this tick rolled back",
			zap.Int("tokens", i.tokensPerTick-tokens),
			zap.Error(err),
		)
	}
}

// advanceWalkLocked indexes the next header of the active walk. It returns
// false, spending no token, when the walk ends.
func (i *Indexer) advanceWalkLocked(ctx context.Context) bool {
	w := i.walk

	h, err := w.next()
	if err != nil {
		if !errors.Is(err, io.EOF) {
			i.log.Warn("folder walk aborted",
				zap.String("folder", w.folder.URI()),
				zap.Int("seen", w.seen),
				zap.Error(err),
			)
		}
		i.closeWalkLocked()
		return false
	}

	if w.seen%i.notifyEvery == 0 {
		i.pending = append(i.pending, i.walkProgressLocked())
	}

	err = i.inSavepoint(ctx, func() error {
		_, err := i.eng.indexMessage(ctx, w.db, w.folderID, h)
		return err
	})
	if err != nil {
		metrics.ItemsFailed.WithLabelValues("message").Inc()
		i.log.Warn("indexing message failed",
			zap.String("folder", w.folder.URI()),
			zap.Uint32("key", h.MessageKey()),
			zap.String("message_id", h.MessageID()),
			zap.Error(err),
		)
	}
	return true
}

func (i *Indexer) walkProgressLocked() Progress {
	w := i.walk
	return Progress{
		Status:       indexingStatus(w.folder.PrettyName()),
		Folder:       w.folder.PrettyName(),
		FolderIndex:  i.folderIndex,
		FolderTotal:  i.folderTotal,
		MessageIndex: w.seen,
		MessageTotal: w.total,
	}
}

func (i *Indexer) closeWalkLocked() {
	if i.walk == nil {
		return
	}
	if err := i.walk.close(); err != nil {
		i.log.Warn("closing folder walk", zap.String("folder", i.walk.folder.URI()), zap.Error(err))
	}
	i.walk = nil
}

// dispatchLocked processes one queue item. Failures are logged and the
// item's writes rolled back.
func (i *Indexer) dispatchLocked(ctx context.Context, item QueueItem) {
	var err error

	switch it := item.(type) {
	case AccountItem:
		err = i.expandAccountLocked(ctx, it.Account)
	case FolderItem:
		switch it.Sign {
		case Remove:
			err = i.inSavepoint(ctx, func() error { return i.eng.deleteFolder(ctx, it.FolderID) })
		default:
			i.beginWalkLocked(ctx, it.FolderID)
		}
	case MessageItem:
		switch it.Sign {
		case Remove:
			err = i.inSavepoint(ctx, func() error { return i.eng.deleteRef(ctx, it.FolderID, it.Ref) })
		default:
			err = i.inSavepoint(ctx, func() error { return i.indexRef(ctx, it.FolderID, it.Ref) })
		}
	default:
		err = fmt.Errorf("unknown queue item %T", item)
	}

	if err != nil {
		metrics.ItemsFailed.WithLabelValues(item.Kind()).Inc()
		i.log.Warn("queue item failed", zap.String("kind", item.Kind()), zap.Any("item", item), zap.Error(err))
	}
}

// expandAccountLocked queues a folder walk for every folder of account.
func (i *Indexer) expandAccountLocked(ctx context.Context, account mailstore.Account) error {
	var errs []error
	mailstore.Walk(account.RootFolder(), func(f mailstore.Folder) {
		if err := i.enqueueFolderLocked(ctx, f.URI(), Add); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// beginWalkLocked starts walking folderID. The walk keeps using ctx in
// later ticks. A folder that cannot be opened is logged and skipped.
func (i *Indexer) beginWalkLocked(ctx context.Context, folderID int64) {
	log := i.log.With(zap.Int64("folder_id", folderID))

	uri, err := i.ds.MapFolderIDToURI(ctx, folderID)
	if err != nil {
		log.Warn("resolving folder id", zap.Error(err))
		return
	}
	folder, err := i.mail.FolderByURI(ctx, uri)
	if err != nil {
		log.Warn("resolving folder", zap.String("folder", uri), zap.Error(err))
		return
	}

	i.folderIndex++
	w, err := beginFolder(ctx, folder, folderID)
	if err != nil {
		log.Warn("folder skipped", zap.String("folder", uri), zap.Error(err))
		return
	}

	i.walk = w
	i.pending = append(i.pending, i.walkProgressLocked())
	log.Info("walking folder", zap.String("folder", uri), zap.Int("total", w.total))
}

// indexRef indexes the message addressed by ref in folderID. The key is
// tried first; a missing key falls back to the Message-ID.
func (i *Indexer) indexRef(ctx context.Context, folderID int64, ref MessageRef) error {
	uri, err := i.ds.MapFolderIDToURI(ctx, folderID)
	if err != nil {
		return err
	}
	folder, err := i.mail.FolderByURI(ctx, uri)
	if err != nil {
		return err
	}
	db, err := folder.OpenDatabase(ctx)
	if err != nil {
		return fmt.Errorf("opening folder %s: %w", uri, err)
	}
	defer db.Close()

	var h mailstore.Header
	err = mailstore.ErrHeaderNotFound
	if ref.HasKey {
		h, err = db.Header(ctx, ref.Key)
	}
	if errors.Is(err, mailstore.ErrHeaderNotFound) && ref.MessageID != "" {
		h, err = db.HeaderByMessageID(ctx, ref.MessageID)
	}
	if err != nil {
		return fmt.Errorf("reading header in %s: %w", uri, err)
	}

	_, err = i.eng.indexMessage(ctx, db, folderID, h)
	return err
}

// inTransactionLocked runs fn in its own transaction. Callers hold mu, so
// no tick transaction is open.
func (i *Indexer) inTransactionLocked(ctx context.Context, fn func() error) error {
	if err := i.ds.Begin(ctx); err != nil {
		return err
	}
	if err := fn(); err != nil {
		if rbErr := i.ds.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return i.ds.Commit()
}

// inSavepoint runs fn so that a failure undoes only fn's writes.
func (i *Indexer) inSavepoint(ctx context.Context, fn func() error) error {
	if err := i.ds.Savepoint(ctx, itemSavepoint); err != nil {
		return err
	}

	if err := fn(); err != nil {
		if rbErr := i.ds.RollbackToSavepoint(ctx, itemSavepoint); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		if relErr := i.ds.ReleaseSavepoint(ctx, itemSavepoint); relErr != nil {
			return errors.Join(err, relErr)
		}
		return err
	}

	return i.ds.ReleaseSavepoint(ctx, itemSavepoint)
}
