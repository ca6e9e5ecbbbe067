// Package listener feeds mail store mutation events into the indexer.
package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/indexer"
	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/metrics"
)

// Event types understood by the dispatcher.
const (
	TypeMessageAdded    = "message.added"
	TypeMessagesDeleted = "messages.deleted"
	TypeMessagesMoved   = "messages.moved"
	TypeMessagesCopied  = "messages.copied"
	TypeFolderDeleted   = "folder.deleted"
	TypeFolderRenamed   = "folder.renamed"
	TypeFolderMoved     = "folder.moved"
	TypeFolderCopied    = "folder.copied"
)

// ErrInvalidEvent marks events that can never be applied, however often
// they are retried.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one mail store mutation.
//
//	{"type": "messages.moved", "src": "imap://me@host/INBOX",
//	 "dst": "imap://me@host/Archive", "messages": [{"key": 7}]}
type Event struct {
	Type string `json:"type"`

	// Folder is the folder of message.added, messages.deleted and
	// folder.deleted.
	Folder string `json:"folder,omitempty"`

	// Src and Dst are the folders of move, copy and rename events.
	Src string `json:"src,omitempty"`
	Dst string `json:"dst,omitempty"`

	// Messages are the affected messages, in Folder or Src.
	Messages []MessageRef `json:"messages,omitempty"`

	// DstMessages are the copies in Dst, when known.
	DstMessages []MessageRef `json:"dst_messages,omitempty"`
}

// MessageRef addresses a message by key, Message-ID or both.
type MessageRef struct {
	Key       *uint32 `json:"key,omitempty"`
	MessageID string  `json:"message_id,omitempty"`
}

func (r MessageRef) toIndexer() indexer.MessageRef {
	ref := indexer.IDRef(mailstore.NormalizeMessageID(r.MessageID))
	if r.Key != nil {
		ref.Key = *r.Key
		ref.HasKey = true
	}
	return ref
}

func toIndexerRefs(refs []MessageRef) []indexer.MessageRef {
	out := make([]indexer.MessageRef, 0, len(refs))
	for _, r := range refs {
		out = append(out, r.toIndexer())
	}
	return out
}

// Decode parses and validates an event body.
func Decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if err := ev.validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (ev Event) validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s: %s", ErrInvalidEvent, ev.Type, fmt.Sprintf(format, args...))
	}

	switch ev.Type {
	case TypeMessageAdded, TypeMessagesDeleted:
		if ev.Folder == "" {
			return invalid("folder is required")
		}
		if len(ev.Messages) == 0 {
			return invalid("messages are required")
		}
	case TypeMessagesMoved, TypeMessagesCopied:
		if ev.Src == "" || ev.Dst == "" {
			return invalid("src and dst are required")
		}
		if len(ev.Messages) == 0 {
			return invalid("messages are required")
		}
	case TypeFolderDeleted:
		if ev.Folder == "" {
			return invalid("folder is required")
		}
	case TypeFolderRenamed, TypeFolderMoved, TypeFolderCopied:
		if ev.Src == "" || ev.Dst == "" {
			return invalid("src and dst are required")
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}

	for _, r := range append(append([]MessageRef(nil), ev.Messages...), ev.DstMessages...) {
		if r.Key == nil && r.MessageID == "" {
			return invalid("message needs a key or a message_id")
		}
	}
	return nil
}

// Sink is the part of the indexer driven by events. *indexer.Indexer
// implements it.
type Sink interface {
	IndexFolder(ctx context.Context, folder mailstore.Folder) error
	MessageAdded(ctx context.Context, h mailstore.Header) error
	MessagesDeleted(ctx context.Context, folderURI string, refs []indexer.MessageRef) error
	MessagesMoveCopyCompleted(
		ctx context.Context,
		move bool,
		srcURI string,
		srcRefs []indexer.MessageRef,
		dstURI string,
		dstRefs []indexer.MessageRef,
	) error
	FolderDeleted(ctx context.Context, folderURI string) error
	FolderRenamed(ctx context.Context, oldURI, newURI string) error
	FolderMoveCopyCompleted(ctx context.Context, move bool, srcURI, dstURI string) error
}

var _ Sink = (*indexer.Indexer)(nil)

// Dispatcher applies events to a Sink, reading new headers from the mail
// store.
type Dispatcher struct {
	sink Sink
	mail mailstore.Store
	log  *zap.Logger
}

// NewDispatcher returns a dispatcher. A nil logger discards output.
func NewDispatcher(sink Sink, mail mailstore.Store, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{sink: sink, mail: mail, log: log}
}

// Dispatch applies ev. source labels the metrics.
func (d *Dispatcher) Dispatch(ctx context.Context, source string, ev Event) error {
	eventsConsumed(source, ev.Type)
	d.log.Debug("dispatching event",
		zap.String("source", source),
		zap.String("type", ev.Type),
		zap.String("folder", ev.Folder+ev.Src),
		zap.Int("messages", len(ev.Messages)),
	)

	switch ev.Type {
	case TypeMessageAdded:
		return d.messagesAdded(ctx, ev.Folder, ev.Messages)
	case TypeMessagesDeleted:
		return d.sink.MessagesDeleted(ctx, ev.Folder, toIndexerRefs(ev.Messages))
	case TypeMessagesMoved, TypeMessagesCopied:
		return d.sink.MessagesMoveCopyCompleted(ctx,
			ev.Type == TypeMessagesMoved,
			ev.Src, toIndexerRefs(ev.Messages),
			ev.Dst, toIndexerRefs(ev.DstMessages),
		)
	case TypeFolderDeleted:
		return d.sink.FolderDeleted(ctx, ev.Folder)
	case TypeFolderRenamed:
		return d.sink.FolderRenamed(ctx, ev.Src, ev.Dst)
	case TypeFolderMoved, TypeFolderCopied:
		return d.sink.FolderMoveCopyCompleted(ctx, ev.Type == TypeFolderMoved, ev.Src, ev.Dst)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}
}

// messagesAdded reads each new header and hands it to the sink. Headers
// that already vanished are skipped.
func (d *Dispatcher) messagesAdded(ctx context.Context, folderURI string, refs []MessageRef) error {
	folder, err := d.mail.FolderByURI(ctx, folderURI)
	if errors.Is(err, mailstore.ErrFolderNotFound) {
		d.log.Warn("message added to unknown folder", zap.String("folder", folderURI))
		return nil
	}
	if err != nil {
		return err
	}

	db, err := folder.OpenDatabase(ctx)
	if err != nil {
		// Hand the folder to the walker, which skips it while it stays
		// unreadable. Redelivering the event would spin on the same error.
		d.log.Warn("folder unreadable, queueing a walk",
			zap.String("folder", folderURI),
			zap.Error(err),
		)
		return d.sink.IndexFolder(ctx, folder)
	}
	defer db.Close()

	var errs []error
	for _, r := range refs {
		h, err := lookup(ctx, db, r)
		if errors.Is(err, mailstore.ErrHeaderNotFound) {
			d.log.Debug("added message already gone", zap.String("folder", folderURI), zap.Error(err))
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.sink.MessageAdded(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func eventsConsumed(source, typ string) {
	metrics.EventsConsumed.WithLabelValues(source, typ).Inc()
}

func lookup(ctx context.Context, db mailstore.Database, r MessageRef) (mailstore.Header, error) {
	if r.Key != nil {
		h, err := db.Header(ctx, *r.Key)
		if err == nil || r.MessageID == "" || !errors.Is(err, mailstore.ErrHeaderNotFound) {
			return h, err
		}
	}
	return db.HeaderByMessageID(ctx, mailstore.NormalizeMessageID(r.MessageID))
}
