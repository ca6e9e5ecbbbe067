package indexer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/attrs"
	"github.com/nhle/mailindex/internal/mailstore"
	"github.com/nhle/mailindex/internal/metrics"
	"github.com/nhle/mailindex/internal/model"
	"github.com/nhle/mailindex/internal/store"
)

// AttributeFunc derives the attribute rows of an indexed message.
type AttributeFunc func(h mailstore.Header, messageID string) []model.Attribute

// engine reconciles headers with index rows.
type engine struct {
	ds      store.Datastore
	log     *zap.Logger
	extract AttributeFunc
}

func newEngine(ds store.Datastore, log *zap.Logger, extract AttributeFunc) *engine {
	if extract == nil {
		extract = attrs.Extract
	}
	return &engine{ds: ds, log: log, extract: extract}
}

// Candidate ranks for reusing an existing row, best last.
const (
	rankNone = iota
	rankGhost
	rankStale
	rankKeyless
	rankExact
)

// indexMessage upserts the index row for h, located at key h.MessageKey()
// of folderID. db is the folder's open database, used to detect stale rows;
// it may be nil.
func (e *engine) indexMessage(
	ctx context.Context,
	db mailstore.Database,
	folderID int64,
	h mailstore.Header,
) (*model.Message, error) {
	key := h.MessageKey()
	messageID := mailstore.NormalizeMessageID(h.MessageID())
	if messageID == "" {
		messageID = mailstore.SyntheticMessageID(h.FolderURI(), key)
	}
	refs := mailstore.ReferenceChain(messageID, h.References(), nil)

	res, err := e.resolve(ctx, messageID, refs, h.Subject())
	if err != nil {
		return nil, err
	}

	var (
		row     *model.Message
		outcome string
	)

	candidate := e.pickCandidate(ctx, db, folderID, key, res.self)
	if candidate == nil {
		msg := model.Message{
			ConversationID:  res.conversationID,
			HeaderMessageID: messageID,
		}
		msg.Locate(folderID, key)
		setText(&msg, h)

		row, err = e.ds.CreateMessage(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("creating message %s: %w", messageID, err)
		}
		outcome = "created"
	} else {
		msg := *candidate
		outcome = "reused"
		if msg.IsGhost() {
			outcome = "promoted"
		}
		msg.ConversationID = res.conversationID
		msg.Locate(folderID, key)
		setText(&msg, h)

		if err := e.ds.UpdateMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("updating message %s: %w", messageID, err)
		}
		row = &msg
	}

	if err := e.ds.ClearMessageAttributes(ctx, row.ID); err != nil {
		return nil, err
	}
	if err := e.ds.SetMessageAttributes(ctx, row.ID, e.extract(h, row.ID)); err != nil {
		return nil, err
	}

	metrics.MessagesIndexed.WithLabelValues(outcome).Inc()
	e.log.Debug("indexed message",
		zap.String("message_id", messageID),
		zap.Int64("folder_id", folderID),
		zap.Uint32("key", key),
		zap.String("conversation_id", row.ConversationID),
		zap.String("outcome", outcome),
		zap.Int("ghosts", res.ghosts),
	)

	return row, nil
}

// pickCandidate chooses the existing row to reuse for the header at key in
// folderID: an exact folder and key match, else a same-folder row with no
// key, else a same-folder row whose header is gone, else any ghost.
func (e *engine) pickCandidate(
	ctx context.Context,
	db mailstore.Database,
	folderID int64,
	key uint32,
	candidates []model.Message,
) *model.Message {
	var (
		best *model.Message
		rank = rankNone
	)

	for i := range candidates {
		c := &candidates[i]
		switch {
		case c.InFolder(folderID) && c.HasKey(key):
			return c
		case c.InFolder(folderID) && c.MessageKey == nil:
			if rank < rankKeyless {
				best, rank = c, rankKeyless
			}
		case c.InFolder(folderID):
			if rank < rankStale && e.isStale(ctx, db, *c) {
				best, rank = c, rankStale
			}
		case c.IsGhost():
			if rank < rankGhost {
				best, rank = c, rankGhost
			}
		}
	}

	return best
}

// isStale reports whether the key of row no longer leads to row's header in
// db: the key is gone, unreadable, or now holds another message. Positional
// keys such as mbox ordinals shift when the folder is compacted.
func (e *engine) isStale(ctx context.Context, db mailstore.Database, row model.Message) bool {
	if db == nil || row.MessageKey == nil {
		return false
	}
	key := *row.MessageKey
	h, err := db.Header(ctx, key)
	if err != nil {
		if !errors.Is(err, mailstore.ErrHeaderNotFound) {
			e.log.Debug("reading header for stale check",
				zap.Int64("folder_id", *row.FolderID),
				zap.Uint32("key", key),
				zap.Error(err),
			)
		}
		return true
	}
	id := mailstore.NormalizeMessageID(h.MessageID())
	if id == "" {
		id = mailstore.SyntheticMessageID(h.FolderURI(), key)
	}
	return id != row.HeaderMessageID
}

func setText(msg *model.Message, h mailstore.Header) {
	if s := h.Subject(); s != "" {
		msg.Subject = &s
	}
	if s := h.Snippet(); s != "" {
		msg.Snippet = &s
	}
}

// deleteMessage removes msg from the index. It reports whether the whole
// conversation went with it.
//
// If every other row of the conversation is a ghost, the conversation and
// all its rows are deleted. Otherwise a real twin with the same Message-ID
// lets the row be deleted outright, and failing that the row is demoted to
// a ghost so the thread keeps its shape.
func (e *engine) deleteMessage(ctx context.Context, msg model.Message) (bool, error) {
	if err := e.ds.ClearMessageAttributes(ctx, msg.ID); err != nil {
		return false, err
	}

	siblings, err := e.ds.GetMessagesByConversationID(ctx, msg.ConversationID, true)
	if err != nil {
		return false, err
	}

	othersGhosts := true
	for _, s := range siblings {
		if s.ID != msg.ID && !s.IsGhost() {
			othersGhosts = false
			break
		}
	}

	fields := []zap.Field{
		zap.String("message_id", msg.HeaderMessageID),
		zap.String("conversation_id", msg.ConversationID),
	}

	if othersGhosts {
		if err := e.ds.DeleteMessagesByConversationID(ctx, msg.ConversationID); err != nil {
			return false, err
		}
		if err := e.ds.DeleteConversationByID(ctx, msg.ConversationID); err != nil {
			return false, err
		}
		metrics.MessagesDeleted.WithLabelValues("collapsed").Inc()
		metrics.ConversationsCollapsed.Inc()
		e.log.Debug("collapsed conversation", fields...)
		return true, nil
	}

	twins, err := e.ds.GetMessagesByMessageID(ctx, []string{msg.HeaderMessageID})
	if err != nil {
		return false, err
	}
	for _, t := range twins[0] {
		if t.ID == msg.ID || t.IsGhost() {
			continue
		}
		if err := e.ds.DeleteMessageByID(ctx, msg.ID); err != nil {
			return false, err
		}
		metrics.MessagesDeleted.WithLabelValues("twin").Inc()
		e.log.Debug("deleted twin", fields...)
		return false, nil
	}

	msg.MakeGhost()
	if err := e.ds.UpdateMessage(ctx, msg); err != nil {
		return false, err
	}
	metrics.MessagesDeleted.WithLabelValues("ghosted").Inc()
	e.log.Debug("ghosted message", fields...)
	return false, nil
}

// deleteFolder un-indexes every row located in folderID.
func (e *engine) deleteFolder(ctx context.Context, folderID int64) error {
	rows, err := e.ds.GetMessagesByFolderID(ctx, folderID)
	if err != nil {
		return err
	}

	collapsed := make(map[string]bool)
	for _, m := range rows {
		if collapsed[m.ConversationID] {
			continue
		}
		gone, err := e.deleteMessage(ctx, m)
		if err != nil {
			return fmt.Errorf("deleting message %s: %w", m.HeaderMessageID, err)
		}
		if gone {
			collapsed[m.ConversationID] = true
		}
	}
	return nil
}

// deleteRef un-indexes the rows of folderID addressed by ref.
func (e *engine) deleteRef(ctx context.Context, folderID int64, ref MessageRef) error {
	var rows []model.Message
	if ref.MessageID != "" {
		found, err := e.ds.GetMessagesByMessageID(ctx, []string{ref.MessageID})
		if err != nil {
			return err
		}
		rows = found[0]
	} else {
		var err error
		rows, err = e.ds.GetMessagesByFolderID(ctx, folderID)
		if err != nil {
			return err
		}
	}

	for _, m := range rows {
		if !m.InFolder(folderID) || (ref.HasKey && !m.HasKey(ref.Key)) {
			continue
		}
		collapsed, err := e.deleteMessage(ctx, m)
		if err != nil {
			return fmt.Errorf("deleting message %s: %w", m.HeaderMessageID, err)
		}
		if collapsed {
			break
		}
	}
	return nil
}
