package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nhle/mailindex/internal/mailstore"
)

// IndexEverything queues every account of the mail store and starts the
// scheduler.
func (i *Indexer) IndexEverything(ctx context.Context) error {
	accounts, err := i.mail.Accounts(ctx)
	if err != nil {
		return fmt.Errorf("listing accounts: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	for _, a := range accounts {
		i.pushLocked(AccountItem{Account: a})
	}
	i.startLocked()
	return nil
}

// IndexAccount queues one account and starts the scheduler.
func (i *Indexer) IndexAccount(account mailstore.Account) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.pushLocked(AccountItem{Account: account})
	i.startLocked()
}

// IndexFolder queues a walk of one folder and starts the scheduler.
func (i *Indexer) IndexFolder(ctx context.Context, folder mailstore.Folder) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.enqueueFolderLocked(ctx, folder.URI(), Add); err != nil {
		return err
	}
	i.startLocked()
	return nil
}

// MessageAdded queues a newly arrived header.
func (i *Indexer) MessageAdded(ctx context.Context, h mailstore.Header) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	folderID, err := i.ds.MapFolderURIToID(ctx, h.FolderURI())
	if err != nil {
		return fmt.Errorf("message added to %s: %w", h.FolderURI(), err)
	}
	i.pushLocked(MessageItem{Sign: Add, FolderID: folderID, Ref: HeaderRef(h)})
	i.startLocked()
	return nil
}

// MessagesDeleted queues the removal of refs from folderURI.
func (i *Indexer) MessagesDeleted(ctx context.Context, folderURI string, refs []MessageRef) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	folderID, err := i.ds.MapFolderURIToID(ctx, folderURI)
	if err != nil {
		return fmt.Errorf("messages deleted from %s: %w", folderURI, err)
	}
	for _, ref := range refs {
		i.pushLocked(MessageItem{Sign: Remove, FolderID: folderID, Ref: ref})
	}
	i.startLocked()
	return nil
}

// MessagesMoveCopyCompleted reacts to messages leaving srcURI for dstURI.
//
// A copy indexes the destination copies afresh, addressed by dstRefs when
// the destination keys are known and by the Message-IDs of srcRefs
// otherwise. A move re-homes the existing rows with their keys cleared and
// queues each for re-resolution by Message-ID.
func (i *Indexer) MessagesMoveCopyCompleted(
	ctx context.Context,
	move bool,
	srcURI string,
	srcRefs []MessageRef,
	dstURI string,
	dstRefs []MessageRef,
) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	dstID, err := i.ds.MapFolderURIToID(ctx, dstURI)
	if err != nil {
		return fmt.Errorf("mapping destination %s: %w", dstURI, err)
	}

	if !move {
		refs := dstRefs
		if len(refs) == 0 {
			refs = idOnly(srcRefs)
		}
		for _, ref := range refs {
			i.pushLocked(MessageItem{Sign: Add, FolderID: dstID, Ref: ref})
		}
		i.startLocked()
		return nil
	}

	srcID, err := i.ds.MapFolderURIToID(ctx, srcURI)
	if err != nil {
		return fmt.Errorf("mapping source %s: %w", srcURI, err)
	}

	messageIDs, err := i.messageIDsLocked(ctx, srcID, srcRefs)
	if err != nil {
		return err
	}

	var (
		keys  []uint32
		byID  []string
		moved int64
	)
	for _, ref := range srcRefs {
		switch {
		case ref.HasKey:
			keys = append(keys, ref.Key)
		case ref.MessageID != "":
			byID = append(byID, ref.MessageID)
		}
	}
	err = i.inTransactionLocked(ctx, func() error {
		var err error
		if moved, err = i.ds.MoveMessages(ctx, srcID, keys, dstID); err != nil {
			return err
		}
		n, err := i.rehomeLocked(ctx, srcID, byID, dstID)
		moved += n
		return err
	})
	if err != nil {
		return fmt.Errorf("moving %d messages from %s to %s: %w", len(srcRefs), srcURI, dstURI, err)
	}
	i.log.Debug("moved messages",
		zap.String("from", srcURI),
		zap.String("to", dstURI),
		zap.Int64("rows", moved),
	)

	for _, id := range messageIDs {
		i.pushLocked(MessageItem{Sign: Reresolve, FolderID: dstID, Ref: IDRef(id)})
	}
	i.startLocked()
	return nil
}

// rehomeLocked moves the rows of srcID carrying one of messageIDs to dstID
// with their keys cleared, as MoveMessages does for keyed refs.
func (i *Indexer) rehomeLocked(ctx context.Context, srcID int64, messageIDs []string, dstID int64) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	found, err := i.ds.GetMessagesByMessageID(ctx, messageIDs)
	if err != nil {
		return 0, fmt.Errorf("reading moved rows: %w", err)
	}

	var moved int64
	seen := make(map[string]bool)
	for _, rows := range found {
		for _, m := range rows {
			if seen[m.ID] || !m.InFolder(srcID) {
				continue
			}
			seen[m.ID] = true
			m.FolderID = &dstID
			m.MessageKey = nil
			if err := i.ds.UpdateMessage(ctx, m); err != nil {
				return moved, err
			}
			moved++
		}
	}
	return moved, nil
}

// messageIDsLocked returns the Message-IDs of refs, reading the index rows
// of srcID for refs that only carry a key.
func (i *Indexer) messageIDsLocked(ctx context.Context, srcID int64, refs []MessageRef) ([]string, error) {
	var (
		ids      []string
		needRows bool
	)
	for _, ref := range refs {
		if ref.MessageID == "" && ref.HasKey {
			needRows = true
		}
	}

	byKey := make(map[uint32]string)
	if needRows {
		rows, err := i.ds.GetMessagesByFolderID(ctx, srcID)
		if err != nil {
			return nil, fmt.Errorf("reading moved rows: %w", err)
		}
		for _, m := range rows {
			if m.MessageKey != nil {
				byKey[*m.MessageKey] = m.HeaderMessageID
			}
		}
	}

	for _, ref := range refs {
		switch {
		case ref.MessageID != "":
			ids = append(ids, ref.MessageID)
		case ref.HasKey && byKey[ref.Key] != "":
			ids = append(ids, byKey[ref.Key])
		}
	}
	return ids, nil
}

func idOnly(refs []MessageRef) []MessageRef {
	out := make([]MessageRef, 0, len(refs))
	for _, ref := range refs {
		if ref.MessageID != "" {
			out = append(out, IDRef(ref.MessageID))
		}
	}
	return out
}

// FolderDeleted queues the removal of every row in folderURI.
func (i *Indexer) FolderDeleted(ctx context.Context, folderURI string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.enqueueFolderLocked(ctx, folderURI, Remove); err != nil {
		return err
	}
	i.startLocked()
	return nil
}

// FolderMoveCopyCompleted reacts to a folder tree leaving srcURI for
// dstURI. A move is a rename; a copy walks every copied folder.
func (i *Indexer) FolderMoveCopyCompleted(ctx context.Context, move bool, srcURI, dstURI string) error {
	if move {
		return i.FolderRenamed(ctx, srcURI, dstURI)
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	uris := []string{dstURI}
	if folder, err := i.mail.FolderByURI(ctx, dstURI); err == nil {
		uris = uris[:0]
		mailstore.Walk(folder, func(f mailstore.Folder) { uris = append(uris, f.URI()) })
	}

	var errs []error
	for _, uri := range uris {
		if err := i.enqueueFolderLocked(ctx, uri, Add); err != nil {
			errs = append(errs, err)
		}
	}
	i.startLocked()
	return errors.Join(errs...)
}

// FolderRenamed re-points the index rows of oldURI, and of every folder
// below it, at the new URIs. No message is re-indexed.
func (i *Indexer) FolderRenamed(ctx context.Context, oldURI, newURI string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	renames := [][2]string{{oldURI, newURI}}
	if folder, err := i.mail.FolderByURI(ctx, newURI); err == nil {
		for _, sub := range folder.SubFolders() {
			mailstore.Walk(sub, func(f mailstore.Folder) {
				if rest, ok := strings.CutPrefix(f.URI(), newURI); ok {
					renames = append(renames, [2]string{oldURI + rest, f.URI()})
				}
			})
		}
	}

	err := i.inTransactionLocked(ctx, func() error {
		for _, r := range renames {
			if err := i.ds.RenameFolder(ctx, r[0], r[1]); err != nil {
				return fmt.Errorf("renaming folder %s to %s: %w", r[0], r[1], err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	i.log.Info("renamed folder", zap.String("from", oldURI), zap.String("to", newURI), zap.Int("folders", len(renames)))
	return nil
}
