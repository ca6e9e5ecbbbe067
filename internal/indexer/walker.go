package indexer

import (
	"context"
	"fmt"

	"github.com/nhle/mailindex/internal/mailstore"
)

// folderWalk is an in-progress enumeration of one folder's headers. It is
// one-shot: restarting a folder means queueing a new FolderItem.
type folderWalk struct {
	folder   mailstore.Folder
	folderID int64
	db       mailstore.Database
	iter     mailstore.HeaderIterator

	// seen counts the headers yielded so far.
	seen  int
	total int
}

// beginFolder opens the folder database and starts a walk over it.
func beginFolder(ctx context.Context, folder mailstore.Folder, folderID int64) (*folderWalk, error) {
	db, err := folder.OpenDatabase(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening folder %s: %w", folder.URI(), err)
	}

	return &folderWalk{
		folder:   folder,
		folderID: folderID,
		db:       db,
		iter:     db.Messages(ctx),
		total:    folder.TotalMessages(false),
	}, nil
}

// next returns the next header, or io.EOF when the folder is exhausted.
func (w *folderWalk) next() (mailstore.Header, error) {
	h, err := w.iter.Next()
	if err != nil {
		return nil, err
	}
	w.seen++
	return h, nil
}

func (w *folderWalk) close() error {
	iterErr := w.iter.Close()
	if err := w.db.Close(); err != nil {
		return fmt.Errorf("closing folder %s: %w", w.folder.URI(), err)
	}
	return iterErr
}
