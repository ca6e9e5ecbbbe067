package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nhle/mailindex/internal/model"
)

var (
	// ErrNotFound is returned when a row addressed by id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoTransaction is returned by savepoint and commit calls made
	// outside Begin/Commit.
	ErrNoTransaction = errors.New("no transaction in progress")

	// ErrTransactionActive is returned by Begin when a transaction is
	// already open.
	ErrTransactionActive = errors.New("transaction already in progress")
)

// Datastore persists conversations and message index rows. The indexer is
// its only writer; every write it performs happens between Begin and
// Commit.
type Datastore interface {
	// === Transactions ===

	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	// Savepoint marks a point inside the open transaction that
	// RollbackToSavepoint can return to.
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error

	// === Folders ===

	// MapFolderURIToID returns the stable id for uri, allocating one on
	// first use.
	MapFolderURIToID(ctx context.Context, uri string) (int64, error)
	MapFolderIDToURI(ctx context.Context, id int64) (string, error)

	// RenameFolder re-points the id held by oldURI at newURI.
	RenameFolder(ctx context.Context, oldURI, newURI string) error

	// === Conversations ===

	CreateConversation(ctx context.Context, subject string) (*model.Conversation, error)
	GetConversationByID(ctx context.Context, id string) (*model.Conversation, error)
	DeleteConversationByID(ctx context.Context, id string) error

	// === Messages ===

	CreateMessage(ctx context.Context, msg model.Message) (*model.Message, error)
	UpdateMessage(ctx context.Context, msg model.Message) error
	DeleteMessageByID(ctx context.Context, id string) error

	// GetMessagesByMessageID looks up every id in one call. The result is
	// aligned with ids: result[i] holds the rows whose HeaderMessageID is
	// ids[i], possibly none.
	GetMessagesByMessageID(ctx context.Context, ids []string) ([][]model.Message, error)
	GetMessagesByConversationID(ctx context.Context, conversationID string, includeGhosts bool) ([]model.Message, error)
	DeleteMessagesByConversationID(ctx context.Context, conversationID string) error
	GetMessagesByFolderID(ctx context.Context, folderID int64) ([]model.Message, error)

	// MoveMessages re-homes the rows at keys in srcFolderID into
	// dstFolderID with their keys cleared. It returns the number of rows
	// moved.
	MoveMessages(ctx context.Context, srcFolderID int64, keys []uint32, dstFolderID int64) (int64, error)

	// === Attributes ===

	SetMessageAttributes(ctx context.Context, messageID string, attrs []model.Attribute) error
	GetMessageAttributes(ctx context.Context, messageID string) ([]model.Attribute, error)
	ClearMessageAttributes(ctx context.Context, messageID string) error

	// === Lifecycle ===

	Stats(ctx context.Context) (*model.IndexStats, error)
	Close() error
}

// Open opens the datastore selected by cfg.
func Open(ctx context.Context, cfg model.DatastoreConfig) (Datastore, error) {
	switch cfg.Driver {
	case "postgres":
		s, err := NewPostgresStore(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "":
		s, err := NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown datastore driver %q", cfg.Driver)
	}
}
