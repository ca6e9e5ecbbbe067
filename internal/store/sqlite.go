package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailindex/internal/model"
)

// messageColumns is the column list scanned into model.Message.
const messageColumns = `id, conversation_id, folder_id, message_key,
	header_message_id, subject, snippet, updated_at`

// maxInParams bounds the number of values bound into a single IN clause.
const maxInParams = 500

// SQLiteStore implements the Datastore interface using a local SQLite
// database.
type SQLiteStore struct {
	db *sqlx.DB

	mu sync.Mutex
	tx *sqlx.Tx
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Transactions, savepoints and :memory: databases all live on a
	// single connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close rolls back any open transaction and closes the database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	if tx != nil {
		_ = tx.Rollback()
	}
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// ext returns the open transaction, or the database when none is open.
func (s *SQLiteStore) ext() sqlx.ExtContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Begin opens the transaction used by every following call until Commit
// or Rollback.
func (s *SQLiteStore) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return ErrTransactionActive
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit commits the open transaction.
func (s *SQLiteStore) Commit() error {
	tx, err := s.takeTx()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback discards the open transaction.
func (s *SQLiteStore) Rollback() error {
	tx, err := s.takeTx()
	if err != nil {
		return err
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) takeTx() (*sqlx.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx == nil {
		return nil, ErrNoTransaction
	}
	tx := s.tx
	s.tx = nil
	return tx, nil
}

// Savepoint marks name inside the open transaction.
func (s *SQLiteStore) Savepoint(ctx context.Context, name string) error {
	return s.savepointExec(ctx, "SAVEPOINT "+quoteIdent(name))
}

// RollbackToSavepoint undoes everything written since Savepoint(name).
// The savepoint stays open and still has to be released.
func (s *SQLiteStore) RollbackToSavepoint(ctx context.Context, name string) error {
	return s.savepointExec(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name))
}

// ReleaseSavepoint forgets name, keeping its writes in the transaction.
func (s *SQLiteStore) ReleaseSavepoint(ctx context.Context, name string) error {
	return s.savepointExec(ctx, "RELEASE SAVEPOINT "+quoteIdent(name))
}

func (s *SQLiteStore) savepointExec(ctx context.Context, stmt string) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()

	if tx == nil {
		return ErrNoTransaction
	}
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("executing %q: %w", stmt, err)
	}
	return nil
}

// MapFolderURIToID returns the id for uri, inserting the folder on first use.
func (s *SQLiteStore) MapFolderURIToID(ctx context.Context, uri string) (int64, error) {
	q := s.ext()

	if _, err := q.ExecContext(ctx,
		"INSERT OR IGNORE INTO folders (uri) VALUES (?)", uri,
	); err != nil {
		return 0, fmt.Errorf("mapping folder %s: %w", uri, err)
	}

	var id int64
	if err := sqlx.GetContext(ctx, q, &id, "SELECT id FROM folders WHERE uri = ?", uri); err != nil {
		return 0, fmt.Errorf("reading folder id for %s: %w", uri, err)
	}
	return id, nil
}

// MapFolderIDToURI returns the current URI of folder id.
func (s *SQLiteStore) MapFolderIDToURI(ctx context.Context, id int64) (string, error) {
	var uri string
	err := sqlx.GetContext(ctx, s.ext(), &uri, "SELECT uri FROM folders WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("folder %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading folder %d: %w", id, err)
	}
	return uri, nil
}

// RenameFolder keeps the id of oldURI and points it at newURI. If newURI
// already has an id of its own, its messages are folded into the old id.
func (s *SQLiteStore) RenameFolder(ctx context.Context, oldURI, newURI string) error {
	q := s.ext()

	var oldID int64
	err := sqlx.GetContext(ctx, q, &oldID, "SELECT id FROM folders WHERE uri = ?", oldURI)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading folder %s: %w", oldURI, err)
	}

	var newID int64
	err = sqlx.GetContext(ctx, q, &newID, "SELECT id FROM folders WHERE uri = ?", newURI)
	switch {
	case err == nil:
		if _, err := q.ExecContext(ctx,
			"UPDATE messages SET folder_id = ? WHERE folder_id = ?", oldID, newID,
		); err != nil {
			return fmt.Errorf("folding folder %s into %s: %w", newURI, oldURI, err)
		}
		if _, err := q.ExecContext(ctx, "DELETE FROM folders WHERE id = ?", newID); err != nil {
			return fmt.Errorf("dropping folder %s: %w", newURI, err)
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("reading folder %s: %w", newURI, err)
	}

	if _, err := q.ExecContext(ctx,
		"UPDATE folders SET uri = ? WHERE id = ?", newURI, oldID,
	); err != nil {
		return fmt.Errorf("renaming folder %s to %s: %w", oldURI, newURI, err)
	}
	return nil
}

// CreateConversation inserts a new conversation with a generated id.
func (s *SQLiteStore) CreateConversation(
	ctx context.Context,
	subject string,
) (*model.Conversation, error) {
	conv := model.Conversation{
		ID:        uuid.New().String(),
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.ext().ExecContext(ctx,
		"INSERT INTO conversations (id, subject, created_at) VALUES (?, ?, ?)",
		conv.ID, conv.Subject, conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return &conv, nil
}

// GetConversationByID retrieves a single conversation.
func (s *SQLiteStore) GetConversationByID(
	ctx context.Context,
	id string,
) (*model.Conversation, error) {
	var conv model.Conversation
	err := sqlx.GetContext(ctx, s.ext(), &conv,
		"SELECT id, subject, created_at FROM conversations WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return &conv, nil
}

// DeleteConversationByID removes a conversation. Its messages must already
// be gone.
func (s *SQLiteStore) DeleteConversationByID(ctx context.Context, id string) error {
	result, err := s.ext().ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateMessage inserts msg. Generates a UUID if ID is empty.
func (s *SQLiteStore) CreateMessage(
	ctx context.Context,
	msg model.Message,
) (*model.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.UpdatedAt = time.Now().UTC()

	_, err := s.ext().ExecContext(ctx, `
		INSERT INTO messages (
			id, conversation_id, folder_id, message_key,
			header_message_id, subject, snippet, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, nullInt64(msg.FolderID), nullKey(msg.MessageKey),
		msg.HeaderMessageID, nullString(msg.Subject), nullString(msg.Snippet), msg.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating message %s: %w", msg.HeaderMessageID, err)
	}
	return &msg, nil
}

// UpdateMessage rewrites every column of an existing message.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, msg model.Message) error {
	msg.UpdatedAt = time.Now().UTC()

	result, err := s.ext().ExecContext(ctx, `
		UPDATE messages SET
			conversation_id = ?, folder_id = ?, message_key = ?,
			header_message_id = ?, subject = ?, snippet = ?, updated_at = ?
		WHERE id = ?`,
		msg.ConversationID, nullInt64(msg.FolderID), nullKey(msg.MessageKey),
		msg.HeaderMessageID, nullString(msg.Subject), nullString(msg.Snippet), msg.UpdatedAt,
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", msg.ID, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("message %s: %w", msg.ID, ErrNotFound)
	}
	return nil
}

// DeleteMessageByID removes a message. Cascades to message_attributes.
func (s *SQLiteStore) DeleteMessageByID(ctx context.Context, id string) error {
	result, err := s.ext().ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetMessagesByMessageID looks up all ids, chunking the IN clause.
func (s *SQLiteStore) GetMessagesByMessageID(
	ctx context.Context,
	ids []string,
) ([][]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	q := s.ext()
	byID := make(map[string][]model.Message, len(ids))
	unique := uniqueStrings(ids)

	for start := 0; start < len(unique); start += maxInParams {
		end := min(start+maxInParams, len(unique))

		query, args, err := sqlx.In(
			"SELECT "+messageColumns+" FROM messages WHERE header_message_id IN (?) ORDER BY rowid",
			unique[start:end],
		)
		if err != nil {
			return nil, fmt.Errorf("building message-id lookup: %w", err)
		}

		var rows []model.Message
		if err := sqlx.SelectContext(ctx, q, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, fmt.Errorf("looking up message ids: %w", err)
		}
		for _, m := range rows {
			byID[m.HeaderMessageID] = append(byID[m.HeaderMessageID], m)
		}
	}

	out := make([][]model.Message, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

// GetMessagesByConversationID lists a conversation's messages in insertion
// order.
func (s *SQLiteStore) GetMessagesByConversationID(
	ctx context.Context,
	conversationID string,
	includeGhosts bool,
) ([]model.Message, error) {
	query := "SELECT " + messageColumns + " FROM messages WHERE conversation_id = ?"
	if !includeGhosts {
		query += " AND folder_id IS NOT NULL"
	}
	query += " ORDER BY rowid"

	var msgs []model.Message
	if err := sqlx.SelectContext(ctx, s.ext(), &msgs, query, conversationID); err != nil {
		return nil, fmt.Errorf("listing messages of conversation %s: %w", conversationID, err)
	}
	return msgs, nil
}

// DeleteMessagesByConversationID removes every message of a conversation.
func (s *SQLiteStore) DeleteMessagesByConversationID(ctx context.Context, conversationID string) error {
	_, err := s.ext().ExecContext(ctx, "DELETE FROM messages WHERE conversation_id = ?", conversationID)
	if err != nil {
		return fmt.Errorf("deleting messages of conversation %s: %w", conversationID, err)
	}
	return nil
}

// GetMessagesByFolderID lists the real messages located in a folder.
func (s *SQLiteStore) GetMessagesByFolderID(ctx context.Context, folderID int64) ([]model.Message, error) {
	var msgs []model.Message
	err := sqlx.SelectContext(ctx, s.ext(), &msgs,
		"SELECT "+messageColumns+" FROM messages WHERE folder_id = ? ORDER BY rowid", folderID)
	if err != nil {
		return nil, fmt.Errorf("listing messages of folder %d: %w", folderID, err)
	}
	return msgs, nil
}

// MoveMessages re-homes rows in bulk with their keys cleared.
func (s *SQLiteStore) MoveMessages(
	ctx context.Context,
	srcFolderID int64,
	keys []uint32,
	dstFolderID int64,
) (int64, error) {
	q := s.ext()
	now := time.Now().UTC()
	var moved int64

	for start := 0; start < len(keys); start += maxInParams {
		end := min(start+maxInParams, len(keys))

		query, args, err := sqlx.In(`
			UPDATE messages SET folder_id = ?, message_key = NULL, updated_at = ?
			WHERE folder_id = ? AND message_key IN (?)`,
			dstFolderID, now, srcFolderID, keysToInt64(keys[start:end]),
		)
		if err != nil {
			return moved, fmt.Errorf("building move statement: %w", err)
		}

		result, err := q.ExecContext(ctx, s.db.Rebind(query), args...)
		if err != nil {
			return moved, fmt.Errorf("moving messages from folder %d to %d: %w", srcFolderID, dstFolderID, err)
		}
		n, _ := result.RowsAffected()
		moved += n
	}

	return moved, nil
}

// SetMessageAttributes appends attribute rows for a message.
func (s *SQLiteStore) SetMessageAttributes(
	ctx context.Context,
	messageID string,
	attrs []model.Attribute,
) error {
	q := s.ext()
	for _, a := range attrs {
		if _, err := q.ExecContext(ctx,
			"INSERT INTO message_attributes (message_id, name, value) VALUES (?, ?, ?)",
			messageID, a.Name, a.Value,
		); err != nil {
			return fmt.Errorf("setting attribute %s on message %s: %w", a.Name, messageID, err)
		}
	}
	return nil
}

// GetMessageAttributes lists a message's attributes in insertion order.
func (s *SQLiteStore) GetMessageAttributes(ctx context.Context, messageID string) ([]model.Attribute, error) {
	var attrs []model.Attribute
	err := sqlx.SelectContext(ctx, s.ext(), &attrs,
		"SELECT message_id, name, value FROM message_attributes WHERE message_id = ? ORDER BY rowid",
		messageID)
	if err != nil {
		return nil, fmt.Errorf("listing attributes of message %s: %w", messageID, err)
	}
	return attrs, nil
}

// ClearMessageAttributes removes every attribute of a message.
func (s *SQLiteStore) ClearMessageAttributes(ctx context.Context, messageID string) error {
	_, err := s.ext().ExecContext(ctx, "DELETE FROM message_attributes WHERE message_id = ?", messageID)
	if err != nil {
		return fmt.Errorf("clearing attributes of message %s: %w", messageID, err)
	}
	return nil
}

// Stats counts conversations, real messages, ghosts and folders.
func (s *SQLiteStore) Stats(ctx context.Context) (*model.IndexStats, error) {
	var stats model.IndexStats
	err := sqlx.GetContext(ctx, s.ext(), &stats, `
		SELECT
			(SELECT COUNT(*) FROM conversations) AS conversations,
			(SELECT COUNT(*) FROM messages WHERE folder_id IS NOT NULL) AS messages,
			(SELECT COUNT(*) FROM messages WHERE folder_id IS NULL) AS ghosts,
			(SELECT COUNT(*) FROM folders) AS folders`)
	if err != nil {
		return nil, fmt.Errorf("reading index stats: %w", err)
	}
	return &stats, nil
}
