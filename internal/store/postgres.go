package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nhle/mailindex/internal/model"
)

// pgMigrations is the ordered list of Postgres schema migrations. The seq
// columns give rows a stable insertion order.
var pgMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id         BIGSERIAL PRIMARY KEY,
	uri        TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	subject    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS messages (
	seq               BIGSERIAL,
	id                TEXT PRIMARY KEY,
	conversation_id   TEXT NOT NULL REFERENCES conversations(id),
	folder_id         BIGINT REFERENCES folders(id),
	message_key       BIGINT,
	header_message_id TEXT NOT NULL,
	subject           TEXT,
	snippet           TEXT,
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CHECK ((folder_id IS NULL AND message_key IS NULL) OR folder_id IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_messages_header_message_id ON messages(header_message_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id, seq);
CREATE INDEX IF NOT EXISTS idx_messages_folder_key ON messages(folder_id, message_key);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS message_attributes (
	seq        BIGSERIAL,
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	value      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_message_attributes_message_id
	ON message_attributes(message_id);

CREATE INDEX IF NOT EXISTS idx_message_attributes_name_value
	ON message_attributes(name, value);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}

const pgMessageColumns = `id, conversation_id, folder_id, message_key,
	header_message_id, subject, snippet, updated_at`

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements the Datastore interface on a pgx connection
// pool.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu sync.Mutex
	tx pgx.Tx
}

// NewPostgresStore connects to dsn and runs any pending schema migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close rolls back any open transaction and closes the pool.
func (s *PostgresStore) Close() error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()

	if tx != nil {
		_ = tx.Rollback(context.Background())
	}
	s.pool.Close()
	return nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	currentVersion := 0

	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'schema_version')",
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if exists {
		err = s.pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range pgMigrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

func (s *PostgresStore) q() pgQuerier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

// Begin opens the transaction used by every following call.
func (s *PostgresStore) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tx != nil {
		return ErrTransactionActive
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	s.tx = tx
	return nil
}

// Commit commits the open transaction.
func (s *PostgresStore) Commit() error {
	tx, err := s.takeTx()
	if err != nil {
		return err
	}
	if err := tx.Commit(context.Background()); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback discards the open transaction.
func (s *PostgresStore) Rollback() error {
	tx, err := s.takeTx()
	if err != nil {
		return err
	}
	if err := tx.Rollback(context.Background()); err != nil {
		return fmt.Errorf("rolling back transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) takeTx() (pgx.Tx, error) {
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
func (s *PostgresStore) Savepoint(ctx context.Context, name string) error {
	return s.savepointExec(ctx, "SAVEPOINT "+quoteIdent(name))
}

// RollbackToSavepoint undoes everything written since Savepoint(name).
func (s *PostgresStore) RollbackToSavepoint(ctx context.Context, name string) error {
	return s.savepointExec(ctx, "ROLLBACK TO SAVEPOINT "+quoteIdent(name))
}

// ReleaseSavepoint forgets name, keeping its writes.
func (s *PostgresStore) ReleaseSavepoint(ctx context.Context, name string) error {
	return s.savepointExec(ctx, "RELEASE SAVEPOINT "+quoteIdent(name))
}

func (s *PostgresStore) savepointExec(ctx context.Context, stmt string) error {
	s.mu.Lock()
	tx := s.tx
	s.mu.Unlock()

	if tx == nil {
		return ErrNoTransaction
	}
	if _, err := tx.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("executing %q: %w", stmt, err)
	}
	return nil
}

// MapFolderURIToID returns the id for uri, inserting the folder on first use.
func (s *PostgresStore) MapFolderURIToID(ctx context.Context, uri string) (int64, error) {
	var id int64
	err := s.q().QueryRow(ctx, `
		INSERT INTO folders (uri) VALUES ($1)
		ON CONFLICT (uri) DO UPDATE SET uri = EXCLUDED.uri
		RETURNING id`, uri,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("mapping folder %s: %w", uri, err)
	}
	return id, nil
}

// MapFolderIDToURI returns the current URI of folder id.
func (s *PostgresStore) MapFolderIDToURI(ctx context.Context, id int64) (string, error) {
	var uri string
	err := s.q().QueryRow(ctx, "SELECT uri FROM folders WHERE id = $1", id).Scan(&uri)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("folder %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reading folder %d: %w", id, err)
	}
	return uri, nil
}

// RenameFolder keeps the id of oldURI and points it at newURI, folding in
// any messages already filed under newURI.
func (s *PostgresStore) RenameFolder(ctx context.Context, oldURI, newURI string) error {
	q := s.q()

	var oldID int64
	err := q.QueryRow(ctx, "SELECT id FROM folders WHERE uri = $1", oldURI).Scan(&oldID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading folder %s: %w", oldURI, err)
	}

	var newID int64
	err = q.QueryRow(ctx, "SELECT id FROM folders WHERE uri = $1", newURI).Scan(&newID)
	switch {
	case err == nil:
		if _, err := q.Exec(ctx,
			"UPDATE messages SET folder_id = $1 WHERE folder_id = $2", oldID, newID,
		); err != nil {
			return fmt.Errorf("folding folder %s into %s: %w", newURI, oldURI, err)
		}
		if _, err := q.Exec(ctx, "DELETE FROM folders WHERE id = $1", newID); err != nil {
			return fmt.Errorf("dropping folder %s: %w", newURI, err)
		}
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("reading folder %s: %w", newURI, err)
	}

	if _, err := q.Exec(ctx, "UPDATE folders SET uri = $1 WHERE id = $2", newURI, oldID); err != nil {
		return fmt.Errorf("renaming folder %s to %s: %w", oldURI, newURI, err)
	}
	return nil
}

// CreateConversation inserts a new conversation with a generated id.
func (s *PostgresStore) CreateConversation(
	ctx context.Context,
	subject string,
) (*model.Conversation, error) {
	conv := model.Conversation{
		ID:        uuid.New().String(),
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.q().Exec(ctx,
		"INSERT INTO conversations (id, subject, created_at) VALUES ($1, $2, $3)",
		conv.ID, conv.Subject, conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}
	return &conv, nil
}

// GetConversationByID retrieves a single conversation.
func (s *PostgresStore) GetConversationByID(
	ctx context.Context,
	id string,
) (*model.Conversation, error) {
	var conv model.Conversation
	err := s.q().QueryRow(ctx,
		"SELECT id, subject, created_at FROM conversations WHERE id = $1", id,
	).Scan(&conv.ID, &conv.Subject, &conv.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}
	return &conv, nil
}

// DeleteConversationByID removes a conversation.
func (s *PostgresStore) DeleteConversationByID(ctx context.Context, id string) error {
	tag, err := s.q().Exec(ctx, "DELETE FROM conversations WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	return nil
}

// CreateMessage inserts msg. Generates a UUID if ID is empty.
func (s *PostgresStore) CreateMessage(
	ctx context.Context,
	msg model.Message,
) (*model.Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.UpdatedAt = time.Now().UTC()

	_, err := s.q().Exec(ctx, `
		INSERT INTO messages (
			id, conversation_id, folder_id, message_key,
			header_message_id, subject, snippet, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.ConversationID, nullInt64(msg.FolderID), nullKey(msg.MessageKey),
		msg.HeaderMessageID, nullString(msg.Subject), nullString(msg.Snippet), msg.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("creating message %s: %w", msg.HeaderMessageID, err)
	}
	return &msg, nil
}

// UpdateMessage rewrites every column of an existing message.
func (s *PostgresStore) UpdateMessage(ctx context.Context, msg model.Message) error {
	msg.UpdatedAt = time.Now().UTC()

	tag, err := s.q().Exec(ctx, `
		UPDATE messages SET
			conversation_id = $1, folder_id = $2, message_key = $3,
			header_message_id = $4, subject = $5, snippet = $6, updated_at = $7
		WHERE id = $8`,
		msg.ConversationID, nullInt64(msg.FolderID), nullKey(msg.MessageKey),
		msg.HeaderMessageID, nullString(msg.Subject), nullString(msg.Snippet), msg.UpdatedAt,
		msg.ID,
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", msg.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", msg.ID, ErrNotFound)
	}
	return nil
}

// DeleteMessageByID removes a message and its attributes.
func (s *PostgresStore) DeleteMessageByID(ctx context.Context, id string) error {
	tag, err := s.q().Exec(ctx, "DELETE FROM messages WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetMessagesByMessageID looks up all ids with a single ANY query.
func (s *PostgresStore) GetMessagesByMessageID(
	ctx context.Context,
	ids []string,
) ([][]model.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	msgs, err := s.queryMessages(ctx,
		"SELECT "+pgMessageColumns+" FROM messages WHERE header_message_id = ANY($1) ORDER BY seq",
		uniqueStrings(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("looking up message ids: %w", err)
	}

	byID := make(map[string][]model.Message, len(ids))
	for _, m := range msgs {
		byID[m.HeaderMessageID] = append(byID[m.HeaderMessageID], m)
	}

	out := make([][]model.Message, len(ids))
	for i, id := range ids {
		out[i] = byID[id]
	}
	return out, nil
}

// GetMessagesByConversationID lists a conversation's messages in insertion
// order.
func (s *PostgresStore) GetMessagesByConversationID(
	ctx context.Context,
	conversationID string,
	includeGhosts bool,
) ([]model.Message, error) {
	query := "SELECT " + pgMessageColumns + " FROM messages WHERE conversation_id = $1"
	if !includeGhosts {
		query += " AND folder_id IS NOT NULL"
	}
	query += " ORDER BY seq"

	msgs, err := s.queryMessages(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages of conversation %s: %w", conversationID, err)
	}
	return msgs, nil
}

// DeleteMessagesByConversationID removes every message of a conversation.
func (s *PostgresStore) DeleteMessagesByConversationID(ctx context.Context, conversationID string) error {
	if _, err := s.q().Exec(ctx, "DELETE FROM messages WHERE conversation_id = $1", conversationID); err != nil {
		return fmt.Errorf("deleting messages of conversation %s: %w", conversationID, err)
	}
	return nil
}

// GetMessagesByFolderID lists the real messages located in a folder.
func (s *PostgresStore) GetMessagesByFolderID(ctx context.Context, folderID int64) ([]model.Message, error) {
	msgs, err := s.queryMessages(ctx,
		"SELECT "+pgMessageColumns+" FROM messages WHERE folder_id = $1 ORDER BY seq", folderID)
	if err != nil {
		return nil, fmt.Errorf("listing messages of folder %d: %w", folderID, err)
	}
	return msgs, nil
}

// MoveMessages re-homes rows in bulk with their keys cleared.
func (s *PostgresStore) MoveMessages(
	ctx context.Context,
	srcFolderID int64,
	keys []uint32,
	dstFolderID int64,
) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	tag, err := s.q().Exec(ctx, `
		UPDATE messages SET folder_id = $1, message_key = NULL, updated_at = $2
		WHERE folder_id = $3 AND message_key = ANY($4)`,
		dstFolderID, time.Now().UTC(), srcFolderID, keysToInt64(keys),
	)
	if err != nil {
		return 0, fmt.Errorf("moving messages from folder %d to %d: %w", srcFolderID, dstFolderID, err)
	}
	return tag.RowsAffected(), nil
}

// SetMessageAttributes appends attribute rows for a message.
func (s *PostgresStore) SetMessageAttributes(
	ctx context.Context,
	messageID string,
	attrs []model.Attribute,
) error {
	if len(attrs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range attrs {
		batch.Queue(
			"INSERT INTO message_attributes (message_id, name, value) VALUES ($1, $2, $3)",
			messageID, a.Name, a.Value,
		)
	}

	var br pgx.BatchResults
	s.mu.Lock()
	if s.tx != nil {
		br = s.tx.SendBatch(ctx, batch)
	} else {
		br = s.pool.SendBatch(ctx, batch)
	}
	s.mu.Unlock()
	defer br.Close()

	for range attrs {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("setting attributes on message %s: %w", messageID, err)
		}
	}
	return nil
}

// GetMessageAttributes lists a message's attributes in insertion order.
func (s *PostgresStore) GetMessageAttributes(ctx context.Context, messageID string) ([]model.Attribute, error) {
	rows, err := s.q().Query(ctx,
		"SELECT message_id, name, value FROM message_attributes WHERE message_id = $1 ORDER BY seq",
		messageID)
	if err != nil {
		return nil, fmt.Errorf("listing attributes of message %s: %w", messageID, err)
	}
	defer rows.Close()

	var attrs []model.Attribute
	for rows.Next() {
		var a model.Attribute
		if err := rows.Scan(&a.MessageID, &a.Name, &a.Value); err != nil {
			return nil, fmt.Errorf("scanning attribute: %w", err)
		}
		attrs = append(attrs, a)
	}
	return attrs, rows.Err()
}

// ClearMessageAttributes removes every attribute of a message.
func (s *PostgresStore) ClearMessageAttributes(ctx context.Context, messageID string) error {
	if _, err := s.q().Exec(ctx, "DELETE FROM message_attributes WHERE message_id = $1", messageID); err != nil {
		return fmt.Errorf("clearing attributes of message %s: %w", messageID, err)
	}
	return nil
}

// Stats counts conversations, real messages, ghosts and folders.
func (s *PostgresStore) Stats(ctx context.Context) (*model.IndexStats, error) {
	var stats model.IndexStats
	err := s.q().QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM conversations),
			(SELECT COUNT(*) FROM messages WHERE folder_id IS NOT NULL),
			(SELECT COUNT(*) FROM messages WHERE folder_id IS NULL),
			(SELECT COUNT(*) FROM folders)`,
	).Scan(&stats.Conversations, &stats.Messages, &stats.Ghosts, &stats.Folders)
	if err != nil {
		return nil, fmt.Errorf("reading index stats: %w", err)
	}
	return &stats, nil
}

func (s *PostgresStore) queryMessages(ctx context.Context, query string, args ...any) ([]model.Message, error) {
	rows, err := s.q().Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var (
			m   model.Message
			key *int64
		)
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.FolderID, &key,
			&m.HeaderMessageID, &m.Subject, &m.Snippet, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		if key != nil {
			k := uint32(*key)
			m.MessageKey = &k
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
