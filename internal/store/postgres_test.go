package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailindex/internal/store"
)

// TestPostgresStore runs against the database named by
// MAILINDEX_TEST_PG_DSN. Every table is truncated between subtests.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("MAILINDEX_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("MAILINDEX_TEST_PG_DSN not set")
	}

	testDatastore(t, func(t *testing.T) store.Datastore {
		ctx := context.Background()

		s, err := store.NewPostgresStore(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })

		pool, err := pgxpool.New(ctx, dsn)
		require.NoError(t, err)
		defer pool.Close()
		_, err = pool.Exec(ctx,
			"TRUNCATE message_attributes, messages, conversations, folders RESTART IDENTITY CASCADE")
		require.NoError(t, err)

		return s
	})
}
