package repository

import (
	"context"
	"io/fs"
	"os"
	"sort"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/rehabcare/messaging/internal/storage"
	"github.com/rehabcare/messaging/internal/storage/storagetest"
	"github.com/rehabcare/messaging/migrations"
)

// Needs a disposable database: TEST_DATABASE_URL=postgres://... go test ./internal/repository
func TestStore_Postgres(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	files, err := fs.Glob(migrations.Files, "*.sql")
	require.NoError(t, err)
	sort.Strings(files)
	for _, f := range files {
		data, err := fs.ReadFile(migrations.Files, f)
		require.NoError(t, err)
		_, err = pool.Exec(ctx, string(data))
		require.NoError(t, err)
	}

	storagetest.Run(t, func(t *testing.T) storage.Store {
		_, err := pool.Exec(ctx, `TRUNCATE pinned_messages, message_receipts, messages, conversation_participants, conversations`)
		require.NoError(t, err)
		return NewStore(pool)
	})
}
