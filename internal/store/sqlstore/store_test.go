package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-live/backend/internal/store"
	"github.com/zhouzirui/z-live/backend/internal/store/storetest"
)

func SetupTestDB(t *testing.T) *SQLStore {
	t.Helper()
	s, err := New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return SetupTestDB(t)
	})
}

func TestSQLStoreReopensFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live.db")
	ctx := context.Background()

	s, err := New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// createTables must be idempotent
	s, err = New(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
