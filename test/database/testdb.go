// Package database provides test helpers that open a real SQLite store in a
// temporary directory with all migrations applied.
package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/database"
)

// NewTestClient opens a migrated store under t.TempDir(). The client closes
// with the test.
func NewTestClient(t *testing.T) *database.Client {
	t.Helper()

	cfg := database.Config{
		Path:         filepath.Join(t.TempDir(), "databases", "enterprise_logs.db"),
		ReadPoolSize: 4,
	}
	client, err := database.NewClient(context.Background(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
