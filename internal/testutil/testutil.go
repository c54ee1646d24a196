// Package testutil provides shared test helpers for setting up vaults and card indexes.
package testutil

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/starford/cardex/internal/cardindex"
	"github.com/starford/cardex/internal/storage"
)

// Logger returns a logger that discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// TestVault creates a temporary vault directory with a filesystem store.
func TestVault(t *testing.T) (string, *storage.FS) {
	t.Helper()
	vaultDir := t.TempDir()
	fs, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, fs
}

// TestIndex returns a card index over an in-memory store seeded with docs.
// Saves are not retried with a delay.
func TestIndex(t *testing.T, docs map[string]string) (*cardindex.Store, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory(docs)
	store := cardindex.New(mem,
		cardindex.WithLogger(Logger()),
		cardindex.WithRetry(2, time.Millisecond),
	)
	return store, mem
}
