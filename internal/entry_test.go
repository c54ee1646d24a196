package internal

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestRebuild_IndexesVault(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	if err := os.MkdirAll(filepath.Join(dir, "books"), 0o755); err != nil {
		t.Fatal(err)
	}
	doc := "# Shelf\n```book-card\ntitle: Dune\n```\n"
	if err := os.WriteFile(filepath.Join(dir, "books", "shelf.md"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := NewDefaultConfig()
	cfg.App.LogLevel = slog.LevelError
	stats, err := Rebuild(context.Background(), WithConfig(cfg), WithVaultPath(dir))
	if err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 1 || stats.Created != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(dir, cfg.Vault.IndexFile)); err != nil {
		t.Errorf("index not written: %v", err)
	}
}

func TestRebuild_RequiresConfig(t *testing.T) {
	if _, err := Rebuild(context.Background()); err == nil {
		t.Error("expected error without config")
	}
}
