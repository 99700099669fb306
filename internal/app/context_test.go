package app

import (
	"bytes"
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"questline/internal/config"
	"questline/internal/engine"
)

func TestOpenSQLiteCreatesWorkspaceDB(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	rt, err := Open(dir, cfg, log.New(&bytes.Buffer{}, "", 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if _, err := os.Stat(filepath.Join(dir, ".questline", "questline.db")); err != nil {
		t.Fatalf("db file missing: %v", err)
	}
	item, err := rt.Engine.CreateItem(context.Background(), engine.ItemCreateOptions{Title: "t", CreatorID: "alice"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := rt.Engine.GetItem(context.Background(), item.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
}

func TestOpenMemoryAndUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "memory"
	s, err := OpenStore("", cfg)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	s.Close()

	cfg.Store.Driver = "mongo"
	if _, err := OpenStore("", cfg); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}
