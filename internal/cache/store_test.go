package cache

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxpipe-labs/voxpipe-core/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.CacheConfig {
	t.Helper()
	return config.CacheConfig{
		Dir:           filepath.Join(t.TempDir(), "cache"),
		MaxEntries:    256,
		MaxTotalBytes: 256 << 20,
	}
}

func openStore(t *testing.T, cfg config.CacheConfig) *Store {
	t.Helper()
	s, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sourceFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "artifact.wav")
	if err := os.WriteFile(path, bytes.Repeat([]byte("a"), size), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func TestNormalizeIdempotent(t *testing.T) {
	cases := []string{"Hello world", "  HELLO   WORLD  ", "hello world", "\tHello\nWorld "}
	want := "hello world"
	for _, text := range cases {
		if got := Normalize(text); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", text, got, want)
		}
		if got := Normalize(Normalize(text)); got != want {
			t.Fatalf("Normalize must be idempotent for %q, got %q", text, got)
		}
	}
	if Key("Hello world") != Key("  hello   WORLD ") {
		t.Fatal("case/whitespace variants must hash identically")
	}
	if Key("hello world") == Key("hello worlds") {
		t.Fatal("different texts must not collide")
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	src := sourceFile(t, 100)
	stored, err := s.Put(ctx, "Hello world", src)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	if !s.Has(ctx, "hello world") {
		t.Fatal("expected hit for normalized variant")
	}
	path, ok := s.Get(ctx, "  HELLO   WORLD ")
	if !ok {
		t.Fatal("expected hit for whitespace variant")
	}
	if path != stored {
		t.Fatalf("variant lookup returned different path: %s vs %s", path, stored)
	}
	if _, ok := s.Get(ctx, "different text"); ok {
		t.Fatal("unexpected hit for unrelated text")
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 1 || stats.TotalBytes != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestStaleEntryHealedOnLookup(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	stored, err := s.Put(ctx, "ghost", sourceFile(t, 80))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := os.Remove(stored); err != nil {
		t.Fatalf("remove artifact: %v", err)
	}

	if _, ok := s.Get(ctx, "ghost"); ok {
		t.Fatal("expected miss for missing file")
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 0 {
		t.Fatalf("stale entry must be removed from the index, stats: %+v", stats)
	}

	// A fresh put for the same text must work again.
	if _, err := s.Put(ctx, "ghost", sourceFile(t, 80)); err != nil {
		t.Fatalf("re-put: %v", err)
	}
	if !s.Has(ctx, "ghost") {
		t.Fatal("expected hit after re-put")
	}
}

func TestEvictionEnforcesEntryCeiling(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEntries = 5
	s := openStore(t, cfg)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	texts := []string{"one", "two", "three", "four", "five", "six", "seven"}
	for _, text := range texts {
		now = now.Add(time.Minute)
		if _, err := s.Put(ctx, text, sourceFile(t, 50)); err != nil {
			t.Fatalf("put %s: %v", text, err)
		}
		stats, err := s.Stats(ctx)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		if stats.Count > cfg.MaxEntries {
			t.Fatalf("entry ceiling violated after put %s: %+v", text, stats)
		}
	}

	// The sixth put crosses the ceiling and sweeps down to 80% of it,
	// removing the two oldest entries. The seventh fits again.
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 5 {
		t.Fatalf("expected 5 entries after the sweep, got %d", stats.Count)
	}
	if s.Has(ctx, "one") || s.Has(ctx, "two") {
		t.Fatal("oldest entries must be evicted first")
	}
	if !s.Has(ctx, "three") {
		t.Fatal("entry inside the swept-down window must survive")
	}
	if !s.Has(ctx, "seven") {
		t.Fatal("newest entry must survive eviction")
	}
}

func TestEvictionEnforcesByteCeiling(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxTotalBytes = 1000
	s := openStore(t, cfg)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	for _, text := range []string{"a", "b", "c", "d"} {
		now = now.Add(time.Minute)
		if _, err := s.Put(ctx, text, sourceFile(t, 300)); err != nil {
			t.Fatalf("put %s: %v", text, err)
		}
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalBytes > cfg.MaxTotalBytes {
		t.Fatalf("byte ceiling violated: %+v", stats)
	}
	if stats.TotalBytes > 800 {
		t.Fatalf("expected sweep down to 80%% of byte ceiling, got %d", stats.TotalBytes)
	}
	if s.Has(ctx, "a") {
		t.Fatal("least recently used entry must be evicted")
	}
	if !s.Has(ctx, "d") {
		t.Fatal("newest entry must survive eviction")
	}
}

func TestEvictionNotifiesListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEntries = 5
	s := openStore(t, cfg)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	var evicted []string
	s.SetEvictListener(func(key string, sizeBytes int64) {
		evicted = append(evicted, key)
		if sizeBytes != 50 {
			t.Errorf("unexpected evicted size %d", sizeBytes)
		}
	})

	for _, text := range []string{"one", "two", "three", "four", "five", "six"} {
		now = now.Add(time.Minute)
		if _, err := s.Put(ctx, text, sourceFile(t, 50)); err != nil {
			t.Fatalf("put %s: %v", text, err)
		}
	}

	want := []string{Key("one"), Key("two")}
	if len(evicted) != len(want) || evicted[0] != want[0] || evicted[1] != want[1] {
		t.Fatalf("listener saw %v, want %v", evicted, want)
	}
}

func TestGetRefreshesLRUPosition(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxEntries = 3
	s := openStore(t, cfg)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return now }

	for _, text := range []string{"alpha", "beta", "gamma"} {
		now = now.Add(time.Minute)
		if _, err := s.Put(ctx, text, sourceFile(t, 50)); err != nil {
			t.Fatalf("put %s: %v", text, err)
		}
	}

	now = now.Add(time.Minute)
	if _, ok := s.Get(ctx, "alpha"); !ok {
		t.Fatal("expected hit for alpha")
	}

	now = now.Add(time.Minute)
	if _, err := s.Put(ctx, "delta", sourceFile(t, 50)); err != nil {
		t.Fatalf("put delta: %v", err)
	}

	if !s.Has(ctx, "alpha") {
		t.Fatal("recently accessed entry must survive the sweep")
	}
	if s.Has(ctx, "beta") {
		t.Fatal("least recently used entry must be evicted")
	}
	if !s.Has(ctx, "delta") {
		t.Fatal("newest entry must survive the sweep")
	}
}

func TestClear(t *testing.T) {
	s := openStore(t, testConfig(t))
	ctx := context.Background()

	if _, err := s.Put(ctx, "keep me not", sourceFile(t, 64)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 0 || stats.TotalBytes != 0 {
		t.Fatalf("expected empty cache after clear, got %+v", stats)
	}
	if s.Has(ctx, "keep me not") {
		t.Fatal("unexpected hit after clear")
	}
}

func TestRepairRemovesOrphansAndDanglingEntries(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	ctx := context.Background()

	if _, err := s.Put(ctx, "valid one", sourceFile(t, 80)); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := s.Put(ctx, "valid two", sourceFile(t, 80)); err != nil {
		t.Fatalf("put: %v", err)
	}

	// Orphan: a key-named artifact on disk that the index never saw.
	orphan := filepath.Join(cfg.Dir, Key("orphan text")+artifactSuffix)
	if err := os.WriteFile(orphan, bytes.Repeat([]byte("x"), 90), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}

	// Dangling: an index row whose file is gone.
	danglingKey := Key("dangling text")
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(key, rel_path, size_bytes, last_accessed) VALUES (?, ?, ?, ?)`,
		danglingKey, danglingKey+artifactSuffix, 120, time.Now().UTC()); err != nil {
		t.Fatalf("insert dangling row: %v", err)
	}

	// Corrupt: an indexed file too small to be a playable artifact.
	corruptKey := Key("corrupt text")
	corruptRel := corruptKey + artifactSuffix
	if err := os.WriteFile(filepath.Join(cfg.Dir, corruptRel), []byte("tiny"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(key, rel_path, size_bytes, last_accessed) VALUES (?, ?, ?, ?)`,
		corruptKey, corruptRel, 4, time.Now().UTC()); err != nil {
		t.Fatalf("insert corrupt row: %v", err)
	}

	report, err := s.Repair(ctx)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if report.OrphanFilesRemoved != 1 {
		t.Fatalf("expected 1 orphan removed, got %d", report.OrphanFilesRemoved)
	}
	if report.DanglingEntriesRemoved != 1 {
		t.Fatalf("expected 1 dangling entry removed, got %d", report.DanglingEntriesRemoved)
	}
	if report.CorruptEntriesRemoved != 1 {
		t.Fatalf("expected 1 corrupt entry removed, got %d", report.CorruptEntriesRemoved)
	}

	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Fatal("orphan file must be deleted")
	}
	if !s.Has(ctx, "valid one") || !s.Has(ctx, "valid two") {
		t.Fatal("valid entries must survive repair")
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Count != 2 {
		t.Fatalf("expected 2 entries after repair, got %d", stats.Count)
	}
}

func TestIndexRebuiltFromDiskWhenMalformed(t *testing.T) {
	cfg := testConfig(t)
	s := openStore(t, cfg)
	ctx := context.Background()

	stored, err := s.Put(ctx, "survivor", sourceFile(t, 100))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	indexPath := filepath.Join(cfg.Dir, indexFileName)
	if err := os.WriteFile(indexPath, []byte("this is not a database"), 0o644); err != nil {
		t.Fatalf("corrupt index: %v", err)
	}

	reopened := openStore(t, cfg)
	path, ok := reopened.Get(ctx, "SURVIVOR")
	if !ok {
		t.Fatal("expected rebuilt index to re-adopt the artifact")
	}
	if path != stored {
		t.Fatalf("rebuilt entry points at %s, want %s", path, stored)
	}
}
