// Package cache is a hash-addressed persistent store of finished audio
// artifacts. Artifacts are keyed by the normalized text that produced
// them, never by session id, so identical requests from different
// sessions hit the same entry. The durable key index lives in a SQLite
// file beside the artifact directory and is rebuilt from the directory
// contents when unreadable.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	_ "modernc.org/sqlite"

	"github.com/voxpipe-labs/voxpipe-core/internal/config"
)

const (
	artifactSuffix = ".wav"
	indexFileName  = "index.db"

	// Anything smaller than a bare WAV header cannot be a playable
	// artifact.
	minArtifactBytes = 44

	// Eviction sweeps down to this share of the exceeded ceiling so a
	// boundary value does not thrash.
	sweepNumerator   = 8
	sweepDenominator = 10
)

// Stats reports the live size of the store.
type Stats struct {
	Count      int
	TotalBytes int64
}

// Store owns the cache directory and its index. All cached files are
// created and deleted exclusively through it.
type Store struct {
	db  *sql.DB
	dir string
	cfg config.CacheConfig
	log *slog.Logger

	// mu serializes put, eviction, clear, and repair. Reads go straight
	// to the index and see a consistent snapshot without blocking on
	// writers.
	mu    sync.Mutex
	clock func() time.Time

	// onEvict fires once per entry the LRU sweep removes, while the
	// write lock is held. It must not call back into the store.
	onEvict func(key string, sizeBytes int64)

	hitCounter   metric.Int64Counter
	missCounter  metric.Int64Counter
	evictCounter metric.Int64Counter
}

// Normalize lowercases the text and collapses runs of whitespace. It is
// idempotent, so differing-only-in-case/whitespace texts share a key.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Key derives the cache key for an utterance text.
func Key(text string) string {
	sum := sha256.Sum256([]byte(Normalize(text)))
	return hex.EncodeToString(sum[:])
}

// Open initializes the store. A malformed or unreadable index file is
// discarded and rebuilt from the artifacts already on disk.
func Open(ctx context.Context, cfg config.CacheConfig, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	indexPath := cfg.IndexPath
	if indexPath == "" {
		indexPath = filepath.Join(cfg.Dir, indexFileName)
	}
	if dir := filepath.Dir(indexPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	s := &Store{
		dir:   cfg.Dir,
		cfg:   cfg,
		log:   log.With(slog.String("component", "cache-store")),
		clock: time.Now,
	}

	db, err := openIndex(ctx, indexPath)
	if err != nil {
		s.log.Warn("cache index unreadable, rebuilding from disk",
			slog.String("path", indexPath), slog.String("error", err.Error()))
		for _, leftover := range []string{indexPath, indexPath + "-wal", indexPath + "-shm"} {
			_ = os.Remove(leftover)
		}
		db, err = openIndex(ctx, indexPath)
		if err != nil {
			return nil, fmt.Errorf("recreate cache index: %w", err)
		}
		s.db = db
		if err := s.rebuild(ctx); err != nil {
			db.Close()
			return nil, err
		}
	} else {
		s.db = db
	}

	meter := otel.Meter("voxpipe.cache")
	if c, err := meter.Int64Counter("voxpipe_cache_hits_total",
		metric.WithDescription("Cache lookups served from disk")); err == nil {
		s.hitCounter = c
	}
	if c, err := meter.Int64Counter("voxpipe_cache_misses_total",
		metric.WithDescription("Cache lookups that require synthesis")); err == nil {
		s.missCounter = c
	}
	if c, err := meter.Int64Counter("voxpipe_cache_evictions_total",
		metric.WithDescription("Entries removed by the LRU sweep")); err == nil {
		s.evictCounter = c
	}

	return s, nil
}

func openIndex(ctx context.Context, path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index: %w", err)
	}
	ddl := `
CREATE TABLE IF NOT EXISTS entries (
    key TEXT PRIMARY KEY,
    rel_path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL,
    last_accessed TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_last_accessed ON entries(last_accessed);
`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index schema: %w", err)
	}
	return db, nil
}

// rebuild re-adopts artifact files found on disk. File names are the
// cache key, so the mapping survives index loss.
func (s *Store) rebuild(ctx context.Context) error {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan cache dir: %w", err)
	}
	adopted := 0
	for _, entry := range files {
		if entry.IsDir() || !isArtifactName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.Size() < minArtifactBytes {
			continue
		}
		key := strings.TrimSuffix(entry.Name(), artifactSuffix)
		_, err = s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO entries(key, rel_path, size_bytes, last_accessed) VALUES (?, ?, ?, ?)`,
			key, entry.Name(), info.Size(), s.clock().UTC())
		if err != nil {
			return fmt.Errorf("adopt artifact %s: %w", entry.Name(), err)
		}
		adopted++
	}
	s.log.Info("cache index rebuilt", slog.Int("adopted", adopted))
	return nil
}

func isArtifactName(name string) bool {
	if !strings.HasSuffix(name, artifactSuffix) {
		return false
	}
	key := strings.TrimSuffix(name, artifactSuffix)
	if len(key) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// SetEvictListener registers the eviction callback. Set it before the
// store takes traffic.
func (s *Store) SetEvictListener(fn func(key string, sizeBytes int64)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// Close releases the index.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Has reports whether the text has a live cached artifact. A dangling
// index entry found on the way is healed immediately so the same stale
// row cannot mislead a second lookup.
func (s *Store) Has(ctx context.Context, text string) bool {
	_, ok := s.lookup(ctx, Key(text), false)
	return ok
}

// Get returns the artifact path for the text and refreshes its LRU
// position.
func (s *Store) Get(ctx context.Context, text string) (string, bool) {
	return s.lookup(ctx, Key(text), true)
}

func (s *Store) lookup(ctx context.Context, key string, touch bool) (string, bool) {
	var rel string
	err := s.db.QueryRowContext(ctx, `SELECT rel_path FROM entries WHERE key = ?`, key).Scan(&rel)
	if err != nil {
		if err != sql.ErrNoRows {
			s.log.Warn("cache index lookup failed", slog.String("error", err.Error()))
		}
		s.countMiss(ctx)
		return "", false
	}

	path := filepath.Join(s.dir, rel)
	if _, err := os.Stat(path); err != nil {
		// The index claims a file that is gone. Treat as a miss and
		// drop the stale row now.
		if _, delErr := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); delErr != nil {
			s.log.Warn("failed to heal dangling cache entry", slog.String("error", delErr.Error()))
		} else {
			s.log.Info("healed dangling cache entry", slog.String("key", key))
		}
		s.countMiss(ctx)
		return "", false
	}

	if touch {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE entries SET last_accessed = ? WHERE key = ?`, s.clock().UTC(), key); err != nil {
			s.log.Warn("failed to touch cache entry", slog.String("error", err.Error()))
		}
	}
	if s.hitCounter != nil {
		s.hitCounter.Add(ctx, 1)
	}
	return path, true
}

func (s *Store) countMiss(ctx context.Context) {
	if s.missCounter != nil {
		s.missCounter.Add(ctx, 1)
	}
}

// Put copies the source artifact into the store under the text's key,
// records it in the index, and runs the eviction check.
func (s *Store) Put(ctx context.Context, text, sourcePath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(text)
	rel := key + artifactSuffix
	dst := filepath.Join(s.dir, rel)

	size, err := copyFile(sourcePath, dst)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO entries(key, rel_path, size_bytes, last_accessed) VALUES (?, ?, ?, ?)`,
		key, rel, size, s.clock().UTC())
	if err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("index cache entry: %w", err)
	}

	s.log.Info("artifact cached",
		slog.String("key", key),
		slog.Int64("bytes", size))

	if err := s.evictLocked(ctx); err != nil {
		s.log.Warn("cache eviction sweep failed", slog.String("error", err.Error()))
	}
	return dst, nil
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open artifact source: %w", err)
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("create cache file: %w", err)
	}
	size, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("close cache file: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return 0, fmt.Errorf("publish cache file: %w", err)
	}
	return size, nil
}

// Clear removes every entry and artifact.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT rel_path FROM entries`)
	if err != nil {
		return fmt.Errorf("list cache entries: %w", err)
	}
	var rels []string
	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err != nil {
			rows.Close()
			return fmt.Errorf("scan cache entry: %w", err)
		}
		rels = append(rels, rel)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate cache entries: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear cache index: %w", err)
	}
	for _, rel := range rels {
		if err := os.Remove(filepath.Join(s.dir, rel)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove cached artifact", slog.String("path", rel), slog.String("error", err.Error()))
		}
	}
	s.log.Info("cache cleared", slog.Int("entries", len(rels)))
	return nil
}

// Stats reports entry count and total bytes from the index.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM entries`).Scan(&stats.Count, &stats.TotalBytes)
	if err != nil {
		return Stats{}, fmt.Errorf("read cache stats: %w", err)
	}
	return stats, nil
}

// evictLocked enforces the two ceilings. Each exceeded ceiling triggers
// an LRU sweep down to 80% of its limit. Rows are deleted before files;
// a file that survives a failed delete becomes an orphan for Repair.
func (s *Store) evictLocked(ctx context.Context) error {
	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}

	countTarget := s.cfg.MaxEntries
	if stats.Count > s.cfg.MaxEntries {
		countTarget = s.cfg.MaxEntries * sweepNumerator / sweepDenominator
	}
	bytesTarget := s.cfg.MaxTotalBytes
	if stats.TotalBytes > s.cfg.MaxTotalBytes {
		bytesTarget = s.cfg.MaxTotalBytes * sweepNumerator / sweepDenominator
	}
	if stats.Count <= countTarget && stats.TotalBytes <= bytesTarget {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, rel_path, size_bytes FROM entries ORDER BY last_accessed ASC`)
	if err != nil {
		return fmt.Errorf("list lru entries: %w", err)
	}
	type victim struct {
		key  string
		rel  string
		size int64
	}
	var victims []victim
	count := stats.Count
	total := stats.TotalBytes
	for rows.Next() {
		if count <= countTarget && total <= bytesTarget {
			break
		}
		var v victim
		if err := rows.Scan(&v.key, &v.rel, &v.size); err != nil {
			rows.Close()
			return fmt.Errorf("scan lru entry: %w", err)
		}
		victims = append(victims, v)
		count--
		total -= v.size
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate lru entries: %w", err)
	}

	for _, v := range victims {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, v.key); err != nil {
			return fmt.Errorf("evict index entry: %w", err)
		}
		if err := os.Remove(filepath.Join(s.dir, v.rel)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove evicted artifact",
				slog.String("path", v.rel), slog.String("error", err.Error()))
		}
		if s.evictCounter != nil {
			s.evictCounter.Add(ctx, 1)
		}
		if s.onEvict != nil {
			s.onEvict(v.key, v.size)
		}
	}
	if len(victims) > 0 {
		s.log.Info("cache eviction sweep",
			slog.Int("evicted", len(victims)),
			slog.Int("remaining", count),
			slog.Int64("remaining_bytes", total))
	}
	return nil
}
