package cache

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// RepairReport summarizes what a diagnostics pass removed.
type RepairReport struct {
	OrphanFilesRemoved     int
	DanglingEntriesRemoved int
	CorruptEntriesRemoved  int
}

// Repair cross-checks the index against the cache directory and removes
// both orphan files (on disk, absent from the index) and dangling or
// undersized index entries. It only ever deletes state that is already
// inconsistent, so it is safe to run at any time, including while lookups
// are being served. The index rewrite happens in one transaction.
func (s *Store) Repair(ctx context.Context) (RepairReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var report RepairReport

	if err := s.probeWritable(ctx); err != nil {
		return report, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("begin repair transaction: %w", err)
	}
	defer tx.Rollback()

	indexed, err := loadEntries(ctx, tx)
	if err != nil {
		return report, err
	}

	files, err := os.ReadDir(s.dir)
	if err != nil {
		return report, fmt.Errorf("scan cache dir: %w", err)
	}

	onDisk := make(map[string]int64)
	for _, entry := range files {
		if entry.IsDir() || !isArtifactName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		onDisk[entry.Name()] = info.Size()
	}

	for name := range onDisk {
		if _, ok := indexed[name]; ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			s.log.Warn("failed to remove orphan artifact",
				slog.String("path", name), slog.String("error", err.Error()))
			continue
		}
		report.OrphanFilesRemoved++
	}

	for rel, key := range indexed {
		size, exists := onDisk[rel]
		switch {
		case !exists:
			if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
				return report, fmt.Errorf("remove dangling entry: %w", err)
			}
			report.DanglingEntriesRemoved++
		case size < minArtifactBytes:
			if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
				return report, fmt.Errorf("remove corrupt entry: %w", err)
			}
			if err := os.Remove(filepath.Join(s.dir, rel)); err != nil && !os.IsNotExist(err) {
				s.log.Warn("failed to remove corrupt artifact",
					slog.String("path", rel), slog.String("error", err.Error()))
			}
			report.CorruptEntriesRemoved++
		}
	}

	if err := tx.Commit(); err != nil {
		return report, fmt.Errorf("commit repair transaction: %w", err)
	}

	if report.OrphanFilesRemoved+report.DanglingEntriesRemoved+report.CorruptEntriesRemoved > 0 {
		s.log.Info("cache repaired",
			slog.Int("orphan_files", report.OrphanFilesRemoved),
			slog.Int("dangling_entries", report.DanglingEntriesRemoved),
			slog.Int("corrupt_entries", report.CorruptEntriesRemoved))
	}
	return report, nil
}

func (s *Store) probeWritable(ctx context.Context) error {
	probe := filepath.Join(s.dir, ".repair-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("cache dir not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return fmt.Errorf("cache dir not writable: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `SELECT 1`); err != nil {
		return fmt.Errorf("cache index not readable: %w", err)
	}
	return nil
}

func loadEntries(ctx context.Context, tx *sql.Tx) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT key, rel_path FROM entries`)
	if err != nil {
		return nil, fmt.Errorf("list index entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]string)
	for rows.Next() {
		var key, rel string
		if err := rows.Scan(&key, &rel); err != nil {
			return nil, fmt.Errorf("scan index entry: %w", err)
		}
		entries[rel] = key
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index entries: %w", err)
	}
	return entries, nil
}
