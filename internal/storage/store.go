package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eldersvr/onboard/pkg/types"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Store keeps the local cache index and the deployment history in one
// sqlite database.
type Store struct {
	db *sql.DB
}

// CacheEntry records a completed fetch into a cache slot.
type CacheEntry struct {
	Key       string
	AssetID   string
	Quality   types.Quality
	Path      string
	Size      int64
	Digest    string
	FetchedAt time.Time
}

// Run is one deployment invocation.
type Run struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	ExitCode   int
}

// TransferRecord is the stored outcome of one transfer task.
type TransferRecord struct {
	RunID       string
	Serial      string
	AssetKey    string
	AssetID     string
	Destination string
	Status      types.TransferStatus
	Reason      string
	RecordedAt  time.Time
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Download workers and device passes share the store; one connection
	// keeps sqlite from returning SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.initTables(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *Store) initTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		asset_id TEXT NOT NULL,
		quality TEXT NOT NULL,
		path TEXT NOT NULL,
		size INTEGER NOT NULL,
		digest TEXT NOT NULL,
		fetched_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0,
		exit_code INTEGER NOT NULL DEFAULT -1
	);

	CREATE TABLE IF NOT EXISTS transfers (
		run_id TEXT NOT NULL,
		serial TEXT NOT NULL,
		asset_key TEXT NOT NULL,
		asset_id TEXT NOT NULL,
		destination TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, serial, asset_key)
	);

	CREATE INDEX IF NOT EXISTS idx_cache_entries_path ON cache_entries(path);
	CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) PutCacheEntry(entry *CacheEntry) error {
	query := `
	INSERT OR REPLACE INTO cache_entries (key, asset_id, quality, path, size, digest, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		entry.Key,
		entry.AssetID,
		string(entry.Quality),
		entry.Path,
		entry.Size,
		entry.Digest,
		entry.FetchedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("storing cache entry %s: %w", entry.Key, err)
	}
	return nil
}

func (s *Store) GetCacheEntry(key string) (*CacheEntry, error) {
	query := `SELECT key, asset_id, quality, path, size, digest, fetched_at FROM cache_entries WHERE key = ?`

	entry, err := scanCacheEntry(s.db.QueryRow(query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return entry, err
}

func (s *Store) ListCacheEntries() ([]*CacheEntry, error) {
	query := `SELECT key, asset_id, quality, path, size, digest, fetched_at FROM cache_entries ORDER BY key`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*CacheEntry
	for rows.Next() {
		entry, err := scanCacheEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// DeleteCacheEntriesByPath drops index rows pointing at path and reports
// how many were removed.
func (s *Store) DeleteCacheEntriesByPath(path string) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM cache_entries WHERE path = ?`, path)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCacheEntry(row rowScanner) (*CacheEntry, error) {
	var entry CacheEntry
	var quality string
	var fetchedAt int64

	err := row.Scan(
		&entry.Key,
		&entry.AssetID,
		&quality,
		&entry.Path,
		&entry.Size,
		&entry.Digest,
		&fetchedAt,
	)
	if err != nil {
		return nil, err
	}

	entry.Quality = types.Quality(quality)
	entry.FetchedAt = time.Unix(0, fetchedAt).UTC()
	return &entry, nil
}

func (s *Store) BeginRun(id string, startedAt time.Time) error {
	_, err := s.db.Exec(`INSERT INTO runs (id, started_at) VALUES (?, ?)`, id, startedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording run %s: %w", id, err)
	}
	return nil
}

func (s *Store) FinishRun(id string, finishedAt time.Time, exitCode int) error {
	_, err := s.db.Exec(`UPDATE runs SET finished_at = ?, exit_code = ? WHERE id = ?`,
		finishedAt.UnixNano(), exitCode, id)
	return err
}

// LastRun returns the most recently started run.
func (s *Store) LastRun() (*Run, error) {
	return s.latestRun(`SELECT id, started_at, finished_at, exit_code FROM runs ORDER BY started_at DESC LIMIT 1`)
}

// LastDeployment returns the most recently started run that recorded at
// least one transfer. Runs that stopped early or only downloaded are
// passed over.
func (s *Store) LastDeployment() (*Run, error) {
	return s.latestRun(`SELECT id, started_at, finished_at, exit_code FROM runs
		WHERE EXISTS (SELECT 1 FROM transfers WHERE transfers.run_id = runs.id)
		ORDER BY started_at DESC LIMIT 1`)
}

func (s *Store) latestRun(query string) (*Run, error) {
	var run Run
	var startedAt, finishedAt int64
	err := s.db.QueryRow(query).Scan(&run.ID, &startedAt, &finishedAt, &run.ExitCode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.StartedAt = time.Unix(0, startedAt).UTC()
	if finishedAt > 0 {
		run.FinishedAt = time.Unix(0, finishedAt).UTC()
	}
	return &run, nil
}

// RecordTransfers stores the final status of every task from a pass.
func (s *Store) RecordTransfers(runID string, tasks []*types.TransferTask, recordedAt time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
	INSERT OR REPLACE INTO transfers (run_id, serial, asset_key, asset_id, destination, status, reason, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, task := range tasks {
		_, err := stmt.Exec(
			runID,
			task.Device.Serial,
			task.Asset.Key(),
			task.Asset.ID,
			task.DestinationPath,
			string(task.Status),
			task.Reason,
			recordedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("recording transfer %s: %w", task.ID(), err)
		}
	}

	return tx.Commit()
}

// Transfers returns the recorded tasks of a run, optionally limited to
// the given statuses.
func (s *Store) Transfers(runID string, statuses ...types.TransferStatus) ([]*TransferRecord, error) {
	query := `SELECT run_id, serial, asset_key, asset_id, destination, status, reason, recorded_at
	FROM transfers WHERE run_id = ? ORDER BY serial, asset_key`

	rows, err := s.db.Query(query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	wanted := make(map[types.TransferStatus]bool, len(statuses))
	for _, status := range statuses {
		wanted[status] = true
	}

	var records []*TransferRecord
	for rows.Next() {
		var record TransferRecord
		var status string
		var recordedAt int64
		err := rows.Scan(
			&record.RunID,
			&record.Serial,
			&record.AssetKey,
			&record.AssetID,
			&record.Destination,
			&status,
			&record.Reason,
			&recordedAt,
		)
		if err != nil {
			return nil, err
		}
		record.Status = types.TransferStatus(status)
		record.RecordedAt = time.Unix(0, recordedAt).UTC()

		if len(wanted) > 0 && !wanted[record.Status] {
			continue
		}
		records = append(records, &record)
	}

	return records, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
