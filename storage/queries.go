package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/diskexplorer/indexing"
	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
)

// Store wraps the database connection
type Store struct {
	db     *sql.DB
	dbPath string

	mu      sync.Mutex
	writers map[*StreamingWriter]struct{}
}

var (
	// ErrNotFound is returned when a root has no committed history.
	ErrNotFound = errors.New("history not found")
	// ErrStale is returned by Commit when the root was invalidated while
	// its records were being staged.
	ErrStale = errors.New("root changed during scan")
)

// NewStore creates a new Store instance and owns the DB handle.
func NewStore(dbPath string) (*Store, error) {
	db, err := Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// NewStoreWithDB reuses an existing database handle (e.g., long-lived server).
// dbPath should be the actual SQLite file path (for stats / size reporting).
func NewStoreWithDB(db *sql.DB, dbPath string) *Store {
	return &Store{db: db, dbPath: dbPath}
}

// Close closes the database connection (only use if Store owns the DB).
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle for reuse (e.g., long-lived servers).
func (s *Store) DB() *sql.DB {
	return s.db
}

// HistorySummary describes the committed scan of one root.
type HistorySummary struct {
	RootPath    string             `json:"root_path"`
	JobID       string             `json:"job_id"`
	Signature   indexing.Signature `json:"signature"`
	RecordCount int64              `json:"record_count"`
	Mode        string             `json:"mode"`
	CompletedAt time.Time          `json:"completed_at"`
	DurationMS  int64              `json:"duration_ms"`
}

// HistoryEntry is a committed scan together with its records.
type HistoryEntry struct {
	HistorySummary
	Records []iteminfo.FileRecord `json:"records"`
}

// Begin starts staging records for a scan of rootPath. The generation is
// normally the job id.
func (s *Store) Begin(ctx context.Context, rootPath, generation string) *StreamingWriter {
	sw := NewStreamingWriter(ctx, s.db, rootPath, generation, 0)
	s.mu.Lock()
	if s.writers == nil {
		s.writers = make(map[*StreamingWriter]struct{})
	}
	s.writers[sw] = struct{}{}
	s.mu.Unlock()
	sw.guard = &s.mu
	sw.release = func() {
		s.mu.Lock()
		delete(s.writers, sw)
		s.mu.Unlock()
	}
	return sw
}

// markStale flags every in-flight writer whose root matches.
func (s *Store) markStale(match func(root string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sw := range s.writers {
		if match(sw.rootPath) {
			sw.stale.Store(true)
		}
	}
}

// Summary returns the history row of rootPath without loading records.
func (s *Store) Summary(ctx context.Context, rootPath string) (*HistorySummary, error) {
	ctx = ensureContext(ctx)

	var (
		summary     HistorySummary
		completedAt int64
		durationMS  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT root_path, generation, total_size, entry_count, record_count, mode, completed_at, scan_duration_ms
		FROM history
		WHERE root_path = ?;
	`, rootPath).Scan(
		&summary.RootPath,
		&summary.JobID,
		&summary.Signature.TotalSize,
		&summary.Signature.EntryCount,
		&summary.RecordCount,
		&summary.Mode,
		&completedAt,
		&durationMS,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query history %s: %w", rootPath, err)
	}
	summary.CompletedAt = time.Unix(completedAt, 0)
	summary.DurationMS = durationMS
	return &summary, nil
}

// Lookup returns the committed history of rootPath with every record.
func (s *Store) Lookup(ctx context.Context, rootPath string) (*HistoryEntry, error) {
	ctx = ensureContext(ctx)

	summary, err := s.Summary(ctx, rootPath)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT record
		FROM history_records
		WHERE root_path = ? AND generation = ?
		ORDER BY id;
	`, rootPath, summary.JobID)
	if err != nil {
		return nil, fmt.Errorf("query history records %s: %w", rootPath, err)
	}
	defer func() { _ = rows.Close() }()

	entry := &HistoryEntry{
		HistorySummary: *summary,
		Records:        make([]iteminfo.FileRecord, 0, summary.RecordCount),
	}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var record iteminfo.FileRecord
		if err := sonic.Unmarshal(body, &record); err != nil {
			return nil, fmt.Errorf("decode history record: %w", err)
		}
		entry.Records = append(entry.Records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entry, nil
}

// ListRecentRoots returns the most recently completed roots, newest first.
func (s *Store) ListRecentRoots(ctx context.Context, limit int) ([]HistorySummary, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT root_path, generation, total_size, entry_count, record_count, mode, completed_at, scan_duration_ms
		FROM history
		ORDER BY completed_at DESC, root_path ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	results := make([]HistorySummary, 0)
	for rows.Next() {
		var (
			summary     HistorySummary
			completedAt int64
			durationMS  int64
		)
		if err := rows.Scan(
			&summary.RootPath,
			&summary.JobID,
			&summary.Signature.TotalSize,
			&summary.Signature.EntryCount,
			&summary.RecordCount,
			&summary.Mode,
			&completedAt,
			&durationMS,
		); err != nil {
			return nil, err
		}
		summary.CompletedAt = time.Unix(completedAt, 0)
		summary.DurationMS = durationMS
		results = append(results, summary)
	}
	return results, rows.Err()
}

// Invalidate removes the committed history of rootPath. Records staged by a
// running scan of the root are left alone, but that scan will not commit.
// Missing roots are not an error.
func (s *Store) Invalidate(ctx context.Context, rootPath string) error {
	ctx = ensureContext(ctx)
	s.markStale(func(root string) bool { return root == rootPath })

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM history_records
		WHERE root_path = ?
		  AND generation IN (SELECT generation FROM history WHERE root_path = ?);
	`, rootPath, rootPath); err != nil {
		return fmt.Errorf("delete history records %s: %w", rootPath, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE root_path = ?;`, rootPath); err != nil {
		return fmt.Errorf("delete history %s: %w", rootPath, err)
	}
	return tx.Commit()
}

// InvalidateContaining removes the history of every root that contains path
// and returns the roots it dropped.
func (s *Store) InvalidateContaining(ctx context.Context, path string) ([]string, error) {
	ctx = ensureContext(ctx)
	s.markStale(func(root string) bool { return iteminfo.IsWithin(root, path) })

	rows, err := s.db.QueryContext(ctx, `SELECT root_path FROM history;`)
	if err != nil {
		return nil, err
	}
	var roots []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if iteminfo.IsWithin(root, path) {
			roots = append(roots, root)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, root := range roots {
		if err := s.Invalidate(ctx, root); err != nil {
			return nil, err
		}
		logger.Debugf("history invalidated root=%s path=%s", root, path)
	}
	return roots, nil
}

// AuditRecord is one entry of the file-operation audit log.
type AuditRecord struct {
	ID          int64             `json:"id"`
	Kind        string            `json:"kind"`
	Targets     []string          `json:"targets"`
	Destination string            `json:"destination,omitempty"`
	Method      string            `json:"method,omitempty"`
	Result      map[string]string `json:"result"`
	Timestamp   time.Time         `json:"timestamp"`
}

// AppendAudit stores an audit record. A zero Timestamp is set to now.
func (s *Store) AppendAudit(ctx context.Context, record AuditRecord) error {
	ctx = ensureContext(ctx)

	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if record.Targets == nil {
		record.Targets = []string{}
	}
	if record.Result == nil {
		record.Result = map[string]string{}
	}

	targets, err := sonic.Marshal(record.Targets)
	if err != nil {
		return fmt.Errorf("encode audit targets: %w", err)
	}
	result, err := sonic.Marshal(record.Result)
	if err != nil {
		return fmt.Errorf("encode audit result: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (kind, targets, destination, method, result, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, record.Kind, string(targets), record.Destination, record.Method, string(result), record.Timestamp.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// ListAudit returns the newest audit records first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, targets, destination, method, result, created_at
		FROM audit_log
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	records := make([]AuditRecord, 0)
	for rows.Next() {
		var (
			record    AuditRecord
			targets   string
			result    string
			createdAt int64
		)
		if err := rows.Scan(&record.ID, &record.Kind, &targets, &record.Destination, &record.Method, &result, &createdAt); err != nil {
			return nil, err
		}
		if err := sonic.UnmarshalString(targets, &record.Targets); err != nil {
			return nil, fmt.Errorf("decode audit targets: %w", err)
		}
		if err := sonic.UnmarshalString(result, &record.Result); err != nil {
			return nil, fmt.Errorf("decode audit result: %w", err)
		}
		record.Timestamp = time.UnixMilli(createdAt)
		records = append(records, record)
	}
	return records, rows.Err()
}

// Stats represents database statistics
type Stats struct {
	TotalRoots   int       `json:"total_roots"`
	TotalRecords int64     `json:"total_records"`
	TotalSize    int64     `json:"total_size"`
	AuditRecords int64     `json:"audit_records"`
	LastScanTime time.Time `json:"last_scan_time"`
	DatabaseSize int64     `json:"database_size"`
	WALSize      int64     `json:"wal_size"`
	SHMSize      int64     `json:"shm_size"`
	TotalOnDisk  int64     `json:"total_on_disk"`
}

// GetStats returns database statistics
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	ctx = ensureContext(ctx)

	var stats Stats
	var lastCompleted sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(record_count), 0),
			COALESCE(SUM(total_size), 0),
			MAX(completed_at)
		FROM history
	`).Scan(&stats.TotalRoots, &stats.TotalRecords, &stats.TotalSize, &lastCompleted)
	if err != nil {
		return nil, err
	}
	if lastCompleted.Valid {
		stats.LastScanTime = time.Unix(lastCompleted.Int64, 0)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&stats.AuditRecords); err != nil {
		return nil, err
	}

	if s.dbPath != "" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			stats.DatabaseSize = fi.Size()
		}
		if fi, err := os.Stat(s.dbPath + "-wal"); err == nil {
			stats.WALSize = fi.Size()
		}
		if fi, err := os.Stat(s.dbPath + "-shm"); err == nil {
			stats.SHMSize = fi.Size()
		}
		stats.TotalOnDisk = stats.DatabaseSize + stats.WALSize + stats.SHMSize
	}

	return &stats, nil
}
