package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	_ "github.com/mattn/go-sqlite3"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/diskexplorer/indexing"
	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
)

const (
	defaultDBPath = "diskexplorer.db"
	busyTimeoutMS = 5000
	schemaTimeout = 30 * time.Second
	batchSize     = 500
	batchTimeout  = 1 * time.Second
)

// StreamingWriter accepts records via a channel and stages them in the
// database in batches under a generation (the scan's job id). Nothing it
// writes is visible to Lookup until Commit swaps the generation in.
type StreamingWriter struct {
	db         *sql.DB
	rootPath   string
	generation string
	recordCh   chan iteminfo.FileRecord
	doneCh     chan error
	ctx        context.Context
	cancel     context.CancelFunc
	errVal     atomic.Value
	written    atomic.Int64

	closeOnce sync.Once
	closeErr  error

	// Set by Store.Begin. guard serializes Commit with invalidation.
	guard       sync.Locker
	stale       atomic.Bool
	release     func()
	releaseOnce sync.Once
}

// NewStreamingWriter creates a writer that batches records and commits periodically.
// The provided ctx allows callers to cancel the writer even if Commit is not reached.
func NewStreamingWriter(ctx context.Context, db *sql.DB, rootPath, generation string, bufferSize int) *StreamingWriter {
	if ctx == nil {
		ctx = context.Background()
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	ctx, cancel := context.WithCancel(ctx)
	sw := &StreamingWriter{
		db:         db,
		rootPath:   rootPath,
		generation: generation,
		recordCh:   make(chan iteminfo.FileRecord, bufferSize),
		doneCh:     make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
	go sw.run()
	return sw
}

// Write sends a record to be staged.
func (sw *StreamingWriter) Write(record iteminfo.FileRecord) error {
	if err := sw.ctx.Err(); err != nil {
		if v, ok := sw.errVal.Load().(error); ok && v != nil {
			return v
		}
		return err
	}
	select {
	case sw.recordCh <- record:
		return nil
	case <-sw.ctx.Done():
		if v, ok := sw.errVal.Load().(error); ok && v != nil {
			return v
		}
		return sw.ctx.Err()
	}
}

// Written returns the number of records staged so far.
func (sw *StreamingWriter) Written() int64 {
	return sw.written.Load()
}

// Generation returns the generation this writer stages under.
func (sw *StreamingWriter) Generation() string {
	return sw.generation
}

// close signals completion and waits for all pending writes to finish.
func (sw *StreamingWriter) close() error {
	sw.closeOnce.Do(func() {
		close(sw.recordCh)
		sw.closeErr = <-sw.doneCh
		sw.cancel()
	})
	return sw.closeErr
}

// CommitInfo describes the scan being committed.
type CommitInfo struct {
	Signature indexing.Signature
	Mode      string
	Duration  time.Duration
}

// Commit flushes pending records and atomically replaces the root's history
// entry with this generation. It returns ErrStale, and keeps nothing, when
// the root was invalidated after staging began.
func (sw *StreamingWriter) Commit(ctx context.Context, info CommitInfo) (err error) {
	ctx = ensureContext(ctx)
	defer sw.unregister()
	if err := sw.close(); err != nil {
		sw.dropGeneration(ctx)
		return fmt.Errorf("stage records: %w", err)
	}

	if sw.guard != nil {
		sw.guard.Lock()
		defer sw.guard.Unlock()
	}
	if sw.stale.Load() {
		sw.dropGeneration(ctx)
		return ErrStale
	}

	tx, err := sw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `
		DELETE FROM history_records
		WHERE root_path = ?
		  AND generation IN (SELECT generation FROM history WHERE root_path = ? AND generation != ?);
	`, sw.rootPath, sw.rootPath, sw.generation); err != nil {
		return err
	}

	if _, err = tx.ExecContext(ctx, `
		INSERT INTO history (
			root_path, generation, total_size, entry_count, record_count, mode, completed_at, scan_duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(root_path) DO UPDATE SET
			generation = excluded.generation,
			total_size = excluded.total_size,
			entry_count = excluded.entry_count,
			record_count = excluded.record_count,
			mode = excluded.mode,
			completed_at = excluded.completed_at,
			scan_duration_ms = excluded.scan_duration_ms;
	`,
		sw.rootPath,
		sw.generation,
		info.Signature.TotalSize,
		info.Signature.EntryCount,
		sw.written.Load(),
		info.Mode,
		time.Now().UTC().Unix(),
		info.Duration.Milliseconds(),
	); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return err
	}
	logger.Debugf("history committed root=%s generation=%s records=%d", sw.rootPath, sw.generation, sw.written.Load())
	return nil
}

// Discard stops the writer and removes everything it staged.
func (sw *StreamingWriter) Discard(ctx context.Context) {
	defer sw.unregister()
	sw.cancel()
	_ = sw.close()
	sw.dropGeneration(ensureContext(ctx))
}

func (sw *StreamingWriter) unregister() {
	sw.releaseOnce.Do(func() {
		if sw.release != nil {
			sw.release()
		}
	})
}

func (sw *StreamingWriter) dropGeneration(ctx context.Context) {
	if _, err := sw.db.ExecContext(ctx, `
		DELETE FROM history_records
		WHERE root_path = ? AND generation = ?
		  AND generation NOT IN (SELECT generation FROM history WHERE root_path = ?);
	`, sw.rootPath, sw.generation, sw.rootPath); err != nil {
		logger.Warnf("Failed to drop staged records root=%s generation=%s: %v", sw.rootPath, sw.generation, err)
	}
}

// run is the background goroutine that batches and writes records.
func (sw *StreamingWriter) run() {
	var err error
	defer func() {
		if err != nil {
			sw.errVal.Store(err)
		}
		sw.doneCh <- err
		sw.cancel()
	}()

	batch := make([]iteminfo.FileRecord, 0, batchSize)
	ticker := time.NewTicker(batchTimeout)
	defer ticker.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if e := sw.writeBatch(batch); e != nil {
			return e
		}
		sw.written.Add(int64(len(batch)))
		// Clear backing array to release references
		for i := range batch {
			batch[i] = iteminfo.FileRecord{}
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case record, ok := <-sw.recordCh:
			if !ok {
				// Channel closed, flush remaining and exit
				err = flush()
				return
			}
			batch = append(batch, record)
			if len(batch) >= batchSize {
				if err = flush(); err != nil {
					return
				}
			}
		case <-ticker.C:
			if err = flush(); err != nil {
				return
			}
		case <-sw.ctx.Done():
			err = sw.ctx.Err()
			return
		}
	}
}

// writeBatch writes a batch of records within a single transaction.
func (sw *StreamingWriter) writeBatch(batch []iteminfo.FileRecord) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := sw.db.BeginTx(sw.ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = insertRecordsBatch(sw.ctx, tx, sw.rootPath, sw.generation, batch)
	if err != nil {
		return err
	}

	err = tx.Commit()
	return err
}

// Open creates (or reuses) a SQLite database and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = defaultDBPath
	}
	// WAL keeps history lookups readable while a scan streams its records.
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on&_journal_mode=WAL&_synchronous=NORMAL&_auto_vacuum=INCREMENTAL", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode=WAL;`).Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	if n, err := dropUncommittedRecords(ctx, db); err != nil {
		logger.Warnf("Failed to drop uncommitted records: %v", err)
	} else if n > 0 {
		logger.Infof("Dropped %d records left by interrupted scans", n)
	}

	return db, nil
}

// GetJournalMode returns the SQLite journal mode for the provided database.
func GetJournalMode(ctx context.Context, db *sql.DB) (string, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return "", fmt.Errorf("db is nil")
	}

	var mode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode;`).Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS history (
			root_path TEXT PRIMARY KEY,
			generation TEXT NOT NULL,
			total_size INTEGER NOT NULL DEFAULT 0,
			entry_count INTEGER NOT NULL DEFAULT 0,
			mode TEXT NOT NULL DEFAULT 'scan',
			completed_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS history_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			root_path TEXT NOT NULL,
			generation TEXT NOT NULL,
			path TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			is_dir INTEGER NOT NULL DEFAULT 0,
			hash TEXT NOT NULL DEFAULT '',
			record BLOB NOT NULL
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_history_records_path ON history_records(root_path, generation, path);`,
		`CREATE INDEX IF NOT EXISTS idx_history_records_hash ON history_records(hash) WHERE hash != '';`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			targets TEXT NOT NULL,
			destination TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_created ON audit_log(created_at);`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	if err := ensureColumn(ctx, db, "history", "record_count", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(ctx, db, "history", "scan_duration_ms", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(ctx, db, "audit_log", "method", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	return nil
}

func ensureColumn(ctx context.Context, db *sql.DB, table, column, definition string) error {
	query := fmt.Sprintf(`PRAGMA table_info(%s);`, table)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, definition)
	_, err = db.ExecContext(ctx, stmt)
	return err
}

// dropUncommittedRecords removes rows staged by scans that never committed.
// Only safe while no writer is active, i.e. at startup.
func dropUncommittedRecords(ctx context.Context, db *sql.DB) (int64, error) {
	result, err := db.ExecContext(ctx, `
		DELETE FROM history_records
		WHERE NOT EXISTS (
			SELECT 1 FROM history h
			WHERE h.root_path = history_records.root_path AND h.generation = history_records.generation
		);
	`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func insertRecordsBatch(ctx context.Context, tx *sql.Tx, rootPath, generation string, batch []iteminfo.FileRecord) error {
	if len(batch) == 0 {
		return nil
	}

	const insertPrefix = `
INSERT INTO history_records (
	root_path,
	generation,
	path,
	size,
	is_dir,
	hash,
	record
) VALUES `
	const singlePlaceholder = "(?, ?, ?, ?, ?, ?, ?)"
	const upsertSuffix = `
ON CONFLICT(root_path, generation, path) DO UPDATE SET
	size = excluded.size,
	is_dir = excluded.is_dir,
	hash = excluded.hash,
	record = excluded.record;
`

	var builder strings.Builder
	builder.Grow(len(insertPrefix) + len(singlePlaceholder)*len(batch) + len(batch) + len(upsertSuffix))
	builder.WriteString(insertPrefix)

	args := make([]any, 0, len(batch)*7)
	for i, record := range batch {
		body, err := sonic.Marshal(record)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", record.Path, err)
		}
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(singlePlaceholder)
		args = append(args,
			rootPath,
			generation,
			record.Path,
			record.Size,
			boolToInt(record.IsDirectory),
			record.Hash,
			body,
		)
	}

	builder.WriteString(upsertSuffix)

	_, err := tx.ExecContext(ctx, builder.String(), args...)
	return err
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// ReleaseSQLiteMemory forces SQLite to release cached memory.
// Call this after heavy write operations to return memory to the OS.
func ReleaseSQLiteMemory(ctx context.Context, db *sql.DB) error {
	ctx = ensureContext(ctx)

	if _, err := db.ExecContext(ctx, `PRAGMA shrink_memory;`); err != nil {
		logger.Warnf("Failed to shrink SQLite memory: %v", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA optimize;`); err != nil {
		logger.Warnf("Failed to optimize SQLite: %v", err)
	}
	return nil
}
