package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

type WALCheckpointStats struct {
	Busy         int
	Log          int
	Checkpointed int
	Duration     time.Duration
}

// WALCheckpointTruncate checkpoints the WAL and truncates the -wal file.
// This helps prevent unbounded WAL growth in long-running processes.
func WALCheckpointTruncate(ctx context.Context, db *sql.DB) (WALCheckpointStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return WALCheckpointStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	var stats WALCheckpointStats
	err := db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`).Scan(&stats.Busy, &stats.Log, &stats.Checkpointed)
	stats.Duration = time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		return WALCheckpointStats{}, err
	}
	return stats, nil
}

type VacuumStats struct {
	Duration time.Duration
}

// Vacuum rebuilds the SQLite database file to reclaim free space and defragment pages.
// Note: VACUUM requires an exclusive lock and can be slow on large databases.
func Vacuum(ctx context.Context, db *sql.DB) (VacuumStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return VacuumStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	if _, err := db.ExecContext(ctx, `VACUUM;`); err != nil {
		return VacuumStats{}, err
	}
	return VacuumStats{Duration: time.Since(start).Truncate(time.Millisecond)}, nil
}

// PruneStats holds statistics about the pruning operation
type PruneStats struct {
	DeletedRoots   int
	DeletedRecords int64
	DeletedAudit   int64
	Duration       time.Duration
}

// PruneHistory removes history entries completed before the retention period.
// Records staged by scans that have not committed are kept.
// keepLatest specifies how many most recent roots to always keep (minimum 1).
// Audit records older than maxAge are dropped as well.
func PruneHistory(ctx context.Context, db *sql.DB, keepLatest int, maxAge time.Duration) (PruneStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return PruneStats{}, fmt.Errorf("db is nil")
	}
	if keepLatest < 1 {
		keepLatest = 1
	}

	start := time.Now()
	var stats PruneStats
	cutoff := time.Now().Add(-maxAge)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return PruneStats{}, err
	}
	defer func() { _ = tx.Rollback() }()

	const staleRoots = `
		SELECT root_path FROM history
		WHERE root_path NOT IN (
			SELECT root_path FROM history ORDER BY completed_at DESC LIMIT ?
		)
		AND completed_at < ?`

	result, err := tx.ExecContext(ctx, `
		DELETE FROM history_records
		WHERE generation IN (SELECT generation FROM history WHERE root_path IN (`+staleRoots+`));
	`, keepLatest, cutoff.Unix())
	if err != nil {
		return PruneStats{}, fmt.Errorf("delete old history records: %w", err)
	}
	if stats.DeletedRecords, err = result.RowsAffected(); err != nil {
		return PruneStats{}, fmt.Errorf("get rows affected: %w", err)
	}

	result, err = tx.ExecContext(ctx, `
		DELETE FROM history WHERE root_path IN (`+staleRoots+`);
	`, keepLatest, cutoff.Unix())
	if err != nil {
		return PruneStats{}, fmt.Errorf("delete old history: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return PruneStats{}, fmt.Errorf("get rows affected: %w", err)
	}
	stats.DeletedRoots = int(deleted)

	result, err = tx.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff.UTC().UnixMilli())
	if err != nil {
		return PruneStats{}, fmt.Errorf("delete old audit records: %w", err)
	}
	if stats.DeletedAudit, err = result.RowsAffected(); err != nil {
		return PruneStats{}, fmt.Errorf("get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PruneStats{}, err
	}
	stats.Duration = time.Since(start).Truncate(time.Millisecond)

	// Run incremental vacuum to reclaim space
	if _, err := db.ExecContext(ctx, `PRAGMA incremental_vacuum;`); err != nil {
		// Log warning but don't fail the operation
		logger.Warnf("Incremental vacuum failed after pruning: %v", err)
	}

	return stats, nil
}
