package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/mordilloSan/diskexplorer/indexing"
	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
)

func setupTestDB(t *testing.T) (context.Context, *sql.DB, string) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return ctx, db, dbPath
}

func testRecord(path string, size int64) iteminfo.FileRecord {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return iteminfo.FileRecord{
		Path:         path,
		Name:         filepath.Base(path),
		Size:         size,
		CreatedTime:  now,
		ModifiedTime: now,
		FileType:     iteminfo.ExtensionOf(path),
		MimeType:     "text/plain",
		Hash:         "00000000000000ff",
	}
}

func commitRecords(t *testing.T, ctx context.Context, store *Store, root, generation string, records ...iteminfo.FileRecord) indexing.Signature {
	t.Helper()
	sw := store.Begin(ctx, root, generation)
	var sig indexing.Signature
	for _, r := range records {
		if err := sw.Write(r); err != nil {
			t.Fatalf("Write(%s): %v", r.Path, err)
		}
		sig.EntryCount++
		sig.TotalSize += r.Size
	}
	if err := sw.Commit(ctx, CommitInfo{Signature: sig, Mode: "scan", Duration: 1500 * time.Millisecond}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return sig
}

func countRecords(t *testing.T, ctx context.Context, db *sql.DB) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history_records`).Scan(&n); err != nil {
		t.Fatalf("count records: %v", err)
	}
	return n
}

func TestCommitAndLookup(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	video := testRecord("/data/movies/clip.mp4", 4096)
	video.MimeType = "video/mp4"
	video.VideoMetadata = &iteminfo.VideoMetadata{Width: 1920, Height: 1080, Codec: "h264", QualityCategory: "Full HD", Screenshots: []string{}}

	sig := commitRecords(t, ctx, store, "/data", "job-1",
		testRecord("/data/a.txt", 10),
		testRecord("/data/b.txt", 20),
		video,
	)

	entry, err := store.Lookup(ctx, "/data")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.Signature != sig {
		t.Errorf("signature = %v, want %v", entry.Signature, sig)
	}
	if entry.JobID != "job-1" || entry.Mode != "scan" {
		t.Errorf("job/mode = %s/%s", entry.JobID, entry.Mode)
	}
	if entry.RecordCount != 3 || len(entry.Records) != 3 {
		t.Fatalf("records = %d (count %d), want 3", len(entry.Records), entry.RecordCount)
	}
	if entry.DurationMS != 1500 {
		t.Errorf("duration = %d, want 1500", entry.DurationMS)
	}
	got := entry.Records[2]
	if got.Path != video.Path || got.VideoMetadata == nil || got.VideoMetadata.Height != 1080 {
		t.Errorf("video record did not round trip: %+v", got)
	}
	if !got.ModifiedTime.Equal(video.ModifiedTime) {
		t.Errorf("modified time = %v, want %v", got.ModifiedTime, video.ModifiedTime)
	}
}

func TestLookupMissingRoot(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	if _, err := store.Lookup(ctx, "/nowhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup error = %v, want ErrNotFound", err)
	}
}

func TestCommitReplacesPreviousGeneration(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	commitRecords(t, ctx, store, "/data", "job-1", testRecord("/data/a.txt", 10), testRecord("/data/b.txt", 20))
	commitRecords(t, ctx, store, "/data", "job-2", testRecord("/data/c.txt", 30))

	entry, err := store.Lookup(ctx, "/data")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.JobID != "job-2" || len(entry.Records) != 1 || entry.Records[0].Path != "/data/c.txt" {
		t.Fatalf("unexpected entry after replace: %+v", entry)
	}
	if n := countRecords(t, ctx, db); n != 1 {
		t.Errorf("history_records rows = %d, want 1", n)
	}
}

func TestDiscardKeepsCommittedHistory(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	commitRecords(t, ctx, store, "/data", "job-1", testRecord("/data/a.txt", 10))

	sw := store.Begin(ctx, "/data", "job-2")
	for i := 0; i < 3; i++ {
		if err := sw.Write(testRecord(filepath.Join("/data/new", string(rune('a'+i))+".txt"), 1)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	sw.Discard(ctx)

	entry, err := store.Lookup(ctx, "/data")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.JobID != "job-1" || len(entry.Records) != 1 {
		t.Fatalf("discard touched committed history: %+v", entry)
	}
	if n := countRecords(t, ctx, db); n != 1 {
		t.Errorf("history_records rows = %d, want 1", n)
	}
	if err := sw.Write(testRecord("/data/late.txt", 1)); err == nil {
		t.Error("Write after Discard should fail")
	}
}

func TestStreamingWriterBatches(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	records := make([]iteminfo.FileRecord, 0, batchSize+25)
	for i := 0; i < batchSize+25; i++ {
		records = append(records, testRecord(fmt.Sprintf("/big/f/%04d.bin", i), int64(i)))
	}
	commitRecords(t, ctx, store, "/big", "job-big", records...)

	entry, err := store.Lookup(ctx, "/big")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(entry.Records) != batchSize+25 {
		t.Fatalf("records = %d, want %d", len(entry.Records), batchSize+25)
	}
}

func TestOpenDropsUncommittedRecords(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "crash.db")
	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store := NewStoreWithDB(db, dbPath)
	commitRecords(t, ctx, store, "/kept", "job-1", testRecord("/kept/a.txt", 1))

	sw := store.Begin(ctx, "/lost", "job-2")
	if err := sw.Write(testRecord("/lost/a.txt", 1)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := sw.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n := countRecords(t, ctx, db); n != 2 {
		t.Fatalf("rows before reopen = %d, want 2", n)
	}
	_ = db.Close()

	db, err = Open(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db.Close() }()
	if n := countRecords(t, ctx, db); n != 1 {
		t.Fatalf("rows after reopen = %d, want 1", n)
	}
}

func TestInvalidateContaining(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	commitRecords(t, ctx, store, "/data", "job-1", testRecord("/data/a/x.txt", 1))
	commitRecords(t, ctx, store, "/data/a", "job-2", testRecord("/data/a/x.txt", 1))
	commitRecords(t, ctx, store, "/data/ab", "job-3", testRecord("/data/ab/y.txt", 1))
	commitRecords(t, ctx, store, "/other", "job-4", testRecord("/other/z.txt", 1))

	roots, err := store.InvalidateContaining(ctx, "/data/a/x.txt")
	if err != nil {
		t.Fatalf("InvalidateContaining: %v", err)
	}
	sort.Strings(roots)
	if len(roots) != 2 || roots[0] != "/data" || roots[1] != "/data/a" {
		t.Fatalf("invalidated roots = %v", roots)
	}

	for _, root := range []string{"/data", "/data/a"} {
		if _, err := store.Lookup(ctx, root); !errors.Is(err, ErrNotFound) {
			t.Errorf("Lookup(%s) error = %v, want ErrNotFound", root, err)
		}
	}
	for _, root := range []string{"/data/ab", "/other"} {
		if _, err := store.Lookup(ctx, root); err != nil {
			t.Errorf("Lookup(%s): %v", root, err)
		}
	}
}

// waitForStaged blocks until the writer's batches for generation reach the
// database.
func waitForStaged(t *testing.T, ctx context.Context, db *sql.DB, generation string, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if got := countGeneration(t, ctx, db, generation); got == want {
			return
		} else if time.Now().After(deadline) {
			t.Fatalf("staged rows for %s = %d, want %d", generation, got, want)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func countGeneration(t *testing.T, ctx context.Context, db *sql.DB, generation string) int {
	t.Helper()
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history_records WHERE generation = ?`, generation).Scan(&n); err != nil {
		t.Fatalf("count generation: %v", err)
	}
	return n
}

func TestInvalidateDuringStagingSkipsCommit(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)
	commitRecords(t, ctx, store, "/data/a", "job-1", testRecord("/data/a/1.txt", 1), testRecord("/data/a/2.txt", 1))

	sw := store.Begin(ctx, "/data/a", "job-2")
	for i := range 3 {
		if err := sw.Write(testRecord(fmt.Sprintf("/data/a/%d.bin", i), 1)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	waitForStaged(t, ctx, db, "job-2", 3)

	roots, err := store.InvalidateContaining(ctx, "/data/a/other.txt")
	if err != nil {
		t.Fatalf("InvalidateContaining: %v", err)
	}
	if len(roots) != 1 || roots[0] != "/data/a" {
		t.Fatalf("invalidated roots = %v", roots)
	}
	if n := countGeneration(t, ctx, db, "job-1"); n != 0 {
		t.Errorf("committed rows left = %d, want 0", n)
	}
	if n := countGeneration(t, ctx, db, "job-2"); n != 3 {
		t.Errorf("staged rows = %d, want 3", n)
	}

	for i := 3; i < 5; i++ {
		if err := sw.Write(testRecord(fmt.Sprintf("/data/a/%d.bin", i), 1)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	err = sw.Commit(ctx, CommitInfo{Signature: indexing.Signature{TotalSize: 5, EntryCount: 5}, Mode: "scan"})
	if !errors.Is(err, ErrStale) {
		t.Fatalf("Commit error = %v, want ErrStale", err)
	}
	if _, err := store.Lookup(ctx, "/data/a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup error = %v, want ErrNotFound", err)
	}
	if n := countRecords(t, ctx, db); n != 0 {
		t.Errorf("rows after stale commit = %d, want 0", n)
	}

	// The next scan of the root is cached again.
	commitRecords(t, ctx, store, "/data/a", "job-3", testRecord("/data/a/x", 1), testRecord("/data/a/y", 1))
	entry, err := store.Lookup(ctx, "/data/a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.RecordCount != 2 || len(entry.Records) != 2 {
		t.Errorf("record_count = %d, records = %d, want 2", entry.RecordCount, len(entry.Records))
	}
}

func TestInvalidateKeepsRecordsStagedElsewhere(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)
	commitRecords(t, ctx, store, "/data/a", "job-1", testRecord("/data/a/old.txt", 1))

	// A writer on the same database that this store does not track.
	sw := NewStreamingWriter(ctx, db, "/data/a", "job-2", 0)
	for i := range 3 {
		if err := sw.Write(testRecord(fmt.Sprintf("/data/a/%d.bin", i), 1)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	waitForStaged(t, ctx, db, "job-2", 3)

	if err := store.Invalidate(ctx, "/data/a"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	for i := 3; i < 5; i++ {
		if err := sw.Write(testRecord(fmt.Sprintf("/data/a/%d.bin", i), 1)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := sw.Commit(ctx, CommitInfo{Signature: indexing.Signature{TotalSize: 5, EntryCount: 5}, Mode: "scan"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	entry, err := store.Lookup(ctx, "/data/a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if entry.RecordCount != 5 || len(entry.Records) != 5 {
		t.Fatalf("record_count = %d, records served = %d, want 5", entry.RecordCount, len(entry.Records))
	}
}

func TestListRecentRoots(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	commitRecords(t, ctx, store, "/old", "job-1", testRecord("/old/a", 1))
	commitRecords(t, ctx, store, "/new", "job-2", testRecord("/new/a", 1), testRecord("/new/b", 2))
	if _, err := db.ExecContext(ctx, `UPDATE history SET completed_at = completed_at - 3600 WHERE root_path = '/old'`); err != nil {
		t.Fatalf("age history: %v", err)
	}

	roots, err := store.ListRecentRoots(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentRoots: %v", err)
	}
	if len(roots) != 2 || roots[0].RootPath != "/new" || roots[1].RootPath != "/old" {
		t.Fatalf("unexpected order: %+v", roots)
	}
	if roots[0].RecordCount != 2 || roots[0].Signature.TotalSize != 3 {
		t.Errorf("summary = %+v", roots[0])
	}

	limited, err := store.ListRecentRoots(ctx, 1)
	if err != nil {
		t.Fatalf("ListRecentRoots: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d roots", len(limited))
	}
}

func TestAuditLog(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	first := AuditRecord{
		Kind:      "delete",
		Targets:   []string{"/data/a.txt", "/data/b.txt"},
		Method:    "trash",
		Result:    map[string]string{"/data/a.txt": "deleted", "/data/b.txt": "not found"},
		Timestamp: time.Now().Add(-time.Minute),
	}
	second := AuditRecord{
		Kind:        "move",
		Targets:     []string{"/data/c.txt"},
		Destination: "/archive",
		Result:      map[string]string{"/data/c.txt": "/archive/c.txt"},
	}
	for _, rec := range []AuditRecord{first, second} {
		if err := store.AppendAudit(ctx, rec); err != nil {
			t.Fatalf("AppendAudit: %v", err)
		}
	}

	records, err := store.ListAudit(ctx, 10)
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Kind != "move" || records[0].Destination != "/archive" {
		t.Errorf("newest record = %+v", records[0])
	}
	if records[1].Result["/data/b.txt"] != "not found" || len(records[1].Targets) != 2 || records[1].Method != "trash" {
		t.Errorf("oldest record = %+v", records[1])
	}
	if records[0].Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
}

func TestPruneHistory(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	commitRecords(t, ctx, store, "/a", "job-a", testRecord("/a/1", 1), testRecord("/a/2", 1))
	commitRecords(t, ctx, store, "/b", "job-b", testRecord("/b/1", 1))
	commitRecords(t, ctx, store, "/c", "job-c", testRecord("/c/1", 1))
	old := time.Now().Add(-90 * 24 * time.Hour).Unix()
	if _, err := db.ExecContext(ctx, `UPDATE history SET completed_at = ? WHERE root_path IN ('/a', '/b')`, old); err != nil {
		t.Fatalf("age history: %v", err)
	}
	if err := store.AppendAudit(ctx, AuditRecord{Kind: "delete", Timestamp: time.Now().Add(-90 * 24 * time.Hour)}); err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}

	stats, err := PruneHistory(ctx, db, 1, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if stats.DeletedRoots != 2 || stats.DeletedRecords != 3 || stats.DeletedAudit != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if _, err := store.Lookup(ctx, "/c"); err != nil {
		t.Errorf("newest root pruned: %v", err)
	}
}

func TestPruneKeepsStagedRecords(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	commitRecords(t, ctx, store, "/a", "job-a", testRecord("/a/old", 1))
	commitRecords(t, ctx, store, "/c", "job-c", testRecord("/c/1", 1))
	if _, err := db.ExecContext(ctx, `UPDATE history SET completed_at = 0 WHERE root_path = '/a'`); err != nil {
		t.Fatalf("age history: %v", err)
	}

	sw := store.Begin(ctx, "/a", "job-a2")
	for _, name := range []string{"/a/1", "/a/2"} {
		if err := sw.Write(testRecord(name, 1)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	waitForStaged(t, ctx, db, "job-a2", 2)

	stats, err := PruneHistory(ctx, db, 1, time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if stats.DeletedRoots != 1 || stats.DeletedRecords != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if n := countGeneration(t, ctx, db, "job-a2"); n != 2 {
		t.Fatalf("staged rows after prune = %d, want 2", n)
	}

	if err := sw.Commit(ctx, CommitInfo{Signature: indexing.Signature{TotalSize: 2, EntryCount: 2}, Mode: "scan"}); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	entry, err := store.Lookup(ctx, "/a")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if len(entry.Records) != 2 {
		t.Errorf("records = %d, want 2", len(entry.Records))
	}
}

func TestPruneKeepsLatestEvenWhenOld(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)

	commitRecords(t, ctx, store, "/only", "job-1", testRecord("/only/1", 1))
	if _, err := db.ExecContext(ctx, `UPDATE history SET completed_at = 0`); err != nil {
		t.Fatalf("age history: %v", err)
	}

	stats, err := PruneHistory(ctx, db, 0, time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory: %v", err)
	}
	if stats.DeletedRoots != 0 {
		t.Fatalf("deleted %d roots, want 0", stats.DeletedRoots)
	}
}

func TestMaintenanceHelpers(t *testing.T) {
	ctx, db, dbPath := setupTestDB(t)
	store := NewStoreWithDB(db, dbPath)
	commitRecords(t, ctx, store, "/data", "job-1", testRecord("/data/a", 1))

	mode, err := GetJournalMode(ctx, db)
	if err != nil {
		t.Fatalf("GetJournalMode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal mode = %q, want wal", mode)
	}
	if _, err := WALCheckpointTruncate(ctx, db); err != nil {
		t.Errorf("WALCheckpointTruncate: %v", err)
	}
	if _, err := Vacuum(ctx, db); err != nil {
		t.Errorf("Vacuum: %v", err)
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.TotalRoots != 1 || stats.TotalRecords != 1 || stats.DatabaseSize == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	ctx, db, _ := setupTestDB(t)

	if err := initSchema(ctx, db); err != nil {
		t.Fatalf("second initSchema: %v", err)
	}

	rows, err := db.QueryContext(ctx, `PRAGMA table_info(history)`)
	if err != nil {
		t.Fatalf("table_info: %v", err)
	}
	defer func() { _ = rows.Close() }()
	found := map[string]bool{}
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
			t.Fatalf("scan: %v", err)
		}
		found[name] = true
	}
	for _, col := range []string{"record_count", "scan_duration_ms"} {
		if !found[col] {
			t.Errorf("column %s missing", col)
		}
	}
}
