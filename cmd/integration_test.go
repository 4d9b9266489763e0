package cmd

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mordilloSan/diskexplorer/indexing/testhelpers"
	"github.com/mordilloSan/diskexplorer/scanner"
	"github.com/mordilloSan/diskexplorer/storage"
)

// TestScanCacheInvalidationIntegration drives a scan, a cached rescan, a file
// deletion and the rescan it forces through the HTTP API against a real
// database and filesystem.
func TestScanCacheInvalidationIntegration(t *testing.T) {
	cfg := testDaemonConfig(t)
	d, h := newTestDaemon(t, cfg)

	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateStandardTestStructure()

	first := startJobHTTP(t, h, "/scan"+fs.Root)
	snap := waitForJob(t, h, first.JobID)
	if snap.FromCache {
		t.Fatal("first scan should not come from the cache")
	}
	firstResults := fetchResults(t, h, first.JobID)
	if firstResults.Count == 0 {
		t.Fatal("first scan returned no records")
	}

	var history []storage.HistorySummary
	decodeBody(t, doRequest(t, h, http.MethodGet, "/history", ""), &history)
	if len(history) != 1 || history[0].RootPath != fs.Root {
		t.Fatalf("history = %+v, want the scanned root", history)
	}
	if history[0].RecordCount != int64(firstResults.Count) {
		t.Fatalf("history record count = %d, want %d", history[0].RecordCount, firstResults.Count)
	}

	// Unchanged folder: served from history with the same records.
	second := startJobHTTP(t, h, "/scan"+fs.Root)
	if second.JobID == first.JobID {
		t.Fatal("rescan reused the finished job")
	}
	snap = waitForJob(t, h, second.JobID)
	if !snap.FromCache {
		t.Fatal("second scan should come from the cache")
	}
	secondResults := fetchResults(t, h, second.JobID)
	if !sameRecordPaths(firstResults, secondResults) {
		t.Fatalf("cached records differ: %d vs %d", firstResults.Count, secondResults.Count)
	}

	// force=true skips the cache even when nothing changed.
	forced := startJobHTTP(t, h, "/scan"+fs.Root+"?force=true")
	if snap := waitForJob(t, h, forced.JobID); snap.FromCache {
		t.Fatal("forced scan came from the cache")
	}

	// Deleting a file under the root drops its history.
	victim := firstFile(t, firstResults)
	rr := doRequest(t, h, http.MethodPost, "/files/delete?permanent=true", mustJSON(t, []string{victim}))
	var outcome map[string]string
	decodeBody(t, rr, &outcome)
	if outcome[victim] != "deleted" {
		t.Fatalf("delete outcome = %v", outcome)
	}

	decodeBody(t, doRequest(t, h, http.MethodGet, "/history", ""), &history)
	if len(history) != 0 {
		t.Fatalf("history after delete = %+v, want empty", history)
	}

	third := startJobHTTP(t, h, "/scan"+fs.Root)
	if snap := waitForJob(t, h, third.JobID); snap.FromCache {
		t.Fatal("scan after delete should not come from the cache")
	}
	thirdResults := fetchResults(t, h, third.JobID)
	if thirdResults.Count != firstResults.Count-1 {
		t.Fatalf("records after delete = %d, want %d", thirdResults.Count, firstResults.Count-1)
	}
	for _, r := range thirdResults.Records {
		if r.Path == victim {
			t.Fatalf("deleted file %s still reported", victim)
		}
	}

	// The audit log recorded the deletion.
	audit, err := d.store.ListAudit(context.Background(), 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audit) != 1 || audit[0].Kind != "delete" || audit[0].Method != "permanent" {
		t.Fatalf("audit = %+v", audit)
	}
}

// TestFileOperationDuringScanIntegration moves a file out of a root while a
// scan of that root is still running. The scan completes but is not cached,
// and the next scan reflects the move.
func TestFileOperationDuringScanIntegration(t *testing.T) {
	d, h := newTestDaemon(t, nil)
	analyzer := newBlockingAnalyzer()
	useAnalyzer(t, d, analyzer)

	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateVideoFile("movie.mp4", 256*1024)
	fs.CreateFile("notes/a.txt", "alpha")
	fs.CreateFile("notes/b.txt", "beta")
	archive := t.TempDir()

	started := startJobHTTP(t, h, "/scan"+fs.Root)
	select {
	case <-analyzer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("video analysis never started")
	}

	moved := fs.Path("notes/a.txt")
	body := mustJSON(t, map[string]any{"files": []string{moved}, "target_directory": archive})
	if rr := doRequest(t, h, http.MethodPost, "/files/move", body); rr.Code != http.StatusOK {
		t.Fatalf("move status = %d (%s)", rr.Code, rr.Body.String())
	}

	close(analyzer.release)
	if snap := waitForJob(t, h, started.JobID); snap.Status != scanner.StatusComplete {
		t.Fatalf("status = %s, want complete", snap.Status)
	}

	var history []storage.HistorySummary
	decodeBody(t, doRequest(t, h, http.MethodGet, "/history", ""), &history)
	if len(history) != 0 {
		t.Fatalf("history = %+v, want nothing cached for a root changed mid-scan", history)
	}

	rescan := startJobHTTP(t, h, "/scan"+fs.Root)
	if snap := waitForJob(t, h, rescan.JobID); snap.FromCache {
		t.Fatal("rescan came from the cache")
	}
	res := fetchResults(t, h, rescan.JobID)
	for _, r := range res.Records {
		if r.Path == moved {
			t.Fatalf("moved file %s still reported", moved)
		}
	}
	if !hasRecord(res, fs.Path("notes/b.txt")) || !hasRecord(res, fs.Path("movie.mp4")) {
		t.Fatalf("records = %+v", res.Records)
	}

	decodeBody(t, doRequest(t, h, http.MethodGet, "/history", ""), &history)
	if len(history) != 1 || history[0].RecordCount != int64(res.Count) {
		t.Fatalf("history after rescan = %+v, want %d records", history, res.Count)
	}
}

// TestSearchAfterScanIntegration checks that a search over a cached root
// applies its filters to the cached records.
func TestSearchAfterScanIntegration(t *testing.T) {
	_, h := newTestDaemon(t, nil)
	fs := plainTree(t)
	fs.CreateFile("notes/todo.md", "- write tests")

	scan := startJobHTTP(t, h, "/scan"+fs.Root)
	waitForJob(t, h, scan.JobID)
	all := fetchResults(t, h, scan.JobID)

	noFilters := startJobHTTP(t, h, "/search"+fs.Root)
	waitForJob(t, h, noFilters.JobID)
	if got := fetchResults(t, h, noFilters.JobID); !sameRecordPaths(all, got) {
		t.Fatalf("search without filters = %d records, scan = %d", got.Count, all.Count)
	}

	search := startJobHTTP(t, h, "/search"+fs.Root+"?file_types=.md,.txt")
	snap := waitForJob(t, h, search.JobID)
	if !snap.FromCache {
		t.Fatal("search over an unchanged root should use the cache")
	}
	res := fetchResults(t, h, search.JobID)
	if res.Count != 2 {
		t.Fatalf("count = %d, want 2 (%+v)", res.Count, res.Records)
	}
	for _, r := range res.Records {
		if ext := filepath.Ext(r.Path); ext != ".md" && ext != ".txt" {
			t.Fatalf("unexpected record %s", r.Path)
		}
	}
}

// TestMaintenanceIntegration runs a full maintenance pass over a database
// holding history from several scans.
func TestMaintenanceIntegration(t *testing.T) {
	cfg := testDaemonConfig(t)
	cfg.Storage.HistoryKeep = 1
	d, h := newTestDaemon(t, cfg)

	for range 2 {
		fs := plainTree(t)
		started := startJobHTTP(t, h, "/scan"+fs.Root)
		waitForJob(t, h, started.JobID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.runMaintenance(ctx, true); err != nil {
		t.Fatalf("maintenance: %v", err)
	}

	roots, err := d.store.ListRecentRoots(ctx, 10)
	if err != nil {
		t.Fatalf("list roots: %v", err)
	}
	if len(roots) != 1 {
		t.Fatalf("roots after prune = %d, want 1", len(roots))
	}
	if _, err := os.Stat(cfg.Storage.DBPath); err != nil {
		t.Fatalf("database missing after vacuum: %v", err)
	}
}

func sameRecordPaths(a, b resultsResponse) bool {
	if a.Count != b.Count {
		return false
	}
	paths := make(map[string]int64, a.Count)
	for _, r := range a.Records {
		paths[r.Path] = r.Size
	}
	for _, r := range b.Records {
		size, ok := paths[r.Path]
		if !ok || size != r.Size {
			return false
		}
	}
	return true
}

func firstFile(t *testing.T, res resultsResponse) string {
	t.Helper()
	for _, r := range res.Records {
		if !r.IsDirectory {
			return r.Path
		}
	}
	t.Fatal("no file records")
	return ""
}

func hasRecord(res resultsResponse, path string) bool {
	for _, r := range res.Records {
		if r.Path == path {
			return true
		}
	}
	return false
}
