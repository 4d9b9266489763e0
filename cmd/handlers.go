package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mordilloSan/go_logger/logger"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/mordilloSan/diskexplorer/analysis"
	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
	"github.com/mordilloSan/diskexplorer/internal/version"
	"github.com/mordilloSan/diskexplorer/scanner"
	"github.com/mordilloSan/diskexplorer/video"
)

type jobStartedResponse struct {
	JobID    string         `json:"job_id"`
	Status   scanner.Status `json:"status"`
	RootPath string         `json:"root_path"`
	Mode     scanner.Mode   `json:"mode"`
	Attached bool           `json:"attached"`
}

func (d *daemon) handleScan(c *gin.Context) {
	d.startJob(c, scanner.ModeScan)
}

func (d *daemon) handleSearch(c *gin.Context) {
	d.startJob(c, scanner.ModeSearch)
}

func (d *daemon) startJob(c *gin.Context, mode scanner.Mode) {
	q := c.Request.URL.Query()
	force, err := queryBool(q.Get("force"))
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("force: %w", err))
		return
	}

	req := scanner.Request{Root: c.Param("path"), Mode: mode, Force: force}
	if mode == scanner.ModeSearch {
		if req.Filters, err = iteminfo.ParseFilters(q); err != nil {
			writeError(c, http.StatusBadRequest, err)
			return
		}
	}

	job, attached, err := d.scans.Start(req)
	switch {
	case errors.Is(err, scanner.ErrInvalidRoot):
		writeError(c, http.StatusBadRequest, err)
		return
	case errors.Is(err, scanner.ErrJobActive):
		writeError(c, http.StatusConflict, err)
		return
	case err != nil:
		writeError(c, http.StatusInternalServerError, err)
		return
	}

	c.JSON(http.StatusAccepted, jobStartedResponse{
		JobID:    job.ID,
		Status:   job.Status(),
		RootPath: job.RootPath,
		Mode:     job.Mode,
		Attached: attached,
	})
}

// lookupJob resolves the job_id query parameter (latest job when absent) and
// writes a 404 when there is none.
func (d *daemon) lookupJob(c *gin.Context) (*scanner.Job, bool) {
	job, err := d.scans.Get(strings.TrimSpace(c.Query("job_id")))
	if err != nil {
		writeError(c, http.StatusNotFound, err)
		return nil, false
	}
	return job, true
}

func (d *daemon) handleProgress(c *gin.Context) {
	job, ok := d.lookupJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, job.Snapshot())
}

type resultsResponse struct {
	JobID     string                `json:"job_id"`
	RootPath  string                `json:"root_path"`
	Status    scanner.Status        `json:"status"`
	FromCache bool                  `json:"from_cache"`
	Error     string                `json:"error,omitempty"`
	Count     int                   `json:"count"`
	Records   []iteminfo.FileRecord `json:"records"`
}

// finishedResults returns the records of a terminal job, or writes a 409
// while it is still running.
func finishedResults(c *gin.Context, job *scanner.Job) ([]iteminfo.FileRecord, scanner.Snapshot, bool) {
	records, status := job.Results()
	snap := job.Snapshot()
	if !status.Terminal() {
		c.JSON(http.StatusConflict, gin.H{
			"error":    "job is still running",
			"job_id":   job.ID,
			"status":   status,
			"progress": snap.ProgressPercentage,
		})
		return nil, snap, false
	}
	if records == nil {
		records = []iteminfo.FileRecord{}
	}
	return records, snap, true
}

func (d *daemon) handleResults(c *gin.Context) {
	job, ok := d.lookupJob(c)
	if !ok {
		return
	}
	records, snap, ok := finishedResults(c, job)
	if !ok {
		return
	}
	if err := iteminfo.SortRecords(records, c.Query("sort")); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	c.JSON(http.StatusOK, resultsResponse{
		JobID:     job.ID,
		RootPath:  job.RootPath,
		Status:    snap.Status,
		FromCache: snap.FromCache,
		Error:     snap.Error,
		Count:     len(records),
		Records:   records,
	})
}

func (d *daemon) handleCancel(c *gin.Context) {
	job, err := d.scans.Cancel(strings.TrimSpace(c.Query("job_id")))
	if err != nil {
		writeError(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, job.Snapshot())
}

func (d *daemon) handleHistory(c *gin.Context) {
	limit := queryInt(c.Query("limit"), 20, 1)
	roots, err := d.store.ListRecentRoots(c.Request.Context(), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, roots)
}

func (d *daemon) handleInsights(c *gin.Context) {
	job, ok := d.lookupJob(c)
	if !ok {
		return
	}
	if _, _, ok := finishedResults(c, job); !ok {
		return
	}
	in, err := d.scans.Insights(job.ID, queryInt(c.Query("top"), 10, 1))
	if err != nil {
		writeError(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusOK, in)
}

func (d *daemon) handleDuplicates(c *gin.Context) {
	job, ok := d.lookupJob(c)
	if !ok {
		return
	}
	records, _, ok := finishedResults(c, job)
	if !ok {
		return
	}
	groups := scanner.FindDuplicates(records)
	var wasted int64
	for _, g := range groups {
		wasted += g.Wasted
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":         job.ID,
		"groups":         groups,
		"similar_images": scanner.FindSimilarImages(records),
		"wasted":         wasted,
	})
}

func (d *daemon) handleThumbnail(c *gin.Context) {
	path := strings.TrimSpace(c.Query("path"))
	if path == "" || !filepath.IsAbs(path) {
		writeError(c, http.StatusBadRequest, errors.New("path must be absolute"))
		return
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		writeError(c, http.StatusNotFound, fmt.Errorf("no such file: %s", path))
		return
	}
	_, mimeType := analysis.Classify(path)
	if !strings.HasPrefix(mimeType, "image/") {
		writeError(c, http.StatusBadRequest, fmt.Errorf("not an image: %s", mimeType))
		return
	}
	thumb, err := analysis.MakeThumbnail(path, mimeType, queryInt(c.Query("width"), analysis.DefaultThumbnailWidth, 1))
	if err != nil {
		writeError(c, http.StatusUnprocessableEntity, err)
		return
	}
	c.JSON(http.StatusOK, thumb)
}

func (d *daemon) handleAudit(c *gin.Context) {
	records, err := d.store.ListAudit(c.Request.Context(), queryInt(c.Query("limit"), 50, 1))
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

func (d *daemon) handleVacuum(c *gin.Context) {
	if !d.tryLockMaintenance() {
		writeError(c, http.StatusConflict, errMaintenanceRunning)
		return
	}
	go func() {
		defer d.unlockMaintenance()
		ctx, cancel := context.WithTimeout(context.Background(), time.Hour)
		defer cancel()
		if err := d.maintain(ctx, true); err != nil {
			logger.Errorf("vacuum failed: %v", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"status": "running"})
}

func (d *daemon) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Get()})
}

func (d *daemon) handleStatus(c *gin.Context) {
	ctx := c.Request.Context()
	active := d.scans.ActiveCount()

	var resp struct {
		Status       string           `json:"status"`
		Version      version.Info     `json:"version"`
		Uptime       float64          `json:"uptime_seconds"`
		ActiveJobs   int              `json:"active_jobs"`
		Jobs         int              `json:"jobs"`
		Maintenance  bool             `json:"maintenance_running"`
		TrashEnabled bool             `json:"trash_enabled"`
		TotalRoots   int              `json:"total_roots"`
		TotalRecords int64            `json:"total_records"`
		TotalSize    int64            `json:"total_size"`
		LastScan     string           `json:"last_scan,omitempty"`
		AuditRecords int64            `json:"audit_records"`
		DatabaseSize int64            `json:"database_size"`
		WALSize      int64            `json:"wal_size"`
		SHMSize      int64            `json:"shm_size"`
		TotalOnDisk  int64            `json:"total_on_disk"`
		RSSBytes     uint64           `json:"rss_bytes"`
		GoAllocBytes uint64           `json:"go_alloc_bytes"`
		GoSysBytes   uint64           `json:"go_sys_bytes"`
		GoNumGC      uint32           `json:"go_num_gc"`
		GoRoutines   int              `json:"goroutines"`
		Quality      video.Thresholds `json:"quality_thresholds"`
		Warning      string           `json:"warning,omitempty"`
	}

	resp.Status = "idle"
	if active > 0 {
		resp.Status = "scanning"
	}
	resp.Version = version.Get()
	resp.Uptime = time.Since(d.startedAt).Truncate(time.Second).Seconds()
	resp.ActiveJobs = active
	resp.Jobs = len(d.scans.Jobs())
	resp.Maintenance = d.maintaining.Load()
	resp.TrashEnabled = d.files.TrashEnabled()
	resp.Quality = d.classifier.Thresholds()

	addWarning := func(msg string) {
		if resp.Warning == "" {
			resp.Warning = msg
		} else {
			resp.Warning += "; " + msg
		}
	}

	stats, err := d.store.GetStats(ctx)
	if err != nil {
		if active == 0 {
			writeError(c, http.StatusInternalServerError, fmt.Errorf("error loading stats: %w", err))
			return
		}
		// Busy writers may hold the database; status should still answer.
		addWarning(fmt.Sprintf("stats unavailable: %v", err))
		logger.Warnf("Status: stats unavailable while scanning: %v", err)
	}
	if stats != nil {
		resp.TotalRoots = stats.TotalRoots
		resp.TotalRecords = stats.TotalRecords
		resp.TotalSize = stats.TotalSize
		resp.AuditRecords = stats.AuditRecords
		resp.DatabaseSize = stats.DatabaseSize
		resp.WALSize = stats.WALSize
		resp.SHMSize = stats.SHMSize
		resp.TotalOnDisk = stats.TotalOnDisk
		if !stats.LastScanTime.IsZero() {
			resp.LastScan = stats.LastScanTime.UTC().Format(time.RFC3339)
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.GoAllocBytes = ms.Alloc
	resp.GoSysBytes = ms.Sys
	resp.GoNumGC = ms.NumGC
	resp.GoRoutines = runtime.NumGoroutine()

	if rss, err := selfRSSBytes(ctx); err != nil {
		addWarning(fmt.Sprintf("rss unavailable: %v", err))
	} else {
		resp.RSSBytes = rss
	}

	c.JSON(http.StatusOK, resp)
}

func selfRSSBytes(ctx context.Context) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}

func writeError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// queryInt parses an integer query parameter with default and minimum value.
func queryInt(q string, def int, min int) int {
	if q == "" {
		return def
	}
	v, err := strconv.Atoi(q)
	if err != nil || v < min {
		return def
	}
	return v
}

func queryBool(q string) (bool, error) {
	if q == "" {
		return false, nil
	}
	return strconv.ParseBool(q)
}
