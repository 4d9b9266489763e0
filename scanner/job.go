package scanner

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mordilloSan/diskexplorer/indexing"
	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScanning  Status = "scanning"
	StatusComplete  Status = "complete"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// Mode selects between a plain scan and a filtered search.
type Mode string

const (
	ModeScan   Mode = "scan"
	ModeSearch Mode = "search"
)

// Request describes the work a client asked for.
type Request struct {
	Root    string
	Mode    Mode
	Filters iteminfo.Filters
	// Force skips the history cache.
	Force bool
}

// Job is one scan or search over a root. Counters are updated by the worker
// pool; everything else is guarded by mu. After the terminal transition the
// job never changes again.
type Job struct {
	ID       string
	RootPath string
	Mode     Mode
	Filters  iteminfo.Filters
	Force    bool

	total     atomic.Int64
	processed atomic.Int64
	progress  *progressEstimator

	toolWarned atomic.Bool

	mu           sync.RWMutex
	status       Status
	startTime    time.Time
	finishTime   time.Time
	errMsg       string
	fromCache    bool
	records      []iteminfo.FileRecord
	warnings     []indexing.Warning
	warningCount int
	maxWarnings  int
	signature    indexing.Signature

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

func newJob(id string, req Request, maxWarnings int, now func() time.Time) *Job {
	if now == nil {
		now = time.Now
	}
	return &Job{
		ID:          id,
		RootPath:    req.Root,
		Mode:        req.Mode,
		Filters:     req.Filters,
		Force:       req.Force,
		status:      StatusPending,
		startTime:   now(),
		maxWarnings: maxWarnings,
		progress:    newProgressEstimator(now),
		done:        make(chan struct{}),
		now:         now,
	}
}

// Status returns the current state.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Done is closed when the job reaches a terminal state.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx is done.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns a copy of the accumulated records and the status they
// were read under. Error and cancelled jobs return their partial results.
func (j *Job) Results() ([]iteminfo.FileRecord, Status) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return slices.Clone(j.records), j.status
}

// Signature returns the folder signature recorded by the walk or the cache.
func (j *Job) Signature() indexing.Signature {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.signature
}

func (j *Job) sameRequest(req Request) bool {
	return j.Mode == req.Mode && j.Filters.Key() == req.Filters.Key()
}

func (j *Job) markScanning() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPending {
		return false
	}
	j.status = StatusScanning
	j.startTime = j.now()
	j.progress.reset()
	return true
}

// finish performs the terminal transition once; later calls are ignored.
func (j *Job) finish(status Status, errMsg string) bool {
	j.mu.Lock()
	if j.status.Terminal() {
		j.mu.Unlock()
		return false
	}
	j.status = status
	j.errMsg = errMsg
	j.finishTime = j.now()
	j.records = j.Filters.Finalize(j.records)
	j.mu.Unlock()
	close(j.done)
	return true
}

func (j *Job) addDiscovered() {
	j.total.Add(1)
}

func (j *Job) addProcessed() {
	j.progress.update(j.processed.Add(1))
}

func (j *Job) appendRecord(r iteminfo.FileRecord) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	j.records = append(j.records, r)
}

func (j *Job) addWarning(w indexing.Warning) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.warningCount++
	if len(j.warnings) < j.maxWarnings {
		j.warnings = append(j.warnings, w)
	}
}

func (j *Job) setSignature(sig indexing.Signature) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.signature = sig
}

// loadCached fills the job from a history entry. records is the full set;
// filters are applied here.
func (j *Job) loadCached(sig indexing.Signature, records []iteminfo.FileRecord) {
	var files int64
	matched := make([]iteminfo.FileRecord, 0, len(records))
	for _, r := range records {
		if !r.IsDirectory {
			files++
		}
		if j.Filters.Match(r) {
			matched = append(matched, r)
		}
	}
	j.total.Store(files)
	j.processed.Store(files)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = matched
	j.fromCache = true
	j.signature = sig
}

// Snapshot is the read-only progress view served to clients.
type Snapshot struct {
	JobID                  string             `json:"job_id"`
	RootPath               string             `json:"root_path"`
	Mode                   Mode               `json:"mode"`
	Status                 Status             `json:"status"`
	TotalFiles             int64              `json:"total_files"`
	ProcessedFiles         int64              `json:"processed_files"`
	ProgressPercentage     float64            `json:"progress_percentage"`
	ElapsedTime            float64            `json:"elapsed_time"`             // seconds
	EstimatedTimeRemaining float64            `json:"estimated_time_remaining"` // seconds
	FilesPerSecond         float64            `json:"files_per_second"`
	Error                  string             `json:"error,omitempty"`
	FromCache              bool               `json:"from_cache"`
	ResultCount            int                `json:"result_count"`
	Warnings               []indexing.Warning `json:"warnings"`
	WarningCount           int                `json:"warning_count"`
	StartTime              time.Time          `json:"start_time"`
	FinishTime             *time.Time         `json:"finish_time,omitempty"`
}

// Snapshot reports the job's progress without changing it.
func (j *Job) Snapshot() Snapshot {
	total := j.total.Load()
	processed := j.processed.Load()

	j.mu.RLock()
	s := Snapshot{
		JobID:          j.ID,
		RootPath:       j.RootPath,
		Mode:           j.Mode,
		Status:         j.status,
		TotalFiles:     total,
		ProcessedFiles: processed,
		Error:          j.errMsg,
		FromCache:      j.fromCache,
		ResultCount:    len(j.records),
		Warnings:       slices.Clone(j.warnings),
		WarningCount:   j.warningCount,
		StartTime:      j.startTime,
	}
	end := j.now()
	if j.status.Terminal() {
		end = j.finishTime
		finished := j.finishTime
		s.FinishTime = &finished
	}
	j.mu.RUnlock()

	if s.Warnings == nil {
		s.Warnings = []indexing.Warning{}
	}
	elapsed := end.Sub(s.StartTime)
	if elapsed < 0 {
		elapsed = 0
	}
	s.ElapsedTime = roundSeconds(elapsed)

	switch {
	case s.Status == StatusComplete:
		s.ProgressPercentage = 100
	case s.Status == StatusPending:
		s.ProgressPercentage = 0
	default:
		s.ProgressPercentage = percentage(processed, total)
	}
	if s.Status == StatusPending {
		return s
	}

	s.FilesPerSecond = roundRate(j.progress.rate(processed, elapsed))
	if !s.Status.Terminal() {
		s.EstimatedTimeRemaining = eta(processed, total, s.FilesPerSecond)
	}
	return s
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Milliseconds()) / 1000
}

func roundRate(r float64) float64 {
	return float64(int64(r*100+0.5)) / 100
}
