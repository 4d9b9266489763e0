// Package scanner runs scan and search jobs: it drives the directory walker,
// fans files out to a bounded extraction pool, tracks progress and hands the
// finished record set to the history cache.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mordilloSan/go_logger/logger"
	"github.com/shirou/gopsutil/v4/cpu"
	"golang.org/x/sync/errgroup"

	"github.com/mordilloSan/diskexplorer/indexing"
	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
	"github.com/mordilloSan/diskexplorer/metrics"
	"github.com/mordilloSan/diskexplorer/storage"
)

var (
	ErrInvalidRoot = errors.New("invalid root path")
	ErrJobActive   = errors.New("a different job is already running for this root")
	ErrJobNotFound = errors.New("job not found")
)

const (
	minWorkers         = 2
	maxWorkers         = 16
	defaultKeepJobs    = 20
	defaultMaxWarnings = 100
)

// Config holds the orchestrator settings.
type Config struct {
	Workers     int
	KeepJobs    int
	MaxWarnings int
	Walk        indexing.Options
}

// DefaultWorkers returns the number of logical CPUs clamped to [2, 16].
func DefaultWorkers() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return minWorkers
	}
	return min(max(n, minWorkers), maxWorkers)
}

// Orchestrator owns the job registry and runs jobs.
type Orchestrator struct {
	cfg   Config
	store *storage.Store
	video VideoAnalyzer

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*Job
	order  []string
	active map[string]*Job
	latest *Job

	now   func() time.Time
	newID func() string
}

// New creates an orchestrator. store and video may be nil to disable the
// history cache and video analysis.
func New(cfg Config, store *storage.Store, analyzer VideoAnalyzer) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.KeepJobs <= 0 {
		cfg.KeepJobs = defaultKeepJobs
	}
	if cfg.MaxWarnings <= 0 {
		cfg.MaxWarnings = defaultMaxWarnings
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		video:   analyzer,
		baseCtx: ctx,
		stop:    stop,
		jobs:    make(map[string]*Job),
		active:  make(map[string]*Job),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// Start validates the request and starts a job. When a job with the same
// mode and filters is already running for the root, that job is returned
// with attached set.
func (o *Orchestrator) Start(req Request) (job *Job, attached bool, err error) {
	root, err := validateRoot(req.Root)
	if err != nil {
		return nil, false, err
	}
	req.Root = root
	if req.Mode == "" {
		req.Mode = ModeScan
	}
	if req.Mode == ModeScan {
		req.Filters = iteminfo.DefaultFilters()
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.baseCtx.Err() != nil {
		return nil, false, errors.New("orchestrator is shut down")
	}
	if running, ok := o.active[root]; ok {
		if running.sameRequest(req) {
			logger.Debugf("attaching to running job id=%s root=%s", running.ID, root)
			return running, true, nil
		}
		return nil, false, fmt.Errorf("%w: job %s (%s)", ErrJobActive, running.ID, running.Mode)
	}

	job = newJob(o.newID(), req, o.cfg.MaxWarnings, o.now)
	ctx, cancel := context.WithCancel(o.baseCtx)
	job.cancel = cancel

	o.jobs[job.ID] = job
	o.order = append(o.order, job.ID)
	o.active[root] = job
	o.latest = job
	o.evictLocked()

	o.wg.Add(1)
	go o.run(ctx, job)

	logger.Infof("job started id=%s mode=%s root=%s force=%t", job.ID, job.Mode, root, job.Force)
	return job, false, nil
}

func validateRoot(raw string) (string, error) {
	root, err := indexing.NormalizeRoot(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRoot, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidRoot, root)
	}
	return root, nil
}

// Get returns the job with id, or the latest job when id is empty.
func (o *Orchestrator) Get(id string) (*Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id == "" {
		if o.latest == nil {
			return nil, ErrJobNotFound
		}
		return o.latest, nil
	}
	job, ok := o.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// Cancel stops dispatching new files for the job. Files already being
// processed finish and the job ends as cancelled.
func (o *Orchestrator) Cancel(id string) (*Job, error) {
	job, err := o.Get(id)
	if err != nil {
		return nil, err
	}
	if !job.Status().Terminal() {
		logger.Infof("job cancel requested id=%s root=%s", job.ID, job.RootPath)
		job.cancel()
	}
	return job, nil
}

// Jobs returns snapshots of every retained job, oldest first.
func (o *Orchestrator) Jobs() []Snapshot {
	o.mu.Lock()
	jobs := make([]*Job, 0, len(o.order))
	for _, id := range o.order {
		jobs = append(jobs, o.jobs[id])
	}
	o.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	return out
}

// ActiveCount returns the number of jobs that have not finished.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown cancels every job and waits for them to finish or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stop()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLocked drops the oldest finished jobs beyond KeepJobs.
func (o *Orchestrator) evictLocked() {
	excess := len(o.order) - o.cfg.KeepJobs
	if excess <= 0 {
		return
	}
	kept := o.order[:0]
	for _, id := range o.order {
		job := o.jobs[id]
		if excess > 0 && job.Status().Terminal() && job != o.latest {
			delete(o.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

// complete performs the terminal transition and frees the root in one step,
// so a caller woken by Done can immediately start a new job for it.
func (o *Orchestrator) complete(job *Job, status Status, msg string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[job.RootPath] == job {
		delete(o.active, job.RootPath)
	}
	finished := job.finish(status, msg)
	o.evictLocked()
	return finished
}

func (o *Orchestrator) run(ctx context.Context, job *Job) {
	defer o.wg.Done()
	defer job.cancel()

	if !job.markScanning() {
		o.complete(job, StatusError, "job started twice")
		return
	}
	metrics.ActiveScans.Inc()
	defer metrics.ActiveScans.Dec()

	status, msg := o.execute(ctx, job)
	if o.complete(job, status, msg) {
		snap := job.Snapshot()
		metrics.ScanJobs.WithLabelValues(string(job.Mode), string(status)).Inc()
		metrics.ScanDuration.WithLabelValues(string(job.Mode)).Observe(snap.ElapsedTime)
		switch status {
		case StatusComplete:
			logger.Infof("job complete id=%s root=%s files=%d results=%d cached=%t elapsed=%.2fs warnings=%d",
				job.ID, job.RootPath, snap.ProcessedFiles, snap.ResultCount, snap.FromCache, snap.ElapsedTime, snap.WarningCount)
		case StatusCancelled:
			logger.Infof("job cancelled id=%s root=%s processed=%d/%d", job.ID, job.RootPath, snap.ProcessedFiles, snap.TotalFiles)
		default:
			logger.Errorf("job failed id=%s root=%s: %s", job.ID, job.RootPath, msg)
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, job *Job) (Status, string) {
	if !job.Force && o.store != nil {
		if o.serveFromCache(ctx, job) {
			return StatusComplete, ""
		}
	}
	if ctx.Err() != nil {
		return StatusCancelled, ""
	}
	return o.scan(ctx, job)
}

// serveFromCache completes the job from history when the root's signature
// still matches the committed scan. Any lookup problem falls back to a walk.
func (o *Orchestrator) serveFromCache(ctx context.Context, job *Job) bool {
	summary, err := o.store.Summary(ctx, job.RootPath)
	if errors.Is(err, storage.ErrNotFound) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return false
	}
	if err != nil {
		logger.Warnf("history lookup failed root=%s: %v", job.RootPath, err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return false
	}

	sig, err := indexing.ComputeSignature(ctx, job.RootPath, o.cfg.Walk)
	if err != nil {
		logger.Debugf("signature failed root=%s: %v", job.RootPath, err)
		return false
	}
	if sig != summary.Signature {
		logger.Debugf("history stale root=%s stored=%s current=%s", job.RootPath, summary.Signature, sig)
		metrics.CacheLookups.WithLabelValues("changed").Inc()
		return false
	}

	entry, err := o.store.Lookup(ctx, job.RootPath)
	if err != nil {
		logger.Warnf("history load failed root=%s: %v", job.RootPath, err)
		metrics.CacheLookups.WithLabelValues("error").Inc()
		return false
	}
	job.loadCached(sig, entry.Records)
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	logger.Debugf("history hit root=%s records=%d", job.RootPath, len(entry.Records))
	return true
}

func (o *Orchestrator) scan(ctx context.Context, job *Job) (Status, string) {
	start := o.now()
	walker := indexing.NewWalker(job.RootPath, o.cfg.Walk)
	walker.OnWarning(job.addWarning)

	var writer *storage.StreamingWriter
	var persistFailed atomic.Bool
	if o.store != nil {
		writer = o.store.Begin(o.baseCtx, job.RootPath, job.ID)
	}
	collect := func(rec iteminfo.FileRecord) {
		if writer != nil && !persistFailed.Load() {
			if err := writer.Write(rec); err != nil && persistFailed.CompareAndSwap(false, true) {
				logger.Warnf("history staging failed job=%s root=%s: %v", job.ID, job.RootPath, err)
			}
		}
		if job.Filters.Match(rec) {
			job.appendRecord(rec)
		}
	}

	// In-flight files finish after cancellation; the probe timeout bounds them.
	workCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)

	walkErr := walker.Walk(ctx, func(e indexing.Entry) error {
		if e.IsDir {
			collect(directoryRecord(e))
			return nil
		}
		job.addDiscovered()
		g.Go(func() error {
			collect(o.extract(workCtx, job, e))
			job.addProcessed()
			return nil
		})
		return nil
	})
	_ = g.Wait()

	sig := walker.Signature()
	job.setSignature(sig)

	switch {
	case ctx.Err() != nil:
		o.discard(writer)
		return StatusCancelled, ""
	case walkErr != nil:
		o.discard(writer)
		return StatusError, walkErr.Error()
	}

	if writer != nil {
		if persistFailed.Load() {
			o.discard(writer)
		} else if err := writer.Commit(o.baseCtx, storage.CommitInfo{
			Signature: sig,
			Mode:      string(job.Mode),
			Duration:  o.now().Sub(start),
		}); errors.Is(err, storage.ErrStale) {
			logger.Infof("history not stored job=%s root=%s: files changed during the scan", job.ID, job.RootPath)
		} else if err != nil {
			logger.Warnf("history commit failed job=%s root=%s: %v", job.ID, job.RootPath, err)
		} else {
			logger.Debugf("history stored root=%s %s (%s)", job.RootPath, sig, humanize.IBytes(uint64(max(sig.TotalSize, 0))))
		}
	}
	return StatusComplete, ""
}

func (o *Orchestrator) discard(writer *storage.StreamingWriter) {
	if writer != nil {
		writer.Discard(context.WithoutCancel(o.baseCtx))
	}
}
