package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/diskexplorer/config"
	"github.com/mordilloSan/diskexplorer/fileops"
	"github.com/mordilloSan/diskexplorer/metrics"
	"github.com/mordilloSan/diskexplorer/scanner"
	"github.com/mordilloSan/diskexplorer/storage"
	"github.com/mordilloSan/diskexplorer/video"
)

type daemon struct {
	cfg             *config.Config
	db              *sql.DB
	store           *storage.Store
	scans           *scanner.Orchestrator
	files           *fileops.Executor
	classifier      *video.Classifier
	servers         []*http.Server
	maintaining     atomic.Bool
	usedSystemdSock bool
	startedAt       time.Time
}

// NewDaemon opens the history database and wires the scan orchestrator, the
// video pipeline and the file operation executor.
func NewDaemon(cfg *config.Config) (*daemon, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	db, dbExisted, err := openDatabaseWithIntegrityCheck(cfg.Storage.DBPath)
	if err != nil {
		return nil, err
	}

	logger.Infof("DB connection pool opened: %s", cfg.Storage.DBPath)
	journalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	journalMode, err := storage.GetJournalMode(journalCtx, db)
	if err != nil {
		logger.Warnf("Failed to determine database journal_mode: %v", err)
	} else {
		logger.Infof("Database journal_mode: %s", strings.ToUpper(journalMode))
	}

	store := storage.NewStoreWithDB(db, cfg.Storage.DBPath)
	if dbExisted {
		logLatestHistoryStatus(store)
	}

	d := &daemon{
		cfg:        cfg,
		db:         db,
		store:      store,
		classifier: video.NewClassifier(cfg.Quality),
		startedAt:  time.Now(),
	}
	d.scans = scanner.New(scanner.Config{
		Workers:     cfg.Scan.Workers,
		KeepJobs:    cfg.Scan.KeepJobs,
		MaxWarnings: cfg.Scan.MaxWarnings,
		Walk:        cfg.Scan.WalkOptions(),
	}, store, newVideoAnalyzer(cfg.Video, d.classifier))

	d.files = fileops.NewExecutor(store, fileops.Options{
		UseTrash: cfg.Files.UseTrash,
		TrashDir: cfg.Files.TrashDir,
	})
	d.files.OnChange(d.invalidateHistory)
	if cfg.Files.UseTrash && !d.files.TrashEnabled() {
		logger.Warnf("Trash not supported on this platform; deletions are permanent")
	}
	return d, nil
}

func newVideoAnalyzer(cfg config.VideoConfig, classifier *video.Classifier) *video.Analyzer {
	dir := cfg.ScreenshotDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "diskexplorer-screenshots")
	}
	var grabber video.Grabber
	if cfg.ScreenshotCount > 0 {
		grabber = video.NewFFmpegGrabber(cfg.FFmpegPath, cfg.ScreenshotTimeout)
	}
	return video.NewAnalyzer(
		video.NewFFProbe(cfg.FFprobePath, cfg.ProbeTimeout),
		grabber,
		classifier,
		video.Config{ScreenshotDir: dir, ScreenshotCount: cfg.ScreenshotCount},
	)
}

// ApplyConfig takes the settings that can change without a restart.
func (d *daemon) ApplyConfig(cfg *config.Config) {
	d.classifier.Update(cfg.Quality)
	logger.Infof("Quality thresholds updated min_height=%d min_fps=%.1f tiers=%d",
		cfg.Quality.MinHeight, cfg.Quality.MinFPS, len(cfg.Quality.Tiers))
}

// invalidateHistory drops cached scans whose root contains a path a file
// operation touched.
func (d *daemon) invalidateHistory(ctx context.Context, paths []string) {
	for _, p := range paths {
		roots, err := d.store.InvalidateContaining(ctx, p)
		if err != nil {
			logger.Warnf("History invalidation failed path=%s: %v", p, err)
			continue
		}
		if len(roots) > 0 {
			logger.Debugf("History invalidated path=%s roots=%v", p, roots)
		}
	}
}

func (d *daemon) Close() {
	logger.Infof("Shutting down daemon...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, srv := range d.servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnf("Server shutdown error: %v", err)
		}
	}

	if err := d.scans.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Scan jobs did not stop in time: %v", err)
	}

	if d.db != nil {
		if err := d.db.Close(); err != nil {
			logger.Warnf("Database close error: %v", err)
		}
	}

	// Remove Unix socket only if we created it (not systemd-managed)
	if d.cfg.Server.SocketPath != "" && !d.usedSystemdSock {
		if err := os.Remove(d.cfg.Server.SocketPath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Failed to remove socket: %v", err)
		}
	}

	logger.Infof("Daemon shutdown complete")
}

// getUnixListener returns a Unix socket listener, preferring systemd socket activation
func (d *daemon) getUnixListener() (net.Listener, error) {
	if l := systemdUnixListener(); l != nil {
		d.usedSystemdSock = true
		return l, nil
	}

	d.usedSystemdSock = false
	socketPath := d.cfg.Server.SocketPath
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir socket dir: %w", err)
	}

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o666); err != nil {
		if closeErr := l.Close(); closeErr != nil {
			logger.Warnf("Failed to close listener after chmod error: %v", closeErr)
		}
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	return l, nil
}

// systemdUnixListener checks for systemd socket activation and returns the listener if available
func systemdUnixListener() net.Listener {
	// Systemd passes file descriptors via LISTEN_FDS and LISTEN_PID environment variables
	pid := os.Getenv("LISTEN_PID")
	fds := os.Getenv("LISTEN_FDS")

	if pid == "" || fds == "" {
		return nil
	}
	if pid != strconv.Itoa(os.Getpid()) {
		return nil
	}
	numFDs, err := strconv.Atoi(fds)
	if err != nil || numFDs != 1 {
		return nil
	}

	// FD 3 is the first passed file descriptor (after stdin=0, stdout=1, stderr=2)
	const systemdFD = 3
	file := os.NewFile(uintptr(systemdFD), "systemd-socket")
	if file == nil {
		return nil
	}

	l, err := net.FileListener(file)
	if err != nil {
		if closeErr := file.Close(); closeErr != nil {
			logger.Warnf("Failed to close file after FileListener error: %v", closeErr)
		}
		return nil
	}

	// Clear environment to prevent child processes (ffprobe, ffmpeg) from inheriting
	if err := os.Unsetenv("LISTEN_PID"); err != nil {
		logger.Warnf("Failed to unset LISTEN_PID: %v", err)
	}
	if err := os.Unsetenv("LISTEN_FDS"); err != nil {
		logger.Warnf("Failed to unset LISTEN_FDS: %v", err)
	}

	return l
}

// Run starts the maintenance loop (if any) and the HTTP servers, and blocks
// until ctx is cancelled.
func (d *daemon) Run(ctx context.Context) error {
	if d.cfg.Storage.MaintenanceInterval > 0 {
		go d.startMaintenance(ctx)
	}
	return d.startHTTP(ctx)
}

func (d *daemon) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Storage.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.runMaintenance(ctx, false); err != nil {
				logger.Errorf("scheduled maintenance failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *daemon) startHTTP(ctx context.Context) error {
	router := d.newRouter()

	errCh := make(chan error, 2)
	serverCount := 0

	if d.cfg.Server.SocketPath != "" {
		l, err := d.getUnixListener()
		if err != nil {
			return err
		}

		srv := &http.Server{Handler: router, ReadTimeout: 30 * time.Second}
		d.servers = append(d.servers, srv)
		serverCount++
		if d.usedSystemdSock {
			logger.Infof("API listening on unix://%s (systemd socket activation)", d.cfg.Server.SocketPath)
		} else {
			logger.Infof("API listening on unix://%s", d.cfg.Server.SocketPath)
		}
		go func() {
			errCh <- srv.Serve(l)
		}()
	}

	// No WriteTimeout: the progress stream stays open for the whole scan.
	if d.cfg.Server.Listen != "" {
		tcpSrv := &http.Server{Addr: d.cfg.Server.Listen, Handler: router, ReadTimeout: 30 * time.Second}
		d.servers = append(d.servers, tcpSrv)
		serverCount++
		logger.Infof("API listening on http://%s", displayAddr(d.cfg.Server.Listen))
		go func() {
			errCh <- tcpSrv.ListenAndServe()
		}()
	}

	if serverCount == 0 {
		return fmt.Errorf("no listeners configured")
	}

	select {
	case <-ctx.Done():
		for _, srv := range d.servers {
			_ = srv.Shutdown(context.Background())
		}
		return nil
	case err := <-errCh:
		for _, srv := range d.servers {
			_ = srv.Shutdown(context.Background())
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func displayAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func (d *daemon) tryLockMaintenance() bool {
	return d.maintaining.CompareAndSwap(false, true)
}

func (d *daemon) unlockMaintenance() {
	d.maintaining.Store(false)
}

var errMaintenanceRunning = errors.New("maintenance already running")

// runMaintenance prunes old history, checkpoints the WAL and, when full is
// set, rebuilds the database file with VACUUM.
func (d *daemon) runMaintenance(ctx context.Context, full bool) error {
	if !d.tryLockMaintenance() {
		return errMaintenanceRunning
	}
	defer d.unlockMaintenance()
	return d.maintain(ctx, full)
}

// maintain does the work of runMaintenance; the caller holds the lock.
func (d *daemon) maintain(ctx context.Context, full bool) error {
	ps, err := storage.PruneHistory(ctx, d.db, d.cfg.Storage.HistoryKeep, d.cfg.Storage.HistoryRetention)
	metrics.ObserveMaintenance("prune", err)
	if err != nil {
		return fmt.Errorf("prune history: %w", err)
	}
	if ps.DeletedRoots > 0 || ps.DeletedAudit > 0 {
		logger.Infof("Pruned history in %v (roots=%d records=%d audit=%d)", ps.Duration, ps.DeletedRoots, ps.DeletedRecords, ps.DeletedAudit)
	}

	if full {
		vs, err := storage.Vacuum(ctx, d.db)
		metrics.ObserveMaintenance("vacuum", err)
		if err != nil {
			return fmt.Errorf("vacuum: %w", err)
		}
		logger.Infof("Vacuum complete in %v", vs.Duration)
	}

	stats, err := storage.WALCheckpointTruncate(ctx, d.db)
	metrics.ObserveMaintenance("wal_checkpoint", err)
	if err != nil {
		logger.Warnf("WAL checkpoint failed after maintenance: %v", err)
	} else {
		logger.Debugf("WAL checkpoint complete in %v (busy=%d log=%d checkpointed=%d)", stats.Duration, stats.Busy, stats.Log, stats.Checkpointed)
	}
	_ = storage.ReleaseSQLiteMemory(ctx, d.db)
	return nil
}

// openDatabaseWithIntegrityCheck opens a database and checks for corruption.
// If corrupted, it automatically removes and recreates the database.
// Returns the opened database connection and whether it existed before.
func openDatabaseWithIntegrityCheck(dbPath string) (*sql.DB, bool, error) {
	dbExisted := fileExists(dbPath)
	if dbExisted {
		logger.Infof("Database exists at %s; checking integrity", dbPath)
	} else {
		logger.Infof("Database not found; creating new at %s", dbPath)
	}

	db, err := storage.Open(dbPath)
	if err != nil {
		return nil, false, err
	}

	if dbExisted {
		if err := checkDatabaseIntegrity(db); err != nil {
			logger.Warnf("Database corruption detected: %v", err)
			logger.Warnf("Closing corrupted database and recreating")
			if closeErr := db.Close(); closeErr != nil {
				logger.Warnf("Failed to close corrupted database: %v", closeErr)
			}
			// The history is a cache; losing it only costs a rescan.
			if err := os.Remove(dbPath); err != nil {
				return nil, false, fmt.Errorf("failed to remove corrupted database: %w", err)
			}
			_ = os.Remove(dbPath + "-wal")
			_ = os.Remove(dbPath + "-shm")
			db, err = storage.Open(dbPath)
			if err != nil {
				return nil, false, err
			}
			logger.Infof("New database created at %s", dbPath)
			dbExisted = false
		} else {
			logger.Infof("Database integrity check passed")
		}
	}

	return db, dbExisted, nil
}

// checkDatabaseIntegrity runs SQLite's integrity_check to detect corruption
func checkDatabaseIntegrity(db *sql.DB) error {
	var result string
	err := db.QueryRow("PRAGMA integrity_check;").Scan(&result)
	if err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func logLatestHistoryStatus(store *storage.Store) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	roots, err := store.ListRecentRoots(ctx, 1)
	switch {
	case err != nil:
		logger.Warnf("Could not load latest history metadata: %v", err)
	case len(roots) == 0:
		logger.Infof("No prior scan history found in database")
	default:
		h := roots[0]
		logger.Infof("Latest scan: root=%s completed=%s records=%d %s",
			h.RootPath,
			h.CompletedAt.UTC().Format(time.RFC3339),
			h.RecordCount,
			h.Signature,
		)
	}
}
