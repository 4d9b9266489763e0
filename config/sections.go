package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/mordilloSan/diskexplorer/indexing"
	"github.com/mordilloSan/diskexplorer/video"
)

const (
	DefaultListen     = ":8080"
	DefaultSocketPath = "" // unix socket disabled

	DefaultDBPath              = "diskexplorer.db"
	DefaultHistoryKeep         = 50
	DefaultHistoryRetention    = 30 * 24 * time.Hour
	DefaultMaintenanceInterval = 6 * time.Hour

	DefaultKeepJobs         = 20
	DefaultMaxWarnings      = 100
	DefaultProgressInterval = time.Second

	DefaultProbeTimeout      = 30 * time.Second
	DefaultScreenshotTimeout = 30 * time.Second
	DefaultScreenshotCount   = 3

	DefaultUseTrash       = true
	DefaultFilesRateLimit = 5.0 // requests per second on /files/*
	DefaultFilesBurst     = 10

	DefaultLogVerbose = false
)

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Listen      string   `mapstructure:"listen"`
	SocketPath  string   `mapstructure:"socket_path"`
	CORSOrigins []string `mapstructure:"cors_origins"`
	Gzip        bool     `mapstructure:"gzip"`
}

func (s *ServerConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.socket_path", DefaultSocketPath)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.gzip", true)
}

// StorageConfig controls the history database and its maintenance.
type StorageConfig struct {
	DBPath              string        `mapstructure:"db_path" validate:"required"`
	HistoryKeep         int           `mapstructure:"history_keep" validate:"gte=0"`
	HistoryRetention    time.Duration `mapstructure:"history_retention" validate:"gte=0"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gte=0"` // 0 disables
}

func (s *StorageConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("storage.db_path", DefaultDBPath)
	v.SetDefault("storage.history_keep", DefaultHistoryKeep)
	v.SetDefault("storage.history_retention", DefaultHistoryRetention)
	v.SetDefault("storage.maintenance_interval", DefaultMaintenanceInterval)
}

// ScanConfig controls the walker and the job registry.
type ScanConfig struct {
	Workers          int           `mapstructure:"workers" validate:"gte=0,lte=256"` // 0 picks from the CPU count
	KeepJobs         int           `mapstructure:"keep_jobs" validate:"gte=1"`
	MaxWarnings      int           `mapstructure:"max_warnings" validate:"gte=0"`
	IncludeHidden    bool          `mapstructure:"include_hidden"`
	FollowSymlinks   bool          `mapstructure:"follow_symlinks"`
	ExcludeDirs      []string      `mapstructure:"exclude_dirs"`
	ExcludePatterns  []string      `mapstructure:"exclude_patterns"`
	SkipSystemPaths  bool          `mapstructure:"skip_system_paths"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" validate:"gt=0"`
}

// WalkOptions converts the scan section into walker options.
func (s ScanConfig) WalkOptions() indexing.Options {
	return indexing.Options{
		IncludeHidden:   s.IncludeHidden,
		FollowSymlinks:  s.FollowSymlinks,
		ExcludeDirs:     s.ExcludeDirs,
		ExcludePatterns: s.ExcludePatterns,
		SkipSystemPaths: s.SkipSystemPaths,
	}
}

func (s *ScanConfig) setDefaults(v *viper.Viper) {
	walk := indexing.DefaultOptions()
	v.SetDefault("scan.workers", 0)
	v.SetDefault("scan.keep_jobs", DefaultKeepJobs)
	v.SetDefault("scan.max_warnings", DefaultMaxWarnings)
	v.SetDefault("scan.include_hidden", walk.IncludeHidden)
	v.SetDefault("scan.follow_symlinks", walk.FollowSymlinks)
	v.SetDefault("scan.exclude_dirs", walk.ExcludeDirs)
	v.SetDefault("scan.exclude_patterns", walk.ExcludePatterns)
	v.SetDefault("scan.skip_system_paths", walk.SkipSystemPaths)
	v.SetDefault("scan.progress_interval", DefaultProgressInterval)
}

// VideoConfig locates the external tools and bounds their runtime.
type VideoConfig struct {
	FFprobePath       string        `mapstructure:"ffprobe_path"`
	FFmpegPath        string        `mapstructure:"ffmpeg_path"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	ScreenshotTimeout time.Duration `mapstructure:"screenshot_timeout" validate:"gt=0"`
	ScreenshotDir     string        `mapstructure:"screenshot_dir"` // empty uses a directory under the OS temp dir
	ScreenshotCount   int           `mapstructure:"screenshot_count" validate:"gte=0,lte=20"`
}

func (c *VideoConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("video.ffprobe_path", "ffprobe")
	v.SetDefault("video.ffmpeg_path", "ffmpeg")
	v.SetDefault("video.probe_timeout", DefaultProbeTimeout)
	v.SetDefault("video.screenshot_timeout", DefaultScreenshotTimeout)
	v.SetDefault("video.screenshot_dir", "")
	v.SetDefault("video.screenshot_count", DefaultScreenshotCount)
}

func setQualityDefaults(v *viper.Viper) {
	th := video.DefaultThresholds()
	v.SetDefault("quality.min_height", th.MinHeight)
	v.SetDefault("quality.min_fps", th.MinFPS)
	v.SetDefault("quality.tiers", th.Tiers)
}

// FilesConfig controls the file operation endpoints.
type FilesConfig struct {
	UseTrash  bool    `mapstructure:"use_trash"`
	TrashDir  string  `mapstructure:"trash_dir"`
	RateLimit float64 `mapstructure:"rate_limit" validate:"gte=0"` // 0 disables
	Burst     int     `mapstructure:"burst" validate:"gte=1"`
}

func (f *FilesConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("files.use_trash", DefaultUseTrash)
	v.SetDefault("files.trash_dir", "")
	v.SetDefault("files.rate_limit", DefaultFilesRateLimit)
	v.SetDefault("files.burst", DefaultFilesBurst)
}

// LogConfig controls logger verbosity.
type LogConfig struct {
	Verbose bool `mapstructure:"verbose"`
}

func (l *LogConfig) setDefaults(v *viper.Viper) {
	v.SetDefault("log.verbose", DefaultLogVerbose)
}
