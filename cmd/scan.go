package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/mordilloSan/go_logger/logger"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mordilloSan/diskexplorer/config"
	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
	"github.com/mordilloSan/diskexplorer/scanner"
	"github.com/mordilloSan/diskexplorer/storage"
	"github.com/mordilloSan/diskexplorer/video"
)

type scanOptions struct {
	jsonOut   bool
	force     bool
	noHistory bool
	insights  bool
	sortBy    string
	filters   map[string]*string
	types     []string
}

// Flags that turn a scan into a search, keyed by query parameter name.
var searchFlags = []struct {
	param, flag, usage string
}{
	{"min_size", "min-size", "minimum size (bytes or 1MB, 512KiB)"},
	{"max_size", "max-size", "maximum size"},
	{"created_before", "created-before", "created before (RFC3339, YYYY-MM-DD or unix seconds)"},
	{"modified_before", "modified-before", "modified before"},
	{"low_quality_videos", "low-quality", "only low quality videos (true/false)"},
	{"top_n", "top", "keep the N largest matches"},
	{"duplicates_only", "duplicates", "only files whose content hash repeats (true/false)"},
	{"preview_image", "preview", "extract video screenshots (true/false)"},
}

var scanOpts = scanOptions{filters: map[string]*string{}}

var scanCmd = &cobra.Command{
	Use:   "scan <path>",
	Short: "Scan or search a folder once and print the records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		req, err := scanOpts.request(cmd, args[0])
		if err != nil {
			return err
		}
		return runScan(cmd.Context(), cfg, req, scanOpts, cmd.OutOrStdout())
	},
}

func init() {
	f := scanCmd.Flags()
	f.BoolVar(&scanOpts.jsonOut, "json", false, "print records as JSON")
	f.BoolVar(&scanOpts.force, "force", false, "ignore the history cache")
	f.BoolVar(&scanOpts.noHistory, "no-history", false, "do not read or write the history database")
	f.BoolVar(&scanOpts.insights, "insights", false, "print a summary instead of the records")
	f.StringVar(&scanOpts.sortBy, "sort", iteminfo.SortSize, "order records by name, size or modified")
	f.StringSliceVar(&scanOpts.types, "type", nil, "file types (.mp4, mp4, video/*); repeatable")
	for _, sf := range searchFlags {
		scanOpts.filters[sf.param] = f.String(sf.flag, "", sf.usage)
	}
}

// request turns the flags into an orchestrator request. Any filter flag makes
// the job a search; filters are parsed exactly as the HTTP query parameters.
func (o scanOptions) request(cmd *cobra.Command, root string) (scanner.Request, error) {
	req := scanner.Request{Root: root, Mode: scanner.ModeScan, Force: o.force}
	if err := iteminfo.SortRecords(nil, o.sortBy); err != nil {
		return req, err
	}

	q := url.Values{}
	for _, sf := range searchFlags {
		if cmd.Flags().Changed(sf.flag) {
			q.Set(sf.param, *o.filters[sf.param])
		}
	}
	for _, t := range o.types {
		q.Add("file_types", t)
	}
	if len(q) == 0 {
		return req, nil
	}

	filters, err := iteminfo.ParseFilters(q)
	if err != nil {
		return req, err
	}
	req.Mode = scanner.ModeSearch
	req.Filters = filters
	return req, nil
}

func runScan(ctx context.Context, cfg *config.Config, req scanner.Request, opts scanOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *storage.Store
	if !opts.noHistory {
		s, err := storage.NewStore(cfg.Storage.DBPath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Warnf("Database close error: %v", err)
			}
		}()
		store = s
	}

	orch := scanner.New(scanner.Config{
		Workers:     cfg.Scan.Workers,
		KeepJobs:    1,
		MaxWarnings: cfg.Scan.MaxWarnings,
		Walk:        cfg.Scan.WalkOptions(),
	}, store, newVideoAnalyzer(cfg.Video, video.NewClassifier(cfg.Quality)))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(shutdownCtx)
	}()

	job, _, err := orch.Start(req)
	if err != nil {
		return err
	}
	waitWithProgress(ctx, orch, job, cfg.Scan.ProgressInterval)

	snap := job.Snapshot()
	for _, w := range snap.Warnings {
		logger.Warnf("%s: %s", w.Path, w.Message)
	}
	if snap.WarningCount > len(snap.Warnings) {
		logger.Warnf("%d more warnings not shown", snap.WarningCount-len(snap.Warnings))
	}

	records, status := job.Results()
	if err := iteminfo.SortRecords(records, opts.sortBy); err != nil {
		return err
	}
	if opts.insights {
		in, err := orch.Insights(job.ID, 10)
		if err != nil {
			return err
		}
		if err := printJSON(out, in); err != nil {
			return err
		}
	} else if opts.jsonOut {
		if err := printJSON(out, records); err != nil {
			return err
		}
	} else {
		if err := printRecords(out, records); err != nil {
			return err
		}
	}

	logger.Infof("job %s %s: %d records in %.1fs (cache=%t)", job.ID, status, len(records), snap.ElapsedTime, snap.FromCache)
	if status != scanner.StatusComplete {
		return fmt.Errorf("scan %s: %s", status, snap.Error)
	}
	return nil
}

// waitWithProgress blocks until the job finishes, cancelling it when ctx ends.
func waitWithProgress(ctx context.Context, orch *scanner.Orchestrator, job *scanner.Job, interval time.Duration) {
	if interval <= 0 {
		interval = config.DefaultProgressInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-job.Done():
			return
		case <-ctx.Done():
			_, _ = orch.Cancel(job.ID)
			<-job.Done()
			return
		case <-ticker.C:
			s := job.Snapshot()
			logger.Infof("progress %.1f%% (%d/%d files, %.1f files/s, eta %.0fs)",
				s.ProgressPercentage, s.ProcessedFiles, s.TotalFiles, s.FilesPerSecond, s.EstimatedTimeRemaining)
		}
	}
}

func printJSON(out io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func printRecords(out io.Writer, records []iteminfo.FileRecord) error {
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Size", "Modified", "Type", "Quality", "Path"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT})
	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, r := range records {
		quality := ""
		if r.VideoMetadata != nil {
			quality = r.VideoMetadata.QualityCategory
			if r.VideoMetadata.IsLowQuality {
				quality += " (low)"
			}
		}
		kind := r.MimeType
		if r.IsDirectory {
			kind = "dir"
		}
		table.Append([]string{
			humanize.IBytes(uint64(max(r.Size, 0))),
			r.ModifiedTime.Format(time.DateTime),
			kind,
			quality,
			r.Path,
		})
	}
	table.Render()
	return nil
}
