package scanner

import (
	"cmp"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mordilloSan/go_logger/logger"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
)

const defaultInsightsTop = 10

// TypeStat aggregates the files sharing one file type.
type TypeStat struct {
	FileType  string `json:"file_type"`
	Count     int    `json:"count"`
	TotalSize int64  `json:"total_size"`
}

// DiskUsage describes the filesystem holding the root.
type DiskUsage struct {
	Fstype      string  `json:"fstype"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

// Insights summarises a result set.
type Insights struct {
	RootPath         string                `json:"root_path"`
	TotalSize        int64                 `json:"total_size"`
	TotalSizeHuman   string                `json:"total_size_human"`
	FileCount        int                   `json:"file_count"`
	DirectoryCount   int                   `json:"directory_count"`
	Types            []TypeStat            `json:"types"`
	Largest          []iteminfo.FileRecord `json:"largest"`
	Oldest           []iteminfo.FileRecord `json:"oldest"`
	LowQualityVideos []iteminfo.FileRecord `json:"low_quality_videos"`
	Disk             *DiskUsage            `json:"disk,omitempty"`
	GeneratedAt      time.Time             `json:"generated_at"`
}

// BuildInsights computes totals, per-type counts and the top largest and
// oldest files. Directory records only contribute to DirectoryCount.
func BuildInsights(root string, records []iteminfo.FileRecord, top int) Insights {
	if top <= 0 {
		top = defaultInsightsTop
	}
	in := Insights{
		RootPath:         root,
		Types:            []TypeStat{},
		LowQualityVideos: []iteminfo.FileRecord{},
		GeneratedAt:      time.Now(),
	}

	files := make([]iteminfo.FileRecord, 0, len(records))
	byType := make(map[string]*TypeStat)
	for _, r := range records {
		if r.IsDirectory {
			in.DirectoryCount++
			continue
		}
		files = append(files, r)
		in.TotalSize += r.Size
		key := r.FileType
		if key == "" {
			key = "(none)"
		}
		st, ok := byType[key]
		if !ok {
			st = &TypeStat{FileType: key}
			byType[key] = st
		}
		st.Count++
		st.TotalSize += r.Size
		if r.VideoMetadata != nil && r.VideoMetadata.IsLowQuality {
			in.LowQualityVideos = append(in.LowQualityVideos, r)
		}
	}
	in.FileCount = len(files)
	in.TotalSizeHuman = humanize.IBytes(uint64(in.TotalSize))

	for _, st := range byType {
		in.Types = append(in.Types, *st)
	}
	slices.SortFunc(in.Types, func(a, b TypeStat) int {
		if c := cmp.Compare(b.TotalSize, a.TotalSize); c != 0 {
			return c
		}
		return cmp.Compare(a.FileType, b.FileType)
	})

	largest := slices.Clone(files)
	iteminfo.SortBySizeDesc(largest)
	in.Largest = largest[:min(top, len(largest))]

	oldest := slices.Clone(files)
	iteminfo.SortByModifiedAsc(oldest)
	in.Oldest = oldest[:min(top, len(oldest))]

	return in
}

// DiskUsageOf reports usage of the filesystem containing path.
func DiskUsageOf(path string) (*DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return nil, err
	}
	return &DiskUsage{
		Fstype:      usage.Fstype,
		Total:       usage.Total,
		Free:        usage.Free,
		Used:        usage.Used,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// Insights builds insights for a finished job, including disk usage of its root.
func (o *Orchestrator) Insights(id string, top int) (Insights, error) {
	job, err := o.Get(id)
	if err != nil {
		return Insights{}, err
	}
	records, _ := job.Results()
	in := BuildInsights(job.RootPath, records, top)
	if usage, err := DiskUsageOf(job.RootPath); err != nil {
		logger.Debugf("disk usage unavailable root=%s: %v", job.RootPath, err)
	} else {
		in.Disk = usage
	}
	return in, nil
}
