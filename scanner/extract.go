package scanner

import (
	"context"
	"errors"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/diskexplorer/analysis"
	"github.com/mordilloSan/diskexplorer/indexing"
	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
	"github.com/mordilloSan/diskexplorer/metrics"
	"github.com/mordilloSan/diskexplorer/video"
)

// VideoAnalyzer produces video metadata for a single file.
type VideoAnalyzer interface {
	Analyze(ctx context.Context, path string, withScreenshots bool) (*iteminfo.VideoMetadata, error)
}

func directoryRecord(e indexing.Entry) iteminfo.FileRecord {
	return iteminfo.FileRecord{
		Path:         e.Path,
		Name:         e.Name,
		Size:         e.Size,
		CreatedTime:  e.CreatedTime,
		ModifiedTime: e.ModTime,
		MimeType:     iteminfo.DirectoryMimeType,
		IsDirectory:  true,
	}
}

// extract builds the record for a regular file. Failures of individual
// stages become job warnings and leave the matching field empty.
func (o *Orchestrator) extract(ctx context.Context, job *Job, e indexing.Entry) iteminfo.FileRecord {
	rec := iteminfo.FileRecord{
		Path:         e.Path,
		Name:         e.Name,
		Size:         e.Size,
		CreatedTime:  e.CreatedTime,
		ModifiedTime: e.ModTime,
	}
	rec.FileType, rec.MimeType = analysis.Classify(e.Path)

	if hash, err := analysis.ContentHash(e.Path); err != nil {
		o.stageFailed(job, e.Path, "hash", err)
	} else {
		rec.Hash = hash
	}

	if rec.IsImage() {
		if phash, err := analysis.PerceptualHash(e.Path, rec.MimeType); err != nil {
			o.stageFailed(job, e.Path, "phash", err)
		} else {
			rec.PerceptualHash = phash
		}
	}

	if rec.IsVideo() && o.video != nil {
		meta, err := o.video.Analyze(ctx, e.Path, job.Filters.PreviewImage)
		switch {
		case err == nil:
			rec.VideoMetadata = meta
		case errors.Is(err, video.ErrToolUnavailable):
			// One warning per job is enough once the breaker is open.
			if job.toolWarned.CompareAndSwap(false, true) {
				o.stageFailed(job, e.Path, "video", err)
			}
		default:
			o.stageFailed(job, e.Path, "video", err)
		}
	}

	metrics.FilesProcessed.Inc()
	metrics.BytesProcessed.Add(float64(e.Size))
	return rec
}

func (o *Orchestrator) stageFailed(job *Job, path, stage string, err error) {
	metrics.ExtractionFailures.WithLabelValues(stage).Inc()
	logger.Debugf("extraction failed stage=%s path=%s err=%v", stage, path, err)
	job.addWarning(indexing.Warning{Path: path, Message: stage + ": " + err.Error()})
}
