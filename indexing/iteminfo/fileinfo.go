package iteminfo

import (
	"path/filepath"
	"strings"
	"time"
)

// FileRecord describes one filesystem entry produced by a scan.
type FileRecord struct {
	Path           string         `json:"path"`                      // absolute path, unique within a scan
	Name           string         `json:"name"`                      // base name
	Size           int64          `json:"size"`                      // bytes; aggregate of regular files for directories
	CreatedTime    time.Time      `json:"created_time"`              // birth time when the platform reports it, else change time
	ModifiedTime   time.Time      `json:"modified_time"`             // modification time
	FileType       string         `json:"file_type"`                 // lower-case extension with dot, "" when none
	MimeType       string         `json:"mime_type"`                 // detected MIME type
	IsDirectory    bool           `json:"is_directory"`              // directory entries carry no content fields
	Hash           string         `json:"hash,omitempty"`            // xxhash64 hex digest
	PerceptualHash string         `json:"perceptual_hash,omitempty"` // 64-bit difference hash, images only
	VideoMetadata  *VideoMetadata `json:"video_metadata,omitempty"`  // present for analyzed videos
}

// VideoMetadata holds the result of the video analysis pipeline.
type VideoMetadata struct {
	Width           int      `json:"width"`
	Height          int      `json:"height"`
	Duration        float64  `json:"duration"` // seconds
	Bitrate         int64    `json:"bitrate"`  // bits per second
	Codec           string   `json:"codec"`
	FPS             float64  `json:"fps"`
	FileSize        int64    `json:"file_size"`
	IsLowQuality    bool     `json:"is_low_quality"`
	QualityCategory string   `json:"quality_category"`
	Screenshots     []string `json:"screenshots"`
}

const DirectoryMimeType = "inode/directory"

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".m4v": {}, ".mkv": {}, ".mov": {}, ".avi": {}, ".wmv": {},
	".flv": {}, ".webm": {}, ".mpg": {}, ".mpeg": {}, ".ts": {}, ".3gp": {},
}

var imageExtensions = map[string]struct{}{
	".jpg": {}, ".jpeg": {}, ".png": {}, ".gif": {}, ".bmp": {},
	".tif": {}, ".tiff": {}, ".webp": {},
}

// ExtensionOf returns the lower-case extension of name including the dot.
func ExtensionOf(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

// IsVideo reports whether the record looks like a video by MIME type or extension.
func (r FileRecord) IsVideo() bool {
	if r.IsDirectory {
		return false
	}
	if strings.HasPrefix(r.MimeType, "video/") {
		return true
	}
	_, ok := videoExtensions[r.FileType]
	return ok
}

// IsImage reports whether the record is an image the perceptual hasher can decode.
func (r FileRecord) IsImage() bool {
	if r.IsDirectory {
		return false
	}
	if strings.HasPrefix(r.MimeType, "image/") {
		switch r.MimeType {
		case "image/jpeg", "image/png", "image/gif", "image/bmp", "image/tiff", "image/webp":
			return true
		}
		return false
	}
	_, ok := imageExtensions[r.FileType]
	return ok
}
