// Package analysis extracts content-derived metadata from files: MIME type,
// content hash, perceptual hash and image thumbnails.
package analysis

import (
	"errors"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/mordilloSan/diskexplorer/indexing/iteminfo"
)

// ErrUnavailable marks metadata that could not be computed for a file.
// Callers record a warning and leave the field empty.
var ErrUnavailable = errors.New("metadata unavailable")

const octetStream = "application/octet-stream"

func init() {
	// Extension fallbacks not always present in the system MIME tables.
	for ext, typ := range map[string]string{
		".mkv":  "video/x-matroska",
		".mp4":  "video/mp4",
		".m4v":  "video/x-m4v",
		".mov":  "video/quicktime",
		".avi":  "video/x-msvideo",
		".wmv":  "video/x-ms-wmv",
		".flv":  "video/x-flv",
		".webm": "video/webm",
		".mpg":  "video/mpeg",
		".mpeg": "video/mpeg",
		".ts":   "video/mp2t",
		".3gp":  "video/3gpp",
		".webp": "image/webp",
	} {
		if mime.TypeByExtension(ext) == "" {
			_ = mime.AddExtensionType(ext, typ)
		}
	}
}

// Classify returns the lower-case extension and the MIME type of the file at
// path. Content sniffing wins unless it is inconclusive, in which case the
// extension's registered type is used.
func Classify(path string) (fileType, mimeType string) {
	fileType = iteminfo.ExtensionOf(path)
	byExt := typeByExtension(fileType)

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		if byExt != "" {
			return fileType, byExt
		}
		return fileType, octetStream
	}

	sniffed := stripParams(detected.String())
	if (sniffed == octetStream || sniffed == "text/plain") && byExt != "" {
		return fileType, byExt
	}
	return fileType, sniffed
}

func typeByExtension(ext string) string {
	if ext == "" {
		return ""
	}
	return stripParams(mime.TypeByExtension(ext))
}

func stripParams(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(strings.ToLower(t))
}
