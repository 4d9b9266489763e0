package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"

	"github.com/mordilloSan/diskexplorer/fileops"
	"github.com/mordilloSan/diskexplorer/metrics"
)

const maxFileOpBody = 4 << 20

type deleteRequest struct {
	Files []string `json:"files"`
}

// decodePathList accepts either a bare JSON array of paths or {"files": [...]}.
func decodePathList(body []byte) ([]string, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errors.New("request body is empty")
	}
	var paths []string
	if strings.HasPrefix(trimmed, "[") {
		if err := sonic.UnmarshalString(trimmed, &paths); err != nil {
			return nil, fmt.Errorf("invalid path list: %w", err)
		}
	} else {
		var req deleteRequest
		if err := sonic.UnmarshalString(trimmed, &req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
		paths = req.Files
	}
	if len(paths) == 0 {
		return nil, errors.New("no files given")
	}
	return paths, nil
}

func (d *daemon) handleDelete(c *gin.Context) {
	permanent, err := queryBool(c.Query("permanent"))
	if err != nil {
		writeError(c, http.StatusBadRequest, fmt.Errorf("permanent: %w", err))
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFileOpBody))
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	paths, err := decodePathList(body)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	results := d.files.Delete(c.Request.Context(), paths, permanent)
	countOutcomes(fileops.KindDelete, results)
	c.JSON(http.StatusOK, results)
}

type moveRequest struct {
	Files           []string `json:"files" binding:"required,min=1,dive,required"`
	TargetDirectory string   `json:"target_directory" binding:"required"`
}

func (d *daemon) handleMove(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	if !filepath.IsAbs(req.TargetDirectory) {
		writeError(c, http.StatusBadRequest, errors.New("target_directory must be absolute"))
		return
	}

	results := d.files.Move(c.Request.Context(), req.Files, req.TargetDirectory)
	countOutcomes(fileops.KindMove, results)
	c.JSON(http.StatusOK, results)
}

type renameRequest struct {
	FilePath string `json:"file_path" binding:"required"`
	NewName  string `json:"new_name" binding:"required"`
}

func (d *daemon) handleRename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	newPath, err := d.files.Rename(c.Request.Context(), req.FilePath, req.NewName)
	if err != nil {
		metrics.FileOperations.WithLabelValues(fileops.KindRename, "error").Inc()
		switch {
		case errors.Is(err, fileops.ErrInvalidName):
			writeError(c, http.StatusBadRequest, err)
		case errors.Is(err, fileops.ErrNotFound):
			writeError(c, http.StatusNotFound, err)
		case errors.Is(err, fileops.ErrExists):
			writeError(c, http.StatusConflict, err)
		default:
			writeError(c, http.StatusInternalServerError, err)
		}
		return
	}
	metrics.FileOperations.WithLabelValues(fileops.KindRename, "renamed").Inc()
	c.JSON(http.StatusOK, gin.H{"old_path": req.FilePath, "new_path": newPath})
}

// countOutcomes folds per-path results into low-cardinality metric labels.
func countOutcomes(kind string, results map[string]string) {
	for _, outcome := range results {
		label := outcome
		switch {
		case strings.HasPrefix(outcome, "error:"):
			label = "error"
		case outcome == fileops.OutcomeDeleted, outcome == fileops.OutcomeNotFound, outcome == fileops.OutcomeNotAFile:
		default:
			label = "moved"
		}
		metrics.FileOperations.WithLabelValues(kind, label).Inc()
	}
}
