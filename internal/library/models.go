package library

import (
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/vidseg/internal/video"
)

var (
	ErrVideoNotFound = errors.New("stored video not found")
	ErrInvalidName   = errors.New("display name cannot be empty")
)

// Video is an uploaded video kept in the uploads directory.
type Video struct {
	ID          string    `json:"video_id"`
	FileName    string    `json:"file_name"`
	DisplayName string    `json:"display_name"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ExportRecord is one entry of the export history.
type ExportRecord struct {
	ID          string    `json:"export_id"`
	SessionID   string    `json:"session_id"`
	VideoID     string    `json:"video_id,omitempty"`
	FileName    string    `json:"file_name"`
	Formats     []string  `json:"formats"`
	MergeMode   string    `json:"merge_mode"`
	FrameStart  int       `json:"frame_start"`
	FrameEnd    int       `json:"frame_end"`
	Annotations int       `json:"annotations"`
	SizeBytes   int64     `json:"size_bytes"`
	SavedPath   string    `json:"saved_path,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// StorageStatus describes the disk holding the data directory and the
// uploads it contains.
type StorageStatus struct {
	StorageRoot  string `json:"storage_root"`
	TotalBytes   uint64 `json:"total_bytes"`
	UsedBytes    uint64 `json:"used_bytes"`
	FreeBytes    uint64 `json:"free_bytes"`
	UploadsBytes int64  `json:"uploads_bytes"`
	UploadsCount int    `json:"uploads_count"`
}

// NewID returns a random 32-character hex id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// DisplayNameFromFile derives a display name from an uploaded file name.
func DisplayNameFromFile(filename, fallback string) string {
	base := filepath.Base(filename)
	stem := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		return fallback
	}
	return stem
}

func isVideoFile(name string) bool {
	return video.IsAllowedExtension(name)
}
