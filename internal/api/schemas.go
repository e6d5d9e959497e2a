package api

import (
	"time"

	"github.com/heimdex/vidseg/internal/library"
	"github.com/heimdex/vidseg/internal/maskcodec"
	"github.com/heimdex/vidseg/internal/predictor"
	"github.com/heimdex/vidseg/internal/session"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type StatusResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	UptimeS int64             `json:"uptime_s"`
	Session *SessionResponse  `json:"session"`
	Ready   bool              `json:"ready"`
	Health  *predictor.Health `json:"predictor,omitempty"`
}

// ErrorDetail is the body of every error response, wrapped in
// {"detail": ...}.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id"`
}

type ErrorResponse struct {
	Detail ErrorDetail `json:"detail"`
}

// SessionResponse describes a freshly started session.
type SessionResponse struct {
	SessionID           string  `json:"session_id"`
	VideoID             string  `json:"video_id,omitempty"`
	NumFrames           int     `json:"num_frames"`
	Width               int     `json:"width"`
	Height              int     `json:"height"`
	SourceFPS           float64 `json:"source_fps"`
	ProcessingFPS       float64 `json:"processing_fps"`
	SourceDurationSec   float64 `json:"source_duration_sec"`
	ProcessingNumFrames int     `json:"processing_num_frames"`
}

func SessionToResponse(info session.Info) SessionResponse {
	return SessionResponse{
		SessionID:           info.ID,
		VideoID:             info.VideoID,
		NumFrames:           info.NumFrames,
		Width:               info.Width,
		Height:              info.Height,
		SourceFPS:           info.SourceFPS,
		ProcessingFPS:       info.ProcessingFPS,
		SourceDurationSec:   info.SourceDurationSec,
		ProcessingNumFrames: info.NumFrames,
	}
}

type TextPromptRequest struct {
	FrameIndex int    `json:"frame_index"`
	Text       string `json:"text"`
	ResetFirst bool   `json:"reset_first"`
}

type ClickPromptRequest struct {
	FrameIndex int             `json:"frame_index"`
	ObjID      int             `json:"obj_id"`
	Points     []session.Point `json:"points"`
}

type PromptResponse struct {
	FrameIndex int                      `json:"frame_index"`
	Objects    []maskcodec.ObjectOutput `json:"objects"`
}

type CreateObjectResponse struct {
	ObjID int `json:"obj_id"`
}

type OperationResponse struct {
	OK bool `json:"ok"`
}

type StoredVideoResponse struct {
	VideoID     string `json:"video_id"`
	FileName    string `json:"file_name"`
	DisplayName string `json:"display_name"`
	SizeBytes   int64  `json:"size_bytes"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func VideoToResponse(v *library.Video) StoredVideoResponse {
	return StoredVideoResponse{
		VideoID:     v.ID,
		FileName:    v.FileName,
		DisplayName: v.DisplayName,
		SizeBytes:   v.SizeBytes,
		CreatedAt:   v.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   v.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

type StoredVideoListResponse struct {
	Videos []StoredVideoResponse `json:"videos"`
}

type RenameStoredVideoRequest struct {
	DisplayName string `json:"display_name"`
}

type DeleteStoredVideosRequest struct {
	VideoIDs []string `json:"video_ids"`
}

type DeleteStoredVideosResponse struct {
	OK      bool `json:"ok"`
	Deleted int  `json:"deleted"`
}

type StorageStatusResponse struct {
	StorageRoot  string `json:"storage_root"`
	TotalBytes   uint64 `json:"total_bytes"`
	UsedBytes    uint64 `json:"used_bytes"`
	FreeBytes    uint64 `json:"free_bytes"`
	UploadsBytes int64  `json:"uploads_bytes"`
	UploadsCount int    `json:"uploads_count"`
}

type ExportRecordResponse struct {
	ExportID    string   `json:"export_id"`
	SessionID   string   `json:"session_id"`
	VideoID     string   `json:"video_id,omitempty"`
	FileName    string   `json:"file_name"`
	Formats     []string `json:"formats"`
	MergeMode   string   `json:"merge_mode"`
	FrameRange  [2]int   `json:"frame_range"`
	Annotations int      `json:"annotations"`
	SizeBytes   int64    `json:"size_bytes"`
	Saved       bool     `json:"saved"`
	CreatedAt   string   `json:"created_at"`
}

func ExportToResponse(e *library.ExportRecord) ExportRecordResponse {
	return ExportRecordResponse{
		ExportID:    e.ID,
		SessionID:   e.SessionID,
		VideoID:     e.VideoID,
		FileName:    e.FileName,
		Formats:     e.Formats,
		MergeMode:   e.MergeMode,
		FrameRange:  [2]int{e.FrameStart, e.FrameEnd},
		Annotations: e.Annotations,
		SizeBytes:   e.SizeBytes,
		Saved:       e.SavedPath != "",
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
	}
}

type ExportsResponse struct {
	Exports []ExportRecordResponse `json:"exports"`
}

// PropagationStartMessage is the first and only message a client sends on
// the propagation socket.
type PropagationStartMessage struct {
	Action          string `json:"action"`
	Direction       string `json:"direction"`
	StartFrameIndex *int   `json:"start_frame_index"`
}

type PropagationFrameMessage struct {
	Type       string                   `json:"type"`
	FrameIndex int                      `json:"frame_index"`
	Objects    []maskcodec.ObjectOutput `json:"objects"`
}

type PropagationDoneMessage struct {
	Type string `json:"type"`
}

type PropagationErrorMessage struct {
	Type string `json:"type"`
	ErrorDetail
}
