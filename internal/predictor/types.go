// Package predictor bridges the segmentation model. The production
// implementation drives a long-lived Python worker over JSON lines on
// stdin/stdout; a stub implementation serves development without a model.
package predictor

import (
	"strings"
	"time"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/maskcodec"
)

// Direction selects which way propagation walks from its start frame.
type Direction string

const (
	DirectionForward  Direction = "forward"
	DirectionBackward Direction = "backward"
	DirectionBoth     Direction = "both"
)

// ParseDirection accepts forward, backward or both (case-insensitive). An
// empty string yields def.
func ParseDirection(s string, def Direction) (Direction, error) {
	switch Direction(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case DirectionForward:
		return DirectionForward, nil
	case DirectionBackward:
		return DirectionBackward, nil
	case DirectionBoth:
		return DirectionBoth, nil
	}
	return "", apperr.New(apperr.KindInvalidDirection, "direction must be forward, backward or both, got %q", s)
}

// SessionConfig describes the frames a model session runs over.
type SessionConfig struct {
	SessionID string
	FramesDir string
	NumFrames int
	Width     int
	Height    int
}

// PromptRequest is either a text prompt (Text set) or a point prompt
// (ObjID, Points and Labels set).
type PromptRequest struct {
	SessionID  string
	FrameIndex int
	Text       string
	ObjID      *int
	Points     [][2]float64
	Labels     []int
}

// PropagateRequest starts a propagation stream. A nil StartFrameIndex lets
// the model pick its default start.
type PropagateRequest struct {
	SessionID       string
	Direction       Direction
	StartFrameIndex *int
}

// FrameOutput is the model's result for one frame.
type FrameOutput struct {
	FrameIndex int
	Outputs    maskcodec.RawOutputs
}

// Capabilities is what the installed worker environment can do, as reported
// by `python -m <module> doctor --json`.
type Capabilities struct {
	PackageVersion string             `json:"package_version"`
	Python         PythonInfo         `json:"python"`
	Dependencies   map[string]DepInfo `json:"dependencies"`
	Executables    map[string]DepInfo `json:"executables"`
	GPU            GPUInfo            `json:"gpu"`

	HasModel  bool      `json:"has_model"`
	HasFFmpeg bool      `json:"has_ffmpeg"`
	ProbedAt  time.Time `json:"probed_at"`
}

type PythonInfo struct {
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

// DepInfo is the availability of a single dependency.
type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Path      string `json:"path,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GPUInfo struct {
	CUDAAvailable bool   `json:"cuda_available"`
	DeviceCount   int    `json:"device_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

func isAvailable(deps map[string]DepInfo, name string) bool {
	d, ok := deps[name]
	return ok && d.Available
}
