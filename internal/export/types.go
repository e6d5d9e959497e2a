package export

import (
	"slices"

	"github.com/heimdex/vidseg/internal/apperr"
)

type Format string

const (
	FormatCOCO Format = "coco_instance"
	FormatYOLO Format = "yolo_segmentation"
	FormatPNG  Format = "binary_masks_png"
)

type MergeMode string

const (
	MergeNone        MergeMode = "none"
	MergeModeGroup   MergeMode = "group"
	MergeDestructive MergeMode = "destructive_export"
)

// SyntheticIDBase is the first object id given to a merge group. It is far
// above any id the model or the user allocates.
const SyntheticIDBase = 2_000_000_000

type Request struct {
	Formats                   []Format     `json:"formats"`
	ObjectMeta                []ObjectMeta `json:"object_meta"`
	Merge                     MergeConfig  `json:"merge"`
	Scope                     Scope        `json:"scope"`
	AutoPropagateIfIncomplete bool         `json:"auto_propagate_if_incomplete"`
	ArchiveName               string       `json:"archive_name,omitempty"`
}

type ObjectMeta struct {
	ObjID        int    `json:"obj_id"`
	ClassName    string `json:"class_name"`
	InstanceName string `json:"instance_name"`
}

type MergeConfig struct {
	Mode   MergeMode    `json:"mode"`
	Groups []MergeGroup `json:"groups"`
}

type MergeGroup struct {
	Name   string `json:"name"`
	ObjIDs []int  `json:"obj_ids"`
}

// Scope limits the export to an inclusive frame range. Nil bounds mean the
// first and last frame.
type Scope struct {
	FrameStart    *int `json:"frame_start"`
	FrameEnd      *int `json:"frame_end"`
	IncludeImages bool `json:"include_images"`
}

// DefaultRequest is the request JSON bodies are decoded on top of.
func DefaultRequest() Request {
	return Request{
		Merge:                     MergeConfig{Mode: MergeNone},
		Scope:                     Scope{IncludeImages: true},
		AutoPropagateIfIncomplete: true,
	}
}

// Validate checks the request shape. It does not look at frame bounds.
func (r Request) Validate() error {
	if len(r.Formats) == 0 {
		return apperr.New(apperr.KindBadRequest, "at least one export format is required")
	}
	for _, f := range r.Formats {
		switch f {
		case FormatCOCO, FormatYOLO, FormatPNG:
		default:
			return apperr.New(apperr.KindBadRequest, "unknown export format %q", f)
		}
	}
	switch r.Merge.Mode {
	case MergeNone, MergeModeGroup, MergeDestructive:
	default:
		return apperr.New(apperr.KindBadRequest, "unknown merge mode %q", r.Merge.Mode)
	}
	return nil
}

func (r Request) Has(f Format) bool {
	return slices.Contains(r.Formats, f)
}

// Source is the session data an export reads besides the mask cache.
type Source struct {
	SessionID string
	FramesDir string
	NumFrames int
	Width     int
	Height    int
}

// Result describes a finished archive.
type Result struct {
	Archive     []byte
	FrameStart  int
	FrameEnd    int
	NumFrames   int
	Annotations int
	Categories  []Category
}
