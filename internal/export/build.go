package export

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/maskcodec"
	"github.com/heimdex/vidseg/internal/video"
)

type manifestObject struct {
	ObjID        int    `json:"obj_id"`
	ClassName    string `json:"class_name"`
	InstanceName string `json:"instance_name"`
}

type manifest struct {
	SessionID   string           `json:"session_id"`
	FrameRange  [2]int           `json:"frame_range"`
	NumFrames   int              `json:"num_frames"`
	Formats     []Format         `json:"formats"`
	MergeMode   MergeMode        `json:"merge_mode"`
	MergeGroups []MergeGroupDef  `json:"merge_groups"`
	Categories  []Category       `json:"categories"`
	ObjectMeta  []manifestObject `json:"object_meta"`
}

// Build assembles the export archive from a snapshot of the mask cache.
// Bounds are checked before anything else; failures after that are
// reported as EXPORT_FAILED.
func Build(ctx context.Context, src Source, cache map[int]map[int]maskcodec.Mask, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	start, end, err := ResolveBounds(src.NumFrames, req.Scope)
	if err != nil {
		return nil, err
	}

	defs := BuildMergeDefs(req.Merge.Groups)
	meta := BuildMetaTable(req.ObjectMeta, defs)

	frames := make([]int, 0, end-start+1)
	merged := make(map[int]map[int]maskcodec.Mask, end-start+1)
	for f := start; f <= end; f++ {
		frames = append(frames, f)
		m, err := ApplyMergeMode(cache[f], req.Merge.Mode, defs)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindExportFailed, err, "failed to export session data")
		}
		merged[f] = m
	}
	cats := BuildCategories(frames, merged, meta)

	encoded, err := encodeFrames(ctx, frames, merged, req, meta, cats, src.Width, src.Height)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindExportFailed, err, "failed to export session data")
	}

	var buf bytes.Buffer
	if err := writeArchive(&buf, src, req, encoded, cats, defs, meta, start, end); err != nil {
		return nil, apperr.Wrap(apperr.KindExportFailed, err, "failed to export session data")
	}

	annotations := 0
	for _, f := range encoded {
		annotations += len(f.objects)
	}
	return &Result{
		Archive:     buf.Bytes(),
		FrameStart:  start,
		FrameEnd:    end,
		NumFrames:   len(frames),
		Annotations: annotations,
		Categories:  cats.List(),
	}, nil
}

// encodeFrames encodes frames in parallel; results keep frame order.
func encodeFrames(ctx context.Context, frames []int, merged map[int]map[int]maskcodec.Mask, req Request, meta MetaTable, cats *Categories, width, height int) ([]encodedFrame, error) {
	out := make([]encodedFrame, len(frames))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, f := range frames {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ef, err := encodeFrame(f, merged[f], req, meta, cats, width, height)
			if err != nil {
				return err
			}
			out[i] = ef
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// writeArchive writes entries in a fixed order: images, COCO, YOLO, masks,
// manifest.
func writeArchive(w io.Writer, src Source, req Request, frames []encodedFrame, cats *Categories, defs []MergeGroupDef, meta MetaTable, start, end int) error {
	zw := zip.NewWriter(w)

	if req.Scope.IncludeImages {
		for _, f := range frames {
			if err := copyFrameImage(zw, src.FramesDir, f.index); err != nil {
				return err
			}
		}
	}

	if req.Has(FormatCOCO) {
		data, err := marshalJSON(buildCOCO(frames, cats, src.Width, src.Height))
		if err != nil {
			return fmt.Errorf("encode coco: %w", err)
		}
		if err := writeEntry(zw, cocoPath, data); err != nil {
			return err
		}
	}

	if req.Has(FormatYOLO) {
		if err := writeEntry(zw, yoloClassesPath, yoloClasses(cats)); err != nil {
			return err
		}
		for _, f := range frames {
			if err := writeEntry(zw, yoloLabelPath(f.index), yoloLabels(f)); err != nil {
				return err
			}
		}
	}

	if req.Has(FormatPNG) {
		for _, f := range frames {
			for _, o := range f.objects {
				if err := writeEntry(zw, maskPath(f.index, o.objID), o.png); err != nil {
					return err
				}
			}
		}
	}

	data, err := marshalJSON(buildManifest(src, req, defs, cats, meta, start, end))
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := writeEntry(zw, manifestPath, data); err != nil {
		return err
	}

	return zw.Close()
}

func buildManifest(src Source, req Request, defs []MergeGroupDef, cats *Categories, meta MetaTable, start, end int) manifest {
	ids := make([]int, 0, len(meta))
	for id := range meta {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	objects := make([]manifestObject, 0, len(ids))
	for _, id := range ids {
		m := meta[id]
		objects = append(objects, manifestObject{ObjID: id, ClassName: m.ClassName, InstanceName: m.InstanceName})
	}

	return manifest{
		SessionID:   src.SessionID,
		FrameRange:  [2]int{start, end},
		NumFrames:   end - start + 1,
		Formats:     req.Formats,
		MergeMode:   req.Merge.Mode,
		MergeGroups: defs,
		Categories:  cats.List(),
		ObjectMeta:  objects,
	}
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	fw, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// copyFrameImage copies a frame verbatim. A frame missing on disk is
// skipped.
func copyFrameImage(zw *zip.Writer, framesDir string, frame int) error {
	f, err := os.Open(filepath.Join(framesDir, video.FrameName(frame)))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open frame %d: %w", frame, err)
	}
	defer f.Close()

	fw, err := zw.Create(imagePath(frame))
	if err != nil {
		return fmt.Errorf("create %s: %w", imagePath(frame), err)
	}
	if _, err := io.Copy(fw, f); err != nil {
		return fmt.Errorf("copy frame %d: %w", frame, err)
	}
	return nil
}
