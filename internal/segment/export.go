package segment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/export"
	"github.com/heimdex/vidseg/internal/library"
	"github.com/heimdex/vidseg/internal/logging"
	"github.com/heimdex/vidseg/internal/metrics"
	"github.com/heimdex/vidseg/internal/predictor"
)

// ExportHistory records finished exports.
type ExportHistory interface {
	RecordExport(ctx context.Context, rec *library.ExportRecord) error
}

// Archive is a finished export ready to be sent to the client.
type Archive struct {
	FileName  string
	SavedPath string
	*export.Result
}

// Export builds the annotation archive for a session. Frame bounds are
// checked before anything else. With auto-propagation enabled, frames in
// range the model has never produced are filled in by a full propagation
// first.
func (s *Service) Export(ctx context.Context, sessionID string, req export.Request) (*Archive, error) {
	info, err := s.store.Require(sessionID)
	if err != nil {
		return nil, err
	}
	start, end, err := export.ResolveBounds(info.NumFrames, req.Scope)
	if err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := logging.WithSessionID(s.logger, sessionID)

	cache, err := s.predictor.FrameCache(sessionID)
	if err != nil {
		return nil, s.exportFailed(err)
	}

	if req.AutoPropagateIfIncomplete {
		if missing := cache.Missing(start, end); len(missing) > 0 {
			log.Info("propagating before export", "missing_frames", len(missing), "frame_start", start)
			if err := s.propagateAll(ctx, sessionID, start); err != nil {
				metrics.ExportsTotal.WithLabelValues("failed").Inc()
				return nil, err
			}
		}
	}

	req.Scope.FrameStart = &start
	req.Scope.FrameEnd = &end
	res, err := export.Build(ctx, export.Source{
		SessionID: info.ID,
		FramesDir: info.FramesDir,
		NumFrames: info.NumFrames,
		Width:     info.Width,
		Height:    info.Height,
	}, cache.Snapshot(start, end), req)
	if err != nil {
		log.Error("export failed", "error", err)
		metrics.ExportsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	archive := &Archive{FileName: export.ArchiveFileName(req.ArchiveName, info.ID), Result: res}
	if s.exportsDir != "" {
		p, err := s.saveArchive(archive)
		if err != nil {
			return nil, s.exportFailed(err)
		}
		archive.SavedPath = p
	}

	metrics.ExportsTotal.WithLabelValues("ok").Inc()
	metrics.ExportBytes.Observe(float64(len(res.Archive)))
	log.Info("export built",
		"frame_start", start,
		"frame_end", end,
		"annotations", res.Annotations,
		"bytes", len(res.Archive),
	)

	if s.history != nil {
		formats := make([]string, len(req.Formats))
		for i, f := range req.Formats {
			formats[i] = string(f)
		}
		err := s.history.RecordExport(ctx, &library.ExportRecord{
			SessionID:   info.ID,
			VideoID:     info.VideoID,
			FileName:    archive.FileName,
			Formats:     formats,
			MergeMode:   string(req.Merge.Mode),
			FrameStart:  start,
			FrameEnd:    end,
			Annotations: res.Annotations,
			SizeBytes:   int64(len(res.Archive)),
			SavedPath:   archive.SavedPath,
		})
		if err != nil {
			log.Warn("failed to record export", "error", err)
		}
	}
	return archive, nil
}

// propagateAll drains a propagation in both directions from start under a
// fresh generation.
func (s *Service) propagateAll(ctx context.Context, sessionID string, start int) error {
	gen, err := s.store.BumpGeneration(sessionID)
	if err != nil {
		return err
	}
	for _, err := range s.StreamPropagation(ctx, sessionID, predictor.DirectionBoth, &start, gen) {
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return apperr.Wrap(apperr.KindModelRuntime, err, "Propagation failed")
	}
	return nil
}

func (s *Service) saveArchive(a *Archive) (string, error) {
	if err := os.MkdirAll(s.exportsDir, 0755); err != nil {
		return "", fmt.Errorf("create exports dir: %w", err)
	}
	if err := export.ValidateArchiveDir(s.exportsDir); err != nil {
		return "", err
	}
	p := filepath.Join(s.exportsDir, a.FileName)
	if err := os.WriteFile(p, a.Archive, 0o644); err != nil {
		return "", fmt.Errorf("write archive: %w", err)
	}
	return p, nil
}

func (s *Service) exportFailed(err error) error {
	metrics.ExportsTotal.WithLabelValues("failed").Inc()
	return apperr.Wrap(apperr.KindExportFailed, err, "Failed to export session data")
}
