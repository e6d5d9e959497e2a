package segment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/logging"
	"github.com/heimdex/vidseg/internal/metrics"
	"github.com/heimdex/vidseg/internal/predictor"
	"github.com/heimdex/vidseg/internal/session"
	"github.com/heimdex/vidseg/internal/video"
)

// StartFromVideo probes a video, extracts its frames, opens a model session
// over them and makes it the active session, replacing any previous one.
// requestedFPS <= 0 lets the duration and frame budget decide.
func (s *Service) StartFromVideo(ctx context.Context, videoPath, videoID string, requestedFPS float64) (session.Info, error) {
	meta, err := s.extractor.Probe(ctx, videoPath)
	if err != nil {
		return session.Info{}, apperr.Wrap(apperr.KindVideoProcessingFailed, err, "Failed to probe video")
	}
	if !video.IsDurationAllowed(meta.DurationSec, s.maxDurationSec) {
		return session.Info{}, apperr.New(apperr.KindVideoTooLong,
			"Video duration %.2fs exceeds max %.2fs", meta.DurationSec, s.maxDurationSec)
	}
	fps := video.ComputeProcessingFPS(meta.FPS, meta.DurationSec, s.maxFrames, requestedFPS)

	s.CloseActive(ctx)

	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	framesDir := filepath.Join(s.framesDir, id)
	log := logging.WithSessionID(s.logger, id)

	info, err := s.openSession(ctx, id, framesDir, videoPath, videoID, meta, fps)
	if err != nil {
		if rmErr := os.RemoveAll(framesDir); rmErr != nil {
			log.Warn("failed to clean up frames", "error", rmErr)
		}
		log.Error("session start failed", "video_path", logging.SanitizePath(videoPath), "error", err)
		if apperr.KindOf(err) == apperr.KindInternal {
			return session.Info{}, apperr.Wrap(apperr.KindVideoProcessingFailed, err, "Failed to process video")
		}
		return session.Info{}, err
	}

	s.store.SetActive(info)
	metrics.ActiveSessions.Set(1)
	log.Info("session started",
		"num_frames", info.NumFrames,
		"width", info.Width,
		"height", info.Height,
		"processing_fps", info.ProcessingFPS,
	)
	return info, nil
}

func (s *Service) openSession(ctx context.Context, id, framesDir, videoPath, videoID string, meta *video.Metadata, fps float64) (session.Info, error) {
	if err := s.extractor.ExtractFrames(ctx, videoPath, framesDir, fps, s.maxFrames); err != nil {
		return session.Info{}, fmt.Errorf("extract frames: %w", err)
	}
	n, err := video.CountFrames(framesDir)
	if err != nil {
		return session.Info{}, fmt.Errorf("count frames: %w", err)
	}
	if n <= 0 {
		return session.Info{}, errors.New("no frames were extracted from video")
	}

	width, height := meta.Width, meta.Height
	if first, err := video.FramePath(framesDir, 0); err == nil {
		if w, h, err := s.extractor.ProbeImageSize(ctx, first); err == nil {
			width, height = w, h
		}
	}

	actualID, err := s.predictor.StartSession(ctx, predictor.SessionConfig{
		SessionID: id,
		FramesDir: framesDir,
		NumFrames: n,
		Width:     width,
		Height:    height,
	})
	if err != nil {
		return session.Info{}, apperr.Wrap(apperr.KindModelRuntime, err, "Failed to start model session")
	}

	return session.Info{
		ID:                actualID,
		VideoID:           videoID,
		UploadPath:        videoPath,
		FramesDir:         framesDir,
		NumFrames:         n,
		Width:             width,
		Height:            height,
		SourceFPS:         meta.FPS,
		ProcessingFPS:     fps,
		SourceDurationSec: meta.DurationSec,
	}, nil
}

// CloseActive releases the active session if there is one: the model
// session is closed (errors are logged), frames are removed and the slot is
// cleared.
func (s *Service) CloseActive(ctx context.Context) {
	info, ok := s.store.Active()
	if !ok {
		return
	}
	s.supersede(info.ID)
	if err := s.predictor.CloseSession(ctx, info.ID); err != nil {
		logging.WithSessionID(s.logger, info.ID).Warn("failed to close model session", "error", err)
	}
	s.release(info)
}

// CloseActiveIfVideo closes the active session when it was started from one
// of the given videos. It reports whether a session was closed.
func (s *Service) CloseActiveIfVideo(ctx context.Context, videoIDs []string) bool {
	info, ok := s.store.Active()
	if !ok {
		return false
	}
	stem := strings.TrimSuffix(filepath.Base(info.UploadPath), filepath.Ext(info.UploadPath))
	if !slices.Contains(videoIDs, stem) && (info.VideoID == "" || !slices.Contains(videoIDs, info.VideoID)) {
		return false
	}
	s.CloseActive(ctx)
	return true
}

// DeleteSession closes the model session and always releases the frames and
// the session slot, even when closing fails.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	info, err := s.store.Require(sessionID)
	if err != nil {
		return err
	}
	s.supersede(sessionID)
	closeErr := s.predictor.CloseSession(ctx, sessionID)
	s.release(info)
	if closeErr != nil {
		s.logFailure("close session failed", sessionID, closeErr)
		return apperr.Wrap(apperr.KindModelRuntime, closeErr, "Failed to close session")
	}
	return nil
}

// supersede ends any running propagation stream so it lets go of the model
// before the session is closed.
func (s *Service) supersede(sessionID string) {
	if _, err := s.store.BumpGeneration(sessionID); err != nil {
		logging.WithSessionID(s.logger, sessionID).Debug("session already gone", "error", err)
	}
}

func (s *Service) release(info session.Info) {
	if err := os.RemoveAll(info.FramesDir); err != nil {
		logging.WithSessionID(s.logger, info.ID).Warn("failed to remove frames", "error", err)
	}
	if s.store.ClearIfActive(info.ID) {
		metrics.ActiveSessions.Set(0)
	}
}

// FramePath returns the image of one frame of the active session.
func (s *Service) FramePath(sessionID string, frame int) (string, error) {
	info, err := s.store.Require(sessionID)
	if err != nil {
		return "", err
	}
	if err := validateFrame(info, frame); err != nil {
		return "", err
	}
	p, err := video.FramePath(info.FramesDir, frame)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", apperr.New(apperr.KindNotFound, "Frame image not found on disk")
		}
		return "", err
	}
	return p, nil
}
