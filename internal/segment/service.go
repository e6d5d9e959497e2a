// Package segment coordinates editing operations on the active session: it
// validates requests against the session store, bumps the generation before
// every model-state change, talks to the predictor and encodes its output.
package segment

import (
	"context"
	"iter"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/logging"
	"github.com/heimdex/vidseg/internal/maskcodec"
	"github.com/heimdex/vidseg/internal/metrics"
	"github.com/heimdex/vidseg/internal/predictor"
	"github.com/heimdex/vidseg/internal/session"
	"github.com/heimdex/vidseg/internal/video"
)

// FrameObjects is the encoded model output for one frame.
type FrameObjects struct {
	FrameIndex int                      `json:"frame_index"`
	Objects    []maskcodec.ObjectOutput `json:"objects"`
}

type Config struct {
	Store     *session.Store
	Predictor predictor.Predictor
	Extractor video.Extractor
	History   ExportHistory
	Logger    *slog.Logger

	// FramesDir holds one directory of extracted frames per session.
	FramesDir        string
	ExportsDir       string
	MaxDurationSec   float64
	MaxFrames        int
	DefaultDirection predictor.Direction
}

type Service struct {
	store     *session.Store
	predictor predictor.Predictor
	extractor video.Extractor
	history   ExportHistory
	logger    *slog.Logger

	framesDir        string
	exportsDir       string
	maxDurationSec   float64
	maxFrames        int
	defaultDirection predictor.Direction
}

func NewService(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	dir := cfg.DefaultDirection
	if dir == "" {
		dir = predictor.DirectionBoth
	}
	exportsDir := cfg.ExportsDir
	if exportsDir != "" {
		exportsDir = filepath.Clean(exportsDir)
	}
	return &Service{
		store:            cfg.Store,
		predictor:        cfg.Predictor,
		extractor:        cfg.Extractor,
		history:          cfg.History,
		logger:           logging.WithComponent(logger, "segment"),
		framesDir:        cfg.FramesDir,
		exportsDir:       exportsDir,
		maxDurationSec:   cfg.MaxDurationSec,
		maxFrames:        cfg.MaxFrames,
		defaultDirection: dir,
	}
}

func (s *Service) DefaultDirection() predictor.Direction {
	return s.defaultDirection
}

// ActiveSession returns the loaded session, if any.
func (s *Service) ActiveSession() (session.Info, bool) {
	return s.store.Active()
}

// Session returns the active session if its id matches.
func (s *Service) Session(sessionID string) (session.Info, error) {
	return s.store.Require(sessionID)
}

func validateFrame(info session.Info, frame int) error {
	if frame < 0 || frame >= info.NumFrames {
		return apperr.New(apperr.KindInvalidFrameIndex, "frame_index must be in [0, %d]", info.NumFrames-1)
	}
	return nil
}

func encode(out predictor.FrameOutput) FrameObjects {
	return FrameObjects{FrameIndex: out.FrameIndex, Objects: maskcodec.EncodeOutputs(out.Outputs)}
}

// AddTextPrompt detects objects matching text on one frame. With resetFirst
// the model state, click history and object counter are cleared first.
func (s *Service) AddTextPrompt(ctx context.Context, sessionID string, frame int, text string, resetFirst bool) (FrameObjects, error) {
	info, err := s.store.Require(sessionID)
	if err != nil {
		return FrameObjects{}, err
	}
	if err := validateFrame(info, frame); err != nil {
		return FrameObjects{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return FrameObjects{}, apperr.New(apperr.KindBadRequest, "Text prompt cannot be empty")
	}

	if _, err := s.store.BumpGeneration(sessionID); err != nil {
		return FrameObjects{}, err
	}

	if resetFirst {
		if err := s.predictor.ResetSession(ctx, sessionID); err != nil {
			s.logFailure("text prompt reset failed", sessionID, err, "frame_index", frame)
			return FrameObjects{}, apperr.Wrap(apperr.KindModelRuntime, err, "Text prompt failed")
		}
		if err := s.store.ClearClickHistory(sessionID); err != nil {
			return FrameObjects{}, err
		}
		if err := s.store.ResetObjectCounter(sessionID); err != nil {
			return FrameObjects{}, err
		}
	}

	out, err := s.predictor.AddPrompt(ctx, predictor.PromptRequest{
		SessionID:  sessionID,
		FrameIndex: frame,
		Text:       text,
	})
	if err != nil {
		s.logFailure("text prompt failed", sessionID, err, "frame_index", frame)
		return FrameObjects{}, apperr.Wrap(apperr.KindModelRuntime, err, "Text prompt failed")
	}
	metrics.PromptsTotal.WithLabelValues("text").Inc()
	return encode(out), nil
}

// AddClickPrompt refines one object on one frame. The model receives every
// point clicked so far for that object and frame, not only the new ones.
func (s *Service) AddClickPrompt(ctx context.Context, sessionID string, frame, objID int, points []session.Point) (FrameObjects, error) {
	info, err := s.store.Require(sessionID)
	if err != nil {
		return FrameObjects{}, err
	}
	if err := validateFrame(info, frame); err != nil {
		return FrameObjects{}, err
	}
	if len(points) == 0 {
		return FrameObjects{}, apperr.New(apperr.KindBadRequest, "At least one point is required")
	}
	for _, p := range points {
		if err := p.Validate(); err != nil {
			return FrameObjects{}, err
		}
	}

	// The bump comes before seeding so a running stream stops and releases
	// the predictor.
	if _, err := s.store.BumpGeneration(sessionID); err != nil {
		return FrameObjects{}, err
	}
	if err := s.seedFrameCache(ctx, info, frame); err != nil {
		return FrameObjects{}, err
	}

	all, err := s.store.AddClickPoints(sessionID, objID, frame, points)
	if err != nil {
		return FrameObjects{}, err
	}
	coords := make([][2]float64, len(all))
	labels := make([]int, len(all))
	for i, p := range all {
		coords[i] = [2]float64{p.X, p.Y}
		labels[i] = p.Label
	}

	out, err := s.predictor.AddPrompt(ctx, predictor.PromptRequest{
		SessionID:  sessionID,
		FrameIndex: frame,
		ObjID:      &objID,
		Points:     coords,
		Labels:     labels,
	})
	if err != nil {
		s.logFailure("click prompt failed", sessionID, err, "frame_index", frame, "obj_id", objID)
		return FrameObjects{}, apperr.Wrap(apperr.KindModelRuntime, err, "Click prompt failed")
	}
	metrics.PromptsTotal.WithLabelValues("click").Inc()
	return encode(out), nil
}

// CreateObject allocates an id for a new user-drawn object.
func (s *Service) CreateObject(sessionID string) (int, error) {
	return s.store.NextUserObjectID(sessionID)
}

func (s *Service) RemoveObject(ctx context.Context, sessionID string, objID int) error {
	if _, err := s.store.Require(sessionID); err != nil {
		return err
	}
	if _, err := s.store.BumpGeneration(sessionID); err != nil {
		return err
	}
	if err := s.predictor.RemoveObject(ctx, sessionID, objID); err != nil {
		s.logFailure("remove object failed", sessionID, err, "obj_id", objID)
		return apperr.Wrap(apperr.KindModelRuntime, err, "Remove object failed")
	}
	return s.store.ClearClickHistoryForObject(sessionID, objID)
}

func (s *Service) ResetSession(ctx context.Context, sessionID string) error {
	if _, err := s.store.Require(sessionID); err != nil {
		return err
	}
	if _, err := s.store.BumpGeneration(sessionID); err != nil {
		return err
	}
	if err := s.predictor.ResetSession(ctx, sessionID); err != nil {
		s.logFailure("reset session failed", sessionID, err)
		return apperr.Wrap(apperr.KindModelRuntime, err, "Reset session failed")
	}
	if err := s.store.ClearClickHistory(sessionID); err != nil {
		return err
	}
	return s.store.ResetObjectCounter(sessionID)
}

// StartPropagation validates a propagation request and claims a new
// generation for it. Any earlier stream becomes stale.
func (s *Service) StartPropagation(sessionID string, startFrame *int) (uint64, error) {
	info, err := s.store.Require(sessionID)
	if err != nil {
		return 0, err
	}
	if startFrame != nil {
		if err := validateFrame(info, *startFrame); err != nil {
			return 0, err
		}
	}
	return s.store.BumpGeneration(sessionID)
}

// StreamPropagation runs the model over the video and yields one element per
// frame. Before each element the generation is checked: once a newer edit
// has happened the stream ends without an error. A session that is no longer
// active yields SESSION_NOT_FOUND and a model failure yields a single
// MODEL_RUNTIME_ERROR; either ends the stream.
func (s *Service) StreamPropagation(ctx context.Context, sessionID string, dir predictor.Direction, startFrame *int, generation uint64) iter.Seq2[FrameObjects, error] {
	return func(yield func(FrameObjects, error) bool) {
		req := predictor.PropagateRequest{SessionID: sessionID, Direction: dir, StartFrameIndex: startFrame}
		for out, err := range s.predictor.StreamPropagate(ctx, req) {
			if ctx.Err() != nil {
				return
			}
			current, lookupErr := s.store.IsGenerationCurrent(sessionID, generation)
			if lookupErr != nil {
				yield(FrameObjects{}, lookupErr)
				return
			}
			if !current {
				metrics.StaleStreams.Inc()
				s.logger.Debug("propagation superseded", "session_id", sessionID, "generation", generation)
				return
			}
			if err != nil {
				s.logFailure("propagation failed", sessionID, err, "direction", string(dir))
				yield(FrameObjects{}, apperr.Wrap(apperr.KindModelRuntime, err, "Propagation failed"))
				return
			}
			metrics.PropagatedFrames.Inc()
			if !yield(encode(out), nil) {
				return
			}
		}
	}
}

func (s *Service) logFailure(msg, sessionID string, err error, args ...any) {
	logging.WithSessionID(s.logger, sessionID).Error(msg, append(args, "error", err)...)
}
