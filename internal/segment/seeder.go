package segment

import (
	"context"

	"github.com/heimdex/vidseg/internal/apperr"
	"github.com/heimdex/vidseg/internal/logging"
	"github.com/heimdex/vidseg/internal/predictor"
	"github.com/heimdex/vidseg/internal/session"
)

// seedFrameCache makes sure the model has state for frame before clicks are
// added to it. Single-frame inference is tried first when the predictor
// supports it, then one step of forward propagation.
func (s *Service) seedFrameCache(ctx context.Context, info session.Info, frame int) error {
	cache, err := s.predictor.FrameCache(info.ID)
	if err != nil {
		return apperr.Wrap(apperr.KindModelRuntime, err, "Click prompt failed")
	}
	if cache.Has(frame) {
		return nil
	}
	log := logging.WithSessionID(s.logger, info.ID)

	if inf, ok := s.predictor.(predictor.FrameInferer); ok {
		if _, err := inf.InferFrame(ctx, info.ID, frame); err != nil {
			log.Warn("single-frame inference failed", "frame_index", frame, "error", err)
		}
	}

	if !cache.Has(frame) {
		start := frame
		req := predictor.PropagateRequest{
			SessionID:       info.ID,
			Direction:       predictor.DirectionForward,
			StartFrameIndex: &start,
		}
		for _, err := range s.predictor.StreamPropagate(ctx, req) {
			if err != nil {
				log.Warn("seed propagation failed", "frame_index", frame, "error", err)
			}
			break
		}
	}

	if !cache.Has(frame) {
		return apperr.New(apperr.KindCacheSeedFailed, "could not compute masks for frame %d before adding clicks", frame)
	}
	log.Debug("frame cache seeded", "frame_index", frame)
	return nil
}
