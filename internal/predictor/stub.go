package predictor

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/heimdex/vidseg/internal/maskcodec"
)

// StubPredictor stands in for the model during development. Point prompts
// paint a square around each click (positive clicks set it, negative clicks
// clear it); text prompts detect nothing. Propagation copies every object's
// latest mask onto each frame it visits.
type StubPredictor struct {
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*stubSession
}

type stubSession struct {
	cfg     SessionConfig
	cache   *FrameCache
	objects map[int]maskcodec.Mask
}

func NewStubPredictor(logger *slog.Logger) *StubPredictor {
	return &StubPredictor{
		logger:   logger,
		sessions: make(map[string]*stubSession),
	}
}

func (p *StubPredictor) session(id string) (*stubSession, error) {
	s, ok := p.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no model session %q", id)
	}
	return s, nil
}

func (p *StubPredictor) StartSession(ctx context.Context, cfg SessionConfig) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logger.Info("predictor stub: session started (no model loaded)",
		"session_id", cfg.SessionID, "num_frames", cfg.NumFrames)
	p.sessions[cfg.SessionID] = &stubSession{
		cfg:     cfg,
		cache:   NewFrameCache(),
		objects: make(map[int]maskcodec.Mask),
	}
	return cfg.SessionID, nil
}

func (p *StubPredictor) AddPrompt(ctx context.Context, req PromptRequest) (FrameOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.session(req.SessionID)
	if err != nil {
		return FrameOutput{}, err
	}

	if req.ObjID == nil {
		p.logger.Info("predictor stub: text prompt ignored", "text", req.Text, "frame_index", req.FrameIndex)
		objs, _ := s.cache.Get(req.FrameIndex)
		out := FrameOutput{FrameIndex: req.FrameIndex, Outputs: s.outputs(objs)}
		s.cache.Put(out)
		return out, nil
	}

	m := maskcodec.NewMask(s.cfg.Height, s.cfg.Width)
	side := max(1, min(s.cfg.Width, s.cfg.Height)/10)
	for i, pt := range req.Points {
		positive := i < len(req.Labels) && req.Labels[i] == 1
		cx := int(pt[0] * float64(s.cfg.Width))
		cy := int(pt[1] * float64(s.cfg.Height))
		for y := cy - side/2; y <= cy+side/2; y++ {
			for x := cx - side/2; x <= cx+side/2; x++ {
				if x >= 0 && y >= 0 && x < m.Width && y < m.Height {
					m.Set(x, y, positive)
				}
			}
		}
	}
	s.objects[*req.ObjID] = m
	s.cache.Set(req.FrameIndex, *req.ObjID, m)

	objs, _ := s.cache.Get(req.FrameIndex)
	return FrameOutput{FrameIndex: req.FrameIndex, Outputs: s.outputs(objs)}, nil
}

func (p *StubPredictor) InferFrame(ctx context.Context, sessionID string, frameIndex int) (FrameOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.session(sessionID)
	if err != nil {
		return FrameOutput{}, err
	}
	out := FrameOutput{FrameIndex: frameIndex, Outputs: s.outputs(s.objects)}
	s.cache.Put(out)
	return out, nil
}

func (p *StubPredictor) RemoveObject(ctx context.Context, sessionID string, objID int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.session(sessionID)
	if err != nil {
		return err
	}
	delete(s.objects, objID)
	s.cache.RemoveObject(objID)
	return nil
}

func (p *StubPredictor) ResetSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.session(sessionID)
	if err != nil {
		return err
	}
	clear(s.objects)
	s.cache.Clear()
	return nil
}

func (p *StubPredictor) CloseSession(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sessions, sessionID)
	return nil
}

func (p *StubPredictor) FrameCache(sessionID string) (*FrameCache, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.session(sessionID)
	if err != nil {
		return nil, err
	}
	return s.cache, nil
}

func (p *StubPredictor) StreamPropagate(ctx context.Context, req PropagateRequest) iter.Seq2[FrameOutput, error] {
	return func(yield func(FrameOutput, error) bool) {
		p.mu.Lock()
		s, err := p.session(req.SessionID)
		p.mu.Unlock()
		if err != nil {
			yield(FrameOutput{}, err)
			return
		}

		for _, frame := range PropagationOrder(s.cfg.NumFrames, req.Direction, req.StartFrameIndex) {
			if err := ctx.Err(); err != nil {
				yield(FrameOutput{}, err)
				return
			}
			p.mu.Lock()
			out := FrameOutput{FrameIndex: frame, Outputs: s.outputs(s.objects)}
			s.cache.Put(out)
			p.mu.Unlock()
			if !yield(out, nil) {
				return
			}
		}
	}
}

// RunDoctor reports a worker environment without a model.
func (p *StubPredictor) RunDoctor(ctx context.Context) (*Capabilities, error) {
	return &Capabilities{PackageVersion: "stub"}, nil
}

func (s *stubSession) outputs(objs map[int]maskcodec.Mask) maskcodec.RawOutputs {
	var raw maskcodec.RawOutputs
	w := float64(max(1, s.cfg.Width))
	h := float64(max(1, s.cfg.Height))
	for _, id := range slices.Sorted(maps.Keys(objs)) {
		m := objs[id]
		if !m.Any() {
			continue
		}
		box := maskcodec.BBoxXYWH(m)
		raw.ObjIDs = append(raw.ObjIDs, id)
		raw.Probs = append(raw.Probs, 1)
		raw.BoxesXYWH = append(raw.BoxesXYWH, [4]float64{box[0] / w, box[1] / h, box[2] / w, box[3] / h})
		raw.Masks = append(raw.Masks, m)
	}
	return raw
}

// PropagationOrder lists the frames a propagation visits. Forward walks from
// start (default 0) to the end, backward from start (default last) to 0, and
// both does forward from start then backward from start-1.
func PropagationOrder(numFrames int, dir Direction, start *int) []int {
	if numFrames <= 0 {
		return nil
	}
	clamp := func(v int) int { return min(max(v, 0), numFrames-1) }

	var frames []int
	switch dir {
	case DirectionBackward:
		from := numFrames - 1
		if start != nil {
			from = clamp(*start)
		}
		for f := from; f >= 0; f-- {
			frames = append(frames, f)
		}
	default:
		from := 0
		if start != nil {
			from = clamp(*start)
		}
		for f := from; f < numFrames; f++ {
			frames = append(frames, f)
		}
		if dir == DirectionBoth {
			for f := from - 1; f >= 0; f-- {
				frames = append(frames, f)
			}
		}
	}
	return frames
}
