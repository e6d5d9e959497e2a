package segment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"github.com/heimdex/vidseg/internal/library"
	"github.com/heimdex/vidseg/internal/maskcodec"
	"github.com/heimdex/vidseg/internal/predictor"
	"github.com/heimdex/vidseg/internal/session"
	"github.com/heimdex/vidseg/internal/video"
)

const (
	testW = 8
	testH = 6
)

// fakePredictor answers every request with one object (id 1) whose mask is
// a single pixel at (frame mod width, 0).
type fakePredictor struct {
	mu        sync.Mutex
	numFrames int
	cache     *predictor.FrameCache
	calls     []string
	prompts   []predictor.PromptRequest
	streams   []predictor.PropagateRequest
	started   []predictor.SessionConfig
	closed    []string

	promptErr error
	resetErr  error
	removeErr error
	closeErr  error
	startErr  error
	// streamErrAfter > 0 makes the stream fail after that many frames.
	streamErrAfter int
	// streamSkipsCache makes the stream yield without caching.
	streamSkipsCache bool
	// beforeYield runs before each stream element is handed out.
	beforeYield func(frame int)
	// exclusive makes a stream hold the worker for its whole lifetime and
	// CloseSession wait for it, like the subprocess worker.
	exclusive bool
	worker    sync.Mutex
}

func newFakePredictor(numFrames int) *fakePredictor {
	return &fakePredictor{numFrames: numFrames, cache: predictor.NewFrameCache()}
}

func (p *fakePredictor) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePredictor) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *fakePredictor) output(frame int) predictor.FrameOutput {
	m := maskcodec.NewMask(testH, testW)
	m.Set(frame%testW, 0, true)
	return predictor.FrameOutput{
		FrameIndex: frame,
		Outputs: maskcodec.RawOutputs{
			ObjIDs:    []int{1},
			Probs:     []float64{0.9},
			BoxesXYWH: [][4]float64{{0, 0, 0.1, 0.1}},
			Masks:     []maskcodec.Mask{m},
		},
	}
}

func (p *fakePredictor) StartSession(ctx context.Context, cfg predictor.SessionConfig) (string, error) {
	p.record("start_session")
	if p.startErr != nil {
		return "", p.startErr
	}
	p.mu.Lock()
	p.started = append(p.started, cfg)
	p.numFrames = cfg.NumFrames
	p.mu.Unlock()
	return cfg.SessionID, nil
}

func (p *fakePredictor) AddPrompt(ctx context.Context, req predictor.PromptRequest) (predictor.FrameOutput, error) {
	p.record("add_prompt")
	if p.promptErr != nil {
		return predictor.FrameOutput{}, p.promptErr
	}
	p.mu.Lock()
	p.prompts = append(p.prompts, req)
	p.mu.Unlock()
	out := p.output(req.FrameIndex)
	p.cache.Put(out)
	return out, nil
}

func (p *fakePredictor) RemoveObject(ctx context.Context, sessionID string, objID int) error {
	p.record("remove_object")
	if p.removeErr != nil {
		return p.removeErr
	}
	p.cache.RemoveObject(objID)
	return nil
}

func (p *fakePredictor) ResetSession(ctx context.Context, sessionID string) error {
	p.record("reset_session")
	if p.resetErr != nil {
		return p.resetErr
	}
	p.cache.Clear()
	return nil
}

func (p *fakePredictor) CloseSession(ctx context.Context, sessionID string) error {
	if p.exclusive {
		p.worker.Lock()
		defer p.worker.Unlock()
	}
	p.record("close_session")
	p.mu.Lock()
	p.closed = append(p.closed, sessionID)
	p.mu.Unlock()
	return p.closeErr
}

func (p *fakePredictor) FrameCache(sessionID string) (*predictor.FrameCache, error) {
	return p.cache, nil
}

func (p *fakePredictor) StreamPropagate(ctx context.Context, req predictor.PropagateRequest) iter.Seq2[predictor.FrameOutput, error] {
	p.record("propagate")
	p.mu.Lock()
	p.streams = append(p.streams, req)
	p.mu.Unlock()
	return func(yield func(predictor.FrameOutput, error) bool) {
		if p.exclusive {
			p.worker.Lock()
			defer p.worker.Unlock()
		}
		for i, frame := range predictor.PropagationOrder(p.numFrames, req.Direction, req.StartFrameIndex) {
			if p.streamErrAfter > 0 && i == p.streamErrAfter {
				yield(predictor.FrameOutput{}, errors.New("cuda out of memory"))
				return
			}
			out := p.output(frame)
			if !p.streamSkipsCache {
				p.cache.Put(out)
			}
			if p.beforeYield != nil {
				p.beforeYield(frame)
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}

// inferringPredictor adds single-frame inference.
type inferringPredictor struct {
	*fakePredictor
	inferErr error
}

func (p *inferringPredictor) InferFrame(ctx context.Context, sessionID string, frame int) (predictor.FrameOutput, error) {
	p.record("infer_frame")
	if p.inferErr != nil {
		return predictor.FrameOutput{}, p.inferErr
	}
	out := p.output(frame)
	p.cache.Put(out)
	return out, nil
}

// fakeExtractor writes numFrames small files instead of decoding video.
type fakeExtractor struct {
	meta       video.Metadata
	numFrames  int
	probeErr   error
	extractErr error
	sizeErr    error
	gotFPS     float64
}

func (e *fakeExtractor) Probe(ctx context.Context, path string) (*video.Metadata, error) {
	if e.probeErr != nil {
		return nil, e.probeErr
	}
	m := e.meta
	return &m, nil
}

func (e *fakeExtractor) ProbeImageSize(ctx context.Context, path string) (int, int, error) {
	if e.sizeErr != nil {
		return 0, 0, e.sizeErr
	}
	return testW, testH, nil
}

func (e *fakeExtractor) ExtractFrames(ctx context.Context, videoPath, framesDir string, fps float64, maxFrames int) error {
	e.gotFPS = fps
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return err
	}
	if e.extractErr != nil {
		return e.extractErr
	}
	for i := 0; i < min(e.numFrames, maxFrames); i++ {
		if err := os.WriteFile(filepath.Join(framesDir, video.FrameName(i)), []byte(fmt.Sprint(i)), 0o644); err != nil {
			return err
		}
	}
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records []string
}

func (h *fakeHistory) RecordExport(ctx context.Context, rec *library.ExportRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, rec.FileName)
	return nil
}

func activeSession(store *session.Store, framesDir string, numFrames int) session.Info {
	info := session.Info{
		ID:        "s1",
		FramesDir: framesDir,
		NumFrames: numFrames,
		Width:     testW,
		Height:    testH,
	}
	store.SetActive(info)
	return info
}
