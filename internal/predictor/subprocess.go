package predictor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/heimdex/vidseg/internal/maskcodec"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of worker stderr kept for diagnostics

	eventFrame     = "frame"
	eventStreamEnd = "stream_end"
)

// Config holds the subprocess predictor's configuration.
type Config struct {
	PythonPath    string // path to python binary; empty = auto-detect
	ModuleName    string // worker module, run as `python -m <module> serve`
	WorkDir       string // scratch dir for doctor output
	DoctorTimeout time.Duration
	Logger        *slog.Logger
	DebugPaths    bool // if true, log full file paths; otherwise sanitise
}

// DefaultConfig returns production defaults.
func DefaultConfig(dataDir string, logger *slog.Logger) Config {
	return Config{
		ModuleName:    "sam3_worker",
		WorkDir:       filepath.Join(dataDir, "worker"),
		DoctorTimeout: 30 * time.Second,
		Logger:        logger,
	}
}

// SubprocessPredictor runs the model in a long-lived Python worker and talks
// to it with one JSON object per line. Requests carry an id that every
// response echoes. Streams answer with a sequence of "frame" events closed
// by a "stream_end" event.
type SubprocessPredictor struct {
	cfg    Config
	python string

	mu     sync.Mutex // serializes all worker traffic
	proc   *workerProcess
	nextID uint64

	cacheMu sync.Mutex
	caches  map[string]*FrameCache
}

type workerProcess struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *limitedWriter
}

type workerRequest struct {
	ID              uint64       `json:"id"`
	Type            string       `json:"type"`
	SessionID       string       `json:"session_id,omitempty"`
	ResourcePath    string       `json:"resource_path,omitempty"`
	FrameIndex      *int         `json:"frame_index,omitempty"`
	Text            string       `json:"text,omitempty"`
	ObjID           *int         `json:"obj_id,omitempty"`
	Points          [][2]float64 `json:"points,omitempty"`
	PointLabels     []int        `json:"point_labels,omitempty"`
	Direction       Direction    `json:"propagation_direction,omitempty"`
	StartFrameIndex *int         `json:"start_frame_index,omitempty"`
	StreamID        uint64       `json:"stream_id,omitempty"`
}

type workerResponse struct {
	ID         uint64       `json:"id"`
	OK         bool         `json:"ok"`
	Event      string       `json:"event,omitempty"`
	Error      string       `json:"error,omitempty"`
	SessionID  string       `json:"session_id,omitempty"`
	FrameIndex int          `json:"frame_index"`
	Outputs    *wireOutputs `json:"outputs,omitempty"`
}

type wireOutputs struct {
	ObjIDs    []int                       `json:"obj_ids"`
	Probs     []float64                   `json:"probs"`
	BoxesXYWH [][4]float64                `json:"boxes_xywh"`
	Masks     []maskcodec.UncompressedRLE `json:"masks"`
}

func (w *wireOutputs) decode() (maskcodec.RawOutputs, error) {
	if w == nil {
		return maskcodec.RawOutputs{}, nil
	}
	raw := maskcodec.RawOutputs{
		ObjIDs:    w.ObjIDs,
		Probs:     w.Probs,
		BoxesXYWH: w.BoxesXYWH,
		Masks:     make([]maskcodec.Mask, 0, len(w.Masks)),
	}
	for i, rle := range w.Masks {
		m, err := rle.Mask()
		if err != nil {
			return maskcodec.RawOutputs{}, fmt.Errorf("mask %d: %w", i, err)
		}
		raw.Masks = append(raw.Masks, m)
	}
	return raw, nil
}

func (r workerResponse) frameOutput() (FrameOutput, error) {
	raw, err := r.Outputs.decode()
	if err != nil {
		return FrameOutput{}, fmt.Errorf("decode frame %d outputs: %w", r.FrameIndex, err)
	}
	return FrameOutput{FrameIndex: r.FrameIndex, Outputs: raw}, nil
}

// NewSubprocessPredictor resolves the Python binary. The worker itself is
// started on first use or by Preload.
func NewSubprocessPredictor(cfg Config) (*SubprocessPredictor, error) {
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create worker dir: %w", err)
	}

	cfg.Logger.Info("predictor initialised",
		"python", python,
		"module", cfg.ModuleName,
	)

	return &SubprocessPredictor{
		cfg:    cfg,
		python: python,
		caches: make(map[string]*FrameCache),
	}, nil
}

// Preload starts the worker and asks it to load model weights.
func (p *SubprocessPredictor) Preload(ctx context.Context) error {
	_, err := p.call(ctx, workerRequest{Type: "load_model"})
	return err
}

func (p *SubprocessPredictor) StartSession(ctx context.Context, cfg SessionConfig) (string, error) {
	resp, err := p.call(ctx, workerRequest{
		Type:         "start_session",
		SessionID:    cfg.SessionID,
		ResourcePath: cfg.FramesDir,
	})
	if err != nil {
		return "", err
	}
	id := resp.SessionID
	if id == "" {
		id = cfg.SessionID
	}

	p.cacheMu.Lock()
	p.caches[id] = NewFrameCache()
	p.cacheMu.Unlock()
	return id, nil
}

func (p *SubprocessPredictor) AddPrompt(ctx context.Context, req PromptRequest) (FrameOutput, error) {
	cache, err := p.FrameCache(req.SessionID)
	if err != nil {
		return FrameOutput{}, err
	}
	frame := req.FrameIndex
	resp, err := p.call(ctx, workerRequest{
		Type:        "add_prompt",
		SessionID:   req.SessionID,
		FrameIndex:  &frame,
		Text:        req.Text,
		ObjID:       req.ObjID,
		Points:      req.Points,
		PointLabels: req.Labels,
	})
	if err != nil {
		return FrameOutput{}, err
	}
	out, err := resp.frameOutput()
	if err != nil {
		return FrameOutput{}, err
	}
	cache.Put(out)
	return out, nil
}

// InferFrame runs the model on one frame without propagation.
func (p *SubprocessPredictor) InferFrame(ctx context.Context, sessionID string, frameIndex int) (FrameOutput, error) {
	cache, err := p.FrameCache(sessionID)
	if err != nil {
		return FrameOutput{}, err
	}
	resp, err := p.call(ctx, workerRequest{
		Type:       "infer_frame",
		SessionID:  sessionID,
		FrameIndex: &frameIndex,
	})
	if err != nil {
		return FrameOutput{}, err
	}
	out, err := resp.frameOutput()
	if err != nil {
		return FrameOutput{}, err
	}
	cache.Put(out)
	return out, nil
}

func (p *SubprocessPredictor) RemoveObject(ctx context.Context, sessionID string, objID int) error {
	cache, err := p.FrameCache(sessionID)
	if err != nil {
		return err
	}
	if _, err := p.call(ctx, workerRequest{Type: "remove_object", SessionID: sessionID, ObjID: &objID}); err != nil {
		return err
	}
	cache.RemoveObject(objID)
	return nil
}

func (p *SubprocessPredictor) ResetSession(ctx context.Context, sessionID string) error {
	cache, err := p.FrameCache(sessionID)
	if err != nil {
		return err
	}
	if _, err := p.call(ctx, workerRequest{Type: "reset_session", SessionID: sessionID}); err != nil {
		return err
	}
	cache.Clear()
	return nil
}

func (p *SubprocessPredictor) CloseSession(ctx context.Context, sessionID string) error {
	p.cacheMu.Lock()
	delete(p.caches, sessionID)
	p.cacheMu.Unlock()

	_, err := p.call(ctx, workerRequest{Type: "close_session", SessionID: sessionID})
	return err
}

func (p *SubprocessPredictor) FrameCache(sessionID string) (*FrameCache, error) {
	p.cacheMu.Lock()
	defer p.cacheMu.Unlock()
	c, ok := p.caches[sessionID]
	if !ok {
		return nil, fmt.Errorf("no model session %q", sessionID)
	}
	return c, nil
}

// StreamPropagate holds the worker for the lifetime of the stream. Breaking
// out of the loop sends cancel_stream and drains the worker to stream_end.
func (p *SubprocessPredictor) StreamPropagate(ctx context.Context, req PropagateRequest) iter.Seq2[FrameOutput, error] {
	return func(yield func(FrameOutput, error) bool) {
		cache, err := p.FrameCache(req.SessionID)
		if err != nil {
			yield(FrameOutput{}, err)
			return
		}

		p.mu.Lock()
		defer p.mu.Unlock()

		proc, id, err := p.sendLocked(ctx, workerRequest{
			Type:            "propagate_in_video",
			SessionID:       req.SessionID,
			Direction:       req.Direction,
			StartFrameIndex: req.StartFrameIndex,
		})
		if err != nil {
			yield(FrameOutput{}, err)
			return
		}

		for {
			resp, err := p.receiveLocked(proc, id)
			if err != nil {
				yield(FrameOutput{}, err)
				return
			}
			if resp.Event == eventStreamEnd {
				return
			}
			if resp.Event != eventFrame {
				continue
			}
			out, err := resp.frameOutput()
			if err != nil {
				p.cancelStreamLocked(proc, id)
				yield(FrameOutput{}, err)
				return
			}
			cache.Put(out)

			if err := ctx.Err(); err != nil {
				p.cancelStreamLocked(proc, id)
				yield(FrameOutput{}, err)
				return
			}
			if !yield(out, nil) {
				p.cancelStreamLocked(proc, id)
				return
			}
		}
	}
}

// Close stops the worker process.
func (p *SubprocessPredictor) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	return nil
}

func (p *SubprocessPredictor) call(ctx context.Context, req workerRequest) (workerResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	proc, id, err := p.sendLocked(ctx, req)
	if err != nil {
		return workerResponse{}, err
	}
	return p.receiveLocked(proc, id)
}

func (p *SubprocessPredictor) sendLocked(ctx context.Context, req workerRequest) (*workerProcess, uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	proc, err := p.ensureStartedLocked()
	if err != nil {
		return nil, 0, err
	}

	p.nextID++
	req.ID = p.nextID
	line, err := json.Marshal(req)
	if err != nil {
		return nil, 0, fmt.Errorf("encode %s request: %w", req.Type, err)
	}
	if _, err := proc.stdin.Write(append(line, '\n')); err != nil {
		p.stopLocked()
		return nil, 0, fmt.Errorf("write %s request: %w", req.Type, err)
	}
	return proc, req.ID, nil
}

// receiveLocked reads until a message for id arrives. Messages for other ids
// are leftovers of cancelled streams and are skipped.
func (p *SubprocessPredictor) receiveLocked(proc *workerProcess, id uint64) (workerResponse, error) {
	for {
		line, err := proc.stdout.ReadBytes('\n')
		if err != nil {
			tail := proc.stderr.String()
			p.stopLocked()
			if errors.Is(err, io.EOF) {
				return workerResponse{}, fmt.Errorf("worker exited: %s", truncate(tail, 512))
			}
			return workerResponse{}, fmt.Errorf("read worker output: %w", err)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var resp workerResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return workerResponse{}, fmt.Errorf("parse worker message: %w", err)
		}
		if resp.ID != id {
			p.cfg.Logger.Debug("skipping stale worker message", "id", resp.ID, "want", id)
			continue
		}
		if !resp.OK {
			return resp, errors.New(resp.Error)
		}
		return resp, nil
	}
}

func (p *SubprocessPredictor) cancelStreamLocked(proc *workerProcess, streamID uint64) {
	if _, _, err := p.sendLocked(context.Background(), workerRequest{Type: "cancel_stream", StreamID: streamID}); err != nil {
		p.cfg.Logger.Warn("cancel stream failed", "stream_id", streamID, "error", err)
		return
	}
	for {
		resp, err := p.receiveLocked(proc, streamID)
		if err != nil || resp.Event == eventStreamEnd {
			return
		}
	}
}

func (p *SubprocessPredictor) ensureStartedLocked() (*workerProcess, error) {
	if p.proc != nil {
		return p.proc, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, p.python, "-m", p.cfg.ModuleName, "serve")
	stderr := &limitedWriter{w: &bytes.Buffer{}, limit: maxStderrBytes}
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p.cfg.Logger.Info("predictor worker started",
		"pid", cmd.Process.Pid,
		"module", p.cfg.ModuleName,
	)

	p.proc = &workerProcess{
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		stdout: bufio.NewReaderSize(stdout, 1<<20),
		stderr: stderr,
	}
	return p.proc, nil
}

func (p *SubprocessPredictor) stopLocked() {
	proc := p.proc
	if proc == nil {
		return
	}
	p.proc = nil

	proc.stdin.Close()
	proc.cancel()
	err := proc.cmd.Wait()

	// sessions do not survive the worker
	p.cacheMu.Lock()
	clear(p.caches)
	p.cacheMu.Unlock()

	p.cfg.Logger.Info("predictor worker stopped", "exit", err)
}

// RunDoctor executes `python -m <module> doctor --json --out <path>` and
// returns parsed capabilities.
func (p *SubprocessPredictor) RunDoctor(ctx context.Context) (*Capabilities, error) {
	outPath := filepath.Join(p.cfg.WorkDir, ".doctor.json")

	ctx, cancel := context.WithTimeout(ctx, p.cfg.DoctorTimeout)
	defer cancel()

	result := p.exec(ctx, outPath, "doctor", "--json", "--out", outPath)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("doctor exited %d: %s", result.ExitCode, result.StderrTail)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read doctor output: %w", err)
	}

	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("cannot parse doctor JSON: %w", err)
	}

	caps.HasModel = isAvailable(caps.Dependencies, "sam3") &&
		isAvailable(caps.Dependencies, "torch")
	caps.HasFFmpeg = isAvailable(caps.Executables, "ffmpeg") &&
		isAvailable(caps.Executables, "ffprobe")
	caps.ProbedAt = time.Now()

	p.cfg.Logger.Info("doctor probe complete",
		"model", caps.HasModel,
		"ffmpeg", caps.HasFFmpeg,
		"cuda", caps.GPU.CUDAAvailable,
	)

	return &caps, nil
}

// RunResult is the outcome of a one-shot worker command.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

// exec runs a one-shot worker command that writes its result to outPath.
func (p *SubprocessPredictor) exec(ctx context.Context, outPath string, args ...string) RunResult {
	start := time.Now()

	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			p.cfg.Logger.Error("cannot create output dir", "error", err)
			return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
		}
	}

	cmdArgs := append([]string{"-m", p.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, p.python, cmdArgs...)

	stderr := &limitedWriter{w: &bytes.Buffer{}, limit: maxStderrBytes}
	cmd.Stderr = stderr
	cmd.Stdout = io.Discard

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stderrTail := stderr.String()
	if exitCode != 0 {
		p.cfg.Logger.Warn("worker command failed",
			"args", cmdArgs,
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		p.cfg.Logger.Info("worker command succeeded",
			"args", cmdArgs,
			"duration_ms", elapsed.Milliseconds(),
			"output", p.safePath(outPath),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrTail,
		Duration:   elapsed,
	}
}

func (p *SubprocessPredictor) safePath(path string) string {
	if p.cfg.DebugPaths {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Base(path)
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return filepath.Base(path)
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
// It is safe to read while the process is still writing.
type limitedWriter struct {
	mu    sync.Mutex
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(b []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n := len(b)
	lw.w.Write(b)
	if lw.w.Len() > lw.limit {
		tail := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(tail[len(tail)-lw.limit:])
	}
	return n, nil
}

func (lw *limitedWriter) String() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.String()
}
