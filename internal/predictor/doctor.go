package predictor

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

const defaultStatusTTL = 5 * time.Minute

// DoctorRunner probes the worker environment.
type DoctorRunner interface {
	RunDoctor(ctx context.Context) (*Capabilities, error)
}

// Health is the combined readiness report shown by the status endpoint and
// the doctor command.
type Health struct {
	Worker      *Capabilities      `json:"worker,omitempty"`
	WorkerError string             `json:"worker_error,omitempty"`
	Executables map[string]DepInfo `json:"executables"`
	CheckedAt   time.Time          `json:"checked_at"`
}

// Ready reports whether frames can be extracted and the model can run.
func (h Health) Ready() bool {
	return h.Worker != nil && h.Worker.HasModel &&
		isAvailable(h.Executables, "ffmpeg") && isAvailable(h.Executables, "ffprobe")
}

// Doctor caches health reports for a TTL so status polling does not spawn
// a subprocess each time. A failed worker probe keeps the last good
// capabilities and records the error next to them.
type Doctor struct {
	runner DoctorRunner
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last *Health
}

func NewDoctor(runner DoctorRunner, logger *slog.Logger) *Doctor {
	return &Doctor{
		runner: runner,
		ttl:    defaultStatusTTL,
		logger: logger,
		now:    time.Now,
	}
}

// Health returns the cached report if fresh, otherwise probes again.
func (d *Doctor) Health(ctx context.Context) Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last != nil && d.now().Sub(d.last.CheckedAt) < d.ttl {
		return *d.last
	}
	return d.probeLocked(ctx)
}

// Refresh probes regardless of cache freshness.
func (d *Doctor) Refresh(ctx context.Context) Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probeLocked(ctx)
}

func (d *Doctor) probeLocked(ctx context.Context) Health {
	h := Health{
		Executables: map[string]DepInfo{
			"ffmpeg":  lookExecutable("ffmpeg"),
			"ffprobe": lookExecutable("ffprobe"),
		},
		CheckedAt: d.now(),
	}

	caps, err := d.runner.RunDoctor(ctx)
	switch {
	case err == nil:
		h.Worker = caps
	case d.last != nil && d.last.Worker != nil:
		d.logger.Warn("doctor probe failed, keeping last capabilities", "error", err)
		h.Worker = d.last.Worker
		h.WorkerError = err.Error()
	default:
		d.logger.Warn("doctor probe failed", "error", err)
		h.WorkerError = err.Error()
	}

	d.last = &h
	return h
}

func lookExecutable(name string) DepInfo {
	p, err := exec.LookPath(name)
	if err != nil {
		return DepInfo{Error: err.Error()}
	}
	return DepInfo{Available: true, Path: p}
}
