// Package video probes uploaded videos and extracts their frames with the
// ffprobe and ffmpeg binaries.
package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// AllowedExtensions are the upload file extensions accepted for ingestion.
var AllowedExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// IsAllowedExtension reports whether the file name has an accepted video
// extension (case-insensitive).
func IsAllowedExtension(name string) bool {
	return AllowedExtensions[strings.ToLower(filepath.Ext(name))]
}

type Extractor interface {
	Probe(ctx context.Context, path string) (*Metadata, error)
	ProbeImageSize(ctx context.Context, path string) (width, height int, err error)
	ExtractFrames(ctx context.Context, videoPath, framesDir string, fps float64, maxFrames int) error
}

// Metadata is what ffprobe reports about the first video stream.
type Metadata struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         float64 `json:"fps"`
	DurationSec float64 `json:"duration_sec"`
}

// commandFunc runs a binary and returns its stdout.
type commandFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

// FFmpeg is the production Extractor.
type FFmpeg struct {
	ffmpeg  string
	ffprobe string
	logger  *slog.Logger
	run     commandFunc
}

// NewFFmpeg uses the given binary paths, or looks them up on PATH when empty.
func NewFFmpeg(ffmpegPath, ffprobePath string, logger *slog.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpeg:  ffmpegPath,
		ffprobe: ffprobePath,
		logger:  logger,
		run:     runCommand,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", filepath.Base(name), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (*Metadata, error) {
	out, err := f.run(ctx, f.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,avg_frame_rate,r_frame_rate,duration",
		"-show_entries", "format=duration",
		"-of", "json",
		path,
	)
	if err != nil {
		return nil, err
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*Metadata, error) {
	var po probeOutput
	if err := json.Unmarshal(data, &po); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(po.Streams) == 0 {
		return nil, fmt.Errorf("no video stream found")
	}
	s := po.Streams[0]

	fps := ParseFPS(s.AvgFrameRate)
	if fps <= 0 {
		fps = ParseFPS(s.RFrameRate)
	}

	duration := parseFloat(s.Duration)
	if duration <= 0 {
		duration = parseFloat(po.Format.Duration)
	}

	if s.Width <= 0 || s.Height <= 0 || duration <= 0 {
		return nil, fmt.Errorf("could not parse valid video metadata from input file")
	}

	return &Metadata{
		Width:       s.Width,
		Height:      s.Height,
		FPS:         math.Max(fps, 1),
		DurationSec: duration,
	}, nil
}

func (f *FFmpeg) ProbeImageSize(ctx context.Context, path string) (int, int, error) {
	out, err := f.run(ctx, f.ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		path,
	)
	if err != nil {
		return 0, 0, err
	}
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return 0, 0, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(po.Streams) == 0 || po.Streams[0].Width <= 0 || po.Streams[0].Height <= 0 {
		return 0, 0, fmt.Errorf("could not parse valid frame dimensions")
	}
	return po.Streams[0].Width, po.Streams[0].Height, nil
}

// ExtractFrames writes frames as framesDir/NNNNNN.jpg numbered from 0.
func (f *FFmpeg) ExtractFrames(ctx context.Context, videoPath, framesDir string, fps float64, maxFrames int) error {
	if err := os.MkdirAll(framesDir, 0755); err != nil {
		return fmt.Errorf("create frames dir: %w", err)
	}

	f.logger.Info("extracting frames",
		"fps", fps,
		"max_frames", maxFrames,
	)

	_, err := f.run(ctx, f.ffmpeg,
		"-y",
		"-loglevel", "error",
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%.6f", fps),
		"-frames:v", strconv.Itoa(maxFrames),
		"-q:v", "2",
		"-start_number", "0",
		filepath.Join(framesDir, "%06d.jpg"),
	)
	return err
}

// FrameName is the file name of a frame: zero-padded six-digit index.
func FrameName(index int) string {
	return fmt.Sprintf("%06d.jpg", index)
}

// FramePath returns the path of a frame image, or os.ErrNotExist wrapped
// when it is not on disk.
func FramePath(framesDir string, index int) (string, error) {
	p := filepath.Join(framesDir, FrameName(index))
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("frame %d: %w", index, err)
	}
	return p, nil
}

// CountFrames counts the extracted .jpg frames in a directory.
func CountFrames(framesDir string) (int, error) {
	matches, err := filepath.Glob(filepath.Join(framesDir, "*.jpg"))
	if err != nil {
		return 0, err
	}
	return len(matches), nil
}

// ParseFPS parses ffprobe rates like "30000/1001" or "25". Unparseable
// values and zero denominators yield 0.
func ParseFPS(value string) float64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if num, den, ok := strings.Cut(value, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		return n / d
	}
	return parseFloat(value)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// IsDurationAllowed reports whether a video fits the duration limit.
func IsDurationAllowed(durationSec, maxDurationSec float64) bool {
	return durationSec <= maxDurationSec
}

// ComputeProcessingFPS picks the extraction rate: at most the source rate,
// low enough that the whole video fits in maxFrames, and never below 0.1.
// A positive requested rate is clamped into that range.
func ComputeProcessingFPS(sourceFPS, durationSec float64, maxFrames int, requested float64) float64 {
	sourceFPS = math.Max(sourceFPS, 1)
	upper := sourceFPS
	if durationSec > 0 {
		upper = math.Min(sourceFPS, float64(maxFrames)/durationSec)
	}
	upper = math.Max(upper, 0.1)

	if requested <= 0 {
		return upper
	}
	return math.Max(math.Min(requested, upper), 0.1)
}
