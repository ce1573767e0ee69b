// Package probe reads the physical properties of a video file: size from the
// filesystem and duration from ffprobe.
//
// Probing is fail-open. A missing ffprobe, a timeout, or unparseable output
// yields UnknownDuration instead of an error, so callers skip duration checks
// rather than abandoning the video.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// UnknownDuration is the sentinel duration for "probe failed".
const UnknownDuration = -1.0

// DefaultTimeout bounds a single ffprobe invocation.
const DefaultTimeout = 30 * time.Second

// VideoMetadata holds the physical properties of a video file.
// FileSizeMB is always >= 0. DurationSec is either > 0 or exactly UnknownDuration.
type VideoMetadata struct {
	DurationSec float64
	FileSizeMB  float64
	SizeBytes   int64
}

// HasDuration reports whether the duration is known.
func (m VideoMetadata) HasDuration() bool {
	return m.DurationSec > 0
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Prober runs ffprobe against local files.
type Prober struct {
	ffprobePath string
	timeout     time.Duration
	run         Runner
}

// Option configures a Prober.
type Option func(*Prober)

// WithFFprobePath pins the ffprobe binary instead of looking it up in PATH.
func WithFFprobePath(path string) Option {
	return func(p *Prober) { p.ffprobePath = path }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithRunner replaces command execution (tests).
func WithRunner(r Runner) Option {
	return func(p *Prober) { p.run = r }
}

// New creates a Prober.
func New(opts ...Option) *Prober {
	p := &Prober{
		timeout: DefaultTimeout,
		run:     execRunner,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// CheckAvailable reports whether ffprobe can be located. The pipeline still
// runs without it, only with unknown durations.
func (p *Prober) CheckAvailable() error {
	_, err := p.binary()
	return err
}

func (p *Prober) binary() (string, error) {
	if p.ffprobePath != "" {
		if _, err := os.Stat(p.ffprobePath); err != nil {
			return "", fmt.Errorf("ffprobe not found at %s: %w", p.ffprobePath, err)
		}
		return p.ffprobePath, nil
	}
	path, err := exec.LookPath("ffprobe")
	if err != nil {
		return "", fmt.Errorf("ffprobe not found in PATH: install FFmpeg (apt install ffmpeg / brew install ffmpeg / choco install ffmpeg)")
	}
	return path, nil
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe returns the metadata of the video at path. It never fails: file size
// falls back to 0 when the file cannot be stat'ed and duration falls back to
// UnknownDuration when ffprobe cannot deliver one.
func (p *Prober) Probe(ctx context.Context, path string) VideoMetadata {
	meta := VideoMetadata{DurationSec: UnknownDuration}

	if info, err := os.Stat(path); err != nil {
		log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("Could not stat video file")
	} else {
		meta.SizeBytes = info.Size()
		meta.FileSizeMB = math.Round(float64(info.Size())/(1024*1024)*100) / 100
	}

	duration, err := p.duration(ctx, path)
	if err != nil {
		log.Warn().Err(err).Str("file", filepath.Base(path)).Msg("ffprobe failed, duration unknown")
		return meta
	}
	meta.DurationSec = duration
	return meta
}

func (p *Prober) duration(ctx context.Context, path string) (float64, error) {
	bin, err := p.binary()
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := p.run(ctx, bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return 0, fmt.Errorf("ffprobe timed out after %s", p.timeout)
	}
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	return parseDuration(output)
}

// parseDuration extracts format.duration from ffprobe JSON, rounded to 0.1s.
// Non-positive or missing durations are errors so the sentinel applies.
func parseDuration(output []byte) (float64, error) {
	var probe ffprobeOutput
	if err := json.Unmarshal(output, &probe); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	raw := strings.TrimSpace(probe.Format.Duration)
	if raw == "" || raw == "N/A" {
		return 0, fmt.Errorf("ffprobe reported no duration")
	}

	dur, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	dur = math.Round(dur*10) / 10
	if dur <= 0 || math.IsNaN(dur) || math.IsInf(dur, 0) {
		return 0, fmt.Errorf("non-positive duration %q", raw)
	}
	return dur, nil
}
