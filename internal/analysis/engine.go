// Package analysis runs the two-pass workflow analysis of a recording:
// upload, wait for processing, a free-form pass over the video and a
// structured extraction pass over the free-form text.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fpang/workflow-insights/internal/assets"
	"github.com/fpang/workflow-insights/internal/gemini"
	"github.com/fpang/workflow-insights/internal/metrics"
	"github.com/rs/zerolog/log"
)

var (
	// ErrUploadTimeout means the uploaded file never left processing.
	ErrUploadTimeout = errors.New("video processing timed out")
	// ErrProcessingFailed means the service reported a failed upload.
	ErrProcessingFailed = errors.New("video processing failed")
	// ErrContentBlocked means a model call was refused by safety filters.
	ErrContentBlocked = errors.New("content blocked by safety filter")
	// ErrAttemptsExhausted means every attempt of a model call failed.
	ErrAttemptsExhausted = errors.New("all attempts failed")

	errEmptyResponse = errors.New("empty response")
)

// cleanupTimeout bounds the best-effort remote delete.
const cleanupTimeout = 30 * time.Second

// Config holds the engine's model and retry settings.
type Config struct {
	Model          string
	Temperature    float32
	PollInterval   time.Duration
	UploadTimeout  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	CallDelay      time.Duration
}

// DefaultConfig returns the standard engine settings.
func DefaultConfig() Config {
	return Config{
		Model:          "gemini-2.0-flash",
		Temperature:    0.2,
		PollInterval:   5 * time.Second,
		UploadTimeout:  300 * time.Second,
		MaxAttempts:    5,
		InitialBackoff: 10 * time.Second,
		CallDelay:      5 * time.Second,
	}
}

// Result is the outcome of a completed analysis. Usable and RejectionReason
// are filled in by the quality gate.
type Result struct {
	Markdown   string
	Sections   Sections
	Structured Structured
	// StructuredFallback is set when the second pass failed and Structured
	// holds the empty defaults.
	StructuredFallback bool

	Usable          bool
	RejectionReason string
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Engine drives the two-pass protocol against a gemini.Service.
type Engine struct {
	svc   gemini.Service
	cfg   Config
	sleep SleepFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithSleep replaces the wait between polls and retries.
func WithSleep(fn SleepFunc) Option {
	return func(e *Engine) { e.sleep = fn }
}

// New creates an Engine. Zero config values fall back to DefaultConfig.
func New(svc gemini.Service, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = def.UploadTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.CallDelay < 0 {
		cfg.CallDelay = def.CallDelay
	}

	e := &Engine{svc: svc, cfg: cfg, sleep: sleepContext}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Analyze uploads the video, runs both passes and returns the result. The
// uploaded file is deleted on every return path. A failed first pass fails
// the analysis; a failed second pass yields EmptyStructured.
func (e *Engine) Analyze(ctx context.Context, videoPath, taskDescription, videoID string) (result *Result, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
		}
		metrics.New(metrics.Namespace).
			Dimension("Operation", "analyzeVideo").
			Dimension("Outcome", outcome).
			Metric("AnalysisDurationMs", float64(time.Since(start).Milliseconds()), metrics.UnitMilliseconds).
			Count("AnalysesAttempted").
			Property("VideoID", videoID).
			Flush()
	}()

	file, err := e.svc.Upload(ctx, videoPath)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer e.release(ctx, file, videoID)

	if err := e.waitUntilReady(ctx, file, videoID); err != nil {
		return nil, err
	}

	log.Info().Str("video_id", videoID).Msg("Pass 1: analyzing workflow")
	markdown, err := e.callModel(ctx, gemini.Request{
		Model:       e.cfg.Model,
		File:        file,
		Prompt:      assets.RenderAnalysisPrompt(taskDescription),
		Temperature: e.cfg.Temperature,
		Operation:   "workflowAnalysis",
	}, videoID)
	if err != nil {
		return nil, fmt.Errorf("pass 1: %w", err)
	}

	result = &Result{
		Markdown: markdown,
		Sections: ParseSections(markdown),
	}

	log.Info().Str("video_id", videoID).Msg("Pass 2: extracting structured features")
	raw, err := e.callModel(ctx, gemini.Request{
		Model:       e.cfg.Model,
		Prompt:      assets.RenderExtractionPrompt(markdown),
		Temperature: e.cfg.Temperature,
		JSON:        true,
		Operation:   "structuredExtraction",
	}, videoID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("video_id", videoID).Msg("Pass 2 failed, using empty structured result")
		result.Structured = EmptyStructured()
		result.StructuredFallback = true
		return result, nil
	}

	structured, err := ParseStructured(raw)
	if err != nil {
		log.Warn().Err(err).Str("video_id", videoID).Msg("Pass 2 response not parseable, using empty structured result")
		result.StructuredFallback = true
	}
	result.Structured = structured
	return result, nil
}

// release deletes the remote file. Failures are logged and swallowed.
func (e *Engine) release(ctx context.Context, file gemini.RemoteFile, videoID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := file.Delete(ctx); err != nil {
		log.Warn().Err(err).Str("video_id", videoID).Str("file", file.Name()).Msg("Failed to delete uploaded file")
		return
	}
	log.Debug().Str("video_id", videoID).Str("file", file.Name()).Msg("Uploaded file deleted")
}

// waitUntilReady polls the file until it leaves processing or the upload
// timeout elapses.
func (e *Engine) waitUntilReady(ctx context.Context, file gemini.RemoteFile, videoID string) error {
	var elapsed time.Duration
	polls := 0
	for {
		state, err := file.State(ctx)
		if err != nil {
			return fmt.Errorf("failed to poll upload state: %w", err)
		}

		switch state {
		case gemini.StateProcessing:
		case gemini.StateFailed:
			return fmt.Errorf("%w for %s", ErrProcessingFailed, videoID)
		default:
			log.Debug().
				Str("video_id", videoID).
				Str("state", string(state)).
				Int("poll_iterations", polls).
				Msg("Video ready for inference")
			return nil
		}

		if elapsed >= e.cfg.UploadTimeout {
			return fmt.Errorf("%w after %s for %s", ErrUploadTimeout, e.cfg.UploadTimeout, videoID)
		}

		polls++
		log.Debug().
			Str("video_id", videoID).
			Int("poll_iteration", polls).
			Msg("Video still processing, waiting...")
		if err := e.sleep(ctx, e.cfg.PollInterval); err != nil {
			return err
		}
		elapsed += e.cfg.PollInterval
	}
}

// callModel issues req with the retry policy: rate limits back off
// exponentially from InitialBackoff, safety blocks and fatal errors return at
// once, other errors wait CallDelay. Blank responses consume an attempt.
func (e *Engine) callModel(ctx context.Context, req gemini.Request, videoID string) (string, error) {
	var lastErr error
	maxAttempts := e.cfg.MaxAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		text, err := e.svc.Generate(ctx, req)
		if err == nil {
			if strings.TrimSpace(text) != "" {
				metrics.New(metrics.Namespace).
					Dimension("Operation", req.Operation).
					Metric("ModelCallAttempts", float64(attempt), metrics.UnitCount).
					Flush()
				return text, nil
			}
			lastErr = errEmptyResponse
			log.Warn().
				Str("video_id", videoID).
				Str("operation", req.Operation).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Msg("Empty response from model")
			continue
		}

		lastErr = err
		kind := gemini.KindOf(err)
		switch kind {
		case gemini.KindContentBlocked:
			log.Warn().Err(err).Str("video_id", videoID).Str("operation", req.Operation).Msg("Content blocked by safety filter")
			return "", fmt.Errorf("%w: %v", ErrContentBlocked, err)

		case gemini.KindFatal:
			log.Error().Err(err).Str("video_id", videoID).Str("operation", req.Operation).Msg("Non-retryable model error")
			return "", err

		case gemini.KindRateLimited:
			wait := e.cfg.InitialBackoff * time.Duration(1<<(attempt-1))
			log.Warn().
				Str("video_id", videoID).
				Str("operation", req.Operation).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Dur("wait", wait).
				Msg("Rate limited, backing off")
			if attempt < maxAttempts {
				if err := e.sleep(ctx, wait); err != nil {
					return "", err
				}
			}

		default:
			log.Warn().
				Err(err).
				Str("video_id", videoID).
				Str("operation", req.Operation).
				Int("attempt", attempt).
				Int("max_attempts", maxAttempts).
				Msg("Model call failed")
			if attempt < maxAttempts {
				if err := e.sleep(ctx, e.cfg.CallDelay); err != nil {
					return "", err
				}
			}
		}
	}

	log.Error().
		Err(lastErr).
		Str("video_id", videoID).
		Str("operation", req.Operation).
		Int("attempts", maxAttempts).
		Msg("All model call attempts failed")
	return "", fmt.Errorf("%w (%d attempts): %v", ErrAttemptsExhausted, maxAttempts, lastErr)
}
