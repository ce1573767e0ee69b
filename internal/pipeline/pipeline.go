// Package pipeline carries each discovered recording through probing,
// pre-analysis gates, analysis, the quality gate and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fpang/workflow-insights/internal/analysis"
	"github.com/fpang/workflow-insights/internal/ledger"
	"github.com/fpang/workflow-insights/internal/metrics"
	"github.com/fpang/workflow-insights/internal/probe"
	"github.com/fpang/workflow-insights/internal/quality"
	"github.com/fpang/workflow-insights/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Analyzer runs the two-pass analysis of one video.
type Analyzer interface {
	Analyze(ctx context.Context, videoPath, taskDescription, videoID string) (*analysis.Result, error)
}

// Prober reads the physical properties of a video file.
type Prober interface {
	Probe(ctx context.Context, path string) probe.VideoMetadata
}

// StatusUpdater writes a per-video status back to an external manifest.
type StatusUpdater interface {
	UpdateStatus(videoID, status, reason string) error
}

// Config holds the orchestrator's gates, pacing and output locations.
type Config struct {
	MinDuration      time.Duration
	MaxDuration      time.Duration
	MinFileSizeBytes int64
	InterVideoDelay  time.Duration
	Thresholds       quality.Thresholds
	AnalysesDir      string
	QuarantineDir    string
}

// Deps are the collaborators a Pipeline drives. Manifest may be nil.
type Deps struct {
	Analyzer        Analyzer
	Prober          Prober
	Ledger          *ledger.Ledger
	Dataset         *ledger.Dataset
	MetadataDataset *ledger.Dataset
	Manifest        StatusUpdater
}

// Options select what a single run does. An empty RunID gets a fresh one.
type Options struct {
	RunID        string
	Limit        int
	DryRun       bool
	MetadataOnly bool
}

// Pipeline processes videos strictly one at a time.
type Pipeline struct {
	cfg      Config
	deps     Deps
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	progress func(VideoResult)

	analyzed bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSleep replaces the inter-video wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pipeline) { p.sleep = fn }
}

// WithClock replaces the time source used for artifacts and ledger rows.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithProgress registers a callback invoked after each video.
func WithProgress(fn func(VideoResult)) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// New creates a Pipeline.
func New(cfg Config, deps Deps, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:   cfg,
		deps:  deps,
		sleep: sleepContext,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes records and returns the run statistics. Per-video failures
// are recorded in the stats and never abort the run.
func (p *Pipeline) Run(ctx context.Context, records []session.VideoRecord, opts Options) *RunStats {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	stats := &RunStats{
		RunID:      runID,
		Started:    p.now(),
		Discovered: len(records),
	}
	p.analyzed = false

	handled := p.deps.Ledger.Handled()
	var pending []session.VideoRecord
	for _, rec := range records {
		if handled.Has(rec.VideoID) {
			stats.Skipped++
			continue
		}
		pending = append(pending, rec)
	}
	if opts.Limit > 0 && len(pending) > opts.Limit {
		pending = pending[:opts.Limit]
	}
	stats.Pending = len(pending)

	log.Info().
		Str("run_id", stats.RunID).
		Int("discovered", stats.Discovered).
		Int("skipped", stats.Skipped).
		Int("pending", stats.Pending).
		Bool("dry_run", opts.DryRun).
		Bool("metadata_only", opts.MetadataOnly).
		Msg("Starting pipeline run")

	for i, rec := range pending {
		if err := ctx.Err(); err != nil {
			log.Warn().Err(err).Int("remaining", len(pending)-i).Msg("Run cancelled")
			stats.Errors = append(stats.Errors, fmt.Sprintf("run cancelled with %d video(s) remaining", len(pending)-i))
			break
		}

		var res VideoResult
		if opts.DryRun {
			res = VideoResult{VideoID: rec.VideoID, Name: rec.DisplayName(), Outcome: OutcomePlanned}
		} else {
			res = p.processSafe(ctx, rec, opts)
		}
		res.Index = i + 1
		res.Total = len(pending)
		stats.add(res)
		if p.progress != nil {
			p.progress(res)
		}
	}

	stats.Duration = p.now().Sub(stats.Started)
	p.emitRunMetrics(stats, opts)
	return stats
}

// processSafe turns a panic inside one video into a recorded failure.
func (p *Pipeline) processSafe(ctx context.Context, rec session.VideoRecord, opts Options) (res VideoResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("video_id", rec.VideoID).
				Interface("panic", r).
				Msg("Unexpected failure processing video")
			res = failed(rec, fmt.Errorf("unexpected failure: %v", r))
		}
	}()
	return p.process(ctx, rec, opts)
}

func (p *Pipeline) process(ctx context.Context, rec session.VideoRecord, opts Options) VideoResult {
	logger := log.With().Str("video_id", rec.VideoID).Str("file", rec.DisplayName()).Logger()

	path := rec.PlayablePath()
	info, err := os.Stat(path)
	if err != nil {
		return failed(rec, fmt.Errorf("video file not found: %s", path))
	}

	meta := p.deps.Prober.Probe(ctx, path)
	logger.Debug().
		Float64("duration_sec", meta.DurationSec).
		Float64("file_size_mb", meta.FileSizeMB).
		Msg("Video probed")

	if reason := p.preAnalysisReason(info.Size(), meta); reason != "" {
		logger.Info().Str("reason", reason).Msg("Quarantining before analysis")
		return p.quarantine(rec, reason, true)
	}

	row := baseRow(rec, meta, p.now())

	if opts.MetadataOnly {
		if err := p.deps.MetadataDataset.Append(row); err != nil {
			return failed(rec, fmt.Errorf("metadata row write failed: %w", err))
		}
		return VideoResult{VideoID: rec.VideoID, Name: rec.DisplayName(), Outcome: OutcomeMetadataOnly}
	}

	if p.analyzed {
		if err := p.sleep(ctx, p.cfg.InterVideoDelay); err != nil {
			return failed(rec, err)
		}
	}
	p.analyzed = true

	result, err := p.deps.Analyzer.Analyze(ctx, path, rec.TaskDescription, rec.VideoID)
	if err != nil {
		logger.Error().Err(err).Msg("Analysis failed, video will be retried on the next run")
		return failed(rec, fmt.Errorf("analysis failed: %w", err))
	}

	verdict := quality.Evaluate(result.Structured, p.cfg.Thresholds)
	result.Usable = verdict.Usable
	result.RejectionReason = verdict.Reason
	if !verdict.Usable {
		logger.Info().Str("reason", verdict.Reason).Msg("Rejected by quality gate")
		return p.quarantine(rec, verdict.Reason, false)
	}

	artifact, err := p.writeArtifact(rec, result)
	if err != nil {
		return failed(rec, fmt.Errorf("analysis artifact write failed: %w", err))
	}

	applyAnalysis(&row, result.Structured)
	row.AnalysisPath = artifact
	if err := p.deps.Dataset.Append(row); err != nil {
		return failed(rec, fmt.Errorf("dataset write failed: %w", err))
	}
	if err := p.deps.Ledger.MarkProcessed(rec.VideoID); err != nil {
		return failed(rec, fmt.Errorf("processed ledger write failed: %w", err))
	}
	p.updateManifest(rec.VideoID, session.StatusAnalyzed, "")

	logger.Info().
		Str("primary_app", result.Structured.PrimaryApp).
		Float64("automation_score", result.Structured.AutomationScore).
		Str("artifact", artifact).
		Msg("Video processed")

	return VideoResult{
		VideoID:         rec.VideoID,
		Name:            rec.DisplayName(),
		Outcome:         OutcomeProcessed,
		PrimaryApp:      result.Structured.PrimaryApp,
		AutomationScore: result.Structured.AutomationScore,
		ArtifactPath:    artifact,
	}
}

// preAnalysisReason returns why a video should be quarantined without
// analysis, or "" when it may proceed. Duration bounds apply only when the
// duration is known.
func (p *Pipeline) preAnalysisReason(size int64, meta probe.VideoMetadata) string {
	if size < p.cfg.MinFileSizeBytes {
		return fmt.Sprintf("File too small (%d bytes), likely corrupt", size)
	}
	if !meta.HasDuration() {
		return ""
	}
	if lo := p.cfg.MinDuration.Seconds(); lo > 0 && meta.DurationSec < lo {
		return fmt.Sprintf("Video too short (%.1fs, minimum %gs)", meta.DurationSec, lo)
	}
	if hi := p.cfg.MaxDuration.Seconds(); hi > 0 && meta.DurationSec > hi {
		return fmt.Sprintf("Video too long (%.1fs, maximum %gs)", meta.DurationSec, hi)
	}
	return ""
}

// quarantine moves the video's files aside and records the rejection. The
// move is best-effort; a failed ledger write makes the video a run failure.
func (p *Pipeline) quarantine(rec session.VideoRecord, reason string, misrecorded bool) VideoResult {
	moved := p.moveToQuarantine(rec)

	if err := p.deps.Ledger.MarkRejected(rec.VideoID, reason); err != nil {
		return failed(rec, fmt.Errorf("rejected ledger write failed: %w", err))
	}
	if misrecorded {
		if err := p.deps.Ledger.MarkMisrecorded(rec.VideoID, reason); err != nil {
			log.Warn().Err(err).Str("video_id", rec.VideoID).Msg("Failed to write misrecorded log")
		}
	}
	p.updateManifest(rec.VideoID, session.StatusRejected, reason)

	return VideoResult{
		VideoID:     rec.VideoID,
		Name:        rec.DisplayName(),
		Outcome:     OutcomeRejected,
		Reason:      reason,
		Quarantined: moved,
	}
}

func (p *Pipeline) updateManifest(videoID, status, reason string) {
	if p.deps.Manifest == nil {
		return
	}
	err := p.deps.Manifest.UpdateStatus(videoID, status, reason)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotInManifest):
		log.Debug().Str("video_id", videoID).Msg("Video not listed in manifest, status not written")
	default:
		log.Warn().Err(err).Str("video_id", videoID).Str("status", status).Msg("Failed to update manifest status")
	}
}

func (p *Pipeline) emitRunMetrics(stats *RunStats, opts Options) {
	mode := "full"
	switch {
	case opts.DryRun:
		mode = "dry_run"
	case opts.MetadataOnly:
		mode = "metadata_only"
	}
	metrics.New(metrics.Namespace).
		Dimension("Operation", "pipelineRun").
		Dimension("Mode", mode).
		Metric("VideosDiscovered", float64(stats.Discovered), metrics.UnitCount).
		Metric("VideosSkipped", float64(stats.Skipped), metrics.UnitCount).
		Metric("VideosProcessed", float64(stats.Processed), metrics.UnitCount).
		Metric("VideosRejected", float64(stats.Rejected), metrics.UnitCount).
		Metric("VideosFailed", float64(stats.Failed), metrics.UnitCount).
		Metric("RunDurationSeconds", stats.Duration.Seconds(), metrics.UnitSeconds).
		Property("RunID", stats.RunID).
		Flush()
}

func baseRow(rec session.VideoRecord, meta probe.VideoMetadata, now time.Time) ledger.Row {
	duration := 0.0
	if meta.HasDuration() {
		duration = meta.DurationSec
	}
	return ledger.Row{
		VideoID:         rec.VideoID,
		Username:        rec.Username,
		Timestamp:       rec.Timestamp(),
		MachineID:       rec.MachineID,
		TaskDescription: rec.TaskDescription,
		DayOfWeek:       rec.DayOfWeek(),
		HourOfDay:       rec.HourOfDay(),
		DurationSec:     duration,
		FileSizeMB:      meta.FileSizeMB,
		SourcePath:      rec.SourcePath,
		MP4Path:         rec.MP4Path,
		ProcessedAt:     now,
	}
}

func applyAnalysis(row *ledger.Row, s analysis.Structured) {
	row.Analyzed = true
	row.WorkflowDescription = s.WorkflowDescription
	row.PrimaryApp = s.PrimaryApp
	row.AppSequence = s.AppSequence
	row.DetectedActions = s.DetectedActions
	row.AutomationScore = s.AutomationScore
	row.WorkflowCategory = s.WorkflowCategory
	row.SOPStepCount = s.SOPStepCount
	row.AutomationCandidateCount = s.AutomationCandidateCount
	row.TopAutomationCandidate = s.TopAutomationCandidate
}
