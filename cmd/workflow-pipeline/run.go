package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fpang/workflow-insights/internal/analysis"
	"github.com/fpang/workflow-insights/internal/cli"
	"github.com/fpang/workflow-insights/internal/config"
	"github.com/fpang/workflow-insights/internal/ledger"
	"github.com/fpang/workflow-insights/internal/logging"
	"github.com/fpang/workflow-insights/internal/metrics"
	"github.com/fpang/workflow-insights/internal/pipeline"
	"github.com/fpang/workflow-insights/internal/probe"
	"github.com/fpang/workflow-insights/internal/quality"
	"github.com/fpang/workflow-insights/internal/report"
	"github.com/fpang/workflow-insights/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// source returns the discovery source; a manifest wins over a directory.
func source(cfg *config.Config) string {
	if cfg.Paths.Manifest != "" {
		return cfg.Paths.Manifest
	}
	return cfg.Paths.SourceDir
}

// runOnce performs one complete pipeline run. It is shared by the root
// command and the watch and schedule drivers. The returned error covers
// setup problems (discovery, lock, client); per-video failures are in the
// stats.
func runOnce(ctx context.Context, cfg *config.Config, command string) (*pipeline.RunStats, error) {
	src, err := cli.ResolveSource(source(cfg))
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logging.NewStartupLogger(command).
		RunID(runID).
		Path("source", src).
		Path("output_dir", cfg.Paths.OutputDir).
		Path("dataset", cfg.Paths.Dataset).
		Path("processed_log", cfg.Paths.ProcessedLog).
		Path("rejected_log", cfg.Paths.RejectedLog).
		Path("quarantine_dir", cfg.Paths.QuarantineDir).
		Feature("dry_run", dryRunFlag).
		Feature("metadata_only", metadataOnlyFlag).
		Feature("report", reportFlag).
		Config("model", cfg.Gemini.Model).
		Config("user", userFlag).
		Config("limit", fmt.Sprint(limitFlag)).
		Log()

	records, manifest, err := session.Discover(src, userFlag,
		cfg.Paths.OutputDir, cfg.Paths.QuarantineDir, cfg.Paths.AnalysesDir)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}

	cli.PrintRunHeader(os.Stdout, cli.RunHeader{
		RunID:        runID,
		Source:       src,
		OutputDir:    cfg.Paths.OutputDir,
		Model:        cfg.Gemini.Model,
		User:         userFlag,
		Limit:        limitFlag,
		DryRun:       dryRunFlag,
		MetadataOnly: metadataOnlyFlag,
	})

	dataset := ledger.NewDataset(cfg.Paths.Dataset)
	deps := pipeline.Deps{
		Ledger:          ledger.New(cfg.Paths.ProcessedLog, cfg.Paths.RejectedLog, cfg.Paths.MisrecordedLog),
		Dataset:         dataset,
		MetadataDataset: ledger.NewDataset(cfg.Paths.MetadataCSV),
	}
	if manifest != nil {
		deps.Manifest = manifest
	}

	if !dryRunFlag {
		lock, err := ledger.AcquireLock(cfg.Paths.OutputDir, runID)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				log.Warn().Err(err).Msg("Failed to release run lock")
			}
		}()

		closeMetrics := openMetricsLog(cfg.Paths.MetricsLog)
		defer closeMetrics()

		prober := probe.New(probe.WithFFprobePath(cfg.Probe.FFprobePath), probe.WithTimeout(cfg.Probe.Timeout))
		if err := prober.CheckAvailable(); err != nil {
			log.Warn().Err(err).Msg("ffprobe not available, durations will be unknown and the duration gate skipped")
		}
		deps.Prober = prober

		if !metadataOnlyFlag {
			client, err := cli.InitGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model, !noValidateFlag)
			if err != nil {
				return nil, err
			}
			deps.Analyzer = analysis.New(client, analysisConfig(cfg))
		}
	}

	p := pipeline.New(pipelineConfig(cfg), deps, pipeline.WithProgress(func(res pipeline.VideoResult) {
		cli.PrintVideoResult(os.Stdout, res)
	}))
	stats := p.Run(ctx, records, pipeline.Options{
		RunID:        runID,
		Limit:        limitFlag,
		DryRun:       dryRunFlag,
		MetadataOnly: metadataOnlyFlag,
	})

	fmt.Println()
	cli.PrintRunSummary(os.Stdout, stats)
	if dryRunFlag {
		return stats, nil
	}

	if s, err := dataset.Stats(); err != nil {
		log.Warn().Err(err).Msg("Could not read dataset statistics")
	} else {
		cli.PrintDatasetStats(os.Stdout, s)
	}

	if reportFlag {
		if err := writeReport(dataset, cfg.Paths.ReportsDir); err != nil {
			log.Error().Err(err).Msg("Report generation failed")
		}
	}
	return stats, nil
}

func writeReport(dataset *ledger.Dataset, dir string) error {
	path, err := report.Generate(dataset, dir, time.Now())
	if errors.Is(err, report.ErrEmptyDataset) {
		log.Warn().Str("dataset", dataset.Path()).Msg("No analysed videos yet, skipping report")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("Report written to %s\n", path)
	return nil
}

// openMetricsLog appends metric lines to path for the duration of a run.
// Failure to open it only disables metrics.
func openMetricsLog(path string) func() {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Metrics disabled")
		return func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Metrics disabled")
		return func() {}
	}
	metrics.SetOutput(f)
	return func() {
		metrics.SetOutput(nil)
		_ = f.Close()
	}
}

func analysisConfig(cfg *config.Config) analysis.Config {
	g := cfg.Gemini
	return analysis.Config{
		Model:          g.Model,
		Temperature:    g.Temperature,
		PollInterval:   g.PollInterval,
		UploadTimeout:  g.UploadTimeout,
		MaxAttempts:    g.MaxAttempts,
		InitialBackoff: g.InitialBackoff,
		CallDelay:      g.CallDelay,
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		MinDuration:      cfg.Pipeline.MinDuration,
		MaxDuration:      cfg.Pipeline.MaxDuration,
		MinFileSizeBytes: cfg.Pipeline.MinFileSizeBytes,
		InterVideoDelay:  cfg.Pipeline.InterVideoDelay,
		Thresholds: quality.Thresholds{
			MinAutomationScore:   cfg.Quality.MinAutomationScore,
			MinDescriptionLength: cfg.Quality.MinDescriptionLength,
		},
		AnalysesDir:   cfg.Paths.AnalysesDir,
		QuarantineDir: cfg.Paths.QuarantineDir,
	}
}
