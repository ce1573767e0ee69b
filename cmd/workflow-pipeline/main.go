package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fpang/workflow-insights/internal/config"
	"github.com/fpang/workflow-insights/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// errRunFailed is returned when the run completed but at least one video
// failed outright; the details were already printed.
var errRunFailed = errors.New("one or more videos failed")

// CLI flags
var (
	configFlag       string
	logLevelFlag     string
	sourceFlag       string
	manifestFlag     string
	outputFlag       string
	modelFlag        string
	userFlag         string
	limitFlag        int
	dryRunFlag       bool
	metadataOnlyFlag bool
	reportFlag       bool
	noValidateFlag   bool
)

// rootCmd is the main Cobra command for the workflow-pipeline CLI.
var rootCmd = &cobra.Command{
	Use:   "workflow-pipeline",
	Short: "Turn screen recordings of office workflows into an automation dataset",
	Long: `Workflow Pipeline discovers screen recordings, analyses each one with Gemini
to produce a standard operating procedure and structured workflow metadata,
and appends usable results to a CSV dataset. Recordings that are too short,
too long, corrupt or that yield no usable workflow are quarantined.

Already processed or rejected videos are skipped, so the pipeline can be
rerun at any time.

Examples:
  workflow-pipeline --source /recordings
  workflow-pipeline --manifest conversion_manifest.csv --user alice --limit 5
  workflow-pipeline --source /recordings --dry-run
  workflow-pipeline --source /recordings --metadata-only
  workflow-pipeline report
  workflow-pipeline watch --manifest conversion_manifest.csv
  workflow-pipeline schedule --cron "0 */30 * * * *"`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevelFlag)
	},
	RunE: runRoot,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFlag, "config", "c", "", "Path to a YAML config file (default ./workflow-pipeline.yaml if present)")
	pf.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (default $WORKFLOW_LOG_LEVEL or info)")
	pf.StringVarP(&outputFlag, "output", "o", "", "Output directory (overrides paths.output_dir)")

	runFlags := func(cmd *cobra.Command) {
		f := cmd.Flags()
		f.StringVarP(&sourceFlag, "source", "s", "", "Directory of recordings to scan")
		f.StringVar(&manifestFlag, "manifest", "", "Conversion manifest CSV (takes precedence over --source)")
		f.StringVarP(&modelFlag, "model", "m", "", "Gemini model to use (overrides gemini.model)")
		f.StringVarP(&userFlag, "user", "u", "", "Only process recordings from this user")
		f.IntVar(&limitFlag, "limit", 0, "Maximum videos to process per run (0 = unlimited)")
		f.BoolVar(&dryRunFlag, "dry-run", false, "List what would be processed without writing anything")
		f.BoolVar(&metadataOnlyFlag, "metadata-only", false, "Record file metadata only, skip AI analysis")
		f.BoolVar(&reportFlag, "report", false, "Generate the insights report after the run")
		f.BoolVar(&noValidateFlag, "no-validate", false, "Skip the API key check before processing")
	}
	runFlags(rootCmd)
	runFlags(watchCmd)
	runFlags(scheduleCmd)

	rootCmd.AddCommand(reportCmd, watchCmd, scheduleCmd)
}

func main() {
	ctx, stop := signalContext(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM, so every command unwinds
// through its deferred cleanup (run lock, metrics log, remote files).
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// loadConfig reads configuration and applies the flags that override it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFlag)
	if err != nil {
		return nil, err
	}
	if outputFlag != "" {
		cfg.SetOutputDir(outputFlag)
	}
	if modelFlag != "" {
		cfg.Gemini.Model = modelFlag
	}
	if sourceFlag != "" {
		cfg.Paths.SourceDir = sourceFlag
	}
	if manifestFlag != "" {
		cfg.Paths.Manifest = manifestFlag
	}
	log.Debug().Str("output_dir", cfg.Paths.OutputDir).Str("model", cfg.Gemini.Model).Msg("Configuration resolved")
	return cfg, nil
}

func runRoot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	stats, err := runOnce(cmd.Context(), cfg, "run")
	if err != nil {
		return err
	}
	if stats.HasFailures() {
		return errRunFailed
	}
	return nil
}
