package main

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cronFlag string

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the pipeline on a cron schedule",
	Long: `Runs the pipeline on a six-field cron schedule (seconds first), e.g.
"0 0 * * * *" for the top of every hour. A run that is still going when the
next one is due is skipped. Stop with Ctrl+C.`,
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().StringVar(&cronFlag, "cron", "", "Cron expression with seconds (overrides schedule.cron)")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	spec := cfg.Schedule.Cron
	if cronFlag != "" {
		spec = cronFlag
	}

	ctx := cmd.Context()

	logger := cron.PrintfLogger(&log.Logger)
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	id, err := c.AddFunc(spec, func() { backgroundRun(ctx, cfg, "schedule") })
	if err != nil {
		return err
	}

	c.Start()
	log.Info().Str("cron", spec).Time("next", c.Entry(id).Next).Msg("Scheduler started")

	<-ctx.Done()
	log.Info().Msg("Stopping scheduler")
	select {
	case <-c.Stop().Done():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Scheduler stop timed out with a run still in progress")
	}
	return nil
}
