package main

import (
	"os"

	"github.com/fpang/workflow-insights/internal/cli"
	"github.com/fpang/workflow-insights/internal/ledger"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Generate the insights report from the existing dataset",
	Long: `Reads the workflow dataset and writes a Markdown insights report to the
reports directory (reports/insights_<YYYY-MM-DD>.md). No videos are analysed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		dataset := ledger.NewDataset(cfg.Paths.Dataset)
		stats, err := dataset.Stats()
		if err != nil {
			return err
		}
		cli.PrintDatasetStats(os.Stdout, stats)
		return writeReport(dataset, cfg.Paths.ReportsDir)
	},
}
