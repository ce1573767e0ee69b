package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fpang/workflow-insights/internal/ledger"
	"github.com/fpang/workflow-insights/internal/pipeline"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// RunHeader describes a run before it starts.
type RunHeader struct {
	RunID        string
	Source       string
	OutputDir    string
	Model        string
	User         string
	Limit        int
	DryRun       bool
	MetadataOnly bool
}

// PrintRunHeader writes the run banner.
func PrintRunHeader(w io.Writer, h RunHeader) {
	lines := []string{
		titleStyle.Render("Workflow Analysis Pipeline"),
		field("Run", h.RunID),
		field("Source", h.Source),
		field("Output", h.OutputDir),
		field("Model", h.Model),
	}
	if h.User != "" {
		lines = append(lines, field("User", h.User))
	}
	if h.Limit > 0 {
		lines = append(lines, field("Limit", fmt.Sprintf("%d video(s)", h.Limit)))
	}
	switch {
	case h.DryRun:
		lines = append(lines, warnStyle.Render("Mode: DRY RUN (nothing will be written)"))
	case h.MetadataOnly:
		lines = append(lines, warnStyle.Render("Mode: METADATA ONLY (no analysis)"))
	}
	fmt.Fprintln(w, panelStyle.Render(strings.Join(lines, "\n")))
}

// PrintVideoResult writes one progress line for a finished video.
func PrintVideoResult(w io.Writer, res pipeline.VideoResult) {
	prefix := mutedStyle.Render(fmt.Sprintf("[%d/%d]", res.Index, res.Total))
	var status, detail string
	switch res.Outcome {
	case pipeline.OutcomeProcessed:
		status = okStyle.Render("ANALYZED")
		detail = fmt.Sprintf("%s, score %.2f", res.PrimaryApp, res.AutomationScore)
	case pipeline.OutcomeRejected:
		status = warnStyle.Render("REJECTED")
		detail = res.Reason
	case pipeline.OutcomeFailed:
		status = errorStyle.Render("FAILED")
		detail = res.Reason
	case pipeline.OutcomeMetadataOnly:
		status = okStyle.Render("METADATA")
	case pipeline.OutcomePlanned:
		status = mutedStyle.Render("WOULD PROCESS")
	default:
		status = string(res.Outcome)
	}
	line := fmt.Sprintf("%s %s %s", prefix, status, res.Name)
	if detail != "" {
		line += mutedStyle.Render(" - " + detail)
	}
	fmt.Fprintln(w, line)
}

// PrintRunSummary writes the end-of-run counts and the error list.
func PrintRunSummary(w io.Writer, stats *pipeline.RunStats) {
	lines := []string{
		titleStyle.Render("Pipeline Complete"),
		field("Videos found", fmt.Sprint(stats.Discovered)),
		field("Skipped (done)", fmt.Sprint(stats.Skipped)),
		field("Analyzed", fmt.Sprint(stats.Processed)),
		field("Rejected", fmt.Sprint(stats.Rejected)),
		field("Failed", fmt.Sprint(stats.Failed)),
	}
	if stats.MetadataOnly > 0 {
		lines = append(lines, field("Metadata only", fmt.Sprint(stats.MetadataOnly)))
	}
	if stats.Planned > 0 {
		lines = append(lines, field("Would process", fmt.Sprint(stats.Planned)))
	}
	lines = append(lines, field("Elapsed", FormatDurationShort(stats.Duration)))

	if len(stats.Errors) > 0 {
		lines = append(lines, "", errorStyle.Render("Errors:"))
		for _, e := range stats.Errors {
			lines = append(lines, "  - "+e)
		}
	}
	fmt.Fprintln(w, panelStyle.Render(strings.Join(lines, "\n")))
}

// PrintDatasetStats writes the dataset totals.
func PrintDatasetStats(w io.Writer, s ledger.Stats) {
	dateRange := "none"
	if s.Earliest != "" {
		dateRange = s.Earliest + " to " + s.Latest
	}
	lines := []string{
		titleStyle.Render("Dataset"),
		field("Total rows", fmt.Sprint(s.TotalRows)),
		field("Unique users", fmt.Sprint(s.UniqueUsers)),
		field("Unique machines", fmt.Sprint(s.UniqueMachines)),
		field("Date range", dateRange),
	}
	fmt.Fprintln(w, panelStyle.Render(strings.Join(lines, "\n")))
}

func field(label, value string) string {
	return mutedStyle.Render(fmt.Sprintf("%-16s", label+":")) + " " + value
}
