// Package report renders the aggregate insights report from the analysis
// dataset and the per-video analysis files.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fpang/workflow-insights/internal/analysis"
	"github.com/fpang/workflow-insights/internal/ledger"
	"github.com/rs/zerolog/log"
)

// ErrEmptyDataset is returned when there are no rows to report on.
var ErrEmptyDataset = errors.New("dataset has no rows")

const (
	highScore       = 0.7
	maxCandidates   = 10
	maxTopWorkflows = 15
	maxApps         = 15
	maxPreview      = 500
)

// Generate reads the dataset and writes insights_<YYYY-MM-DD>.md into
// outDir, returning the report path.
func Generate(dataset *ledger.Dataset, outDir string, now time.Time) (string, error) {
	rows, err := dataset.Rows()
	if err != nil {
		return "", fmt.Errorf("failed to read dataset: %w", err)
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: %s", ErrEmptyDataset, dataset.Path())
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create reports directory: %w", err)
	}
	path := filepath.Join(outDir, fmt.Sprintf("insights_%s.md", now.Format("2006-01-02")))
	if err := os.WriteFile(path, []byte(Render(rows, now)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}

	log.Info().Str("path", path).Int("rows", len(rows)).Msg("Insights report written")
	return path, nil
}

// Render builds the report markdown for rows.
func Render(rows []ledger.Row, now time.Time) string {
	sections := []string{
		header(now),
		volumeSummary(rows),
		workflowInventory(rows),
		automationLandscape(rows),
		sopComplexity(rows),
		applicationInsights(rows),
		userFindings(rows),
		analysisLinks(rows),
		crossVideoThemes(rows),
		footer(now),
	}
	return strings.Join(sections, "\n\n") + "\n"
}

func header(now time.Time) string {
	return fmt.Sprintf("# Workflow Analysis Insights Report\n\n**Generated:** %s\n\n---", now.Format("January 2, 2006"))
}

func footer(now time.Time) string {
	return fmt.Sprintf("---\n\n*Report generated by workflow-pipeline on %s from whole-video analysis of screen recordings.*",
		now.Format("2006-01-02 15:04:05"))
}

func volumeSummary(rows []ledger.Row) string {
	var b strings.Builder
	b.WriteString("## 1. Volume Summary\n\n")

	var totalSec float64
	var timed int
	var earliest, latest string
	users := make([]string, 0, len(rows))
	machines := make(map[string]struct{})
	for _, r := range rows {
		if r.DurationSec > 0 {
			totalSec += r.DurationSec
			timed++
		}
		if r.Timestamp != "" {
			if earliest == "" || r.Timestamp < earliest {
				earliest = r.Timestamp
			}
			if latest == "" || r.Timestamp > latest {
				latest = r.Timestamp
			}
		}
		users = append(users, r.Username)
		if r.MachineID != "" {
			machines[r.MachineID] = struct{}{}
		}
	}
	byUser := tally(users)

	avgMin := 0.0
	if timed > 0 {
		avgMin = totalSec / float64(timed) / 60
	}
	dateRange := "Unknown"
	if earliest != "" {
		dateRange = earliest + " to " + latest
	}

	b.WriteString("| Metric | Value |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| Total videos analyzed | %d |\n", len(rows))
	fmt.Fprintf(&b, "| Unique users | %d |\n", len(byUser))
	fmt.Fprintf(&b, "| Unique workstations | %d |\n", len(machines))
	fmt.Fprintf(&b, "| Total recording time | %.1f hours |\n", totalSec/3600)
	fmt.Fprintf(&b, "| Average recording length | %.1f minutes |\n", avgMin)
	fmt.Fprintf(&b, "| Date range | %s |\n", dateRange)

	b.WriteString("\n### Recordings by User\n\n")
	b.WriteString("| User | Videos | % of Total |\n|------|--------|------------|\n")
	for _, c := range byUser {
		fmt.Fprintf(&b, "| %s | %d | %.0f%% |\n", cell(c.key), c.n, percent(c.n, len(rows)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func workflowInventory(rows []ledger.Row) string {
	var b strings.Builder
	b.WriteString("## 2. Workflow Inventory\n\n")
	fmt.Fprintf(&b, "**Total workflows analyzed:** %d\n\n", len(rows))
	b.WriteString("| User | Task | Duration | App | Score | SOP Steps | Top Candidate | Summary |\n")
	b.WriteString("|------|------|----------|-----|-------|-----------|---------------|---------|\n")
	for _, r := range rows {
		duration := "-"
		if r.DurationSec > 0 {
			duration = fmt.Sprintf("%.1fm", r.DurationSec/60)
		}
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %.2f | %d | %s | %s |\n",
			cell(r.Username),
			cell(truncate(r.TaskDescription, 30)),
			duration,
			cell(truncate(r.PrimaryApp, 15)),
			r.AutomationScore,
			r.SOPStepCount,
			cell(truncate(r.TopAutomationCandidate, 25)),
			cell(truncate(r.WorkflowDescription, 40)),
		)
	}
	return strings.TrimRight(b.String(), "\n")
}

var scoreBands = []struct {
	low, high float64
	label     string
}{
	{0, 0.3, "Low"},
	{0.3, 0.5, "Moderate"},
	{0.5, 0.7, "Medium"},
	{0.7, 0.85, "High"},
	{0.85, 1.01, "Very High"},
}

func automationLandscape(rows []ledger.Row) string {
	var b strings.Builder
	b.WriteString("## 3. Automation Landscape\n")

	candidates := make([]string, 0, len(rows))
	scoreSum := make(map[string]float64)
	for _, r := range rows {
		if r.TopAutomationCandidate == "" {
			continue
		}
		candidates = append(candidates, r.TopAutomationCandidate)
		scoreSum[r.TopAutomationCandidate] += r.AutomationScore
	}
	if common := tally(candidates); len(common) > 0 {
		b.WriteString("\n### Most Common Automation Candidates\n\n")
		b.WriteString("| Automation Candidate | Appearances | Avg Score |\n|---------------------|-------------|-----------|\n")
		for _, c := range limit(common, maxCandidates) {
			fmt.Fprintf(&b, "| %s | %d | %.2f |\n", cell(truncate(c.key, 50)), c.n, scoreSum[c.key]/float64(c.n))
		}
	}

	var ready []ledger.Row
	for _, r := range rows {
		if r.AutomationScore >= highScore {
			ready = append(ready, r)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool { return ready[i].AutomationScore > ready[j].AutomationScore })
	if len(ready) == 0 {
		fmt.Fprintf(&b, "\n*No workflows scored %.1f+ for automation potential.*\n", highScore)
	} else {
		fmt.Fprintf(&b, "\n### Top Automation Candidates (%d workflows scoring >= %.1f)\n\n", len(ready), highScore)
		b.WriteString("| User | Task | Score | App | Category |\n|------|------|-------|-----|----------|\n")
		if len(ready) > maxTopWorkflows {
			ready = ready[:maxTopWorkflows]
		}
		for _, r := range ready {
			fmt.Fprintf(&b, "| %s | %s | %.2f | %s | %s |\n",
				cell(r.Username), cell(truncate(r.TaskDescription, 40)), r.AutomationScore, cell(r.PrimaryApp), cell(r.WorkflowCategory))
		}
	}

	b.WriteString("\n### Automation Score Distribution\n\n")
	b.WriteString("| Range | Level | Videos | % |\n|-------|-------|--------|---|\n")
	for _, band := range scoreBands {
		n := 0
		for _, r := range rows {
			if r.AutomationScore >= band.low && r.AutomationScore < band.high {
				n++
			}
		}
		fmt.Fprintf(&b, "| %.2f-%.2f | %s | %d | %.0f%% |\n", band.low, bandEdge(band.high), band.label, n, percent(n, len(rows)))
	}
	return strings.TrimRight(b.String(), "\n")
}

// bandEdge caps the open upper edge of the last band for display.
func bandEdge(f float64) float64 {
	if f > 1 {
		return 1
	}
	return f
}

var stepBands = []struct {
	low, high int
	label     string
}{
	{1, 5, "Simple (1-5)"},
	{6, 10, "Moderate (6-10)"},
	{11, 20, "Complex (11-20)"},
	{21, 1 << 30, "Very Complex (21+)"},
}

func sopComplexity(rows []ledger.Row) string {
	var b strings.Builder
	b.WriteString("## 4. SOP Complexity Overview\n")

	var valid []ledger.Row
	for _, r := range rows {
		if r.SOPStepCount > 0 {
			valid = append(valid, r)
		}
	}
	if len(valid) == 0 {
		b.WriteString("\n*No SOP step data available.*")
		return b.String()
	}

	sum, lo, hi := 0, valid[0].SOPStepCount, valid[0].SOPStepCount
	for _, r := range valid {
		sum += r.SOPStepCount
		lo = min(lo, r.SOPStepCount)
		hi = max(hi, r.SOPStepCount)
	}
	b.WriteString("\n| Metric | Value |\n|--------|-------|\n")
	fmt.Fprintf(&b, "| Average SOP steps | %.1f |\n", float64(sum)/float64(len(valid)))
	fmt.Fprintf(&b, "| Most complex (max steps) | %d |\n", hi)
	fmt.Fprintf(&b, "| Simplest (min steps) | %d |\n", lo)

	sorted := append([]ledger.Row(nil), valid...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SOPStepCount > sorted[j].SOPStepCount })
	if len(sorted) > maxCandidates {
		sorted = sorted[:maxCandidates]
	}
	b.WriteString("\n### Most Complex Workflows\n\n")
	b.WriteString("| User | Task | SOP Steps | Auto Score | App |\n|------|------|-----------|------------|-----|\n")
	for _, r := range sorted {
		fmt.Fprintf(&b, "| %s | %s | %d | %.2f | %s |\n",
			cell(r.Username), cell(truncate(r.TaskDescription, 40)), r.SOPStepCount, r.AutomationScore, cell(r.PrimaryApp))
	}

	b.WriteString("\n### Complexity Distribution\n\n")
	b.WriteString("| Range | Videos | % |\n|-------|--------|---|\n")
	for _, band := range stepBands {
		n := 0
		for _, r := range valid {
			if r.SOPStepCount >= band.low && r.SOPStepCount <= band.high {
				n++
			}
		}
		fmt.Fprintf(&b, "| %s | %d | %.0f%% |\n", band.label, n, percent(n, len(valid)))
	}
	return strings.TrimRight(b.String(), "\n")
}

func applicationInsights(rows []ledger.Row) string {
	var b strings.Builder
	b.WriteString("## 5. Application Insights\n")

	apps := make([]string, 0, len(rows))
	categories := make([]string, 0, len(rows))
	scoreSum := make(map[string]float64)
	pairs := make([]string, 0)
	for _, r := range rows {
		if r.PrimaryApp != "" {
			apps = append(apps, r.PrimaryApp)
			scoreSum[r.PrimaryApp] += r.AutomationScore
		}
		if r.WorkflowCategory != "" {
			categories = append(categories, r.WorkflowCategory)
		}
		pairs = append(pairs, appPairs(r.AppSequence)...)
	}

	appCounts := tally(apps)
	if len(appCounts) == 0 {
		b.WriteString("\n*No application data available.*")
		return b.String()
	}

	b.WriteString("\n### Most-Used Applications\n\n")
	b.WriteString("| Application | Videos | % of Total |\n|-------------|--------|------------|\n")
	for _, c := range limit(appCounts, maxApps) {
		fmt.Fprintf(&b, "| %s | %d | %.0f%% |\n", cell(c.key), c.n, percent(c.n, len(rows)))
	}

	byScore := append([]count(nil), appCounts...)
	sort.SliceStable(byScore, func(i, j int) bool {
		return scoreSum[byScore[i].key]/float64(byScore[i].n) > scoreSum[byScore[j].key]/float64(byScore[j].n)
	})
	b.WriteString("\n### Applications by Average Automation Score\n\n")
	b.WriteString("| Application | Avg Score | Videos |\n|-------------|-----------|--------|\n")
	for _, c := range limit(byScore, maxCandidates) {
		fmt.Fprintf(&b, "| %s | %.2f | %d |\n", cell(c.key), scoreSum[c.key]/float64(c.n), c.n)
	}

	if pairCounts := tally(pairs); len(pairCounts) > 0 {
		b.WriteString("\n### Frequently Co-Occurring Applications\n\n")
		b.WriteString("| App 1 | App 2 | Videos Together |\n|-------|-------|-----------------|\n")
		for _, c := range limit(pairCounts, maxCandidates) {
			a, z, _ := strings.Cut(c.key, "\x00")
			fmt.Fprintf(&b, "| %s | %s | %d |\n", cell(a), cell(z), c.n)
		}
	}

	if catCounts := tally(categories); len(catCounts) > 0 {
		b.WriteString("\n### Workflow Categories\n\n")
		b.WriteString("| Category | Videos | % of Total |\n|----------|--------|------------|\n")
		for _, c := range catCounts {
			fmt.Fprintf(&b, "| %s | %d | %.0f%% |\n", cell(c.key), c.n, percent(c.n, len(rows)))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// appPairs returns each unordered pair of distinct apps in seq once, keyed
// as "a\x00b" with a < b.
func appPairs(seq []string) []string {
	seen := make(map[string]bool)
	var unique []string
	for _, app := range seq {
		if app == "" || seen[app] {
			continue
		}
		seen[app] = true
		unique = append(unique, app)
	}
	var pairs []string
	for i := 0; i < len(unique); i++ {
		for j := i + 1; j < len(unique); j++ {
			a, z := unique[i], unique[j]
			if z < a {
				a, z = z, a
			}
			pairs = append(pairs, a+"\x00"+z)
		}
	}
	return pairs
}

func userFindings(rows []ledger.Row) string {
	var b strings.Builder
	b.WriteString("## 6. User-Specific Findings\n\n### User Overview\n\n")
	b.WriteString("| User | Videos | Avg Auto Score | Avg SOP Steps | Top App |\n")
	b.WriteString("|------|--------|---------------|--------------|---------|\n")

	type agg struct {
		n     int
		score float64
		steps int
		apps  []string
	}
	var order []string
	users := make(map[string]*agg)
	for _, r := range rows {
		a, ok := users[r.Username]
		if !ok {
			a = &agg{}
			users[r.Username] = a
			order = append(order, r.Username)
		}
		a.n++
		a.score += r.AutomationScore
		a.steps += r.SOPStepCount
		if r.PrimaryApp != "" {
			a.apps = append(a.apps, r.PrimaryApp)
		}
	}
	for _, u := range order {
		a := users[u]
		top := ""
		if apps := tally(a.apps); len(apps) > 0 {
			top = apps[0].key
		}
		fmt.Fprintf(&b, "| %s | %d | %.2f | %.1f | %s |\n",
			cell(u), a.n, a.score/float64(a.n), float64(a.steps)/float64(a.n), cell(top))
	}
	return strings.TrimRight(b.String(), "\n")
}

func analysisLinks(rows []ledger.Row) string {
	var b strings.Builder
	b.WriteString("## 7. Detailed Analysis Files\n")

	var linked []ledger.Row
	for _, r := range rows {
		if r.AnalysisPath != "" {
			linked = append(linked, r)
		}
	}
	if len(linked) == 0 {
		b.WriteString("\n*No per-video analysis files found.*")
		return b.String()
	}

	fmt.Fprintf(&b, "\n**%d** videos have detailed markdown analyses.\n\n", len(linked))
	b.WriteString("| User | Task | Score | Analysis File |\n|------|------|-------|---------------|\n")
	for _, r := range linked {
		name := filepath.Base(r.AnalysisPath)
		fmt.Fprintf(&b, "| %s | %s | %.2f | [%s](%s) |\n",
			cell(r.Username), cell(truncate(r.TaskDescription, 35)), r.AutomationScore, cell(name), filepath.ToSlash(r.AnalysisPath))
	}
	return strings.TrimRight(b.String(), "\n")
}

func crossVideoThemes(rows []ledger.Row) string {
	var b strings.Builder
	b.WriteString("## 8. Cross-Video Automation Themes\n")

	type entry struct {
		user, task, candidates string
	}
	var entries []entry
	for _, r := range rows {
		if r.AnalysisPath == "" {
			continue
		}
		data, err := os.ReadFile(r.AnalysisPath)
		if err != nil {
			log.Debug().Err(err).Str("path", r.AnalysisPath).Msg("Skipping unreadable analysis file")
			continue
		}
		sections := analysis.ParseSections(stripFrontMatter(string(data)))
		if sections.AutomationCandidates == "" {
			continue
		}
		entries = append(entries, entry{r.Username, r.TaskDescription, sections.AutomationCandidates})
	}
	if len(entries) == 0 {
		b.WriteString("\n*No analysis files to extract themes from.*")
		return b.String()
	}

	fmt.Fprintf(&b, "\nExtracted automation candidates from **%d** analyses.\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(&b, "\n### %s: %s\n\n", e.user, truncate(e.task, 50))
		preview := e.candidates
		if len(preview) > maxPreview {
			preview = truncateBytes(preview, maxPreview) + "\n\n*(truncated)*"
		}
		b.WriteString(preview)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// stripFrontMatter drops a leading "---" delimited YAML block.
func stripFrontMatter(content string) string {
	if !strings.HasPrefix(content, "---") {
		return content
	}
	rest := content[3:]
	if end := strings.Index(rest, "\n---"); end >= 0 {
		return rest[end+4:]
	}
	return content
}

type count struct {
	key string
	n   int
}

// tally counts non-empty keys, most frequent first, ties by key.
func tally(keys []string) []count {
	counts := make(map[string]int)
	for _, k := range keys {
		if k != "" {
			counts[k]++
		}
	}
	out := make([]count, 0, len(counts))
	for k, n := range counts {
		out = append(out, count{k, n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].n != out[j].n {
			return out[i].n > out[j].n
		}
		return out[i].key < out[j].key
	})
	return out
}

func limit(c []count, n int) []count {
	if len(c) > n {
		return c[:n]
	}
	return c
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// cell makes s safe inside a markdown table cell.
func cell(s string) string {
	s = strings.NewReplacer("|", "\\|", "\r\n", " ", "\n", " ").Replace(s)
	return strings.TrimSpace(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
