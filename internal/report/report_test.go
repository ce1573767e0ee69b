package report

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fpang/workflow-insights/internal/ledger"
)

func writeAnalysis(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := "---\nvideo_id: abc\nusername: alice\n---\n\n" + body
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func sampleRows(t *testing.T, dir string) []ledger.Row {
	md := writeAnalysis(t, dir, "abc_alice_Invoice_entry.md",
		"### A) SOP\n1. Open Outlook\n\n### B) Automation candidates\n1. Auto-import invoice totals\n\n### C) Plan\nPower Automate flow")
	return []ledger.Row{
		{
			VideoID: "abc", Username: "alice", MachineID: "PC01", Timestamp: "2026-03-02T09:15:00",
			TaskDescription: "Invoice entry", HourOfDay: 9, DurationSec: 600,
			Analyzed: true, WorkflowDescription: "Copies invoice totals into Excel", PrimaryApp: "Excel",
			AppSequence: []string{"Outlook", "Excel", "Outlook"}, AutomationScore: 0.8,
			WorkflowCategory: "data_entry", SOPStepCount: 6, TopAutomationCandidate: "Invoice import",
			AnalysisPath: md,
		},
		{
			VideoID: "def", Username: "bob", MachineID: "PC02", Timestamp: "2026-03-05T14:00:00",
			TaskDescription: "Payroll | weekly", HourOfDay: 14, DurationSec: 1200,
			Analyzed: true, WorkflowDescription: "Reviews timesheets in SAP", PrimaryApp: "SAP",
			AppSequence: []string{"Excel", "SAP"}, AutomationScore: 0.4,
			WorkflowCategory: "payroll", SOPStepCount: 25, TopAutomationCandidate: "Invoice import",
		},
	}
}

func TestRender(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	out := Render(sampleRows(t, t.TempDir()), now)

	wants := []string{
		"# Workflow Analysis Insights Report",
		"**Generated:** March 10, 2026",
		"## 1. Volume Summary",
		"| Total videos analyzed | 2 |",
		"| Unique users | 2 |",
		"| Total recording time | 0.5 hours |",
		"| Average recording length | 15.0 minutes |",
		"| Date range | 2026-03-02T09:15:00 to 2026-03-05T14:00:00 |",
		"## 2. Workflow Inventory",
		"| bob | Payroll \\| weekly | 20.0m | SAP | 0.40 | 25 |",
		"## 3. Automation Landscape",
		"| Invoice import | 2 | 0.60 |",
		"### Top Automation Candidates (1 workflows scoring >= 0.7)",
		"| 0.70-0.85 | High | 1 | 50% |",
		"## 4. SOP Complexity Overview",
		"| Average SOP steps | 15.5 |",
		"| Very Complex (21+) | 1 | 50% |",
		"## 5. Application Insights",
		"| Excel | Outlook | 1 |",
		"| Excel | SAP | 1 |",
		"### Workflow Categories",
		"| data_entry | 1 | 50% |",
		"## 6. User-Specific Findings",
		"| alice | 1 | 0.80 | 6.0 | Excel |",
		"## 7. Detailed Analysis Files",
		"**1** videos have detailed markdown analyses.",
		"## 8. Cross-Video Automation Themes",
		"### alice: Invoice entry",
		"1. Auto-import invoice totals",
		"2026-03-10 08:30:00",
	}
	for _, want := range wants {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
	if strings.Contains(out, "Power Automate flow") {
		t.Error("themes should only include the automation candidates section")
	}
}

func TestRenderWithoutAnalysisFiles(t *testing.T) {
	rows := []ledger.Row{{VideoID: "x", Username: "carol", PrimaryApp: "Word", AutomationScore: 0.1}}
	out := Render(rows, time.Now())

	for _, want := range []string{
		"*No workflows scored 0.7+ for automation potential.*",
		"*No SOP step data available.*",
		"*No per-video analysis files found.*",
		"*No analysis files to extract themes from.*",
		"| Date range | Unknown |",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q", want)
		}
	}
}

func TestGenerate(t *testing.T) {
	dir := t.TempDir()
	dataset := ledger.NewDataset(filepath.Join(dir, "workflow_analysis.csv"))
	for _, row := range sampleRows(t, dir) {
		if err := dataset.Append(row); err != nil {
			t.Fatal(err)
		}
	}

	path, err := Generate(dataset, filepath.Join(dir, "reports"), time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if filepath.Base(path) != "insights_2026-03-10.md" {
		t.Errorf("report name: %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "| Excel | Outlook | 1 |") {
		t.Error("app lists should survive the dataset round trip")
	}
}

func TestGenerateEmptyDataset(t *testing.T) {
	dataset := ledger.NewDataset(filepath.Join(t.TempDir(), "missing.csv"))
	if _, err := Generate(dataset, t.TempDir(), time.Now()); !errors.Is(err, ErrEmptyDataset) {
		t.Errorf("expected ErrEmptyDataset, got %v", err)
	}
}

func TestTally(t *testing.T) {
	got := tally([]string{"b", "a", "b", "", "c", "a", "b"})
	want := []count{{"b", 3}, {"a", 2}, {"c", 1}}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tally()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestStripFrontMatter(t *testing.T) {
	tests := map[string]string{
		"---\na: 1\n---\n\nbody": "\n\nbody",
		"no header":              "no header",
		"---\nunterminated":      "---\nunterminated",
	}
	for in, want := range tests {
		if got := stripFrontMatter(in); got != want {
			t.Errorf("stripFrontMatter(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("a longer task description", 10); got != "a longe..." {
		t.Errorf("got %q", got)
	}
	if got := truncateBytes("héllo", 2); got != "h" {
		t.Errorf("truncateBytes should not split a rune, got %q", got)
	}
}
