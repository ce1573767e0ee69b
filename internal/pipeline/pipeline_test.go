package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fpang/workflow-insights/internal/analysis"
	"github.com/fpang/workflow-insights/internal/ledger"
	"github.com/fpang/workflow-insights/internal/probe"
	"github.com/fpang/workflow-insights/internal/quality"
	"github.com/fpang/workflow-insights/internal/session"
)

type fakeAnalyzer struct {
	calls  []string
	result func(videoID string) (*analysis.Result, error)
}

func (a *fakeAnalyzer) Analyze(ctx context.Context, videoPath, task, videoID string) (*analysis.Result, error) {
	a.calls = append(a.calls, videoID)
	if a.result == nil {
		return usableResult(), nil
	}
	return a.result(videoID)
}

func usableResult() *analysis.Result {
	return &analysis.Result{
		Markdown: "### A) SOP\n1. Open Excel\n2. Type totals",
		Structured: analysis.Structured{
			WorkflowDescription:      "Enters weekly invoice totals into the Excel tracker",
			PrimaryApp:               "Excel",
			AppSequence:              []string{"Outlook", "Excel"},
			DetectedActions:          []string{"data entry"},
			AutomationScore:          0.7,
			WorkflowCategory:         analysis.CategoryDataEntry,
			SOPStepCount:             2,
			AutomationCandidateCount: 1,
			TopAutomationCandidate:   "Invoice import",
		},
	}
}

// fakeProber returns a duration per file base name; unknown files report
// UnknownDuration.
type fakeProber struct {
	durations map[string]float64
}

func (p *fakeProber) Probe(ctx context.Context, path string) probe.VideoMetadata {
	d, ok := p.durations[filepath.Base(path)]
	if !ok {
		d = probe.UnknownDuration
	}
	return probe.VideoMetadata{DurationSec: d, FileSizeMB: 0.01, SizeBytes: 100}
}

type statusCall struct {
	videoID, status, reason string
}

type fakeManifest struct {
	calls []statusCall
}

func (m *fakeManifest) UpdateStatus(videoID, status, reason string) error {
	m.calls = append(m.calls, statusCall{videoID, status, reason})
	return nil
}

type harness struct {
	dir      string
	pipeline *Pipeline
	analyzer *fakeAnalyzer
	prober   *fakeProber
	manifest *fakeManifest
	ledger   *ledger.Ledger
	dataset  *ledger.Dataset
	metadata *ledger.Dataset
	slept    []time.Duration
	paths    map[string]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		dir:      dir,
		analyzer: &fakeAnalyzer{},
		prober:   &fakeProber{durations: map[string]float64{}},
		manifest: &fakeManifest{},
		paths: map[string]string{
			"processed":   filepath.Join(dir, "out", "processed.log"),
			"rejected":    filepath.Join(dir, "out", "rejected.log"),
			"misrecorded": filepath.Join(dir, "out", "misrecorded.log"),
		},
	}
	h.ledger = ledger.New(h.paths["processed"], h.paths["rejected"], h.paths["misrecorded"])
	h.dataset = ledger.NewDataset(filepath.Join(dir, "out", "workflow_analysis.csv"))
	h.metadata = ledger.NewDataset(filepath.Join(dir, "out", "metadata_only.csv"))

	cfg := Config{
		MinDuration:      5 * time.Second,
		MaxDuration:      3600 * time.Second,
		MinFileSizeBytes: 10,
		InterVideoDelay:  5 * time.Second,
		Thresholds:       quality.DefaultThresholds(),
		AnalysesDir:      filepath.Join(dir, "out", "analyses"),
		QuarantineDir:    filepath.Join(dir, "out", "quarantine"),
	}
	clock := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	h.pipeline = New(cfg, Deps{
		Analyzer:        h.analyzer,
		Prober:          h.prober,
		Ledger:          h.ledger,
		Dataset:         h.dataset,
		MetadataDataset: h.metadata,
		Manifest:        h.manifest,
	},
		WithSleep(func(ctx context.Context, d time.Duration) error {
			h.slept = append(h.slept, d)
			return nil
		}),
		WithClock(func() time.Time { return clock }),
	)
	return h
}

// video writes a recording of size bytes and returns its record.
func (h *harness) video(t *testing.T, name string, size int, duration float64) session.VideoRecord {
	t.Helper()
	path := filepath.Join(h.dir, "videos", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	if duration != 0 {
		h.prober.durations[name] = duration
	}
	return session.VideoRecord{
		VideoID:          session.VideoID(path, ""),
		Username:         "alice",
		MachineID:        "PC01",
		TaskDescription:  "Invoice entry",
		CaptureTimestamp: time.Date(2026, 3, 2, 9, 15, 0, 0, time.Local),
		SourcePath:       path,
	}
}

func TestRunQuarantinesOutOfBoundsDurations(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		reason   string
	}{
		{"too short", 3, "Video too short"},
		{"too long", 4000, "Video too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.video(t, "clip.webm", 100, tt.duration)

			stats := h.pipeline.Run(context.Background(), []session.VideoRecord{rec}, Options{})

			if len(h.analyzer.calls) != 0 {
				t.Fatalf("analysis engine must not be called, got %d calls", len(h.analyzer.calls))
			}
			if stats.Rejected != 1 || stats.HasFailures() {
				t.Errorf("unexpected stats: %+v", stats)
			}
			if !h.ledger.LoadRejected().Has(rec.VideoID) {
				t.Error("video should be in the rejected log")
			}
			entries, _ := ledger.ReadEntries(h.paths["misrecorded"])
			if len(entries) != 1 || !strings.HasPrefix(entries[0].Reason, tt.reason) {
				t.Errorf("misrecorded entries: %+v", entries)
			}
			if _, err := os.Stat(rec.SourcePath); !os.IsNotExist(err) {
				t.Error("recording should have been moved out of the source folder")
			}
			if len(stats.Videos[0].Quarantined) != 1 {
				t.Errorf("expected one quarantined file, got %v", stats.Videos[0].Quarantined)
			}
			if len(h.manifest.calls) != 1 || h.manifest.calls[0].status != session.StatusRejected {
				t.Errorf("manifest calls: %+v", h.manifest.calls)
			}
		})
	}
}

func TestRescanAfterQuarantineProcessesNothing(t *testing.T) {
	h := newHarness(t)
	h.video(t, "alice_PC01_2026-03-02_09-15-00_short.webm", 100, 3)
	h.video(t, "alice_PC01_2026-03-02_09-20-00_invoice.webm", 100, 60)
	out := filepath.Join(h.dir, "out")

	first, err := session.ScanDirectory(h.dir, out)
	if err != nil {
		t.Fatal(err)
	}
	stats := h.pipeline.Run(context.Background(), first, Options{})
	if stats.Rejected != 1 || stats.Processed != 1 {
		t.Fatalf("first run: %+v", stats)
	}

	all, err := session.ScanDirectory(h.dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("quarantined file should sit under the scanned root, got %d records", len(all))
	}

	second, err := session.ScanDirectory(h.dir, out)
	if err != nil {
		t.Fatal(err)
	}
	again := h.pipeline.Run(context.Background(), second, Options{})
	if again.Pending != 0 || again.Rejected != 0 || again.Skipped != len(second) {
		t.Errorf("second run should process nothing: %+v", again)
	}
	if len(h.analyzer.calls) != 1 {
		t.Errorf("analyzer calls = %d, want 1", len(h.analyzer.calls))
	}
}

func TestRunQuarantinesTinyFile(t *testing.T) {
	h := newHarness(t)
	rec := h.video(t, "empty.webm", 4, 60)

	stats := h.pipeline.Run(context.Background(), []session.VideoRecord{rec}, Options{})

	if stats.Rejected != 1 || len(h.analyzer.calls) != 0 {
		t.Fatalf("expected a pre-analysis rejection, got %+v", stats)
	}
	if got := stats.Videos[0].Reason; got != "File too small (4 bytes), likely corrupt" {
		t.Errorf("reason: %q", got)
	}
}

func TestRunUnknownDurationProceeds(t *testing.T) {
	h := newHarness(t)
	rec := h.video(t, "noprobe.webm", 100, 0)

	stats := h.pipeline.Run(context.Background(), []session.VideoRecord{rec}, Options{})

	if stats.Processed != 1 || len(h.analyzer.calls) != 1 {
		t.Errorf("unknown duration should not block analysis: %+v", stats)
	}
}

func TestRunPersistsUsableAnalysis(t *testing.T) {
	h := newHarness(t)
	rec := h.video(t, "good.webm", 100, 120)

	stats := h.pipeline.Run(context.Background(), []session.VideoRecord{rec}, Options{})

	if stats.Processed != 1 || stats.HasFailures() {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if !h.ledger.LoadProcessed().Has(rec.VideoID) {
		t.Error("video should be in the processed log")
	}

	rows, err := h.dataset.Rows()
	if err != nil {
		t.Fatalf("read dataset: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	row := rows[0]
	if row.PrimaryApp != "Excel" || row.DurationSec != 120 || row.HourOfDay != 9 || row.DayOfWeek != "Monday" {
		t.Errorf("unexpected row: %+v", row)
	}

	artifact := stats.Videos[0].ArtifactPath
	if row.AnalysisPath != artifact {
		t.Errorf("analysis_path %q does not match artifact %q", row.AnalysisPath, artifact)
	}
	if filepath.Base(artifact) != rec.VideoID+"_alice_Invoice_entry.md" {
		t.Errorf("artifact name: %s", filepath.Base(artifact))
	}
	data, err := os.ReadFile(artifact)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	content := string(data)
	if !strings.HasPrefix(content, "---\nvideo_id: ") {
		t.Errorf("artifact should open with front matter:\n%s", content)
	}
	for _, want := range []string{rec.VideoID, "username: alice", "2026-03-02T10:00:00Z", "primary_app: Excel", "---\n\n### A) SOP"} {
		if !strings.Contains(content, want) {
			t.Errorf("artifact missing %q:\n%s", want, content)
		}
	}

	if len(h.manifest.calls) != 1 || h.manifest.calls[0] != (statusCall{rec.VideoID, session.StatusAnalyzed, ""}) {
		t.Errorf("manifest calls: %+v", h.manifest.calls)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	records := []session.VideoRecord{
		h.video(t, "a.webm", 100, 60),
		h.video(t, "b.webm", 100, 2),
	}

	first := h.pipeline.Run(context.Background(), records, Options{})
	if first.Processed != 1 || first.Rejected != 1 {
		t.Fatalf("first run: %+v", first)
	}
	calls := len(h.analyzer.calls)

	second := h.pipeline.Run(context.Background(), records, Options{})
	if second.Skipped != 2 || second.Pending != 0 {
		t.Errorf("second run should skip everything: %+v", second)
	}
	if len(h.analyzer.calls) != calls {
		t.Error("second run must not analyse anything")
	}
	rows, _ := h.dataset.Rows()
	if len(rows) != 1 {
		t.Errorf("dataset should still have 1 row, got %d", len(rows))
	}
}

func TestRunAnalysisFailureLeavesLedgerUntouched(t *testing.T) {
	h := newHarness(t)
	rec := h.video(t, "flaky.webm", 100, 60)
	h.analyzer.result = func(string) (*analysis.Result, error) {
		return nil, analysis.ErrUploadTimeout
	}

	stats := h.pipeline.Run(context.Background(), []session.VideoRecord{rec}, Options{})

	if stats.Failed != 1 || !stats.HasFailures() {
		t.Fatalf("expected a failure: %+v", stats)
	}
	if len(stats.Errors) != 1 || !strings.Contains(stats.Errors[0], "flaky.webm") {
		t.Errorf("errors should name the file: %v", stats.Errors)
	}
	if h.ledger.Handled().Has(rec.VideoID) {
		t.Error("failed video must not be marked in either ledger")
	}
	if _, err := os.Stat(rec.SourcePath); err != nil {
		t.Error("failed video must stay in place")
	}
	if len(h.manifest.calls) != 0 {
		t.Error("manifest must not be updated for a failure")
	}

	h.analyzer.result = nil
	retry := h.pipeline.Run(context.Background(), []session.VideoRecord{rec}, Options{})
	if retry.Processed != 1 {
		t.Errorf("video should be retried on the next run: %+v", retry)
	}
}

func TestRunQualityRejection(t *testing.T) {
	h := newHarness(t)
	rec := h.video(t, "idle.webm", 100, 60)
	h.analyzer.result = func(string) (*analysis.Result, error) {
		return &analysis.Result{Markdown: "nothing", Structured: analysis.EmptyStructured(), StructuredFallback: true}, nil
	}

	stats := h.pipeline.Run(context.Background(), []session.VideoRecord{rec}, Options{})

	if stats.Rejected != 1 {
		t.Fatalf("expected a rejection: %+v", stats)
	}
	entries, _ := ledger.ReadEntries(h.paths["rejected"])
	if len(entries) != 1 || entries[0].Reason != quality.ReasonNoApplication {
		t.Errorf("rejected entries: %+v", entries)
	}
	if mis, _ := ledger.ReadEntries(h.paths["misrecorded"]); len(mis) != 0 {
		t.Error("quality rejections are not misrecordings")
	}
	if rows, _ := h.dataset.Rows(); len(rows) != 0 {
		t.Error("rejected video must not enter the dataset")
	}
	if len(h.manifest.calls) != 1 || h.manifest.calls[0].reason != quality.ReasonNoApplication {
		t.Errorf("manifest calls: %+v", h.manifest.calls)
	}
}

func TestRunMissingFileIsFailure(t *testing.T) {
	h := newHarness(t)
	rec := session.VideoRecord{VideoID: "missing00000", SourcePath: filepath.Join(h.dir, "gone.webm")}

	stats := h.pipeline.Run(context.Background(), []session.VideoRecord{rec}, Options{})

	if stats.Failed != 1 || h.ledger.Handled().Has(rec.VideoID) {
		t.Errorf("missing file should be a failure only: %+v", stats)
	}
}

func TestRunMetadataOnly(t *testing.T) {
	h := newHarness(t)
	rec := h.video(t, "meta.webm", 100, 60)

	stats := h.pipeline.Run(context.Background(), []session.VideoRecord{rec}, Options{MetadataOnly: true})

	if stats.MetadataOnly != 1 || len(h.analyzer.calls) != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	rows, _ := h.metadata.Rows()
	if len(rows) != 1 || rows[0].Analyzed {
		t.Errorf("expected one metadata-only row, got %+v", rows)
	}
	if main, _ := h.dataset.Rows(); len(main) != 0 {
		t.Error("metadata-only mode must not write the main dataset")
	}
	if h.ledger.Handled().Has(rec.VideoID) {
		t.Error("metadata-only mode must not touch the ledger")
	}
}

func TestRunDryRunHasNoSideEffects(t *testing.T) {
	h := newHarness(t)
	records := []session.VideoRecord{h.video(t, "a.webm", 100, 2), h.video(t, "b.webm", 100, 60)}

	stats := h.pipeline.Run(context.Background(), records, Options{DryRun: true})

	if stats.Planned != 2 || len(h.analyzer.calls) != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, err := os.Stat(filepath.Join(h.dir, "out")); !os.IsNotExist(err) {
		t.Error("dry run must not create any output")
	}
	if len(h.manifest.calls) != 0 {
		t.Error("dry run must not update the manifest")
	}
}

func TestRunUsesGivenRunID(t *testing.T) {
	h := newHarness(t)
	stats := h.pipeline.Run(context.Background(), nil, Options{RunID: "run-42", DryRun: true})
	if stats.RunID != "run-42" {
		t.Errorf("RunID = %q", stats.RunID)
	}
	if other := h.pipeline.Run(context.Background(), nil, Options{DryRun: true}); other.RunID == "" {
		t.Error("an empty RunID should be generated")
	}
}

func TestRunLimitAppliesAfterSkipping(t *testing.T) {
	h := newHarness(t)
	records := []session.VideoRecord{
		h.video(t, "a.webm", 100, 60),
		h.video(t, "b.webm", 100, 60),
		h.video(t, "c.webm", 100, 60),
	}
	if err := h.ledger.MarkProcessed(records[0].VideoID); err != nil {
		t.Fatal(err)
	}

	stats := h.pipeline.Run(context.Background(), records, Options{Limit: 1})

	if stats.Skipped != 1 || stats.Pending != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if len(h.analyzer.calls) != 1 || h.analyzer.calls[0] != records[1].VideoID {
		t.Errorf("expected only b to be analysed, got %v", h.analyzer.calls)
	}
}

func TestRunDelaysOnlyBetweenAnalyses(t *testing.T) {
	h := newHarness(t)
	records := []session.VideoRecord{
		h.video(t, "a.webm", 100, 60),
		h.video(t, "short.webm", 100, 1),
		h.video(t, "b.webm", 100, 60),
	}

	h.pipeline.Run(context.Background(), records, Options{})

	if len(h.slept) != 1 || h.slept[0] != 5*time.Second {
		t.Errorf("expected a single inter-video delay, got %v", h.slept)
	}
}

func TestRunRecoversFromPanic(t *testing.T) {
	h := newHarness(t)
	bad := h.video(t, "bad.webm", 100, 60)
	good := h.video(t, "good.webm", 100, 60)
	h.analyzer.result = func(id string) (*analysis.Result, error) {
		if id == bad.VideoID {
			panic("boom")
		}
		return usableResult(), nil
	}

	stats := h.pipeline.Run(context.Background(), []session.VideoRecord{bad, good}, Options{})

	if stats.Failed != 1 || stats.Processed != 1 {
		t.Errorf("a panicking video must not stop the run: %+v", stats)
	}
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats := h.pipeline.Run(ctx, []session.VideoRecord{h.video(t, "a.webm", 100, 60)}, Options{})

	if len(h.analyzer.calls) != 0 || !stats.HasFailures() {
		t.Errorf("cancelled run should stop and report: %+v", stats)
	}
}

func TestQuarantinePathAddsSuffixOnCollision(t *testing.T) {
	h := newHarness(t)
	q := h.pipeline.cfg.QuarantineDir
	if err := os.MkdirAll(q, 0o755); err != nil {
		t.Fatal(err)
	}
	if got := h.pipeline.quarantinePath("clip.webm"); got != filepath.Join(q, "clip.webm") {
		t.Errorf("free name: got %s", got)
	}
	if err := os.WriteFile(filepath.Join(q, "clip.webm"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if got := h.pipeline.quarantinePath("clip.webm"); got != filepath.Join(q, "clip_20260302_100000.webm") {
		t.Errorf("collision: got %s", got)
	}
}

func TestArtifactName(t *testing.T) {
	rec := session.VideoRecord{
		VideoID:         "abc123def456",
		Username:        "",
		TaskDescription: "Monthly close: reconcile vendor statements / post journal entries",
	}
	got := ArtifactName(rec)
	want := "abc123def456_unknown_Monthly_close_reconcile_vendor_statement.md"
	if got != want {
		t.Errorf("ArtifactName() = %q, want %q", got, want)
	}
}

func TestFailedResultWrapsError(t *testing.T) {
	rec := session.VideoRecord{VideoID: "x", SourcePath: "/v/x.webm"}
	res := failed(rec, errors.New("disk full"))
	if res.Outcome != OutcomeFailed || res.Name != "x.webm" || res.Reason != "disk full" {
		t.Errorf("unexpected result: %+v", res)
	}
}
