package ledger

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SchemaVersion is bumped whenever Columns changes.
const SchemaVersion = 2

// Columns is the fixed dataset header, in order.
var Columns = []string{
	"video_id",
	"username",
	"timestamp",
	"machine_id",
	"task_description",
	"day_of_week",
	"hour_of_day",
	"duration_sec",
	"file_size_mb",
	"workflow_description",
	"primary_app",
	"app_sequence",
	"detected_actions",
	"automation_score",
	"workflow_category",
	"sop_step_count",
	"automation_candidate_count",
	"top_automation_candidate",
	"source_path",
	"mp4_path",
	"analysis_path",
	"processed_at",
	"schema_version",
}

// ErrSchemaMismatch is returned when an existing dataset has a different header.
var ErrSchemaMismatch = errors.New("dataset header does not match schema")

// Row is one dataset record. Analysis fields are only written when Analyzed
// is set; metadata-only rows leave them empty.
type Row struct {
	VideoID         string
	Username        string
	Timestamp       string
	MachineID       string
	TaskDescription string
	DayOfWeek       string
	HourOfDay       int // -1 when unknown
	DurationSec     float64
	FileSizeMB      float64

	Analyzed                 bool
	WorkflowDescription      string
	PrimaryApp               string
	AppSequence              []string
	DetectedActions          []string
	AutomationScore          float64
	WorkflowCategory         string
	SOPStepCount             int
	AutomationCandidateCount int
	TopAutomationCandidate   string

	SourcePath   string
	MP4Path      string
	AnalysisPath string
	ProcessedAt  time.Time
}

// Values serializes the row in Columns order. Unknown values become empty
// strings so every row has the same width.
func (r Row) Values() []string {
	hour := ""
	if r.HourOfDay >= 0 {
		hour = strconv.Itoa(r.HourOfDay)
	}
	duration := ""
	if r.DurationSec > 0 {
		duration = formatFloat(r.DurationSec)
	}
	processed := ""
	if !r.ProcessedAt.IsZero() {
		processed = r.ProcessedAt.Format(time.RFC3339)
	}

	var desc, app, apps, actions, score, category, steps, candidates, top string
	if r.Analyzed {
		desc = r.WorkflowDescription
		app = r.PrimaryApp
		apps = EncodeList(r.AppSequence)
		actions = EncodeList(r.DetectedActions)
		score = formatFloat(r.AutomationScore)
		category = r.WorkflowCategory
		steps = strconv.Itoa(r.SOPStepCount)
		candidates = strconv.Itoa(r.AutomationCandidateCount)
		top = r.TopAutomationCandidate
	}

	return []string{
		r.VideoID,
		r.Username,
		r.Timestamp,
		r.MachineID,
		r.TaskDescription,
		r.DayOfWeek,
		hour,
		duration,
		formatFloat(r.FileSizeMB),
		desc,
		app,
		apps,
		actions,
		score,
		category,
		steps,
		candidates,
		top,
		r.SourcePath,
		r.MP4Path,
		r.AnalysisPath,
		processed,
		strconv.Itoa(SchemaVersion),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// EncodeList is the single write boundary for list columns: a JSON array.
func EncodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

// DecodeList is the single read boundary for list columns. Legacy
// comma-separated values are accepted.
func DecodeList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(raw), &items); err == nil {
		return items
	}
	for _, part := range strings.Split(strings.Trim(raw, "[]"), ",") {
		if part = strings.Trim(strings.TrimSpace(part), `"'`); part != "" {
			items = append(items, part)
		}
	}
	return items
}

// Dataset is the append-only analysis CSV. It does not deduplicate: the
// ledger keeps a video from being appended twice.
type Dataset struct {
	path string
}

// NewDataset wraps the dataset file at path.
func NewDataset(path string) *Dataset {
	return &Dataset{path: path}
}

// Path returns the dataset location.
func (d *Dataset) Path() string {
	return d.path
}

// Append writes row, creating the file with the header first if needed. The
// row is synced to disk before Append returns.
func (d *Dataset) Append(row Row) error {
	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("create dataset directory: %w", err)
	}

	needHeader, err := d.checkHeader()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(d.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open dataset: %w", err)
	}

	w := csv.NewWriter(f)
	if needHeader {
		_ = w.Write(Columns)
	}
	_ = w.Write(row.Values())
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write dataset row: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync dataset: %w", err)
	}
	return f.Close()
}

// checkHeader reports whether the file still needs a header, or
// ErrSchemaMismatch when its existing header differs from Columns.
func (d *Dataset) checkHeader() (bool, error) {
	f, err := os.Open(d.path)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(bufio.NewReader(f)).Read()
	if err == io.EOF {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read dataset header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(Columns, ",") {
		return false, fmt.Errorf("%w: %s", ErrSchemaMismatch, d.path)
	}
	return false, nil
}

// Rows reads every row of the dataset. A missing file yields no rows.
func (d *Dataset) Rows() ([]Row, error) {
	f, err := os.Open(d.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	index := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		index[h] = i
	}
	get := func(rec []string, col string) string {
		i, ok := index[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return rec[i]
	}

	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := Row{
			VideoID:                  get(rec, "video_id"),
			Username:                 get(rec, "username"),
			Timestamp:                get(rec, "timestamp"),
			MachineID:                get(rec, "machine_id"),
			TaskDescription:          get(rec, "task_description"),
			DayOfWeek:                get(rec, "day_of_week"),
			HourOfDay:                atoiOr(get(rec, "hour_of_day"), -1),
			DurationSec:              atofOr(get(rec, "duration_sec"), -1),
			FileSizeMB:               atofOr(get(rec, "file_size_mb"), 0),
			WorkflowDescription:      get(rec, "workflow_description"),
			PrimaryApp:               get(rec, "primary_app"),
			AppSequence:              DecodeList(get(rec, "app_sequence")),
			DetectedActions:          DecodeList(get(rec, "detected_actions")),
			AutomationScore:          atofOr(get(rec, "automation_score"), 0),
			WorkflowCategory:         get(rec, "workflow_category"),
			SOPStepCount:             atoiOr(get(rec, "sop_step_count"), 0),
			AutomationCandidateCount: atoiOr(get(rec, "automation_candidate_count"), 0),
			TopAutomationCandidate:   get(rec, "top_automation_candidate"),
			SourcePath:               get(rec, "source_path"),
			MP4Path:                  get(rec, "mp4_path"),
			AnalysisPath:             get(rec, "analysis_path"),
		}
		row.Analyzed = get(rec, "automation_score") != ""
		row.ProcessedAt, _ = time.Parse(time.RFC3339, get(rec, "processed_at"))
		rows = append(rows, row)
	}
	return rows, nil
}

func atoiOr(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

func atofOr(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return fallback
	}
	return f
}

// Stats summarises a dataset.
type Stats struct {
	TotalRows      int
	UniqueUsers    int
	UniqueMachines int
	Earliest       string
	Latest         string
}

// Stats computes row count, distinct users and machines and the capture
// timestamp range. Timestamps share one layout, so string order is time order.
func (d *Dataset) Stats() (Stats, error) {
	rows, err := d.Rows()
	if err != nil {
		return Stats{}, err
	}

	var s Stats
	users := make(map[string]struct{})
	machines := make(map[string]struct{})
	for _, r := range rows {
		s.TotalRows++
		if r.Username != "" {
			users[r.Username] = struct{}{}
		}
		if r.MachineID != "" {
			machines[r.MachineID] = struct{}{}
		}
		if r.Timestamp == "" {
			continue
		}
		if s.Earliest == "" || r.Timestamp < s.Earliest {
			s.Earliest = r.Timestamp
		}
		if s.Latest == "" || r.Timestamp > s.Latest {
			s.Latest = r.Timestamp
		}
	}
	s.UniqueUsers = len(users)
	s.UniqueMachines = len(machines)
	return s, nil
}
