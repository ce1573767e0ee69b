package session

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Status values written back to the manifest.
const (
	StatusAnalyzed = "Analyzed"
	StatusRejected = "Rejected"
)

const (
	statusColumn = "analysis_status"
	reasonColumn = "analysis_reason"
)

var (
	sourceAliases = []string{"source_path", "sourcepath", "source", "webmpath", "webm_path"}
	mp4Aliases    = []string{"mp4_path", "mp4path", "output_path", "outputpath", "converted_path"}
)

// ErrNotInManifest is returned when no manifest row hashes to the video id.
var ErrNotInManifest = errors.New("video not found in manifest")

// Manifest is the conversion record produced by the video converter: a CSV
// with at least a source-path or converted-path column per video.
type Manifest struct {
	path string
}

// NewManifest wraps the manifest CSV at path.
func NewManifest(path string) *Manifest {
	return &Manifest{path: path}
}

// Path returns the manifest file location.
func (m *Manifest) Path() string {
	return m.path
}

type manifestColumns struct {
	source, mp4                 int
	username, machine, ts, task int
	status, reason              int
}

func indexColumns(header []string) manifestColumns {
	lookup := make(map[string]int, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := lookup[key]; !dup {
			lookup[key] = i
		}
	}
	find := func(names ...string) int {
		for _, n := range names {
			if i, ok := lookup[n]; ok {
				return i
			}
		}
		return -1
	}
	return manifestColumns{
		source:   find(sourceAliases...),
		mp4:      find(mp4Aliases...),
		username: find("username", "user"),
		machine:  find("machine_id", "machine"),
		ts:       find("timestamp", "capture_timestamp"),
		task:     find("task_description", "task"),
		status:   find(statusColumn),
		reason:   find(reasonColumn),
	}
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (m *Manifest) read() ([][]string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", m.path, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("manifest %s is empty", m.path)
	}
	return rows, nil
}

// resolve makes manifest-relative paths usable from the working directory.
func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(filepath.Dir(m.path), p)
}

// Records parses the manifest into video records. Rows without any path are
// skipped. Optional username/machine_id/timestamp/task_description columns
// override what the filename yields.
func (m *Manifest) Records() ([]VideoRecord, error) {
	rows, err := m.read()
	if err != nil {
		return nil, err
	}
	cols := indexColumns(rows[0])
	if cols.source == -1 && cols.mp4 == -1 {
		return nil, fmt.Errorf("manifest %s has no source or mp4 path column", m.path)
	}

	var records []VideoRecord
	for n, row := range rows[1:] {
		rawSource, rawMP4 := cell(row, cols.source), cell(row, cols.mp4)
		if rawSource == "" && rawMP4 == "" {
			log.Debug().Int("row", n+2).Msg("Skipping manifest row without paths")
			continue
		}

		rec := newRecord(m.resolve(rawSource), m.resolve(rawMP4))
		// The id hashes the path as written so UpdateStatus can match it.
		rec.VideoID = VideoID(rawSource, rawMP4)

		if v := cell(row, cols.username); v != "" {
			rec.Username = v
		}
		if v := cell(row, cols.machine); v != "" {
			rec.MachineID = v
		}
		if ts, ok := parseTimestamp(cell(row, cols.ts)); ok {
			rec.CaptureTimestamp = ts
		}
		if v := cell(row, cols.task); v != "" {
			rec.TaskDescription = v
		}
		records = append(records, rec)
	}
	return records, nil
}

// UpdateStatus records the analysis outcome on every row whose paths hash to
// videoID. The manifest is rewritten atomically; unrelated columns and rows
// are preserved and status columns are appended when missing.
func (m *Manifest) UpdateStatus(videoID, status, reason string) error {
	rows, err := m.read()
	if err != nil {
		return err
	}

	header := rows[0]
	cols := indexColumns(header)
	if cols.status == -1 {
		header = append(header, statusColumn)
		cols.status = len(header) - 1
	}
	if cols.reason == -1 {
		header = append(header, reasonColumn)
		cols.reason = len(header) - 1
	}
	rows[0] = header

	matched := 0
	for i := 1; i < len(rows); i++ {
		row := rows[i]
		for len(row) < len(header) {
			row = append(row, "")
		}
		rows[i] = row
		if VideoID(cell(row, cols.source), cell(row, cols.mp4)) != videoID {
			continue
		}
		row[cols.status] = status
		row[cols.reason] = reason
		matched++
	}
	if matched == 0 {
		return fmt.Errorf("%w: %s", ErrNotInManifest, videoID)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeFileAtomic(m.path, buf.Bytes()); err != nil {
		return err
	}

	log.Debug().
		Str("video_id", videoID).
		Str("status", status).
		Int("rows", matched).
		Msg("Manifest status updated")
	return nil
}

// writeFileAtomic replaces path via a temp file in the same directory and a
// rename, so readers never observe a half-written manifest.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Chmod(tmpPath, mode); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}
