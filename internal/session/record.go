// Package session discovers candidate recordings and derives their metadata
// from filenames and conversion manifests.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// idLength is the number of hex characters kept from the path hash.
const idLength = 12

// TimestampLayout is how capture timestamps are written to the dataset.
const TimestampLayout = "2006-01-02T15:04:05"

// VideoRecord is one candidate unit of work. Records are rebuilt on every
// discovery pass; only VideoID is persisted (in the ledger).
type VideoRecord struct {
	VideoID          string
	Username         string
	CaptureTimestamp time.Time
	MachineID        string
	TaskDescription  string
	SourcePath       string
	MP4Path          string
}

// VideoID derives the deduplication key from the identity path: the source
// path when present, otherwise the converted path. It is a pure function of
// that one path, so the manifest writer can recompute it to find a row.
func VideoID(sourcePath, mp4Path string) string {
	identity := strings.TrimSpace(sourcePath)
	if identity == "" {
		identity = strings.TrimSpace(mp4Path)
	}
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:idLength]
}

// HasTimestamp reports whether the capture time could be parsed.
func (r VideoRecord) HasTimestamp() bool {
	return !r.CaptureTimestamp.IsZero()
}

// Timestamp returns the capture time in TimestampLayout, or "" when unknown.
func (r VideoRecord) Timestamp() string {
	if !r.HasTimestamp() {
		return ""
	}
	return r.CaptureTimestamp.Format(TimestampLayout)
}

// DayOfWeek returns the weekday name of the capture, or "" when unknown.
func (r VideoRecord) DayOfWeek() string {
	if !r.HasTimestamp() {
		return ""
	}
	return r.CaptureTimestamp.Weekday().String()
}

// HourOfDay returns the capture hour, or -1 when unknown.
func (r VideoRecord) HourOfDay() int {
	if !r.HasTimestamp() {
		return -1
	}
	return r.CaptureTimestamp.Hour()
}

// PlayablePath returns the file to analyse: the converted file when it
// exists on disk, else the source recording.
func (r VideoRecord) PlayablePath() string {
	if r.MP4Path != "" {
		if _, err := os.Stat(r.MP4Path); err == nil {
			return r.MP4Path
		}
	}
	if r.SourcePath != "" {
		return r.SourcePath
	}
	return r.MP4Path
}

// DisplayName is the base name of the identity path, for progress output.
func (r VideoRecord) DisplayName() string {
	if r.SourcePath != "" {
		return filepath.Base(r.SourcePath)
	}
	return filepath.Base(r.MP4Path)
}

// Files lists the local artifacts of the record that exist on disk.
func (r VideoRecord) Files() []string {
	var files []string
	for _, p := range []string{r.SourcePath, r.MP4Path} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	return files
}

var (
	dateToken = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	timeToken = regexp.MustCompile(`^\d{2}-\d{2}-\d{2}$`)
	spaceRun  = regexp.MustCompile(`\s+`)
)

// ParsedName holds the fields recovered from a recording filename.
type ParsedName struct {
	Username        string
	MachineID       string
	Timestamp       time.Time
	TaskDescription string
}

// ParseFilename parses <username>_<machine>_<YYYY-MM-DD>_<HH-MM-SS>_<task>.<ext>.
// Parsing never fails: fields that cannot be recovered are left empty. When no
// date token exists the parent directory names the user and the whole stem is
// the task.
func ParseFilename(path string) ParsedName {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(stem, "_")

	dateIdx := -1
	for i, p := range parts {
		if dateToken.MatchString(p) {
			dateIdx = i
			break
		}
	}

	if dateIdx == -1 {
		return ParsedName{
			Username:        parentUser(path),
			TaskDescription: taskWords(parts),
		}
	}

	var parsed ParsedName
	switch {
	case dateIdx == 0:
		parsed.Username = parentUser(path)
	case dateIdx == 1:
		parsed.Username = parts[0]
	default:
		parsed.Username = parts[0]
		parsed.MachineID = strings.Join(parts[1:dateIdx], "_")
	}

	rest := parts[dateIdx+1:]
	clock := "00-00-00"
	if len(rest) > 0 && timeToken.MatchString(rest[0]) {
		clock = rest[0]
		rest = rest[1:]
	}
	if ts, err := time.ParseInLocation("2006-01-02 15-04-05", parts[dateIdx]+" "+clock, time.Local); err == nil {
		parsed.Timestamp = ts
	}
	parsed.TaskDescription = taskWords(rest)
	return parsed
}

func parentUser(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return dir
}

func taskWords(parts []string) string {
	joined := strings.Join(parts, " ")
	joined = strings.ReplaceAll(joined, "-", " ")
	return strings.TrimSpace(spaceRun.ReplaceAllString(joined, " "))
}

// parseTimestamp accepts the timestamp formats seen in manifests.
func parseTimestamp(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	layouts := []string{
		time.RFC3339,
		TimestampLayout,
		"2006-01-02 15:04:05",
		"2006-01-02_15-04-05",
		"2006-01-02 15-04-05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
