// Package ledger holds the durable state that makes runs idempotent: the
// processed, rejected and misrecorded logs, the analysis dataset and the run
// lock.
//
// Every append is synced before returning. Callers write the dataset row and
// artifacts first and mark the video processed last, so a crash in between
// only causes the video to be analysed again.
package ledger

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const fieldSeparator = "|"

// IDSet is a set of video ids.
type IDSet map[string]struct{}

// Has reports whether id is in the set.
func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Ledger appends to and reads the processed, rejected and misrecorded logs.
type Ledger struct {
	processedPath   string
	rejectedPath    string
	misrecordedPath string
	now             func() time.Time
}

// New creates a Ledger over the given log files. Files are created lazily.
func New(processedPath, rejectedPath, misrecordedPath string) *Ledger {
	return &Ledger{
		processedPath:   processedPath,
		rejectedPath:    rejectedPath,
		misrecordedPath: misrecordedPath,
		now:             time.Now,
	}
}

// LoadProcessed returns the ids in the processed log. A missing or unreadable
// log yields an empty set.
func (l *Ledger) LoadProcessed() IDSet {
	return loadIDs(l.processedPath)
}

// LoadRejected returns the ids in the rejected log. A missing or unreadable
// log yields an empty set.
func (l *Ledger) LoadRejected() IDSet {
	return loadIDs(l.rejectedPath)
}

// Handled returns the union of processed and rejected ids: everything a run
// must skip.
func (l *Ledger) Handled() IDSet {
	handled := l.LoadProcessed()
	for id := range l.LoadRejected() {
		handled[id] = struct{}{}
	}
	return handled
}

// MarkProcessed appends id to the processed log.
func (l *Ledger) MarkProcessed(videoID string) error {
	return appendLine(l.processedPath, videoID)
}

// MarkRejected appends id, time and reason to the rejected log.
func (l *Ledger) MarkRejected(videoID, reason string) error {
	return appendLine(l.rejectedPath, l.entry(videoID, reason))
}

// MarkMisrecorded appends id, time and reason to the misrecorded log. It does
// not reject the video; callers mark it rejected separately.
func (l *Ledger) MarkMisrecorded(videoID, reason string) error {
	if l.misrecordedPath == "" {
		return nil
	}
	return appendLine(l.misrecordedPath, l.entry(videoID, reason))
}

func (l *Ledger) entry(videoID, reason string) string {
	return strings.Join([]string{
		videoID,
		l.now().UTC().Format(time.RFC3339),
		sanitizeReason(reason),
	}, fieldSeparator)
}

// sanitizeReason keeps a reason on one line and free of the field separator.
func sanitizeReason(reason string) string {
	r := strings.NewReplacer(fieldSeparator, " ", "\r\n", " ", "\n", " ", "\r", " ")
	return strings.TrimSpace(r.Replace(reason))
}

// Entry is one parsed line of the rejected or misrecorded log.
type Entry struct {
	VideoID string
	Time    time.Time
	Reason  string
}

// ReadEntries parses a rejected/misrecorded log. Malformed lines keep their
// id and leave the other fields empty. A missing file yields no entries.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, fieldSeparator, 3)
		e := Entry{VideoID: strings.TrimSpace(parts[0])}
		if len(parts) > 1 {
			e.Time, _ = time.Parse(time.RFC3339, strings.TrimSpace(parts[1]))
		}
		if len(parts) > 2 {
			e.Reason = strings.TrimSpace(parts[2])
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return entries, nil
}

// loadIDs reads the first field of every line. Errors are logged, never
// returned: a broken log must not stop the run.
func loadIDs(path string) IDSet {
	ids := make(IDSet)
	if path == "" {
		return ids
	}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return ids
	}
	if err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Could not read ledger, treating as empty")
		return ids
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, _, _ := strings.Cut(line, fieldSeparator)
		if id = strings.TrimSpace(id); id != "" {
			ids[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("file", path).Msg("Ledger read interrupted, treating as empty")
		return make(IDSet)
	}
	return ids
}

// appendLine appends one line and syncs it to disk before returning.
func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", path, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append to ledger %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync ledger %s: %w", path, err)
	}
	return f.Close()
}
