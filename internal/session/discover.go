package session

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Capture formats are the recorder's originals; playable formats are what
// the converter produces (or what was recorded directly).
var (
	captureExtensions  = map[string]bool{".webm": true, ".mkv": true}
	playableExtensions = map[string]bool{".mp4": true, ".mov": true}
)

// IsVideoFile reports whether path has a recognised video extension.
func IsVideoFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return captureExtensions[ext] || playableExtensions[ext]
}

// Discover enumerates candidate recordings from source, which is either a
// conversion manifest (a .csv file) or a directory to scan recursively.
// When user is non-empty only that user's recordings are returned. Directory
// scans skip the exclude subtrees. The manifest is returned so callers can
// write status back; it is nil for directory scans.
func Discover(source, user string, exclude ...string) ([]VideoRecord, *Manifest, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, nil, fmt.Errorf("source not accessible: %w", err)
	}

	var (
		records  []VideoRecord
		manifest *Manifest
	)
	if info.IsDir() {
		records, err = ScanDirectory(source, exclude...)
	} else {
		manifest = NewManifest(source)
		records, err = manifest.Records()
	}
	if err != nil {
		return nil, nil, err
	}

	records = FilterUser(records, user)
	log.Info().
		Str("source", source).
		Str("user", user).
		Int("count", len(records)).
		Msg("Discovery complete")
	return records, manifest, nil
}

// FilterUser keeps records whose username matches user (case-insensitive).
// An empty user keeps everything.
func FilterUser(records []VideoRecord, user string) []VideoRecord {
	user = strings.TrimSpace(user)
	if user == "" {
		return records
	}
	filtered := make([]VideoRecord, 0, len(records))
	for _, r := range records {
		if strings.EqualFold(r.Username, user) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// ScanDirectory walks root for recordings. A capture file and a playable file
// sharing a stem in the same folder form a single record. Hidden directories
// and the exclude subtrees (the pipeline's own output and quarantine) are
// skipped, as are unreadable subdirectories.
func ScanDirectory(root string, exclude ...string) ([]VideoRecord, error) {
	type pair struct {
		source, mp4 string
	}
	pairs := make(map[string]*pair)

	skip := make(map[string]bool, len(exclude))
	for _, dir := range exclude {
		if dir = strings.TrimSpace(dir); dir != "" {
			skip[absPath(dir)] = true
		}
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable path")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path == root {
				return nil
			}
			if strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if skip[absPath(path)] {
				log.Debug().Str("path", path).Msg("Skipping pipeline output directory")
				return filepath.SkipDir
			}
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		key := strings.TrimSuffix(path, filepath.Ext(path))
		p, ok := pairs[key]
		if !ok {
			p = &pair{}
		}
		switch {
		case captureExtensions[ext] && p.source == "":
			p.source = path
		case playableExtensions[ext] && p.mp4 == "":
			p.mp4 = path
		default:
			return nil
		}
		pairs[key] = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	records := make([]VideoRecord, 0, len(keys))
	for _, k := range keys {
		p := pairs[k]
		records = append(records, newRecord(p.source, p.mp4))
	}
	return records, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

// newRecord builds a record from its paths, parsing the identity filename.
func newRecord(sourcePath, mp4Path string) VideoRecord {
	identity := sourcePath
	if identity == "" {
		identity = mp4Path
	}
	parsed := ParseFilename(identity)
	return VideoRecord{
		VideoID:          VideoID(sourcePath, mp4Path),
		Username:         parsed.Username,
		CaptureTimestamp: parsed.Timestamp,
		MachineID:        parsed.MachineID,
		TaskDescription:  parsed.TaskDescription,
		SourcePath:       sourcePath,
		MP4Path:          mp4Path,
	}
}
