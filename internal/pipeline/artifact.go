package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fpang/workflow-insights/internal/analysis"
	"github.com/fpang/workflow-insights/internal/session"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// maxTaskSlug caps the task part of an artifact filename.
const maxTaskSlug = 40

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9]+`)

// artifactHeader is the YAML front matter of a per-video analysis file.
type artifactHeader struct {
	VideoID            string              `yaml:"video_id"`
	Username           string              `yaml:"username"`
	TaskDescription    string              `yaml:"task_description"`
	CapturedAt         string              `yaml:"captured_at,omitempty"`
	AnalyzedAt         string              `yaml:"analyzed_at"`
	SourcePath         string              `yaml:"source_path,omitempty"`
	StructuredFallback bool                `yaml:"structured_fallback,omitempty"`
	Structured         analysis.Structured `yaml:"structured"`
}

// slug reduces s to [A-Za-z0-9_], at most n characters.
func slug(s string, n int) string {
	s = strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "_")
	if len(s) > n {
		s = strings.TrimRight(s[:n], "_")
	}
	return s
}

// ArtifactName returns the analysis filename for a record:
// <video_id>_<username>_<task>.md.
func ArtifactName(rec session.VideoRecord) string {
	user := slug(rec.Username, maxTaskSlug)
	if user == "" {
		user = "unknown"
	}
	name := rec.VideoID + "_" + user
	if task := slug(rec.TaskDescription, maxTaskSlug); task != "" {
		name += "_" + task
	}
	return name + ".md"
}

// writeArtifact saves the first-pass markdown with its front matter and
// returns the file path.
func (p *Pipeline) writeArtifact(rec session.VideoRecord, result *analysis.Result) (string, error) {
	header := artifactHeader{
		VideoID:            rec.VideoID,
		Username:           rec.Username,
		TaskDescription:    rec.TaskDescription,
		CapturedAt:         rec.Timestamp(),
		AnalyzedAt:         p.now().Format(time.RFC3339),
		SourcePath:         rec.SourcePath,
		StructuredFallback: result.StructuredFallback,
		Structured:         result.Structured,
	}
	front, err := yaml.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to encode front matter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimSpace(result.Markdown))
	buf.WriteString("\n")

	if err := os.MkdirAll(p.cfg.AnalysesDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create analyses directory: %w", err)
	}
	path := filepath.Join(p.cfg.AnalysesDir, ArtifactName(rec))
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", path, err)
	}
	return path, nil
}

// moveToQuarantine moves the record's local files into the quarantine
// directory and returns their new paths. Failures are logged and skipped.
func (p *Pipeline) moveToQuarantine(rec session.VideoRecord) []string {
	files := rec.Files()
	if len(files) == 0 {
		return nil
	}
	if err := os.MkdirAll(p.cfg.QuarantineDir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", p.cfg.QuarantineDir).Msg("Failed to create quarantine directory")
		return nil
	}

	var moved []string
	for _, src := range files {
		dest := p.quarantinePath(filepath.Base(src))
		if err := os.Rename(src, dest); err != nil {
			log.Warn().Err(err).Str("file", src).Str("dest", dest).Msg("Failed to quarantine file")
			continue
		}
		log.Debug().Str("file", src).Str("dest", dest).Msg("File quarantined")
		moved = append(moved, dest)
	}
	return moved
}

// quarantinePath returns a free destination for name, adding a timestamp
// suffix when the plain name is taken.
func (p *Pipeline) quarantinePath(name string) string {
	dest := filepath.Join(p.cfg.QuarantineDir, name)
	if _, err := os.Stat(dest); os.IsNotExist(err) {
		return dest
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	return filepath.Join(p.cfg.QuarantineDir, fmt.Sprintf("%s_%s%s", stem, p.now().Format("20060102_150405"), ext))
}
