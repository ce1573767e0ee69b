package pipeline

import (
	"fmt"
	"time"

	"github.com/fpang/workflow-insights/internal/session"
)

// Outcome is the terminal state of one video in a run.
type Outcome string

const (
	OutcomeProcessed    Outcome = "processed"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "failed"
	OutcomeMetadataOnly Outcome = "metadata_only"
	OutcomePlanned      Outcome = "planned"
)

// VideoResult describes what happened to one video.
type VideoResult struct {
	Index   int
	Total   int
	VideoID string
	Name    string
	Outcome Outcome
	// Reason is the rejection reason or the failure text.
	Reason string

	PrimaryApp      string
	AutomationScore float64
	ArtifactPath    string
	Quarantined     []string
}

func failed(rec session.VideoRecord, err error) VideoResult {
	return VideoResult{
		VideoID: rec.VideoID,
		Name:    rec.DisplayName(),
		Outcome: OutcomeFailed,
		Reason:  err.Error(),
	}
}

// RunStats aggregates a run.
type RunStats struct {
	RunID    string
	Started  time.Time
	Duration time.Duration

	Discovered   int
	Skipped      int
	Pending      int
	Processed    int
	Rejected     int
	Failed       int
	MetadataOnly int
	Planned      int

	Videos []VideoResult
	Errors []string
}

func (s *RunStats) add(res VideoResult) {
	s.Videos = append(s.Videos, res)
	switch res.Outcome {
	case OutcomeProcessed:
		s.Processed++
	case OutcomeRejected:
		s.Rejected++
	case OutcomeFailed:
		s.Failed++
		s.Errors = append(s.Errors, fmt.Sprintf("%s: %s", res.Name, res.Reason))
	case OutcomeMetadataOnly:
		s.MetadataOnly++
	case OutcomePlanned:
		s.Planned++
	}
}

// HasFailures reports whether any video failed outright or the run was cut
// short.
func (s *RunStats) HasFailures() bool {
	return s.Failed > 0 || len(s.Errors) > 0
}
