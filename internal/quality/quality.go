// Package quality decides whether a structured analysis describes a
// meaningful, automatable workflow.
package quality

import (
	"fmt"
	"strings"

	"github.com/fpang/workflow-insights/internal/analysis"
)

// Default thresholds.
const (
	DefaultMinAutomationScore   = 0.3
	DefaultMinDescriptionLength = 20
)

// Rejection reasons. The score reason is formatted with the observed value.
const (
	ReasonNoApplication = "No application detected"
	ReasonNoSteps       = "No workflow steps detected"
	ReasonLowScore      = "Very low automation potential (score: %v)"
	ReasonNoDescription = "No meaningful workflow description"
)

// unknownApps are primary-app values that mean the model found nothing.
var unknownApps = map[string]bool{
	"":        true,
	"unknown": true,
	"n/a":     true,
	"none":    true,
	"null":    true,
}

// Thresholds are the tunable limits of the gate.
type Thresholds struct {
	MinAutomationScore   float64
	MinDescriptionLength int
}

// DefaultThresholds returns the standard limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinAutomationScore:   DefaultMinAutomationScore,
		MinDescriptionLength: DefaultMinDescriptionLength,
	}
}

// Verdict is the gate's decision. Reason is empty when Usable.
type Verdict struct {
	Usable bool
	Reason string
}

// Evaluate runs the checks in order and reports the first one that fails.
func Evaluate(s analysis.Structured, th Thresholds) Verdict {
	if unknownApps[strings.ToLower(strings.TrimSpace(s.PrimaryApp))] {
		return Verdict{Reason: ReasonNoApplication}
	}
	if s.SOPStepCount <= 0 {
		return Verdict{Reason: ReasonNoSteps}
	}
	if s.AutomationScore < th.MinAutomationScore {
		return Verdict{Reason: fmt.Sprintf(ReasonLowScore, s.AutomationScore)}
	}
	if len([]rune(strings.TrimSpace(s.WorkflowDescription))) < th.MinDescriptionLength {
		return Verdict{Reason: ReasonNoDescription}
	}
	return Verdict{Usable: true}
}
