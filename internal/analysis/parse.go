package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/fpang/workflow-insights/internal/jsonutil"
)

// Sections are the five parts of the first-pass analysis. Missing sections
// are empty strings.
type Sections struct {
	SOP                  string
	AutomationCandidates string
	AutomationPlan       string
	VisualPlan           string
	ClarifyingQuestions  string
}

// sectionHeader matches "### A)", "## B )" and similar.
var sectionHeader = regexp.MustCompile(`#{2,3}\s*([A-E])\s*\)`)

// ParseSections splits first-pass markdown on its section headers. A
// section that appears more than once keeps its last occurrence.
func ParseSections(markdown string) Sections {
	var s Sections
	matches := sectionHeader.FindAllStringSubmatchIndex(markdown, -1)
	for i, m := range matches {
		start := m[1]
		end := len(markdown)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		body := strings.TrimSpace(markdown[start:end])
		switch markdown[m[2]:m[3]] {
		case "A":
			s.SOP = body
		case "B":
			s.AutomationCandidates = body
		case "C":
			s.AutomationPlan = body
		case "D":
			s.VisualPlan = body
		case "E":
			s.ClarifyingQuestions = body
		}
	}
	return s
}

// Workflow categories accepted in structured output.
const (
	CategoryDataEntry           = "data_entry"
	CategoryReporting           = "reporting"
	CategoryCommunication       = "communication"
	CategoryDocumentReview      = "document_review"
	CategoryFinancialProcessing = "financial_processing"
	CategoryProjectManagement   = "project_management"
	CategoryPayroll             = "payroll"
	CategoryProcurement         = "procurement"
	CategoryApprovalWorkflow    = "approval_workflow"
	CategoryOther               = "other"
)

var categories = map[string]bool{
	CategoryDataEntry:           true,
	CategoryReporting:           true,
	CategoryCommunication:       true,
	CategoryDocumentReview:      true,
	CategoryFinancialProcessing: true,
	CategoryProjectManagement:   true,
	CategoryPayroll:             true,
	CategoryProcurement:         true,
	CategoryApprovalWorkflow:    true,
	CategoryOther:               true,
}

// NormalizeCategory maps a model label onto the closed category set.
func NormalizeCategory(raw string) string {
	c := strings.ToLower(strings.TrimSpace(raw))
	c = strings.NewReplacer(" ", "_", "-", "_").Replace(c)
	if categories[c] {
		return c
	}
	return CategoryOther
}

// UnknownApp is the primary app reported when extraction yields nothing.
const UnknownApp = "Unknown"

// Structured is the normalized second-pass output. Every field always holds
// a typed value.
type Structured struct {
	WorkflowDescription      string   `json:"workflow_description" yaml:"workflow_description"`
	PrimaryApp               string   `json:"primary_app" yaml:"primary_app"`
	AppSequence              []string `json:"app_sequence" yaml:"app_sequence"`
	DetectedActions          []string `json:"detected_actions" yaml:"detected_actions"`
	AutomationScore          float64  `json:"automation_score" yaml:"automation_score"`
	WorkflowCategory         string   `json:"workflow_category" yaml:"workflow_category"`
	SOPStepCount             int      `json:"sop_step_count" yaml:"sop_step_count"`
	AutomationCandidateCount int      `json:"automation_candidate_count" yaml:"automation_candidate_count"`
	TopAutomationCandidate   string   `json:"top_automation_candidate" yaml:"top_automation_candidate"`
}

// EmptyStructured is the fallback when extraction fails. It never passes the
// quality gate.
func EmptyStructured() Structured {
	return Structured{
		PrimaryApp:       UnknownApp,
		AppSequence:      []string{},
		DetectedActions:  []string{},
		WorkflowCategory: CategoryOther,
	}
}

// ParseStructured decodes the second-pass response. Fenced or prose-wrapped
// JSON is accepted. When no object can be decoded the empty fallback is
// returned with an error describing why.
func ParseStructured(raw string) (Structured, error) {
	data, err := jsonutil.DecodeObject(raw)
	if err != nil {
		return EmptyStructured(), fmt.Errorf("structured response unusable: %w", err)
	}
	return coerceStructured(data), nil
}

func coerceStructured(data map[string]any) Structured {
	s := Structured{
		WorkflowDescription:      stringField(data, "workflow_description", ""),
		PrimaryApp:               stringField(data, "primary_app", UnknownApp),
		AppSequence:              listField(data, "app_sequence"),
		DetectedActions:          listField(data, "detected_actions"),
		AutomationScore:          ClampScore(data["automation_score"]),
		WorkflowCategory:         NormalizeCategory(stringField(data, "workflow_category", CategoryOther)),
		SOPStepCount:             SafeInt(data["sop_step_count"]),
		AutomationCandidateCount: SafeInt(data["automation_candidate_count"]),
		TopAutomationCandidate:   stringField(data, "top_automation_candidate", ""),
	}
	return s
}

func stringField(data map[string]any, key, fallback string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return fallback
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fallback
		}
		return string(b)
	}
}

// listField accepts a JSON array, a string holding a JSON array, or a single
// string (which becomes a one-element list).
func listField(data map[string]any, key string) []string {
	out := []string{}
	switch t := data[key].(type) {
	case []any:
		for _, item := range t {
			if item == nil {
				continue
			}
			if s, ok := item.(string); ok {
				out = append(out, strings.TrimSpace(s))
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return out
		}
		var parsed []string
		if err := json.Unmarshal([]byte(t), &parsed); err == nil && parsed != nil {
			return parsed
		}
		out = append(out, t)
	}
	return out
}

// ClampScore coerces v to a float in [0, 1]. Numeric strings are parsed;
// anything non-numeric (or NaN) becomes 0.
func ClampScore(v any) float64 {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) {
		return 0
	}
	return math.Max(0, math.Min(1, f))
}

// SafeInt coerces v to a non-negative int, truncating fractions. Anything
// non-numeric becomes 0.
func SafeInt(v any) int {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0
		}
		f = parsed
	default:
		return 0
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return 0
	}
	if f > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(f)
}
