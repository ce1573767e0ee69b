// Package assets provides the embedded prompt templates.
//
// Prompt templates are stored as text files under prompts/ and embedded at
// compile time.
package assets

import (
	"bytes"
	_ "embed"
	"text/template"
)

//go:embed prompts/workflow-analysis.txt
var workflowAnalysisTemplate string

//go:embed prompts/structured-extraction.txt
var structuredExtractionTemplate string

// template.Must panics on malformed templates, so a broken prompt fails at
// startup rather than mid-run.
var (
	analysisPromptTmpl   = template.Must(template.New("analysis").Parse(workflowAnalysisTemplate))
	extractionPromptTmpl = template.Must(template.New("extraction").Parse(structuredExtractionTemplate))
)

// PromptData holds the dynamic data injected into prompt templates.
type PromptData struct {
	// TaskDescription is the user's own description of the recorded task.
	TaskDescription string
	// AnalysisMarkdown is the free-form output of the first pass.
	AnalysisMarkdown string
}

// RenderAnalysisPrompt renders the free-form workflow analysis prompt for a
// recording of the given task.
func RenderAnalysisPrompt(taskDescription string) string {
	if taskDescription == "" {
		taskDescription = "(no description provided)"
	}
	return renderTemplate(analysisPromptTmpl, PromptData{TaskDescription: taskDescription})
}

// RenderExtractionPrompt renders the structured extraction prompt around the
// first-pass analysis.
func RenderExtractionPrompt(analysisMarkdown string) string {
	return renderTemplate(extractionPromptTmpl, PromptData{AnalysisMarkdown: analysisMarkdown})
}

func renderTemplate(tmpl *template.Template, data PromptData) string {
	var buf bytes.Buffer
	// Execution errors are not expected with these templates; return
	// whatever was rendered.
	_ = tmpl.Execute(&buf, data)
	return buf.String()
}
