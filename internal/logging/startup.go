package logging

import (
	"runtime"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// StartupLogger collects the resolved paths, model settings and feature
// toggles of a pipeline invocation, then emits a single structured event.
// When a run misbehaves, this one line tells you exactly which files and
// settings it used.
type StartupLogger struct {
	command string
	runID   string

	paths    map[string]string
	features map[string]bool
	config   map[string]string
}

// NewStartupLogger creates a StartupLogger for the given command
// (e.g. "run", "watch", "schedule").
func NewStartupLogger(command string) *StartupLogger {
	return &StartupLogger{
		command:  command,
		paths:    make(map[string]string),
		features: make(map[string]bool),
		config:   make(map[string]string),
	}
}

// RunID sets the identifier shared by every log line and metric of this run.
func (s *StartupLogger) RunID(id string) *StartupLogger {
	s.runID = id
	return s
}

// Path registers a file or directory the pipeline reads or writes.
func (s *StartupLogger) Path(label, path string) *StartupLogger {
	s.paths[label] = path
	return s
}

// Feature registers a boolean toggle (e.g. "dryRun", "metadataOnly").
func (s *StartupLogger) Feature(name string, enabled bool) *StartupLogger {
	s.features[name] = enabled
	return s
}

// Config registers a non-sensitive configuration key-value pair.
// Never pass the API key here.
func (s *StartupLogger) Config(key, value string) *StartupLogger {
	s.config[key] = value
	return s
}

// Log emits a single structured INFO event with everything collected.
func (s *StartupLogger) Log() {
	evt := log.Info().
		Str("command", s.command).
		Str("go_version", runtime.Version())

	if s.runID != "" {
		evt = evt.Str("run_id", s.runID)
	}
	if len(s.paths) > 0 {
		evt = evt.Dict("paths", dictFromMap(s.paths))
	}
	if len(s.features) > 0 {
		d := zerolog.Dict()
		for _, k := range sortedKeys(s.features) {
			d = d.Bool(k, s.features[k])
		}
		evt = evt.Dict("features", d)
	}
	if len(s.config) > 0 {
		evt = evt.Dict("config", dictFromMap(s.config))
	}

	evt.Msg("Pipeline starting")
}

func dictFromMap(m map[string]string) *zerolog.Event {
	d := zerolog.Dict()
	for _, k := range sortedKeys(m) {
		d = d.Str(k, m[k])
	}
	return d
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
