package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger.
// level is one of debug, info, warn, error. When empty, WORKFLOW_LOG_LEVEL is
// consulted; anything unrecognised falls back to info.
func Init(level string) {
	if level == "" {
		level = os.Getenv("WORKFLOW_LOG_LEVEL")
	}
	zerolog.SetGlobalLevel(ParseLevel(level))

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// ParseLevel maps a level name to a zerolog level (default: info).
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
