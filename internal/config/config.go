// Package config loads pipeline settings from an optional YAML file,
// WORKFLOW_* environment variables, and built-in defaults (in that order of
// precedence: env > file > default).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// WORKFLOW_PATHS_OUTPUT_DIR or WORKFLOW_GEMINI_MAX_ATTEMPTS.
const EnvPrefix = "WORKFLOW"

// DefaultModel is the Gemini model used when none is configured.
const DefaultModel = "gemini-2.0-flash"

// Config is the fully resolved pipeline configuration.
type Config struct {
	Paths    PathsConfig    `mapstructure:"paths"`
	Probe    ProbeConfig    `mapstructure:"probe"`
	Gemini   GeminiConfig   `mapstructure:"gemini"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Quality  QualityConfig  `mapstructure:"quality"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Watch    WatchConfig    `mapstructure:"watch"`
}

// PathsConfig holds every file and directory the pipeline touches.
// Empty derived paths are resolved relative to OutputDir.
type PathsConfig struct {
	SourceDir      string `mapstructure:"source_dir"`
	Manifest       string `mapstructure:"manifest"`
	OutputDir      string `mapstructure:"output_dir"`
	Dataset        string `mapstructure:"dataset"`
	ProcessedLog   string `mapstructure:"processed_log"`
	RejectedLog    string `mapstructure:"rejected_log"`
	MisrecordedLog string `mapstructure:"misrecorded_log"`
	AnalysesDir    string `mapstructure:"analyses_dir"`
	ReportsDir     string `mapstructure:"reports_dir"`
	QuarantineDir  string `mapstructure:"quarantine_dir"`
	MetadataCSV    string `mapstructure:"metadata_csv"`
	MetricsLog     string `mapstructure:"metrics_log"`
}

// ProbeConfig controls the ffprobe invocation.
type ProbeConfig struct {
	FFprobePath string        `mapstructure:"ffprobe_path"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// GeminiConfig controls the analysis service client and its retry policy.
type GeminiConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	Model          string        `mapstructure:"model"`
	Temperature    float32       `mapstructure:"temperature"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	UploadTimeout  time.Duration `mapstructure:"upload_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	CallDelay      time.Duration `mapstructure:"call_delay"`
}

// PipelineConfig holds the orchestrator's pre-analysis gates and pacing.
type PipelineConfig struct {
	MinDuration      time.Duration `mapstructure:"min_duration"`
	MaxDuration      time.Duration `mapstructure:"max_duration"`
	MinFileSizeBytes int64         `mapstructure:"min_file_size_bytes"`
	InterVideoDelay  time.Duration `mapstructure:"inter_video_delay"`
}

// QualityConfig overrides the quality gate thresholds.
type QualityConfig struct {
	MinAutomationScore   float64 `mapstructure:"min_automation_score"`
	MinDescriptionLength int     `mapstructure:"min_description_length"`
}

// ScheduleConfig configures the cron-driven runner.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// WatchConfig configures the manifest watcher.
type WatchConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("paths.source_dir", "")
	v.SetDefault("paths.manifest", "")
	v.SetDefault("paths.output_dir", "workflow-output")
	v.SetDefault("paths.dataset", "")
	v.SetDefault("paths.processed_log", "")
	v.SetDefault("paths.rejected_log", "")
	v.SetDefault("paths.misrecorded_log", "")
	v.SetDefault("paths.analyses_dir", "")
	v.SetDefault("paths.reports_dir", "")
	v.SetDefault("paths.quarantine_dir", "")
	v.SetDefault("paths.metadata_csv", "")
	v.SetDefault("paths.metrics_log", "")

	v.SetDefault("probe.ffprobe_path", "")
	v.SetDefault("probe.timeout", 30*time.Second)

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", DefaultModel)
	v.SetDefault("gemini.temperature", 0.2)
	v.SetDefault("gemini.poll_interval", 5*time.Second)
	v.SetDefault("gemini.upload_timeout", 300*time.Second)
	v.SetDefault("gemini.max_attempts", 5)
	v.SetDefault("gemini.initial_backoff", 10*time.Second)
	v.SetDefault("gemini.call_delay", 5*time.Second)

	v.SetDefault("pipeline.min_duration", 5*time.Second)
	v.SetDefault("pipeline.max_duration", 3600*time.Second)
	v.SetDefault("pipeline.min_file_size_bytes", 10_000)
	v.SetDefault("pipeline.inter_video_delay", 5*time.Second)

	v.SetDefault("quality.min_automation_score", 0.3)
	v.SetDefault("quality.min_description_length", 20)

	v.SetDefault("schedule.cron", "0 0 * * * *")
	v.SetDefault("watch.debounce", 10*time.Second)
}

// Load reads configuration. configFile may be empty, in which case only
// defaults and environment variables apply. A named file that does not
// exist is an error; a missing default file is not.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys that users conventionally set without the prefix.
	_ = v.BindEnv("gemini.api_key", EnvPrefix+"_GEMINI_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("gemini.model", EnvPrefix+"_GEMINI_MODEL", "GEMINI_MODEL")

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
		log.Debug().Str("file", v.ConfigFileUsed()).Msg("Config file loaded")
	} else {
		v.SetConfigName("workflow-pipeline")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
			log.Debug().Msg("No config file found, using defaults and environment")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// derivedPaths maps each output-relative path to its default file name.
func (c *Config) derivedPaths() map[*string]string {
	return map[*string]string{
		&c.Paths.Dataset:        "workflow_analysis.csv",
		&c.Paths.ProcessedLog:   "processed.log",
		&c.Paths.RejectedLog:    "rejected.log",
		&c.Paths.MisrecordedLog: "misrecorded.log",
		&c.Paths.AnalysesDir:    "analyses",
		&c.Paths.ReportsDir:     "reports",
		&c.Paths.QuarantineDir:  "quarantine",
		&c.Paths.MetadataCSV:    "metadata_only.csv",
		&c.Paths.MetricsLog:     "metrics.jsonl",
	}
}

// resolvePaths fills derived paths that were left empty.
func (c *Config) resolvePaths() {
	for p, name := range c.derivedPaths() {
		if *p == "" {
			*p = filepath.Join(c.Paths.OutputDir, name)
		}
	}
}

// SetOutputDir moves the output directory. Paths that were derived from the
// previous output directory follow it; explicitly configured ones stay put.
func (c *Config) SetOutputDir(dir string) {
	old := c.Paths.OutputDir
	for p, name := range c.derivedPaths() {
		if *p == filepath.Join(old, name) {
			*p = filepath.Join(dir, name)
		}
	}
	c.Paths.OutputDir = dir
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Paths.OutputDir == "" {
		return fmt.Errorf("paths.output_dir must not be empty")
	}
	if c.Gemini.MaxAttempts < 1 {
		return fmt.Errorf("gemini.max_attempts must be at least 1, got %d", c.Gemini.MaxAttempts)
	}
	if c.Gemini.PollInterval <= 0 {
		return fmt.Errorf("gemini.poll_interval must be positive")
	}
	if c.Pipeline.MaxDuration > 0 && c.Pipeline.MinDuration > c.Pipeline.MaxDuration {
		return fmt.Errorf("pipeline.min_duration (%s) exceeds pipeline.max_duration (%s)",
			c.Pipeline.MinDuration, c.Pipeline.MaxDuration)
	}
	if c.Quality.MinAutomationScore < 0 || c.Quality.MinAutomationScore > 1 {
		return fmt.Errorf("quality.min_automation_score must be within [0, 1], got %v", c.Quality.MinAutomationScore)
	}
	return nil
}
