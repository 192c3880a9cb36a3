// Package config loads the daemon configuration from config.yaml under the
// home directory, applies defaults, then environment overrides. Durations
// are configured in seconds; the bootstrap converts them for the packages
// that want time.Duration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// RetrievalConfig bounds context assembly.
type RetrievalConfig struct {
	HistoryLimit       int     `yaml:"history_limit"`
	MemoryLimit        int     `yaml:"memory_limit"`
	KnowledgeTopK      int     `yaml:"knowledge_top_k"`
	KnowledgeThreshold float64 `yaml:"knowledge_threshold"`
}

// TaggingConfig bounds tag candidate retrieval.
type TaggingConfig struct {
	CandidateFloor float64 `yaml:"candidate_floor"`
	CandidateLimit int     `yaml:"candidate_limit"`
}

// ReaperConfig tunes the stale-row sweep.
type ReaperConfig struct {
	Schedule         string `yaml:"schedule"`
	StalenessSeconds int    `yaml:"staleness_seconds"`
}

// ModelConfig names a model and optionally carries its API key. Keys from
// the environment take precedence; config keys exist for dev setups.
type ModelConfig struct {
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
}

// OutboundConfig tunes channel delivery.
type OutboundConfig struct {
	DevMode        bool   `yaml:"dev_mode"`
	GraphBaseURL   string `yaml:"graph_base_url"`
	APIVersion     string `yaml:"api_version"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// TracingConfig configures the OTel trace exporter.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	DispatchPollSeconds int `yaml:"dispatch_poll_seconds"`
	WorkerCount         int `yaml:"worker_count"`
	WorkerPollSeconds   int `yaml:"worker_poll_seconds"`
	TaskTimeoutSeconds  int `yaml:"task_timeout_seconds"`

	Retrieval RetrievalConfig `yaml:"retrieval"`
	Tagging   TaggingConfig   `yaml:"tagging"`
	Reaper    ReaperConfig    `yaml:"reaper"`
	Generator ModelConfig     `yaml:"generator"`
	Embedding ModelConfig     `yaml:"embedding"`
	Outbound  OutboundConfig  `yaml:"outbound"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// DefaultHomeDir is ~/.concierge, falling back to the working directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".concierge"
	}
	return filepath.Join(home, ".concierge")
}

// Load reads config.yaml from homeDir if present, then applies defaults and
// environment overrides. A missing file is not an error.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}

	cfg := &Config{HomeDir: homeDir}
	path := filepath.Join(homeDir, "config.yaml")
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "concierge.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DispatchPollSeconds <= 0 {
		c.DispatchPollSeconds = 2
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = 2
	}
	if c.WorkerPollSeconds <= 0 {
		c.WorkerPollSeconds = 2
	}
	if c.TaskTimeoutSeconds <= 0 {
		c.TaskTimeoutSeconds = 120
	}
	if c.Retrieval.HistoryLimit <= 0 {
		c.Retrieval.HistoryLimit = 8
	}
	if c.Retrieval.MemoryLimit <= 0 {
		c.Retrieval.MemoryLimit = 10
	}
	if c.Retrieval.KnowledgeTopK <= 0 {
		c.Retrieval.KnowledgeTopK = 3
	}
	if c.Retrieval.KnowledgeThreshold <= 0 {
		c.Retrieval.KnowledgeThreshold = 0.72
	}
	if c.Tagging.CandidateFloor <= 0 {
		c.Tagging.CandidateFloor = 0.30
	}
	if c.Tagging.CandidateLimit <= 0 {
		c.Tagging.CandidateLimit = 10
	}
	if c.Reaper.Schedule == "" {
		c.Reaper.Schedule = "* * * * *"
	}
	if c.Reaper.StalenessSeconds <= 0 {
		c.Reaper.StalenessSeconds = 300
	}
	if c.Outbound.TimeoutSeconds <= 0 {
		c.Outbound.TimeoutSeconds = 30
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "concierge"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CONCIERGE_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("CONCIERGE_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CONCIERGE_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.WorkerCount = n
		}
	}
	if v := os.Getenv("CONCIERGE_DEV_MODE"); v != "" {
		c.Outbound.DevMode = parseBool(v)
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Embedding.APIKey = v
	}
}

func (c *Config) validate() error {
	if c.Retrieval.KnowledgeThreshold > 1 {
		return fmt.Errorf("retrieval.knowledge_threshold %v out of range (0,1]", c.Retrieval.KnowledgeThreshold)
	}
	if c.Tagging.CandidateFloor > 1 {
		return fmt.Errorf("tagging.candidate_floor %v out of range (0,1]", c.Tagging.CandidateFloor)
	}
	return nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
