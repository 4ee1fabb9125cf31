// Package config loads and watches the Parley configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Data      DataConfig      `yaml:"data"`
	Queue     QueueConfig     `yaml:"queue"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Streaming StreamingConfig `yaml:"streaming"`
	Tools     ToolsConfig     `yaml:"tools"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// DataConfig locates filesystem state: vector persistence, lock files, and
// task records all live under Root.
type DataConfig struct {
	Root string `yaml:"root"`
}

// VectorDir returns the persistence directory for a backend.
func (d DataConfig) VectorDir(backend string) string {
	return d.Root + "/data/" + backend
}

// LockDir returns the cross-process lock directory.
func (d DataConfig) LockDir() string {
	return d.Root + "/data/locks"
}

// TaskDir returns the task persistence directory.
func (d DataConfig) TaskDir() string {
	return d.Root + "/data/tasks"
}

type QueueConfig struct {
	Workers     int           `yaml:"workers"`
	MaxSize     int           `yaml:"max_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

type IngestConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	PerUserConcurrent  int           `yaml:"per_user_concurrent"`
	CompactionDebounce time.Duration `yaml:"compaction_debounce"`
}

// StreamingConfig holds the orchestrator knobs. Fields map one-to-one onto
// the STREAMING_* and TOOL_* environment overrides.
type StreamingConfig struct {
	MaxIterations         int           `yaml:"max_iterations"`
	ToolExecutionTimeout  time.Duration `yaml:"tool_execution_timeout"`
	LLMCallTimeout        time.Duration `yaml:"llm_call_timeout"`
	ToolTotalTimeout      time.Duration `yaml:"tool_total_timeout"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	SessionTimeout        time.Duration `yaml:"session_timeout"`
	ChunkSize             int           `yaml:"chunk_size"`
	EnableSmartChunking   bool          `yaml:"enable_smart_chunking"`
	MaxToolResultSize     int           `yaml:"max_tool_result_size"`
	ToolConcurrency       int           `yaml:"tool_concurrency"`
	AllowContinueOnError  bool          `yaml:"allow_continue_on_error"`
	ForceReplyOnMaxIter   bool          `yaml:"force_reply_on_max_iterations"`
	EnableToolCache       bool          `yaml:"enable_tool_cache"`
}

type ToolsConfig struct {
	RuntimeEndpoint string   `yaml:"runtime_endpoint"`
	Disabled        []string `yaml:"disabled"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			HTTPPort:    8080,
			MetricsPort: 9090,
		},
		Database: DatabaseConfig{
			MaxConnections:  20,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Data: DataConfig{
			Root: ".",
		},
		Queue: QueueConfig{
			Workers:     4,
			MaxSize:     1000,
			TaskTimeout: 5 * time.Minute,
			MaxRetries:  3,
		},
		Ingest: IngestConfig{
			BatchSize:          100,
			PerUserConcurrent:  5,
			CompactionDebounce: 60 * time.Second,
		},
		Streaming: StreamingConfig{
			MaxIterations:         10,
			ToolExecutionTimeout:  10 * time.Minute,
			LLMCallTimeout:        5 * time.Minute,
			ToolTotalTimeout:      15 * time.Minute,
			MaxConcurrentSessions: 100,
			SessionTimeout:        30 * time.Minute,
			ChunkSize:             0,
			EnableSmartChunking:   false,
			MaxToolResultSize:     1 << 20,
			ToolConcurrency:       5,
			AllowContinueOnError:  true,
			ForceReplyOnMaxIter:   true,
			EnableToolCache:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a yaml config file, expands ${ENV} references, and applies
// environment overrides on top. A missing path yields defaults plus
// environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else {
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv applies the documented environment overrides.
func (c *Config) applyEnv() {
	envInt("TOOL_MAX_ITERATIONS", &c.Streaming.MaxIterations)
	envDuration("TOOL_EXECUTION_TIMEOUT", &c.Streaming.ToolExecutionTimeout)
	envDuration("LLM_CALL_TIMEOUT", &c.Streaming.LLMCallTimeout)
	envDuration("TOOL_TOTAL_TIMEOUT", &c.Streaming.ToolTotalTimeout)
	envInt("STREAMING_MAX_CONCURRENT_SESSIONS", &c.Streaming.MaxConcurrentSessions)
	envDuration("STREAMING_SESSION_TIMEOUT", &c.Streaming.SessionTimeout)
	envInt("STREAMING_CHUNK_SIZE", &c.Streaming.ChunkSize)
	envBool("STREAMING_ENABLE_SMART_CHUNKING", &c.Streaming.EnableSmartChunking)

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("PARLEY_DATA_ROOT"); v != "" {
		c.Data.Root = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// envDuration accepts either a Go duration string or a bare number of
// seconds.
func envDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(secs * float64(time.Second))
	}
}
