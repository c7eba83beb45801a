// Package config loads typed process configuration from YAML +
// environment variables. Loaded values are used as written; no
// `${VAR}`-style expansion is applied to them. This module's config is a
// small, single-process set of connection strings and tunables, not a
// YAML-defined agent catalog — entities live in the database.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DatabaseConfig holds SQL connection settings.
type DatabaseConfig struct {
	Driver   string `koanf:"driver"` // "postgres" | "mysql" | "sqlite"
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"` // file path for sqlite
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	SSLMode  string `koanf:"ssl_mode"`
	MaxConns int     `koanf:"max_conns"`
	MaxIdle  int     `koanf:"max_idle"`
}

func (c *DatabaseConfig) setDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Database == "" {
		c.Database = "controlplane.db"
	}
	if c.MaxConns == 0 {
		c.MaxConns = 25
	}
	if c.MaxIdle == 0 {
		c.MaxIdle = 5
	}
	if c.SSLMode == "" {
		c.SSLMode = "disable"
	}
}

// DSN builds the database/sql driver name and data source name.
func (c *DatabaseConfig) DSN() (driverName, dsn string) {
	switch c.Driver {
	case "postgres":
		return "postgres", fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
	case "mysql":
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.Username, c.Password, c.Host, c.Port, c.Database)
	default:
		return "sqlite3", c.Database
	}
}

// EngineConfig holds the Stream Engine's tunables, defaulted below.
type EngineConfig struct {
	MaxToolRounds        int     `koanf:"max_tool_rounds"`
	CompactionThreshold  float64 `koanf:"compaction_threshold"`
	CompactionKeepRecent int     `koanf:"compaction_keep_recent"`
	ApprovalTimeout      time.Duration `koanf:"approval_timeout"`
	MCPCallTimeout       time.Duration `koanf:"mcp_call_timeout"`
	LLMCallTimeout       time.Duration `koanf:"llm_call_timeout"`
	ToolHTTPTimeout      time.Duration `koanf:"tool_http_timeout"`
}

func (c *EngineConfig) setDefaults() {
	if c.MaxToolRounds == 0 {
		c.MaxToolRounds = 10
	}
	if c.CompactionThreshold == 0 {
		c.CompactionThreshold = 0.80
	}
	if c.CompactionKeepRecent == 0 {
		c.CompactionKeepRecent = 10
	}
	if c.ApprovalTimeout == 0 {
		c.ApprovalTimeout = 600 * time.Second
	}
	if c.MCPCallTimeout == 0 {
		c.MCPCallTimeout = 30 * time.Second
	}
	if c.LLMCallTimeout == 0 {
		c.LLMCallTimeout = 120 * time.Second
	}
	if c.ToolHTTPTimeout == 0 {
		c.ToolHTTPTimeout = 30 * time.Second
	}
}

// RAGConfig holds chunking/index tunables for the RAG Index.
type RAGConfig struct {
	ChunkSize     int    `koanf:"chunk_size"`
	ChunkOverlap  int    `koanf:"chunk_overlap"`
	IndexesRoot   string `koanf:"indexes_root"`
}

func (c *RAGConfig) setDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 500
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 50
	}
	if c.IndexesRoot == "" {
		c.IndexesRoot = "./data/indexes"
	}
}

// TracingConfig controls the otel TracerProvider used by the Trace Recorder.
type TracingConfig struct {
	Enabled      bool    `koanf:"enabled"`
	ExporterType string  `koanf:"exporter_type"` // "otlp" | "stdout" | "none"
	EndpointURL  string  `koanf:"endpoint_url"`
	SamplingRate float64 `koanf:"sampling_rate"`
	ServiceName  string  `koanf:"service_name"`
}

func (c *TracingConfig) setDefaults() {
	if c.ExporterType == "" {
		c.ExporterType = "stdout"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "controlplane"
	}
}

type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Engine   EngineConfig   `koanf:"engine"`
	RAG      RAGConfig      `koanf:"rag"`
	Tracing  TracingConfig  `koanf:"tracing"`
	LogLevel string         `koanf:"log_level"`
}

// Load reads configuration from an optional YAML file, then environment
// variables (prefix CONTROLPLANE_), file first, env overrides.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env.local", ".env") // best-effort

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("CONTROLPLANE_", ".", envKeyTransform), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Database.setDefaults()
	cfg.Engine.setDefaults()
	cfg.RAG.setDefaults()
	cfg.Tracing.setDefaults()
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

func envKeyTransform(s string) string {
	// CONTROLPLANE_DATABASE_HOST -> database.host
	const prefix = "CONTROLPLANE_"
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		s = s[len(prefix):]
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '_' {
			out = append(out, '.')
			continue
		}
		out = append(out, toLower(r))
	}
	return string(out)
}

func toLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}
