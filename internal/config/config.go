package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"asterengine/internal/index"
)

// DataDirEnv overrides Paths.DataDir when set.
const DataDirEnv = "ASTERENGINE_DATA_DIR"

// AppConfig captures configuration for the server, storage, and index defaults.
type AppConfig struct {
	Server        ServerConfig        `toml:"server" yaml:"server"`
	Paths         PathsConfig         `toml:"paths" yaml:"paths"`
	IndexDefaults IndexDefaultsConfig `toml:"index_defaults" yaml:"index_defaults"`
	Logging       LoggingConfig       `toml:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `toml:"metrics" yaml:"metrics"`
	// Bootstrap lists index definition files created at startup when the index is missing.
	Bootstrap []string `toml:"bootstrap" yaml:"bootstrap"`
}

// ServerConfig controls network settings.
type ServerConfig struct {
	Listen        string        `toml:"listen" yaml:"listen"`
	SearchTimeout time.Duration `toml:"search_timeout" yaml:"search_timeout"`
	MaxBodyBytes  int64         `toml:"max_body_bytes" yaml:"max_body_bytes"`
}

// PathsConfig configures the on-disk layout. An empty DataDir keeps indexes in memory.
type PathsConfig struct {
	DataDir string `toml:"data_dir" yaml:"data_dir"`
}

// IndexDefaultsConfig provides settings applied to every index unless its definition
// overrides them.
type IndexDefaultsConfig struct {
	BM25           BM25Config    `toml:"bm25" yaml:"bm25"`
	MergeInterval  time.Duration `toml:"merge_interval" yaml:"merge_interval"`
	MergeThreshold int           `toml:"merge_threshold" yaml:"merge_threshold"`
}

// BM25Config mirrors the scoring parameters exposed by the index package.
type BM25Config struct {
	K1 float64 `toml:"k1" yaml:"k1"`
	B  float64 `toml:"b" yaml:"b"`
}

type LoggingConfig struct {
	Level       string `toml:"level" yaml:"level"`
	RequestLogs *bool  `toml:"request_logs" yaml:"request_logs"`
}

// MetricsConfig enables counters/telemetry endpoints.
type MetricsConfig struct {
	Enabled *bool `toml:"enabled" yaml:"enabled"`
}

// DefaultConfig returns the baseline configuration used when no file is supplied.
func DefaultConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{Listen: ":9200", SearchTimeout: 30 * time.Second, MaxBodyBytes: 100 << 20},
		Paths:  PathsConfig{DataDir: "data"},
		IndexDefaults: IndexDefaultsConfig{
			BM25:           BM25Config{K1: index.DefaultSimilarity.K1, B: index.DefaultSimilarity.B},
			MergeInterval:  30 * time.Second,
			MergeThreshold: 8,
		},
		Logging: LoggingConfig{Level: "info", RequestLogs: boolPtr(true)},
		Metrics: MetricsConfig{Enabled: boolPtr(true)},
	}
}

// Load reads the provided config path, merging it onto the defaults.
func Load(path string) (AppConfig, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	var fileCfg AppConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(content, &fileCfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse toml: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, &fileCfg); err != nil {
			return AppConfig{}, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return AppConfig{}, errors.New("config file must be .toml, .yaml, or .yml")
	}

	return mergeConfig(cfg, fileCfg), nil
}

// ApplyEnv applies environment overrides read through lookup.
func (cfg *AppConfig) ApplyEnv(lookup func(string) (string, bool)) {
	if dir, ok := lookup(DataDirEnv); ok && dir != "" {
		cfg.Paths.DataDir = dir
	}
}

func mergeConfig(base, override AppConfig) AppConfig {
	if override.Server.Listen != "" {
		base.Server.Listen = override.Server.Listen
	}
	if override.Server.SearchTimeout != 0 {
		base.Server.SearchTimeout = override.Server.SearchTimeout
	}
	if override.Server.MaxBodyBytes != 0 {
		base.Server.MaxBodyBytes = override.Server.MaxBodyBytes
	}
	if override.Paths.DataDir != "" {
		base.Paths.DataDir = override.Paths.DataDir
	}

	if override.IndexDefaults.BM25.K1 != 0 {
		base.IndexDefaults.BM25.K1 = override.IndexDefaults.BM25.K1
	}
	if override.IndexDefaults.BM25.B != 0 {
		base.IndexDefaults.BM25.B = override.IndexDefaults.BM25.B
	}
	if override.IndexDefaults.MergeInterval != 0 {
		base.IndexDefaults.MergeInterval = override.IndexDefaults.MergeInterval
	}
	if override.IndexDefaults.MergeThreshold != 0 {
		base.IndexDefaults.MergeThreshold = override.IndexDefaults.MergeThreshold
	}

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.RequestLogs != nil {
		base.Logging.RequestLogs = override.Logging.RequestLogs
	}
	if override.Metrics.Enabled != nil {
		base.Metrics.Enabled = override.Metrics.Enabled
	}
	if len(override.Bootstrap) > 0 {
		base.Bootstrap = override.Bootstrap
	}
	return base
}

// Similarity converts the configured BM25 parameters for the index package.
func (cfg AppConfig) Similarity() index.Similarity {
	return index.Similarity{K1: cfg.IndexDefaults.BM25.K1, B: cfg.IndexDefaults.BM25.B}
}

// LogLevel parses Logging.Level, defaulting to info.
func (cfg AppConfig) LogLevel() (slog.Level, error) {
	var level slog.Level
	if cfg.Logging.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging level: %w", err)
	}
	return level, nil
}

// RequestLogsEnabled reports whether every HTTP request is logged.
func (cfg AppConfig) RequestLogsEnabled() bool {
	return cfg.Logging.RequestLogs == nil || *cfg.Logging.RequestLogs
}

// MetricsEnabled reports whether the telemetry endpoint is served.
func (cfg AppConfig) MetricsEnabled() bool {
	return cfg.Metrics.Enabled != nil && *cfg.Metrics.Enabled
}

// LoadIndexFile reads an index definition (settings and mappings) from a JSON, YAML or
// TOML file. The index is named after the file unless the document carries a "name".
func LoadIndexFile(path string) (index.CreateRequest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return index.CreateRequest{}, fmt.Errorf("read index file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	var doc map[string]any
	switch ext {
	case ".json":
		err = json.Unmarshal(content, &doc)
	case ".toml":
		err = toml.Unmarshal(content, &doc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &doc)
	default:
		return index.CreateRequest{}, fmt.Errorf("index file %s must be .json, .toml, .yaml, or .yml", path)
	}
	if err != nil {
		return index.CreateRequest{}, fmt.Errorf("parse index file %s: %w", path, err)
	}

	// The index package decodes settings from JSON; re-encode whatever the source format was.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return index.CreateRequest{}, fmt.Errorf("encode index file %s: %w", path, err)
	}
	var req index.CreateRequest
	if err := json.Unmarshal(normalized, &req); err != nil {
		return index.CreateRequest{}, fmt.Errorf("decode index file %s: %w", path, err)
	}
	req.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if name, ok := doc["name"].(string); ok && name != "" {
		req.Name = name
	}
	return req, nil
}

func boolPtr(v bool) *bool {
	return &v
}
