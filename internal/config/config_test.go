package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asterengine/internal/analysis"
	"asterengine/internal/mapping"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadMergesOntoDefaults(t *testing.T) {
	tomlPath := writeFile(t, "engine.toml", `
bootstrap = ["products.yaml"]

[server]
listen = ":9999"

[index_defaults]
merge_threshold = 3

[index_defaults.bm25]
k1 = 1.5

[logging]
level = "debug"
request_logs = false
`)
	cfg, err := Load(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Server.Listen)
	assert.Equal(t, 30*time.Second, cfg.Server.SearchTimeout)
	assert.Equal(t, "data", cfg.Paths.DataDir)
	assert.Equal(t, 3, cfg.IndexDefaults.MergeThreshold)
	assert.Equal(t, 1.5, cfg.Similarity().K1)
	assert.Equal(t, 0.75, cfg.Similarity().B)
	assert.False(t, cfg.RequestLogsEnabled())
	assert.True(t, cfg.MetricsEnabled())
	assert.Equal(t, []string{"products.yaml"}, cfg.Bootstrap)

	level, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)

	yamlPath := writeFile(t, "engine.yaml", `
paths:
  data_dir: /var/lib/asterengine
metrics:
  enabled: false
`)
	cfg, err = Load(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/asterengine", cfg.Paths.DataDir)
	assert.False(t, cfg.MetricsEnabled())
	assert.Equal(t, ":9200", cfg.Server.Listen)
}

func TestLoadRejectsUnknownFormats(t *testing.T) {
	_, err := Load(writeFile(t, "engine.ini", "listen=1"))
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.Logging.Level = "loud"
	_, err = cfg.LogLevel()
	require.Error(t, err)
}

func TestApplyEnvOverridesDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyEnv(func(key string) (string, bool) {
		if key == DataDirEnv {
			return "/tmp/override", true
		}
		return "", false
	})
	assert.Equal(t, "/tmp/override", cfg.Paths.DataDir)

	cfg.ApplyEnv(func(string) (string, bool) { return "", false })
	assert.Equal(t, "/tmp/override", cfg.Paths.DataDir)
}

func TestLoadIndexFileAcceptsEveryFormat(t *testing.T) {
	files := map[string]string{
		"products.json": `{"settings":{"analysis":{"analyzer":{"folded":{"tokenizer":"standard","filter":["lowercase","asciifolding"]}}}},
			"mappings":{"properties":{"title":{"type":"text","analyzer":"folded"},"price":{"type":"double"}}}}`,
		"products.yaml": `
settings:
  analysis:
    analyzer:
      folded:
        tokenizer: standard
        filter: [lowercase, asciifolding]
mappings:
  properties:
    title: {type: text, analyzer: folded}
    price: {type: double}
`,
		"products.toml": `
[settings.analysis.analyzer.folded]
tokenizer = "standard"
filter = ["lowercase", "asciifolding"]

[mappings.properties.title]
type = "text"
analyzer = "folded"

[mappings.properties.price]
type = "double"
`,
	}
	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			req, err := LoadIndexFile(writeFile(t, name, content))
			require.NoError(t, err)
			assert.Equal(t, "products", req.Name)
			assert.Equal(t, analysis.AnalyzerConfig{Tokenizer: "standard", Filter: []string{"lowercase", "asciifolding"}},
				req.Settings.Analysis.Analyzer["folded"])
			assert.Equal(t, mapping.FieldTypeText, req.Mappings.Properties["title"].Type)
			assert.Equal(t, "folded", req.Mappings.Properties["title"].Analyzer)
			assert.Equal(t, mapping.FieldTypeDouble, req.Mappings.Properties["price"].Type)
		})
	}
}

func TestLoadIndexFileHonoursExplicitName(t *testing.T) {
	req, err := LoadIndexFile(writeFile(t, "whatever.json", `{"name":"logs-2024","mappings":{"properties":{"msg":{"type":"keyword"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "logs-2024", req.Name)

	_, err = LoadIndexFile(writeFile(t, "bad.json", `{"mappings":`))
	require.Error(t, err)
}
