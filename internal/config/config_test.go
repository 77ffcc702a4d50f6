package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Execution.MaxConcurrent)
	assert.Equal(t, 2, cfg.Execution.MaxRemediationLoops)
	assert.Equal(t, 10*time.Minute, cfg.Execution.TaskTimeout.Duration())
	assert.True(t, cfg.Execution.RequireAcceptanceCriteria)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"empty work dir", func(c *Config) { c.WorkDir = "" }, "work_dir"},
		{"empty store path", func(c *Config) { c.StorePath = "" }, "store_path"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging format"},
		{"zero concurrency", func(c *Config) { c.Execution.MaxConcurrent = 0 }, "max_concurrent"},
		{"negative loops", func(c *Config) { c.Execution.MaxRemediationLoops = -1 }, "max_remediation_loops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
execution:
  max_concurrent: 4
  task_timeout: 30s
  max_remediation_loops: 1
logging:
  level: debug
  format: console
gates:
  optional:
    - docs
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Execution.MaxConcurrent)
	assert.Equal(t, 30*time.Second, cfg.Execution.TaskTimeout.Duration())
	assert.Equal(t, 1, cfg.Execution.MaxRemediationLoops)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"docs"}, cfg.Gates.Optional)

	// Untouched keys keep defaults.
	assert.Equal(t, ".planexec/planexec.db", cfg.StorePath)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))

	t.Setenv("PLANEXEC_LOGGING_LEVEL", "warn")
	t.Setenv("PLANEXEC_EXECUTION_MAX_CONCURRENT", "3")
	t.Setenv("PLANEXEC_WORK_DIR", dir)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Execution.MaxConcurrent)
	assert.Equal(t, dir, cfg.WorkDir)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Execution.MaxConcurrent, cfg.Execution.MaxConcurrent)
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(":\n  - not yaml"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}
