package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Search.MaxAttempts)
	assert.InDelta(t, 0.75, cfg.Search.TargetFraction, 1e-9)
	assert.InDelta(t, 0.25, cfg.Search.FailureFraction, 1e-9)
	assert.Equal(t, 10*time.Minute, cfg.Oracle.Timeout.Duration)
	assert.Equal(t, "birth", cfg.Input.Order)
	assert.Contains(t, cfg.Oracle.PTGui.FailureIndicators, "not stitching the panorama")
}

func TestLoadFileOverridesAndDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "search": {"max_attempts": 4, "target_fraction": 0.5, "failure_fraction": 0.25, "parallelism": 2, "deadline": "45m", "seed": 7},
  "oracle": {"preferred": "hugin", "timeout": 90}
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Search.MaxAttempts)
	assert.Equal(t, 2, cfg.Search.Parallelism)
	assert.Equal(t, 45*time.Minute, cfg.Search.Deadline.Duration)
	assert.Equal(t, int64(7), cfg.Search.Seed)
	assert.Equal(t, "hugin", cfg.Oracle.Preferred)
	assert.Equal(t, 90*time.Second, cfg.Oracle.Timeout.Duration)
	// untouched sections keep their defaults
	assert.Equal(t, []string{".jpg", ".jpeg"}, cfg.Input.Extensions)
}

func TestLoadFileRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"search": {"max_attempts": 0, "target_fraction": 1.5}, "input": {"order": "name"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	_, err := LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")
	assert.Contains(t, err.Error(), "target_fraction")
	assert.Contains(t, err.Error(), "input.order")
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalJSON([]byte(`"soon"`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
	require.NoError(t, d.UnmarshalJSON([]byte(`""`)))
	assert.Zero(t, d.Duration)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"logging": {"level": "debug"}}`), 0o644))
	t.Setenv("PANOSEARCH_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}
