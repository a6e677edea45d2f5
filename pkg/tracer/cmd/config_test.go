package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alibaba/tcpretrans/pkg/tracer"
	"github.com/alibaba/tcpretrans/pkg/tracer/kprobe"
)

func TestLoadConfigDefaults(t *testing.T) {
	configPath = ""
	cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)

	assert.Equal(t, kprobe.DefaultRoot, cfg.TracingRoot)
	assert.Equal(t, kprobe.DefaultCapture, cfg.CaptureExpr)
	assert.Equal(t, tracer.DefaultInterval, cfg.Interval)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"tracingRoot: /tmp/tracing\ninterval: 250ms\ncaptureExpr: sk=%x0\n"), 0644))

	configPath = path
	defer func() { configPath = "" }()

	cfg, err := loadConfig(rootCmd)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/tracing", cfg.TracingRoot)
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, "sk=%x0", cfg.CaptureExpr)
}

func TestLoadConfigMissingFile(t *testing.T) {
	configPath = filepath.Join(t.TempDir(), "nope.yaml")
	defer func() { configPath = "" }()

	_, err := loadConfig(rootCmd)
	assert.Error(t, err)
}
