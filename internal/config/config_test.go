package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "fake", cfg.Cloud.Provider)
	assert.Equal(t, 4, cfg.Monitor.RebootAttempts)
	assert.Equal(t, 22*time.Second, cfg.Monitor.SilenceThreshold())
	assert.Contains(t, cfg.MountPoints, "/mnt/galaxyData")
	assert.False(t, cfg.Autoscale.Enabled)
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusterdash.yaml")
	data := `
cluster_name: galaxy-prod
http_addr: ":9999"
cloud:
  provider: ec2
  region: eu-west-1
  worker_instance_type: c3.large
monitor:
  instance_reboot_attempts: 2
autoscale:
  enabled: true
  as_min: 2
  as_max: 10
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "galaxy-prod", cfg.ClusterName)
	assert.Equal(t, ":9999", cfg.HTTPAddr)
	assert.Equal(t, "ec2", cfg.Cloud.Provider)
	assert.Equal(t, "c3.large", cfg.Cloud.WorkerType)
	assert.Equal(t, 2, cfg.Monitor.RebootAttempts)
	assert.True(t, cfg.Autoscale.Enabled)
	assert.Equal(t, 10, cfg.Autoscale.Max)

	// Untouched fields keep their defaults.
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 4, cfg.Monitor.TerminateAttempts)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}
