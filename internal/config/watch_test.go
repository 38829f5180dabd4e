package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clusterdash.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster_name: first\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan *Config, 8)
	go func() {
		_ = Watch(ctx, path, zap.NewNop(), func(c *Config) { reloads <- c })
	}()

	// Let the watcher register before touching the file.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("cluster_name: second\nmonitor:\n  instance_reboot_attempts: 7\n"), 0o644))

	select {
	case cfg := <-reloads:
		assert.Equal(t, "second", cfg.ClusterName)
		assert.Equal(t, 7, cfg.Monitor.RebootAttempts)
	case <-time.After(5 * time.Second):
		t.Fatal("config change never observed")
	}

	// A single rewrite can surface as several fsnotify events; drain the
	// duplicates before the malformed write.
	time.Sleep(200 * time.Millisecond)
	for len(reloads) > 0 {
		<-reloads
	}

	// A malformed rewrite keeps the previous config and fires no reload.
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
	select {
	case cfg := <-reloads:
		t.Fatalf("reload fired on malformed config: %q", cfg.ClusterName)
	case <-time.After(500 * time.Millisecond):
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clusterdash.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cluster_name: keep\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan *Config, 8)
	go func() {
		_ = Watch(ctx, path, zap.NewNop(), func(c *Config) { reloads <- c })
	}()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("cluster_name: other\n"), 0o644))

	select {
	case cfg := <-reloads:
		t.Fatalf("reload fired for a sibling file: %q", cfg.ClusterName)
	case <-time.After(500 * time.Millisecond):
	}
}
