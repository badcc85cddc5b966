package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: development\n"), 0o600))

	w, err := NewWatcher(Default(), path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	reloaded := make(chan *Config, 1)
	w.OnReload(func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	})

	require.NoError(t, os.WriteFile(path,
		[]byte("environment: development\nstorage:\n  migrationInterval: 2h\n"), 0o600))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 2*time.Hour, cfg.Storage.MigrationInterval)
		assert.Equal(t, cfg, w.Current())
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback was not invoked")
	}
}

func TestWatcherInertOutsideDevelopment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: production\n"), 0o600))

	cfg := Default()
	cfg.Environment = Production
	w, err := NewWatcher(cfg, path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(w.Stop)

	assert.Nil(t, w.fsw)
	assert.Equal(t, cfg, w.Current())
}
