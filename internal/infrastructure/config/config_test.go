package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1024, cfg.Memory.TotalFrames)
	assert.Equal(t, 1024, cfg.Messaging.MailboxCapacity)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Monitor.Enabled)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KARNAL_TOTAL_FRAMES", "64")
	t.Setenv("KARNAL_MAILBOX_CAP", "8")
	t.Setenv("KARNAL_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 64, cfg.Memory.TotalFrames)
	assert.Equal(t, 8, cfg.Messaging.MailboxCapacity)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadOrDefaultBadEnv(t *testing.T) {
	t.Setenv("KARNAL_TOTAL_FRAMES", "not-a-number")

	cfg := LoadOrDefault()
	assert.Equal(t, 1024, cfg.Memory.TotalFrames)
}

func TestDefaultManifest(t *testing.T) {
	m := DefaultManifest()

	assert.Contains(t, m.Providers, "karnal://device/console")
	assert.Contains(t, m.Providers, "karnal://boot/initrd")
	assert.Equal(t, "init", m.InitTask.Program)
}

func TestLoadManifestEmptyPath(t *testing.T) {
	m, err := LoadManifest("")
	require.NoError(t, err)
	assert.Equal(t, DefaultManifest(), m)
}

func TestLoadManifestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.yaml")
	data := []byte("providers:\n  - karnal://device/console\ninit_task:\n  program: shell\n  args: \"-v\"\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"karnal://device/console"}, m.Providers)
	assert.Equal(t, "shell", m.InitTask.Program)
	assert.Equal(t, "-v", m.InitTask.Args)
}

func TestLoadManifestMissingProgramDefaultsToInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte("providers: []\n"), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "init", m.InitTask.Program)
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest("/nonexistent/boot.yaml")
	assert.Error(t, err)
}
