package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsBaseUnchanged(t *testing.T) {
	base := Default()
	cfg, err := Load(base, filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, base, cfg)
}

func TestLoadEmptyPathReturnsBaseUnchanged(t *testing.T) {
	base := Default()
	cfg, err := Load(base, "")
	require.NoError(t, err)
	assert.Equal(t, base, cfg)
}

func TestLoadOverlaysOnlyGivenFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voice.yaml")
	require.NoError(t, os.WriteFile(path, []byte("opus-bitrate: 64000\ncapture-device: hw:1,0\n"), 0o644))

	base := Default()
	cfg, err := Load(base, path)
	require.NoError(t, err)
	assert.Equal(t, 64000, cfg.OpusBitrate)
	assert.Equal(t, "hw:1,0", cfg.CaptureDevice)
	assert.Equal(t, base.OpusMaxBitrate, cfg.OpusMaxBitrate, "fields absent from the file keep the base value")
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("opus-bitrate: [this is not an int\n"), 0o644))

	_, err := Load(Default(), path)
	assert.Error(t, err)
}
