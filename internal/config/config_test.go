package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, ":2575", cfg.MLLP.Listen)
	assert.Equal(t, 10, cfg.MLLP.MaxConnections)
	assert.Equal(t, 60*time.Second, cfg.MLLP.ClientTimeout.Std())
	assert.Equal(t, byte(0x0B), cfg.MLLP.StartMarker)
	assert.Equal(t, byte(0x1C), cfg.MLLP.EndMarker)
	assert.Equal(t, int64(100*1024*1024), cfg.HTTP.MaxUploadSize.Bytes())
	assert.Equal(t, 25, cfg.Storage.Watermark)
	assert.Equal(t, int64(5*1024*1024*1024), cfg.Storage.ReserveSpace.Bytes())
	assert.Equal(t, 2, cfg.Storage.ConcurrentUploads)
	assert.Len(t, cfg.Storage.RetryDelays, 3)
	assert.Equal(t, 5*time.Second, cfg.Payload.QuietPeriod.Std())
	assert.Equal(t, time.Second, cfg.Payload.ReaperInterval.Std())
	assert.Equal(t, "clinigate-staged", cfg.ObjectStore.Bucket)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
mllp:
  listen: ":12575"
  max_connections: 4
  client_timeout: 5s
  disable_ack: true
storage:
  staging_dir: /tmp/staging
  watermark: 90
  reserve_space: 1GB
  retry_delays: [100ms, 200ms]
payload:
  quiet_period: 2s
  quiet_periods:
    hl7: 10s
`))
	require.NoError(t, err)

	assert.Equal(t, ":12575", cfg.MLLP.Listen)
	assert.Equal(t, 4, cfg.MLLP.MaxConnections)
	assert.True(t, cfg.MLLP.DisableAck)
	assert.Equal(t, 90, cfg.Storage.Watermark)
	assert.Equal(t, int64(1024*1024*1024), cfg.Storage.ReserveSpace.Bytes())
	require.Len(t, cfg.Storage.RetryDelays, 2)
	assert.Equal(t, 100*time.Millisecond, cfg.Storage.RetryDelays[0].Std())

	assert.Equal(t, 10*time.Second, cfg.QuietPeriodFor("hl7"))
	assert.Equal(t, 2*time.Second, cfg.QuietPeriodFor("dicom-web"))
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad watermark", "storage:\n  watermark: 150\n"},
		{"same markers", "mllp:\n  start_marker: 11\n  end_marker: 11\n"},
		{"bad duration", "payload:\n  quiet_period: forever\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
