package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tcpbridge/pkg/bridge"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, int(bridge.DefaultAcceptedIDBase), cfg.AcceptedIDBase)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "bridge.yaml", `
socket: /run/tcpbridge.sock
compress: true
high_water_mark: 4096
dial_timeout: 1500ms
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/tcpbridge.sock", cfg.Socket)
	assert.True(t, cfg.Compress)
	assert.Equal(t, 4096, cfg.HighWaterMark)
	assert.Equal(t, Duration(1500*time.Millisecond), cfg.DialTimeout)
	// untouched fields keep their defaults
	assert.Equal(t, Default().ReceiveBufferSize, cfg.ReceiveBufferSize)

	stack := cfg.StackConfig(nil, nil)
	assert.Equal(t, 1500*time.Millisecond, stack.DialTimeout)
	assert.Equal(t, bridge.DefaultAcceptedIDBase, stack.AcceptedIDBase)
}

func TestLoadJSONC(t *testing.T) {
	path := writeFile(t, "bridge.jsonc", `{
	// accepted connections are numbered from here
	"accepted_id_base": 5000,
	"dial_timeout": "2s",
	"trace": "out.pcap", /* trailing comma below */
}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.AcceptedIDBase)
	assert.Equal(t, Duration(2*time.Second), cfg.DialTimeout)
	assert.Equal(t, "out.pcap", cfg.Trace)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name, file, content string
	}{
		{"zero buffer", "a.yaml", "receive_buffer_size: 0"},
		{"negative id base", "a.yaml", "accepted_id_base: -1"},
		{"bad level", "a.yaml", "log_level: loud"},
		{"bad duration", "a.json", `{"dial_timeout": "soon"}`},
		{"negative duration", "a.yaml", "dial_timeout: -1s"},
		{"not yaml", "a.yaml", "socket: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.file, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoggerHonoursLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestFlagsOverrideFile(t *testing.T) {
	path := writeFile(t, "bridge.yaml", "socket: /from/file\nhigh_water_mark: 100\ntrace: file.pcap\n")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--high-water-mark", "200", "--dial-timeout", "3s", "--compress"}))

	cfg, err := flags.Load()
	require.NoError(t, err)
	assert.Equal(t, "/from/file", cfg.Socket)
	assert.Equal(t, 200, cfg.HighWaterMark)
	assert.Equal(t, Duration(3*time.Second), cfg.DialTimeout)
	assert.True(t, cfg.Compress)
	assert.Equal(t, "file.pcap", cfg.Trace)
}

func TestFlagsWithoutFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags := AddFlags(fs)
	require.NoError(t, fs.Parse(nil))

	cfg, err := flags.Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	fs = pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags = AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--receive-buffer-size", "0"}))
	_, err = flags.Load()
	assert.Error(t, err)
}
