package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/scanfleet/internal/errors"
	"github.com/anstrom/scanfleet/internal/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0, cfg.Scanning.Workers)
	assert.Equal(t, time.Second, cfg.Scanning.PollInterval)
	assert.Equal(t, time.Second, cfg.Scanning.DequeueTimeout)
	assert.Equal(t, time.Second, cfg.Scanning.JoinTimeout)
	assert.Equal(t, BackendTmux, cfg.Session.Backend)
	assert.Equal(t, "scan", cfg.Session.Prefix)
	assert.Equal(t, "Nmap done", cfg.Monitor.DoneMarker)
	assert.Equal(t, 65536, cfg.Resolver.MaxRangeSize)
	assert.Equal(t, "1-65535", cfg.Ports.Ports)
	assert.False(t, cfg.Server.Enabled)
	assert.True(t, cfg.RequireWorkers())

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		filename string
		check    func(t *testing.T, cfg *Config)
		wantErr  bool
		wantCode errors.ErrorCode
	}{
		{
			name:     "valid yaml config",
			filename: "config.yaml",
			content: `
scanning:
  workers: 4
  poll_interval: 2s
session:
  backend: process
  shell: /bin/bash
resolver:
  nameservers: ["1.1.1.1", "9.9.9.9:53"]
logging:
  level: debug
  format: json
  file: /tmp/scanfleet.log
`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 4, cfg.Scanning.Workers)
				assert.Equal(t, 2*time.Second, cfg.Scanning.PollInterval)
				assert.Equal(t, BackendProcess, cfg.Session.Backend)
				assert.Equal(t, "/bin/bash", cfg.Session.Shell)
				assert.Equal(t, []string{"1.1.1.1", "9.9.9.9:53"}, cfg.Resolver.Nameservers)
				assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
				assert.Equal(t, logging.FormatJSON, cfg.Logging.Format)
				assert.Equal(t, "/tmp/scanfleet.log", cfg.Logging.File)
				// untouched sections keep defaults
				assert.Equal(t, "Nmap done", cfg.Monitor.DoneMarker)
				assert.False(t, cfg.RequireWorkers())
			},
		},
		{
			name:     "valid json config",
			filename: "config.json",
			content:  `{"scanning": {"workers": 2}, "nmap": {"binary": "/usr/local/bin/nmap", "timing": 4}}`,
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 2, cfg.Scanning.Workers)
				assert.Equal(t, "/usr/local/bin/nmap", cfg.Nmap.Binary)
				assert.Equal(t, 4, cfg.Nmap.Timing)
			},
		},
		{
			name:     "malformed yaml",
			filename: "config.yaml",
			content:  "scanning: [unterminated",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "negative workers",
			filename: "config.yaml",
			content:  "scanning:\n  workers: -1\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "unknown backend",
			filename: "config.yaml",
			content:  "session:\n  backend: screen\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "zero poll interval",
			filename: "config.yaml",
			content:  "scanning:\n  poll_interval: 0s\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "progress pattern without capture group",
			filename: "config.yaml",
			content:  "monitor:\n  progress_pattern: 'About [0-9]+% done'\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "progress pattern does not compile",
			filename: "config.yaml",
			content:  "monitor:\n  progress_pattern: 'About ([0-9+% done'\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "unsafe session prefix",
			filename: "config.yaml",
			content:  "session:\n  prefix: 'scan:x'\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "timing out of range",
			filename: "config.yaml",
			content:  "nmap:\n  timing: 6\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "server enabled with bad listen address",
			filename: "config.yaml",
			content:  "server:\n  enabled: true\n  listen: 'not an address'\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
		{
			name:     "rate without burst",
			filename: "config.yaml",
			content:  "scanning:\n  launch_rate: 2\n  launch_burst: 0\n",
			wantErr:  true,
			wantCode: errors.CodeConfiguration,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.filename, tt.content)

			cfg, err := Load(path)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantCode, errors.GetCode(err))
				assert.True(t, errors.IsFatal(err))
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Scanning.Workers = 8
	cfg.Scanning.ScanTimeout = 90 * time.Minute
	cfg.Resolver.Nameservers = []string{"10.0.0.53"}

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestFromViper(t *testing.T) {
	path := writeFile(t, "config.yaml", `
scanning:
  workers: 3
session:
  backend: tmux
`)

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())
	v.Set("session.backend", "process")
	v.Set("scanning.join_timeout", "3s")

	cfg, err := FromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Scanning.Workers)
	assert.Equal(t, BackendProcess, cfg.Session.Backend, "explicit overrides win over the file")
	assert.Equal(t, 3*time.Second, cfg.Scanning.JoinTimeout)
	assert.Equal(t, "Nmap done", cfg.Monitor.DoneMarker, "unset keys keep defaults")
}

func TestFromViperInvalid(t *testing.T) {
	v := viper.New()
	v.Set("scanning.workers", -4)

	_, err := FromViper(v)
	require.Error(t, err)
	assert.Equal(t, errors.CodeConfiguration, errors.GetCode(err))
}

func TestServerHelpers(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.IsServerEnabled())
	assert.Equal(t, "127.0.0.1:9470", cfg.GetServerAddress())
}
