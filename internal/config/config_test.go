package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runspace "github.com/telnet2/go-practice/go-runspace"
	"github.com/telnet2/go-practice/go-runspace/internal/logging"
	"github.com/telnet2/go-practice/go-runspace/transport"
)

// isolate runs the test in an empty directory with no RUNSPACE_* overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, name := range []string{
		"RUNSPACE_TRANSPORT", "RUNSPACE_HOST_PATH", "RUNSPACE_SOCKET_DIR",
		"RUNSPACE_DRIVE_ROOT", "RUNSPACE_LOG_LEVEL", "RUNSPACE_CONNECT_TIMEOUT",
		"RUNSPACE_GRACE_PERIOD",
	} {
		t.Setenv(name, "")
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Source)
	assert.Equal(t, "named", cfg.Transport)
	assert.Equal(t, runspace.DefaultCommand, cfg.Command)
	assert.Equal(t, []string{runspace.DefaultFilter}, cfg.Filters)
	require.NoError(t, cfg.Validate())

	kind, err := cfg.Kind()
	require.NoError(t, err)
	assert.Equal(t, transport.NamedChannel, kind)
}

func TestLoadYAML(t *testing.T) {
	dir := isolate(t)
	yamlConfig := `
transport: pipes
host_path: /opt/runspace/bin/runspace-host
connect_timeout: 3s
command: |
  emit "Name=$Name"
parameters:
  Name: pwsh
  Count: 2
filters:
  - .Name == "pwsh"
  - "true"
log_level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runspace.yaml"), []byte(yamlConfig), 0644))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "runspace.yaml", cfg.Source)
	assert.Equal(t, "pipes", cfg.Transport)
	assert.Equal(t, "/opt/runspace/bin/runspace-host", cfg.HostPath)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 2*time.Second, cfg.GracePeriod)
	assert.Equal(t, "emit \"Name=$Name\"\n", cfg.Command)
	assert.Equal(t, map[string]any{"Name": "pwsh", "Count": 2}, cfg.Parameters)
	assert.Equal(t, []string{`.Name == "pwsh"`, "true"}, cfg.Filters)
	assert.Equal(t, logging.DebugLevel, cfg.Logging().Level)

	oc, err := cfg.Orchestrator()
	require.NoError(t, err)
	assert.Equal(t, transport.OutOfProcessPipes, oc.Transport)
	assert.Equal(t, "/opt/runspace/bin/runspace-host", oc.Options.HostPath)
	assert.Equal(t, 3*time.Second, oc.Options.ConnectTimeout)
}

func TestLoadJSONCWithInterpolation(t *testing.T) {
	dir := isolate(t)
	t.Setenv("RUNSPACE_TEST_SOCKETS", "/run/rs")
	jsoncConfig := `{
		// comments are allowed
		"transport": "inprocess",
		"socket_dir": "{env:RUNSPACE_TEST_SOCKETS}",
		"filters": [".Number == 1"], /* trailing comment */
	}`
	path := filepath.Join(dir, "custom.jsonc")
	require.NoError(t, os.WriteFile(path, []byte(jsoncConfig), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "inprocess", cfg.Transport)
	assert.Equal(t, "/run/rs", cfg.SocketDir)
	assert.Equal(t, []string{".Number == 1"}, cfg.Filters)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	isolate(t)
	_, err := Load("nope.yaml")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "runspace.yaml")
	require.NoError(t, os.WriteFile(path, []byte("filters: [unclosed"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "runspace.yaml"), []byte("transport: pipes\nlog_level: warn\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("RUNSPACE_TRANSPORT=inprocess\nRUNSPACE_HOST_PATH=/from/dotenv\nRUNSPACE_GRACE_PERIOD=5s\n"), 0644))
	t.Setenv("RUNSPACE_HOST_PATH", "/from/env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "inprocess", cfg.Transport)
	assert.Equal(t, "/from/env", cfg.HostPath)
	assert.Equal(t, 5*time.Second, cfg.GracePeriod)
	assert.Equal(t, "warn", cfg.LogLevel)

	t.Setenv("RUNSPACE_CONNECT_TIMEOUT", "soon")
	_, err = Load("")
	var cfgErr *runspace.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "RUNSPACE_CONNECT_TIMEOUT", cfgErr.Field)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"unknown transport", func(c *Config) { c.Transport = "carrier-pigeon" }, "transport"},
		{"negative timeout", func(c *Config) { c.ConnectTimeout = -time.Second }, "connect_timeout"},
		{"negative grace", func(c *Config) { c.GracePeriod = -time.Second }, "grace_period"},
		{"bad parameter", func(c *Config) { c.Parameters = map[string]any{"no-dash": 1} }, "parameters"},
		{"empty filter", func(c *Config) { c.Filters = []string{"true", " "} }, "filters[1]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.edit(cfg)
			err := cfg.Validate()
			var cfgErr *runspace.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}

	cfg := Default()
	cfg.Transport = "bogus"
	_, err := cfg.Orchestrator()
	assert.ErrorIs(t, err, transport.ErrInvalidKind)
}
