// Package config loads runspace settings from defaults, an optional config
// file, a .env file and RUNSPACE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	runspace "github.com/telnet2/go-practice/go-runspace"
	"github.com/telnet2/go-practice/go-runspace/engine"
	"github.com/telnet2/go-practice/go-runspace/internal/logging"
	"github.com/telnet2/go-practice/go-runspace/transport"
)

// FileNames are looked up, in order, when Load is given no path.
var FileNames = []string{"runspace.yaml", "runspace.yml", "runspace.json", "runspace.jsonc"}

// Config is the merged runspace configuration.
type Config struct {
	Transport      string         `yaml:"transport"`
	HostPath       string         `yaml:"host_path"`
	HostArgs       []string       `yaml:"host_args"`
	SocketDir      string         `yaml:"socket_dir"`
	DriveRoot      string         `yaml:"drive_root"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	GracePeriod    time.Duration  `yaml:"grace_period"`
	Command        string         `yaml:"command"`
	Parameters     map[string]any `yaml:"parameters"`
	Filters        []string       `yaml:"filters"`
	LogLevel       string         `yaml:"log_level"`
	LogPretty      bool           `yaml:"log_pretty"`

	// Source is the config file that was loaded, if any.
	Source string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Transport:      transport.NamedChannel.String(),
		HostPath:       transport.DefaultHostPath,
		ConnectTimeout: 10 * time.Second,
		GracePeriod:    2 * time.Second,
		Command:        runspace.DefaultCommand,
		Filters:        []string{runspace.DefaultFilter},
		LogLevel:       "INFO",
	}
}

// Load builds the configuration (priority order, lowest first):
// 1. Built-in defaults
// 2. The config file at path, or the first of FileNames in the working directory
// 3. A .env file next to the config file (or in the working directory)
// 4. RUNSPACE_* environment variables
//
// An explicit path that does not exist is an error; a missing default file is not.
func Load(path string) (*Config, error) {
	cfg := Default()

	dir := "."
	if path == "" {
		for _, name := range FileNames {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
		cfg.Source = path
		dir = filepath.Dir(path)
	}

	env, err := readDotEnv(filepath.Join(dir, ".env"))
	if err != nil {
		return nil, err
	}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && v != "" {
			env[k] = v
		}
	}
	if err := applyEnvOverrides(cfg, env); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes a YAML, JSON or JSONC file over cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// Strip JSONC comments using tidwall/jsonc; JSON is valid YAML.
		data = jsonc.ToJSON(data)
	}
	data = interpolate(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// interpolate replaces {env:VAR} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func readDotEnv(path string) (map[string]string, error) {
	env, err := godotenv.Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return env, nil
}

// applyEnvOverrides applies RUNSPACE_* variables from env.
func applyEnvOverrides(cfg *Config, env map[string]string) error {
	strs := map[string]*string{
		"RUNSPACE_TRANSPORT":  &cfg.Transport,
		"RUNSPACE_HOST_PATH":  &cfg.HostPath,
		"RUNSPACE_SOCKET_DIR": &cfg.SocketDir,
		"RUNSPACE_DRIVE_ROOT": &cfg.DriveRoot,
		"RUNSPACE_LOG_LEVEL":  &cfg.LogLevel,
	}
	for name, field := range strs {
		if v := env[name]; v != "" {
			*field = v
		}
	}

	durations := map[string]*time.Duration{
		"RUNSPACE_CONNECT_TIMEOUT": &cfg.ConnectTimeout,
		"RUNSPACE_GRACE_PERIOD":    &cfg.GracePeriod,
	}
	for name, field := range durations {
		v := env[name]
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return &runspace.ConfigurationError{Field: name, Value: v, Err: err}
		}
		*field = d
	}
	return nil
}

// Kind parses the configured transport.
func (c *Config) Kind() (transport.Kind, error) {
	kind, err := transport.ParseKind(c.Transport)
	if err != nil {
		return 0, &runspace.ConfigurationError{Field: "transport", Value: c.Transport, Err: err}
	}
	return kind, nil
}

// Validate reports the first invalid setting as a *runspace.ConfigurationError.
func (c *Config) Validate() error {
	if _, err := c.Kind(); err != nil {
		return err
	}
	if c.ConnectTimeout < 0 {
		return &runspace.ConfigurationError{Field: "connect_timeout", Value: c.ConnectTimeout.String(), Err: errors.New("must not be negative")}
	}
	if c.GracePeriod < 0 {
		return &runspace.ConfigurationError{Field: "grace_period", Value: c.GracePeriod.String(), Err: errors.New("must not be negative")}
	}
	for name := range c.Parameters {
		if !engine.ValidName(name) {
			return &runspace.ConfigurationError{Field: "parameters", Value: name, Err: runspace.ErrInvalidCommand}
		}
	}
	for i, f := range c.Filters {
		if strings.TrimSpace(f) == "" {
			return &runspace.ConfigurationError{Field: fmt.Sprintf("filters[%d]", i), Value: f, Err: errors.New("empty expression")}
		}
	}
	return nil
}

// TransportOptions returns the channel options described by c.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		HostPath:       c.HostPath,
		HostArgs:       append([]string(nil), c.HostArgs...),
		SocketDir:      c.SocketDir,
		ConnectTimeout: c.ConnectTimeout,
		GracePeriod:    c.GracePeriod,
		Engine:         engine.Options{DriveRoot: c.DriveRoot},
	}
}

// Orchestrator returns the orchestrator configuration described by c.
func (c *Config) Orchestrator() (runspace.Config, error) {
	kind, err := c.Kind()
	if err != nil {
		return runspace.Config{}, err
	}
	return runspace.Config{
		Transport: kind,
		Options:   c.TransportOptions(),
		Command:   c.Command,
		Filters:   append([]string(nil), c.Filters...),
	}, nil
}

// Logging returns the logger configuration described by c.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(c.LogLevel)
	cfg.Pretty = c.LogPretty
	return cfg
}
