package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/devbrowser/internal/logging"
	"github.com/roelfdiedericks/devbrowser/internal/paths"
)

// Config is the merged devbrowser configuration.
type Config struct {
	Server  ServerConfig  `toml:"server" yaml:"server"`
	Engine  EngineConfig  `toml:"engine" yaml:"engine"`
	Scratch ScratchConfig `toml:"scratch" yaml:"scratch"`
	Logging LoggingConfig `toml:"logging" yaml:"logging"`

	// Source is the config file the values were read from ("" = defaults only).
	Source string `toml:"-" yaml:"-"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host            string `toml:"host" yaml:"host"`
	Port            int    `toml:"port" yaml:"port"`                         // env PORT
	ShutdownTimeout string `toml:"shutdown_timeout" yaml:"shutdown_timeout"` // e.g. "5s"
}

// EngineConfig configures the browser engine.
type EngineConfig struct {
	ChromePath        string `toml:"chrome_path" yaml:"chrome_path"`               // Explicit executable (empty = look up)
	CDP               string `toml:"cdp" yaml:"cdp"`                               // Attach to this endpoint instead of launching
	Dir               string `toml:"dir" yaml:"dir"`                               // Profiles root (empty = ~/.devbrowser/profiles)
	BinDir            string `toml:"bin_dir" yaml:"bin_dir"`                       // Download dir (empty = ~/.devbrowser/bin)
	Profile           string `toml:"profile" yaml:"profile"`                       // Profile name under Dir
	Headless          bool   `toml:"headless" yaml:"headless"`                     // env HEADLESS=true
	Sandbox           bool   `toml:"sandbox" yaml:"sandbox"`                       // Keep Chrome's sandbox (off by default)
	Stealth           bool   `toml:"stealth" yaml:"stealth"`                       // Create pages with go-rod/stealth
	AutoDownload      bool   `toml:"auto_download" yaml:"auto_download"`           // Download Chromium when none is installed
	Device            string `toml:"device" yaml:"device"`                         // Device emulation name
	NavigationTimeout string `toml:"navigation_timeout" yaml:"navigation_timeout"` // e.g. "30s"
}

// ScratchConfig configures the screenshot scratch directory.
type ScratchConfig struct {
	Dir       string `toml:"dir" yaml:"dir"`             // empty = ~/.devbrowser/tmp
	Retention string `toml:"retention" yaml:"retention"` // "0" disables pruning
	Schedule  string `toml:"schedule" yaml:"schedule"`   // cron spec for the janitor
}

// LoggingConfig configures the global logger.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Caller bool   `toml:"caller" yaml:"caller"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "",
			Port:            9222,
			ShutdownTimeout: "5s",
		},
		Engine: EngineConfig{
			Profile:           "browser-data",
			Device:            "laptop", // 1280x800
			NavigationTimeout: "30s",
		},
		Scratch: ScratchConfig{
			Retention: "24h",
			Schedule:  "@every 1h",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the config file at path
// (or the discovered one when path is empty), ./.env and the environment.
func Load(path string) (*Config, error) {
	return load(path, ".env", os.LookupEnv)
}

func load(path, dotenv string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path == "" {
		found, err := paths.ConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	if path != "" {
		fileCfg, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		cfg.Source = path
		logging.L_debug("config: loaded file", "path", path)
	}

	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", dotenv, err)
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile decodes a TOML or YAML config file, chosen by extension.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// Merge overlays the non-zero fields of o onto c.
func (c *Config) Merge(o Config) error {
	return mergo.Merge(c, o, mergo.WithOverride)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("HEADLESS"); ok && v != "" {
		headless, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid HEADLESS %q: %w", v, err)
		}
		c.Engine.Headless = headless
	}

	strs := map[string]*string{
		"DEVBROWSER_HOST":        &c.Server.Host,
		"DEVBROWSER_CHROME":      &c.Engine.ChromePath,
		"DEVBROWSER_CDP":         &c.Engine.CDP,
		"DEVBROWSER_PROFILE_DIR": &c.Engine.Dir,
		"DEVBROWSER_TMP_DIR":     &c.Scratch.Dir,
		"DEVBROWSER_LOG_LEVEL":   &c.Logging.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	return nil
}

func (c *Config) resolvePaths() error {
	resolve := func(dst *string, def func() (string, error)) error {
		if *dst == "" {
			p, err := def()
			if err != nil {
				return err
			}
			*dst = p
			return nil
		}
		p, err := paths.ExpandTilde(*dst)
		if err != nil {
			return err
		}
		*dst = p
		return nil
	}

	if err := resolve(&c.Engine.Dir, paths.ProfilesDir); err != nil {
		return err
	}
	if err := resolve(&c.Engine.BinDir, paths.BinDir); err != nil {
		return err
	}
	if err := resolve(&c.Scratch.Dir, paths.TmpDir); err != nil {
		return err
	}
	if c.Engine.ChromePath != "" {
		p, err := paths.ExpandTilde(c.Engine.ChromePath)
		if err != nil {
			return err
		}
		c.Engine.ChromePath = p
	}
	return nil
}

// Validate checks ranges and duration syntax.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Engine.Profile == "" {
		return fmt.Errorf("engine.profile must not be empty")
	}
	durations := map[string]string{
		"server.shutdown_timeout":   c.Server.ShutdownTimeout,
		"engine.navigation_timeout": c.Engine.NavigationTimeout,
		"scratch.retention":         c.Scratch.Retention,
	}
	for key, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
	}
	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ResolveShutdownTimeout returns the graceful-stop deadline for the transport.
func (s ServerConfig) ResolveShutdownTimeout() time.Duration {
	return parseDurationOr(s.ShutdownTimeout, 5*time.Second)
}

// ResolveNavigationTimeout returns the fixed navigation timeout.
func (e EngineConfig) ResolveNavigationTimeout() time.Duration {
	return parseDurationOr(e.NavigationTimeout, 30*time.Second)
}

// ProfileDir returns the persistent profile directory for the configured profile.
func (e EngineConfig) ProfileDir() string {
	return filepath.Join(e.Dir, e.Profile)
}

// ResolveRetention returns how long scratch screenshots are kept (0 = forever).
func (s ScratchConfig) ResolveRetention() time.Duration {
	return parseDurationOr(s.Retention, 0)
}

func parseDurationOr(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// Encode renders the configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteDefault writes the default configuration to path as TOML.
// It refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	data, err := Default().Encode()
	if err != nil {
		return err
	}
	if err := AtomicWrite(path, data, 0600); err != nil {
		return err
	}
	logging.L_info("config: wrote default config", "path", path)
	return nil
}
