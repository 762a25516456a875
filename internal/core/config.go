package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is read from the working directory when no path is given.
const DefaultConfigFile = "assetflow.yaml"

// Config is the optional project configuration.
type Config struct {
	// Root is the project directory; Source and Output are relative to it.
	Root   string `yaml:"root"`
	Source string `yaml:"source"`
	Output string `yaml:"output"`

	Server    ServerConfig    `yaml:"server"`
	Watch     WatchConfig     `yaml:"watch"`
	Images    ImagesConfig    `yaml:"images"`
	WebP      WebPConfig      `yaml:"webp"`
	Sass      SassConfig      `yaml:"sass"`
	HTML      HTMLConfig      `yaml:"html"`
	History   HistoryConfig   `yaml:"history"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	CORS bool   `yaml:"cors"`
}

type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce"`
}

type ImagesConfig struct {
	PNGLevel    string `yaml:"png_level"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

type WebPConfig struct {
	Binary  string `yaml:"binary"`
	Quality int    `yaml:"quality"`
}

type SassConfig struct {
	Binary       string   `yaml:"binary"`
	IncludePaths []string `yaml:"include_paths"`
}

type HTMLConfig struct {
	Minify bool `yaml:"minify"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type DeployConfig struct {
	Host       string        `yaml:"host"`
	Port       int           `yaml:"port"`
	User       string        `yaml:"user"`
	KeyPath    string        `yaml:"key_path"`
	KnownHosts string        `yaml:"known_hosts"`
	AcceptNew  bool          `yaml:"accept_new_host_keys"`
	RemoteDir  string        `yaml:"remote_dir"`
	Retries    int           `yaml:"retries"`
	Timeout    time.Duration `yaml:"timeout"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// DefaultConfig returns the built-in layout: source/ compiled into build/.
func DefaultConfig() Config {
	return Config{
		Root:   ".",
		Source: "source",
		Output: "build",
		Server: ServerConfig{Host: "localhost", Port: 3000, CORS: true},
		Images: ImagesConfig{PNGLevel: "best", JPEGQuality: 85},
		WebP:   WebPConfig{Binary: "cwebp", Quality: 90},
		Sass:   SassConfig{Binary: "sass"},
		HTML:   HTMLConfig{Minify: true},
		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(".assetflow", "history.db"),
		},
		Deploy: DeployConfig{
			Port:       22,
			KeyPath:    filepath.Join(".assetflow", "id_ed25519"),
			KnownHosts: filepath.Join(".assetflow", "known_hosts"),
			Retries:    2,
			Timeout:    30 * time.Second,
		},
		Telemetry: TelemetryConfig{Enabled: true},
	}
}

// LoadConfig reads YAML configuration from path over the defaults. With an
// empty path, assetflow.yaml in the working directory is used when present.
// Deploy credentials from assetflow.env and ASSETFLOW_DEPLOY_* variables are
// merged afterwards.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
		if cfg.Root == "" || cfg.Root == "." {
			cfg.Root = filepath.Dir(path)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	secrets, err := LoadSecretsEnv(filepath.Join(cfg.Root, SecretsFile))
	if err != nil {
		return cfg, err
	}
	ApplyDeploySecrets(&cfg.Deploy, secrets, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the fields the build depends on.
func (c Config) Validate() error {
	switch {
	case c.Source == "":
		return errors.New("config: source is empty")
	case c.Output == "":
		return errors.New("config: output is empty")
	case filepath.Clean(c.Source) == filepath.Clean(c.Output):
		return errors.New("config: source and output must differ")
	case c.Server.Port < 0 || c.Server.Port > 65535:
		return fmt.Errorf("config: invalid server port %d", c.Server.Port)
	case c.Watch.Debounce < 0:
		return errors.New("config: negative watch debounce")
	}
	return nil
}

// SourceDir returns the absolute source root.
func (c Config) SourceDir() string { return c.Abs(c.Source) }

// OutputDir returns the absolute output root.
func (c Config) OutputDir() string { return c.Abs(c.Output) }

// HistoryPath returns the absolute history database path.
func (c Config) HistoryPath() string { return c.Abs(c.History.Path) }

// Abs resolves p against the project root.
func (c Config) Abs(p string) string {
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.Root, p)
	}
	if a, err := filepath.Abs(p); err == nil {
		return a
	}
	return p
}
