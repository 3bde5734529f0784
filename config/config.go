// Package config loads toolkit settings from YAML or TOML files, a local
// .env file, and TOOLKIT_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/toolkit/calllog"
	"github.com/petal-labs/toolkit/logging"
)

const (
	EnvDBPath       = "TOOLKIT_DB_PATH"
	EnvServerAddr   = "TOOLKIT_SERVER_ADDR"
	EnvOTLPEndpoint = "TOOLKIT_OTLP_ENDPOINT"

	secretEnvPrefix = "env:"
)

var (
	projectConfigNames = []string{"toolkit.yaml", "toolkit.toml"}
	homeConfigNames    = []string{"config.yaml", "config.toml"}
)

// Config is the full toolkit configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tail      TailConfig      `yaml:"tail" toml:"tail"`
	Webhooks  WebhooksConfig  `yaml:"webhooks" toml:"webhooks"`
	Audit     AuditConfig     `yaml:"audit" toml:"audit"`
	Logging   logging.Config  `yaml:"logging" toml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// StorageConfig locates the SQLite database shared by the call log and
// webhook stores.
type StorageConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// ServerConfig configures `toolkit serve`.
type ServerConfig struct {
	Addr            string        `yaml:"addr" toml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// TailConfig tunes live tailing.
type TailConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" toml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size" toml:"batch_size"`
}

// WebhooksConfig tunes the dispatcher and declares startup registrations.
type WebhooksConfig struct {
	Timeout         time.Duration        `yaml:"timeout" toml:"timeout"`
	Backoff         time.Duration        `yaml:"backoff" toml:"backoff"`
	MaxBackoff      time.Duration        `yaml:"max_backoff" toml:"max_backoff"`
	MaxConcurrency  int                  `yaml:"max_concurrency" toml:"max_concurrency"`
	RefreshInterval time.Duration        `yaml:"refresh_interval" toml:"refresh_interval"`
	Register        []WebhookDeclaration `yaml:"register" toml:"register"`
}

// WebhookDeclaration is a registration applied at startup. Secret accepts an
// env:NAME reference.
type WebhookDeclaration struct {
	URL     string `yaml:"url" toml:"url"`
	Tool    string `yaml:"tool" toml:"tool"`
	Secret  string `yaml:"secret" toml:"secret"`
	Retries int    `yaml:"retries" toml:"retries"`
}

// AuditConfig configures scheduled replay audits. An empty schedule
// disables them.
type AuditConfig struct {
	Schedule string   `yaml:"schedule" toml:"schedule"`
	Sample   int      `yaml:"sample" toml:"sample"`
	Tools    []string `yaml:"tools" toml:"tools"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool   `yaml:"insecure" toml:"insecure"`
	ServiceName string `yaml:"service_name" toml:"service_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            "127.0.0.1:8000",
			ShutdownTimeout: 10 * time.Second,
		},
		Tail: TailConfig{
			PollInterval: calllog.DefaultPollInterval,
			BatchSize:    calllog.DefaultTailBatchSize,
		},
		Webhooks: WebhooksConfig{
			Timeout: 10 * time.Second,
			Backoff: 500 * time.Millisecond,
		},
		Audit: AuditConfig{Sample: 20},
		Logging: logging.Config{
			Level:  "info",
			Format: logging.FormatConsole,
		},
		Telemetry: TelemetryConfig{ServiceName: "toolkit"},
	}
}

// DBPath returns the configured database path or the default location.
func (c Config) DBPath() (string, error) {
	if p := strings.TrimSpace(c.Storage.Path); p != "" {
		return p, nil
	}
	return calllog.DefaultSQLitePath()
}

// Load reads the config at path over Default. An empty path yields the
// defaults with environment overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if clean := strings.TrimSpace(path); clean != "" {
		if err := decodeFile(clean, &cfg); err != nil {
			return Config{}, err
		}
		cfg.Storage.Path = resolveRelative(filepath.Dir(clean), cfg.Storage.Path)
	}
	applyEnvOverrides(&cfg)
	if err := cfg.resolveSecrets(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Resolve loads .env from the working directory, discovers the config file
// and loads it. The returned path is empty when no file was found.
func Resolve(explicitPath string) (Config, string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, "", fmt.Errorf("config: resolve working directory: %w", err)
	}
	if err := LoadDotEnv(cwd); err != nil {
		return Config{}, "", err
	}
	path, _, err := DiscoverPath(explicitPath)
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := Load(path)
	if err != nil {
		return Config{}, "", err
	}
	return cfg, path, nil
}

// LoadDotEnv loads dir/.env if present. Variables already set in the
// process environment win.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// DiscoverPath resolves the config location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve working directory: %w", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("config: resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, home)
}

// DiscoverPathFrom is DiscoverPath with explicit directories. An explicit
// path that does not exist is an error; otherwise a missing file is not.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		clean = filepath.Clean(clean)
		info, err := os.Stat(clean)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", false, fmt.Errorf("config: file %q not found", clean)
			}
			return "", false, fmt.Errorf("config: checking %q: %w", clean, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config: %q is a directory", clean)
		}
		return clean, true, nil
	}

	var candidates []string
	for _, name := range projectConfigNames {
		candidates = append(candidates, filepath.Join(cwd, name))
	}
	for _, name := range homeConfigNames {
		candidates = append(candidates, filepath.Join(homeDir, ".toolkit", name))
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("config: checking %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Validate rejects values that no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Tail.PollInterval < 0 {
		errs = append(errs, errors.New("tail.poll_interval must not be negative"))
	}
	if c.Tail.BatchSize < 0 {
		errs = append(errs, errors.New("tail.batch_size must not be negative"))
	}
	if c.Webhooks.Timeout < 0 || c.Webhooks.Backoff < 0 || c.Webhooks.MaxBackoff < 0 {
		errs = append(errs, errors.New("webhooks durations must not be negative"))
	}
	if c.Webhooks.MaxConcurrency < 0 {
		errs = append(errs, errors.New("webhooks.max_concurrency must not be negative"))
	}
	for i, decl := range c.Webhooks.Register {
		if strings.TrimSpace(decl.URL) == "" {
			errs = append(errs, fmt.Errorf("webhooks.register[%d]: url is required", i))
		}
		if decl.Retries < 0 {
			errs = append(errs, fmt.Errorf("webhooks.register[%d]: retries must not be negative", i))
		}
	}
	if c.Audit.Sample < 0 {
		errs = append(errs, errors.New("audit.sample must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// ResolveSecret expands an env:NAME reference. Other values are returned
// unchanged.
func ResolveSecret(value string) (string, error) {
	clean := strings.TrimSpace(value)
	if !strings.HasPrefix(clean, secretEnvPrefix) {
		return value, nil
	}
	name := strings.TrimSpace(strings.TrimPrefix(clean, secretEnvPrefix))
	if name == "" {
		return "", errors.New("config: empty env secret reference")
	}
	secret, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("config: secret env %s is not set", name)
	}
	return secret, nil
}

func (c *Config) resolveSecrets() error {
	for i := range c.Webhooks.Register {
		decl := &c.Webhooks.Register[i]
		decl.URL = os.ExpandEnv(strings.TrimSpace(decl.URL))
		secret, err := ResolveSecret(decl.Secret)
		if err != nil {
			return fmt.Errorf("%w (webhooks.register[%d])", err, i)
		}
		decl.Secret = secret
	}
	return nil
}

func decodeFile(path string, cfg *Config) error {
	// #nosec G304 -- path comes from explicit flag or discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %q: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("config: parsing %q: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parsing %q: %w", path, err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDBPath)); v != "" {
		cfg.Storage.Path = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvServerAddr)); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		cfg.Telemetry.Endpoint = v
	}
}

func resolveRelative(baseDir, p string) string {
	clean := strings.TrimSpace(p)
	if clean == "" || clean == ":memory:" || strings.HasPrefix(clean, "file:") {
		return clean
	}
	clean = filepath.Clean(os.ExpandEnv(clean))
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
