// Package config loads stager configuration from a file and STAGER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"pluginstager/internal/apperrors"
	"pluginstager/internal/registry"
)

// DefaultRepositoryURL is used when no repository is configured.
const DefaultRepositoryURL = "https://repo.maven.apache.org/maven2"

// Hardcoded defaults.
const (
	defaultDestinationDir = "plugins"
	defaultConcurrency    = 4
	defaultStageMode      = "copy"
	defaultConfigName     = "plugin-stager"
)

// Config is the complete stager configuration.
type Config struct {
	CacheDir       string                 `mapstructure:"cacheDir" yaml:"cacheDir"`
	DestinationDir string                 `mapstructure:"destinationDir" yaml:"destinationDir"`
	Catalog        string                 `mapstructure:"catalog" yaml:"catalog,omitempty"` // libs.versions.toml
	Concurrency    int                    `mapstructure:"concurrency" yaml:"concurrency"`
	MetricsAddr    string                 `mapstructure:"metricsAddr" yaml:"metricsAddr,omitempty"`
	Repositories   []RepositoryConfig     `mapstructure:"repositories" yaml:"repositories"`
	Fetch          FetchConfig            `mapstructure:"fetch" yaml:"fetch"`
	Stage          StageConfig            `mapstructure:"stage" yaml:"stage"`
	Artifacts      []registry.Declaration `mapstructure:"artifacts" yaml:"artifacts"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-" yaml:"-"`
}

// RepositoryConfig is one repository. Exactly one of URL and Path is set.
type RepositoryConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	URL       string `mapstructure:"url" yaml:"url,omitempty"`
	Path      string `mapstructure:"path" yaml:"path,omitempty"`
	TokenFile string `mapstructure:"tokenFile" yaml:"tokenFile,omitempty"`
}

// FetchConfig tunes downloads. Zero values use the fetcher's defaults.
type FetchConfig struct {
	Attempts          int           `mapstructure:"attempts" yaml:"attempts,omitempty"`
	InitialBackoff    time.Duration `mapstructure:"initialBackoff" yaml:"initialBackoff,omitempty"`
	MaxBackoff        time.Duration `mapstructure:"maxBackoff" yaml:"maxBackoff,omitempty"`
	Jitter            float64       `mapstructure:"jitter" yaml:"jitter,omitempty"`
	RequestTimeout    time.Duration `mapstructure:"requestTimeout" yaml:"requestTimeout,omitempty"`
	RequestsPerSecond float64       `mapstructure:"requestsPerSecond" yaml:"requestsPerSecond,omitempty"`
	Burst             int           `mapstructure:"burst" yaml:"burst,omitempty"`
	BreakerThreshold  int           `mapstructure:"breakerThreshold" yaml:"breakerThreshold,omitempty"`
	BreakerCooldown   time.Duration `mapstructure:"breakerCooldown" yaml:"breakerCooldown,omitempty"`
}

// StageConfig tunes the stager.
type StageConfig struct {
	Mode string `mapstructure:"mode" yaml:"mode"` // copy or hardlink
}

// envBindings maps config keys to environment variables.
var envBindings = map[string]string{
	"cacheDir":                "STAGER_CACHE_DIR",
	"destinationDir":          "STAGER_DESTINATION_DIR",
	"catalog":                 "STAGER_CATALOG",
	"concurrency":             "STAGER_CONCURRENCY",
	"metricsAddr":             "STAGER_METRICS_ADDR",
	"fetch.attempts":          "STAGER_FETCH_ATTEMPTS",
	"fetch.initialBackoff":    "STAGER_FETCH_INITIAL_BACKOFF",
	"fetch.maxBackoff":        "STAGER_FETCH_MAX_BACKOFF",
	"fetch.jitter":            "STAGER_FETCH_JITTER",
	"fetch.requestTimeout":    "STAGER_FETCH_REQUEST_TIMEOUT",
	"fetch.requestsPerSecond": "STAGER_FETCH_REQUESTS_PER_SECOND",
	"fetch.burst":             "STAGER_FETCH_BURST",
	"fetch.breakerThreshold":  "STAGER_FETCH_BREAKER_THRESHOLD",
	"fetch.breakerCooldown":   "STAGER_FETCH_BREAKER_COOLDOWN",
	"stage.mode":              "STAGER_STAGE_MODE",
}

// Load reads configuration from path, or from plugin-stager.{yaml,toml,json}
// in the working directory when path is empty. Environment variables override
// file values. The result has defaults applied and is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	if err := bindEnvs(v); err != nil {
		return nil, apperrors.Internal("config.load", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Config("config", fmt.Sprintf("read config file %s: %v", path, err))
		}
	} else {
		v.SetConfigName(defaultConfigName)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, apperrors.Config("config", fmt.Sprintf("read config file: %v", err))
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, apperrors.Config("config", fmt.Sprintf("decode config: %v", err))
	}
	cfg.File = v.ConfigFileUsed()
	cfg.resolvePaths()

	c := cfg.withDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("destinationDir", defaultDestinationDir)
	v.SetDefault("concurrency", defaultConcurrency)
	v.SetDefault("stage.mode", defaultStageMode)
}

// bindEnvs binds the environment variables to the viper instance.
func bindEnvs(v *viper.Viper) error {
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return err
		}
	}
	return nil
}

// resolvePaths makes relative paths relative to the config file.
func (c *Config) resolvePaths() {
	if c.File == "" {
		return
	}
	base := filepath.Dir(c.File)
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.CacheDir = abs(c.CacheDir)
	c.DestinationDir = abs(c.DestinationDir)
	c.Catalog = abs(c.Catalog)
	for i := range c.Repositories {
		c.Repositories[i].Path = abs(c.Repositories[i].Path)
		c.Repositories[i].TokenFile = abs(c.Repositories[i].TokenFile)
	}
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.DestinationDir == "" {
		c.DestinationDir = defaultDestinationDir
	}
	if c.CacheDir == "" {
		c.CacheDir = defaultCacheDir()
	}
	if c.Concurrency == 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Stage.Mode == "" {
		c.Stage.Mode = defaultStageMode
	}
	if len(c.Repositories) == 0 {
		c.Repositories = []RepositoryConfig{{Name: "central", URL: DefaultRepositoryURL}}
	}
	return c
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "plugin-stager")
	}
	return filepath.Join(".plugin-stager", "cache")
}

// Validate reports the first invalid setting as a config error. Artifact
// declarations are validated when the registry loads.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DestinationDir) == "" {
		return apperrors.Config("destinationDir", "destinationDir is required")
	}
	if strings.TrimSpace(c.CacheDir) == "" {
		return apperrors.Config("cacheDir", "cacheDir is required")
	}
	if filepath.Clean(c.CacheDir) == filepath.Clean(c.DestinationDir) {
		return apperrors.Config("cacheDir", "cacheDir and destinationDir must differ")
	}
	if c.Concurrency < 1 {
		return apperrors.Config("concurrency", fmt.Sprintf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.Stage.Mode != "copy" && c.Stage.Mode != "hardlink" {
		return apperrors.Config("stage.mode", fmt.Sprintf("stage.mode must be copy or hardlink, got %q", c.Stage.Mode))
	}

	f := c.Fetch
	switch {
	case f.Attempts < 0:
		return apperrors.Config("fetch.attempts", "fetch.attempts must not be negative")
	case f.InitialBackoff < 0, f.MaxBackoff < 0, f.RequestTimeout < 0, f.BreakerCooldown < 0:
		return apperrors.Config("fetch", "fetch durations must not be negative")
	case f.MaxBackoff > 0 && f.InitialBackoff > f.MaxBackoff:
		return apperrors.Config("fetch.initialBackoff", "fetch.initialBackoff must not exceed fetch.maxBackoff")
	case f.Jitter < 0 || f.Jitter > 1:
		return apperrors.Config("fetch.jitter", "fetch.jitter must be between 0 and 1")
	case f.RequestsPerSecond < 0 || f.Burst < 0 || f.BreakerThreshold < 0:
		return apperrors.Config("fetch", "fetch limits must not be negative")
	}

	var names []string
	for i, r := range c.Repositories {
		field := fmt.Sprintf("repositories[%d]", i)
		if r.Name == "" {
			return apperrors.Config(field+".name", field+": name is required")
		}
		if slices.Contains(names, r.Name) {
			return apperrors.Config(field+".name", fmt.Sprintf("%s: repository %q is declared twice", field, r.Name))
		}
		names = append(names, r.Name)
		if (r.URL == "") == (r.Path == "") {
			return apperrors.Config(field, fmt.Sprintf("%s: exactly one of url and path must be set", field))
		}
		if r.TokenFile != "" && r.URL == "" {
			return apperrors.Config(field+".tokenFile", fmt.Sprintf("%s: tokenFile only applies to url repositories", field))
		}
	}
	return nil
}
