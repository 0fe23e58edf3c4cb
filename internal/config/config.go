// Package config loads hevec configuration from defaults, a YAML file and
// HEVEC_ environment variables.
package config

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opaque/hevec"
	"github.com/opaque/hevec/internal/ledger"
	"github.com/opaque/hevec/internal/service"
	"github.com/opaque/hevec/pkg/crypto"
	"github.com/opaque/hevec/pkg/embeddings"
	hverr "github.com/opaque/hevec/pkg/errors"
	"github.com/opaque/hevec/pkg/server"
)

// FileName is the config file looked up when no path is given.
const FileName = "hevec.yaml"

// EnvPrefix prefixes every environment override, e.g. HEVEC_LEDGER_DRIVER.
const EnvPrefix = "HEVEC"

// Config is the top-level hevec configuration.
type Config struct {
	Context   ContextConfig   `mapstructure:"context" yaml:"context"`
	Identity  IdentityConfig  `mapstructure:"identity" yaml:"identity"`
	Ledger    LedgerConfig    `mapstructure:"ledger" yaml:"ledger"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Debug     bool            `mapstructure:"debug" yaml:"debug"`
}

// ContextConfig locates the CKKS context and describes the one keygen builds.
type ContextConfig struct {
	Path       string                   `mapstructure:"path" yaml:"path"`
	LogScale   int                      `mapstructure:"log_scale" yaml:"log_scale"`
	Dimension  int                      `mapstructure:"dimension" yaml:"dimension"`
	Parameters crypto.ParametersLiteral `mapstructure:"parameters" yaml:"parameters"`
}

type IdentityConfig struct {
	KeyPath  string `mapstructure:"key_path" yaml:"key_path"`
	Disabled bool   `mapstructure:"disabled" yaml:"disabled"`
}

// LedgerConfig selects the record storage backend.
type LedgerConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"`
	Path        string `mapstructure:"path" yaml:"path"`
	DSN         string `mapstructure:"dsn" yaml:"dsn,omitempty"`
	Compression string `mapstructure:"compression" yaml:"compression"`
}

type SearchConfig struct {
	TopK        int `mapstructure:"top_k" yaml:"top_k"`
	Parallelism int `mapstructure:"parallelism" yaml:"parallelism"`
	WorkerPool  int `mapstructure:"worker_pool" yaml:"worker_pool"`
}

// EmbeddingConfig points at the external text embedding service.
type EmbeddingConfig struct {
	BaseURL   string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
}

// ServerConfig controls the gRPC and HTTP listeners of `hevec serve`.
type ServerConfig struct {
	GRPCListen     string `mapstructure:"grpc_listen" yaml:"grpc_listen"`
	HTTPListen     string `mapstructure:"http_listen" yaml:"http_listen"`
	DecryptResults bool   `mapstructure:"decrypt_results" yaml:"decrypt_results"`
	MaxTopK        int    `mapstructure:"max_top_k" yaml:"max_top_k"`
	TLSCert        string `mapstructure:"tls_cert" yaml:"tls_cert,omitempty"`
	TLSKey         string `mapstructure:"tls_key" yaml:"tls_key,omitempty"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Context: ContextConfig{
			Path:       "he_context.bin",
			LogScale:   40,
			Dimension:  384,
			Parameters: crypto.DefaultParametersLiteral(),
		},
		Identity: IdentityConfig{
			KeyPath: "identity.key",
		},
		Ledger: LedgerConfig{
			Driver:      ledger.DriverSQLite,
			Path:        ".",
			Compression: ledger.CompressionNone,
		},
		Search: SearchConfig{
			TopK: 10,
		},
		Embedding: EmbeddingConfig{
			BaseURL:   embeddings.DefaultConfig().BaseURL,
			Timeout:   30 * time.Second,
			BatchSize: 64,
		},
		Server: ServerConfig{
			GRPCListen:     "127.0.0.1:50051",
			HTTPListen:     "127.0.0.1:8080",
			DecryptResults: true,
			MaxTopK:        service.DefaultConfig().MaxTopK,
		},
	}
}

// SetDefaults registers every field of Default on v, so environment
// variables can override keys that no file mentions.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("context.path", d.Context.Path)
	v.SetDefault("context.log_scale", d.Context.LogScale)
	v.SetDefault("context.dimension", d.Context.Dimension)
	v.SetDefault("context.parameters.log_n", d.Context.Parameters.LogN)
	v.SetDefault("context.parameters.log_q", d.Context.Parameters.LogQ)
	v.SetDefault("context.parameters.log_p", d.Context.Parameters.LogP)
	v.SetDefault("context.parameters.log_default_scale", d.Context.Parameters.LogDefaultScale)

	v.SetDefault("identity.key_path", d.Identity.KeyPath)
	v.SetDefault("identity.disabled", d.Identity.Disabled)

	v.SetDefault("ledger.driver", d.Ledger.Driver)
	v.SetDefault("ledger.path", d.Ledger.Path)
	v.SetDefault("ledger.dsn", d.Ledger.DSN)
	v.SetDefault("ledger.compression", d.Ledger.Compression)

	v.SetDefault("search.top_k", d.Search.TopK)
	v.SetDefault("search.parallelism", d.Search.Parallelism)
	v.SetDefault("search.worker_pool", d.Search.WorkerPool)

	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.timeout", d.Embedding.Timeout)
	v.SetDefault("embedding.batch_size", d.Embedding.BatchSize)

	v.SetDefault("server.grpc_listen", d.Server.GRPCListen)
	v.SetDefault("server.http_listen", d.Server.HTTPListen)
	v.SetDefault("server.decrypt_results", d.Server.DecryptResults)
	v.SetDefault("server.max_top_k", d.Server.MaxTopK)
	v.SetDefault("server.tls_cert", d.Server.TLSCert)
	v.SetDefault("server.tls_key", d.Server.TLSKey)

	v.SetDefault("debug", d.Debug)
}

// SetupEnv maps HEVEC_ environment variables onto config keys, replacing
// dots with underscores.
func SetupEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ReadFile reads path into v. An empty path searches the working
// directory, $HOME/.config/hevec and /etc/hevec for hevec.yaml; finding
// none is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return hverr.Wrap(err, hverr.CodeConfigLoadReadFailure, "failed to read config", hverr.FieldPath(path))
		}
		return nil
	}

	// No SetConfigType: with it viper also tries the bare name, which is
	// the hevec binary when run from its build directory.
	v.SetConfigName(strings.TrimSuffix(FileName, filepath.Ext(FileName)))
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/hevec")
	v.AddConfigPath("/etc/hevec")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return hverr.Wrap(err, hverr.CodeConfigParseInvalidFormat, "failed to parse config")
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults, environment overrides
// and the config file applied.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	SetupEnv(v)

	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return v, nil
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, hverr.Wrap(err, hverr.CodeConfigParseInvalidFormat, "failed to decode config")
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, hverr.Wrap(errors.Join(errs...), hverr.CodeConfigValidateInvalidValue, "invalid config")
	}
	return &cfg, nil
}

// Load reads configuration from path (or the discovered hevec.yaml) with
// HEVEC_ environment overrides.
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// Save writes cfg as YAML. Existing files are replaced; parent directories
// are created.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return hverr.Wrap(err, hverr.CodeConfigParseInvalidFormat, "failed to encode config")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return hverr.Wrap(err, hverr.CodeConfigLoadReadFailure, "failed to create config directory", hverr.FieldPath(dir))
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return hverr.Wrap(err, hverr.CodeConfigLoadReadFailure, "failed to write config", hverr.FieldPath(path))
	}
	return nil
}

// Validate checks the configuration for logical errors. Every problem is
// reported, not just the first.
func (c *Config) Validate() []error {
	var errs []error

	errs = append(errs, c.validateContext()...)
	errs = append(errs, c.validateLedger()...)
	errs = append(errs, c.validateSearch()...)
	errs = append(errs, c.validateServer()...)

	if !c.Identity.Disabled && c.Identity.KeyPath == "" {
		errs = append(errs, invalid("config: identity.key_path is required unless identity.disabled is set"))
	}
	if c.Embedding.Timeout < 0 {
		errs = append(errs, invalid("config: embedding.timeout must not be negative, got %s", c.Embedding.Timeout))
	}

	return errs
}

func (c *Config) validateContext() []error {
	var errs []error

	if c.Context.Path == "" {
		errs = append(errs, invalid("config: context.path is required"))
	}
	if c.Context.Dimension <= 0 {
		errs = append(errs, invalid("config: context.dimension must be positive, got %d", c.Context.Dimension))
	}
	if c.Context.LogScale < 0 {
		errs = append(errs, invalid("config: context.log_scale must not be negative, got %d", c.Context.LogScale))
	}

	p := c.Context.Parameters
	if p.LogN < 10 || p.LogN > 17 {
		errs = append(errs, invalid("config: context.parameters.log_n must be in [10, 17], got %d", p.LogN))
	}
	if len(p.LogQ) < 2 {
		errs = append(errs, invalid("config: context.parameters.log_q needs at least two moduli, got %d", len(p.LogQ)))
	}
	if len(p.LogP) == 0 {
		errs = append(errs, invalid("config: context.parameters.log_p is required"))
	}
	if p.LogN > 0 && c.Context.Dimension > 1<<(p.LogN-1) {
		errs = append(errs, invalid("config: context.dimension %d exceeds the %d slots of log_n %d",
			c.Context.Dimension, 1<<(p.LogN-1), p.LogN))
	}

	return errs
}

func (c *Config) validateLedger() []error {
	var errs []error

	switch c.Ledger.Driver {
	case ledger.DriverSQLite:
		if c.Ledger.Path == "" {
			errs = append(errs, invalid("config: ledger.path is required for the sqlite driver"))
		}
	case ledger.DriverPostgres:
		if c.Ledger.DSN == "" {
			errs = append(errs, invalid("config: ledger.dsn is required for the postgres driver"))
		}
	case ledger.DriverMemory:
	default:
		errs = append(errs, invalid("config: ledger.driver must be one of [sqlite, postgres, memory], got %q", c.Ledger.Driver))
	}

	switch c.Ledger.Compression {
	case ledger.CompressionNone, ledger.CompressionZstd, "":
	default:
		errs = append(errs, invalid("config: ledger.compression must be one of [none, zstd], got %q", c.Ledger.Compression))
	}

	return errs
}

func (c *Config) validateSearch() []error {
	var errs []error

	if c.Search.TopK <= 0 {
		errs = append(errs, invalid("config: search.top_k must be positive, got %d", c.Search.TopK))
	}
	if c.Search.Parallelism < 0 {
		errs = append(errs, invalid("config: search.parallelism must not be negative, got %d", c.Search.Parallelism))
	}
	if c.Search.WorkerPool < 0 {
		errs = append(errs, invalid("config: search.worker_pool must not be negative, got %d", c.Search.WorkerPool))
	}

	return errs
}

func (c *Config) validateServer() []error {
	var errs []error

	for key, addr := range map[string]string{
		"server.grpc_listen": c.Server.GRPCListen,
		"server.http_listen": c.Server.HTTPListen,
	} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			errs = append(errs, invalid("config: %s must be host:port, got %q", key, addr))
		}
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, invalid("config: server.tls_cert and server.tls_key must be set together"))
	}
	if c.Server.MaxTopK < 0 {
		errs = append(errs, invalid("config: server.max_top_k must not be negative, got %d", c.Server.MaxTopK))
	}

	return errs
}

func invalid(format string, args ...any) error {
	return hverr.Errorf(hverr.CodeConfigValidateInvalidValue, format, args...)
}

// StoreConfig maps the configuration onto the options hevec.Open takes.
func (c *Config) StoreConfig(log *zap.Logger) hevec.Config {
	cfg := hevec.Config{
		Dimension:        c.Context.Dimension,
		ContextPath:      c.Context.Path,
		ExpectedLogScale: c.Context.LogScale,
		Ledger:           c.LedgerOptions(log),
		WorkerPoolSize:   c.Search.WorkerPool,
		Parallelism:      c.Search.Parallelism,
		Logger:           log,
	}
	if !c.Identity.Disabled {
		cfg.IdentityKeyPath = c.Identity.KeyPath
	}
	return cfg
}

func (c *Config) LedgerOptions(log *zap.Logger) ledger.Options {
	return ledger.Options{
		Driver:      c.Ledger.Driver,
		Path:        c.Ledger.Path,
		DSN:         c.Ledger.DSN,
		Compression: c.Ledger.Compression,
		Logger:      log,
	}
}

// ServiceConfig returns the transport-facing service settings.
func (c *Config) ServiceConfig() service.Config {
	cfg := service.DefaultConfig()
	cfg.DefaultTopK = c.Search.TopK
	cfg.DecryptResults = c.Server.DecryptResults
	if c.Server.MaxTopK > 0 {
		cfg.MaxTopK = c.Server.MaxTopK
	}
	return cfg
}

func (c *Config) HTTPConfig() server.Config {
	cfg := server.DefaultConfig()
	cfg.Address = c.Server.HTTPListen
	return cfg
}

func (c *Config) EmbeddingConfig(log *zap.Logger) embeddings.Config {
	return embeddings.Config{
		BaseURL:   c.Embedding.BaseURL,
		Timeout:   c.Embedding.Timeout,
		BatchSize: c.Embedding.BatchSize,
		Logger:    log,
	}
}
