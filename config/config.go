// Package config loads the relayd runtime configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// DatabaseDSNEnv overrides database.dsn when set.
const DatabaseDSNEnv = "RIGHTLY_DATABASE_DSN"

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for relayd.
type Config struct {
	ListenAddress string          `yaml:"listen"`
	Environment   string          `yaml:"environment"`
	Admin         AdminConfig     `yaml:"admin"`
	Database      DatabaseConfig  `yaml:"database"`
	Chain         ChainConfig     `yaml:"chain"`
	Relayer       RelayerConfig   `yaml:"relayer"`
	Receipts      ReceiptConfig   `yaml:"receipts"`
	IPFS          IPFSConfig      `yaml:"ipfs"`
	Listener      ListenerConfig  `yaml:"listener"`
	Queues        QueuesConfig    `yaml:"queues"`
	Logging       LoggingConfig   `yaml:"logging"`
	Telemetry     TelemetryConfig `yaml:"telemetry"`
}

// AdminConfig secures the operator API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
	BearerTokenEnv  string `yaml:"bearer_token_env"`
}

// DatabaseConfig points at the record store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// ChainConfig identifies the network and the ClipLicense contract.
type ChainConfig struct {
	RPCURL   string `yaml:"rpc_url"`
	ChainID  int64  `yaml:"chain_id"`
	Contract string `yaml:"contract"`
}

// RelayerConfig controls the gas-paying account and submission pacing.
type RelayerConfig struct {
	KeystorePath   string   `yaml:"keystore"`
	PassphraseEnv  string   `yaml:"passphrase_env"`
	SubmitRate     float64  `yaml:"submit_rate"`
	SubmitBurst    int      `yaml:"submit_burst"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
}

// ReceiptConfig holds the platform receipt signing key.
type ReceiptConfig struct {
	SignerKey     string `yaml:"signer_key"`
	SignerKeyFile string `yaml:"signer_key_file"`
	SignerKeyEnv  string `yaml:"signer_key_env"`
}

// IPFSConfig selects where signed receipts are published.
type IPFSConfig struct {
	Provider      string   `yaml:"provider"`
	PinataURL     string   `yaml:"pinata_url"`
	PinataJWT     string   `yaml:"pinata_jwt"`
	PinataJWTEnv  string   `yaml:"pinata_jwt_env"`
	PinataJWTFile string   `yaml:"pinata_jwt_file"`
	Gateway       string   `yaml:"gateway"`
	Timeout       Duration `yaml:"timeout"`
}

// ListenerConfig tunes chain event discovery.
type ListenerConfig struct {
	AutoStart    bool     `yaml:"auto_start"`
	PollInterval Duration `yaml:"poll_interval"`
	SafetyMargin uint64   `yaml:"safety_margin"`
}

// QueueConfig tunes one durable queue.
type QueueConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	Concurrency  int      `yaml:"concurrency"`
	BaseBackoff  Duration `yaml:"base_backoff"`
	MaxBackoff   Duration `yaml:"max_backoff"`
	PollInterval Duration `yaml:"poll_interval"`
	Lease        Duration `yaml:"lease"`
}

// QueuesConfig groups the relay and index queues.
type QueuesConfig struct {
	Relayer QueueConfig `yaml:"relayer"`
	Indexer QueueConfig `yaml:"indexer"`
}

// LoggingConfig controls optional file output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	Metrics  bool              `yaml:"metrics"`
	Traces   bool              `yaml:"traces"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	if dsn := strings.TrimSpace(os.Getenv(DatabaseDSNEnv)); dsn != "" {
		cfg.Database.DSN = dsn
	}
	applyDefaults(&cfg)
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := cfg.Receipts.normalise(); err != nil {
		return cfg, fmt.Errorf("receipt signer: %w", err)
	}
	if err := cfg.IPFS.normalise(); err != nil {
		return cfg, fmt.Errorf("ipfs: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8080"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "data/rightly.db"
	}
	if cfg.Relayer.PassphraseEnv == "" {
		cfg.Relayer.PassphraseEnv = "RIGHTLY_RELAYER_PASSPHRASE"
	}
	if cfg.Relayer.SubmitRate <= 0 {
		cfg.Relayer.SubmitRate = 5
	}
	if cfg.Relayer.SubmitBurst <= 0 {
		cfg.Relayer.SubmitBurst = 5
	}
	if cfg.Relayer.ConfirmTimeout.Duration == 0 {
		cfg.Relayer.ConfirmTimeout.Duration = 3 * time.Minute
	}
	if cfg.IPFS.Provider == "" {
		cfg.IPFS.Provider = "pinata"
	}
	if cfg.IPFS.PinataURL == "" {
		cfg.IPFS.PinataURL = "https://api.pinata.cloud"
	}
	if cfg.IPFS.Gateway == "" {
		cfg.IPFS.Gateway = "https://ipfs.io/ipfs/"
	}
	if cfg.IPFS.Timeout.Duration == 0 {
		cfg.IPFS.Timeout.Duration = 30 * time.Second
	}
	if cfg.Listener.PollInterval.Duration == 0 {
		cfg.Listener.PollInterval.Duration = 15 * time.Second
	}
	if cfg.Listener.SafetyMargin == 0 {
		cfg.Listener.SafetyMargin = 1000
	}
	queueDefaults(&cfg.Queues.Relayer, 3)
	queueDefaults(&cfg.Queues.Indexer, 5)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.MaxSizeMB <= 0 {
		cfg.Logging.MaxSizeMB = 100
	}
}

func queueDefaults(q *QueueConfig, attempts int) {
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = attempts
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 1
	}
	if q.BaseBackoff.Duration == 0 {
		q.BaseBackoff.Duration = time.Second
	}
	if q.MaxBackoff.Duration == 0 {
		q.MaxBackoff.Duration = 5 * time.Minute
	}
	if q.PollInterval.Duration == 0 {
		q.PollInterval.Duration = 250 * time.Millisecond
	}
	if q.Lease.Duration == 0 {
		q.Lease.Duration = 10 * time.Minute
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain chain_id must be positive")
	}
	if !common.IsHexAddress(cfg.Chain.Contract) {
		return fmt.Errorf("chain contract must be a hex address")
	}
	if strings.TrimSpace(cfg.Relayer.KeystorePath) == "" {
		return fmt.Errorf("relayer keystore must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer token must be configured")
	}
	switch cfg.IPFS.Provider {
	case "pinata":
		if cfg.IPFS.PinataJWT == "" {
			return fmt.Errorf("ipfs pinata_jwt must be configured for the pinata provider")
		}
	case "memory":
	default:
		return fmt.Errorf("ipfs provider %q is not supported", cfg.IPFS.Provider)
	}
	if cfg.Queues.Relayer.MaxBackoff.Duration < cfg.Queues.Relayer.BaseBackoff.Duration {
		return fmt.Errorf("queues.relayer max_backoff must be at least base_backoff")
	}
	if cfg.Queues.Indexer.MaxBackoff.Duration < cfg.Queues.Indexer.BaseBackoff.Duration {
		return fmt.Errorf("queues.indexer max_backoff must be at least base_backoff")
	}
	if cfg.Queues.Relayer.Lease.Duration <= cfg.Relayer.ConfirmTimeout.Duration {
		return fmt.Errorf("queues.relayer lease must exceed relayer confirm_timeout")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	token, err := resolveSecret(a.BearerToken, a.BearerTokenEnv, a.BearerTokenFile, "bearer_token")
	if err != nil {
		return err
	}
	a.BearerToken = token
	return nil
}

func (r *ReceiptConfig) normalise() error {
	key, err := resolveSecret(r.SignerKey, r.SignerKeyEnv, r.SignerKeyFile, "signer_key")
	if err != nil {
		return err
	}
	if key == "" {
		return fmt.Errorf("signer_key is required")
	}
	r.SignerKey = key
	return nil
}

func (i *IPFSConfig) normalise() error {
	i.Provider = strings.ToLower(strings.TrimSpace(i.Provider))
	jwt, err := resolveSecret(i.PinataJWT, i.PinataJWTEnv, i.PinataJWTFile, "pinata_jwt")
	if err != nil {
		return err
	}
	i.PinataJWT = jwt
	return nil
}

// resolveSecret returns the inline value, else the named environment
// variable, else the contents of the file. An empty result is not an error.
func resolveSecret(inline, envName, path, field string) (string, error) {
	if value := strings.TrimSpace(inline); value != "" {
		return value, nil
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		value := strings.TrimSpace(os.Getenv(envName))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", field, envName)
		}
		return value, nil
	}
	if path = strings.TrimSpace(path); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", field, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}
