// Package config loads the server configuration: built-in defaults, then an
// optional YAML file, then ORGANLEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "organledger"

const (
	LedgerEmbedded = "embedded"
	LedgerGateway  = "gateway"
)

type Config struct {
	Debug      bool             `yaml:"debug"      split_words:"true"`
	HTTP       HTTPConfig       `yaml:"http"       split_words:"true"`
	RPC        RPCConfig        `yaml:"rpc"        split_words:"true"`
	Database   DatabaseConfig   `yaml:"database"   split_words:"true"`
	Ledger     LedgerConfig     `yaml:"ledger"     split_words:"true"`
	Kafka      KafkaConfig      `yaml:"kafka"      split_words:"true"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap"  split_words:"true"`
	Allocation AllocationConfig `yaml:"allocation" split_words:"true"`
	Governance GovernanceConfig `yaml:"governance" split_words:"true"`
	Retry      RetryConfig      `yaml:"retry"      split_words:"true"`
	Metrics    MetricsConfig    `yaml:"metrics"    split_words:"true"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr"            split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" split_words:"true"`
}

type RPCConfig struct {
	Socket string `yaml:"socket" split_words:"true"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" split_words:"true"`
	DSN    string `yaml:"dsn"    split_words:"true"`
}

type LedgerConfig struct {
	Mode string `yaml:"mode" split_words:"true"`
	// Path is the embedded ledger's LevelDB directory; empty keeps it in memory.
	Path    string        `yaml:"path"    split_words:"true"`
	URL     string        `yaml:"url"     split_words:"true"`
	Token   string        `yaml:"token"   split_words:"true"`
	Timeout time.Duration `yaml:"timeout" split_words:"true"`
	// Serve exposes the embedded ledger over HTTP on this address so other
	// instances can use it in gateway mode.
	Serve string `yaml:"serve" split_words:"true"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers" split_words:"true"`
	Topic   string   `yaml:"topic"   split_words:"true"`
}

func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

type BootstrapConfig struct {
	AdminEmail    string `yaml:"adminEmail"    split_words:"true"`
	AdminPassword string `yaml:"adminPassword" split_words:"true"`
}

type AllocationConfig struct {
	AppointmentLeadTime time.Duration `yaml:"appointmentLeadTime" split_words:"true"`
	UrgencyWeight       int           `yaml:"urgencyWeight"       split_words:"true"`
	WaitBonusInterval   time.Duration `yaml:"waitBonusInterval"   split_words:"true"`
	MaxWaitBonus        int           `yaml:"maxWaitBonus"        split_words:"true"`
	// MatchInterval runs the matching pass periodically; zero disables it.
	MatchInterval time.Duration `yaml:"matchInterval" split_words:"true"`
}

type GovernanceConfig struct {
	// EmergencyPasswordHash is a bcrypt hash. Emergency finalization is
	// disabled while it is empty.
	EmergencyPasswordHash string        `yaml:"emergencyPasswordHash" split_words:"true"`
	ExpiryGrace           time.Duration `yaml:"expiryGrace"           split_words:"true"`
	ExecutionLease        time.Duration `yaml:"executionLease"        split_words:"true"`
}

type RetryConfig struct {
	Attempts     int           `yaml:"attempts"     split_words:"true"`
	InitialDelay time.Duration `yaml:"initialDelay" split_words:"true"`
	Multiplier   float64       `yaml:"multiplier"   split_words:"true"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled" split_words:"true"`
}

func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		RPC:      RPCConfig{Socket: "/tmp/organledger.sock"},
		Database: DatabaseConfig{Driver: "sqlite", DSN: "organledger.db"},
		Ledger: LedgerConfig{
			Mode:    LedgerEmbedded,
			Path:    "organledger-ledger",
			Timeout: 20 * time.Second,
		},
		Kafka: KafkaConfig{Topic: "organledger.notifications"},
		Bootstrap: BootstrapConfig{
			AdminEmail:    "admin@organledger.local",
			AdminPassword: "admin",
		},
		Allocation: AllocationConfig{
			AppointmentLeadTime: 2 * time.Hour,
			UrgencyWeight:       10,
			WaitBonusInterval:   30 * 24 * time.Hour,
		},
		Governance: GovernanceConfig{
			ExpiryGrace:    30 * 24 * time.Hour,
			ExecutionLease: 5 * time.Minute,
		},
		Retry: RetryConfig{
			Attempts:     3,
			InitialDelay: 2 * time.Second,
			Multiplier:   2,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load builds the configuration. When configFile is empty the user and system
// locations are tried in that order; a missing file there is not an error.
func Load(configFile string) (*Config, error) {
	cfg := Default()

	if configFile == "" {
		configFile = findConfigFile()
	}
	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file %s: %w", configFile, err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		userPath := filepath.Join(homeDir, ".organledger", "organledger.yaml")
		if _, err := os.Stat(userPath); err == nil {
			return userPath
		}
	}
	systemPath := "/etc/organledger/organledger.yaml"
	if _, err := os.Stat(systemPath); err == nil {
		return systemPath
	}
	return ""
}

func (c *Config) normalize() {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	c.Ledger.Mode = strings.ToLower(strings.TrimSpace(c.Ledger.Mode))
	c.Bootstrap.AdminEmail = strings.ToLower(strings.TrimSpace(c.Bootstrap.AdminEmail))
	brokers := c.Kafka.Brokers[:0]
	for _, b := range c.Kafka.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	c.Kafka.Brokers = brokers
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("invalid database driver %q (must be 'sqlite' or 'postgres')", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database dsn is required"))
	}
	switch c.Ledger.Mode {
	case LedgerEmbedded:
	case LedgerGateway:
		if c.Ledger.URL == "" {
			errs = append(errs, errors.New("ledger url is required in gateway mode"))
		}
		if c.Ledger.Serve != "" {
			errs = append(errs, errors.New("ledger serve is only available in embedded mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid ledger mode %q (must be 'embedded' or 'gateway')", c.Ledger.Mode))
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		errs = append(errs, errors.New("kafka topic is required when brokers are set"))
	}
	if c.Retry.Attempts < 0 {
		errs = append(errs, fmt.Errorf("retry attempts must not be negative, got %d", c.Retry.Attempts))
	}
	if c.Retry.InitialDelay <= 0 {
		errs = append(errs, fmt.Errorf("retry initial delay must be positive, got %s", c.Retry.InitialDelay))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	if c.Allocation.UrgencyWeight <= 0 {
		errs = append(errs, fmt.Errorf("urgency weight must be positive, got %d", c.Allocation.UrgencyWeight))
	}
	if c.Allocation.WaitBonusInterval <= 0 {
		errs = append(errs, fmt.Errorf("wait bonus interval must be positive, got %s", c.Allocation.WaitBonusInterval))
	}
	if c.Governance.ExecutionLease <= 0 {
		errs = append(errs, fmt.Errorf("execution lease must be positive, got %s", c.Governance.ExecutionLease))
	}
	return errors.Join(errs...)
}
