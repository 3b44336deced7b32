// Package config provides YAML-based configuration loading for groupchat.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration, loaded from groupchat.yaml.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Inworld  InworldConfig  `yaml:"inworld"`
	Bot      BotConfig      `yaml:"bot"`
	Relay    RelayConfig    `yaml:"relay"`
	Sessions SessionsConfig `yaml:"sessions"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects and locates the SQL store.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // "mysql" or "sqlite"
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	Path     string `yaml:"path"` // sqlite file path
}

// InworldConfig holds credentials and endpoints for the conversational AI
// service. Key, secret and scene may be supplied through the environment.
type InworldConfig struct {
	APIKey               string `yaml:"api_key" envconfig:"INWORLD_KEY"`
	APISecret            string `yaml:"api_secret" envconfig:"INWORLD_SECRET"`
	Scene                string `yaml:"scene" envconfig:"INWORLD_SCENE"`
	AuthURL              string `yaml:"auth_url"`
	StreamURL            string `yaml:"stream_url"`
	DisconnectTimeoutSec int    `yaml:"disconnect_timeout_sec"`
}

// BotConfig describes the system-owned bot account.
type BotConfig struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
}

// RelayConfig tunes the bot relay pipeline.
type RelayConfig struct {
	MaxAttempts  int    `yaml:"max_attempts"`
	Workers      int    `yaml:"workers"`
	InboundTopic string `yaml:"inbound_topic"`
}

// SessionsConfig controls sweeping of stored bot sessions.
type SessionsConfig struct {
	MaxAgeHours int    `yaml:"max_age_hours"` // 0 disables sweeping
	SweepCron   string `yaml:"sweep_cron"`
}

// PubSubConfig selects the event broker.
type PubSubConfig struct {
	Driver  string `yaml:"driver"` // "gochannel" or "amqp"
	AMQPURL string `yaml:"amqp_url"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text", "json" or "dev"
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config. Environment variables
// override the inworld credentials from the file.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overlays non-empty INWORLD_* variables onto the file values.
func (c *Config) applyEnv() error {
	var env InworldConfig
	if err := envconfig.Process("", &env); err != nil {
		return fmt.Errorf("config: env: %w", err)
	}
	if env.APIKey != "" {
		c.Inworld.APIKey = env.APIKey
	}
	if env.APISecret != "" {
		c.Inworld.APISecret = env.APISecret
	}
	if env.Scene != "" {
		c.Inworld.Scene = env.Scene
	}
	return nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
		if c.Database.Database == "" {
			c.Database.Database = "groupchat"
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "groupchat.db"
		}
	}

	if c.Inworld.AuthURL == "" {
		c.Inworld.AuthURL = "https://api.inworld.ai/v1/sessionTokens/token:generate"
	}
	if c.Inworld.StreamURL == "" {
		c.Inworld.StreamURL = "wss://api.inworld.ai/v1/session/open"
	}
	if c.Inworld.DisconnectTimeoutSec == 0 {
		c.Inworld.DisconnectTimeoutSec = 5
	}

	if c.Bot.ID == "" {
		c.Bot.ID = "shark"
	}
	if c.Bot.Name == "" {
		c.Bot.Name = "Shark AI"
	}

	if c.Relay.MaxAttempts == 0 {
		c.Relay.MaxAttempts = 3
	}
	if c.Relay.Workers == 0 {
		c.Relay.Workers = 8
	}
	if c.Relay.InboundTopic == "" {
		c.Relay.InboundTopic = "bot.inbound"
	}

	if c.Sessions.SweepCron == "" {
		c.Sessions.SweepCron = "0 * * * *"
	}

	if c.PubSub.Driver == "" {
		c.PubSub.Driver = "gochannel"
	}

	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Inworld.APIKey == "" {
		errs = append(errs, "inworld.api_key is required")
	}
	if c.Inworld.APISecret == "" {
		errs = append(errs, "inworld.api_secret is required")
	}
	if c.Inworld.Scene == "" {
		errs = append(errs, "inworld.scene is required")
	}
	if c.Inworld.DisconnectTimeoutSec < 0 {
		errs = append(errs, "inworld.disconnect_timeout_sec must not be negative")
	}
	if c.Relay.MaxAttempts < 1 || c.Relay.MaxAttempts > 3 {
		errs = append(errs, "relay.max_attempts must be between 1 and 3")
	}
	if c.Relay.Workers < 0 {
		errs = append(errs, "relay.workers must not be negative")
	}
	if c.Sessions.MaxAgeHours < 0 {
		errs = append(errs, "sessions.max_age_hours must not be negative")
	}
	switch c.PubSub.Driver {
	case "gochannel":
	case "amqp":
		if c.PubSub.AMQPURL == "" {
			errs = append(errs, "pubsub.amqp_url is required for the amqp driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("pubsub.driver %q is not supported", c.PubSub.Driver))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "dev":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not supported", c.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
