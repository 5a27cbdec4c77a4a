package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"aibridge/pkg/models"
)

// Config holds everything a bridge instance needs to elect, serve, and follow.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMisses     int           `mapstructure:"heartbeat_misses"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	MaxElectionAttempts int           `mapstructure:"max_election_attempts"`
	DialTimeout         time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout        time.Duration `mapstructure:"write_timeout"`
	SendBuffer          int           `mapstructure:"send_buffer"`

	StateMessageTypes []string `mapstructure:"state_message_types"`

	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
	Output   string `mapstructure:"output"`
}

// TracingConfig mirrors tracing.Config.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

// LoadConfig reads an optional YAML file and AIBRIDGE_* environment variables on top of
// the defaults. An empty path searches the working directory and ~/.aibridge.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AIBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("aibridge")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.aibridge")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return decode(v)
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 3011)

	v.SetDefault("heartbeat_interval", 3*time.Second)
	v.SetDefault("heartbeat_misses", 3)
	v.SetDefault("shutdown_grace", 5*time.Second)
	v.SetDefault("retry_delay", 2*time.Second)
	v.SetDefault("max_election_attempts", 5)
	v.SetDefault("dial_timeout", 2*time.Second)
	v.SetDefault("write_timeout", 5*time.Second)
	v.SetDefault("send_buffer", 256)

	v.SetDefault("state_message_types", models.DefaultStateTypes)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.sampling_rate", 1.0)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the election and heartbeat protocols cannot work with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeat_interval must be positive")
	}
	if c.HeartbeatMisses < 3 {
		return fmt.Errorf("heartbeat_misses must be at least 3, got %d", c.HeartbeatMisses)
	}
	if c.ShutdownGrace <= 0 {
		return errors.New("shutdown_grace must be positive")
	}
	if c.RetryDelay < 0 {
		return errors.New("retry_delay must not be negative")
	}
	if c.MaxElectionAttempts < 1 {
		return fmt.Errorf("max_election_attempts must be at least 1, got %d", c.MaxElectionAttempts)
	}
	if c.DialTimeout <= 0 || c.WriteTimeout <= 0 {
		return errors.New("dial_timeout and write_timeout must be positive")
	}
	if c.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be at least 1, got %d", c.SendBuffer)
	}
	return nil
}

// Address is the well-known host:port every instance contends for.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// URL is the websocket endpoint followers dial.
func (c *Config) URL() string {
	return "ws://" + c.Address() + "/"
}

// HeartbeatTimeout is how long a connection may stay silent before it is declared dead.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatMisses) * c.HeartbeatInterval
}
