// Package config loads the chanwire configuration from file and environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config represents the application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Channel  ChannelConfig  `mapstructure:"channel"`
	Realtime RealtimeConfig `mapstructure:"realtime"`
	Debug    bool           `mapstructure:"debug"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// ChannelConfig contains pub/sub channel settings. An empty URL selects the
// in-process backend; redis:// selects standalone Redis and redis-cluster://
// selects Redis Cluster sharded pub/sub.
type ChannelConfig struct {
	URL            string        `mapstructure:"url"`
	BufferSize     int           `mapstructure:"buffer_size"`
	ReceiveTimeout time.Duration `mapstructure:"receive_timeout"`
	RetryInterval  time.Duration `mapstructure:"retry_interval"`
}

// RealtimeConfig contains realtime/websocket settings.
type RealtimeConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxConnections   int           `mapstructure:"max_connections"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	MessageSizeLimit int64         `mapstructure:"message_size_limit"`
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists (for local development)
	if err := loadEnvFile(); err != nil {
		log.Debug().Err(err).Msg("No .env file loaded")
	}

	viper.SetConfigName("chanwire")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/chanwire")

	setDefaults()

	// Enable environment variable support with underscore replacer
	viper.AutomaticEnv()
	viper.SetEnvPrefix("CHANWIRE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file (if it exists)
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Info().Msg("No config file found, using environment variables and defaults")
	} else {
		log.Info().Str("file", viper.ConfigFileUsed()).Msg("Config file loaded")
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// loadEnvFile loads environment variables from a .env file.
func loadEnvFile() error {
	locations := []string{
		".env",
		".env.local",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			if err := godotenv.Load(location); err != nil {
				return fmt.Errorf("error loading .env file from %s: %w", location, err)
			}
			log.Info().Str("file", location).Msg(".env file loaded")
			return nil
		}
	}

	return fmt.Errorf("no .env file found")
}

// setDefaults sets default configuration values.
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.address", ":8080")
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "15s")
	viper.SetDefault("server.idle_timeout", "60s")

	// Channel defaults
	viper.SetDefault("channel.url", "")
	viper.SetDefault("channel.buffer_size", 1000)
	viper.SetDefault("channel.receive_timeout", "1s")
	viper.SetDefault("channel.retry_interval", "1s")

	// Realtime defaults
	viper.SetDefault("realtime.enabled", true)
	viper.SetDefault("realtime.max_connections", 1000)
	viper.SetDefault("realtime.ping_interval", "30s")
	viper.SetDefault("realtime.message_size_limit", 512*1024) // 512KB

	viper.SetDefault("debug", false)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Channel.URL != "" {
		u, err := url.Parse(c.Channel.URL)
		if err != nil {
			return fmt.Errorf("channel url: %w", err)
		}
		switch u.Scheme {
		case "redis", "rediss", "redis-cluster":
		default:
			return fmt.Errorf("channel url scheme must be redis, rediss or redis-cluster, got %q", u.Scheme)
		}
	}

	if c.Channel.BufferSize < 0 {
		return fmt.Errorf("channel buffer_size must not be negative")
	}

	if c.Realtime.MaxConnections <= 0 {
		return fmt.Errorf("realtime max_connections must be positive")
	}

	return nil
}
