// Package config loads service settings from an optional .env file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/mystify/realtime/internal/eventlog"
	"github.com/mystify/realtime/internal/messaging"
	"github.com/mystify/realtime/internal/presence"
	"github.com/mystify/realtime/internal/ws"
)

// Config holds the application configuration.
type Config struct {
	ListenAddr            string        `mapstructure:"LISTEN_ADDR"`
	ServerName            string        `mapstructure:"SERVER_NAME"`
	WorkerPoolSize        int           `mapstructure:"WORKER_POOL_SIZE"`
	MaxConnections        int           `mapstructure:"MAX_CONNECTIONS"`
	MaxConnectionsPerUser int           `mapstructure:"MAX_CONNECTIONS_PER_USER"`
	ReadTimeout           time.Duration `mapstructure:"READ_TIMEOUT"`
	WriteTimeout          time.Duration `mapstructure:"WRITE_TIMEOUT"`
	RequestTimeout        time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	HeartbeatInterval     time.Duration `mapstructure:"HEARTBEAT_INTERVAL"`
	HeartbeatTimeout      time.Duration `mapstructure:"HEARTBEAT_TIMEOUT"`
	AllowQueryUserID      bool          `mapstructure:"ALLOW_QUERY_USER_ID"`
	AllowedOrigins        []string      `mapstructure:"ALLOWED_ORIGINS"`

	RedisAddr     string `mapstructure:"REDIS_ADDR"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`
	RedisDB       int    `mapstructure:"REDIS_DB"`

	// DatabaseURL selects the Postgres event log. Empty keeps the log in
	// memory, which is only suitable for a single development instance.
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	DBMaxOpenConns int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	MigrateOnStart bool   `mapstructure:"MIGRATE_ON_START"`

	// NATSURL selects the cross-instance broker. Empty fans out in process.
	NATSURL string `mapstructure:"NATS_URL"`

	TypingTTL          time.Duration `mapstructure:"TYPING_TTL"`
	SubscriptionBuffer int           `mapstructure:"SUBSCRIPTION_BUFFER"`
	BlockURLs          bool          `mapstructure:"BLOCK_URLS"`
	BlockPhones        bool          `mapstructure:"BLOCK_PHONES"`
}

func setDefaults(v *viper.Viper) {
	server := ws.DefaultServerConfig()
	db := eventlog.DefaultPostgresConfig()

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "ws-1"
	}

	v.SetDefault("LISTEN_ADDR", server.ListenAddr)
	v.SetDefault("SERVER_NAME", hostname)
	v.SetDefault("WORKER_POOL_SIZE", server.WorkerPoolSize)
	v.SetDefault("MAX_CONNECTIONS", server.MaxConnections)
	v.SetDefault("MAX_CONNECTIONS_PER_USER", server.MaxConnectionsPerUser)
	v.SetDefault("READ_TIMEOUT", server.ReadTimeout)
	v.SetDefault("WRITE_TIMEOUT", server.WriteTimeout)
	v.SetDefault("REQUEST_TIMEOUT", ws.DefaultRequestTimeout)
	v.SetDefault("HEARTBEAT_INTERVAL", server.Heartbeat.Interval)
	v.SetDefault("HEARTBEAT_TIMEOUT", server.Heartbeat.Timeout)
	v.SetDefault("ALLOW_QUERY_USER_ID", false)
	v.SetDefault("ALLOWED_ORIGINS", []string{"*"})

	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", db.MaxOpenConns)
	v.SetDefault("MIGRATE_ON_START", true)

	v.SetDefault("NATS_URL", "")

	v.SetDefault("TYPING_TTL", presence.DefaultTTL)
	v.SetDefault("SUBSCRIPTION_BUFFER", 256)
	v.SetDefault("BLOCK_URLS", true)
	v.SetDefault("BLOCK_PHONES", true)
}

// Load reads .env from each dir in order (the working directory when none
// is given), then overlays the environment.
func Load(dirs ...string) (*Config, error) {
	v := viper.New()
	if len(dirs) == 0 {
		dirs = []string{"."}
	}
	for _, dir := range dirs {
		v.AddConfigPath(dir)
	}
	v.SetConfigName(".env")
	v.SetConfigType("env")
	setDefaults(v)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read .env: %w", err)
		}
		log.Println("[config] .env file not found, loading from environment variables")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.ListenAddr == "":
		return fmt.Errorf("config: LISTEN_ADDR is required")
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("config: WORKER_POOL_SIZE must be positive, got %d", c.WorkerPoolSize)
	case c.MaxConnectionsPerUser < 0:
		return fmt.Errorf("config: MAX_CONNECTIONS_PER_USER must not be negative, got %d", c.MaxConnectionsPerUser)
	case c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0:
		return fmt.Errorf("config: heartbeat interval and timeout must be positive")
	case c.RedisAddr == "":
		return fmt.Errorf("config: REDIS_ADDR is required")
	}
	return nil
}

// Server returns the WebSocket server settings.
func (c *Config) Server() ws.ServerConfig {
	return ws.ServerConfig{
		ListenAddr:            c.ListenAddr,
		WorkerPoolSize:        c.WorkerPoolSize,
		MaxConnections:        c.MaxConnections,
		MaxConnectionsPerUser: c.MaxConnectionsPerUser,
		ReadTimeout:           c.ReadTimeout,
		WriteTimeout:          c.WriteTimeout,
		AllowQueryUserID:      c.AllowQueryUserID,
		Heartbeat: ws.HeartbeatConfig{
			Interval: c.HeartbeatInterval,
			Timeout:  c.HeartbeatTimeout,
		},
	}
}

// Postgres returns the event log database settings.
func (c *Config) Postgres() eventlog.PostgresConfig {
	pc := eventlog.DefaultPostgresConfig()
	pc.URL = c.DatabaseURL
	if c.DBMaxOpenConns > 0 {
		pc.MaxOpenConns = c.DBMaxOpenConns
	}
	return pc
}

// NATS returns the broker connection settings.
func (c *Config) NATS() messaging.NATSConfig {
	nc := messaging.DefaultNATSConfig()
	nc.URL = c.NATSURL
	nc.Name = "realtime-" + c.ServerName
	return nc
}
