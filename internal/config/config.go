// Package config provides Viper-based configuration loading for the room server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// HTTPConfig holds the HTTP listener settings shared by the REST API and the
// websocket endpoint.
type HTTPConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host"`
	// Port is the TCP port.
	Port int `mapstructure:"port"`
	// ReadTimeout bounds reading a request's headers and body.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds writing one websocket frame or REST response.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// PongWait is how long a websocket may stay silent before it is considered dead.
	PongWait time.Duration `mapstructure:"pong_wait"`
	// PingPeriod is the websocket ping interval; must be shorter than PongWait.
	PingPeriod time.Duration `mapstructure:"ping_period"`
	// MaxMessageBytes caps a single inbound websocket message.
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int `mapstructure:"send_buffer"`
	// AllowedOrigins lists accepted websocket Origin headers; empty accepts any.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// GameServerConfig holds gRPC streaming transport settings.
type GameServerConfig struct {
	// Enabled turns the gRPC transport on.
	Enabled bool `mapstructure:"enabled"`
	// GRPCHost is the bind address for the gRPC service.
	GRPCHost string `mapstructure:"grpc_host"`
	// GRPCPort is the TCP port for the gRPC service.
	GRPCPort int `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (g GameServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", g.GRPCHost, g.GRPCPort)
}

// DatabaseConfig holds PostgreSQL connection settings for room metadata and accounts.
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// RedisConfig holds the room occupancy publisher settings.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	// NodeID distinguishes this process's rooms from other nodes'.
	NodeID string `mapstructure:"node_id"`
	// QueueSize bounds pending occupancy updates.
	QueueSize int `mapstructure:"queue_size"`
}

// AuthConfig holds session token settings.
type AuthConfig struct {
	// Secret is the HMAC key for signing tokens.
	Secret string `mapstructure:"secret"`
	// Issuer is stamped into and required on every token.
	Issuer string `mapstructure:"issuer"`
	// TokenTTL is the lifetime of an issued token.
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	// RequireToken rejects realtime connections without a valid token.
	RequireToken bool `mapstructure:"require_token"`
}

// LimitsConfig holds per-room and per-connection hardening limits.
type LimitsConfig struct {
	// MaxRoomMembers caps room size; 0 means unlimited.
	MaxRoomMembers int `mapstructure:"max_room_members"`
	// UpdateRate is the sustained updates per second allowed per connection; 0 disables limiting.
	UpdateRate float64 `mapstructure:"update_rate"`
	// UpdateBurst is the number of updates allowed in a burst.
	UpdateBurst int `mapstructure:"update_burst"`
	// AnimationCatalog is the path to the animation YAML; empty accepts any index.
	AnimationCatalog string `mapstructure:"animation_catalog"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	GameServer GameServerConfig `mapstructure:"gameserver"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	validators := []func() error{
		func() error { return validateHTTP(c.HTTP) },
		func() error { return validateGameServer(c.GameServer) },
		func() error { return validateDatabase(c.Database) },
		func() error { return validateRedis(c.Redis) },
		func() error { return validateAuth(c.Auth, c.Database.Enabled) },
		func() error { return validateLimits(c.Limits) },
		func() error { return validateLogging(c.Logging) },
	}
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateHTTP(h HTTPConfig) error {
	var errs []string
	if h.Port < 1 || h.Port > 65535 {
		errs = append(errs, fmt.Sprintf("http.port must be 1-65535, got %d", h.Port))
	}
	if h.ReadTimeout < 0 {
		errs = append(errs, "http.read_timeout must not be negative")
	}
	if h.WriteTimeout <= 0 {
		errs = append(errs, "http.write_timeout must be positive")
	}
	if h.PongWait <= 0 {
		errs = append(errs, "http.pong_wait must be positive")
	}
	if h.PingPeriod <= 0 || h.PingPeriod >= h.PongWait {
		errs = append(errs, fmt.Sprintf("http.ping_period must be positive and shorter than http.pong_wait (%s), got %s", h.PongWait, h.PingPeriod))
	}
	if h.MaxMessageBytes < 1 {
		errs = append(errs, fmt.Sprintf("http.max_message_bytes must be >= 1, got %d", h.MaxMessageBytes))
	}
	if h.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("http.send_buffer must be >= 1, got %d", h.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateGameServer(g GameServerConfig) error {
	if !g.Enabled {
		return nil
	}
	var errs []string
	if g.GRPCHost == "" {
		errs = append(errs, "gameserver.grpc_host must not be empty")
	}
	if g.GRPCPort < 1 || g.GRPCPort > 65535 {
		errs = append(errs, fmt.Sprintf("gameserver.grpc_port must be 1-65535, got %d", g.GRPCPort))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	if !d.Enabled {
		return nil
	}
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRedis(r RedisConfig) error {
	if !r.Enabled {
		return nil
	}
	var errs []string
	if r.Addr == "" {
		errs = append(errs, "redis.addr must not be empty")
	}
	if r.DB < 0 {
		errs = append(errs, fmt.Sprintf("redis.db must be >= 0, got %d", r.DB))
	}
	if r.NodeID == "" {
		errs = append(errs, "redis.node_id must not be empty")
	}
	if r.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("redis.queue_size must be >= 1, got %d", r.QueueSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// validateAuth checks a; tokens are only issued after a password check, which
// needs the account database.
func validateAuth(a AuthConfig, databaseEnabled bool) error {
	var errs []string
	if a.RequireToken && len(a.Secret) < 16 {
		errs = append(errs, "auth.secret must be at least 16 bytes when auth.require_token is set")
	}
	if a.RequireToken && !databaseEnabled {
		errs = append(errs, "auth.require_token requires database.enabled")
	}
	if a.Secret != "" && a.Issuer == "" {
		errs = append(errs, "auth.issuer must not be empty when auth.secret is set")
	}
	if a.TokenTTL <= 0 {
		errs = append(errs, "auth.token_ttl must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLimits(l LimitsConfig) error {
	var errs []string
	if l.MaxRoomMembers < 0 {
		errs = append(errs, fmt.Sprintf("limits.max_room_members must be >= 0, got %d", l.MaxRoomMembers))
	}
	if l.UpdateRate < 0 {
		errs = append(errs, fmt.Sprintf("limits.update_rate must be >= 0, got %g", l.UpdateRate))
	}
	if l.UpdateRate > 0 && l.UpdateBurst < 1 {
		errs = append(errs, "limits.update_burst must be >= 1 when limits.update_rate is set")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := NewViper()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// NewViper returns a Viper instance with defaults and ROOMSYNC_ environment overrides applied.
func NewViper() *viper.Viper {
	v := viper.New()

	// Environment variable overrides with ROOMSYNC_ prefix
	v.SetEnvPrefix("ROOMSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 4004)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.pong_wait", "60s")
	v.SetDefault("http.ping_period", "54s")
	v.SetDefault("http.max_message_bytes", 4096)
	v.SetDefault("http.send_buffer", 256)
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("gameserver.enabled", false)
	v.SetDefault("gameserver.grpc_host", "127.0.0.1")
	v.SetDefault("gameserver.grpc_port", 50051)

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "roomsync")
	v.SetDefault("database.password", "roomsync")
	v.SetDefault("database.name", "roomsync")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "roomsync")
	v.SetDefault("redis.node_id", "node-1")
	v.SetDefault("redis.queue_size", 1024)

	v.SetDefault("auth.issuer", "roomsync")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.require_token", false)

	v.SetDefault("limits.max_room_members", 10)
	v.SetDefault("limits.update_rate", 60)
	v.SetDefault("limits.update_burst", 30)
	v.SetDefault("limits.animation_catalog", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
