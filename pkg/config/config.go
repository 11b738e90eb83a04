package config

import (
	"fmt"
	"time"

	"callsignal/pkg/constants"
	"callsignal/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	Call     CallConfig
	Log      LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	Environment    string // development, staging, production
	ServiceName    string
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	Audience          string
	AccessTokenExpiry time.Duration
}

// CallConfig holds the registry timing knobs
type CallConfig struct {
	RingTimeout   time.Duration
	EmptyGrace    time.Duration
	MaxDuration   time.Duration
	SweepInterval time.Duration

	// DirectorySeed is a JSON file of users and groups for running without
	// CockroachDB
	DirectorySeed string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// AgentConfig holds configuration for the headless call agent
type AgentConfig struct {
	APIURL         string
	Token          string
	ICEServers     []string
	DeviceBackend  string // synthetic, mediadevices
	AutoAccept     bool
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	Log            LogConfig
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8083),
			Environment:    env.GetString("ENV", "development"),
			ServiceName:    env.GetString("SERVICE_NAME", "call-service"),
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "callsignal"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			Audience:          env.GetString("JWT_AUDIENCE", "callsignal-api"),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", 15*time.Minute),
		},
		Call: CallConfig{
			RingTimeout:   env.GetDuration("CALL_RING_TIMEOUT", constants.CallRingTimeout),
			EmptyGrace:    env.GetDuration("CALL_EMPTY_GRACE", constants.CallEmptyGrace),
			MaxDuration:   env.GetDuration("CALL_MAX_DURATION", constants.MaxCallDuration),
			SweepInterval: env.GetDuration("CALL_SWEEP_INTERVAL", constants.CallSweepInterval),
			DirectorySeed: env.GetString("CALL_DIRECTORY_SEED", ""),
		},
		Log: loadLogConfig("/logs/call-service.log"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
	}
	if c.Call.RingTimeout <= 0 || c.Call.EmptyGrace <= 0 || c.Call.MaxDuration <= 0 {
		return fmt.Errorf("call timeouts must be positive")
	}
	if c.Call.SweepInterval <= 0 {
		return fmt.Errorf("CALL_SWEEP_INTERVAL must be positive")
	}
	return nil
}

// LoadAgent loads the call agent configuration from environment variables
func LoadAgent() (*AgentConfig, error) {
	cfg := &AgentConfig{
		APIURL:         env.GetString("CALL_API_URL", "http://localhost:8083"),
		Token:          env.GetStringFromFile("CALL_TOKEN", ""),
		ICEServers:     env.GetStringSlice("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
		DeviceBackend:  env.GetString("DEVICE_BACKEND", "synthetic"),
		AutoAccept:     env.GetBool("AUTO_ACCEPT", false),
		ConnectTimeout: env.GetDuration("CALL_CONNECT_TIMEOUT", constants.ClientConnectTimeout),
		RequestTimeout: env.GetDuration("CALL_REQUEST_TIMEOUT", constants.DefaultTimeout),
		Log:            loadLogConfig("/logs/call-agent.log"),
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("CALL_TOKEN must be set")
	}
	switch cfg.DeviceBackend {
	case "synthetic", "mediadevices":
	default:
		return nil, fmt.Errorf("unknown DEVICE_BACKEND %q", cfg.DeviceBackend)
	}
	return cfg, nil
}

func loadLogConfig(defaultPath string) LogConfig {
	return LogConfig{
		Level:    env.GetString("LOG_LEVEL", "info"),
		Format:   env.GetString("LOG_FORMAT", "json"),
		Output:   env.GetString("LOG_OUTPUT", "stdout"),
		FilePath: env.GetString("LOG_FILE_PATH", defaultPath),
	}
}
