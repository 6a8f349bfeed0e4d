package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"secureconnect-calls/pkg/env"
	"secureconnect-calls/pkg/logger"
)

// Config holds all configuration for a binary
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       logger.Config
	Call      CallConfig
	WebRTC    WebRTCConfig
	Media     MediaConfig
	Signaling SignalingConfig
	Agent     AgentConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int    `validate:"min=1,max=65535"`
	Environment string `validate:"oneof=development staging production"`

	// AllowedOrigins is checked on websocket upgrades and CORS requests
	AllowedOrigins []string
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Enabled  bool
	Host     string `validate:"required_if=Enabled true"`
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int `validate:"min=1"`
	MinConns int `validate:"min=0,ltefield=MaxConns"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `validate:"required"`
	Port     int
	Password string
	DB       int
	PoolSize int `validate:"min=1"`
	Timeout  time.Duration
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret      string
	TokenExpiry time.Duration `validate:"gt=0"`
}

// CallConfig is the session policy of the coordinator
type CallConfig struct {
	RingTimeout          time.Duration `validate:"gt=0"`
	MaxReconnectAttempts int           `validate:"min=0,max=10"`
	PublishMaxAttempts   int           `validate:"min=1"`
	PublishBackoff       time.Duration `validate:"gt=0"`
	PublishMaxBackoff    time.Duration `validate:"gtefield=PublishBackoff"`
	PublishTimeout       time.Duration `validate:"gt=0"`
	DedupTTL             time.Duration `validate:"gt=0"`
	PersistTimeout       time.Duration `validate:"gt=0"`
}

// WebRTCConfig configures peer transports
type WebRTCConfig struct {
	ICEServers          []string `validate:"dive,startswith=stun:|startswith=turn:|startswith=turns:"`
	TURNUsername        string
	TURNCredential      string
	DisconnectedTimeout time.Duration `validate:"gt=0"`
	FailedTimeout       time.Duration `validate:"gt=0"`
	KeepAliveInterval   time.Duration `validate:"gt=0"`
	// IncludeLoopback gathers 127.0.0.1 candidates, for peers on one host
	IncludeLoopback bool
}

// MediaConfig points the capture adapter at its sample sources
type MediaConfig struct {
	AudioFile  string
	VideoFile  string
	ScreenFile string
}

// SignalingConfig configures both the hub and its clients
type SignalingConfig struct {
	URL               string
	Token             string
	ReconnectAttempts int           `validate:"min=0"`
	PingInterval      time.Duration `validate:"gt=0"`
	MaxConnections    int           `validate:"min=1"`
	SnapshotTimeout   time.Duration `validate:"gt=0"`
}

// AgentConfig identifies the local user of a call agent
type AgentConfig struct {
	UserID uuid.UUID
	// Peers are the conversation members assumed when no database is configured
	Peers         []uuid.UUID
	MembershipTTL time.Duration `validate:"gt=0"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:           env.GetInt("PORT", 8080),
			Environment:    env.GetString("ENV", "development"),
			AllowedOrigins: env.GetSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Database: DatabaseConfig{
			Enabled:  env.GetBool("DB_ENABLED", true),
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "secureconnect"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 10),
			MinConns: env.GetInt("DB_MIN_CONNS", 1),
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
			Secret:      env.GetStringFromFile("JWT_SECRET", ""),
			TokenExpiry: env.GetDuration("JWT_TOKEN_EXPIRY", 15*time.Minute),
		},
		Log: logger.Config{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Call: CallConfig{
			RingTimeout:          env.GetDuration("CALL_RING_TIMEOUT", 45*time.Second),
			MaxReconnectAttempts: env.GetInt("CALL_MAX_RECONNECT_ATTEMPTS", 1),
			PublishMaxAttempts:   env.GetInt("CALL_PUBLISH_MAX_ATTEMPTS", 5),
			PublishBackoff:       env.GetDuration("CALL_PUBLISH_BACKOFF", 200*time.Millisecond),
			PublishMaxBackoff:    env.GetDuration("CALL_PUBLISH_MAX_BACKOFF", 3*time.Second),
			PublishTimeout:       env.GetDuration("CALL_PUBLISH_TIMEOUT", 5*time.Second),
			DedupTTL:             env.GetDuration("CALL_DEDUP_TTL", 10*time.Minute),
			PersistTimeout:       env.GetDuration("CALL_PERSIST_TIMEOUT", 3*time.Second),
		},
		WebRTC: WebRTCConfig{
			ICEServers:          env.GetSlice("WEBRTC_ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			TURNUsername:        env.GetString("WEBRTC_TURN_USERNAME", ""),
			TURNCredential:      env.GetStringFromFile("WEBRTC_TURN_CREDENTIAL", ""),
			DisconnectedTimeout: env.GetDuration("WEBRTC_ICE_DISCONNECTED_TIMEOUT", 5*time.Second),
			FailedTimeout:       env.GetDuration("WEBRTC_ICE_FAILED_TIMEOUT", 25*time.Second),
			KeepAliveInterval:   env.GetDuration("WEBRTC_ICE_KEEPALIVE_INTERVAL", 2*time.Second),
			IncludeLoopback:     env.GetBool("WEBRTC_INCLUDE_LOOPBACK", false),
		},
		Media: MediaConfig{
			AudioFile:  env.GetString("MEDIA_AUDIO_FILE", ""),
			VideoFile:  env.GetString("MEDIA_VIDEO_FILE", ""),
			ScreenFile: env.GetString("MEDIA_SCREEN_FILE", ""),
		},
		Signaling: SignalingConfig{
			URL:               env.GetString("SIGNALING_URL", "ws://localhost:8081/v1/signaling/ws"),
			Token:             env.GetStringFromFile("SIGNALING_TOKEN", ""),
			ReconnectAttempts: env.GetInt("SIGNALING_RECONNECT_ATTEMPTS", 5),
			PingInterval:      env.GetDuration("SIGNALING_PING_INTERVAL", 30*time.Second),
			MaxConnections:    env.GetInt("SIGNALING_MAX_CONNECTIONS", 1000),
			SnapshotTimeout:   env.GetDuration("SIGNALING_SNAPSHOT_TIMEOUT", 5*time.Second),
		},
		Agent: AgentConfig{
			UserID:        env.GetUUID("AGENT_USER_ID"),
			Peers:         env.GetUUIDSlice("AGENT_PEERS"),
			MembershipTTL: env.GetDuration("AGENT_MEMBERSHIP_TTL", time.Minute),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Server.Environment == "production" && len(c.JWT.Secret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
	}
	if c.JWT.Secret == "" {
		logger.Warn("JWT_SECRET is empty; tokens cannot be validated")
	}
	return nil
}
