package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Session   SessionConfig
	Document  DocumentConfig
	Log       LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	CORSOrigins     []string              `mapstructure:"corsOrigins"`
	RateLimit       RateLimitConfig       `mapstructure:"rateLimit"`
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

// Address is the host:port the HTTP server listens on.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type RateLimitConfig struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type ConnectionLimitConfig struct {
	MaxPerIP int    `mapstructure:"maxPerIP"`
	Mode     string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	// ReadTimeout bounds the wait for each client frame. Zero waits forever and
	// leaves liveness to PingInterval.
	ReadTimeout     time.Duration `mapstructure:"readTimeout"`
	PingInterval    time.Duration `mapstructure:"pingInterval"`
	SendBuffer      int           `mapstructure:"sendBuffer"`
	MaxMessageBytes int64         `mapstructure:"maxMessageBytes"`
}

type SessionConfig struct {
	// ReclaimGrace is how long a user's membership survives after their last
	// connection closes.
	ReclaimGrace time.Duration `mapstructure:"reclaimGrace"`
}

type DocumentConfig struct {
	MaxUpdateBytes        int  `mapstructure:"maxUpdateBytes"`
	RetainAfterSessionEnd bool `mapstructure:"retainAfterSessionEnd"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
