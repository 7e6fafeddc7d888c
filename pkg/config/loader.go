package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "CIRCUITSYNC"

// syncFrameOverhead covers the JSON around a sync update.
const syncFrameOverhead = 1 << 10

// MinMessageBytes is the smallest socket read limit that still admits a sync
// frame carrying maxUpdateBytes. Updates travel as JSON integer arrays, so
// every byte costs up to four characters ("255,").
func MinMessageBytes(maxUpdateBytes int) int64 {
	return 4*int64(maxUpdateBytes) + syncFrameOverhead
}

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	setDefaults(v)

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// the plain PORT variable is what most hosts hand us
	if err := v.BindEnv("server.port", envPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return nil, err
	}

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.corsOrigins", []string{"*"})
	v.SetDefault("server.rateLimit.requests", 60)
	v.SetDefault("server.rateLimit.window", "1m")
	v.SetDefault("server.connectionLimit.maxPerIP", 0)
	v.SetDefault("server.connectionLimit.mode", "reject")
	v.SetDefault("transport.readTimeout", "0s")
	v.SetDefault("transport.pingInterval", "30s")
	v.SetDefault("transport.sendBuffer", 256)
	v.SetDefault("transport.maxMessageBytes", MinMessageBytes(2<<20))
	v.SetDefault("session.reclaimGrace", "2m")
	v.SetDefault("document.maxUpdateBytes", 2<<20)
	v.SetDefault("document.retainAfterSessionEnd", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// defaults are static and always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	switch c.Server.ConnectionLimit.Mode {
	case "reject", "cycle":
	default:
		return fmt.Errorf("invalid connection limit mode '%s'", c.Server.ConnectionLimit.Mode)
	}
	if c.Transport.SendBuffer <= 0 {
		return errors.New("transport.sendBuffer must be positive")
	}
	if c.Document.MaxUpdateBytes <= 0 {
		return errors.New("document.maxUpdateBytes must be positive")
	}
	// a smaller read limit drops the socket before an oversized update can be
	// answered with an error frame
	if floor := MinMessageBytes(c.Document.MaxUpdateBytes); c.Transport.MaxMessageBytes < floor {
		return fmt.Errorf("transport.maxMessageBytes %d is below %d, needed for document.maxUpdateBytes %d",
			c.Transport.MaxMessageBytes, floor, c.Document.MaxUpdateBytes)
	}
	return nil
}
