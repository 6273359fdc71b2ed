// Package config loads zprocd's daemon configuration: socket path,
// connection limits, timeouts, and optional NATS mirroring. Grounded on
// the same spf13/viper config-file idiom used elsewhere in the pack
// (labelmutex.ParseMutexGroups): a file-backed viper instance rather than
// the global viper singleton, so tests can load a config without mutating
// process-wide state.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Daemon holds every setting zprocd's serve command needs.
type Daemon struct {
	SocketPath     string        `mapstructure:"socket_path"`
	MaxConns       int           `mapstructure:"max_conns"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MutationBuffer int           `mapstructure:"mutation_buffer"`

	NATS NATSConfig `mapstructure:"nats"`
}

// NATSConfig configures the optional JetStream mirror. Enabled defaults
// to false: the in-process publisher alone satisfies every requirement
// that doesn't call for an out-of-process observer.
type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// Default returns the configuration used when no file or flags override
// it.
func Default() Daemon {
	return Daemon{
		MaxConns:       100,
		RequestTimeout: 30 * time.Second,
		MutationBuffer: 1000,
	}
}

// Load reads configPath (if it exists) over the defaults. A missing file
// is not an error: zprocd runs fine with defaults alone.
func Load(configPath string) (Daemon, error) {
	cfg := Default()

	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetDefault("max_conns", cfg.MaxConns)
	v.SetDefault("request_timeout", cfg.RequestTimeout)
	v.SetDefault("mutation_buffer", cfg.MutationBuffer)

	if err := v.ReadInConfig(); err != nil {
		return Daemon{}, fmt.Errorf("config: read %s: %w", configPath, err)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return Daemon{}, fmt.Errorf("config: parse %s: %w", configPath, err)
	}
	return cfg, nil
}
