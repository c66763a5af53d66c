// Package types provides configuration types for the screener backend.
package types

import (
	"time"
)

// ServerConfig represents server configuration
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	WebSocketPath  string        `json:"websocketPath" mapstructure:"websocket_path"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EnableMetrics  bool          `json:"enableMetrics" mapstructure:"enable_metrics"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowed_origins"`
}

// DefaultServerConfig returns sensible defaults
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "localhost",
		Port:           8080,
		WebSocketPath:  "/ws",
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		EnableMetrics:  true,
		AllowedOrigins: []string{"*"},
	}
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	Backend string      `json:"backend" mapstructure:"backend"` // "file" or "redis"
	DataDir string      `json:"dataDir" mapstructure:"data_dir"`
	Redis   RedisConfig `json:"redis" mapstructure:"redis"`
}

// RedisConfig represents Redis connection settings
type RedisConfig struct {
	Addr      string        `json:"addr" mapstructure:"addr"`
	Password  string        `json:"password" mapstructure:"password"`
	DB        int           `json:"db" mapstructure:"db"`
	KeyPrefix string        `json:"keyPrefix" mapstructure:"key_prefix"`
	PoolSize  int           `json:"poolSize" mapstructure:"pool_size"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

// DefaultStorageConfig returns the file backend rooted at ./data
func DefaultStorageConfig() StorageConfig {
	return StorageConfig{
		Backend: "file",
		DataDir: "./data",
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "screener:",
			PoolSize:  10,
			Timeout:   3 * time.Second,
		},
	}
}
