// Package config wraps viper behind a nil-safe accessor type for the demo
// host. A Config built from a nil viper returns zero values rather than
// panicking.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config provides read access to host configuration.
type Config struct {
	v *viper.Viper
}

// New wraps an existing viper instance. A nil viper yields a Config whose
// getters return zero values.
func New(v *viper.Viper) *Config {
	return &Config{v: v}
}

// Load reads the config file at path. An empty path or a missing file
// yields an empty Config; a file that exists but cannot be parsed is an
// error.
func Load(path string) (*Config, error) {
	if path == "" {
		return New(nil), nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return New(nil), nil
		}
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	return New(v), nil
}

func (c *Config) GetString(key string) string {
	if c == nil || c.v == nil {
		return ""
	}
	return c.v.GetString(key)
}

func (c *Config) GetInt(key string) int {
	if c == nil || c.v == nil {
		return 0
	}
	return c.v.GetInt(key)
}

func (c *Config) GetBool(key string) bool {
	if c == nil || c.v == nil {
		return false
	}
	return c.v.GetBool(key)
}

func (c *Config) GetDuration(key string) time.Duration {
	if c == nil || c.v == nil {
		return 0
	}
	return c.v.GetDuration(key)
}

func (c *Config) IsSet(key string) bool {
	if c == nil || c.v == nil {
		return false
	}
	return c.v.IsSet(key)
}

// Sub returns the subtree rooted at key. A missing subtree returns an
// empty Config, never nil.
func (c *Config) Sub(key string) *Config {
	if c == nil || c.v == nil {
		return New(nil)
	}
	return New(c.v.Sub(key))
}

// Unmarshal decodes the configuration into target.
func (c *Config) Unmarshal(target any) error {
	if c == nil || c.v == nil {
		return nil
	}
	return c.v.Unmarshal(target)
}
