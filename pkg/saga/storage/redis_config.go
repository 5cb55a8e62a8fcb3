// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrInvalidRedisConfig indicates that the Redis configuration is invalid.
	ErrInvalidRedisConfig = errors.New("invalid redis configuration")

	// ErrInvalidDB indicates that the Redis database number is invalid.
	ErrInvalidDB = errors.New("redis database number must be >= 0")
)

// RedisConfig holds the configuration for the Redis backed store.
type RedisConfig struct {
	// Addr is the Redis server address.
	// Default: "localhost:6379"
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`

	// Username for Redis authentication (Redis 6.0+).
	// Optional.
	Username string `json:"username" yaml:"username" mapstructure:"username"`

	// Password for Redis authentication.
	// Optional.
	Password string `json:"password" yaml:"password" mapstructure:"password"`

	// DB is the Redis database number to use. Must be >= 0.
	// Default: 0
	DB int `json:"db" yaml:"db" mapstructure:"db"`

	// KeyPrefix is the prefix for all keys used by the store.
	// Default: "docflow:"
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" mapstructure:"key_prefix"`

	// DialTimeout is the timeout for establishing new connections.
	// Default: 5 seconds
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout" mapstructure:"dial_timeout"`

	// ReadTimeout is the timeout for socket reads.
	// Default: 3 seconds
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" mapstructure:"read_timeout"`

	// WriteTimeout is the timeout for socket writes.
	// Default: 3 seconds
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" mapstructure:"write_timeout"`

	// PoolSize is the maximum number of socket connections.
	// Default: 10
	PoolSize int `json:"pool_size" yaml:"pool_size" mapstructure:"pool_size"`

	// MaxRetries is the maximum number of retries before giving up.
	// Default: 3
	MaxRetries int `json:"max_retries" yaml:"max_retries" mapstructure:"max_retries"`
}

// DefaultRedisConfig returns a RedisConfig with default values.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "docflow:",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MaxRetries:   3,
	}
}

// ApplyDefaults applies default values to unset fields.
func (c *RedisConfig) ApplyDefaults() {
	d := DefaultRedisConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.PoolSize == 0 {
		c.PoolSize = d.PoolSize
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = d.MaxRetries
	}
}

// Validate validates the Redis configuration and returns an error if invalid.
func (c *RedisConfig) Validate() error {
	if c == nil {
		return ErrInvalidRedisConfig
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidRedisConfig)
	}
	if c.DB < 0 {
		return ErrInvalidDB
	}
	if c.PoolSize < 0 {
		return fmt.Errorf("%w: pool_size must be >= 0", ErrInvalidRedisConfig)
	}
	if c.DialTimeout < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("%w: timeouts must be >= 0", ErrInvalidRedisConfig)
	}
	return nil
}

// Options converts the configuration into client options.
func (c *RedisConfig) Options() *redis.Options {
	return &redis.Options{
		Addr:         c.Addr,
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  c.DialTimeout,
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PoolSize:     c.PoolSize,
		MaxRetries:   c.MaxRetries,
	}
}
