// Package config holds the server configuration: the recognized
// options, their defaults, and loading from flags, environment
// variables, and JSON files.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/searchktools/hive-server/core/asgi"
	"github.com/searchktools/hive-server/core/http11"
)

// EnvPrefix is the environment variable prefix recognized by LoadEnv.
const EnvPrefix = "HIVE"

// Config holds all recognized server options.
type Config struct {
	// App is the application handler. Required.
	App asgi.Handler `config:"-"`

	Host                   string `config:"host"`
	Port                   int    `config:"port"`
	Backlog                int    `config:"backlog"`
	MaxIncompleteEventSize int    `config:"max_incomplete_event_size"`
	TimeoutKeepAliveSec    int    `config:"timeout_keep_alive_sec"`
	ShutdownThresholdSec   int    `config:"shutdown_threshold_sec"`
	RootPath               string `config:"root_path"`
	ASGIVersion            string `config:"asgi_version"`

	// MaxConnections caps concurrently accepted connections; zero
	// means unlimited.
	MaxConnections int `config:"max_connections"`

	// LimitConcurrency caps in-flight request cycles; beyond it the
	// server answers 503. Zero means unlimited.
	LimitConcurrency int `config:"limit_concurrency"`

	// WSProtocol produces the protocol that takes over upgraded
	// connections. Nil rejects upgrade requests with a 400.
	WSProtocol func() http11.Protocol `config:"-"`
}

// New returns a configuration with defaults for the given application
// handler.
func New(app asgi.Handler) *Config {
	return &Config{
		App:                    app,
		Host:                   "127.0.0.1",
		Port:                   8000,
		Backlog:                2048,
		MaxIncompleteEventSize: http11.DefaultMaxIncompleteEventSize,
		TimeoutKeepAliveSec:    5,
		ShutdownThresholdSec:   10,
		ASGIVersion:            "3.0",
	}
}

// RegisterFlags binds the host, port, backlog, keep-alive timeout and
// root path options to a flag set.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Host, "host", c.Host, "bind address")
	fs.IntVar(&c.Port, "port", c.Port, "bind port")
	fs.IntVar(&c.Backlog, "backlog", c.Backlog, "listen backlog")
	fs.IntVar(&c.TimeoutKeepAliveSec, "timeout-keep-alive", c.TimeoutKeepAliveSec,
		"keep-alive idle timeout (seconds)")
	fs.StringVar(&c.RootPath, "root-path", c.RootPath, "path prefix exposed to the application")
}

// LoadEnv overrides options from HIVE_-prefixed environment variables,
// e.g. HIVE_PORT=8080.
func (c *Config) LoadEnv() {
	m := NewManager()
	m.LoadFromEnv(EnvPrefix)
	_ = m.Unmarshal("", c)
}

// LoadFile overrides options from a flat JSON file.
func (c *Config) LoadFile(path string) error {
	m := NewManager()
	if err := m.LoadFromJSON(path); err != nil {
		return err
	}
	return m.Unmarshal("", c)
}

// Addr returns the host:port bind address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KeepAliveTimeout returns the keep-alive window as a duration.
func (c *Config) KeepAliveTimeout() time.Duration {
	return time.Duration(c.TimeoutKeepAliveSec) * time.Second
}

// ShutdownThreshold returns the graceful quiescence window as a
// duration.
func (c *Config) ShutdownThreshold() time.Duration {
	return time.Duration(c.ShutdownThresholdSec) * time.Second
}
