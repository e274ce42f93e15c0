// Package config holds the server configuration: runtime knobs for the
// event loop and the server/location blocks requests are matched against.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrNoServers is returned by Validate when no server block is configured.
var ErrNoServers = errors.New("config: no server blocks")

// Config is the complete server configuration.
type Config struct {
	Log     LogConfig      `yaml:"log"`
	Runtime RuntimeConfig  `yaml:"runtime"`
	Servers []ServerConfig `yaml:"servers"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// RuntimeConfig holds the knobs of the event loop and the connection engine.
type RuntimeConfig struct {
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Reaper threshold since a connection's last call
	ReapInterval   time.Duration `yaml:"reap_interval"`    // How often the reaper scans connections
	MaxConnections int           `yaml:"max_connections"`  // 0 for unlimited
	AcceptRate     float64       `yaml:"accept_rate"`      // Accepted connections per second, 0 for unlimited
	AcceptBurst    int           `yaml:"accept_burst"`     // Burst allowed by the accept limiter
	ReadBufferSize int           `yaml:"read_buffer_size"` // Bytes read from a socket per readiness event
	SendChunkSize  int           `yaml:"send_chunk_size"`  // Bytes written to a socket per readiness event
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Request line plus header block
	MaxRequestLine int           `yaml:"max_request_line"`
	MetricsAddr    string        `yaml:"metrics_addr"` // Empty disables the metrics listener
	ReusePort      bool          `yaml:"reuse_port"`
}

// ServerConfig is one server block bound to a listen address.
type ServerConfig struct {
	Listen            string         `yaml:"listen"`
	ServerNames       []string       `yaml:"server_names"`
	ErrorPages        map[int]string `yaml:"error_pages"`
	ClientMaxBodySize int64          `yaml:"client_max_body_size"`
	Locations         []*Location    `yaml:"locations"`
}

// DefaultConfig returns a Config with sensible default values and a single
// server serving ./www on :8080.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Runtime: DefaultRuntimeConfig(),
		Servers: []ServerConfig{
			{
				Listen:            ":8080",
				ClientMaxBodySize: DefaultClientMaxBodySize,
				Locations: []*Location{
					{Path: "/", Root: "./www", Index: []string{"index.html"}},
				},
			},
		},
	}
}

// DefaultRuntimeConfig returns the default runtime knobs.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		IdleTimeout:    60 * time.Second,
		ReapInterval:   time.Second,
		MaxConnections: 1024,
		AcceptBurst:    64,
		ReadBufferSize: 8192,
		SendChunkSize:  8192,
		MaxHeaderBytes: 1 << 16,
		MaxRequestLine: 8192,
	}
}

// DefaultClientMaxBodySize is used when neither the server nor the location
// set a body limit.
const DefaultClientMaxBodySize = 1 << 20

// Validate checks and normalizes the configuration values. Locations inherit
// the error pages and body limit of their server block.
func (c *Config) Validate() error {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format != "console" {
		c.Log.Format = "json"
	}
	c.Runtime.normalize()

	if len(c.Servers) == 0 {
		return ErrNoServers
	}
	for i := range c.Servers {
		if err := c.Servers[i].validate(); err != nil {
			return fmt.Errorf("config: server %d: %w", i, err)
		}
	}
	return nil
}

func (r *RuntimeConfig) normalize() {
	def := DefaultRuntimeConfig()
	if r.IdleTimeout <= 0 {
		r.IdleTimeout = def.IdleTimeout
	}
	if r.ReapInterval <= 0 {
		r.ReapInterval = def.ReapInterval
	}
	if r.ReapInterval > r.IdleTimeout {
		r.ReapInterval = r.IdleTimeout
	}
	if r.MaxConnections < 0 {
		r.MaxConnections = 0
	}
	if r.AcceptRate < 0 {
		r.AcceptRate = 0
	}
	if r.AcceptBurst <= 0 {
		r.AcceptBurst = def.AcceptBurst
	}
	if r.ReadBufferSize <= 0 {
		r.ReadBufferSize = def.ReadBufferSize
	}
	if r.SendChunkSize <= 0 {
		r.SendChunkSize = def.SendChunkSize
	}
	if r.MaxHeaderBytes <= 0 {
		r.MaxHeaderBytes = def.MaxHeaderBytes
	}
	if r.MaxRequestLine <= 0 {
		r.MaxRequestLine = def.MaxRequestLine
	}
}

func (s *ServerConfig) validate() error {
	if s.Listen == "" {
		s.Listen = ":8080"
	}
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return fmt.Errorf("listen %q: %w", s.Listen, err)
	}
	if s.ClientMaxBodySize <= 0 {
		s.ClientMaxBodySize = DefaultClientMaxBodySize
	}
	if len(s.Locations) == 0 {
		s.Locations = []*Location{{Path: "/", Root: "./www"}}
	}
	for _, loc := range s.Locations {
		if loc == nil {
			return errors.New("nil location")
		}
		if err := loc.normalize(s); err != nil {
			return fmt.Errorf("location %q: %w", loc.Path, err)
		}
	}
	return nil
}
