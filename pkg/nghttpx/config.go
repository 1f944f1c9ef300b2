// Package nghttpx assembles the reverse proxy: frontend transport,
// protocol sessions, backend pool, bridge coordinator, and the process
// life-cycle controller.
package nghttpx

import (
	"errors"
	"time"
)

// Config holds the proxy configuration.
type Config struct {
	FrontendAddr string   // Frontend address to bind to
	Backends     []string // Backend host:port addresses, used round-robin
	Multicore    bool     // Enable multicore event loops
	NumEventLoop int      // Number of event loops (0 for auto-detect)
	ReusePort    bool     // Enable SO_REUSEPORT

	MaxConcurrentStreams uint32        // Per-session concurrent stream limit
	MaxFrameSize         uint32        // Maximum accepted frame payload size
	InitialWindowSize    int64         // Initial flow control window
	IdleTimeout          time.Duration // Close sessions with no frame activity
	PrefaceTimeout       time.Duration // HTTP/2 preface deadline

	BackendTimeout      time.Duration // Per-read/write backend deadline
	BackendMaxPerTarget int           // Connection cap per backend
	BackendMaxIdle      int           // Parked keep-alive connections per backend
	BackendIdleTimeout  time.Duration // Retire parked connections after this
	BackendMaxLifetime  time.Duration // Retire connections regardless of use
	DialTimeout         time.Duration // Backend dial deadline

	Workers  int    // Concurrently pumped exchanges
	ViaToken string // Name recorded in via and forwarding headers

	LogLevel       string // zap level: debug, info, warn, error
	LogDevelopment bool   // Console encoder with colors
	LogFile        string // Rotated log file; empty logs to stderr
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		FrontendAddr:         ":3000",
		Multicore:            true,
		ReusePort:            true,
		MaxConcurrentStreams: 100,
		MaxFrameSize:         16384,
		InitialWindowSize:    65535,
		IdleTimeout:          120 * time.Second,
		PrefaceTimeout:       time.Second,
		BackendTimeout:       30 * time.Second,
		BackendMaxPerTarget:  64,
		BackendMaxIdle:       16,
		BackendIdleTimeout:   60 * time.Second,
		BackendMaxLifetime:   10 * time.Minute,
		DialTimeout:          5 * time.Second,
		Workers:              1024,
		ViaToken:             "nghttpx",
		LogLevel:             "info",
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.FrontendAddr == "" {
		c.FrontendAddr = ":3000"
	}
	if len(c.Backends) == 0 {
		return errors.New("at least one backend is required")
	}
	for _, b := range c.Backends {
		if b == "" {
			return errors.New("empty backend address")
		}
	}
	if c.MaxFrameSize < 16384 {
		c.MaxFrameSize = 16384
	}
	if c.MaxFrameSize > (1<<24)-1 {
		c.MaxFrameSize = (1 << 24) - 1
	}
	if c.InitialWindowSize <= 0 {
		c.InitialWindowSize = 65535
	}
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = 100
	}
	if c.ViaToken == "" {
		c.ViaToken = "nghttpx"
	}
	return nil
}
