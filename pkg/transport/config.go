package transport

import (
	"net/http"
	"net/url"
	"time"
)

// Config configures connections and listeners.
//
// Connections built with a nil Config are client connections and use
// DefaultClientConfig. Listeners given a nil Config use DefaultConfig.
type Config struct {
	// MaxFrameSize is the largest inbound frame accepted.
	// Default: MaxFrameSize (16KB); MaxClientFrameSize for clients.
	MaxFrameSize int

	// WriteTimeout bounds a single Send when the context has no earlier
	// deadline. Zero means no timeout.
	// Default: 10 seconds.
	WriteTimeout time.Duration

	// ReadBufferSize and WriteBufferSize size the WebSocket I/O buffers.
	// Default: 4096.
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the Origin of WebSocket upgrade requests.
	// Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// TrustedProxies lists proxy IPs or CIDRs whose Forwarded and
	// X-Forwarded-For headers are believed when determining the client IP.
	// Default: nil (headers ignored).
	TrustedProxies []string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxFrameSize:    MaxFrameSize,
		WriteTimeout:    10 * time.Second,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     SameOriginCheck,
	}
}

// DefaultClientConfig returns the defaults for the receiving end of
// snapshots and deltas, whose frames may be far larger than anything a
// client sends.
func DefaultClientConfig() *Config {
	c := DefaultConfig()
	c.MaxFrameSize = MaxClientFrameSize
	return c
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TrustedProxies != nil {
		clone.TrustedProxies = append([]string(nil), c.TrustedProxies...)
	}
	return &clone
}

// WithMaxFrameSize sets the inbound frame limit and returns the config for chaining.
func (c *Config) WithMaxFrameSize(n int) *Config {
	c.MaxFrameSize = n
	return c
}

// WithWriteTimeout sets the write timeout and returns the config for chaining.
func (c *Config) WithWriteTimeout(d time.Duration) *Config {
	c.WriteTimeout = d
	return c
}

func (c *Config) maxFrame() int {
	if c == nil {
		return MaxClientFrameSize
	}
	if c.MaxFrameSize <= 0 {
		return MaxFrameSize
	}
	return c.MaxFrameSize
}

func (c *Config) writeTimeout() time.Duration {
	if c == nil {
		return 0
	}
	return c.WriteTimeout
}

// SameOriginCheck validates that the WebSocket request origin matches the host.
// Requests without an Origin header (native clients) are allowed.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := r.Host
	if host == "" {
		return false
	}
	return originURL.Host == host
}
