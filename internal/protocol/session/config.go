package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/pktlink/internal/protocol/wire"
)

var ErrNegativeDuration = errors.New("session: duration must not be negative")

// TLSConfig selects transport encryption for one role.
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	ServerName         string
	InsecureSkipVerify bool
	Mutual             bool
}

// Config defines per-role transport behavior.
//
// Timeout means write-idle keepalive interval on a client and read-idle
// disconnect on a server. Zero disables it, as does a zero ReconnectDelay.
type Config struct {
	Timeout          time.Duration
	ReconnectDelay   time.Duration
	Charset          string
	TLS              TLSConfig
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// WriteTimeout bounds a single frame write. Zero disables the deadline.
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	SelfCheck       bool
}

// DefaultConfig returns the defaults used by the CLI and config loaders.
func DefaultConfig() Config {
	return Config{
		Charset:          wire.DefaultCharsetName,
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     15 * time.Second,
		ShutdownTimeout:  5 * time.Second,
	}
}

// WithDefaults fills zero-valued fields that have no "disabled" meaning.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Charset == "" {
		c.Charset = def.Charset
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// Validate checks durations and the charset name.
func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"timeout":           c.Timeout,
		"reconnect delay":   c.ReconnectDelay,
		"connect timeout":   c.ConnectTimeout,
		"handshake timeout": c.HandshakeTimeout,
		"write timeout":     c.WriteTimeout,
		"shutdown timeout":  c.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s=%s", ErrNegativeDuration, name, d)
		}
	}
	_, err := c.ResolveCharset()
	return err
}

// ResolveCharset looks up the configured charset.
func (c Config) ResolveCharset() (wire.Charset, error) {
	return wire.LookupCharset(c.Charset)
}
