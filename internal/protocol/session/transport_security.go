package session

import (
	"errors"
	"strings"
)

var (
	ErrTLSRequired         = errors.New("session: tls required")
	ErrTLSCertFileRequired = errors.New("session: tls cert file required")
	ErrTLSKeyFileRequired  = errors.New("session: tls key file required")
	ErrTLSCAFileRequired   = errors.New("session: tls ca file required")
)

// ValidateClientTransport checks client TLS settings. TLS without a CA file
// is allowed and trusts any server certificate.
func (c Config) ValidateClientTransport() error {
	t := c.TLS
	if t.Mutual && !t.Enabled {
		return ErrTLSRequired
	}
	if t.Mutual {
		if blank(t.CertFile) {
			return ErrTLSCertFileRequired
		}
		if blank(t.KeyFile) {
			return ErrTLSKeyFileRequired
		}
	}
	return nil
}

// ValidateServerTransport checks server TLS settings. TLS with neither cert
// nor key file is allowed and uses a generated self-signed certificate.
func (c Config) ValidateServerTransport() error {
	t := c.TLS
	if t.Mutual && !t.Enabled {
		return ErrTLSRequired
	}
	if t.Enabled {
		switch {
		case blank(t.CertFile) && !blank(t.KeyFile):
			return ErrTLSCertFileRequired
		case !blank(t.CertFile) && blank(t.KeyFile):
			return ErrTLSKeyFileRequired
		}
	}
	if t.Mutual && blank(t.CAFile) {
		return ErrTLSCAFileRequired
	}
	return nil
}

func blank(s string) bool {
	return strings.TrimSpace(s) == ""
}
