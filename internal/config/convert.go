package config

import (
	"strings"
	"time"

	"github.com/danmuck/pktlink/internal/protocol/session"
)

// overlaySession copies the session keys defined in raw onto cfg.
func overlaySession(cfg *session.Config, raw fileConfig, defined func(string) bool) {
	if defined("timeout_seconds") {
		cfg.Timeout = seconds(raw.TimeoutSeconds)
	}
	if defined("reconnect_seconds") {
		cfg.ReconnectDelay = seconds(raw.ReconnectSeconds)
	}
	if defined("charset") {
		cfg.Charset = strings.TrimSpace(raw.Charset)
	}
	if defined("connect_timeout_ms") {
		cfg.ConnectTimeout = millis(raw.ConnectTimeoutMS)
	}
	if defined("handshake_timeout_ms") {
		cfg.HandshakeTimeout = millis(raw.HandshakeTimeoutMS)
	}
	if defined("write_timeout_ms") {
		cfg.WriteTimeout = millis(raw.WriteTimeoutMS)
	}
	if defined("self_check") {
		cfg.SelfCheck = raw.SelfCheck
	}
	if defined("tls_enabled") {
		cfg.TLS.Enabled = raw.TLSEnabled
	}
	if defined("tls_cert_file") {
		cfg.TLS.CertFile = strings.TrimSpace(raw.TLSCertFile)
	}
	if defined("tls_key_file") {
		cfg.TLS.KeyFile = strings.TrimSpace(raw.TLSKeyFile)
	}
	if defined("tls_ca_file") {
		cfg.TLS.CAFile = strings.TrimSpace(raw.TLSCAFile)
	}
	if defined("tls_server_name") {
		cfg.TLS.ServerName = strings.TrimSpace(raw.TLSServerName)
	}
	if defined("tls_insecure_skip_verify") {
		cfg.TLS.InsecureSkipVerify = raw.TLSInsecureSkipVerify
	}
	if defined("tls_mutual") {
		cfg.TLS.Mutual = raw.TLSMutual
	}
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
