// Package config loads client and server settings from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pktlink/internal/partner"
	"github.com/danmuck/pktlink/internal/protocol/session"
	"gopkg.in/yaml.v3"
)

// DefaultPort is the port the demo client and server agree on.
const DefaultPort = 1234

const DefaultHost = "127.0.0.1"

var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Client is a client role plus the optional admin listener.
type Client struct {
	partner.ClientConfig
	AdminAddr string
}

// Server is a server role plus the optional admin listener.
type Server struct {
	partner.ServerConfig
	AdminAddr string
}

func DefaultClient() Client {
	return Client{ClientConfig: partner.ClientConfig{
		Host:    DefaultHost,
		Port:    DefaultPort,
		Session: session.DefaultConfig(),
	}}
}

func DefaultServer() Server {
	return Server{ServerConfig: partner.ServerConfig{
		Port:    DefaultPort,
		Session: session.DefaultConfig(),
	}}
}

// fileConfig is the on-disk key mapping shared by both roles.
type fileConfig struct {
	Host                  string `toml:"host" yaml:"host"`
	Port                  int    `toml:"port" yaml:"port"`
	TimeoutSeconds        int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	ReconnectSeconds      int    `toml:"reconnect_seconds" yaml:"reconnect_seconds"`
	Charset               string `toml:"charset" yaml:"charset"`
	TLSEnabled            bool   `toml:"tls_enabled" yaml:"tls_enabled"`
	TLSCertFile           string `toml:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile            string `toml:"tls_key_file" yaml:"tls_key_file"`
	TLSCAFile             string `toml:"tls_ca_file" yaml:"tls_ca_file"`
	TLSServerName         string `toml:"tls_server_name" yaml:"tls_server_name"`
	TLSInsecureSkipVerify bool   `toml:"tls_insecure_skip_verify" yaml:"tls_insecure_skip_verify"`
	TLSMutual             bool   `toml:"tls_mutual" yaml:"tls_mutual"`
	ConnectTimeoutMS      int    `toml:"connect_timeout_ms" yaml:"connect_timeout_ms"`
	HandshakeTimeoutMS    int    `toml:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
	WriteTimeoutMS        int    `toml:"write_timeout_ms" yaml:"write_timeout_ms"`
	SelfCheck             bool   `toml:"self_check" yaml:"self_check"`
	AdminAddr             string `toml:"admin_addr" yaml:"admin_addr"`
}

// LoadClient reads path and overlays the keys it defines onto DefaultClient.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	raw, defined, err := load(path)
	if err != nil {
		return Client{}, err
	}
	if defined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if defined("port") {
		cfg.Port = raw.Port
	}
	if defined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	overlaySession(&cfg.Session, raw, defined)
	if err := validate(path, cfg.Port, 1, cfg.Session); err != nil {
		return Client{}, err
	}
	if strings.TrimSpace(cfg.Host) == "" {
		return Client{}, fmt.Errorf("config %s: %w", path, partner.ErrHostRequired)
	}
	return cfg, nil
}

// LoadServer reads path and overlays the keys it defines onto DefaultServer.
// host is the optional bind address.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	raw, defined, err := load(path)
	if err != nil {
		return Server{}, err
	}
	if defined("host") {
		cfg.Host = strings.TrimSpace(raw.Host)
	}
	if defined("port") {
		cfg.Port = raw.Port
	}
	if defined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	overlaySession(&cfg.Session, raw, defined)
	if err := validate(path, cfg.Port, 0, cfg.Session); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func validate(path string, port, minPort int, sess session.Config) error {
	if port < minPort || port > 65535 {
		return fmt.Errorf("config %s: %w: %d", path, partner.ErrInvalidPort, port)
	}
	if err := sess.WithDefaults().Validate(); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// load decodes path by extension and reports which keys the file sets.
func load(path string) (fileConfig, func(string) bool, error) {
	var raw fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return fileConfig{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return raw, func(key string) bool { return meta.IsDefined(key) }, nil
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fileConfig{}, nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return fileConfig{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		keys := map[string]any{}
		if err := yaml.Unmarshal(data, &keys); err != nil {
			return fileConfig{}, nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return raw, func(key string) bool {
			_, ok := keys[key]
			return ok
		}, nil
	default:
		return fileConfig{}, nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}
