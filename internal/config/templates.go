package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a commented starter file for kind "client" or "server".
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "client":
		return clientTemplate, nil
	case "server":
		return serverTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const clientTemplate = `host = "127.0.0.1"
port = 1234
# send a keepalive after this many idle seconds; 0 disables
timeout_seconds = 3
# retry this many seconds after a failed attempt or close; 0 disables
reconnect_seconds = 5
charset = "US-ASCII"
tls_enabled = true
tls_ca_file = ""
# admin_addr = "127.0.0.1:9201"
`

const serverTemplate = `port = 1234
# close connections that send nothing for this many seconds; 0 disables
timeout_seconds = 10
charset = "US-ASCII"
tls_enabled = true
# a self-signed certificate is generated when no cert file is given
tls_cert_file = ""
tls_key_file = ""
# admin_addr = "127.0.0.1:9200"
`
