// Package config reads the cftpd configuration file: a flat
// directive=value format (vsftpd-style), '#' comments, one directive per
// line. If the file is missing, a default file is seeded in its place
// using an atomic write (temp file in the same directory, fsync, rename,
// then fsync the containing directory) so a concurrent reader never
// observes a half-written file.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPath is used when no path is given to Load.
const DefaultPath = "/etc/cftp_server.conf"

// Config holds the recognized directives, after defaulting and validation.
type Config struct {
	MaxConnections               int
	ConnectionAcceptTimeoutSec   int
	DataConnectionAcceptTimeout  int
	PassivePortStart             int
	PassivePortEnd               int
	Port                         int
	ServerName                   string
	SSLCertFile                  string
	SSLKeyFile                   string
}

func defaults() Config {
	return Config{
		MaxConnections:              10000,
		ConnectionAcceptTimeoutSec:  60,
		DataConnectionAcceptTimeout: 9,
		PassivePortStart:            40000,
		PassivePortEnd:              41000,
		Port:                        21,
		ServerName:                  "cftpd",
		SSLCertFile:                 "/etc/ssl/certs/cftp_server.crt",
		SSLKeyFile:                  "/etc/ssl/private/cftp_server.key",
	}
}

const defaultFileContent = `# cftp server configuration (directive=value, '#' for comments)

# Limits and timeouts
max_connections=10000
connection_accept_timeout=60
data_connection_accept_timeout=9

# Ports range (IANA dynamic/private ports)
passive_port_start=40000
passive_port_end=41000
port=21

# Identity
server_name=cftpd

# TLS settings
# Certificate paths (adjust per distro)
ssl_cert_file=/etc/ssl/certs/cftp_server.crt
ssl_key_file=/etc/ssl/private/cftp_server.key
`

// Load reads the configuration at path (DefaultPath if empty). If the file
// doesn't exist it is seeded with defaults first. An invalid or
// out-of-range value falls back to the default for that directive only;
// unknown keys are ignored. A failure to open or read the file is
// returned as an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath
	}

	cfg := defaults()

	if err := seedIfMissing(path); err != nil {
		return cfg, fmt.Errorf("config: seed default file: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" {
			continue
		}
		assign(&cfg, key, val)
	}
	if err := sc.Err(); err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	postValidate(&cfg)
	return cfg, nil
}

func assign(cfg *Config, key, val string) {
	switch strings.ToLower(key) {
	case "max_connections":
		if iv, ok := parseInt(val); ok && iv > 0 {
			cfg.MaxConnections = iv
		}
	case "connection_accept_timeout":
		if iv, ok := parseInt(val); ok && iv >= 0 {
			cfg.ConnectionAcceptTimeoutSec = iv
		}
	case "data_connection_accept_timeout":
		if iv, ok := parseInt(val); ok && iv >= 0 {
			cfg.DataConnectionAcceptTimeout = iv
		}
	case "passive_port_start":
		if iv, ok := parseInt(val); ok && iv >= 1024 && iv <= 65535 {
			cfg.PassivePortStart = iv
		}
	case "passive_port_end":
		if iv, ok := parseInt(val); ok && iv >= 1024 && iv <= 65535 {
			cfg.PassivePortEnd = iv
		}
	case "port":
		if iv, ok := parseInt(val); ok && iv >= 20 && iv <= 65535 {
			cfg.Port = iv
		}
	case "server_name":
		cfg.ServerName = val
	case "ssl_cert_file":
		cfg.SSLCertFile = val
	case "ssl_key_file":
		cfg.SSLKeyFile = val
	}
}

func parseInt(s string) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}

func postValidate(cfg *Config) {
	if cfg.PassivePortStart < 1 {
		cfg.PassivePortStart = 1
	}
	if cfg.PassivePortEnd > 65535 {
		cfg.PassivePortEnd = 65535
	}
	if cfg.PassivePortEnd < cfg.PassivePortStart {
		cfg.PassivePortStart, cfg.PassivePortEnd = cfg.PassivePortEnd, cfg.PassivePortStart
	}
}

// seedIfMissing writes the default config atomically if path doesn't
// already exist. It is not an error for the file to already exist.
func seedIfMissing(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(defaultFileContent); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	if dirFile, err := os.Open(dir); err == nil {
		_ = dirFile.Sync()
		dirFile.Close()
	}
	return nil
}
