// Package config loads broker and client configuration. Settings come
// from a YAML file in the style of the rest of the tenzoki tooling, with
// defaults applied after parsing, or from the minimal key=value properties
// files the command line accepts for pointing at a remote endpoint.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store engine names, the values of Server.Store.
const (
	StoreFile   = "file"
	StoreBadger = "badger"
)

// Server is the broker node configuration.
type Server struct {
	Address    string `yaml:"address"`
	ClientPort int    `yaml:"client_port"`
	PeerPort   int    `yaml:"peer_port"`
	Store      string `yaml:"store"`
	Debug      bool   `yaml:"debug"`

	Leader *Endpoint `yaml:"leader,omitempty"`
}

// Endpoint is a host/port pair as it appears in config and properties
// files.
type Endpoint struct {
	IP   string `yaml:"ip"`
	Port int    `yaml:"port"`
}

// LoadServer reads a server YAML file and applies defaults.
func LoadServer(filename string) (*Server, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Server
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults
	if cfg.Address == "" {
		cfg.Address = "localhost"
	}
	if cfg.ClientPort == 0 {
		cfg.ClientPort = 29621
	}
	if cfg.PeerPort == 0 {
		cfg.PeerPort = 29622
	}
	if cfg.Store == "" {
		cfg.Store = StoreFile
	}

	// Validate configuration values
	if err := ValidatePort(cfg.ClientPort); err != nil {
		return nil, err
	}
	if err := ValidatePort(cfg.PeerPort); err != nil {
		return nil, err
	}
	if cfg.Store != StoreFile && cfg.Store != StoreBadger {
		return nil, fmt.Errorf("unknown store engine %q", cfg.Store)
	}
	if cfg.Leader != nil {
		if err := cfg.Leader.Validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// Validate checks an endpoint for a usable host and port.
func (e *Endpoint) Validate() error {
	if e.IP == "" {
		return fmt.Errorf("endpoint has no ip")
	}
	return ValidatePort(e.Port)
}

// ValidatePort rejects ports outside [0, 65535].
func ValidatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d outside [0, 65535]", port)
	}
	return nil
}

// LoadEndpointProperties reads an "ip=" / "port=" properties file, the
// format the command line accepts with -f. Blank lines and lines starting
// with '#' are ignored.
func LoadEndpointProperties(filename string) (*Endpoint, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read properties file: %w", err)
	}

	var ep Endpoint
	seen := map[string]bool{}
	for lineNo, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: not a key=value line", filename, lineNo+1)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "ip":
			ep.IP = value
		case "port":
			port, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: bad port %q", filename, lineNo+1, value)
			}
			ep.Port = port
		default:
			return nil, fmt.Errorf("%s:%d: unknown key %q", filename, lineNo+1, key)
		}
		seen[key] = true
	}
	if !seen["ip"] || !seen["port"] {
		return nil, fmt.Errorf("%s: properties file needs both ip and port", filename)
	}
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	return &ep, nil
}
