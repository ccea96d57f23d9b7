// Package config loads a federation service's config.toml (spec §6) and
// applies environment variable overrides, in the style of the teacher's
// pkg/config/config.go.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Admin holds the bootstrap administrator identity written into a fresh
// service's config.toml (spec §3, §6).
type Admin struct {
	Username  string
	Email     string
	PublicKey string
}

// Tracing controls the service's structured logging (spec §2.G).
type Tracing struct {
	LevelFilter string // one of debug, info, warn, error
	Format      string // "text" or "json"
}

// Config is a federation service's on-disk configuration (spec §6).
type Config struct {
	HostAddress string
	Description string
	Admin       Admin
	Upstream    string // the Hub's URL, configured on non-Hub services only
	UpstreamKey string // the Hub's pinned public key, configured alongside Upstream
	Tracing     Tracing

	// DatabaseURL, when set, points at a Postgres DSN; empty means the
	// embedded SQLite default (spec §2.G dual-dialect store).
	DatabaseURL string
}

// Load reads path (a TOML file) and applies HOST_ADDRESS / DATABASE_URL /
// LOG_LEVEL / LOG_FORMAT / UPSTREAM environment overrides on top of it, the
// same override-after-parse order the teacher's Load uses for env vars.
func Load(path string) (*Config, error) {
	cfg := &Config{
		HostAddress: "0.0.0.0:5000",
		Tracing:     Tracing{LevelFilter: "info", Format: "text"},
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()

		if err := parseTOML(f, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("HOST_ADDRESS"); v != "" {
		cfg.HostAddress = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Tracing.LevelFilter = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Tracing.Format = v
	}
	if v := os.Getenv("UPSTREAM"); v != "" {
		cfg.Upstream = v
	}
	if v := os.Getenv("UPSTREAM_KEY"); v != "" {
		cfg.UpstreamKey = v
	}

	return cfg, nil
}

// parseTOML understands exactly the flat-and-one-level-nested subset of
// TOML that spec §6's config keys need: `key = "value"`, bare tables
// ([admin], [tracing]), and comment/blank lines. It is not a general TOML
// parser — config-file parsing is outside this system's scope (spec §1),
// and no third-party TOML library appears anywhere in the reference corpus.
func parseTOML(r io.Reader, cfg *Config) error {
	scanner := bufio.NewScanner(r)
	section := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.TrimSuffix(strings.TrimPrefix(line, "["), "]")
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))

		applyKey(cfg, section, key, value)
	}
	return scanner.Err()
}

func applyKey(cfg *Config, section, key, value string) {
	switch section {
	case "":
		switch key {
		case "host_address":
			cfg.HostAddress = value
		case "description":
			cfg.Description = value
		case "upstream":
			cfg.Upstream = value
		case "upstream_key":
			cfg.UpstreamKey = value
		}
	case "admin":
		switch key {
		case "username":
			cfg.Admin.Username = value
		case "email":
			cfg.Admin.Email = value
		case "public_key":
			cfg.Admin.PublicKey = value
		}
	case "tracing":
		switch key {
		case "level_filter":
			cfg.Tracing.LevelFilter = value
		case "format":
			cfg.Tracing.Format = value
		}
	}
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if v, err := strconv.Unquote(s); err == nil {
			return v
		}
		return s[1 : len(s)-1]
	}
	return s
}
