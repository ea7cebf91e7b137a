// Package config loads sphinxd's TOML configuration file, the same
// naoina/toml-backed approach cmd/geth uses for its own config.toml. The
// [server] keys mirror pwdsphinx's ini-style config verbatim (see spec.md
// §6, "CLI surface").
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/naoina/toml"
)

// Server holds every key named by spec.md §6's CLI surface table.
type Server struct {
	Address        string `toml:"address"`
	Port           int    `toml:"port"`
	Timeout        int    `toml:"timeout"`
	MaxKids        int    `toml:"max_kids"`
	Datadir        string `toml:"datadir"`
	Noisekey       string `toml:"noisekey"`
	AuthorizedKeys string `toml:"authorized_keys"`
	SSLKey         string `toml:"ssl_key"`
	SSLCert        string `toml:"ssl_cert"`
	RLDecay        int    `toml:"rl_decay"`
	RLThreshold    int    `toml:"rl_threshold"`
	RLGracetime    int    `toml:"rl_gracetime"`
	Verbose        bool   `toml:"verbose"`
}

// Config is the top-level document; sphinxd has exactly one section.
type Config struct {
	Server Server `toml:"server"`
}

func defaults() Config {
	return Config{Server: Server{
		Address:     "127.0.0.1",
		Port:        2355,
		Timeout:     3,
		MaxKids:     5,
		Datadir:     expandHome("~/.sphinxd"),
		RLDecay:     1800,
		RLThreshold: 1,
		RLGracetime: 10,
	}}
}

func expandHome(p string) string {
	if len(p) >= 2 && p[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// Load reads and validates the TOML file at path, filling in defaults for
// anything unset.
func Load(path string) (*Config, error) {
	cfg := defaults()
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Server.Datadir = expandHome(cfg.Server.Datadir)
	cfg.Server.Noisekey = expandHome(cfg.Server.Noisekey)
	cfg.Server.AuthorizedKeys = expandHome(cfg.Server.AuthorizedKeys)
	cfg.Server.SSLKey = expandHome(cfg.Server.SSLKey)
	cfg.Server.SSLCert = expandHome(cfg.Server.SSLCert)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	s := c.Server
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", s.Port)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("config: timeout must be positive")
	}
	if s.MaxKids <= 0 {
		return fmt.Errorf("config: max_kids must be positive")
	}
	if s.Datadir == "" {
		return fmt.Errorf("config: datadir is required")
	}
	if s.SSLKey == "" || s.SSLCert == "" {
		return fmt.Errorf("config: ssl_key and ssl_cert are required")
	}
	if s.Noisekey == "" {
		return fmt.Errorf("config: noisekey is required")
	}
	if s.AuthorizedKeys == "" {
		return fmt.Errorf("config: authorized_keys is required")
	}
	if s.RLDecay <= 0 || s.RLThreshold <= 0 || s.RLGracetime < 0 {
		return fmt.Errorf("config: invalid rl_* values")
	}
	return nil
}

// Dump renders every config value, one per line, the way oracle.py prints
// its own configuration at startup when verbose is set (spec.md §6, §0.1
// of SPEC_FULL.md).
func (c *Config) Dump() []string {
	s := c.Server
	return []string{
		fmt.Sprintf("address:      %s:%d", s.Address, s.Port),
		fmt.Sprintf("timeout:      %ds", s.Timeout),
		fmt.Sprintf("max_kids:     %d", s.MaxKids),
		fmt.Sprintf("datadir:      %s", s.Datadir),
		fmt.Sprintf("noisekey:     %s", s.Noisekey),
		fmt.Sprintf("authorized_keys: %s", s.AuthorizedKeys),
		fmt.Sprintf("ssl_key:      %s", s.SSLKey),
		fmt.Sprintf("ssl_cert:     %s", s.SSLCert),
		fmt.Sprintf("rl_decay:     %d", s.RLDecay),
		fmt.Sprintf("rl_threshold: %d", s.RLThreshold),
		fmt.Sprintf("rl_gracetime: %d", s.RLGracetime),
		fmt.Sprintf("verbose:      %t", s.Verbose),
	}
}
