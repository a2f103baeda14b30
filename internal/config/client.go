// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ClientConfig represents the complete configuration of syncd-client.
type ClientConfig struct {
	Client  ClientIdentity `yaml:"client"`
	Server  ServerAddr     `yaml:"server"`
	Logging LoggingInfo    `yaml:"logging"`
}

// ClientIdentity identifies the user and where its local mirror lives.
type ClientIdentity struct {
	User string `yaml:"user"`
	// SyncDir overrides the default "sync_dir_<user>" local directory name.
	SyncDir string `yaml:"sync_dir"`
}

// ServerAddr contains the syncd-server address to connect to.
type ServerAddr struct {
	Address string `yaml:"address"`
}

// LoggingInfo contains logging configuration shared by server and client.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
	// SessionLogDir, when non-empty, makes the server additionally write a
	// dedicated DEBUG-level log file per connection under
	// {SessionLogDir}/{user}/{connectionID}.log. Client-side this field is
	// ignored. Empty disables per-connection logging.
	SessionLogDir string `yaml:"session_log_dir"`
}

// LoadClientConfig reads and validates the client's YAML configuration file.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading client config: %w", err)
	}

	var cfg ClientConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing client config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating client config: %w", err)
	}

	return &cfg, nil
}

func (c *ClientConfig) validate() error {
	if c.Client.User == "" {
		return fmt.Errorf("client.user is required")
	}
	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if c.Client.SyncDir == "" {
		c.Client.SyncDir = "sync_dir_" + c.Client.User
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return nil
}

// ParseByteSize converts human-readable size strings like "256mb", "1gb"
// into a byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	type suffix struct {
		s string
		m int64
	}
	// Ordered longest-suffix-first so "mb" isn't matched as "b".
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
