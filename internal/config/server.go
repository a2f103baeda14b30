// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig represents the complete configuration of syncd-server.
type ServerConfig struct {
	Server  ServerListen  `yaml:"server"`
	Storage StorageRoot   `yaml:"storage"`
	Fanout  FanoutConfig  `yaml:"fanout"`
	Archive ArchiveConfig `yaml:"archive"`
	Logging LoggingInfo   `yaml:"logging"`
}

// ServerListen contains the server's listen address.
type ServerListen struct {
	Listen string `yaml:"listen"`
}

// StorageRoot is the filesystem root under which every user's sync_dir
// lives: <root>/<user>/sync_dir/.
type StorageRoot struct {
	Root string `yaml:"root"`
}

// FanoutConfig tunes the server-driven broadcast engine of §4.5.
type FanoutConfig struct {
	Workers           int    `yaml:"workers"`         // default: 4
	BandwidthLimit    string `yaml:"bandwidth_limit"` // ex: "50mb", "" = unlimited
	BandwidthLimitRaw int64  `yaml:"-"`
}

// ArchiveConfig configures the background cold-storage archiver: it never
// touches live sync files, only a compressed copy of files that have not
// been touched in a while, optionally mirrored to S3.
type ArchiveConfig struct {
	Enabled     bool           `yaml:"enabled"`     // default: false
	Schedule    string         `yaml:"schedule"`    // cron expression, default: "0 3 * * *"
	StaleAfter  time.Duration  `yaml:"stale_after"` // default: 720h (30 days)
	Dir         string         `yaml:"dir"`         // compressed archive destination, default: "<storage.root>/.archive"
	Compression string         `yaml:"compression"` // gzip|zstd, default: zstd
	S3          S3MirrorConfig `yaml:"s3"`
}

// S3MirrorConfig optionally mirrors archived files to an S3-compatible
// bucket. Disabled by default; when disabled none of the AWS SDK is
// touched at runtime.
type S3MirrorConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"` // for S3-compatible providers; empty = AWS default
	// AccessKeyID/SecretAccessKey provide static credentials for
	// S3-compatible endpoints (e.g. MinIO) that have no ambient AWS
	// environment to feed the default provider chain. Leave both empty to
	// use the default chain (env vars, shared config, instance profile).
	AccessKeyID     string  `yaml:"access_key_id"`
	SecretAccessKey string  `yaml:"secret_access_key"`
	RateLimitMBps   float64 `yaml:"rate_limit_mbps"` // 0 = unlimited
}

// LoadServerConfig reads and validates the server's YAML configuration file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading server config: %w", err)
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing server config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating server config: %w", err)
	}

	return &cfg, nil
}

func (c *ServerConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = ":12345"
	}
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root is required")
	}

	if c.Fanout.Workers <= 0 {
		c.Fanout.Workers = 4
	}
	if c.Fanout.BandwidthLimit != "" {
		parsed, err := ParseByteSize(c.Fanout.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("fanout.bandwidth_limit: %w", err)
		}
		c.Fanout.BandwidthLimitRaw = parsed
	}

	if c.Archive.Enabled {
		if c.Archive.Schedule == "" {
			c.Archive.Schedule = "0 3 * * *"
		}
		if c.Archive.StaleAfter <= 0 {
			c.Archive.StaleAfter = 720 * time.Hour
		}
		if c.Archive.Dir == "" {
			c.Archive.Dir = c.Storage.Root + "/.archive"
		}
		if c.Archive.Compression == "" {
			c.Archive.Compression = "zstd"
		}
		if c.Archive.Compression != "zstd" && c.Archive.Compression != "gzip" {
			return fmt.Errorf("archive.compression must be zstd or gzip, got %q", c.Archive.Compression)
		}
		if c.Archive.S3.Enabled {
			if c.Archive.S3.Bucket == "" {
				return fmt.Errorf("archive.s3.bucket is required when archive.s3 is enabled")
			}
			if c.Archive.S3.Region == "" {
				c.Archive.S3.Region = "us-east-1"
			}
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}
