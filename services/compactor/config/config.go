// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads compactor configuration from the environment, with
// an optional YAML file override for deployments that prefer files over
// env plumbing.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultRawBucket     = "quantlab-raw"
	DefaultCompactBucket = "quantlab-compact"
	DefaultParallel      = 4
)

// Config is everything the runner needs to reach both stores and size its
// pools.
type Config struct {
	// S3Endpoint is the object-store endpoint URL shared by both buckets.
	S3Endpoint string `yaml:"s3_endpoint"`

	// Raw-store credentials.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// Compact-store credentials; fall back to the raw credentials when
	// unset.
	CompactAccessKey string `yaml:"compact_access_key"`
	CompactSecretKey string `yaml:"compact_secret_key"`

	RawBucket     string `yaml:"raw_bucket"`
	CompactBucket string `yaml:"compact_bucket"`

	// Parallel is the partition fan-out per run.
	Parallel int `yaml:"parallel"`

	// LogDir enables JSON file logging when set.
	LogDir string `yaml:"log_dir"`
}

// FromEnv builds a Config from the process environment.
func FromEnv() Config {
	cfg := Config{
		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		AccessKey:        os.Getenv("S3_ACCESS_KEY"),
		SecretKey:        os.Getenv("S3_SECRET_KEY"),
		CompactAccessKey: os.Getenv("S3_COMPACT_ACCESS_KEY"),
		CompactSecretKey: os.Getenv("S3_COMPACT_SECRET_KEY"),
		RawBucket:        os.Getenv("S3_BUCKET"),
		CompactBucket:    os.Getenv("S3_COMPACT_BUCKET"),
		LogDir:           os.Getenv("COMPACTOR_LOG_DIR"),
	}
	if v := os.Getenv("COMPACTOR_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Parallel = n
		}
	}
	cfg.applyDefaults()
	return cfg
}

// LoadFile overlays non-zero values from a YAML file onto the config.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	c.merge(overlay)
	c.applyDefaults()
	return nil
}

func (c *Config) merge(o Config) {
	if o.S3Endpoint != "" {
		c.S3Endpoint = o.S3Endpoint
	}
	if o.AccessKey != "" {
		c.AccessKey = o.AccessKey
	}
	if o.SecretKey != "" {
		c.SecretKey = o.SecretKey
	}
	if o.CompactAccessKey != "" {
		c.CompactAccessKey = o.CompactAccessKey
	}
	if o.CompactSecretKey != "" {
		c.CompactSecretKey = o.CompactSecretKey
	}
	if o.RawBucket != "" {
		c.RawBucket = o.RawBucket
	}
	if o.CompactBucket != "" {
		c.CompactBucket = o.CompactBucket
	}
	if o.Parallel != 0 {
		c.Parallel = o.Parallel
	}
	if o.LogDir != "" {
		c.LogDir = o.LogDir
	}
}

func (c *Config) applyDefaults() {
	if c.RawBucket == "" {
		c.RawBucket = DefaultRawBucket
	}
	if c.CompactBucket == "" {
		c.CompactBucket = DefaultCompactBucket
	}
	if c.CompactAccessKey == "" {
		c.CompactAccessKey = c.AccessKey
	}
	if c.CompactSecretKey == "" {
		c.CompactSecretKey = c.SecretKey
	}
	if c.Parallel <= 0 {
		c.Parallel = DefaultParallel
	}
}

// Validate checks the fields without which no store call can succeed.
func (c Config) Validate() error {
	if c.S3Endpoint == "" {
		return fmt.Errorf("config: S3_ENDPOINT is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("config: S3_ACCESS_KEY and S3_SECRET_KEY are required")
	}
	return nil
}
