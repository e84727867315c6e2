// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv(t *testing.T) {
	t.Setenv("S3_ENDPOINT", "http://minio:9000")
	t.Setenv("S3_ACCESS_KEY", "ak")
	t.Setenv("S3_SECRET_KEY", "sk")
	t.Setenv("S3_COMPACT_ACCESS_KEY", "")
	t.Setenv("S3_COMPACT_SECRET_KEY", "")
	t.Setenv("S3_BUCKET", "")
	t.Setenv("S3_COMPACT_BUCKET", "")
	t.Setenv("COMPACTOR_PARALLEL", "8")

	cfg := FromEnv()
	assert.Equal(t, "http://minio:9000", cfg.S3Endpoint)
	assert.Equal(t, DefaultRawBucket, cfg.RawBucket)
	assert.Equal(t, DefaultCompactBucket, cfg.CompactBucket)
	assert.Equal(t, 8, cfg.Parallel)

	// Compact credentials fall back to the raw pair.
	assert.Equal(t, "ak", cfg.CompactAccessKey)
	assert.Equal(t, "sk", cfg.CompactSecretKey)

	assert.NoError(t, cfg.Validate())
}

func TestFromEnv_CompactCredentialsOverride(t *testing.T) {
	t.Setenv("S3_ENDPOINT", "http://minio:9000")
	t.Setenv("S3_ACCESS_KEY", "ak")
	t.Setenv("S3_SECRET_KEY", "sk")
	t.Setenv("S3_COMPACT_ACCESS_KEY", "cak")
	t.Setenv("S3_COMPACT_SECRET_KEY", "csk")
	t.Setenv("COMPACTOR_PARALLEL", "")

	cfg := FromEnv()
	assert.Equal(t, "cak", cfg.CompactAccessKey)
	assert.Equal(t, "csk", cfg.CompactSecretKey)
	assert.Equal(t, DefaultParallel, cfg.Parallel)
}

func TestValidate(t *testing.T) {
	cfg := Config{}
	assert.Error(t, cfg.Validate())

	cfg.S3Endpoint = "http://minio:9000"
	assert.Error(t, cfg.Validate())

	cfg.AccessKey = "ak"
	cfg.SecretKey = "sk"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"s3_endpoint: http://other:9000\nraw_bucket: custom-raw\nparallel: 2\n",
	), 0644))

	cfg := Config{S3Endpoint: "http://minio:9000", AccessKey: "ak", SecretKey: "sk"}
	cfg.applyDefaults()
	require.NoError(t, cfg.LoadFile(path))

	assert.Equal(t, "http://other:9000", cfg.S3Endpoint)
	assert.Equal(t, "custom-raw", cfg.RawBucket)
	assert.Equal(t, 2, cfg.Parallel)
	// Untouched fields survive the overlay.
	assert.Equal(t, "ak", cfg.AccessKey)

	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}
