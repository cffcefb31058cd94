// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "attribd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require := require.New(t)
	require.NoError(Default().Validate())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	require := require.New(t)

	path := writeConfig(t, `
server:
  api_port: 8888
storage:
  backend: badger
  path: /var/lib/attribd
attribution:
  default_model: linear
  io_timeout: 2s
`)

	cfg, err := Load(path)
	require.NoError(err)

	require.Equal(8888, cfg.Server.APIPort)
	// Unset fields keep their defaults.
	require.Equal(9090, cfg.Server.OpsPort)
	require.Equal("badger", cfg.Storage.Backend)
	require.Equal("linear", cfg.Attribution.DefaultModel)
	require.Equal(2*time.Second, cfg.Attribution.IOTimeout)
	require.Equal("info", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	require := require.New(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(err)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	require := require.New(t)

	_, err := Load(writeConfig(t, "server: [not a map"))
	require.Error(err)
}

func TestValidateBackend(t *testing.T) {
	require := require.New(t)

	cfg := Default()
	cfg.Storage.Backend = "cassandra"
	require.Error(cfg.Validate())

	cfg = Default()
	cfg.Storage.Backend = "postgres"
	require.Error(cfg.Validate()) // missing DSN
	cfg.Storage.PostgresDSN = "postgres://localhost/attrib"
	require.NoError(cfg.Validate())

	cfg = Default()
	cfg.Storage.Backend = "badger"
	cfg.Storage.Path = ""
	require.Error(cfg.Validate())
}

func TestValidateDefaultModel(t *testing.T) {
	require := require.New(t)

	cfg := Default()
	cfg.Attribution.DefaultModel = "quantum"
	require.Error(cfg.Validate())
}

func TestValidatePorts(t *testing.T) {
	require := require.New(t)

	cfg := Default()
	cfg.Server.APIPort = 0
	require.Error(cfg.Validate())
}
