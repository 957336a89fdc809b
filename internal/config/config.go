// Package config loads the process configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Backend names accepted by ORGMIRROR_BACKEND.
const (
	BackendLocal  = "local"
	BackendDynamo = "dynamo"
)

// Config holds the controller runtime configuration.
type Config struct {
	ListenAddr  string
	MetricsAddr string

	Backend string
	// DataDir roots the local backend's state file, backups, and
	// migration logs.
	DataDir string
	// DynamoTable is the state table for the dynamo backend.
	DynamoTable string
	// SecretsParameter is the SSM SecureString holding the credential
	// document; empty selects the local secrets file under DataDir.
	SecretsParameter string

	// GEIBinaryPath is the preferred importer binary; when absent the
	// runner falls back to the gh extension.
	GEIBinaryPath string
	GHPath        string

	// LogBufferLines caps the in-memory log ring.
	LogBufferLines int
	Debug          bool

	// AutostartWorkers starts all four workers at boot.
	AutostartWorkers bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:       os.Getenv("ORGMIRROR_LISTEN_ADDR"),
		MetricsAddr:      os.Getenv("ORGMIRROR_METRICS_ADDR"),
		Backend:          os.Getenv("ORGMIRROR_BACKEND"),
		DataDir:          os.Getenv("ORGMIRROR_DATA_DIR"),
		DynamoTable:      os.Getenv("ORGMIRROR_DYNAMO_TABLE"),
		SecretsParameter: os.Getenv("ORGMIRROR_SECRETS_PARAMETER"),
		GEIBinaryPath:    os.Getenv("ORGMIRROR_GEI_BINARY"),
		GHPath:           os.Getenv("ORGMIRROR_GH_PATH"),
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9090"
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendLocal
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/var/lib/orgmirror"
	}

	cfg.Debug, _ = strconv.ParseBool(os.Getenv("ORGMIRROR_DEBUG"))

	cfg.AutostartWorkers = true
	if v := os.Getenv("ORGMIRROR_AUTOSTART_WORKERS"); v != "" {
		cfg.AutostartWorkers, _ = strconv.ParseBool(v)
	}

	cfg.LogBufferLines = 2000
	if v := os.Getenv("ORGMIRROR_LOG_BUFFER_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LogBufferLines = n
		}
	}

	// Validate
	switch cfg.Backend {
	case BackendLocal, BackendDynamo:
	default:
		return nil, fmt.Errorf("ORGMIRROR_BACKEND must be %q or %q, got %q", BackendLocal, BackendDynamo, cfg.Backend)
	}
	if cfg.Backend == BackendDynamo && cfg.DynamoTable == "" {
		return nil, fmt.Errorf("ORGMIRROR_DYNAMO_TABLE env var is required with the dynamo backend")
	}

	return cfg, nil
}
