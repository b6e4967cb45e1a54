package config

import (
	"fmt"
	"strings"
	"time"
)

// RemoteConfig describes the authoritative remote record store.
type RemoteConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
	// Migrate runs the schema migrations in MigrationsDir on startup when the
	// remote store is reachable.
	Migrate       bool   `koanf:"migrate"`
	MigrationsDir string `koanf:"migrationsdir"`
	// Functions is the base URL of the serverless function endpoint used by
	// Invoke (e.g. the barcode lookup). Empty disables function invocation.
	Functions       string        `koanf:"functions"`
	FunctionTimeout time.Duration `koanf:"functiontimeout"`
}

func (c *RemoteConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("remote store URL is not configured")
	}
	if !isValidPostgresURL(c.URL) {
		return fmt.Errorf("remote store URL must start with 'postgres://': %s", c.URL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("remote store connect timeout is not configured")
	}
	if c.Migrate && c.MigrationsDir == "" {
		return fmt.Errorf("remote store migrations enabled but migrationsdir is not configured")
	}
	return nil
}

// isValidPostgresURL checks if the provided URL is a valid PostgreSQL URL
func isValidPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") ||
		strings.HasPrefix(url, "postgresql://")
}
