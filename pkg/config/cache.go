package config

import (
	"fmt"
	"strings"
)

// CacheConfig describes the local durable cache file.
type CacheConfig struct {
	Path string `koanf:"path"`
}

// String returns a string representation of the cache configuration.
func (c *CacheConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Local cache ---\n")
	b.WriteString(fmt.Sprintf("  path: %s\n", c.Path))
	return b.String()
}

func (c *CacheConfig) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("local cache path is not configured")
	}
	return nil
}
