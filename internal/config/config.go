package config

import (
	"fmt"
	"strings"

	"github.com/tillworks/tillsync/pkg/config"
	"github.com/tillworks/tillsync/pkg/config/configloader"
)

var _ configloader.Validator = (*Config)(nil)

type Config struct {
	HTTPServer config.HTTPConfig           `koanf:"server"`
	Cache      config.CacheConfig          `koanf:"cache"`
	Remote     config.RemoteConfig         `koanf:"remote"`
	Enrich     config.EnrichConfig         `koanf:"enrich"`
	Sync       config.SyncConfig           `koanf:"sync"`
	Breaker    config.CircuitBreakerConfig `koanf:"breaker"`
	Nats       config.NATSConfig           `koanf:"nats"`
	Log        config.LogConfig            `koanf:"log"`
	PProf      config.PProfConfig          `koanf:"pprof"`
	Shutdown   config.ShutdownConfig       `koanf:"shutdown"`
}

func (c *Config) String() string {
	var b strings.Builder

	b.WriteString("\n--- Server Configuration ---\n")
	b.WriteString(fmt.Sprintf("  server.port: %d\n", c.HTTPServer.Port))
	b.WriteString(fmt.Sprintf("  server.maxHeaderBytes: %d\n", c.HTTPServer.MaxHeaderBytes))
	b.WriteString(fmt.Sprintf("  server.timeout.read: %v\n", c.HTTPServer.Timeout.Read))
	b.WriteString(fmt.Sprintf("  server.timeout.write: %v\n", c.HTTPServer.Timeout.Write))
	b.WriteString(fmt.Sprintf("  server.timeout.idle: %v\n", c.HTTPServer.Timeout.Idle))
	b.WriteString(fmt.Sprintf("  server.timeout.readHeader: %v\n", c.HTTPServer.Timeout.ReadHeader))

	b.WriteString("\n--- Remote Store ---\n")
	b.WriteString(fmt.Sprintf("  remote.url: %s\n", maskURL(c.Remote.URL)))
	b.WriteString(fmt.Sprintf("  remote.timeout: %s\n", c.Remote.Timeout))
	b.WriteString(fmt.Sprintf("  remote.migrate: %t\n", c.Remote.Migrate))
	b.WriteString(fmt.Sprintf("  remote.functions: %s\n", c.Remote.Functions))

	b.WriteString(c.Cache.String())
	b.WriteString(c.Enrich.String())
	b.WriteString(c.Sync.String())
	b.WriteString(c.Breaker.String())
	b.WriteString(c.Nats.String())
	b.WriteString(c.Log.String())
	b.WriteString(c.PProf.String())
	b.WriteString(c.Shutdown.String())

	return b.String()
}

func maskURL(url string) string {
	if url == "" {
		return "<not configured>"
	}
	// Mask the URL by replacing the username and password with "****"
	parts := strings.Split(url, "@")
	if len(parts) == 2 {
		return "****@" + parts[1]
	}
	return "****"
}

// Validate checks if the configuration values are valid
func (c *Config) Validate() error {
	if err := c.HTTPServer.Validate(); err != nil {
		return err
	}
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Remote.Validate(); err != nil {
		return err
	}
	if err := c.Enrich.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if err := c.Breaker.Validate(); err != nil {
		return err
	}
	if err := c.Nats.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.PProf.Validate(); err != nil {
		return err
	}
	if err := c.Shutdown.Validate(); err != nil {
		return err
	}
	return nil
}
