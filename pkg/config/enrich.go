package config

import (
	"fmt"
	"strings"
	"time"
)

// EnrichConfig describes the external barcode enrichment lookup.
type EnrichConfig struct {
	Function string        `koanf:"function"`
	Timeout  time.Duration `koanf:"timeout"`
}

// String returns a string representation of the enrichment configuration.
func (c *EnrichConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Enrichment ---\n")
	b.WriteString(fmt.Sprintf("  function: %s\n", c.Function))
	b.WriteString(fmt.Sprintf("  timeout: %s\n", c.Timeout))
	return b.String()
}

func (c *EnrichConfig) Validate() error {
	if c.Function == "" {
		return fmt.Errorf("enrichment function name is not configured")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("enrichment timeout must be greater than zero")
	}
	return nil
}
