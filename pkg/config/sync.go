package config

import (
	"fmt"
	"strings"
	"time"
)

// SyncConfig controls reconciliation behaviour.
type SyncConfig struct {
	// Interval between periodic drains of the pending operation queue.
	Interval time.Duration `koanf:"interval"`
	// OrdersLimit caps how many recent orders the initial sync pulls.
	OrdersLimit int `koanf:"orderslimit"`
}

// String returns a string representation of the sync configuration.
func (c *SyncConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Sync ---\n")
	b.WriteString(fmt.Sprintf("  interval: %s\n", c.Interval))
	b.WriteString(fmt.Sprintf("  orderslimit: %d\n", c.OrdersLimit))
	return b.String()
}

func (c *SyncConfig) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("sync interval must be greater than zero")
	}
	if c.OrdersLimit < 0 {
		return fmt.Errorf("sync orders limit must not be negative")
	}
	return nil
}
