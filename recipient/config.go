package recipient

import (
	"fmt"
	"time"

	"github.com/c360/recipientcache/errors"
)

// Config configures the identity cache
type Config struct {
	// Key-space map bounds. The canonical map is the eviction authority.
	CanonicalCapacity int `json:"canonical_capacity" yaml:"canonical_capacity" default:"1000"`
	NumericCapacity   int `json:"numeric_capacity"   yaml:"numeric_capacity"   default:"500"`
	EncodedCapacity   int `json:"encoded_capacity"   yaml:"encoded_capacity"   default:"500"`
	// Legacy-address handles still waiting for a canonical id, including
	// addresses that resolved to unknown
	LegacyCapacity int `json:"legacy_capacity" yaml:"legacy_capacity" default:"500"`
	// Merge tombstones. An evicted tombstone is rediscovered through the store.
	TombstoneCapacity int `json:"tombstone_capacity" yaml:"tombstone_capacity" default:"1000"`

	// Secondary index (legacy address and display name to canonical id)
	IndexCapacity int `json:"index_capacity" yaml:"index_capacity" default:"256"`

	// Background resolution pool
	Workers   int `json:"workers"    yaml:"workers"    default:"4"`
	QueueSize int `json:"queue_size" yaml:"queue_size" default:"512"`

	// Observer delivery queue, used only when no executor is injected
	DeliveryQueueSize int `json:"delivery_queue_size" yaml:"delivery_queue_size" default:"1024"`

	// Warm-up sizes
	WarmRecent   int `json:"warm_recent"   yaml:"warm_recent"   default:"500"`
	WarmContacts int `json:"warm_contacts" yaml:"warm_contacts" default:"50"`

	// Concurrent group member resolutions per group
	MemberParallelism int `json:"member_parallelism" yaml:"member_parallelism" default:"8"`

	// Per-attempt bound for background resolution
	ResolveTimeout time.Duration `json:"resolve_timeout" yaml:"resolve_timeout" default:"30s"`
}

// DefaultConfig returns default configuration for the identity cache
func DefaultConfig() Config {
	return Config{
		CanonicalCapacity: 1000,
		NumericCapacity:   500,
		EncodedCapacity:   500,
		LegacyCapacity:    500,
		TombstoneCapacity: 1000,
		IndexCapacity:     256,
		Workers:           4,
		QueueSize:         512,
		DeliveryQueueSize: 1024,
		WarmRecent:        500,
		WarmContacts:      50,
		MemberParallelism: 8,
		ResolveTimeout:    30 * time.Second,
	}
}

// Validate checks the configuration for values the cache cannot run with
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"canonical_capacity", c.CanonicalCapacity},
		{"numeric_capacity", c.NumericCapacity},
		{"encoded_capacity", c.EncodedCapacity},
		{"legacy_capacity", c.LegacyCapacity},
		{"tombstone_capacity", c.TombstoneCapacity},
		{"index_capacity", c.IndexCapacity},
		{"workers", c.Workers},
		{"queue_size", c.QueueSize},
		{"delivery_queue_size", c.DeliveryQueueSize},
		{"member_parallelism", c.MemberParallelism},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.WrapInvalid(
				fmt.Errorf("%s must be positive, got %d: %w", p.name, p.value, errors.ErrInvalidConfig),
				"Config", "Validate", "capacity check")
		}
	}

	if c.WarmRecent < 0 || c.WarmContacts < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("warm-up sizes cannot be negative: %w", errors.ErrInvalidConfig),
			"Config", "Validate", "warm-up check")
	}
	if c.ResolveTimeout <= 0 {
		return errors.WrapInvalid(
			fmt.Errorf("resolve_timeout must be positive: %w", errors.ErrInvalidConfig),
			"Config", "Validate", "timeout check")
	}
	return nil
}
