package connection

import (
	"fmt"
	"time"
)

// PartitionStrategy decides how acquires are spread over partitions.
type PartitionStrategy int

const (
	// PartitionBySubject keeps one partition per credential subject.
	PartitionBySubject PartitionStrategy = iota
	// PartitionRoundRobin spreads acquires over PartitionCount buckets.
	PartitionRoundRobin
)

// Config controls sizing, timeouts and validation of a pool.
// Sizes are per partition.
type Config struct {
	MinSize             int
	MaxSize             int
	BlockingTimeout     time.Duration
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	PartitionStrategy   PartitionStrategy
	PartitionCount      int
	ValidateOnBorrow    bool
	ValidateOnReturn    bool
	ValidationTimeout   time.Duration
	MaintenanceInterval time.Duration
	// ReplenishRate caps background connection creation, per second.
	ReplenishRate float64
	ShutdownGrace time.Duration
	Credentials   Credentials
}

// DefaultConfig returns the defaults used for unset fields.
func DefaultConfig() Config {
	return Config{
		MinSize:             1,
		MaxSize:             8,
		BlockingTimeout:     5 * time.Second,
		IdleTimeout:         15 * time.Minute,
		PartitionStrategy:   PartitionBySubject,
		PartitionCount:      1,
		ValidateOnBorrow:    true,
		ValidationTimeout:   5 * time.Second,
		MaintenanceInterval: 30 * time.Second,
		ReplenishRate:       10,
		ShutdownGrace:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.BlockingTimeout <= 0 {
		c.BlockingTimeout = d.BlockingTimeout
	}
	if c.PartitionCount <= 0 {
		c.PartitionCount = d.PartitionCount
	}
	if c.ValidationTimeout <= 0 {
		c.ValidationTimeout = d.ValidationTimeout
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = d.MaintenanceInterval
	}
	if c.ShutdownGrace < 0 {
		c.ShutdownGrace = 0
	}
	return c
}

func (c Config) validate() error {
	if c.MinSize < 0 {
		return fmt.Errorf("%w: min size %d is negative", ErrInvalidConfig, c.MinSize)
	}
	if c.MinSize > c.MaxSize {
		return fmt.Errorf("%w: min size %d exceeds max size %d", ErrInvalidConfig, c.MinSize, c.MaxSize)
	}
	if c.PartitionStrategy != PartitionBySubject && c.PartitionStrategy != PartitionRoundRobin {
		return fmt.Errorf("%w: unknown partition strategy %d", ErrInvalidConfig, c.PartitionStrategy)
	}
	return nil
}
