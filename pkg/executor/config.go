package executor

import (
	"fmt"
	"runtime"
	"time"
)

// Config sizes the pools of an execution service.
type Config struct {
	// GeneralWorkers defaults to the number of CPUs.
	GeneralWorkers int `yaml:"general_workers" env:"GENERAL_WORKERS" validate:"gte=0"`

	// IOWorkers defaults to max(2, CPUs/2).
	IOWorkers int `yaml:"io_workers" env:"IO_WORKERS" validate:"gte=0"`

	// ScheduledWorkers defaults to 2.
	ScheduledWorkers int `yaml:"scheduled_workers" env:"SCHEDULED_WORKERS" validate:"gte=0"`

	// ShutdownTimeout bounds the graceful drain before tasks are force-canceled.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`
}

// DefaultConfig returns pool sizes derived from the host CPU count.
func DefaultConfig() Config {
	cpus := runtime.NumCPU()
	return Config{
		GeneralWorkers:   cpus,
		IOWorkers:        max(2, cpus/2),
		ScheduledWorkers: 2,
		ShutdownTimeout:  10 * time.Second,
	}
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.GeneralWorkers == 0 {
		c.GeneralWorkers = d.GeneralWorkers
	}
	if c.IOWorkers == 0 {
		c.IOWorkers = d.IOWorkers
	}
	if c.ScheduledWorkers == 0 {
		c.ScheduledWorkers = d.ScheduledWorkers
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	return c
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.GeneralWorkers < 0 || c.IOWorkers < 0 || c.ScheduledWorkers < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("shutdown timeout must not be negative")
	}
	return nil
}
