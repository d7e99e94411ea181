package manager

import (
	"time"

	"github.com/roach88/binmgr/internal/binary"
	"github.com/roach88/binmgr/internal/loader"
	"github.com/roach88/binmgr/internal/notify"
	"github.com/roach88/binmgr/internal/recovery"
)

// Config sizes the tables and bounds the waits of a Manager.
type Config struct {
	// UserCapacity is the number of user binary slots, excluding the
	// common library.
	UserCapacity int
	// KernelCapacity is the number of kernel partitions.
	KernelCapacity int
	// KernelVersion is recorded with the first kernel partition.
	KernelVersion string
	// LoadAttempts bounds retries of one load.
	LoadAttempts int
	// ResponseTimeout bounds a synchronous notification.
	ResponseTimeout time.Duration
	// FaultQueueDepth is the capacity of the fault report channel.
	FaultQueueDepth int
	// Recovery enables reloading faulted binaries. When false a faulted
	// binary stays in FAULT.
	Recovery bool
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		UserCapacity:    5,
		KernelCapacity:  2,
		KernelVersion:   binary.DefaultKernelVersion,
		LoadAttempts:    loader.DefaultAttempts,
		ResponseTimeout: notify.DefaultResponseTimeout,
		FaultQueueDepth: recovery.DefaultQueueDepth,
		Recovery:        true,
	}
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.UserCapacity < 1:
		return binary.Errorf(binary.CodeInvalidArgument, "user capacity must be positive, got %d", c.UserCapacity)
	case c.KernelCapacity < 1:
		return binary.Errorf(binary.CodeInvalidArgument, "kernel capacity must be positive, got %d", c.KernelCapacity)
	case c.LoadAttempts < 1:
		return binary.Errorf(binary.CodeInvalidArgument, "load attempts must be positive, got %d", c.LoadAttempts)
	case c.ResponseTimeout <= 0:
		return binary.Errorf(binary.CodeInvalidArgument, "response timeout must be positive, got %s", c.ResponseTimeout)
	case c.FaultQueueDepth < 1:
		return binary.Errorf(binary.CodeInvalidArgument, "fault queue depth must be positive, got %d", c.FaultQueueDepth)
	}
	return nil
}
