package nvm

import (
	"errors"

	"github.com/nvstore-db/nvstore/internal/pmem"
)

// Error kinds surfaced by the persistence core. Init-time kinds are fatal
// (no retry); lookup and bounds kinds are recoverable at the caller.
var (
	// ErrConfigLocked reports an attempt to change latched configuration
	// after the manager has been materialized.
	ErrConfigLocked = errors.New("nvm: configuration is locked after first use")

	// ErrPMFSUnmounted reports a missing or wrong-typed pmfs mount.
	ErrPMFSUnmounted = errors.New("nvm: pmfs not mounted")

	// ErrPMFSReadOnly reports a mount the process cannot write to.
	ErrPMFSReadOnly = errors.New("nvm: no write permission on pmfs mount")

	// ErrProbeFailed reports a writability probe that failed for a reason
	// other than permission.
	ErrProbeFailed = errors.New("nvm: pmfs writability probe failed")

	// ErrStaticAreaMissing reports a mapping whose static header cannot be
	// retrieved.
	ErrStaticAreaMissing = errors.New("nvm: static area missing")

	// ErrNotFound reports a UUID lookup miss.
	ErrNotFound = errors.New("nvm: no such region")

	// ErrInvalidArg reports an argument combination the operation rejects.
	ErrInvalidArg = errors.New("nvm: invalid argument")

	// ErrOutOfRange reports an element index at or beyond the vector size.
	ErrOutOfRange = errors.New("nvm: index out of range")

	// ErrUnsupported reports an operation whose semantics over persistent
	// storage are not defined.
	ErrUnsupported = errors.New("nvm: operation not supported")

	// Kinds raised by the pmem primitive and passed through unchanged.
	ErrMapFailed          = pmem.ErrMapFailed
	ErrOutOfMemory        = pmem.ErrOutOfMemory
	ErrRange              = pmem.ErrRange
	ErrIncompatibleLayout = pmem.ErrIncompatibleLayout
)
