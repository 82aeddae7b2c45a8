// Package errs defines the sentinel errors shared by all stepmeta packages.
//
// Errors are returned wrapped with context using fmt.Errorf("%w: ...") and
// should be tested with errors.Is.
//
// Some conditions are programming or stream-corruption errors that a host
// engine is expected to treat as fatal (ErrStepNotOpen, ErrStepAlreadyOpen,
// ErrUnknownSchema). They are still returned rather than panicking so that
// the caller decides how the process ends.
package errs

import "errors"

// Marshaler (write side) errors.
var (
	// ErrStepNotOpen is returned when Put, ReinitStepData or CloseTimestep is
	// called without a prior InitStep.
	ErrStepNotOpen = errors.New("no timestep is open")
	// ErrStepAlreadyOpen is returned when InitStep is called twice without
	// an intervening CloseTimestep.
	ErrStepAlreadyOpen = errors.New("timestep already open")
	// ErrInvalidVariable is returned for an empty name or a malformed variable descriptor.
	ErrInvalidVariable = errors.New("invalid variable")
	// ErrDimensionMismatch is returned when shape/count/offsets lengths disagree
	// with the variable dimensionality.
	ErrDimensionMismatch = errors.New("dimension mismatch")
	// ErrDataSizeMismatch is returned when a data slice does not match the block size.
	ErrDataSizeMismatch = errors.New("data size mismatch")
	// ErrTypeMismatch is returned when a variable is re-put with a different type.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrInvalidAttribute is returned for malformed attribute values.
	ErrInvalidAttribute = errors.New("invalid attribute")
)

// Structured encoding errors.
var (
	// ErrUnknownSchema is returned when an encoded block refers to a schema
	// that is neither registered nor learned. Callers treat it as stream corruption.
	ErrUnknownSchema = errors.New("unknown schema")
	// ErrInvalidSchema is returned when a schema field list or body is malformed.
	ErrInvalidSchema = errors.New("invalid schema")
	// ErrInvalidBlock is returned when an encoded record is truncated or malformed.
	ErrInvalidBlock = errors.New("invalid encoded block")
	// ErrRecordMismatch is returned when a record does not match its schema.
	ErrRecordMismatch = errors.New("record does not match schema")
)

// Installer/Selector (read side) errors.
var (
	// ErrStepOutOfRange is returned when stepsStart+stepsCount exceeds the
	// number of steps available for a variable. It is recoverable.
	ErrStepOutOfRange = errors.New("requested steps out of range")
	// ErrUnknownVariable is returned when a host variable handle is not known to the installer.
	ErrUnknownVariable = errors.New("unknown variable")
	// ErrInvalidWriterRank is returned for a writer rank outside the cohort.
	ErrInvalidWriterRank = errors.New("invalid writer rank")
	// ErrBlockNotFound is returned when a write-block selection refers to a block no writer owns.
	ErrBlockNotFound = errors.New("block not found")
	// ErrMissingReadRequest is returned by FinalizeGets when a needed writer
	// has no fetched request buffer.
	ErrMissingReadRequest = errors.New("missing read request")
	// ErrShortReadBuffer is returned when a fetched buffer is smaller than a block it must hold.
	ErrShortReadBuffer = errors.New("read buffer too short")
	// ErrDestinationTooSmall is returned when a caller destination cannot hold the selection.
	ErrDestinationTooSmall = errors.New("destination too small")
)

// Aggregation and collective errors.
var (
	// ErrInvalidContribution is returned when an aggregation record cannot be parsed.
	ErrInvalidContribution = errors.New("invalid node contribution")
	// ErrInvalidRecordSize is returned when a fixed-size record has the wrong length.
	ErrInvalidRecordSize = errors.New("invalid fixed record size")
	// ErrInvalidRank is returned when a collective root rank is outside the group.
	ErrInvalidRank = errors.New("invalid rank")
	// ErrSizeMismatch is returned when fixed-size collective contributions differ in length.
	ErrSizeMismatch = errors.New("collective size mismatch")
	// ErrNotLeader is returned when a non-leader passes a leader communicator.
	ErrNotLeader = errors.New("not a group leader")
)
