package loader

import (
	"errors"
	"fmt"

	"github.com/rdrr/loader/integrity"
)

// ErrNotInitialized is returned by Load when Init has not completed.
var ErrNotInitialized = errors.New("rdrr: loader not initialized")

// ErrNotLoaded is returned by accessors called before any successful Load.
var ErrNotLoaded = errors.New("rdrr: no model loaded")

// ErrCancelled wraps a context cancellation observed at a suspension
// point inside Load.
var ErrCancelled = errors.New("rdrr: load cancelled")

// IntegrityError reports a failed pre-materialization shard scan (§4.3,
// §4.1's integrity failure kind). No device buffers are allocated when
// this is returned.
type IntegrityError struct {
	Report integrity.Report
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("rdrr: integrity check failed: %d missing, %d corrupt shard(s)",
		len(e.Report.Missing), len(e.Report.Corrupt))
}

// ParseError wraps a manifest decode failure.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("rdrr: parse: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// DeviceError wraps a buffer-acquisition or device-write failure
// encountered while materializing weights.
type DeviceError struct {
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("rdrr: device: %v", e.Err) }
func (e *DeviceError) Unwrap() error { return e.Err }
