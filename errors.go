package kitfox

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is to match them; the typed errors below
// unwrap to the matching sentinel.
var (
	// ErrUnsupportedFormat means the input could not be classified as a
	// supported format or the requested operation cannot apply to it.
	ErrUnsupportedFormat = errors.New("kitfox: unsupported format")

	// ErrCompressionInfeasible means no attempt, at any quality or
	// dimension, produced output below the hard limit.
	ErrCompressionInfeasible = errors.New("kitfox: compression infeasible")

	// ErrCodecFailure means the codec rejected or failed to produce output.
	ErrCodecFailure = errors.New("kitfox: codec failure")

	// ErrSchedulingCancelled is the result of items still queued when the
	// scheduler was cancelled.
	ErrSchedulingCancelled = errors.New("kitfox: scheduling cancelled")

	// ErrRetriesExhausted means a work item failed MaxRetries+1 times.
	ErrRetriesExhausted = errors.New("kitfox: retries exhausted")

	// ErrDependencyUnsatisfied means a work item can never run because one
	// of its dependencies failed or was never submitted.
	ErrDependencyUnsatisfied = errors.New("kitfox: dependency unsatisfied")

	ErrNoEncoder       = errors.New("kitfox: no encoder for output format")
	ErrPoolClosed      = errors.New("kitfox: execution pool closed")
	ErrBatchInProgress = errors.New("kitfox: batch already running")
	ErrEngineClosed    = errors.New("kitfox: engine shut down")
)

// InfeasibleError reports a size target that could not be met.
type InfeasibleError struct {
	HardLimit  int64
	BestSize   int64 // smallest output seen, 0 if the codec never succeeded
	Iterations int
}

func (e *InfeasibleError) Error() string {
	if e.BestSize > 0 {
		return fmt.Sprintf("kitfox: compression infeasible: smallest output %d bytes is not below %d bytes after %d attempts",
			e.BestSize, e.HardLimit, e.Iterations)
	}
	return fmt.Sprintf("kitfox: compression infeasible: no output below %d bytes after %d attempts",
		e.HardLimit, e.Iterations)
}

func (e *InfeasibleError) Unwrap() error { return ErrCompressionInfeasible }

// UnsupportedFormatError carries the descriptor that was rejected.
type UnsupportedFormatError struct {
	Descriptor FormatDescriptor
	Reason     string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("kitfox: unsupported format %q", e.Descriptor.Name)
	}
	return fmt.Sprintf("kitfox: unsupported format %q: %s", e.Descriptor.Name, e.Reason)
}

func (e *UnsupportedFormatError) Unwrap() error { return ErrUnsupportedFormat }

// CodecError wraps a failure returned by a Codec together with the
// parameters of the failing call.
type CodecError struct {
	Params EncodeParams
	Err    error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("kitfox: codec failure (quality %.2f, max dimension %d, %s): %v",
		e.Params.Quality, e.Params.MaxDimension, e.Params.MIMEType, e.Err)
}

func (e *CodecError) Unwrap() []error { return []error{ErrCodecFailure, e.Err} }

// retriable reports whether the scheduler should retry after err.
func retriable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrUnsupportedFormat),
		errors.Is(err, ErrCompressionInfeasible),
		errors.Is(err, ErrSchedulingCancelled),
		errors.Is(err, ErrDependencyUnsatisfied),
		errors.Is(err, ErrNoEncoder),
		errors.Is(err, ErrPoolClosed),
		errors.Is(err, ErrEngineClosed):
		return false
	}
	return true
}
