package compute

import "errors"

// Failure taxonomy shared by the compute contexts and the layer set.
// Errors wrap one of these sentinels so callers can classify with
// errors.Is; the library never retries or recovers on its own.
var (
	// ErrConfig marks shape, channel, or filter-size mismatches detected
	// at construction or weight-load time.
	ErrConfig = errors.New("configuration error")

	// ErrResource marks device memory allocation failures. A load that
	// fails with ErrResource must not leave the layer evaluable.
	ErrResource = errors.New("resource error")

	// ErrBackend marks failures reported by the accelerated math backend,
	// such as an unsupported shape/algorithm combination.
	ErrBackend = errors.New("backend error")

	// ErrUsage marks caller defects: evaluating an unloaded layer or
	// supplying undersized scratch or output buffers. The output buffer
	// contents are undefined after any failed evaluation.
	ErrUsage = errors.New("usage error")
)
