//go:build !windows

package webgpu

import (
	"fmt"

	"github.com/boardnet-ml/boardnet/internal/compute"
)

// New reports that the native wgpu library is not built for this
// platform.
func New() (compute.Context, error) {
	return nil, fmt.Errorf("%w: webgpu support is not built on this platform", compute.ErrBackend)
}

// IsAvailable reports whether a WebGPU adapter can be acquired.
func IsAvailable() bool {
	return false
}
