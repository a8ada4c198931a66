//go:build !linux

package edge

import "runtime"

// LocalCapabilities reports CPU cores only on this platform.
func LocalCapabilities() Capabilities {
	return Capabilities{CPUCores: runtime.NumCPU()}
}
