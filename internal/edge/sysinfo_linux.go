//go:build linux

package edge

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// LocalCapabilities probes the host. GPU fields are left for configuration
// to fill in.
func LocalCapabilities() Capabilities {
	c := Capabilities{CPUCores: runtime.NumCPU()}
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err == nil {
		c.MemoryMB = int64(uint64(info.Totalram) * uint64(info.Unit) / (1024 * 1024))
	}
	return c
}
