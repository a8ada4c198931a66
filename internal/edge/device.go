package edge

import (
	"math"
	"time"

	"inferd/pkg/types"
)

// Capabilities is the hardware a device advertises.
type Capabilities struct {
	CPUCores int
	GPUCores int
	MemoryMB int64
	VRAMMB   int64
}

// Device describes one execution node.
type Device struct {
	ID           string
	Address      string // base URL of the peer's HTTP API; empty for the local device
	Capabilities Capabilities
	// Models lists the model ids the device can serve; empty means any.
	Models []string
	// PerformanceScore in [0,1]; computed from Capabilities when zero.
	PerformanceScore float64
	Online           bool
	LastHeartbeat    time.Time
	Local            bool
}

// Supports reports whether d can serve modelID.
func (d Device) Supports(modelID string) bool {
	if len(d.Models) == 0 || modelID == "" {
		return true
	}
	for _, m := range d.Models {
		if m == modelID {
			return true
		}
	}
	return false
}

// Requirements are minima a device must satisfy to be selected.
type Requirements struct {
	MinMemoryMB int64
	MinVRAMMB   int64
	MinCPUCores int
}

func (r Requirements) satisfiedBy(c Capabilities) bool {
	return c.MemoryMB >= r.MinMemoryMB && c.VRAMMB >= r.MinVRAMMB && c.CPUCores >= r.MinCPUCores
}

// Reference points for ComputeScore: a device at or above all of them
// scores 1.
const (
	refMemoryMB = 16 * 1024
	refVRAMMB   = 8 * 1024
	refCPUCores = 8
)

// ComputeScore derives a performance score in [0,1] from capabilities,
// weighting memory 0.4, CPU 0.3 and GPU memory 0.3.
func ComputeScore(c Capabilities) float64 {
	mem := math.Min(1, float64(c.MemoryMB)/refMemoryMB)
	cpu := math.Min(1, float64(c.CPUCores)/refCPUCores)
	gpu := math.Min(1, float64(c.VRAMMB)/refVRAMMB)
	s := 0.4*mem + 0.3*cpu + 0.3*gpu
	return math.Max(0, math.Min(1, s))
}

// FromRequest converts an API registration body into a Device.
func FromRequest(r types.RegisterDeviceRequest) Device {
	return Device{
		ID:      r.DeviceID,
		Address: r.Address,
		Capabilities: Capabilities{
			CPUCores: r.CPUCores,
			GPUCores: r.GPUCores,
			MemoryMB: r.MemoryMB,
			VRAMMB:   r.VRAMMB,
		},
		Models:           r.Models,
		PerformanceScore: r.PerformanceScore,
	}
}

func (d Device) status(inflight int64) types.DeviceStatus {
	var hb int64
	if !d.LastHeartbeat.IsZero() {
		hb = d.LastHeartbeat.Unix()
	}
	return types.DeviceStatus{
		DeviceID:         d.ID,
		Address:          d.Address,
		Online:           d.Online,
		Local:            d.Local,
		CPUCores:         d.Capabilities.CPUCores,
		GPUCores:         d.Capabilities.GPUCores,
		MemoryMB:         d.Capabilities.MemoryMB,
		VRAMMB:           d.Capabilities.VRAMMB,
		PerformanceScore: d.PerformanceScore,
		Inflight:         inflight,
		Models:           append([]string(nil), d.Models...),
		LastHeartbeat:    hb,
	}
}
