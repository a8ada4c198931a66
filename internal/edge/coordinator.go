// Package edge keeps a registry of execution devices, picks the best one for
// a request and dispatches work to it.
//
// Selection is deterministic: devices are scanned in id order and only a
// strictly higher adjusted score replaces the current best, so ties go to
// the lexicographically smallest id.
package edge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"inferd/pkg/types"
)

// Defaults applied when corresponding Options fields are unset.
const (
	defaultHeartbeatTimeout = 30 * time.Second
	defaultMonitorInterval  = 10 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	// Local executes tasks on the co-located device.
	Local Executor
	// Remote executes tasks on peer devices.
	Remote Executor
	// Prober, when set, actively heartbeats reachable remote devices on
	// every monitor tick.
	Prober Prober
	// Retryable decides whether a failed dispatch may be re-routed.
	// Defaults to DefaultRetryable.
	Retryable func(error) bool
	// Notify receives device lifecycle events (device_registered,
	// device_offline, device_online, device_removed).
	Notify func(event, deviceID string)

	HeartbeatTimeout time.Duration
	MonitorInterval  time.Duration
	// DeregisterAfter removes devices silent for this long. Zero disables.
	DeregisterAfter time.Duration

	Logger zerolog.Logger
	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

type slot struct {
	dev      Device
	inflight *atomic.Int64
}

// Coordinator owns the device registry.
type Coordinator struct {
	opts Options
	log  zerolog.Logger

	mu      sync.RWMutex
	devices map[string]*slot
}

// New constructs a Coordinator.
func New(opts Options) *Coordinator {
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = defaultMonitorInterval
	}
	if opts.Retryable == nil {
		opts.Retryable = DefaultRetryable
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "edge").Logger(),
		devices: map[string]*slot{},
	}
}

// DefaultRetryable re-routes every failure except caller cancellation and
// peer rejections of the request itself.
func DefaultRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *RemoteError
	if errors.As(err, &re) && re.Permanent() {
		return false
	}
	return true
}

func (c *Coordinator) notify(event, id string) {
	if c.opts.Notify != nil {
		c.opts.Notify(event, id)
	}
}

// Register adds or replaces a device. It starts online with a fresh
// heartbeat; in-flight counts survive re-registration.
func (c *Coordinator) Register(d Device) error {
	if d.ID == "" {
		return errors.New("edge: device id required")
	}
	if d.PerformanceScore <= 0 {
		d.PerformanceScore = ComputeScore(d.Capabilities)
	}
	d.Online = true
	d.LastHeartbeat = c.opts.Now()
	d.Models = append([]string(nil), d.Models...)

	c.mu.Lock()
	s, ok := c.devices[d.ID]
	if ok {
		s.dev = d
	} else {
		c.devices[d.ID] = &slot{dev: d, inflight: new(atomic.Int64)}
	}
	c.updateOnlineLocked()
	c.mu.Unlock()

	c.log.Info().
		Str("event", "device_registered").
		Str("device", d.ID).
		Str("address", d.Address).
		Float64("score", d.PerformanceScore).
		Bool("local", d.Local).
		Msg("device registered")
	c.notify("device_registered", d.ID)
	return nil
}

// Heartbeat refreshes a device's last-seen time and brings it back online.
func (c *Coordinator) Heartbeat(id string) error {
	c.mu.Lock()
	s, ok := c.devices[id]
	if !ok {
		c.mu.Unlock()
		return ErrDeviceNotFound
	}
	s.dev.LastHeartbeat = c.opts.Now()
	revived := !s.dev.Online
	s.dev.Online = true
	c.updateOnlineLocked()
	c.mu.Unlock()
	if revived {
		c.log.Info().Str("event", "device_online").Str("device", id).Msg("device back online")
		c.notify("device_online", id)
	}
	return nil
}

// Deregister removes a device.
func (c *Coordinator) Deregister(id string) error {
	c.mu.Lock()
	if _, ok := c.devices[id]; !ok {
		c.mu.Unlock()
		return ErrDeviceNotFound
	}
	delete(c.devices, id)
	c.updateOnlineLocked()
	c.mu.Unlock()
	c.log.Info().Str("event", "device_removed").Str("device", id).Msg("device deregistered")
	c.notify("device_removed", id)
	return nil
}

// MarkOffline excludes a device from selection until its next heartbeat.
func (c *Coordinator) MarkOffline(id string) error {
	c.mu.Lock()
	s, ok := c.devices[id]
	if !ok {
		c.mu.Unlock()
		return ErrDeviceNotFound
	}
	was := s.dev.Online
	s.dev.Online = false
	c.updateOnlineLocked()
	c.mu.Unlock()
	if was {
		c.log.Warn().Str("event", "device_offline").Str("device", id).Msg("device offline")
		c.notify("device_offline", id)
	}
	return nil
}

// Device returns a copy of one device.
func (c *Coordinator) Device(id string) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.devices[id]
	if !ok {
		return Device{}, false
	}
	return s.dev, true
}

// Devices returns the status of every device sorted by id.
func (c *Coordinator) Devices() []types.DeviceStatus {
	c.mu.RLock()
	out := make([]types.DeviceStatus, 0, len(c.devices))
	for _, s := range c.devices {
		out = append(out, s.dev.status(s.inflight.Load()))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (c *Coordinator) updateOnlineLocked() {
	n := 0
	for _, s := range c.devices {
		if s.dev.Online {
			n++
		}
	}
	devicesOnline.Set(float64(n))
}

// OptimalDevice returns the online device with the highest adjusted score
// (performance / (1 + in-flight)) that supports modelID and meets req.
func (c *Coordinator) OptimalDevice(modelID string, req Requirements) (string, error) {
	return c.pick(modelID, req, "")
}

func (c *Coordinator) pick(modelID string, req Requirements, exclude string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best, bestScore := "", -1.0
	for _, id := range ids {
		if id == exclude {
			continue
		}
		s := c.devices[id]
		if !s.dev.Online || !s.dev.Supports(modelID) || !req.satisfiedBy(s.dev.Capabilities) {
			continue
		}
		score := s.dev.PerformanceScore / float64(1+s.inflight.Load())
		if score > bestScore {
			best, bestScore = id, score
		}
	}
	if best == "" {
		return "", ErrNoAvailableDevice
	}
	return best, nil
}

// acquire returns a copy of the device and increments its in-flight count.
func (c *Coordinator) acquire(id string) (Device, func(), bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.devices[id]
	if !ok {
		return Device{}, nil, false
	}
	s.inflight.Add(1)
	return s.dev, func() { s.inflight.Add(-1) }, true
}
