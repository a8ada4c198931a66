package edge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/consul/api"
	"github.com/rs/zerolog"
)

// Service meta keys carrying device capabilities.
const (
	metaCPUCores = "cpu_cores"
	metaGPUCores = "gpu_cores"
	metaMemoryMB = "memory_mb"
	metaVRAMMB   = "vram_mb"
	metaScore    = "performance_score"
	metaModels   = "models"
)

// ConsulSource discovers peer devices from the healthy instances of a Consul
// service and can advertise the local device under the same service.
type ConsulSource struct {
	Client  *api.Client
	Service string
	Tag     string
	// SelfID is skipped during discovery.
	SelfID string
	Logger zerolog.Logger
}

// NewConsulSource connects to the Consul agent at addr.
func NewConsulSource(addr, service, selfID string, log zerolog.Logger) (*ConsulSource, error) {
	cfg := api.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulSource{Client: client, Service: service, SelfID: selfID, Logger: log}, nil
}

// Sync registers unknown healthy instances and heartbeats known ones.
// It returns the number of instances seen.
func (s *ConsulSource) Sync(ctx context.Context, c *Coordinator) (int, error) {
	q := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := s.Client.Health().Service(s.Service, s.Tag, true, q)
	if err != nil {
		return 0, fmt.Errorf("consul health %s: %w", s.Service, err)
	}
	n := 0
	for _, e := range entries {
		if e.Service == nil || e.Service.ID == s.SelfID {
			continue
		}
		n++
		if _, known := c.Device(e.Service.ID); known {
			_ = c.Heartbeat(e.Service.ID)
			continue
		}
		if err := c.Register(deviceFromService(e)); err != nil {
			s.Logger.Warn().Str("event", "consul_register_failed").Str("device", e.Service.ID).Err(err).Msg("skipping instance")
		}
	}
	return n, nil
}

// Run syncs every interval until ctx is cancelled.
func (s *ConsulSource) Run(ctx context.Context, c *Coordinator, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := s.Sync(ctx, c); err != nil && ctx.Err() == nil {
			s.Logger.Warn().Str("event", "consul_sync_failed").Err(err).Msg("consul sync failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Advertise registers d with the local Consul agent, with an HTTP check
// against its /healthz endpoint.
func (s *ConsulSource) Advertise(d Device, host string, port int) error {
	reg := &api.AgentServiceRegistration{
		ID:      d.ID,
		Name:    s.Service,
		Address: host,
		Port:    port,
		Meta: map[string]string{
			metaCPUCores: strconv.Itoa(d.Capabilities.CPUCores),
			metaGPUCores: strconv.Itoa(d.Capabilities.GPUCores),
			metaMemoryMB: strconv.FormatInt(d.Capabilities.MemoryMB, 10),
			metaVRAMMB:   strconv.FormatInt(d.Capabilities.VRAMMB, 10),
			metaScore:    strconv.FormatFloat(d.PerformanceScore, 'f', 4, 64),
			metaModels:   strings.Join(d.Models, ","),
		},
		Check: &api.AgentServiceCheck{
			HTTP:     fmt.Sprintf("http://%s:%d/healthz", host, port),
			Interval: "10s",
			Timeout:  "2s",
		},
	}
	if s.Tag != "" {
		reg.Tags = []string{s.Tag}
	}
	return s.Client.Agent().ServiceRegister(reg)
}

// Withdraw removes the advertisement of id.
func (s *ConsulSource) Withdraw(id string) error {
	return s.Client.Agent().ServiceDeregister(id)
}

func deviceFromService(e *api.ServiceEntry) Device {
	svc := e.Service
	host := svc.Address
	if host == "" && e.Node != nil {
		host = e.Node.Address
	}
	meta := svc.Meta
	d := Device{
		ID:      svc.ID,
		Address: fmt.Sprintf("http://%s:%d", host, svc.Port),
		Capabilities: Capabilities{
			CPUCores: atoi(meta[metaCPUCores]),
			GPUCores: atoi(meta[metaGPUCores]),
			MemoryMB: int64(atoi(meta[metaMemoryMB])),
			VRAMMB:   int64(atoi(meta[metaVRAMMB])),
		},
	}
	if v, err := strconv.ParseFloat(meta[metaScore], 64); err == nil {
		d.PerformanceScore = v
	}
	if m := strings.TrimSpace(meta[metaModels]); m != "" {
		for _, id := range strings.Split(m, ",") {
			if id = strings.TrimSpace(id); id != "" {
				d.Models = append(d.Models, id)
			}
		}
	}
	return d
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}
