package edge

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Prober checks whether a device answers.
type Prober interface {
	Probe(ctx context.Context, dev Device) error
}

// Run drives liveness until ctx is cancelled: every MonitorInterval it
// refreshes the local device, probes remote devices when a Prober is
// configured and then sweeps stale devices.
func (c *Coordinator) Run(ctx context.Context) error {
	t := time.NewTicker(c.opts.MonitorInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			c.Tick(ctx)
		}
	}
}

// Tick performs one monitor round.
func (c *Coordinator) Tick(ctx context.Context) {
	c.probe(ctx)
	c.Sweep(c.opts.Now())
}

func (c *Coordinator) probe(ctx context.Context) {
	c.mu.RLock()
	var local []string
	var remote []Device
	for id, s := range c.devices {
		if s.dev.Local {
			local = append(local, id)
		} else if c.opts.Prober != nil && s.dev.Address != "" {
			remote = append(remote, s.dev)
		}
	}
	c.mu.RUnlock()

	for _, id := range local {
		_ = c.Heartbeat(id)
	}
	if len(remote) == 0 {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, c.opts.MonitorInterval)
	defer cancel()
	var g errgroup.Group
	g.SetLimit(8)
	for _, d := range remote {
		g.Go(func() error {
			if err := c.opts.Prober.Probe(pctx, d); err != nil {
				c.log.Debug().Str("event", "probe_failed").Str("device", d.ID).Err(err).Msg("probe failed")
				return nil
			}
			_ = c.Heartbeat(d.ID)
			return nil
		})
	}
	_ = g.Wait()
}

// Sweep marks devices whose last heartbeat is older than HeartbeatTimeout
// offline and removes non-local devices silent for DeregisterAfter.
func (c *Coordinator) Sweep(now time.Time) {
	type change struct{ event, id string }
	var changes []change

	c.mu.Lock()
	for id, s := range c.devices {
		age := now.Sub(s.dev.LastHeartbeat)
		if c.opts.DeregisterAfter > 0 && age > c.opts.DeregisterAfter && !s.dev.Local {
			delete(c.devices, id)
			changes = append(changes, change{"device_removed", id})
			continue
		}
		if s.dev.Online && age > c.opts.HeartbeatTimeout {
			s.dev.Online = false
			changes = append(changes, change{"device_offline", id})
		}
	}
	c.updateOnlineLocked()
	c.mu.Unlock()

	for _, ch := range changes {
		c.log.Warn().Str("event", ch.event).Str("device", ch.id).Msg("device liveness changed")
		c.notify(ch.event, ch.id)
	}
}
