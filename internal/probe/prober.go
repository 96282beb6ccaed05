package probe

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"doorguard/internal/config"
	"doorguard/internal/doorstate"
	"doorguard/internal/metrics"
	"doorguard/internal/model"
	"doorguard/internal/storage"
)

// Broadcaster receives the annotated door list once per completed
// cycle. Implemented by the realtime hub.
type Broadcaster interface {
	BroadcastDoorStatus(doors []model.Door)
}

// Prober determines reachability for every registered door on a fixed
// interval and keeps the registry, the liveness log and subscribers
// consistent with what it observed.
type Prober struct {
	store   storage.Store
	state   *doorstate.Store
	ring    *doorstate.Ring
	hub     Broadcaster
	logger  *slog.Logger
	cfg     atomic.Value
	running atomic.Bool
}

func NewProber(cfg *config.Config, store storage.Store, state *doorstate.Store, ring *doorstate.Ring, hub Broadcaster, logger *slog.Logger) *Prober {
	p := &Prober{
		store:  store,
		state:  state,
		ring:   ring,
		hub:    hub,
		logger: logger,
	}
	p.cfg.Store(cfg)
	return p
}

func (p *Prober) UpdateConfig(cfg *config.Config) {
	p.cfg.Store(cfg)
}

func (p *Prober) config() *config.Config {
	if v := p.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

// Run ticks RunCycle until ctx ends. A tick that arrives while the
// previous cycle is still probing is skipped, not queued. Config is
// re-read on every tick, so a reload can retune the interval or pause
// and resume probing without a restart.
func (p *Prober) Run(ctx context.Context) {
	interval := p.config().Probe.Interval
	if p.logger != nil {
		p.logger.Info("prober started", "interval", interval, "enabled", p.config().Probe.Enabled)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cfg := p.config().Probe
			if cfg.Interval > 0 && cfg.Interval != interval {
				interval = cfg.Interval
				ticker.Reset(interval)
			}
			if !cfg.Enabled {
				continue
			}
			if !p.running.CompareAndSwap(false, true) {
				metrics.ProbeCyclesSkipped.Inc()
				if p.logger != nil {
					p.logger.Warn("probe cycle still running, skipping tick")
				}
				continue
			}
			if err := p.RunCycle(ctx); err != nil && p.logger != nil {
				p.logger.Error("probe cycle aborted", "err", err)
			}
			p.running.Store(false)
		case <-ctx.Done():
			return
		}
	}
}

// RunCycle probes every registered door once, concurrently and bounded.
// Individual probe failures become offline observations; only a
// registry read failure aborts the cycle. The broadcast goes out after
// every door has resolved so subscribers see one consistent snapshot.
func (p *Prober) RunCycle(ctx context.Context) error {
	cfg := p.config().Probe
	started := time.Now()

	// Administrative status is not filtered here on purpose: inactive
	// and deleted doors are still probed, matching the registry owner's
	// expectations.
	doors, err := p.store.ListDoors(ctx, storage.DoorFilter{})
	if err != nil {
		return err
	}
	if len(doors) == 0 {
		return nil
	}

	now := time.Now().UTC()
	sem := make(chan struct{}, cfg.MaxConcurrent)
	var wg sync.WaitGroup
	results := make([]model.LivenessEntry, len(doors))
	for i := range doors {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = p.probeDoor(ctx, doors[i], cfg.Timeout, now)
		}(i)
	}
	wg.Wait()

	online := 0
	for i := range doors {
		entry := results[i]
		doors[i].Liveness = entry.Liveness
		if entry.Liveness == model.LivenessOnline {
			online++
		}
		p.state.Update(entry.DoorID, entry.Liveness, entry.LatencyMS)
		if p.ring != nil {
			p.ring.Add(entry)
		}
		if err := p.store.UpdateDoorLiveness(ctx, entry.DoorID, entry.Liveness); err != nil && p.logger != nil {
			p.logger.Error("liveness update failed", "door_id", entry.DoorID, "err", err)
		}
		if err := p.store.AppendLivenessLog(ctx, entry); err != nil && p.logger != nil {
			p.logger.Error("liveness log append failed", "door_id", entry.DoorID, "err", err)
		}
	}

	metrics.ProbeCycles.Inc()
	metrics.ProbeCycleDuration.Observe(time.Since(started).Seconds())
	metrics.DoorsProbed.Set(float64(len(doors)))
	metrics.DoorsOnline.Set(float64(online))

	if p.hub == nil {
		if p.logger != nil {
			p.logger.Warn("realtime channel not initialized, door status not broadcast")
		}
		return nil
	}
	p.hub.BroadcastDoorStatus(doors)

	if p.logger != nil {
		p.logger.Debug("probe cycle completed",
			"doors", len(doors),
			"online", online,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	}
	return nil
}

func (p *Prober) probeDoor(ctx context.Context, door model.Door, timeout time.Duration, at time.Time) model.LivenessEntry {
	entry := model.LivenessEntry{
		DoorID:    door.ID,
		Liveness:  model.LivenessOffline,
		Timestamp: at,
	}
	if err := ctx.Err(); err != nil {
		return entry
	}
	start := time.Now()
	conn, err := net.DialTimeout("tcp", door.Addr(), timeout)
	if err != nil {
		return entry
	}
	latency := float64(time.Since(start).Microseconds()) / 1000.0
	_ = conn.Close()
	entry.Liveness = model.LivenessOnline
	entry.LatencyMS = &latency
	return entry
}
