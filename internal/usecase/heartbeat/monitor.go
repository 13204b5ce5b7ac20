// Package heartbeat keeps the registry's view of available capacity
// honest: it is the sole path that evicts failed agents.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"fabric/internal/domain"
	"fabric/internal/usecase/agent"
	"fabric/internal/usecase/registry"
)

// evictAfterStrikes is the number of consecutive failed probes before a
// non-suspect agent is removed.
const evictAfterStrikes = 2

// Monitor probes every registered agent on a fixed interval and evicts
// the ones that are gone. Executor timeouts hand their agent over as a
// suspect; the next sweep decides whether it actually died.
type Monitor struct {
	registry *registry.Registry
	bus      domain.EventBus
	logger   *slog.Logger
	timeout  time.Duration

	strikes map[string]int
}

// New builds a monitor. timeout bounds each individual health probe.
func New(reg *registry.Registry, bus domain.EventBus, logger *slog.Logger, timeout time.Duration) *Monitor {
	return &Monitor{
		registry: reg,
		bus:      bus,
		logger:   logger.With("component", "heartbeat"),
		timeout:  timeout,
		strikes:  make(map[string]int),
	}
}

// Sweep health-checks the whole fleet once. Probes run against a
// snapshot so a slow agent never stalls registry mutations; evictions
// happen after the scan completes. Sweep is driven by the maintenance
// runner and is not safe for concurrent use with itself.
func (m *Monitor) Sweep(ctx context.Context) {
	suspects := m.registry.TakeSuspects()
	var evict []*agent.Agent

	for _, ag := range m.registry.Snapshot() {
		id := ag.ID()
		_, suspect := suspects[id]

		if ag.State() == domain.AgentFailed {
			evict = append(evict, ag)
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		health := ag.Health(probeCtx)
		cancel()

		if !health.Status.Evictable() {
			delete(m.strikes, id)
			if suspect {
				// The executor saw a timeout but the guest recovered;
				// put the agent back into rotation.
				if err := m.registry.Release(id); err != nil {
					m.logger.Warn("suspect release failed", "agent_id", id, "error", err)
				} else {
					m.logger.Info("suspect agent recovered", "agent_id", id)
				}
			}
			continue
		}

		m.strikes[id]++
		if suspect || m.strikes[id] >= evictAfterStrikes {
			evict = append(evict, ag)
			continue
		}
		m.logger.Warn("agent missed heartbeat",
			"agent_id", id, "status", health.Status, "strikes", m.strikes[id])
		m.publish(ctx, domain.EventAgentHeartbeatMissed, id)
	}

	for _, ag := range evict {
		m.evict(ctx, ag)
	}
}

// evict removes the agent from the registry and shuts it down
// best-effort. A failing shutdown is logged, never propagated; a dying
// agent must not block the monitor.
func (m *Monitor) evict(ctx context.Context, ag *agent.Agent) {
	id := ag.ID()
	delete(m.strikes, id)
	if err := m.registry.Remove(id); err != nil {
		m.logger.Warn("eviction remove failed", "agent_id", id, "error", err)
	}
	if err := ag.Shutdown(ctx); err != nil {
		m.logger.Warn("eviction shutdown failed", "agent_id", id, "error", err)
	}
	m.logger.Info("agent evicted", "agent_id", id)
	m.publish(ctx, domain.EventAgentEvicted, id)
}

func (m *Monitor) publish(ctx context.Context, typ domain.EventType, agentID string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, domain.Event{Type: typ, Timestamp: time.Now(), AgentID: agentID})
}
