// Package monitor watches remote reachability and drives the sync engine
// accordingly: live replication starts when the remote comes into reach and
// stops when it drops out. The store never depends on this; local operations
// keep working regardless of what the monitor sees.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/tillsync/tillsync/internal/config"
	"github.com/tillsync/tillsync/internal/events"
	enginesync "github.com/tillsync/tillsync/internal/sync"
	"github.com/tillsync/tillsync/internal/transport"
)

// Status is a snapshot of connectivity state.
type Status struct {
	Online    bool      `json:"online"`
	LastProbe time.Time `json:"last_probe,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Monitor probes the remote endpoint on an interval and reacts to edges.
type Monitor struct {
	client transport.Client
	engine *enginesync.Engine
	bus    *events.Bus
	logger *events.Logger
	cfg    config.MonitorConfig

	mu      sync.Mutex
	status  Status
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a connectivity monitor.
func New(client transport.Client, engine *enginesync.Engine, bus *events.Bus, cfg config.MonitorConfig, logger *events.Logger) *Monitor {
	return &Monitor{
		client: client,
		engine: engine,
		bus:    bus,
		logger: logger.WithField("component", "monitor"),
		cfg:    cfg,
	}
}

// Start begins probing. The first probe runs immediately so startup in reach
// of the remote goes online without waiting a full interval.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
}

// Stop ends probing and winds down live replication.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done
	m.engine.StopAll()
}

// Status returns the current connectivity snapshot.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetOnline forces a connectivity transition, bypassing the probe. Used by
// tests and the CLI's manual override.
func (m *Monitor) SetOnline(ctx context.Context, online bool) {
	m.transition(ctx, online, nil)
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	m.probe(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	err := m.client.Ping(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return
	}
	m.transition(ctx, err == nil, err)
}

// transition records the probe result and acts only on edges: going online
// starts live sessions, going offline stops them. Repeated probes in the same
// state just refresh the timestamp.
func (m *Monitor) transition(ctx context.Context, online bool, probeErr error) {
	m.mu.Lock()
	was := m.status.Online
	m.status.Online = online
	m.status.LastProbe = time.Now().UTC()
	if probeErr != nil {
		m.status.LastError = probeErr.Error()
	} else {
		m.status.LastError = ""
	}
	m.mu.Unlock()

	if online == was {
		return
	}

	if online {
		m.logger.Info("Remote reachable, starting live sync")
		m.bus.Publish(events.Event{Type: events.EventOnline})
		if err := m.engine.StartAllLive(ctx); err != nil {
			m.logger.WithError(err).Warn("Failed to start live sessions")
		}
		return
	}

	m.logger.WithError(probeErr).Warn("Remote unreachable, stopping live sync")
	m.bus.Publish(events.Event{Type: events.EventOffline})
	m.engine.StopAll()
}
