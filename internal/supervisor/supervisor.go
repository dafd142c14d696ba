// Package supervisor implements periodic health scanning and bounded
// auto-restart for system-owned MCP servers.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mcpgate/mcpgate/internal/logging"
	"github.com/mcpgate/mcpgate/internal/metrics"
	"github.com/mcpgate/mcpgate/internal/store"
)

// Prober checks whether a server currently answers health probes.
type Prober interface {
	IsHealthy(ctx context.Context, server *store.ServerDescriptor) bool
}

// Restarter restarts an unhealthy server. Implementations must be
// idempotent: a manual restart can race with a supervisor tick.
type Restarter interface {
	RestartServer(ctx context.Context, server *store.ServerDescriptor) error
}

// HealthState tracks one server's recent probe history. Created lazily
// on first failure observation, reset on any healthy probe, discarded
// when the server leaves the supervised set.
type HealthState struct {
	LastHealthCheck     time.Time
	ConsecutiveFailures int
	LastRestartAttempt  time.Time

	cooldown time.Duration
	policy   backoff.BackOff
}

// Options configures a Supervisor. Zero values take defaults.
type Options struct {
	CheckInterval      time.Duration // default 30s
	MaxRestartAttempts int           // default 3, per-server override wins
	RestartDelay       time.Duration // initial restart cooldown, default 5s
	Logger             *logging.Logger
	Clock              func() time.Time
}

// Supervisor owns all health tracking state. Construct one at startup
// and share the handle; teardown is Stop.
type Supervisor struct {
	servers   store.ServerStore
	prober    Prober
	restarter Restarter

	interval    time.Duration
	maxAttempts int
	delay       time.Duration
	logger      *logging.Logger
	now         func() time.Time

	mu     sync.Mutex
	states map[string]*HealthState

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a supervisor over the given store, prober and restarter.
func New(servers store.ServerStore, prober Prober, restarter Restarter, opts Options) *Supervisor {
	interval := opts.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	maxAttempts := opts.MaxRestartAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	delay := opts.RestartDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	return &Supervisor{
		servers:     servers,
		prober:      prober,
		restarter:   restarter,
		interval:    interval,
		maxAttempts: maxAttempts,
		delay:       delay,
		logger:      logger.Component("supervisor"),
		now:         now,
		states:      make(map[string]*HealthState),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the background scan loop.
func (s *Supervisor) Start(ctx context.Context) {
	go s.run(ctx)
	s.logger.Info("Supervisor started", "interval", s.interval, "max_restart_attempts", s.maxAttempts)
}

// Stop terminates the scan loop and waits for it to exit.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// tick scans enabled system servers sequentially; never restarts two
// servers concurrently from the same tick. Errors are logged, never
// fatal to the loop.
func (s *Supervisor) tick(ctx context.Context) {
	servers, err := s.servers.ListSystemServers(ctx)
	if err != nil {
		s.logger.Error("Health scan failed to list servers", "error", err)
		return
	}

	supervised := make(map[string]bool, len(servers))
	for _, server := range servers {
		if !server.Enabled {
			continue
		}
		supervised[server.ID] = true
		s.checkServer(ctx, server)
	}

	// Drop trackers for servers that were deleted or disabled
	s.mu.Lock()
	for id := range s.states {
		if !supervised[id] {
			delete(s.states, id)
		}
	}
	s.mu.Unlock()
}

func (s *Supervisor) checkServer(ctx context.Context, server *store.ServerDescriptor) {
	now := s.now()
	state := s.state(server.ID)

	healthy := s.prober.IsHealthy(ctx, server)

	s.mu.Lock()
	defer s.mu.Unlock()

	state.LastHealthCheck = now

	if healthy {
		if state.ConsecutiveFailures > 0 {
			s.logger.Info("Server recovered", "server_id", server.ID,
				"previous_failures", state.ConsecutiveFailures)
		}
		state.ConsecutiveFailures = 0
		state.LastRestartAttempt = time.Time{}
		state.cooldown = 0
		state.policy.Reset()
		return
	}

	state.ConsecutiveFailures++
	maxAttempts := server.MaxRestartAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.maxAttempts
	}

	if state.ConsecutiveFailures > maxAttempts {
		s.logger.Warn("Giving up on automatic restarts",
			"server_id", server.ID,
			"consecutive_failures", state.ConsecutiveFailures,
			"max_restart_attempts", maxAttempts)
		return
	}

	if !state.LastRestartAttempt.IsZero() && now.Sub(state.LastRestartAttempt) < state.cooldown {
		s.logger.Debug("Restart cooling down", "server_id", server.ID,
			"cooldown", state.cooldown)
		return
	}

	s.logger.Warn("Restarting unhealthy server", "server_id", server.ID,
		"attempt", state.ConsecutiveFailures, "max_restart_attempts", maxAttempts)

	metrics.Default().TrackRestart()
	if err := s.restarter.RestartServer(ctx, server); err != nil {
		// Failure counter stays for the next tick
		s.logger.Error("Restart failed", "server_id", server.ID, "error", err)
	}
	state.LastRestartAttempt = now
	state.cooldown = state.policy.NextBackOff()
}

// state returns the tracker for a server, creating it lazily.
func (s *Supervisor) state(serverID string) *HealthState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[serverID]
	if !ok {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = s.delay
		policy.RandomizationFactor = 0
		policy.MaxElapsedTime = 0
		state = &HealthState{policy: policy}
		s.states[serverID] = state
	}
	return state
}

// State returns a snapshot of a server's health tracker, if one exists.
func (s *Supervisor) State(serverID string) (HealthState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[serverID]
	if !ok {
		return HealthState{}, false
	}
	return *state, true
}
