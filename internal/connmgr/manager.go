// Package connmgr owns the single active remote environment and the tunnel to
// it.
//
// Every open/close sequence runs under one guard. Triggers that arrive while
// the guard is held (a periodic tick, a lifecycle signal, a second click) are
// dropped with ErrOperationInFlight rather than queued. Settings are saved
// before any tunnel call, and on a switch the previous tunnel is closed before
// the next one is opened.
//
// Tunnel failures never escape as errors. They move the state to Error and
// are readable through LastError; the periodic tick or the user retries.
package connmgr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anubissbe/remote-docker-continued/internal/environment"
	"github.com/anubissbe/remote-docker-continued/internal/lifecycle"
	"github.com/anubissbe/remote-docker-continued/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCheckInterval  = 5 * time.Second
	defaultRegainDebounce = 100 * time.Millisecond
)

// SettingsStore persists the environment catalog and the selection.
type SettingsStore interface {
	Load(ctx context.Context) (environment.Settings, error)
	Save(ctx context.Context, s environment.Settings) error
}

// TunnelService opens and closes tunnels keyed by host. Timeouts are its
// responsibility.
type TunnelService interface {
	Open(ctx context.Context, host environment.Host) error
	Close(ctx context.Context, host environment.Host) error
	Status(ctx context.Context, host environment.Host) bool
}

// disconnectNotifier is implemented by tunnel services that report
// connections they lost on their own.
type disconnectNotifier interface {
	OnDisconnect(func(host environment.Host, reason string))
}

// LifecycleSource delivers host-shell signals.
type LifecycleSource interface {
	Subscribe(buffer int) (<-chan lifecycle.Event, func())
}

type Options struct {
	CheckInterval  time.Duration
	RegainDebounce time.Duration
	Lifecycle      LifecycleSource

	// Registerer receives the manager's metrics collector when set.
	Registerer prometheus.Registerer
}

type Manager struct {
	store   SettingsStore
	tunnels TunnelService
	opts    Options
	metrics *Collector

	mu       sync.Mutex
	settings environment.Settings
	state    TunnelState
	host     environment.Host // host the tunnel state refers to
	inFlight bool

	// suspended pauses automatic healing after a manual disconnect.
	suspended bool
	// pendingDisconnect is a manual disconnect that arrived during an open.
	pendingDisconnect bool

	transitions transitionLog
	callbacks   []StateChangeCallback

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(store SettingsStore, tunnels TunnelService, opts Options) *Manager {
	if opts.CheckInterval <= 0 {
		opts.CheckInterval = defaultCheckInterval
	}
	if opts.RegainDebounce <= 0 {
		opts.RegainDebounce = defaultRegainDebounce
	}

	m := &Manager{
		store:   store,
		tunnels: tunnels,
		opts:    opts,
		metrics: NewMetricsCollector(),
	}
	m.metrics.setState(StatusDisconnected)

	if opts.Registerer != nil {
		if err := opts.Registerer.Register(m.metrics); err != nil {
			log.WithError(err).Warn("Connection manager metrics not registered")
		}
	}
	if n, ok := tunnels.(disconnectNotifier); ok {
		n.OnDisconnect(m.handleTunnelLost)
	}
	return m
}

// Start loads settings, drops a stale selection, re-derives tunnel liveness
// and starts the health-check loop. With autoConnect set, a dead tunnel to
// the selected environment is opened right away.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.mu.Unlock()

	settings, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	if settings.ActiveEnvironmentID != "" {
		if _, ok := settings.Active(); !ok {
			stale := settings.ActiveEnvironmentID
			cleared := settings.Clone()
			cleared.ActiveEnvironmentID = ""
			if err := m.store.Save(ctx, cleared); err != nil {
				log.WithError(err).WithField("env", logging.Sanitize(stale)).Warn("Could not clear stale active environment")
			} else {
				settings = cleared
				log.WithField("env", logging.Sanitize(stale)).Info("Cleared stale active environment")
			}
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.settings = settings
	m.cancel = cancel
	m.mu.Unlock()

	var events <-chan lifecycle.Event
	unsubscribe := func() {}
	if m.opts.Lifecycle != nil {
		events, unsubscribe = m.opts.Lifecycle.Subscribe(16)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsubscribe()
		m.loop(loopCtx, events)
	}()

	m.reconcile(context.WithoutCancel(ctx), settings.AutoConnect)
	return nil
}

// reconcile replaces the initial Disconnected with the tunnel's actual
// liveness and optionally connects.
func (m *Manager) reconcile(ctx context.Context, autoConnect bool) {
	env, ok := m.claimActive()
	if !ok {
		return
	}
	defer m.release()

	if m.tunnels.Status(ctx, env.Host()) {
		m.setState(StatusConnected, env, "", "tunnel already live")
		return
	}
	if autoConnect {
		m.connect(ctx, env, "startup")
	}
}

// claimActive takes the guard when an environment is selected.
func (m *Manager) claimActive() (environment.Environment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	env, ok := m.settings.Active()
	if !ok || m.inFlight {
		return environment.Environment{}, false
	}
	m.inFlight = true
	return env, true
}

// Stop ends the health-check loop and waits for an attempt already under
// way. Tunnels are left open.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

// SelectEnvironment makes id the active environment; "" clears the
// selection. Re-selecting the active environment does nothing.
func (m *Manager) SelectEnvironment(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	if id == m.settings.ActiveEnvironmentID {
		m.mu.Unlock()
		log.WithFields(log.Fields{"env": logging.Sanitize(id), "trigger": "select", "outcome": "noop"}).Debug("Environment already active")
		return nil
	}
	if m.inFlight {
		m.mu.Unlock()
		m.rejected("select")
		return ErrOperationInFlight
	}
	var target environment.Environment
	if id != "" {
		t, ok := m.settings.Find(id)
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownEnvironment, id)
		}
		target = t
	}
	prev, hadPrev := m.settings.Active()
	prevHost := m.host
	next := m.settings.Clone()
	next.ActiveEnvironmentID = id
	m.inFlight = true
	m.mu.Unlock()
	defer m.release()

	if err := m.store.Save(ctx, next); err != nil {
		log.WithError(err).WithField("env", logging.Sanitize(id)).Error("Environment switch aborted")
		return fmt.Errorf("%w: %w", ErrSettingsPersistence, err)
	}

	m.mu.Lock()
	m.settings = next
	m.suspended = false
	m.mu.Unlock()

	log.WithFields(log.Fields{"from": prev.ID, "to": logging.Sanitize(id)}).Info("Switching active environment")

	if hadPrev {
		host := prev.Host()
		if prevHost.Address != "" {
			host = prevHost
		}
		m.disconnect(ctx, prev, host, "switching environment")
	}
	if id == "" {
		m.setState(StatusDisconnected, environment.Environment{}, "", "selection cleared")
		return nil
	}
	m.connect(ctx, target, "select")
	return nil
}

// ManualDisconnect closes the tunnel but keeps the selection. Automatic
// healing pauses until ManualReconnect or a new selection. A disconnect
// during an open is applied once the open settles.
func (m *Manager) ManualDisconnect(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)

	m.mu.Lock()
	if m.state.Status == StatusDisconnecting {
		m.mu.Unlock()
		m.rejected("manual_disconnect")
		return ErrOperationInFlight
	}
	m.suspended = true
	if m.inFlight {
		m.pendingDisconnect = true
		m.mu.Unlock()
		log.WithFields(log.Fields{"trigger": "manual_disconnect", "outcome": "deferred"}).Info("Disconnect deferred until open settles")
		return nil
	}
	if m.state.Status == StatusDisconnected {
		m.mu.Unlock()
		return nil
	}
	env, _ := m.settings.Find(m.state.EnvironmentID)
	env.ID = m.state.EnvironmentID
	host := m.host
	m.inFlight = true
	m.mu.Unlock()
	defer m.release()

	m.disconnect(ctx, env, host, "manual disconnect")
	return nil
}

// ManualReconnect opens the tunnel to the active environment when it is
// disconnected or failed, and resumes automatic healing.
func (m *Manager) ManualReconnect(ctx context.Context) error {
	return m.reconnect(context.WithoutCancel(ctx), "manual_reconnect", true)
}

func (m *Manager) tick(ctx context.Context) {
	m.reconnect(ctx, "tick", false)
}

// reconnect re-runs the open step for the active environment if the state
// is Disconnected or Error and the guard is free.
func (m *Manager) reconnect(ctx context.Context, trigger string, manual bool) error {
	fields := log.Fields{"trigger": trigger}

	m.mu.Lock()
	env, ok := m.settings.Active()
	if !ok {
		m.mu.Unlock()
		fields["outcome"] = "no_selection"
		log.WithFields(fields).Trace("Reconnect skipped")
		return ErrNoActiveEnvironment
	}
	fields["env"] = env.ID
	if m.inFlight {
		m.mu.Unlock()
		m.rejected(trigger)
		return ErrOperationInFlight
	}
	if manual {
		m.suspended = false
	} else if m.suspended {
		m.mu.Unlock()
		fields["outcome"] = "suspended"
		log.WithFields(fields).Trace("Reconnect skipped")
		return nil
	}
	if st := m.state.Status; st != StatusDisconnected && st != StatusError {
		m.mu.Unlock()
		fields["outcome"] = "skipped_state"
		fields["state"] = st.String()
		log.WithFields(fields).Trace("Reconnect skipped")
		return nil
	}
	m.inFlight = true
	m.mu.Unlock()
	defer m.release()

	m.connect(ctx, env, trigger)
	return nil
}

func (m *Manager) rejected(trigger string) {
	m.metrics.guardRejections.WithLabelValues(trigger).Inc()
	log.WithFields(log.Fields{"trigger": trigger, "outcome": "guard_rejected"}).Debug("Trigger dropped, operation in flight")
}

// connect opens the tunnel to env. The caller holds the guard.
func (m *Manager) connect(ctx context.Context, env environment.Environment, trigger string) {
	m.setState(StatusConnecting, env, "", "opening tunnel ("+trigger+")")

	start := time.Now()
	err := m.tunnels.Open(ctx, env.Host())
	m.metrics.openDuration.Observe(time.Since(start).Seconds())
	m.metrics.op("open", err)

	m.mu.Lock()
	pending := m.pendingDisconnect
	m.pendingDisconnect = false
	m.mu.Unlock()

	fields := log.Fields{"env": env.ID, "host": logging.Sanitize(env.Host().Key()), "trigger": trigger}
	if err != nil {
		fields["outcome"] = "open_failed"
		log.WithFields(fields).WithError(err).Warn("Tunnel open failed")
		if pending {
			m.setState(StatusDisconnected, env, err.Error(), "open failed, disconnect requested")
			return
		}
		m.setState(StatusError, env, err.Error(), "open failed")
		return
	}

	fields["outcome"] = "opened"
	log.WithFields(fields).Info("Tunnel open")
	if pending {
		m.setState(StatusConnected, env, "", "tunnel open")
		m.disconnect(ctx, env, env.Host(), "deferred manual disconnect")
		return
	}
	m.setState(StatusConnected, env, "", "tunnel open")
}

// disconnect closes the tunnel to host. A failed close still ends in
// Disconnected. The caller holds the guard.
func (m *Manager) disconnect(ctx context.Context, env environment.Environment, host environment.Host, reason string) {
	m.mu.Lock()
	t, changed := m.applyLocked(StatusDisconnecting, env.ID, host, "", reason)
	m.mu.Unlock()
	if changed {
		m.fire(t)
	}

	if err := m.tunnels.Close(ctx, host); err != nil {
		log.WithFields(log.Fields{"env": env.ID, "host": logging.Sanitize(host.Key())}).WithError(err).Warn("Tunnel close failed, treating as closed")
		m.metrics.op("close", err)
	} else {
		m.metrics.op("close", nil)
	}

	m.mu.Lock()
	t, changed = m.applyLocked(StatusDisconnected, env.ID, host, "", "tunnel closed")
	m.mu.Unlock()
	if changed {
		m.fire(t)
	}
}

// handleTunnelLost moves a Connected state to Disconnected when the tunnel
// service reports the connection dropped, so the next tick reopens it.
func (m *Manager) handleTunnelLost(host environment.Host, reason string) {
	m.mu.Lock()
	if m.inFlight || m.state.Status != StatusConnected || m.host != host {
		m.mu.Unlock()
		return
	}
	t, changed := m.applyLocked(StatusDisconnected, m.state.EnvironmentID, host, reason, "tunnel lost: "+reason)
	m.mu.Unlock()
	if changed {
		log.WithFields(log.Fields{"env": t.EnvironmentID, "host": logging.Sanitize(host.Key())}).Warn("Tunnel lost")
		m.fire(t)
	}
}

// release frees the guard. A manual disconnect that arrived while the guard
// was held by an operation that did not consume it is applied first, still
// under the guard.
func (m *Manager) release() {
	for {
		m.mu.Lock()
		pending := m.pendingDisconnect
		m.pendingDisconnect = false
		st := m.state.Status
		if !pending || st == StatusDisconnected || st == StatusDisconnecting {
			m.inFlight = false
			m.mu.Unlock()
			return
		}
		env, _ := m.settings.Find(m.state.EnvironmentID)
		env.ID = m.state.EnvironmentID
		host := m.host
		m.mu.Unlock()

		log.WithFields(log.Fields{"env": env.ID, "trigger": "manual_disconnect", "outcome": "applied"}).Info("Applying deferred disconnect")
		m.disconnect(context.Background(), env, host, "deferred manual disconnect")
	}
}

func (m *Manager) setState(status Status, env environment.Environment, lastErr, reason string) {
	host := env.Host()
	if env.ID == "" {
		host = environment.Host{}
	}
	m.mu.Lock()
	t, changed := m.applyLocked(status, env.ID, host, lastErr, reason)
	m.mu.Unlock()
	if changed {
		m.fire(t)
	}
}

// applyLocked updates the state and records the transition. Caller holds m.mu.
func (m *Manager) applyLocked(status Status, envID string, host environment.Host, lastErr, reason string) (Transition, bool) {
	next := TunnelState{Status: status, EnvironmentID: envID, LastError: lastErr}
	if next == m.state && host == m.host {
		return Transition{}, false
	}
	t := Transition{
		From:          m.state.Status,
		To:            status,
		EnvironmentID: envID,
		Reason:        reason,
		Timestamp:     time.Now(),
	}
	m.state = next
	m.host = host
	m.transitions.record(t)
	m.metrics.setState(status)
	return t, true
}

func (m *Manager) fire(t Transition) {
	m.mu.Lock()
	cbs := make([]StateChangeCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.mu.Unlock()

	for _, cb := range cbs {
		cb(t)
	}
}

// OnStateChange registers a callback for every transition.
func (m *Manager) OnStateChange(cb StateChangeCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// IsConnected is true only in the Connected state.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Status == StatusConnected
}

// ActiveEnvironment returns the selected environment.
func (m *Manager) ActiveEnvironment() (environment.Environment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Active()
}

// ConnectedEnvironment returns the active environment only while its tunnel
// is up.
func (m *Manager) ConnectedEnvironment() (environment.Environment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != StatusConnected {
		return environment.Environment{}, false
	}
	env, ok := m.settings.Active()
	if !ok || env.ID != m.state.EnvironmentID {
		return environment.Environment{}, false
	}
	return env, true
}

// LastError returns the message of the last failed open, or "".
func (m *Manager) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.LastError
}

func (m *Manager) State() TunnelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transitions returns up to the last 50 transitions, oldest first.
func (m *Manager) Transitions() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions.history()
}

// Settings returns a copy of the cached settings.
func (m *Manager) Settings() environment.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Clone()
}

// IsActiveHost reports whether host carries the tunnel the manager owns.
func (m *Manager) IsActiveHost(host environment.Host) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.host == host && m.state.Status != StatusDisconnected {
		return true
	}
	env, ok := m.settings.Active()
	return ok && env.Host() == host
}
