package connmgr

import (
	"context"
	"fmt"

	"github.com/anubissbe/remote-docker-continued/internal/environment"
	log "github.com/sirupsen/logrus"
)

// UpdateSettings replaces the catalog and autoConnect. The selection is not
// changed here: use SelectEnvironment for that. If the active environment is
// removed the selection is cleared and its tunnel closed; if its host or
// user changed, the tunnel is rebuilt against the new host.
func (m *Manager) UpdateSettings(ctx context.Context, next environment.Settings) error {
	ctx = context.WithoutCancel(ctx)

	if err := next.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}

	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		m.rejected("update_settings")
		return ErrOperationInFlight
	}
	prev, hadPrev := m.settings.Active()
	status := m.state.Status
	host := m.host
	next = next.Clone()
	next.ActiveEnvironmentID = m.settings.ActiveEnvironmentID
	updated, stillThere := next.Active()
	if !stillThere {
		next.ActiveEnvironmentID = ""
	}
	m.inFlight = true
	m.mu.Unlock()
	defer m.release()

	if err := m.store.Save(ctx, next); err != nil {
		log.WithError(err).Error("Settings update aborted")
		return fmt.Errorf("%w: %w", ErrSettingsPersistence, err)
	}

	m.mu.Lock()
	m.settings = next
	m.mu.Unlock()

	if !hadPrev {
		return nil
	}
	if host.Address == "" {
		host = prev.Host()
	}

	switch {
	case !stillThere:
		log.WithField("env", prev.ID).Info("Active environment removed, clearing selection")
		if status != StatusDisconnected {
			m.disconnect(ctx, prev, host, "active environment removed")
		}
		m.setState(StatusDisconnected, environment.Environment{}, "", "selection cleared")

	case updated.Host() != host:
		log.WithFields(log.Fields{"env": updated.ID, "from": host.Key(), "to": updated.Host().Key()}).Info("Active environment host changed")
		if status == StatusDisconnected && host == (environment.Host{}) {
			return nil
		}
		m.disconnect(ctx, updated, host, "environment host changed")
		if status == StatusConnected || status == StatusConnecting {
			m.connect(ctx, updated, "settings")
		}
	}
	return nil
}

// AddEnvironment appends env to the catalog, assigning an id when it has
// none, and returns the stored entry.
func (m *Manager) AddEnvironment(ctx context.Context, env environment.Environment) (environment.Environment, error) {
	if env.ID == "" {
		env.ID = environment.NewID()
	}
	if env.Name == "" {
		env.Name = env.HostAddress
	}

	next := m.Settings()
	if _, exists := next.Find(env.ID); exists {
		return environment.Environment{}, fmt.Errorf("%w: duplicate environment id %q", ErrInvalidSettings, env.ID)
	}
	next.Environments = append(next.Environments, env)

	if err := m.UpdateSettings(ctx, next); err != nil {
		return environment.Environment{}, err
	}
	return env, nil
}

// SetAutoConnect toggles eager connect at startup.
func (m *Manager) SetAutoConnect(ctx context.Context, enabled bool) error {
	next := m.Settings()
	next.AutoConnect = enabled
	return m.UpdateSettings(ctx, next)
}
