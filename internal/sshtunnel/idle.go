package sshtunnel

import (
	"fmt"
	"time"

	"github.com/anubissbe/remote-docker-continued/internal/logging"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// StartIdleCleanup schedules a job that closes connections unused for longer
// than idle. Schedule accepts standard cron specs and descriptors such as
// "@every 10m".
func (s *Service) StartIdleCleanup(schedule string, idle time.Duration) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.closeIdle(idle) }); err != nil {
		return fmt.Errorf("schedule idle cleanup %q: %w", schedule, err)
	}

	s.mu.Lock()
	prev := s.cron
	s.cron = c
	s.mu.Unlock()
	if prev != nil {
		<-prev.Stop().Done()
	}

	c.Start()
	log.WithFields(log.Fields{"schedule": schedule, "idle": idle}).Info("Idle connection cleanup scheduled")
	return nil
}

// StopIdleCleanup stops the cleanup job and waits for a running pass.
func (s *Service) StopIdleCleanup() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// closeIdle drops every connection idle for longer than idle, except hosts
// the keep-open predicate claims. Returns the number closed.
func (s *Service) closeIdle(idle time.Duration) int {
	s.listenersMu.RLock()
	keep := s.keepOpen
	s.listenersMu.RUnlock()

	s.mu.RLock()
	var stale []*managedConn
	for _, mc := range s.conns {
		if mc.idleFor() <= idle {
			continue
		}
		if keep != nil && keep(mc.host) {
			continue
		}
		stale = append(stale, mc)
	}
	s.mu.RUnlock()

	for _, mc := range stale {
		log.WithField("host", logging.Sanitize(mc.host.Key())).Info("Closing idle SSH connection")
		s.drop(mc, "idle timeout")
	}
	return len(stale)
}
