package connmgr

import (
	"context"
	"time"

	"github.com/anubissbe/remote-docker-continued/internal/lifecycle"
	log "github.com/sirupsen/logrus"
)

// loop drives the periodic check and the debounced lifecycle triggers.
// Attempts run on their own goroutines so the guard, not this loop, decides
// which trigger wins.
func (m *Manager) loop(ctx context.Context, events <-chan lifecycle.Event) {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	debounce := time.NewTimer(m.opts.RegainDebounce)
	debounce.Stop()
	defer debounce.Stop()

	var (
		debounceC <-chan time.Time
		pending   lifecycle.Event
	)

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			m.spawn(ctx, func(ctx context.Context) { m.tick(ctx) })

		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !e.Regained() {
				log.WithField("event", e).Debug("Lifecycle event ignored, tunnels stay open")
				continue
			}
			pending = e
			debounce.Reset(m.opts.RegainDebounce)
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			trigger := "lifecycle:" + string(pending)
			m.spawn(ctx, func(ctx context.Context) { m.reconnect(ctx, trigger, false) })
		}
	}
}

// spawn runs fn detached from the loop's cancellation: Stop ends the loop
// but waits for an open or close already under way.
func (m *Manager) spawn(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn(ctx)
	}()
}

// LifecycleRegained runs the lifecycle reconnect attempt immediately,
// without the debounce. Used by callers that already debounced.
func (m *Manager) LifecycleRegained(ctx context.Context) error {
	return m.reconnect(context.WithoutCancel(ctx), "lifecycle", false)
}
