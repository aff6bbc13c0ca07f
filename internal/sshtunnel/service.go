// Package sshtunnel maintains the SSH connections that carry traffic to remote
// environments.
//
// Connections are keyed by environment.Host (principal@address). SSH
// multiplexes channels over one TCP connection, so a single connection per
// host serves docker API traffic, health probes and ad-hoc commands.
//
// A keepalive goroutine per connection detects dead peers and notifies
// registered DisconnectListeners. A cron job closes connections nobody has
// used for a while.
package sshtunnel

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/anubissbe/remote-docker-continued/internal/environment"
	"github.com/anubissbe/remote-docker-continued/internal/logging"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/sync/singleflight"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepaliveInterval = 30 * time.Second

	// healthCheckTimeout bounds a single status probe.
	healthCheckTimeout = 5 * time.Second

	healthCheckCommand = "echo ping"

	keepaliveRequest = "keepalive@openssh.com"
)

// DisconnectListener is told when a connection is dropped for any reason
// other than an explicit Close.
type DisconnectListener func(host environment.Host, reason string)

// Options configures a Service.
type Options struct {
	Signers           []ssh.Signer
	HostKeyCallback   ssh.HostKeyCallback
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	DefaultPort       int

	// UseAgent offers keys from the ssh-agent at $SSH_AUTH_SOCK when set.
	UseAgent bool
}

// Service owns the SSH connections to remote environments.
type Service struct {
	opts Options

	mu    sync.RWMutex
	conns map[string]*managedConn

	probe singleflight.Group

	listenersMu sync.RWMutex
	listeners   []DisconnectListener
	keepOpen    func(environment.Host) bool

	agentConn net.Conn
	cron      *cron.Cron
}

// managedConn wraps an SSH client with its cancel function for stopping keepalive.
type managedConn struct {
	host     environment.Host
	addr     string
	client   *ssh.Client
	cancel   context.CancelFunc
	openedAt time.Time

	usedMu   sync.Mutex
	lastUsed time.Time
}

func (mc *managedConn) touch() {
	mc.usedMu.Lock()
	mc.lastUsed = time.Now()
	mc.usedMu.Unlock()
}

func (mc *managedConn) idleFor() time.Duration {
	mc.usedMu.Lock()
	defer mc.usedMu.Unlock()
	return time.Since(mc.lastUsed)
}

// ConnectionInfo describes one live connection.
type ConnectionInfo struct {
	Key       string    `json:"key"`
	Hostname  string    `json:"hostname"`
	Username  string    `json:"username"`
	Address   string    `json:"address"`
	OpenedAt  time.Time `json:"opened_at"`
	LastUsed  time.Time `json:"last_used"`
	UptimeSec int64     `json:"uptime_seconds"`
}

// New creates a Service. Signers may be empty when UseAgent is set.
func New(opts Options) *Service {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = defaultKeepaliveInterval
	}
	if opts.DefaultPort <= 0 {
		opts.DefaultPort = 22
	}
	if opts.HostKeyCallback == nil {
		opts.HostKeyCallback = rejectAllHostKeys
	}
	return &Service{
		opts:  opts,
		conns: make(map[string]*managedConn),
	}
}

func rejectAllHostKeys(hostname string, _ net.Addr, _ ssh.PublicKey) error {
	return fmt.Errorf("no host key policy configured for %s", hostname)
}

// OnDisconnect registers a listener for dropped connections.
func (s *Service) OnDisconnect(l func(host environment.Host, reason string)) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// SetKeepOpen installs a predicate that exempts hosts from idle cleanup.
func (s *Service) SetKeepOpen(fn func(environment.Host) bool) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.keepOpen = fn
}

func (s *Service) notify(host environment.Host, reason string) {
	s.listenersMu.RLock()
	ls := make([]DisconnectListener, len(s.listeners))
	copy(ls, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range ls {
		l(host, reason)
	}
}

func (s *Service) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(s.opts.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(s.opts.Signers...))
	}
	if s.opts.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			s.mu.Lock()
			if s.agentConn == nil {
				conn, err := net.Dial("unix", sock)
				if err != nil {
					log.WithError(err).Warn("Cannot reach ssh-agent")
				} else {
					s.agentConn = conn
				}
			}
			conn := s.agentConn
			s.mu.Unlock()
			if conn != nil {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			}
		}
	}
	return methods
}

func (s *Service) address(host environment.Host) (string, error) {
	h, port, err := environment.SplitAddress(host.Address, s.opts.DefaultPort)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(h, strconv.Itoa(port)), nil
}

// Open establishes the connection for host, reusing a healthy existing one.
func (s *Service) Open(ctx context.Context, host environment.Host) error {
	if err := host.Validate(); err != nil {
		return err
	}

	if mc, ok := s.get(host); ok {
		if err := s.ping(mc); err == nil {
			mc.touch()
			return nil
		}
		s.drop(mc, "stale connection replaced")
	}

	addr, err := s.address(host)
	if err != nil {
		return err
	}
	cfg := &ssh.ClientConfig{
		User:            host.Principal,
		Auth:            s.authMethods(),
		HostKeyCallback: s.opts.HostKeyCallback,
		Timeout:         s.opts.ConnectTimeout,
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	dialer := net.Dialer{Timeout: s.opts.ConnectTimeout}
	netConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	// NewClientConn does not watch the context, so bound the handshake with a deadline.
	if deadline, ok := dialCtx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	netConn.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	keepCtx, keepCancel := context.WithCancel(context.Background())
	now := time.Now()
	mc := &managedConn{
		host:     host,
		addr:     addr,
		client:   client,
		cancel:   keepCancel,
		openedAt: now,
		lastUsed: now,
	}

	s.mu.Lock()
	if existing, ok := s.conns[host.Key()]; ok {
		existing.cancel()
		existing.client.Close()
	}
	s.conns[host.Key()] = mc
	s.mu.Unlock()

	go s.keepalive(keepCtx, mc)

	log.WithFields(log.Fields{"host": logging.Sanitize(host.Key()), "addr": addr}).Info("SSH connected")
	return nil
}

// Close closes the connection for host. Closing an unknown host is not an error.
func (s *Service) Close(_ context.Context, host environment.Host) error {
	s.mu.Lock()
	mc, ok := s.conns[host.Key()]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.conns, host.Key())
	s.mu.Unlock()

	mc.cancel()
	if err := mc.client.Close(); err != nil {
		return fmt.Errorf("close ssh connection to %s: %w", host.Key(), err)
	}
	log.WithField("host", logging.Sanitize(host.Key())).Info("SSH disconnected")
	return nil
}

// CloseAll closes all connections and stops background jobs. Used during shutdown.
func (s *Service) CloseAll() error {
	s.StopIdleCleanup()

	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*managedConn)
	agentConn := s.agentConn
	s.agentConn = nil
	s.mu.Unlock()

	var firstErr error
	for key, mc := range conns {
		mc.cancel()
		if err := mc.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close ssh connection to %s: %w", key, err)
		}
	}
	if agentConn != nil {
		agentConn.Close()
	}
	log.WithField("count", len(conns)).Info("All SSH connections closed")
	return firstErr
}

// Status reports whether the connection for host is alive end to end.
// Concurrent probes of the same host share one round trip.
// The probe ignores the caller's cancellation: its result is shared, and a
// failed probe drops the connection.
func (s *Service) Status(ctx context.Context, host environment.Host) bool {
	probeCtx := context.WithoutCancel(ctx)
	v, _, _ := s.probe.Do(host.Key(), func() (interface{}, error) {
		return s.healthCheck(probeCtx, host) == nil, nil
	})
	return v.(bool)
}

// healthCheck runs a keepalive and a trivial command. A failing connection
// is dropped.
func (s *Service) healthCheck(ctx context.Context, host environment.Host) error {
	mc, ok := s.get(host)
	if !ok {
		return fmt.Errorf("no connection for %s", host.Key())
	}

	if err := s.ping(mc); err != nil {
		s.drop(mc, fmt.Sprintf("keepalive failed: %v", err))
		return err
	}

	if _, err := s.exec(ctx, mc, healthCheckCommand, healthCheckTimeout); err != nil {
		s.drop(mc, fmt.Sprintf("health check failed: %v", err))
		return err
	}
	mc.touch()
	return nil
}

// Exec runs a command on host over the existing connection.
func (s *Service) Exec(ctx context.Context, host environment.Host, cmd string) ([]byte, error) {
	mc, ok := s.get(host)
	if !ok {
		return nil, fmt.Errorf("no connection for %s", host.Key())
	}
	mc.touch()
	return s.exec(ctx, mc, cmd, 0)
}

func (s *Service) exec(ctx context.Context, mc *managedConn, cmd string, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	session, err := mc.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(cmd)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.out, fmt.Errorf("run %q: %w", cmd, r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("run %q: %w", cmd, ctx.Err())
	}
}

// DialRemote opens a stream from the remote host to addr, e.g. the docker
// daemon socket.
func (s *Service) DialRemote(ctx context.Context, host environment.Host, network, addr string) (net.Conn, error) {
	mc, ok := s.get(host)
	if !ok {
		return nil, fmt.Errorf("no connection for %s", host.Key())
	}
	mc.touch()
	conn, err := mc.client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s via %s: %w", network, addr, host.Key(), err)
	}
	return conn, nil
}

// List returns the live connections sorted by nothing in particular.
func (s *Service) List() []ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(s.conns))
	for key, mc := range s.conns {
		mc.usedMu.Lock()
		lastUsed := mc.lastUsed
		mc.usedMu.Unlock()
		out = append(out, ConnectionInfo{
			Key:       key,
			Hostname:  mc.host.Address,
			Username:  mc.host.Principal,
			Address:   mc.addr,
			OpenedAt:  mc.openedAt,
			LastUsed:  lastUsed,
			UptimeSec: int64(time.Since(mc.openedAt).Seconds()),
		})
	}
	return out
}

func (s *Service) get(host environment.Host) (*managedConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mc, ok := s.conns[host.Key()]
	return mc, ok
}

// drop removes mc if it is still the current connection for its host and
// notifies listeners.
func (s *Service) drop(mc *managedConn, reason string) {
	s.mu.Lock()
	current, ok := s.conns[mc.host.Key()]
	if !ok || current != mc {
		s.mu.Unlock()
		return
	}
	delete(s.conns, mc.host.Key())
	s.mu.Unlock()

	mc.cancel()
	mc.client.Close()

	log.WithFields(log.Fields{
		"host":   logging.Sanitize(mc.host.Key()),
		"reason": reason,
	}).Warn("SSH connection dropped")
	s.notify(mc.host, reason)
}

// keepalive sends periodic keepalive requests to detect dead connections.
func (s *Service) keepalive(ctx context.Context, mc *managedConn) {
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ping(mc); err != nil {
				s.drop(mc, fmt.Sprintf("keepalive failed: %v", err))
				return
			}
		}
	}
}

// ping sends one keepalive request and waits at most ConnectTimeout for the
// reply. A peer that keeps TCP up but stops answering counts as dead.
func (s *Service) ping(mc *managedConn) error {
	done := make(chan error, 1)
	go func() {
		_, _, err := mc.client.SendRequest(keepaliveRequest, true, nil)
		done <- err
	}()

	timer := time.NewTimer(s.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("no keepalive reply within %s", s.opts.ConnectTimeout)
	}
}
