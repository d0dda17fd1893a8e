// Package irrproxy maintains SSH tunnels to IRR servers and rewrites bgpq4
// invocations to use them.
package irrproxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/networksandchill/otto-bgp/internal/config"
)

// ErrProxyUnavailable is returned when a required tunnel is not healthy.
var ErrProxyUnavailable = errors.New("PROXY_UNAVAILABLE")

// tunnel is one named local_port -> remote forward over the jump host.
type tunnel struct {
	cfg      config.TunnelConfig
	listener net.Listener

	mu      sync.RWMutex
	healthy bool
}

func (t *tunnel) setHealthy(v bool) {
	t.mu.Lock()
	t.healthy = v
	t.mu.Unlock()
}

func (t *tunnel) isHealthy() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.healthy
}

// Manager owns the jump-host connection and its tunnels.
type Manager struct {
	log *zap.Logger
	cfg config.IRRProxyConfig

	mu      sync.Mutex
	client  *ssh.Client
	tunnels map[string]*tunnel

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager builds a manager; tunnels are not opened until Start.
func NewManager(log *zap.Logger, cfg config.IRRProxyConfig) *Manager {
	return &Manager{
		log:     log,
		cfg:     cfg,
		tunnels: make(map[string]*tunnel),
	}
}

// Start connects the jump host and brings up all configured tunnels, then
// monitors them with exponential-backoff reconnects until ctx is
// cancelled.
func (m *Manager) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if err := m.connect(); err != nil {
		cancel()
		return err
	}

	for _, tc := range m.cfg.Tunnels {
		t := &tunnel{cfg: tc}
		if err := m.openTunnel(ctx, t); err != nil {
			m.Stop()
			return fmt.Errorf("opening tunnel %s: %w", tc.Name, err)
		}
		m.tunnels[tc.Name] = t
	}

	m.wg.Add(1)
	go m.monitor(ctx)

	m.log.Info("IRR proxy started",
		zap.String("jump_host", m.cfg.JumpHost),
		zap.Int("tunnels", len(m.tunnels)),
	)
	return nil
}

// Stop tears down tunnels and the jump-host session. Listeners close
// before the wait so blocked Accept calls return.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	for _, t := range m.tunnels {
		if t.listener != nil {
			t.listener.Close()
		}
		t.setHealthy(false)
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// connect dials the jump host with strict host-key checking.
func (m *Manager) connect() error {
	hostKey, err := knownhosts.New(m.cfg.KnownHostsFile)
	if err != nil {
		return fmt.Errorf("loading proxy known_hosts: %w", err)
	}

	key, err := os.ReadFile(m.cfg.SSHKeyFile)
	if err != nil {
		return fmt.Errorf("reading proxy SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("parsing proxy SSH key: %w", err)
	}

	client, err := ssh.Dial("tcp", m.cfg.JumpHost, &ssh.ClientConfig{
		User:            m.cfg.JumpUser,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKey,
		Timeout:         m.cfg.ConnectionTimeout,
	})
	if err != nil {
		return fmt.Errorf("connecting jump host %s: %w", m.cfg.JumpHost, err)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

// openTunnel binds the local port and starts forwarding connections
// through the jump host.
func (m *Manager) openTunnel(ctx context.Context, t *tunnel) error {
	local := fmt.Sprintf("127.0.0.1:%d", t.cfg.LocalPort)
	listener, err := net.Listen("tcp", local)
	if err != nil {
		return fmt.Errorf("binding %s: %w", local, err)
	}
	t.listener = listener
	t.setHealthy(true)

	remote := fmt.Sprintf("%s:%d", t.cfg.RemoteHost, t.cfg.RemotePort)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.setHealthy(false)
				return
			}
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.forward(conn, remote, t)
			}()
		}
	}()

	m.log.Info("tunnel up",
		zap.String("name", t.cfg.Name),
		zap.String("local", local),
		zap.String("remote", remote),
	)
	return nil
}

func (m *Manager) forward(local net.Conn, remote string, t *tunnel) {
	defer local.Close()

	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		t.setHealthy(false)
		return
	}

	upstream, err := client.Dial("tcp", remote)
	if err != nil {
		m.log.Warn("tunnel dial failed",
			zap.String("name", t.cfg.Name),
			zap.Error(err),
		)
		t.setHealthy(false)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(upstream, local); done <- struct{}{} }()
	go func() { io.Copy(local, upstream); done <- struct{}{} }()
	<-done
}

// monitor watches the jump-host session and reconnects with exponential
// backoff when it drops.
func (m *Manager) monitor(ctx context.Context) {
	defer m.wg.Done()

	for {
		m.mu.Lock()
		client := m.client
		m.mu.Unlock()
		if client == nil {
			return
		}

		// Wait blocks until the session dies.
		waitErr := make(chan error, 1)
		go func() { waitErr <- client.Wait() }()

		select {
		case <-ctx.Done():
			return
		case err := <-waitErr:
			m.log.Warn("jump host session lost", zap.Error(err))
			for _, t := range m.tunnels {
				t.setHealthy(false)
			}
		}

		policy := backoff.WithContext(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(time.Second),
			backoff.WithMaxInterval(time.Minute),
			backoff.WithMaxElapsedTime(0),
		), ctx)

		err := backoff.RetryNotify(func() error {
			return m.connect()
		}, policy, func(err error, next time.Duration) {
			m.log.Warn("jump host reconnect failed",
				zap.Error(err),
				zap.Duration("retry_in", next),
			)
		})
		if err != nil {
			// Context cancelled during backoff.
			return
		}

		for _, t := range m.tunnels {
			t.setHealthy(true)
		}
		m.log.Info("jump host session re-established")
	}
}

// Healthy reports whether the named tunnel is usable.
func (m *Manager) Healthy(name string) bool {
	t, ok := m.tunnels[name]
	return ok && t.isHealthy()
}

// WrapCommand rewrites a bgpq4 argv so the IRR query loops back through
// the named tunnel. The host argument follows "-h". If the tunnel is not
// healthy the caller gets ErrProxyUnavailable and decides whether direct
// access is an acceptable fallback.
func (m *Manager) WrapCommand(argv []string, tunnelName string) ([]string, error) {
	if !m.cfg.Enabled {
		return argv, nil
	}

	t, ok := m.tunnels[tunnelName]
	if !ok {
		return nil, fmt.Errorf("%w: no tunnel named %s", ErrProxyUnavailable, tunnelName)
	}
	if !t.isHealthy() {
		return nil, fmt.Errorf("%w: tunnel %s is down", ErrProxyUnavailable, tunnelName)
	}

	local := fmt.Sprintf("127.0.0.1:%d", t.cfg.LocalPort)
	out := make([]string, 0, len(argv)+2)
	replaced := false
	for i := 0; i < len(argv); i++ {
		out = append(out, argv[i])
		if argv[i] == "-h" && i+1 < len(argv) {
			out = append(out, local)
			i++
			replaced = true
		}
	}
	if !replaced {
		// No explicit host in the original argv; inject one after argv[0].
		out = append(out[:1], append([]string{"-h", local}, out[1:]...)...)
	}
	return out, nil
}
