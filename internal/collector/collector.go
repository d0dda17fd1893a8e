// Package collector retrieves BGP configuration from routers over SSH.
package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/inventory"
)

// The one command issued per device. Constant; no user-supplied text ever
// reaches the session.
const showBGPCommand = "show configuration protocols bgp"

// Failure kinds surfaced on CollectionResult. None are retried here.
const (
	KindAuthFailed      = "AUTH_FAILED"
	KindHostKeyUnknown  = "HOST_KEY_UNKNOWN"
	KindHostKeyMismatch = "HOST_KEY_MISMATCH"
	KindConnectTimeout  = "CONNECT_TIMEOUT"
	KindCommandTimeout  = "COMMAND_TIMEOUT"
	KindTransport       = "TRANSPORT"
	KindUnknown         = "UNKNOWN"
)

// RouterProfile is the identity record carried through the pipeline.
type RouterProfile struct {
	Hostname  string
	Address   string
	BGPConfig string
}

// CollectionResult is the per-device outcome: a profile or a classified
// failure, never both.
type CollectionResult struct {
	Device   inventory.Device
	Profile  *RouterProfile
	ErrKind  string
	Err      error
	Duration time.Duration
}

// Ok reports whether collection succeeded for this device.
func (r CollectionResult) Ok() bool { return r.Err == nil }

// BatchResult aggregates a collection run.
type BatchResult struct {
	Results  []CollectionResult
	Duration time.Duration
}

// Succeeded counts devices that produced a profile.
func (b BatchResult) Succeeded() int {
	n := 0
	for _, r := range b.Results {
		if r.Ok() {
			n++
		}
	}
	return n
}

// Collector dials devices and retrieves their BGP stanza.
type Collector struct {
	log *zap.Logger
	cfg config.SSHConfig

	auth    []ssh.AuthMethod
	hostKey ssh.HostKeyCallback
}

// New builds a collector from SSH configuration. Key auth is preferred;
// password-only setups are flagged as non-production.
func New(log *zap.Logger, cfg config.SSHConfig) (*Collector, error) {
	c := &Collector{log: log, cfg: cfg}

	if cfg.KeyPath != "" {
		key, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("parsing SSH key: %w", err)
		}
		c.auth = append(c.auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		if cfg.KeyPath == "" {
			log.Warn("password-only SSH authentication is not recommended for production")
		}
		c.auth = append(c.auth, ssh.Password(cfg.Password))
	}
	if len(c.auth) == 0 {
		return nil, fmt.Errorf("ssh: no authentication method configured")
	}

	hostKey, err := newHostKeyPolicy(log, cfg)
	if err != nil {
		return nil, err
	}
	c.hostKey = hostKey

	return c, nil
}

// Collect retrieves the BGP stanza from every device concurrently. One
// failure never cancels other devices; results preserve input order.
func (c *Collector) Collect(ctx context.Context, devices []inventory.Device) BatchResult {
	started := time.Now()
	results := make([]CollectionResult, len(devices))

	workers := c.cfg.MaxWorkers
	if workers > len(devices) {
		workers = len(devices)
	}
	if workers < 1 {
		workers = 1
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, dev := range devices {
		i, dev := i, dev
		g.Go(func() error {
			results[i] = c.collectOne(ctx, dev)
			return nil
		})
	}
	g.Wait()

	batch := BatchResult{Results: results, Duration: time.Since(started)}
	c.log.Info("collection finished",
		zap.Int("devices", len(devices)),
		zap.Int("succeeded", batch.Succeeded()),
		zap.Duration("elapsed", batch.Duration),
	)
	return batch
}

func (c *Collector) collectOne(ctx context.Context, dev inventory.Device) CollectionResult {
	started := time.Now()
	res := CollectionResult{Device: dev}

	fail := func(kind string, err error) CollectionResult {
		res.ErrKind = kind
		res.Err = err
		res.Duration = time.Since(started)
		c.log.Warn("collection failed",
			zap.String("router", dev.Hostname),
			zap.String("address", dev.Address),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(KindUnknown, fmt.Errorf("cancelled before connect: %w", err))
	}

	clientCfg := &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            c.auth,
		HostKeyCallback: c.hostKey,
		Timeout:         c.cfg.ConnectTimeout,
	}

	client, err := dialContext(ctx, dev.Target(), clientCfg, c.cfg.ConnectTimeout)
	if err != nil {
		return fail(classifyDialError(err), err)
	}
	defer client.Close()

	// Close the connection promptly on global cancellation so in-flight
	// commands abort instead of waiting out their timeout.
	dialDone := make(chan struct{})
	defer close(dialDone)
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
		case <-dialDone:
		}
	}()

	output, err := c.runCommand(client, showBGPCommand)
	if err != nil {
		if ctx.Err() != nil {
			return fail(KindUnknown, fmt.Errorf("cancelled: %w", ctx.Err()))
		}
		return fail(classifyCommandError(err), err)
	}

	res.Profile = &RouterProfile{
		Hostname:  dev.Hostname,
		Address:   dev.Address,
		BGPConfig: output,
	}
	res.Duration = time.Since(started)

	c.log.Debug("collection succeeded",
		zap.String("router", dev.Hostname),
		zap.Duration("elapsed", res.Duration),
	)
	return res
}

func (c *Collector) runCommand(client *ssh.Client, command string) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer session.Close()

	type cmdResult struct {
		out []byte
		err error
	}
	done := make(chan cmdResult, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- cmdResult{out, err}
	}()

	timeout := c.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("running %q: %w", command, r.err)
		}
		return string(r.out), nil
	case <-time.After(timeout):
		session.Close()
		return "", fmt.Errorf("command timed out after %s", timeout)
	}
}

// dialContext establishes the TCP + SSH connection honoring both the
// configured timeout and the run's cancellation.
func dialContext(ctx context.Context, target string, cfg *ssh.ClientConfig, timeout time.Duration) (*ssh.Client, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		conn.SetDeadline(time.Now().Add(timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, target, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

func classifyDialError(err error) string {
	var netErr net.Error
	switch {
	case isHostKeyMismatch(err):
		return KindHostKeyMismatch
	case isHostKeyUnknown(err):
		return KindHostKeyUnknown
	case strings.Contains(err.Error(), "unable to authenticate"),
		strings.Contains(err.Error(), "no supported methods remain"):
		return KindAuthFailed
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindConnectTimeout
	case strings.Contains(err.Error(), "i/o timeout"):
		return KindConnectTimeout
	case strings.Contains(err.Error(), "connection refused"),
		strings.Contains(err.Error(), "no route to host"),
		strings.Contains(err.Error(), "network is unreachable"):
		return KindTransport
	default:
		return KindUnknown
	}
}

func classifyCommandError(err error) string {
	if strings.Contains(err.Error(), "timed out") {
		return KindCommandTimeout
	}
	return KindTransport
}

