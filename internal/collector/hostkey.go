package collector

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/networksandchill/otto-bgp/internal/config"
)

// HostKeyPolicy returns the host-key callback for the configured mode.
// The NETCONF applier shares this policy so both transports verify routers
// against the same managed store.
func HostKeyPolicy(log *zap.Logger, cfg config.SSHConfig) (ssh.HostKeyCallback, error) {
	return newHostKeyPolicy(log, cfg)
}

// newHostKeyPolicy returns the host-key callback for the configured mode.
//
// Production (default): strict verification against the managed
// known_hosts store; unknown or mismatched keys abort that device and are
// never appended.
//
// Setup: accept-and-record. Every acceptance is logged with setup_mode
// so the unsafe window is visible in the audit trail.
func newHostKeyPolicy(log *zap.Logger, cfg config.SSHConfig) (ssh.HostKeyCallback, error) {
	if cfg.SetupMode {
		log.Warn("SSH host key verification is in SETUP MODE; keys are accepted and recorded",
			zap.String("known_hosts", cfg.KnownHostsPath))
		return recordingCallback(log, cfg.KnownHostsPath), nil
	}

	cb, err := knownhosts.New(cfg.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts %s: %w", cfg.KnownHostsPath, err)
	}
	return cb, nil
}

// recordingCallback appends previously unseen keys to the known_hosts
// file. Mismatches against already-recorded keys are still rejected; setup
// mode trusts first use, it does not trust key changes.
func recordingCallback(log *zap.Logger, path string) ssh.HostKeyCallback {
	var mu sync.Mutex

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()

		if cb, err := knownhosts.New(path); err == nil {
			err = cb(hostname, remote, key)
			if err == nil {
				return nil
			}
			var keyErr *knownhosts.KeyError
			if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
				return fmt.Errorf("host key mismatch for %s in setup mode: %w", hostname, err)
			}
		}

		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("creating known_hosts directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return fmt.Errorf("opening known_hosts for append: %w", err)
		}
		defer f.Close()

		line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
		if _, err := fmt.Fprintln(f, line); err != nil {
			return fmt.Errorf("recording host key: %w", err)
		}

		log.Warn("recorded new host key (setup_mode)",
			zap.String("host", hostname),
			zap.String("fingerprint", ssh.FingerprintSHA256(key)),
		)
		return nil
	}
}

// isHostKeyUnknown reports whether err is a strict-mode rejection of a
// host absent from known_hosts.
func isHostKeyUnknown(err error) bool {
	var keyErr *knownhosts.KeyError
	return errors.As(err, &keyErr) && len(keyErr.Want) == 0
}

// isHostKeyMismatch reports whether err is a rejection because the
// presented key differs from the recorded one.
func isHostKeyMismatch(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) && len(keyErr.Want) > 0 {
		return true
	}
	var revoked *knownhosts.RevokedError
	return errors.As(err, &revoked)
}
