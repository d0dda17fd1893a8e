package collector

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/networksandchill/otto-bgp/internal/config"
)

func testSSHConfig(t *testing.T) config.SSHConfig {
	t.Helper()
	return config.SSHConfig{
		Username:       "otto",
		Password:       "secret",
		KnownHostsPath: writeKnownHosts(t, ""),
		ConnectTimeout: time.Second,
		CommandTimeout: time.Second,
		MaxWorkers:     2,
	}
}

func writeKnownHosts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func testHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestNewRequiresAuth(t *testing.T) {
	cfg := testSSHConfig(t)
	cfg.Password = ""
	if _, err := New(zap.NewNop(), cfg); err == nil {
		t.Error("expected error with no authentication method")
	}
}

func TestNewRejectsBadKeyFile(t *testing.T) {
	cfg := testSSHConfig(t)
	cfg.KeyPath = filepath.Join(t.TempDir(), "missing_key")
	if _, err := New(zap.NewNop(), cfg); err == nil {
		t.Error("expected error for unreadable key")
	}

	badKey := filepath.Join(t.TempDir(), "bad_key")
	if err := os.WriteFile(badKey, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.KeyPath = badKey
	if _, err := New(zap.NewNop(), cfg); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestNewStrictModeRequiresKnownHosts(t *testing.T) {
	cfg := testSSHConfig(t)
	cfg.KnownHostsPath = filepath.Join(t.TempDir(), "absent")
	if _, err := New(zap.NewNop(), cfg); err == nil {
		t.Error("strict mode must fail without a known_hosts store")
	}
}

func TestClassifyDialError(t *testing.T) {
	mismatch := &knownhosts.KeyError{Want: []knownhosts.KnownKey{{}}}
	unknown := &knownhosts.KeyError{}

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"host key mismatch", fmt.Errorf("ssh: handshake failed: %w", mismatch), KindHostKeyMismatch},
		{"host key unknown", fmt.Errorf("ssh: handshake failed: %w", unknown), KindHostKeyUnknown},
		{"auth", errors.New("ssh: unable to authenticate, attempted methods [password]"), KindAuthFailed},
		{"timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, KindConnectTimeout},
		{"refused", errors.New("dial tcp 192.0.2.1:22: connection refused"), KindTransport},
		{"other", errors.New("banner exchange went sideways"), KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyDialError(tt.err); got != tt.want {
				t.Errorf("classifyDialError() = %s, want %s", got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyCommandError(t *testing.T) {
	if got := classifyCommandError(errors.New("command timed out after 1s")); got != KindCommandTimeout {
		t.Errorf("timeout classified as %s", got)
	}
	if got := classifyCommandError(errors.New("session channel closed")); got != KindTransport {
		t.Errorf("transport classified as %s", got)
	}
}

func TestHostKeyErrorHelpers(t *testing.T) {
	unknown := &knownhosts.KeyError{}
	mismatch := &knownhosts.KeyError{Want: []knownhosts.KnownKey{{}}}

	if !isHostKeyUnknown(unknown) || isHostKeyUnknown(mismatch) {
		t.Error("isHostKeyUnknown misclassified")
	}
	if !isHostKeyMismatch(mismatch) || isHostKeyMismatch(unknown) {
		t.Error("isHostKeyMismatch misclassified")
	}
}

func TestRecordingCallbackAppendsKey(t *testing.T) {
	path := writeKnownHosts(t, "")
	cb := recordingCallback(zap.NewNop(), path)

	key := testHostKey(t)
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 22}

	if err := cb("192.0.2.10:22", addr, key); err != nil {
		t.Fatalf("first contact should be recorded: %v", err)
	}

	// Second contact with the same key verifies cleanly.
	if err := cb("192.0.2.10:22", addr, key); err != nil {
		t.Fatalf("recorded key should verify: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) == 0 {
		t.Error("known_hosts not written")
	}
}

func TestRecordingCallbackRejectsChangedKey(t *testing.T) {
	path := writeKnownHosts(t, "")
	cb := recordingCallback(zap.NewNop(), path)
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 22}

	if err := cb("192.0.2.10:22", addr, testHostKey(t)); err != nil {
		t.Fatal(err)
	}
	// A different key for the same host must be refused even in setup mode.
	if err := cb("192.0.2.10:22", addr, testHostKey(t)); err == nil {
		t.Error("changed key accepted in setup mode")
	}
}

func TestBatchResultSucceeded(t *testing.T) {
	b := BatchResult{Results: []CollectionResult{
		{Profile: &RouterProfile{Hostname: "edge1"}},
		{ErrKind: KindConnectTimeout, Err: errors.New("timeout")},
		{Profile: &RouterProfile{Hostname: "edge2"}},
	}}
	if b.Succeeded() != 2 {
		t.Errorf("Succeeded() = %d, want 2", b.Succeeded())
	}
	if b.Results[1].Ok() {
		t.Error("failed result reported Ok")
	}
}
