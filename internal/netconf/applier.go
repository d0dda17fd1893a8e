// Package netconf applies policy payloads to routers over NETCONF with
// confirmed-commit semantics.
package netconf

import (
	"encoding/xml"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Juniper/go-netconf/netconf"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/networksandchill/otto-bgp/internal/audit"
	"github.com/networksandchill/otto-bgp/internal/config"
)

// State of one per-router apply.
type State string

const (
	StateIdle               State = "IDLE"
	StateConnected          State = "CONNECTED"
	StateLoaded             State = "LOADED"
	StatePreviewed          State = "PREVIEWED"
	StateCommittedConfirmed State = "COMMITTED_CONFIRMED"
	StateConfirmed          State = "CONFIRMED"
	StateRolledBack         State = "ROLLED_BACK"
)

// Session is the slice of *netconf.Session the applier uses. Tests provide
// fakes.
type Session interface {
	Exec(methods ...netconf.RPCMethod) (*netconf.RPCReply, error)
	Close() error
}

// Dialer opens a NETCONF session to target. The default uses
// netconf.DialSSH.
type Dialer func(target string, cfg *ssh.ClientConfig) (Session, error)

func dialSSH(target string, cfg *ssh.ClientConfig) (Session, error) {
	return netconf.DialSSH(target, cfg)
}

// Applier creates per-router applies.
type Applier struct {
	log     *zap.Logger
	cfg     config.NETCONFConfig
	audit   *audit.Writer
	hostKey ssh.HostKeyCallback
	dial    Dialer
}

// New builds an applier. hostKey is shared with the SSH collector so both
// transports verify against the same store.
func New(log *zap.Logger, cfg config.NETCONFConfig, auditLog *audit.Writer, hostKey ssh.HostKeyCallback) (*Applier, error) {
	a := &Applier{
		log:     log,
		cfg:     cfg,
		audit:   auditLog,
		hostKey: hostKey,
		dial:    dialSSH,
	}
	if cfg.Username == "" {
		return nil, fmt.Errorf("netconf: username is required")
	}
	return a, nil
}

// SetDialer swaps the session transport. Used by tests and by callers
// tunneling NETCONF through a jump host.
func (a *Applier) SetDialer(d Dialer) { a.dial = d }

// Apply is the state machine for one router. Within a router every
// operation is strictly sequential.
type Apply struct {
	applier *Applier
	log     *zap.Logger

	Router  string
	Address string

	state   State
	session Session
	diff    string
}

// NewApply prepares an apply in IDLE for the given router.
func (a *Applier) NewApply(router, address string) *Apply {
	return &Apply{
		applier: a,
		log:     a.log.With(zap.String("router", router)),
		Router:  router,
		Address: address,
		state:   StateIdle,
	}
}

// State returns the current machine state.
func (ap *Apply) State() State { return ap.state }

// Diff returns the preview diff captured by Preview.
func (ap *Apply) Diff() string { return ap.diff }

func (ap *Apply) event(name, outcome, detail string) {
	ap.applier.audit.Record(audit.Event{
		Name:    name,
		Router:  ap.Router,
		Outcome: outcome,
		Detail:  detail,
	})
}

func (ap *Apply) requireState(op string, allowed ...State) error {
	for _, s := range allowed {
		if ap.state == s {
			return nil
		}
	}
	return fmt.Errorf("%s not permitted in state %s", op, ap.state)
}

// Connect opens the NETCONF session. A failure leaves the machine in
// ROLLED_BACK with nothing applied.
func (ap *Apply) Connect() error {
	if err := ap.requireState("connect", StateIdle); err != nil {
		return err
	}

	clientCfg := &ssh.ClientConfig{
		User:            ap.applier.cfg.Username,
		Auth:            ap.applier.authMethods(),
		HostKeyCallback: ap.applier.hostKey,
		Timeout:         ap.applier.cfg.Timeout,
	}

	target := fmt.Sprintf("%s:%d", ap.Address, ap.applier.cfg.Port)
	s, err := ap.applier.dial(target, clientCfg)
	if err != nil {
		ap.state = StateRolledBack
		ap.event("apply.connect", "failure", err.Error())
		return fmt.Errorf("connecting %s: %w", target, err)
	}

	ap.session = s
	ap.state = StateConnected
	ap.event("apply.connect", "success", target)
	ap.log.Info("NETCONF session opened", zap.String("target", target))
	return nil
}

// Load places the payload into the candidate configuration. The payload's
// replace: scoping keeps re-apply idempotent.
func (ap *Apply) Load(payload string) error {
	if err := ap.requireState("load", StateConnected); err != nil {
		return err
	}

	var escaped strings.Builder
	xml.EscapeText(&escaped, []byte(payload))
	rpc := fmt.Sprintf(
		`<load-configuration action="replace" format="text"><configuration-text>%s</configuration-text></load-configuration>`,
		escaped.String())

	if err := ap.exec("load", rpc); err != nil {
		ap.failClosed("apply.load", err)
		return err
	}

	ap.state = StateLoaded
	ap.event("apply.load", "success", fmt.Sprintf("bytes=%d", len(payload)))
	return nil
}

// Preview computes the candidate-vs-running diff. An empty diff means the
// router already runs this policy: the candidate is discarded and the
// machine short-circuits to CONFIRMED without committing.
func (ap *Apply) Preview() (string, error) {
	if err := ap.requireState("preview", StateLoaded); err != nil {
		return "", err
	}

	reply, err := ap.execReply(`<get-configuration compare="rollback" rollback="0" format="text"/>`)
	if err != nil {
		ap.failClosed("apply.preview", err)
		return "", err
	}

	ap.diff = extractDiff(reply.Data)
	if strings.TrimSpace(ap.diff) == "" {
		ap.exec("discard", `<discard-changes/>`)
		ap.state = StateConfirmed
		ap.event("apply.preview", "success", "empty diff; nothing to commit")
		ap.log.Info("configuration already current; skipping commit")
		return "", nil
	}

	ap.state = StatePreviewed
	ap.event("apply.preview", "success", fmt.Sprintf("diff_lines=%d", strings.Count(ap.diff, "\n")))
	return ap.diff, nil
}

// CommitConfirmed commits with the router's automatic-rollback timer. If
// Confirm never arrives the router rolls back by itself; the applier never
// re-commits to "recover".
func (ap *Apply) CommitConfirmed(minutes int) error {
	if err := ap.requireState("commit confirmed", StatePreviewed); err != nil {
		return err
	}
	if minutes < 1 {
		minutes = ap.applier.cfg.ConfirmedCommitMinutes
	}

	comment := fmt.Sprintf("%s confirmed commit", ap.applier.cfg.CommitCommentPrefix)
	rpc := fmt.Sprintf(
		`<commit-configuration><confirmed/><confirm-timeout>%d</confirm-timeout><log>%s</log></commit-configuration>`,
		minutes, comment)

	if err := ap.exec("commit-confirmed", rpc); err != nil {
		ap.failClosed("apply.commit_confirmed", err)
		return err
	}

	ap.state = StateCommittedConfirmed
	ap.event("apply.commit_confirmed", "success", fmt.Sprintf("timer_minutes=%d", minutes))
	ap.log.Info("confirmed commit issued", zap.Int("timer_minutes", minutes))
	return nil
}

// HealthCheck probes operational state after the confirmed commit. In
// autonomous mode every probe must pass before Confirm.
func (ap *Apply) HealthCheck() error {
	if err := ap.requireState("health check", StateCommittedConfirmed); err != nil {
		return err
	}

	reply, err := ap.execReply(`<get-bgp-summary-information/>`)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if strings.TrimSpace(reply.Data) == "" && strings.TrimSpace(reply.RawReply) == "" {
		return fmt.Errorf("health check: empty BGP summary")
	}

	ap.event("apply.health_check", "success", "")
	return nil
}

// Confirm finalizes the confirmed commit before the timer fires.
func (ap *Apply) Confirm() error {
	if err := ap.requireState("confirm", StateCommittedConfirmed); err != nil {
		return err
	}

	comment := fmt.Sprintf("%s confirm", ap.applier.cfg.CommitCommentPrefix)
	rpc := fmt.Sprintf(`<commit-configuration><log>%s</log></commit-configuration>`, comment)

	if err := ap.exec("confirm", rpc); err != nil {
		// The timer is still running on the router; it will roll back on
		// its own. Do not re-commit.
		ap.state = StateRolledBack
		ap.event("apply.rolled_back", "failure", fmt.Sprintf("reason=confirm_failed: %v", err))
		return err
	}

	ap.state = StateConfirmed
	ap.event("apply.confirmed", "success", "")
	ap.log.Info("commit confirmed")
	return nil
}

// Rollback abandons the change. Before commit it discards the candidate;
// after a confirmed commit it restores the previous configuration
// explicitly.
func (ap *Apply) Rollback(reason string) error {
	switch ap.state {
	case StateLoaded, StatePreviewed:
		if err := ap.exec("discard", `<discard-changes/>`); err != nil {
			return err
		}
	case StateCommittedConfirmed:
		if err := ap.exec("rollback", `<load-configuration rollback="1"/>`); err != nil {
			return err
		}
		comment := fmt.Sprintf("%s rollback: %s", ap.applier.cfg.CommitCommentPrefix, reason)
		if err := ap.exec("rollback-commit",
			fmt.Sprintf(`<commit-configuration><log>%s</log></commit-configuration>`, comment)); err != nil {
			return err
		}
	case StateIdle, StateConnected:
		// Nothing applied.
	default:
		return fmt.Errorf("rollback not permitted in state %s", ap.state)
	}

	ap.state = StateRolledBack
	ap.event("apply.rolled_back", "success", "reason="+reason)
	ap.log.Warn("apply rolled back", zap.String("reason", reason))
	return nil
}

// Close releases the session. The state machine keeps its terminal state.
func (ap *Apply) Close() {
	if ap.session != nil {
		ap.session.Close()
		ap.session = nil
	}
}

func (ap *Apply) failClosed(eventName string, err error) {
	ap.event(eventName, "failure", err.Error())
	// Candidate changes die with the session; nothing was committed.
	if ap.state == StateLoaded || ap.state == StatePreviewed || ap.state == StateConnected {
		ap.exec("discard", `<discard-changes/>`)
	}
	ap.state = StateRolledBack
}

func (ap *Apply) exec(op, rpc string) error {
	_, err := ap.execReply(rpc)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (ap *Apply) execReply(rpc string) (*netconf.RPCReply, error) {
	if ap.session == nil {
		return nil, fmt.Errorf("no session")
	}
	reply, err := ap.session.Exec(netconf.RawMethod(rpc))
	if err != nil {
		return nil, err
	}
	if len(reply.Errors) > 0 {
		msgs := make([]string, 0, len(reply.Errors))
		for _, e := range reply.Errors {
			msgs = append(msgs, strings.TrimSpace(e.Message))
		}
		return nil, fmt.Errorf("rpc error: %s", strings.Join(msgs, "; "))
	}
	return reply, nil
}

func (a *Applier) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if a.cfg.KeyPath != "" {
		if key, err := os.ReadFile(a.cfg.KeyPath); err == nil {
			if signer, err := ssh.ParsePrivateKey(key); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}
	if a.cfg.Password != "" {
		methods = append(methods, ssh.Password(a.cfg.Password))
	}
	return methods
}

// extractDiff pulls the textual diff out of the get-configuration reply.
// A present-but-empty configuration-output element is an empty diff.
type configInformation struct {
	Info *struct {
		Output string `xml:"configuration-output"`
	} `xml:"configuration-information"`
}

func extractDiff(data string) string {
	var doc configInformation
	if err := xml.Unmarshal([]byte("<wrap>"+data+"</wrap>"), &doc); err == nil && doc.Info != nil {
		return doc.Info.Output
	}
	return data
}

// Result summarizes one completed apply for reports.
type Result struct {
	Router   string
	State    State
	Diff     string
	Err      error
	Duration time.Duration
}
