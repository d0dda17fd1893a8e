package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/networksandchill/otto-bgp/internal/adapter"
	"github.com/networksandchill/otto-bgp/internal/audit"
	"github.com/networksandchill/otto-bgp/internal/collector"
	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/generator"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/inspect"
	"github.com/networksandchill/otto-bgp/internal/inventory"
	"github.com/networksandchill/otto-bgp/internal/netconf"
	"github.com/networksandchill/otto-bgp/internal/rpki"
)

// Sentinel errors mapped to process exit codes by the CLI.
var (
	ErrBlocked         = errors.New("guardrail block")       // exit 2
	ErrApplyFailed     = errors.New("apply failed")          // exit 3
	ErrPreflightFailed = errors.New("rpki preflight failed") // exit 4
)

// ConfirmFunc asks the operator to approve one router's change in system
// mode. Returning false rolls the change back.
type ConfirmFunc func(router, diff string, ra guardrail.RiskAssessment) bool

// RouterReport is the per-router outcome surfaced on the final summary.
type RouterReport struct {
	Router     string
	ASNumbers  []uint32
	Generated  int
	GenFailed  int
	Risk       guardrail.Level
	Decision   guardrail.Decision
	ApplyState netconf.State
	Err        error
}

// Collector is the discovery transport surface the orchestrator needs.
type Collector interface {
	Collect(ctx context.Context, devices []inventory.Device) collector.BatchResult
}

// Generator is the policy generation surface the orchestrator needs.
type Generator interface {
	GenerateBatch(ctx context.Context, asNumbers []uint64) generator.BatchResult
}

// Orchestrator wires the pipeline components and owns run-level policy:
// artifacts, mode gating, cancellation and the concurrent-run lock.
type Orchestrator struct {
	log       *zap.Logger
	cfg       *config.Config
	audit     *audit.Writer
	store     *ArtifactStore
	collector Collector
	generator Generator
	applier   *netconf.Applier
	validator *rpki.Validator
	runLock   *guardrail.RunLock
	confirm   ConfirmFunc

	signalsInstalled bool

	// payloadByRouter and assessmentByRouter hold generated material
	// between the guardrail pass and apply within one Run.
	payloadByRouter    map[string]string
	assessmentByRouter map[string]guardrail.RiskAssessment
}

// Options carries the optional collaborators a run may need.
type Options struct {
	Applier   *netconf.Applier
	Validator *rpki.Validator
	Confirm   ConfirmFunc
	// SignalsInstalled records that the caller wired SIGINT/SIGTERM to the
	// run context.
	SignalsInstalled bool
}

// New assembles an orchestrator.
func New(log *zap.Logger, cfg *config.Config, auditLog *audit.Writer,
	coll Collector, gen Generator, opts Options) (*Orchestrator, error) {

	store, err := NewArtifactStore(cfg.DiscoveryDir, cfg.ReportDir, cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	return &Orchestrator{
		log:                log,
		cfg:                cfg,
		audit:              auditLog,
		store:              store,
		collector:          coll,
		generator:          gen,
		applier:            opts.Applier,
		validator:          opts.Validator,
		runLock:            guardrail.NewRunLock(cfg.LockPath),
		confirm:            opts.Confirm,
		signalsInstalled:   opts.SignalsInstalled,
		payloadByRouter:    make(map[string]string),
		assessmentByRouter: make(map[string]guardrail.RiskAssessment),
	}, nil
}

// RunLock exposes the lock for signal-teardown wiring.
func (o *Orchestrator) RunLock() *guardrail.RunLock { return o.runLock }

// Discover collects, inspects and persists the discovery artifacts without
// generating or applying policy.
func (o *Orchestrator) Discover(ctx context.Context, devices []inventory.Device) (*Discovery, error) {
	batch := o.collector.Collect(ctx, devices)

	d := &Discovery{GeneratedAt: time.Now().UTC()}
	for _, res := range batch.Results {
		if !res.Ok() {
			o.audit.Record(audit.Event{
				Name: "collect.failed", Router: res.Device.Hostname,
				Outcome: "failure", Detail: res.ErrKind,
			})
			continue
		}
		ins, err := inspect.Parse(res.Profile.BGPConfig)
		if err != nil {
			o.audit.Record(audit.Event{
				Name: "inspect.failed", Router: res.Profile.Hostname,
				Outcome: "failure", Detail: err.Error(),
			})
			continue
		}

		groups := make(map[string][]uint32, len(ins.Groups))
		for _, g := range ins.Groups {
			groups[g.Name] = g.PeerASN
		}
		d.Routers = append(d.Routers, RouterDiscovery{
			Hostname:  res.Profile.Hostname,
			Address:   res.Profile.Address,
			BGPGroups: groups,
			ASNumbers: ins.ASNumbers(),
		})
		o.audit.Record(audit.Event{
			Name: "collect.completed", Router: res.Profile.Hostname, Outcome: "success",
			Detail: fmt.Sprintf("groups=%d as=%d", len(groups), len(ins.ASNumbers())),
		})
	}

	if len(d.Routers) == 0 {
		return nil, fmt.Errorf("discovery produced no routers (%d devices failed)", len(batch.Results))
	}

	diffReport, err := o.store.WriteDiscovery(d)
	if err != nil {
		return nil, err
	}
	if diffReport != "" {
		o.log.Info("discovery changed", zap.String("diff_report", diffReport))
	}
	if err := o.store.WriteDeploymentMatrix(d); err != nil {
		return nil, err
	}
	return d, nil
}

// Run executes the full pipeline: discover, generate, guard, and (when
// apply is true) push to routers per the mode's decision matrix.
func (o *Orchestrator) Run(ctx context.Context, devices []inventory.Device, apply bool) ([]RouterReport, error) {
	discovery, addressOf, reports, err := o.prepare(ctx, devices, apply)
	if err != nil {
		return reports, err
	}
	defer o.runLock.Release()

	if !apply || o.applier == nil {
		o.audit.Record(audit.Event{Name: "run.completed", Outcome: "success", Detail: "apply skipped"})
		return reports, nil
	}

	applyErr := o.applyAll(ctx, discovery, addressOf, reports)

	if applyErr != nil {
		o.audit.Record(audit.Event{Name: "run.completed", Outcome: "failure", Detail: applyErr.Error()})
		return reports, applyErr
	}
	o.audit.Record(audit.Event{Name: "run.completed", Outcome: "success"})
	return reports, nil
}

// RunRollout executes the pipeline like Run, but drives the apply step
// through a staged rollout plan. A nil plan gets a canary-then-fleet plan
// built from the discovered routers with the given per-stage limit. The
// plan (with its event trail) is persisted to planPath after execution, so
// an interrupted rollout resumes from the saved state on the next run.
func (o *Orchestrator) RunRollout(ctx context.Context, devices []inventory.Device,
	plan *RolloutRun, planPath string, stageParallel int) ([]RouterReport, error) {

	if o.applier == nil {
		return nil, fmt.Errorf("rollout requires a NETCONF applier")
	}

	discovery, addressOf, reports, err := o.prepare(ctx, devices, true)
	if err != nil {
		return reports, err
	}
	defer o.runLock.Release()

	if plan == nil {
		plan = BuildRolloutPlan(
			"rollout-"+discovery.GeneratedAt.UTC().Format("20060102T150405Z"),
			discovery.Routers, stageParallel)
	}

	indexOf := make(map[string]int, len(reports))
	for i, r := range reports {
		indexOf[r.Router] = i
	}

	execErr := plan.Execute(ctx, func(ctx context.Context, router string) error {
		i, ok := indexOf[router]
		if !ok {
			return fmt.Errorf("router %s is not part of this run's discovery", router)
		}
		return o.applyRouter(ctx, &reports[i], addressOf[router])
	})

	if planPath != "" {
		if err := plan.Save(planPath); err != nil {
			o.log.Warn("saving rollout plan failed", zap.Error(err))
		}
	}

	if execErr != nil {
		o.audit.Record(audit.Event{Name: "run.completed", Outcome: "failure",
			Detail: fmt.Sprintf("rollout=%s state=%s: %v", plan.ID, plan.State, execErr)})
		return reports, fmt.Errorf("%w: %v", ErrApplyFailed, execErr)
	}
	o.audit.Record(audit.Event{Name: "run.completed", Outcome: "success",
		Detail: fmt.Sprintf("rollout=%s state=%s", plan.ID, plan.State)})
	return reports, nil
}

// BuildRolloutPlan derives the default staged plan from discovery: a
// single-router canary stage, then the rest of the fleet.
func BuildRolloutPlan(id string, routers []RouterDiscovery, stageParallel int) *RolloutRun {
	if stageParallel < 1 {
		stageParallel = 1
	}

	targets := make([]RolloutTarget, len(routers))
	for i, r := range routers {
		targets[i] = RolloutTarget{Router: r.Hostname}
	}

	if len(targets) <= 1 {
		return NewRolloutRun(id, []RolloutStage{
			{Name: "fleet", MaxParallel: stageParallel, Targets: targets},
		})
	}
	return NewRolloutRun(id, []RolloutStage{
		{Name: "canary", MaxParallel: 1, Targets: targets[:1]},
		{Name: "fleet", MaxParallel: stageParallel, Targets: targets[1:]},
	})
}

// prepare runs the shared front half of a run: lock, RPKI preflight,
// discovery, generation and guardrails. On success the run lock is held
// and the caller owns its release.
func (o *Orchestrator) prepare(ctx context.Context, devices []inventory.Device, apply bool) (*Discovery, map[string]string, []RouterReport, error) {
	o.audit.Record(audit.Event{Name: "run.started", Outcome: "success",
		Detail: fmt.Sprintf("mode=%s devices=%d apply=%t", o.cfg.Mode, len(devices), apply)})

	if err := o.runLock.Acquire(); err != nil {
		o.audit.Record(audit.Event{Name: "run.blocked", Outcome: "failure",
			Detail: "CONCURRENT_RUN: " + err.Error()})
		return nil, nil, nil, fmt.Errorf("%w: concurrent run detected: %v", ErrBlocked, err)
	}

	fail := func(err error) (*Discovery, map[string]string, []RouterReport, error) {
		o.runLock.Release()
		return nil, nil, nil, err
	}

	if o.cfg.RPKI.Enabled {
		if err := rpki.Preflight(o.log, o.cfg.RPKI); err != nil {
			o.audit.Record(audit.Event{Name: "rpki.preflight.failed", Outcome: "failure",
				Detail: err.Error()})
			if o.cfg.RPKI.FailClosed {
				return fail(fmt.Errorf("%w: %v", ErrPreflightFailed, err))
			}
			o.log.Warn("continuing despite RPKI preflight failure (fail_closed off)", zap.Error(err))
		}
	}

	discovery, err := o.Discover(ctx, devices)
	if err != nil {
		return fail(err)
	}

	baseline, err := o.store.LoadPrefixCounts()
	if err != nil {
		o.log.Warn("prefix-count baseline unreadable; treating as first run", zap.Error(err))
		baseline = nil
	}

	addressOf := make(map[string]string, len(devices))
	for _, dev := range devices {
		addressOf[dev.Hostname] = dev.Address
	}

	reports := make([]RouterReport, len(discovery.Routers))
	newCounts := make(map[string]PrefixCounts, len(discovery.Routers))
	anyBlocked := false

	for i, router := range discovery.Routers {
		if err := ctx.Err(); err != nil {
			o.runLock.Release()
			return discovery, addressOf, reports, err
		}
		reports[i] = o.processRouter(ctx, router, baseline, newCounts)
		if reports[i].Decision == guardrail.Block {
			anyBlocked = true
		}
	}

	if err := o.store.WritePrefixCounts(newCounts); err != nil {
		o.log.Warn("writing prefix-count baseline failed", zap.Error(err))
	}

	if anyBlocked {
		o.audit.Record(audit.Event{Name: "run.blocked", Outcome: "failure",
			Detail: "one or more routers blocked by guardrails"})
		o.runLock.Release()
		return discovery, addressOf, reports, ErrBlocked
	}

	return discovery, addressOf, reports, nil
}

// processRouter fans out generation for one router's AS set, writes the
// policy artifacts, and evaluates guardrails.
func (o *Orchestrator) processRouter(ctx context.Context, router RouterDiscovery,
	baseline map[string]PrefixCounts, newCounts map[string]PrefixCounts) RouterReport {

	report := RouterReport{Router: router.Hostname, ASNumbers: router.ASNumbers}

	asInputs := make([]uint64, len(router.ASNumbers))
	for i, as := range router.ASNumbers {
		asInputs[i] = uint64(as)
	}
	batch := o.generator.GenerateBatch(ctx, asInputs)

	policyText := make(map[uint32]string, len(batch.Results))
	var inputs []adapter.PolicyInput
	var candidates []guardrail.CandidatePolicy
	for _, res := range batch.Results {
		if !res.Ok() {
			report.GenFailed++
			o.audit.Record(audit.Event{
				Name: "policy.generation_failed", Router: router.Hostname,
				AS: uint32(res.ASInput), Outcome: "failure", Detail: res.ErrKind,
			})
			continue
		}
		report.Generated++
		policyText[res.Policy.ASNumber] = res.Policy.Content
		inputs = append(inputs, adapter.PolicyInput{
			ASNumber:   res.Policy.ASNumber,
			PolicyName: res.Policy.PolicyName,
			Content:    res.Policy.Content,
		})
		candidates = append(candidates, guardrail.CandidatePolicy{
			ASNumber: res.Policy.ASNumber,
			Prefixes: adapter.ParsePrefixes(res.Policy.Content),
		})
		o.audit.Record(audit.Event{
			Name: "policy.generated", Router: router.Hostname,
			AS: res.Policy.ASNumber, Outcome: "success",
		})
	}

	if len(inputs) == 0 {
		report.Err = fmt.Errorf("no policies generated for %s", router.Hostname)
		report.Decision = guardrail.Block
		return report
	}

	combined := adapter.ComposeCombinedFile(inputs)
	if err := o.store.WritePolicyFiles(router.Hostname, policyText, combined); err != nil {
		report.Err = err
		report.Decision = guardrail.Block
		return report
	}

	payload, err := adapter.ComposeRouterPayload(inputs)
	if err != nil {
		report.Err = err
		report.Decision = guardrail.Block
		return report
	}
	o.payloadByRouter[router.Hostname] = payload

	cc := &guardrail.CheckContext{
		Router:            router.Hostname,
		Policies:          candidates,
		PreviousIPv4Count: -1,
		PreviousIPv6Count: -1,
		SignalsInstalled:  o.signalsInstalled,
	}
	if prev, ok := baseline[router.Hostname]; ok {
		cc.PreviousIPv4Count = prev.IPv4
		cc.PreviousIPv6Count = prev.IPv6
	}

	v4, v6 := countFamilies(candidates)
	newCounts[router.Hostname] = PrefixCounts{IPv4: v4, IPv6: v6}

	engine := o.buildEngine()
	ra := engine.Evaluate(ctx, cc)
	report.Risk = ra.Overall
	report.Decision = ra.Decision
	o.assessmentByRouter[router.Hostname] = ra

	if ra.Decision == guardrail.Block {
		o.audit.Record(audit.Event{
			Name: "guardrail.blocked", Router: router.Hostname, Outcome: "failure",
			Detail: fmt.Sprintf("level=%s issues=%d", ra.Overall, len(ra.Issues)),
		})
	}
	return report
}

func (o *Orchestrator) buildEngine() *guardrail.Engine {
	engine := guardrail.NewEngine(o.log, o.cfg.Autonomous(), o.cfg.Guardrails.EnabledGuardrails)
	engine.Register(guardrail.NewPrefixCountGuardrail(o.cfg.Guardrails.PrefixCountThresholds))
	engine.Register(guardrail.NewBogonGuardrail())
	engine.Register(guardrail.NewConcurrentRunGuardrail(o.runLock))
	engine.Register(guardrail.NewSignalGuardrail())
	if o.validator != nil {
		engine.Register(guardrail.NewRPKIGuardrail(o.validator, o.cfg.RPKI))
	}
	return engine
}

func countFamilies(policies []guardrail.CandidatePolicy) (v4, v6 int) {
	for _, p := range policies {
		for _, prefix := range p.Prefixes {
			if isIPv6(prefix) {
				v6++
			} else {
				v4++
			}
		}
	}
	return v4, v6
}

func isIPv6(prefix string) bool {
	for i := 0; i < len(prefix); i++ {
		if prefix[i] == ':' {
			return true
		}
	}
	return false
}

// applyAll pushes payloads per the mode's concurrency contract: autonomous
// serializes across the fleet, system mode may interleave routers.
func (o *Orchestrator) applyAll(ctx context.Context, discovery *Discovery,
	addressOf map[string]string, reports []RouterReport) error {

	indexOf := make(map[string]int, len(reports))
	for i, r := range reports {
		indexOf[r.Router] = i
	}

	if o.cfg.Autonomous() {
		for _, router := range discovery.Routers {
			if err := ctx.Err(); err != nil {
				return err
			}
			i := indexOf[router.Hostname]
			if err := o.applyRouter(ctx, &reports[i], addressOf[router.Hostname]); err != nil {
				return err
			}
		}
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.SSH.MaxWorkers)
	var (
		mu       sync.Mutex
		firstErr error
	)
	for _, router := range discovery.Routers {
		i := indexOf[router.Hostname]
		address := addressOf[router.Hostname]
		g.Go(func() error {
			if err := o.applyRouter(ctx, &reports[i], address); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return firstErr
}

// applyRouter drives the per-router state machine. Within a router the
// sequence is strictly sequential.
func (o *Orchestrator) applyRouter(ctx context.Context, report *RouterReport, address string) error {
	payload, ok := o.payloadByRouter[report.Router]
	if !ok {
		return nil
	}

	ap := o.applier.NewApply(report.Router, address)
	defer ap.Close()
	defer func() { report.ApplyState = ap.State() }()

	if err := ap.Connect(); err != nil {
		report.Err = err
		return fmt.Errorf("%w: %s: %v", ErrApplyFailed, report.Router, err)
	}
	if err := ap.Load(payload); err != nil {
		report.Err = err
		return fmt.Errorf("%w: %s: %v", ErrApplyFailed, report.Router, err)
	}

	diff, err := ap.Preview()
	if err != nil {
		report.Err = err
		return fmt.Errorf("%w: %s: %v", ErrApplyFailed, report.Router, err)
	}
	if ap.State() == netconf.StateConfirmed {
		// Empty diff; nothing was committed.
		return nil
	}

	if !o.cfg.Autonomous() {
		if o.confirm != nil && !o.confirm(report.Router, diff, o.assessmentByRouter[report.Router]) {
			ap.Rollback("operator declined")
			return nil
		}
	}

	if err := ap.CommitConfirmed(o.cfg.NETCONF.ConfirmedCommitMinutes); err != nil {
		report.Err = err
		return fmt.Errorf("%w: %s: %v", ErrApplyFailed, report.Router, err)
	}

	if err := ap.HealthCheck(); err != nil {
		o.log.Error("health check failed; rolling back", zap.String("router", report.Router), zap.Error(err))
		ap.Rollback("health check failed")
		report.Err = err
		return fmt.Errorf("%w: %s: health check: %v", ErrApplyFailed, report.Router, err)
	}

	if err := ap.Confirm(); err != nil {
		report.Err = err
		return fmt.Errorf("%w: %s: %v", ErrApplyFailed, report.Router, err)
	}
	return nil
}

// SortReports orders reports by router name for stable output.
func SortReports(reports []RouterReport) {
	sort.Slice(reports, func(i, j int) bool { return reports[i].Router < reports[j].Router })
}
