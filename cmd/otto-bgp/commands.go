package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/adapter"
	"github.com/networksandchill/otto-bgp/internal/asn"
	"github.com/networksandchill/otto-bgp/internal/audit"
	"github.com/networksandchill/otto-bgp/internal/collector"
	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/generator"
	"github.com/networksandchill/otto-bgp/internal/guardrail"
	"github.com/networksandchill/otto-bgp/internal/inventory"
	"github.com/networksandchill/otto-bgp/internal/irrproxy"
	"github.com/networksandchill/otto-bgp/internal/netconf"
	"github.com/networksandchill/otto-bgp/internal/notify"
	"github.com/networksandchill/otto-bgp/internal/pipeline"
	"github.com/networksandchill/otto-bgp/internal/rpki"
)

// app carries the state shared across verbs after config load.
type app struct {
	cfg *config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	var (
		a          app
		configPath string
		logLevel   string
		mode       string
		showVer    bool
	)

	root := &cobra.Command{
		Use:           "otto-bgp",
		Short:         "BGP prefix-list policy automation for Juniper fleets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if showVer {
				fmt.Printf("otto-bgp %s (built %s)\n", version, buildTime)
				os.Exit(exitOK)
			}

			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if mode != "" {
				cfg.Mode = mode
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := newLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("initializing logger: %w", err)
			}

			a.cfg = cfg
			a.log = log
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				a.log.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "/etc/otto-bgp/config.yaml", "Path to configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug/info/warn/error)")
	root.PersistentFlags().StringVar(&mode, "mode", "", "Override operational mode (system/autonomous)")
	root.PersistentFlags().BoolVar(&showVer, "version", false, "Show version and exit")

	root.AddCommand(
		newCollectCmd(&a),
		newProcessCmd(&a),
		newPolicyCmd(&a),
		newDiscoverCmd(&a),
		newPipelineCmd(&a, false),
		newPipelineCmd(&a, true),
		newRPKICheckCmd(&a),
		newNotifyEmailCmd(&a),
	)
	return root
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Config file not found — use defaults.
		return config.DefaultConfig(), nil
	}
	return config.LoadFromFile(path)
}

// newCollectCmd retrieves raw BGP configuration from every device.
func newCollectCmd(a *app) *cobra.Command {
	var devicesPath string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect BGP configuration from routers over SSH",
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := inventory.LoadCSV(devicesPath)
			if err != nil {
				return err
			}

			coll, err := collector.New(a.log, a.cfg.SSH)
			if err != nil {
				return err
			}

			ctx, cancel := guardrail.NotifyCancel(cmd.Context(), nil)
			defer cancel()

			batch := coll.Collect(ctx, devices)

			outDir := filepath.Join(a.cfg.DiscoveryDir, "configs")
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return err
			}
			for _, res := range batch.Results {
				if !res.Ok() {
					fmt.Fprintf(os.Stderr, "%s: %s\n", res.Device.Hostname, res.ErrKind)
					continue
				}
				path := filepath.Join(outDir, res.Profile.Hostname+"_bgp.txt")
				if err := os.WriteFile(path, []byte(res.Profile.BGPConfig), 0644); err != nil {
					return err
				}
				fmt.Printf("%s -> %s\n", res.Profile.Hostname, path)
			}

			if batch.Succeeded() == 0 {
				return fmt.Errorf("no device produced configuration")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&devicesPath, "devices", "devices.csv", "Device inventory CSV")
	return cmd
}

// newProcessCmd extracts AS numbers from arbitrary text.
func newProcessCmd(a *app) *cobra.Command {
	var (
		inputPath string
		loose     bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Extract AS numbers from configuration text",
		RunE: func(*cobra.Command, []string) error {
			data, err := os.ReadFile(inputPath)
			if err != nil {
				return err
			}

			res := asn.Extract(string(data), !loose)
			for _, d := range res.Diagnostics {
				a.log.Warn("extraction diagnostic", zap.String("detail", d))
			}
			for _, as := range res.ASNumbers {
				fmt.Printf("AS%d\n", as)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&inputPath, "input", "", "Input text file")
	cmd.Flags().BoolVar(&loose, "loose", false, "Admit AS numbers <= 255")
	cmd.MarkFlagRequired("input")
	return cmd
}

// newPolicyCmd generates prefix-list policies for an explicit AS list.
func newPolicyCmd(a *app) *cobra.Command {
	var asList string

	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Generate prefix-list policies via bgpq4",
		RunE: func(cmd *cobra.Command, _ []string) error {
			asNumbers, err := parseASList(asList)
			if err != nil {
				return err
			}

			gen, proxy, err := buildGenerator(a)
			if err != nil {
				return err
			}
			if proxy != nil {
				defer proxy.Stop()
			}

			ctx, cancel := guardrail.NotifyCancel(cmd.Context(), nil)
			defer cancel()

			batch := gen.GenerateBatch(ctx, asNumbers)

			if err := os.MkdirAll(a.cfg.OutputDir, 0755); err != nil {
				return err
			}
			var inputs []adapter.PolicyInput
			failed := 0
			for _, res := range batch.Results {
				if !res.Ok() {
					failed++
					fmt.Fprintf(os.Stderr, "AS%d: %s\n", res.ASInput, res.ErrKind)
					continue
				}
				path := filepath.Join(a.cfg.OutputDir, fmt.Sprintf("AS%d_policy.txt", res.Policy.ASNumber))
				if err := os.WriteFile(path, []byte(res.Policy.Content), 0644); err != nil {
					return err
				}
				inputs = append(inputs, adapter.PolicyInput{
					ASNumber:   res.Policy.ASNumber,
					PolicyName: res.Policy.PolicyName,
					Content:    res.Policy.Content,
				})
				fmt.Printf("AS%d -> %s\n", res.Policy.ASNumber, path)
			}

			if len(inputs) > 0 {
				combined := filepath.Join(a.cfg.OutputDir, "combined_policies.txt")
				if err := os.WriteFile(combined, []byte(adapter.ComposeCombinedFile(inputs)), 0644); err != nil {
					return err
				}
			}
			if failed == len(batch.Results) {
				return fmt.Errorf("all %d generations failed", failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&asList, "as", "", "Comma-separated AS numbers (e.g. 13335,15169)")
	cmd.MarkFlagRequired("as")
	return cmd
}

func newDiscoverCmd(a *app) *cobra.Command {
	var devicesPath string

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Discover BGP groups and AS numbers; write mapping artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := inventory.LoadCSV(devicesPath)
			if err != nil {
				return err
			}

			orch, cleanup, err := buildOrchestrator(a, false)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := guardrail.NotifyCancel(cmd.Context(), nil)
			defer cancel()

			d, err := orch.Discover(ctx, devices)
			if err != nil {
				return err
			}
			fmt.Printf("discovered %d routers\n", len(d.Routers))
			return nil
		},
	}

	cmd.Flags().StringVar(&devicesPath, "devices", "devices.csv", "Device inventory CSV")
	return cmd
}

// newPipelineCmd builds both the `pipeline` (generate + guard) and `apply`
// (additionally push) verbs; they share everything but the final step.
func newPipelineCmd(a *app, apply bool) *cobra.Command {
	use, short := "pipeline", "Run the full pipeline without touching routers"
	if apply {
		use, short = "apply", "Run the full pipeline and apply policies over NETCONF"
	}

	var (
		devicesPath     string
		rolloutPlan     string
		rolloutParallel int
	)

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := inventory.LoadCSV(devicesPath)
			if err != nil {
				return err
			}

			orch, cleanup, err := buildOrchestrator(a, apply)
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := guardrail.NotifyCancel(cmd.Context(), func() {
				orch.RunLock().Release()
			})
			defer cancel()

			if apply && rolloutPlan != "" {
				reports, err := runStaged(ctx, orch, devices, rolloutPlan, rolloutParallel)
				printReports(reports)
				return err
			}

			reports, err := orch.Run(ctx, devices, apply)
			printReports(reports)
			return err
		},
	}

	cmd.Flags().StringVar(&devicesPath, "devices", "devices.csv", "Device inventory CSV")
	if apply {
		cmd.Flags().StringVar(&rolloutPlan, "rollout-plan",
			"", "Staged rollout plan JSON; built from discovery when the file does not exist yet")
		cmd.Flags().IntVar(&rolloutParallel, "rollout-parallel",
			1, "Per-stage parallel apply limit for a newly built plan")
	}
	return cmd
}

// runStaged loads the rollout plan if one was saved earlier (resuming its
// target states) and drives the apply step through it.
func runStaged(ctx context.Context, orch *pipeline.Orchestrator,
	devices []inventory.Device, planPath string, stageParallel int) ([]pipeline.RouterReport, error) {

	var plan *pipeline.RolloutRun
	if _, err := os.Stat(planPath); err == nil {
		plan, err = pipeline.LoadRolloutRun(planPath)
		if err != nil {
			return nil, err
		}
		fmt.Printf("resuming rollout %s (%s)\n", plan.ID, plan.State)
	}

	return orch.RunRollout(ctx, devices, plan, planPath, stageParallel)
}

func newRPKICheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rpki-check",
		Short: "Verify the VRP cache is present and fresh",
		RunE: func(*cobra.Command, []string) error {
			return preflightError(rpki.Preflight(a.log, a.cfg.RPKI))
		},
	}
}

func newNotifyEmailCmd(a *app) *cobra.Command {
	var spoolDir string

	cmd := &cobra.Command{
		Use:   "notify-email",
		Short: "Compose the run summary for mail delivery",
		RunE: func(*cobra.Command, []string) error {
			msg, err := notify.ComposeRunSummary(a.log, a.cfg.ReportDir)
			if err != nil {
				return err
			}
			sink := notify.FileSink{Dir: spoolDir}
			return sink.Send(msg)
		},
	}

	cmd.Flags().StringVar(&spoolDir, "spool", "reports/outbox", "Spool directory for composed messages")
	return cmd
}

// buildGenerator assembles the bgpq4 wrapper with its cache and, when
// enabled, the IRR proxy.
func buildGenerator(a *app) (*generator.Generator, *irrproxy.Manager, error) {
	cache, err := generator.NewCache(a.cfg.BGPq4.CacheDir)
	if err != nil {
		return nil, nil, err
	}

	var (
		proxy *irrproxy.Manager
		wrap  generator.WrapFunc
	)
	if a.cfg.IRRProxy.Enabled {
		proxy = irrproxy.NewManager(a.log, a.cfg.IRRProxy)
		if err := proxy.Start(context.Background()); err != nil {
			return nil, nil, err
		}
		tunnelName := a.cfg.IRRProxy.Tunnels[0].Name
		wrap = func(argv []string) ([]string, error) {
			return proxy.WrapCommand(argv, tunnelName)
		}
	}

	return generator.New(a.log, a.cfg.BGPq4, cache, wrap), proxy, nil
}

// buildOrchestrator wires the full pipeline. cleanup stops background
// collaborators.
func buildOrchestrator(a *app, withApplier bool) (*pipeline.Orchestrator, func(), error) {
	auditLog, err := audit.NewWriter(a.cfg.AuditLog)
	if err != nil {
		return nil, nil, err
	}

	coll, err := collector.New(a.log, a.cfg.SSH)
	if err != nil {
		auditLog.Close()
		return nil, nil, err
	}

	gen, proxy, err := buildGenerator(a)
	if err != nil {
		auditLog.Close()
		return nil, nil, err
	}

	opts := pipeline.Options{
		SignalsInstalled: true,
		Confirm:          promptConfirm,
	}

	if a.cfg.RPKI.Enabled {
		validator, err := rpki.NewValidatorFromConfig(a.log, a.cfg.RPKI)
		if err != nil {
			a.log.Warn("RPKI validator unavailable", zap.Error(err))
		} else {
			opts.Validator = validator
		}
	}

	if withApplier {
		hostKey, err := collector.HostKeyPolicy(a.log, a.cfg.SSH)
		if err != nil {
			auditLog.Close()
			return nil, nil, err
		}
		applier, err := netconf.New(a.log, a.cfg.NETCONF, auditLog, hostKey)
		if err != nil {
			auditLog.Close()
			return nil, nil, err
		}
		opts.Applier = applier
	}

	orch, err := pipeline.New(a.log, a.cfg, auditLog, coll, gen, opts)
	if err != nil {
		auditLog.Close()
		return nil, nil, err
	}

	cleanup := func() {
		if proxy != nil {
			proxy.Stop()
		}
		auditLog.Close()
	}
	return orch, cleanup, nil
}

// promptConfirm asks the operator to approve one router's diff in system
// mode.
func promptConfirm(router, diff string, _ guardrail.RiskAssessment) bool {
	fmt.Printf("\n=== %s candidate diff ===\n%s\n", router, diff)
	fmt.Printf("Apply to %s? [y/N]: ", router)

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func parseASList(list string) ([]uint64, error) {
	var out []uint64
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(part)), "AS"))
		if part == "" {
			continue
		}
		value, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid AS number %q", part)
		}
		out = append(out, value)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no AS numbers given")
	}
	return out, nil
}

func printReports(reports []pipeline.RouterReport) {
	if len(reports) == 0 {
		return
	}
	pipeline.SortReports(reports)

	fmt.Printf("\n%-20s %6s %6s %10s %-28s %s\n", "ROUTER", "AS", "FAIL", "RISK", "DECISION", "APPLY")
	for _, r := range reports {
		apply := string(r.ApplyState)
		if apply == "" {
			apply = "-"
		}
		fmt.Printf("%-20s %6d %6d %10s %-28s %s\n",
			r.Router, r.Generated, r.GenFailed, r.Risk, r.Decision, apply)
		if r.Err != nil {
			fmt.Printf("    error: %v\n", r.Err)
		}
	}
}
