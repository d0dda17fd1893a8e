// Package generator produces Junos prefix-list policies by invoking the
// external bgpq4 tool, one subprocess per AS.
package generator

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/networksandchill/otto-bgp/internal/config"
)

// Failure kinds surfaced on GenerationResult.
const (
	KindASOutOfRange      = "AS_OUT_OF_RANGE"
	KindInvalidPolicyName = "INVALID_POLICY_NAME"
	KindBGPq4Timeout      = "BGPQ4_TIMEOUT"
	KindBGPq4Failed       = "BGPQ4_FAILED"
	KindBGPq4Unavailable  = "BGPQ4_UNAVAILABLE"
	KindProxyUnavailable  = "PROXY_UNAVAILABLE"
)

// Workers are capped at 8 by default to protect IRR servers and local
// resources; batches of one or two run inline.
const (
	defaultWorkerCap    = 8
	sequentialThreshold = 2
)

var policyNameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// PrefixListPolicy is the verbatim output of one successful bgpq4 run.
type PrefixListPolicy struct {
	ASNumber    uint32    `json:"as_number"`
	PolicyName  string    `json:"policy_name"`
	Content     string    `json:"content"`
	GeneratedAt time.Time `json:"generated_at"`
	CacheKey    string    `json:"cache_key"`
}

// GenerationResult is one slot of a batch: a policy or a failure record
// for the same input.
type GenerationResult struct {
	ASInput uint64
	Policy  *PrefixListPolicy
	ErrKind string
	Err     error
}

// Ok reports whether this slot carries a policy.
func (r GenerationResult) Ok() bool { return r.Err == nil }

// BatchResult preserves input order: len(Results) == len(input) and slot i
// always refers to input[i].
type BatchResult struct {
	Results  []GenerationResult
	Duration time.Duration
}

// Failed counts slots with an error record.
func (b BatchResult) Failed() int {
	n := 0
	for _, r := range b.Results {
		if !r.Ok() {
			n++
		}
	}
	return n
}

// runner executes one bgpq4 invocation. Stubbed in tests.
type runner interface {
	run(ctx context.Context, argv []string, timeout time.Duration) (string, error)
}

// WrapFunc optionally rewrites argv to route IRR queries through a proxy
// tunnel. A PROXY_UNAVAILABLE error fails the AS fast.
type WrapFunc func(argv []string) ([]string, error)

// Generator wraps bgpq4 with validation, caching and bounded parallelism.
type Generator struct {
	log   *zap.Logger
	cfg   config.BGPq4Config
	cache *Cache
	run   runner
	wrap  WrapFunc

	detectOnce sync.Once
	argvPrefix []string
	detectErr  error

	versionOnce sync.Once
	version     string
}

// New builds a generator. cache may be nil to disable caching; wrap may be
// nil for direct IRR access.
func New(log *zap.Logger, cfg config.BGPq4Config, cache *Cache, wrap WrapFunc) *Generator {
	return &Generator{
		log:   log,
		cfg:   cfg,
		cache: cache,
		run:   execRunner{},
		wrap:  wrap,
	}
}

// DerivePolicyName validates a user-supplied policy name or derives the
// deterministic default for the AS.
func DerivePolicyName(as uint32, requested string) (string, error) {
	if requested == "" {
		return fmt.Sprintf("AS%d", as), nil
	}
	if !policyNameRe.MatchString(requested) {
		return "", fmt.Errorf("policy name %q must match [A-Za-z0-9_-]{1,64}", requested)
	}
	return requested, nil
}

// GenerateOne produces the prefix-list policy for a single AS.
// Pre-execution validation always runs, cache hit or not.
func (g *Generator) GenerateOne(ctx context.Context, asInput uint64, requestedName string) GenerationResult {
	res := GenerationResult{ASInput: asInput}

	if asInput > 4294967295 {
		res.ErrKind = KindASOutOfRange
		res.Err = fmt.Errorf("AS%d exceeds 32-bit range", asInput)
		return res
	}
	as := uint32(asInput)

	name, err := DerivePolicyName(as, requestedName)
	if err != nil {
		res.ErrKind = KindInvalidPolicyName
		res.Err = err
		return res
	}

	argv, err := g.assembleArgv(as, name)
	if err != nil {
		res.ErrKind = kindOf(err)
		res.Err = err
		return res
	}

	key := g.cacheKey(as, name)
	if g.cache != nil {
		if policy, ok := g.cache.Get(key, g.cfg.CacheTTL); ok {
			g.log.Debug("cache hit", zap.Uint32("as", as), zap.String("key", key))
			res.Policy = policy
			return res
		}
	}

	output, err := g.run.run(ctx, argv, g.cfg.Timeout)
	if err != nil {
		res.ErrKind = kindOf(err)
		res.Err = err
		return res
	}

	policy := &PrefixListPolicy{
		ASNumber:    as,
		PolicyName:  name,
		Content:     output,
		GeneratedAt: time.Now().UTC(),
		CacheKey:    key,
	}
	if g.cache != nil {
		if err := g.cache.Put(key, policy); err != nil {
			g.log.Warn("cache write failed", zap.Uint32("as", as), zap.Error(err))
		}
	}

	res.Policy = policy
	return res
}

// GenerateBatch produces policies for every input AS. Results preserve
// input order; a failed slot carries its error record and costs no
// subprocess for validation failures.
func (g *Generator) GenerateBatch(ctx context.Context, asNumbers []uint64) BatchResult {
	started := time.Now()
	results := make([]GenerationResult, len(asNumbers))

	if len(asNumbers) <= sequentialThreshold {
		for i, as := range asNumbers {
			results[i] = g.GenerateOne(ctx, as, "")
		}
		return BatchResult{Results: results, Duration: time.Since(started)}
	}

	workers := g.cfg.MaxWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers > defaultWorkerCap {
			workers = defaultWorkerCap
		}
	}
	if workers > len(asNumbers) {
		workers = len(asNumbers)
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	for i, as := range asNumbers {
		i, as := i, as
		eg.Go(func() error {
			results[i] = g.GenerateOne(ctx, as, "")
			return nil
		})
	}
	eg.Wait()

	batch := BatchResult{Results: results, Duration: time.Since(started)}
	g.log.Info("generation finished",
		zap.Int("requested", len(asNumbers)),
		zap.Int("failed", batch.Failed()),
		zap.Duration("elapsed", batch.Duration),
	)
	return batch
}

// assembleArgv builds the invocation as a list. No shell is involved at
// any layer. The proxy wrap sees a plain bgpq4 argv; the backend prefix
// (native path or container invocation) is substituted afterwards so both
// see identical flags.
func (g *Generator) assembleArgv(as uint32, name string) ([]string, error) {
	prefix, err := g.backendPrefix()
	if err != nil {
		return nil, err
	}

	argv := []string{"bgpq4"}
	if g.cfg.IRRSource != "" {
		argv = append(argv, "-S", g.cfg.IRRSource)
	}
	if g.cfg.Aggregate {
		argv = append(argv, "-A")
	}
	switch {
	case g.cfg.IPv4Enabled && !g.cfg.IPv6Enabled:
		argv = append(argv, "-4")
	case g.cfg.IPv6Enabled && !g.cfg.IPv4Enabled:
		argv = append(argv, "-6")
	}
	argv = append(argv, "-Jl", name, fmt.Sprintf("AS%d", as))

	if g.wrap != nil {
		wrapped, err := g.wrap(argv)
		if err != nil {
			return nil, err
		}
		argv = wrapped
	}

	return append(append([]string{}, prefix...), argv[1:]...), nil
}

// backendPrefix resolves the configured execution backend once. Container
// modes prepend a fixed argv prefix; everything downstream is identical.
func (g *Generator) backendPrefix() ([]string, error) {
	g.detectOnce.Do(func() {
		switch g.cfg.Mode {
		case "native":
			g.argvPrefix, g.detectErr = nativePrefix()
		case "docker":
			g.argvPrefix, g.detectErr = containerPrefix("docker")
		case "podman":
			g.argvPrefix, g.detectErr = containerPrefix("podman")
		case "auto":
			for _, attempt := range []func() ([]string, error){
				nativePrefix,
				func() ([]string, error) { return containerPrefix("docker") },
				func() ([]string, error) { return containerPrefix("podman") },
			} {
				if prefix, err := attempt(); err == nil {
					g.argvPrefix = prefix
					g.detectErr = nil
					return
				}
			}
			g.detectErr = fmt.Errorf("%s: no bgpq4 backend found (native, docker, podman)", KindBGPq4Unavailable)
		default:
			g.detectErr = fmt.Errorf("%s: unknown bgpq4 mode %q", KindBGPq4Unavailable, g.cfg.Mode)
		}
	})
	return g.argvPrefix, g.detectErr
}

func nativePrefix() ([]string, error) {
	path, err := exec.LookPath("bgpq4")
	if err != nil {
		return nil, fmt.Errorf("%s: bgpq4 not on PATH", KindBGPq4Unavailable)
	}
	return []string{path}, nil
}

func containerPrefix(engine string) ([]string, error) {
	path, err := exec.LookPath(engine)
	if err != nil {
		return nil, fmt.Errorf("%s: %s not on PATH", KindBGPq4Unavailable, engine)
	}
	return []string{path, "run", "--rm", "--network", "host", "ghcr.io/bgp/bgpq4:latest"}, nil
}

// bgpq4Version resolves the tool version once for cache keying. Failure
// degrades to "unknown" rather than blocking generation.
func (g *Generator) bgpq4Version() string {
	g.versionOnce.Do(func() {
		g.version = "unknown"
		prefix, err := g.backendPrefix()
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		out, err := g.run.run(ctx, append(append([]string{}, prefix...), "-v"), 10*time.Second)
		if err == nil {
			g.version = strings.TrimSpace(firstLine(out))
		}
	})
	return g.version
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func kindOf(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindBGPq4Timeout
	case strings.Contains(err.Error(), KindProxyUnavailable):
		return KindProxyUnavailable
	case strings.Contains(err.Error(), KindBGPq4Unavailable):
		return KindBGPq4Unavailable
	default:
		return KindBGPq4Failed
	}
}

// execRunner invokes the assembled argv as a child process.
type execRunner struct{}

var sigterm = syscall.SIGTERM

func (execRunner) run(ctx context.Context, argv []string, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	// SIGTERM first; the harness escalates to SIGKILL after a short grace.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(sigterm)
	}
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", fmt.Errorf("bgpq4 timed out: %w", context.DeadlineExceeded)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("bgpq4 failed: %s", msg)
	}
	return stdout.String(), nil
}
