// Package guardrail implements the layered safety checks that gate policy
// application, aggregated into a single risk level per router.
package guardrail

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Level is a guardrail risk level.
type Level int

const (
	Low Level = iota
	Medium
	High
	Critical
)

// String returns the human-readable name of the risk level.
func (l Level) String() string {
	switch l {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(l))
	}
}

// Decision is the mode-gated verdict derived from the overall level.
type Decision int

const (
	Proceed Decision = iota
	ProceedWithConfirmation
	Block
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case Proceed:
		return "PROCEED"
	case ProceedWithConfirmation:
		return "PROCEED_WITH_CONFIRMATION"
	case Block:
		return "BLOCK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(d))
	}
}

// Outcome is one guardrail's verdict.
type Outcome struct {
	Level  Level
	Issues []string
}

// CandidatePolicy is the guardrail-facing view of one generated prefix-list:
// the origin AS and the prefixes parsed out of the policy body.
type CandidatePolicy struct {
	ASNumber uint32
	Prefixes []string
}

// CheckContext carries everything a guardrail may inspect for one router.
type CheckContext struct {
	Router   string
	Policies []CandidatePolicy

	// Prior totals for the prefix-count delta check; -1 means no baseline.
	PreviousIPv4Count int
	PreviousIPv6Count int

	// SignalsInstalled is set by the orchestrator once SIGINT/SIGTERM
	// handlers are wired to the run's cancellation token.
	SignalsInstalled bool
}

// Guardrail is a named safety check. Critical guardrails cannot be disabled
// at runtime.
type Guardrail interface {
	Name() string
	Critical() bool
	Check(ctx context.Context, cc *CheckContext) Outcome
}

// RiskAssessment is the aggregated verdict over all evaluated guardrails.
type RiskAssessment struct {
	Overall   Level
	Decision  Decision
	Issues    []string
	Outcomes  map[string]Outcome
}

// Engine evaluates a registered set of guardrails and applies the
// mode-gated decision matrix.
type Engine struct {
	log        *zap.Logger
	autonomous bool

	mu         sync.RWMutex
	guardrails []Guardrail
	enabled    map[string]bool
}

// NewEngine creates an engine. enabledNames selects which non-critical
// guardrails run; critical guardrails always run.
func NewEngine(log *zap.Logger, autonomous bool, enabledNames []string) *Engine {
	enabled := make(map[string]bool, len(enabledNames))
	for _, n := range enabledNames {
		enabled[n] = true
	}
	return &Engine{
		log:        log,
		autonomous: autonomous,
		enabled:    enabled,
	}
}

// Register adds a guardrail to the engine.
func (e *Engine) Register(g Guardrail) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.guardrails = append(e.guardrails, g)
}

// SetEnabled toggles a non-critical guardrail at runtime. Disabling a
// critical guardrail is an error.
func (e *Engine) SetEnabled(name string, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, g := range e.guardrails {
		if g.Name() != name {
			continue
		}
		if g.Critical() && !on {
			return fmt.Errorf("guardrail %s is critical and cannot be disabled", name)
		}
		e.enabled[name] = on
		return nil
	}
	return fmt.Errorf("unknown guardrail %s", name)
}

// Evaluate runs all active guardrails and aggregates their outcomes.
// Evaluation order is unspecified; aggregation is a commutative max.
func (e *Engine) Evaluate(ctx context.Context, cc *CheckContext) RiskAssessment {
	e.mu.RLock()
	active := make([]Guardrail, 0, len(e.guardrails))
	for _, g := range e.guardrails {
		if g.Critical() || e.enabled[g.Name()] {
			active = append(active, g)
		}
	}
	e.mu.RUnlock()

	ra := RiskAssessment{
		Overall:  Low,
		Outcomes: make(map[string]Outcome, len(active)),
	}

	for _, g := range active {
		outcome := g.Check(ctx, cc)
		ra.Outcomes[g.Name()] = outcome
		if outcome.Level > ra.Overall {
			ra.Overall = outcome.Level
		}
		for _, issue := range outcome.Issues {
			ra.Issues = append(ra.Issues, fmt.Sprintf("%s: %s", g.Name(), issue))
		}

		if outcome.Level >= Medium {
			e.log.Warn("guardrail flagged",
				zap.String("guardrail", g.Name()),
				zap.String("router", cc.Router),
				zap.String("level", outcome.Level.String()),
				zap.Strings("issues", outcome.Issues),
			)
		}
	}

	ra.Decision = e.decide(ra.Overall)

	e.log.Info("risk assessment",
		zap.String("router", cc.Router),
		zap.String("overall", ra.Overall.String()),
		zap.String("decision", ra.Decision.String()),
	)
	return ra
}

// decide applies the mode decision matrix.
func (e *Engine) decide(overall Level) Decision {
	if e.autonomous {
		if overall == Low {
			return Proceed
		}
		return Block
	}

	switch overall {
	case Low:
		return Proceed
	case Medium, High:
		return ProceedWithConfirmation
	default:
		return Block
	}
}
