package guardrail

import (
	"context"
	"fmt"

	"github.com/networksandchill/otto-bgp/internal/config"
	"github.com/networksandchill/otto-bgp/internal/rpki"
)

// RPKIGuardrail validates every (prefix, origin) pair in the candidate
// policies and escalates on invalid/not-found shares.
type RPKIGuardrail struct {
	validator *rpki.Validator
	cfg       config.RPKIConfig
}

func NewRPKIGuardrail(validator *rpki.Validator, cfg config.RPKIConfig) *RPKIGuardrail {
	return &RPKIGuardrail{validator: validator, cfg: cfg}
}

func (g *RPKIGuardrail) Name() string   { return "rpki_validation" }
func (g *RPKIGuardrail) Critical() bool { return false }

func (g *RPKIGuardrail) Check(ctx context.Context, cc *CheckContext) Outcome {
	if g.validator == nil {
		return Outcome{Level: Low}
	}

	out := Outcome{Level: Low}
	var total rpki.Stats

	for _, policy := range cc.Policies {
		if len(policy.Prefixes) == 0 {
			continue
		}
		results := g.validator.ValidateBatch(ctx, policy.Prefixes, policy.ASNumber, 0)
		stats := rpki.ComputeStats(results)

		total.Valid += stats.Valid
		total.Invalid += stats.Invalid
		total.NotFound += stats.NotFound
		total.Errors += stats.Errors
		total.Allowlisted += stats.Allowlisted
		total.Total += stats.Total

		for _, r := range results {
			if r.State == rpki.StateInvalid {
				out.Issues = append(out.Issues, fmt.Sprintf(
					"AS%d announces RPKI-invalid prefix %s", policy.ASNumber, r.Prefix))
			}
		}
	}

	if total.Total == 0 {
		return out
	}

	if total.Errors > 0 && g.cfg.FailClosed {
		out.Level = Critical
		out.Issues = append(out.Issues, fmt.Sprintf(
			"%d validation errors with fail-closed policy", total.Errors))
		return out
	}

	invalidPct := total.InvalidPercent()
	notFoundPct := total.NotFoundPercent()

	switch {
	case invalidPct > g.cfg.MaxInvalidPercent*2:
		out.Level = Critical
	case invalidPct > g.cfg.MaxInvalidPercent:
		out.Level = High
	}
	if notFoundPct > g.cfg.MaxNotFoundPercent && out.Level < High {
		out.Level = High
	}

	if out.Level > Low {
		out.Issues = append(out.Issues, fmt.Sprintf(
			"rpki totals: %.1f%% invalid, %.1f%% not-found over %d prefixes",
			invalidPct, notFoundPct, total.Total))
	}
	return out
}
