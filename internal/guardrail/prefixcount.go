package guardrail

import (
	"context"
	"fmt"
	"strings"

	"github.com/networksandchill/otto-bgp/internal/config"
)

// PrefixCountGuardrail flags large swings in a router's total prefix count.
// IPv4 and IPv6 are tracked separately; both contribute to the outcome.
type PrefixCountGuardrail struct {
	thresholds config.PrefixCountThresholds
}

// NewPrefixCountGuardrail creates the check with the configured percent
// thresholds for MEDIUM, HIGH and CRITICAL.
func NewPrefixCountGuardrail(thresholds config.PrefixCountThresholds) *PrefixCountGuardrail {
	return &PrefixCountGuardrail{thresholds: thresholds}
}

func (g *PrefixCountGuardrail) Name() string   { return "prefix_count" }
func (g *PrefixCountGuardrail) Critical() bool { return false }

func (g *PrefixCountGuardrail) Check(_ context.Context, cc *CheckContext) Outcome {
	newV4, newV6 := 0, 0
	for _, p := range cc.Policies {
		for _, prefix := range p.Prefixes {
			if strings.Contains(prefix, ":") {
				newV6++
			} else {
				newV4++
			}
		}
	}

	out := Outcome{Level: Low}
	g.compare(&out, "ipv4", cc.PreviousIPv4Count, newV4)
	g.compare(&out, "ipv6", cc.PreviousIPv6Count, newV6)
	return out
}

func (g *PrefixCountGuardrail) compare(out *Outcome, family string, prev, next int) {
	if prev < 0 {
		// First run for this router; nothing to compare against.
		return
	}
	if prev == next {
		return
	}

	var deviation float64
	if prev == 0 {
		deviation = 100
	} else {
		delta := next - prev
		if delta < 0 {
			delta = -delta
		}
		deviation = 100 * float64(delta) / float64(prev)
	}

	var level Level
	switch {
	case deviation >= g.thresholds.Critical:
		level = Critical
	case deviation >= g.thresholds.High:
		level = High
	case deviation >= g.thresholds.Medium:
		level = Medium
	default:
		return
	}

	if level > out.Level {
		out.Level = level
	}
	out.Issues = append(out.Issues, fmt.Sprintf(
		"%s prefix count moved %d -> %d (%.1f%% deviation)", family, prev, next, deviation))
}
