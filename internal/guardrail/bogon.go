package guardrail

import (
	"context"
	"fmt"
	"net/netip"
)

// Bogon ranges that must never appear in generated policy. IPv6 entries are
// enforced at the same severity as IPv4.
var bogonRanges = func() []netip.Prefix {
	cidrs := []string{
		// IPv4
		"0.0.0.0/8",
		"10.0.0.0/8",
		"100.64.0.0/10",
		"127.0.0.0/8",
		"169.254.0.0/16",
		"172.16.0.0/12",
		"192.0.2.0/24",
		"192.168.0.0/16",
		"198.18.0.0/15",
		"198.51.100.0/24",
		"203.0.113.0/24",
		"224.0.0.0/4",
		"240.0.0.0/4",
		// IPv6
		"::/128",
		"::1/128",
		"::ffff:0:0/96",
		"100::/64",
		"2001:db8::/32",
		"fc00::/7",
		"fe80::/10",
		"ff00::/8",
	}
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}()

// BogonGuardrail rejects policies containing prefixes that overlap
// RFC-reserved, private, documentation, multicast or class-E space.
// Always CRITICAL on a hit; cannot be disabled.
type BogonGuardrail struct{}

func NewBogonGuardrail() *BogonGuardrail { return &BogonGuardrail{} }

func (g *BogonGuardrail) Name() string   { return "bogon_prefix" }
func (g *BogonGuardrail) Critical() bool { return true }

func (g *BogonGuardrail) Check(_ context.Context, cc *CheckContext) Outcome {
	out := Outcome{Level: Low}

	for _, policy := range cc.Policies {
		for _, text := range policy.Prefixes {
			prefix, err := netip.ParsePrefix(text)
			if err != nil {
				out.Level = Critical
				out.Issues = append(out.Issues, fmt.Sprintf(
					"AS%d policy contains unparseable prefix %q", policy.ASNumber, text))
				continue
			}
			if bogon, hit := matchBogon(prefix.Masked()); hit {
				out.Level = Critical
				out.Issues = append(out.Issues, fmt.Sprintf(
					"AS%d policy contains %s overlapping bogon range %s",
					policy.ASNumber, prefix, bogon))
			}
		}
	}
	return out
}

// matchBogon reports whether p overlaps any bogon range in either
// direction (p inside the range, or the range inside p).
func matchBogon(p netip.Prefix) (netip.Prefix, bool) {
	for _, b := range bogonRanges {
		if b.Addr().Is4() != p.Addr().Is4() {
			continue
		}
		if b.Contains(p.Addr()) || p.Contains(b.Addr()) {
			return b, true
		}
	}
	return netip.Prefix{}, false
}
