// Package adapter composes per-AS prefix-list policies into one Junos
// configuration payload per router.
package adapter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// prefixLine matches one prefix entry inside a bgpq4-generated stanza.
var prefixLine = regexp.MustCompile(`^\s*([0-9a-fA-F:.]+/\d+)\s*;`)

// PolicyInput is one AS's generated prefix-list to be included in a router
// payload.
type PolicyInput struct {
	ASNumber   uint32
	PolicyName string
	Content    string
}

// ParsePrefixes extracts the prefix entries from bgpq4 output, preserving
// first-occurrence order and dropping duplicates.
func ParsePrefixes(content string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		m := prefixLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}

// ComposeRouterPayload builds the single configuration payload for one
// router: only `policy-options prefix-list` stanzas, each under a
// `replace:` tag so re-applying is idempotent. Policies are emitted in
// ascending AS order for a stable diff.
func ComposeRouterPayload(policies []PolicyInput) (string, error) {
	if len(policies) == 0 {
		return "", fmt.Errorf("no policies to compose")
	}

	ordered := make([]PolicyInput, len(policies))
	copy(ordered, policies)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ASNumber < ordered[j].ASNumber })

	var b strings.Builder
	b.WriteString("policy-options {\n")
	for _, p := range ordered {
		name := p.PolicyName
		if name == "" {
			name = fmt.Sprintf("AS%d", p.ASNumber)
		}
		b.WriteString("replace:\n")
		fmt.Fprintf(&b, "    prefix-list %s {\n", name)
		for _, prefix := range ParsePrefixes(p.Content) {
			fmt.Fprintf(&b, "        %s;\n", prefix)
		}
		b.WriteString("    }\n")
	}
	b.WriteString("}\n")
	return b.String(), nil
}

// ComposeCombinedFile concatenates raw per-AS bgpq4 output into the
// combined artifact written alongside the per-AS files. Verbatim content,
// separated by a header comment per AS.
func ComposeCombinedFile(policies []PolicyInput) string {
	ordered := make([]PolicyInput, len(policies))
	copy(ordered, policies)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ASNumber < ordered[j].ASNumber })

	var b strings.Builder
	for i, p := range ordered {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "/* AS%d */\n", p.ASNumber)
		b.WriteString(p.Content)
		if !strings.HasSuffix(p.Content, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}
