package asn

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Compiled once; matching runs over the whole text in a single pass per
// pattern. Per-line work is for diagnostics only.
var asnPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bAS[-]?(\d+)\b`),
	regexp.MustCompile(`(?i)\bpeer-as\s+(\d+)\b`),
	regexp.MustCompile(`(?i)\blocal-as\s+(\d+)\b`),
	regexp.MustCompile(`(?i)\bautonomous-system\s+(\d+)\b`),
}

// ExtractResult holds the extracted AS set and per-candidate diagnostics.
type ExtractResult struct {
	ASNumbers   []uint32
	Diagnostics []string
}

// Extract scans free-form text for AS numbers. Candidates failing numeric
// parse or strict-mode checks are skipped with a diagnostic; reserved-range
// hits are admitted with a warning. There are no fatal errors.
func Extract(text string, strict bool) ExtractResult {
	var res ExtractResult
	seen := make(map[uint32]bool)

	for _, pat := range asnPatterns {
		for _, m := range pat.FindAllStringSubmatch(text, -1) {
			candidate := m[1]
			value, err := strconv.ParseUint(candidate, 10, 64)
			if err != nil {
				res.Diagnostics = append(res.Diagnostics,
					fmt.Sprintf("skipped malformed AS candidate %q", candidate))
				continue
			}
			if err := Validate(value, strict); err != nil {
				res.Diagnostics = append(res.Diagnostics, fmt.Sprintf("skipped: %v", err))
				continue
			}
			as := uint32(value)
			if seen[as] {
				continue
			}
			seen[as] = true
			if class := Classify(as); class != ClassPublic {
				res.Diagnostics = append(res.Diagnostics,
					fmt.Sprintf("AS%d is in a %s range", as, class))
			}
			res.ASNumbers = append(res.ASNumbers, as)
		}
	}

	sort.Slice(res.ASNumbers, func(i, j int) bool { return res.ASNumbers[i] < res.ASNumbers[j] })
	return res
}

// Threshold below which the hand-rolled scan beats compiling an
// alternation.
const (
	naiveMaxSubstrings = 3
	naiveMaxInput      = 10 << 10
)

// CleanText removes every occurrence of the given noise substrings from
// text in one left-to-right pass, preferring the longest substring at each
// position. Small inputs use a plain scan; larger ones compile a single
// alternation. Both strategies share the ordering and the leftmost match
// rule, so their output is byte-identical for any input.
func CleanText(text string, noise []string) string {
	ordered := make([]string, 0, len(noise))
	for _, n := range noise {
		if n != "" {
			ordered = append(ordered, n)
		}
	}
	if len(ordered) == 0 {
		return text
	}
	sortByLengthDesc(ordered)

	if len(ordered) <= naiveMaxSubstrings || len(text) < naiveMaxInput {
		return cleanScan(text, ordered)
	}
	return cleanAlternation(text, ordered)
}

func sortByLengthDesc(ss []string) {
	sort.SliceStable(ss, func(i, j int) bool { return len(ss[i]) > len(ss[j]) })
}

// cleanScan drops noise substrings in a single walk over the text, trying
// the longest candidate first at each position.
func cleanScan(text string, ordered []string) string {
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		skipped := false
		for _, n := range ordered {
			if strings.HasPrefix(text[i:], n) {
				i += len(n)
				skipped = true
				break
			}
		}
		if !skipped {
			b.WriteByte(text[i])
			i++
		}
	}
	return b.String()
}

// cleanAlternation compiles the ordered substrings into one pattern. Go's
// regexp prefers earlier alternatives at equal positions, matching the
// scan's longest-first rule.
func cleanAlternation(text string, ordered []string) string {
	quoted := make([]string, len(ordered))
	for i, n := range ordered {
		quoted[i] = regexp.QuoteMeta(n)
	}
	pat := regexp.MustCompile(strings.Join(quoted, "|"))
	return pat.ReplaceAllLiteralString(text, "")
}
