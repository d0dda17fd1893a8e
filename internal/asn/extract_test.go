package asn

import (
	"strings"
	"testing"
)

func TestExtract(t *testing.T) {
	text := `
group transit {
    neighbor 192.0.2.1 {
        peer-as 13335;
    }
    neighbor 192.0.2.2 {
        peer-as 15169;
    }
}
description "AS3356 backbone";
import from AS-2914;
`

	res := Extract(text, true)

	want := []uint32{2914, 3356, 13335, 15169}
	if len(res.ASNumbers) != len(want) {
		t.Fatalf("extracted %v, want %v", res.ASNumbers, want)
	}
	for i, as := range want {
		if res.ASNumbers[i] != as {
			t.Errorf("result[%d] = %d, want %d", i, res.ASNumbers[i], as)
		}
	}
}

func TestExtractStrictDropsOctets(t *testing.T) {
	// The neighbor address octets must not leak in as AS numbers.
	text := "neighbor 10.0.0.1 { peer-as 64; }\npeer-as 13335;"

	res := Extract(text, true)
	if len(res.ASNumbers) != 1 || res.ASNumbers[0] != 13335 {
		t.Errorf("strict extract = %v, want [13335]", res.ASNumbers)
	}

	found := false
	for _, d := range res.Diagnostics {
		if strings.Contains(d, "AS64") {
			found = true
		}
	}
	if !found {
		t.Error("expected a diagnostic for the dropped AS64 candidate")
	}

	loose := Extract(text, false)
	if len(loose.ASNumbers) != 2 {
		t.Errorf("non-strict extract = %v, want [64 13335]", loose.ASNumbers)
	}
}

func TestExtractBounds(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"max asn", "peer-as 4294967295", 1},
		{"beyond 32 bits", "peer-as 4294967296", 0},
		{"zero", "peer-as 0", 0}, // strict: <= 255
		{"as prefix form", "AS4200000000", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Extract(tt.text, true)
			if len(res.ASNumbers) != tt.want {
				t.Errorf("got %v, want %d results", res.ASNumbers, tt.want)
			}
		})
	}
}

func TestExtractNoDuplicates(t *testing.T) {
	res := Extract("peer-as 13335; AS13335; as13335", true)
	if len(res.ASNumbers) != 1 {
		t.Errorf("duplicates reported: %v", res.ASNumbers)
	}
}

func TestExtractReservedDiagnostics(t *testing.T) {
	res := Extract("peer-as 64512; peer-as 64496; peer-as 23456;", true)
	if len(res.ASNumbers) != 3 {
		t.Fatalf("reserved ranges must be admitted, got %v", res.ASNumbers)
	}
	if len(res.Diagnostics) != 3 {
		t.Errorf("expected 3 range diagnostics, got %v", res.Diagnostics)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		as   uint32
		want string
	}{
		{13335, ClassPublic},
		{0, ClassReserved},
		{23456, ClassReserved},
		{65535, ClassReserved},
		{4294967295, ClassReserved},
		{64496, ClassDocumentation},
		{64511, ClassDocumentation},
		{65536, ClassDocumentation},
		{65551, ClassDocumentation},
		{64512, ClassPrivate},
		{65534, ClassPrivate},
		{4200000000, ClassPrivate},
		{4294967294, ClassPrivate},
	}

	for _, tt := range tests {
		if got := Classify(tt.as); got != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.as, got, tt.want)
		}
	}
}

func TestCleanTextStrategiesAgree(t *testing.T) {
	tests := []struct {
		name  string
		noise []string
		text  string
	}{
		{
			name:  "terminal noise",
			noise: []string{"<output>", "</output>", "{master}", "---(more)---", "\r"},
			text:  strings.Repeat("<output>peer-as 13335;\r\n{master}\n---(more)---\n", 600),
		},
		{
			name:  "overlapping substrings out of length order",
			noise: []string{"bcd", "abc", "zz", "b"},
			text:  strings.Repeat("abcd bcda xabcx zzb ", 700),
		},
		{
			name:  "shared prefixes",
			noise: []string{"as", "as-path", "aspa", "a"},
			text:  strings.Repeat("as-path aspath aspa asas ", 700),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ordered := orderedNoise(tt.noise)
			fromScan := cleanScan(tt.text, ordered)
			fromAlternation := cleanAlternation(tt.text, ordered)
			if fromScan != fromAlternation {
				t.Errorf("strategies disagree:\nscan        %q\nalternation %q",
					head(fromScan), head(fromAlternation))
			}

			// CleanText picks a strategy by input size; either way the
			// result must match both helpers.
			if got := CleanText(tt.text, tt.noise); got != fromScan {
				t.Error("CleanText disagrees with its strategies")
			}
			for _, n := range tt.noise {
				if strings.Contains(fromScan, n) {
					t.Errorf("noise substring %q survived cleaning", n)
				}
			}
		})
	}
}

func TestCleanTextLongestPreferred(t *testing.T) {
	// At a shared position the longest substring wins in both strategies,
	// regardless of the order the caller lists them in.
	noise := []string{"ab", "abcd"}
	if got := CleanText("xabcdx", noise); got != "xx" {
		t.Errorf(`CleanText("xabcdx") = %q, want "xx"`, got)
	}
	ordered := orderedNoise(noise)
	if got := cleanAlternation("xabcdx", ordered); got != "xx" {
		t.Errorf(`cleanAlternation("xabcdx") = %q, want "xx"`, got)
	}
}

func orderedNoise(noise []string) []string {
	ordered := make([]string, 0, len(noise))
	for _, n := range noise {
		if n != "" {
			ordered = append(ordered, n)
		}
	}
	sortByLengthDesc(ordered)
	return ordered
}

func head(s string) string {
	if len(s) > 80 {
		return s[:80] + "..."
	}
	return s
}

func TestCleanTextEmptyNoise(t *testing.T) {
	if got := CleanText("abc", nil); got != "abc" {
		t.Errorf("CleanText with no noise = %q", got)
	}
	if got := CleanText("abc", []string{""}); got != "abc" {
		t.Errorf("CleanText with empty substring = %q", got)
	}
}
