package rpki

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func testVRPs(t *testing.T) []VRP {
	t.Helper()
	entries := []struct {
		prefix string
		maxLen uint8
		asn    uint32
	}{
		{"1.0.0.0/24", 24, 13335},
		{"8.8.8.0/24", 24, 15169},
		{"203.0.113.0/24", 28, 64500},
		{"2001:db8::/32", 48, 64500},
	}

	var vrps []VRP
	for _, e := range entries {
		vrps = append(vrps, VRP{
			Prefix:    netip.MustParsePrefix(e.prefix),
			MaxLength: e.maxLen,
			OriginAS:  e.asn,
		})
	}
	return vrps
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(zap.NewNop(), testVRPs(t))
}

func TestValidateStates(t *testing.T) {
	v := newTestValidator(t)

	tests := []struct {
		name   string
		prefix string
		origin uint32
		want   State
	}{
		{"exact valid", "1.0.0.0/24", 13335, StateValid},
		{"wrong origin", "1.0.0.0/24", 64512, StateInvalid},
		{"no covering vrp", "9.9.9.0/24", 19281, StateNotFound},
		{"more specific within maxlength", "203.0.113.16/28", 64500, StateValid},
		{"more specific beyond maxlength same origin", "1.0.0.128/25", 13335, StateNotFound},
		{"more specific beyond maxlength other origin", "8.8.8.128/25", 64512, StateInvalid},
		{"ipv6 valid", "2001:db8:1::/48", 64500, StateValid},
		{"ipv6 wrong origin", "2001:db8:1::/48", 13335, StateInvalid},
		{"malformed prefix", "not-a-prefix", 13335, StateError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := v.Validate(tt.prefix, tt.origin)
			if got.State != tt.want {
				t.Errorf("Validate(%s, %d) = %s, want %s", tt.prefix, tt.origin, got.State, tt.want)
			}
		})
	}
}

func TestValidateDeterministic(t *testing.T) {
	v := newTestValidator(t)
	first := v.Validate("1.0.0.0/24", 64512)
	for i := 0; i < 10; i++ {
		if got := v.Validate("1.0.0.0/24", 64512); got.State != first.State {
			t.Fatalf("validation is not deterministic: %s vs %s", got.State, first.State)
		}
	}
}

func TestAllowlistOverride(t *testing.T) {
	v := newTestValidator(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.txt")
	content := "# legacy announcement, reviewed 2025-03\n1.0.0.0/24 64512\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if err := v.LoadAllowlist(path); err != nil {
		t.Fatalf("LoadAllowlist() error: %v", err)
	}

	got := v.Validate("1.0.0.0/24", 64512)
	if got.State != StateValid || !got.Allowlisted {
		t.Errorf("allowlisted result = %s allowlisted=%v, want VALID allowlisted=true",
			got.State, got.Allowlisted)
	}

	// The override is scoped to the exact (prefix, asn) pair.
	other := v.Validate("1.0.0.0/24", 64513)
	if other.State != StateInvalid || other.Allowlisted {
		t.Errorf("non-allowlisted origin = %s allowlisted=%v", other.State, other.Allowlisted)
	}
}

func TestAllowlistRejectsMalformedLines(t *testing.T) {
	v := newTestValidator(t)

	tests := []string{
		"1.0.0.0/24\n",
		"1.0.0.0/24 64512 extra\n",
		"not-a-prefix 64512\n",
		"1.0.0.0/24 ASxyz\n",
	}
	for i, content := range tests {
		path := filepath.Join(t.TempDir(), fmt.Sprintf("allow%d.txt", i))
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
		if err := v.LoadAllowlist(path); err == nil {
			t.Errorf("allowlist %q should be rejected", content)
		}
	}
}

func TestFailClosed(t *testing.T) {
	v := NewValidator(zap.NewNop(), nil)
	v.SetFailClosed("VRP cache stale")

	got := v.Validate("1.0.0.0/24", 13335)
	if got.State != StateError {
		t.Errorf("fail-closed state = %s, want ERROR", got.State)
	}
}

func TestValidateBatchOrderPreserved(t *testing.T) {
	v := newTestValidator(t)

	// Large enough to take the parallel path.
	var prefixes []string
	for i := 0; i < 200; i++ {
		prefixes = append(prefixes, fmt.Sprintf("10.%d.0.0/16", i%256))
	}
	prefixes[7] = "1.0.0.0/24"
	prefixes[150] = "8.8.8.0/24"

	results := v.ValidateBatch(context.Background(), prefixes, 13335, 4)

	if len(results) != len(prefixes) {
		t.Fatalf("result length = %d, want %d", len(results), len(prefixes))
	}
	for i, r := range results {
		if r.Prefix != prefixes[i] {
			t.Fatalf("slot %d holds %s, want %s", i, r.Prefix, prefixes[i])
		}
	}
	if results[7].State != StateValid {
		t.Errorf("results[7] = %s, want VALID", results[7].State)
	}
	if results[150].State != StateInvalid {
		t.Errorf("results[150] = %s, want INVALID", results[150].State)
	}
}

func TestValidateBatchSequentialSmall(t *testing.T) {
	v := newTestValidator(t)
	results := v.ValidateBatch(context.Background(), []string{"1.0.0.0/24", "9.9.9.0/24"}, 13335, 4)
	if len(results) != 2 {
		t.Fatalf("result length = %d", len(results))
	}
	if results[0].State != StateValid || results[1].State != StateNotFound {
		t.Errorf("states = %s, %s", results[0].State, results[1].State)
	}
}

func TestComputeStatsSinglePass(t *testing.T) {
	results := []Result{
		{State: StateValid},
		{State: StateValid, Allowlisted: true},
		{State: StateInvalid},
		{State: StateNotFound},
		{State: StateNotFound},
		{State: StateError},
	}

	s := ComputeStats(results)
	if s.Valid != 2 || s.Invalid != 1 || s.NotFound != 2 || s.Errors != 1 || s.Allowlisted != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.Total != 6 {
		t.Errorf("total = %d, want 6", s.Total)
	}

	wantInvalid := 100.0 / 6.0
	if diff := s.InvalidPercent() - wantInvalid; diff > 0.001 || diff < -0.001 {
		t.Errorf("InvalidPercent() = %f, want %f", s.InvalidPercent(), wantInvalid)
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	s := ComputeStats(nil)
	if s.InvalidPercent() != 0 || s.NotFoundPercent() != 0 {
		t.Error("percentages of an empty result set should be 0")
	}
}
