package rpki

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/networksandchill/otto-bgp/internal/config"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadVRPFileRpkiClient(t *testing.T) {
	// rpki-client: numeric ASNs inside a "roas" envelope.
	path := writeFile(t, "vrp.json", `{
  "roas": [
    {"prefix": "1.0.0.0/24", "maxLength": 24, "asn": 13335, "ta": "apnic"},
    {"prefix": "2001:db8::/32", "maxLength": 48, "asn": 64500, "ta": "ripe"}
  ]
}`)

	vrps, diags, err := LoadVRPFile(path)
	if err != nil {
		t.Fatalf("LoadVRPFile() error: %v", err)
	}
	if len(diags) != 0 {
		t.Errorf("unexpected diagnostics: %v", diags)
	}
	if len(vrps) != 2 {
		t.Fatalf("vrp count = %d, want 2", len(vrps))
	}
	if vrps[0].OriginAS != 13335 || vrps[0].TrustAnchor != "apnic" {
		t.Errorf("vrps[0] = %+v", vrps[0])
	}
	if vrps[1].MaxLength != 48 {
		t.Errorf("vrps[1].MaxLength = %d, want 48", vrps[1].MaxLength)
	}
}

func TestLoadVRPFileRoutinator(t *testing.T) {
	// routinator: "ASn" string ASNs.
	path := writeFile(t, "vrp.json", `{
  "roas": [
    {"prefix": "8.8.8.0/24", "maxLength": 24, "asn": "AS15169", "ta": "arin"}
  ]
}`)

	vrps, _, err := LoadVRPFile(path)
	if err != nil {
		t.Fatalf("LoadVRPFile() error: %v", err)
	}
	if vrps[0].OriginAS != 15169 {
		t.Errorf("origin = %d, want 15169", vrps[0].OriginAS)
	}
}

func TestLoadVRPFileBareArray(t *testing.T) {
	path := writeFile(t, "vrp.json",
		`[{"prefix": "1.0.0.0/24", "maxLength": 24, "asn": 13335}]`)

	vrps, _, err := LoadVRPFile(path)
	if err != nil {
		t.Fatalf("LoadVRPFile() error: %v", err)
	}
	if len(vrps) != 1 {
		t.Errorf("vrp count = %d, want 1", len(vrps))
	}
}

func TestLoadVRPFileSkipsMalformedEntries(t *testing.T) {
	path := writeFile(t, "vrp.json", `{
  "roas": [
    {"prefix": "1.0.0.0/24", "maxLength": 24, "asn": 13335},
    {"prefix": "bogus", "maxLength": 24, "asn": 1},
    {"prefix": "8.8.8.0/24", "maxLength": 16, "asn": 15169},
    {"prefix": "9.9.9.0/24", "maxLength": 64, "asn": 19281}
  ]
}`)

	vrps, diags, err := LoadVRPFile(path)
	if err != nil {
		t.Fatalf("LoadVRPFile() error: %v", err)
	}
	if len(vrps) != 1 {
		t.Errorf("vrp count = %d, want 1 (others malformed)", len(vrps))
	}
	if len(diags) != 3 {
		t.Errorf("diagnostics = %v, want 3 entries", diags)
	}
}

func TestLoadVRPFileAllMalformed(t *testing.T) {
	path := writeFile(t, "vrp.json", `{"roas": [{"prefix": "bogus", "maxLength": 0, "asn": 0}]}`)
	if _, _, err := LoadVRPFile(path); err == nil {
		t.Error("expected error when no entry is usable")
	}
}

func TestLoadVRPFileUnreadable(t *testing.T) {
	if _, _, err := LoadVRPFile("/nonexistent/vrp.json"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStaleBoundary(t *testing.T) {
	limit := 24

	// Exactly at the boundary: fresh.
	if Stale(24*time.Hour, limit) {
		t.Error("cache exactly at max age must not be stale")
	}
	// One second past: stale.
	if !Stale(24*time.Hour+time.Second, limit) {
		t.Error("cache past max age must be stale")
	}
}

func TestPreflight(t *testing.T) {
	path := writeFile(t, "vrp.json",
		`{"roas": [{"prefix": "1.0.0.0/24", "maxLength": 24, "asn": 13335}]}`)

	cfg := config.RPKIConfig{
		Enabled:        true,
		VRPCachePath:   path,
		MaxVRPAgeHours: 24,
	}
	if err := Preflight(zap.NewNop(), cfg); err != nil {
		t.Errorf("Preflight() error: %v", err)
	}
}

func TestPreflightStale(t *testing.T) {
	path := writeFile(t, "vrp.json",
		`{"roas": [{"prefix": "1.0.0.0/24", "maxLength": 24, "asn": 13335}]}`)
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	cfg := config.RPKIConfig{
		Enabled:        true,
		VRPCachePath:   path,
		MaxVRPAgeHours: 24,
	}
	if err := Preflight(zap.NewNop(), cfg); err == nil {
		t.Error("expected preflight failure for stale cache")
	}
}

func TestPreflightMissingCache(t *testing.T) {
	cfg := config.RPKIConfig{
		Enabled:        true,
		VRPCachePath:   "/nonexistent/vrp.json",
		MaxVRPAgeHours: 24,
	}
	if err := Preflight(zap.NewNop(), cfg); err == nil {
		t.Error("expected preflight failure for missing cache")
	}
}

func TestPreflightDisabled(t *testing.T) {
	if err := Preflight(zap.NewNop(), config.RPKIConfig{Enabled: false}); err != nil {
		t.Errorf("disabled preflight should pass: %v", err)
	}
}

func TestNewValidatorFromConfigFailClosedStale(t *testing.T) {
	path := writeFile(t, "vrp.json",
		`{"roas": [{"prefix": "1.0.0.0/24", "maxLength": 24, "asn": 13335}]}`)
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	cfg := config.RPKIConfig{
		Enabled:        true,
		VRPCachePath:   path,
		MaxVRPAgeHours: 24,
		FailClosed:     true,
	}
	v, err := NewValidatorFromConfig(zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("NewValidatorFromConfig() error: %v", err)
	}
	if got := v.Validate("1.0.0.0/24", 13335); got.State != StateError {
		t.Errorf("stale fail-closed query = %s, want ERROR", got.State)
	}
}

func TestNewValidatorFromConfigStaleOpen(t *testing.T) {
	path := writeFile(t, "vrp.json",
		`{"roas": [{"prefix": "1.0.0.0/24", "maxLength": 24, "asn": 13335}]}`)
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatal(err)
	}

	cfg := config.RPKIConfig{
		Enabled:        true,
		VRPCachePath:   path,
		MaxVRPAgeHours: 24,
		FailClosed:     false,
	}
	v, err := NewValidatorFromConfig(zap.NewNop(), cfg)
	if err != nil {
		t.Fatalf("NewValidatorFromConfig() error: %v", err)
	}
	if got := v.Validate("1.0.0.0/24", 13335); got.State != StateValid {
		t.Errorf("stale fail-open query = %s, want VALID", got.State)
	}
}
