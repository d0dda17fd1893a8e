// Package rpki validates (prefix, origin AS) pairs against a Validated ROA
// Payload cache produced by rpki-client or routinator.
package rpki

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"
)

// VRP is one Validated ROA Payload entry.
type VRP struct {
	Prefix      netip.Prefix
	MaxLength   uint8
	OriginAS    uint32
	TrustAnchor string
}

// rawVRP tolerates the field spellings of both supported producers.
// rpki-client emits numeric ASNs; routinator emits "AS13335" strings.
type rawVRP struct {
	Prefix    string          `json:"prefix"`
	MaxLength int             `json:"maxLength"`
	ASN       json.RawMessage `json:"asn"`
	TA        string          `json:"ta"`
}

// vrpFile is the envelope shape: either a bare array or an object with a
// "roas" key (both producers use the latter).
type vrpFile struct {
	ROAs []rawVRP `json:"roas"`
}

// LoadVRPFile reads and parses a VRP cache file. Individual malformed
// entries are skipped and reported in the returned diagnostics; an
// unreadable or undecodable file is an error.
func LoadVRPFile(path string) ([]VRP, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading VRP cache: %w", err)
	}

	var raws []rawVRP
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, nil, fmt.Errorf("parsing VRP array: %w", err)
		}
	} else {
		var f vrpFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, nil, fmt.Errorf("parsing VRP cache: %w", err)
		}
		raws = f.ROAs
	}

	var (
		vrps  []VRP
		diags []string
	)
	for i, r := range raws {
		v, err := r.decode()
		if err != nil {
			diags = append(diags, fmt.Sprintf("skipped VRP entry %d: %v", i, err))
			continue
		}
		vrps = append(vrps, v)
	}

	if len(vrps) == 0 {
		return nil, diags, fmt.Errorf("VRP cache %s contains no usable entries", path)
	}
	return vrps, diags, nil
}

func (r rawVRP) decode() (VRP, error) {
	prefix, err := netip.ParsePrefix(r.Prefix)
	if err != nil {
		return VRP{}, fmt.Errorf("invalid prefix %q: %w", r.Prefix, err)
	}
	prefix = prefix.Masked()

	maxBits := 32
	if prefix.Addr().Is6() {
		maxBits = 128
	}
	if r.MaxLength < prefix.Bits() || r.MaxLength > maxBits {
		return VRP{}, fmt.Errorf("maxLength %d out of range for %s", r.MaxLength, prefix)
	}

	asn, err := parseASN(r.ASN)
	if err != nil {
		return VRP{}, err
	}

	return VRP{
		Prefix:      prefix,
		MaxLength:   uint8(r.MaxLength),
		OriginAS:    asn,
		TrustAnchor: r.TA,
	}, nil
}

func parseASN(raw json.RawMessage) (uint32, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing asn")
	}

	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n > 4294967295 {
			return 0, fmt.Errorf("asn %d out of range", n)
		}
		return uint32(n), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("asn is neither number nor string")
	}
	s = strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "AS")
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid asn %q", s)
	}
	return uint32(n), nil
}

// CacheAge returns the age of the VRP cache file.
func CacheAge(path string) (time.Duration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat VRP cache: %w", err)
	}
	return time.Since(info.ModTime()), nil
}

// Stale reports whether the cache exceeds the freshness bound. A cache
// exactly at the boundary is still fresh.
func Stale(age time.Duration, maxAgeHours int) bool {
	return age > time.Duration(maxAgeHours)*time.Hour
}
