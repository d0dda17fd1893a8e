package rpki

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/netip"
	"os"
	"runtime"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// State is the tri-state (plus mechanical error) validation outcome.
type State int

const (
	StateValid State = iota
	StateInvalid
	StateNotFound
	StateError
)

// String returns the conventional upper-case state name.
func (s State) String() string {
	switch s {
	case StateValid:
		return "VALID"
	case StateInvalid:
		return "INVALID"
	case StateNotFound:
		return "NOTFOUND"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Result is the validation outcome for one (prefix, origin) pair.
type Result struct {
	Prefix      string
	OriginAS    uint32
	State       State
	Allowlisted bool
	Reason      string
}

// Batches at or below this size run sequentially; chunk setup overhead
// dominates otherwise.
const sequentialThreshold = 10

// allowlistEntry overrides INVALID to VALID for one (prefix, origin) pair.
type allowlistEntry struct {
	prefix netip.Prefix
	asn    uint32
}

// Validator answers origin validation queries against an immutable VRP
// index. Safe for concurrent use after construction.
type Validator struct {
	log *zap.Logger

	// byMaskedPrefix buckets each VRP under its own masked prefix. Lookup
	// walks the 0..bits ancestors of the query prefix, so covering-VRP
	// collection is O(bits) map probes.
	byMaskedPrefix map[netip.Prefix][]VRP
	allowlist      []allowlistEntry

	// failClosedError, when set, forces every query to ERROR. Used when the
	// cache is stale and fail-closed policy applies.
	failClosedError string
}

// NewValidator builds the index from a loaded VRP set.
func NewValidator(log *zap.Logger, vrps []VRP) *Validator {
	v := &Validator{
		log:            log,
		byMaskedPrefix: make(map[netip.Prefix][]VRP, len(vrps)),
	}
	for _, vrp := range vrps {
		v.byMaskedPrefix[vrp.Prefix] = append(v.byMaskedPrefix[vrp.Prefix], vrp)
	}
	log.Info("RPKI index built", zap.Int("vrps", len(vrps)))
	return v
}

// SetFailClosed switches the validator into fail-closed mode: every query
// returns ERROR with the given reason.
func (v *Validator) SetFailClosed(reason string) {
	v.failClosedError = reason
}

// LoadAllowlist reads a newline-delimited "prefix asn" file. Blank lines and
// '#' comments are permitted; any other shape is rejected.
func (v *Validator) LoadAllowlist(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening allowlist: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return fmt.Errorf("allowlist line %d: want \"prefix asn\", got %q", line, text)
		}
		prefix, err := netip.ParsePrefix(fields[0])
		if err != nil {
			return fmt.Errorf("allowlist line %d: %w", line, err)
		}
		asnText := strings.TrimPrefix(strings.ToUpper(fields[1]), "AS")
		asn, err := strconv.ParseUint(asnText, 10, 32)
		if err != nil {
			return fmt.Errorf("allowlist line %d: invalid asn %q", line, fields[1])
		}
		v.allowlist = append(v.allowlist, allowlistEntry{prefix: prefix.Masked(), asn: uint32(asn)})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading allowlist: %w", err)
	}

	v.log.Info("RPKI allowlist loaded", zap.String("path", path), zap.Int("entries", len(v.allowlist)))
	return nil
}

// Validate checks one (prefix, origin) pair. Deterministic for a given
// index.
func (v *Validator) Validate(prefixText string, origin uint32) Result {
	res := Result{Prefix: prefixText, OriginAS: origin}

	if v.failClosedError != "" {
		res.State = StateError
		res.Reason = v.failClosedError
		return res
	}

	prefix, err := netip.ParsePrefix(prefixText)
	if err != nil {
		res.State = StateError
		res.Reason = fmt.Sprintf("invalid prefix: %v", err)
		return res
	}
	prefix = prefix.Masked()

	covering := v.coveringVRPs(prefix)
	if len(covering) == 0 {
		res.State = StateNotFound
		return res
	}

	sawOtherOrigin := false
	for _, vrp := range covering {
		if vrp.OriginAS == origin && prefix.Bits() <= int(vrp.MaxLength) {
			res.State = StateValid
			return res
		}
		if vrp.OriginAS != origin {
			sawOtherOrigin = true
		}
	}

	if sawOtherOrigin {
		res.State = StateInvalid
		res.Reason = "covered by VRPs with a different origin"
		if v.allowlisted(prefix, origin) {
			res.State = StateValid
			res.Allowlisted = true
			res.Reason = "allowlist override"
		}
		return res
	}

	// Only same-origin VRPs cover the prefix, but it is more specific than
	// every maxLength: no applicable VRP.
	res.State = StateNotFound
	return res
}

// coveringVRPs collects every VRP whose prefix covers p (same or
// less-specific).
func (v *Validator) coveringVRPs(p netip.Prefix) []VRP {
	var out []VRP
	for bits := 0; bits <= p.Bits(); bits++ {
		ancestor, err := p.Addr().Prefix(bits)
		if err != nil {
			continue
		}
		out = append(out, v.byMaskedPrefix[ancestor]...)
	}
	return out
}

func (v *Validator) allowlisted(p netip.Prefix, origin uint32) bool {
	for _, e := range v.allowlist {
		if e.prefix == p && e.asn == origin {
			return true
		}
	}
	return false
}

// ValidateBatch validates prefixes against one origin AS. Results preserve
// input order. Small batches run sequentially; larger ones partition into
// chunks evaluated in parallel against the read-only index.
func (v *Validator) ValidateBatch(ctx context.Context, prefixes []string, origin uint32, maxWorkers int) []Result {
	results := make([]Result, len(prefixes))

	if len(prefixes) <= sequentialThreshold {
		for i, p := range prefixes {
			results[i] = v.Validate(p, origin)
		}
		return results
	}

	if maxWorkers <= 0 {
		maxWorkers = runtime.NumCPU()
	}

	// Chunk size grows with sqrt(N), so chunk count (and thus scheduling
	// overhead) grows only as sqrt(N)/4.
	chunk := int(math.Ceil(4 * math.Sqrt(float64(len(prefixes)))))
	if chunk < sequentialThreshold {
		chunk = sequentialThreshold
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxWorkers)
	for start := 0; start < len(prefixes); start += chunk {
		end := start + chunk
		if end > len(prefixes) {
			end = len(prefixes)
		}
		start, end := start, end
		g.Go(func() error {
			for i := start; i < end; i++ {
				if err := ctx.Err(); err != nil {
					for ; i < end; i++ {
						results[i] = Result{
							Prefix:   prefixes[i],
							OriginAS: origin,
							State:    StateError,
							Reason:   "cancelled",
						}
					}
					return nil
				}
				results[i] = v.Validate(prefixes[i], origin)
			}
			return nil
		})
	}
	g.Wait()

	return results
}

// Stats aggregates batch outcomes.
type Stats struct {
	Valid       int
	Invalid     int
	NotFound    int
	Errors      int
	Allowlisted int
	Total       int
}

// ComputeStats tallies results in a single pass.
func ComputeStats(results []Result) Stats {
	var s Stats
	for _, r := range results {
		s.Total++
		switch r.State {
		case StateValid:
			s.Valid++
		case StateInvalid:
			s.Invalid++
		case StateNotFound:
			s.NotFound++
		case StateError:
			s.Errors++
		}
		if r.Allowlisted {
			s.Allowlisted++
		}
	}
	return s
}

// InvalidPercent returns invalid results as a share of the total.
func (s Stats) InvalidPercent() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.Invalid) / float64(s.Total)
}

// NotFoundPercent returns not-found results as a share of the total.
func (s Stats) NotFoundPercent() float64 {
	if s.Total == 0 {
		return 0
	}
	return 100 * float64(s.NotFound) / float64(s.Total)
}
