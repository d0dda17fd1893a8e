// Package pipeline sequences collection, discovery, generation, validation
// and apply per router, and owns the run's artifacts.
package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RouterDiscovery is the per-router slice of the discovery artifact.
type RouterDiscovery struct {
	Hostname  string              `yaml:"hostname" json:"hostname"`
	Address   string              `yaml:"address" json:"address"`
	BGPGroups map[string][]uint32 `yaml:"bgp_groups" json:"bgp_groups"`
	ASNumbers []uint32            `yaml:"discovered_as_numbers" json:"discovered_as_numbers"`
}

// Discovery is the fleet-wide snapshot written after every successful
// collection.
type Discovery struct {
	GeneratedAt time.Time         `yaml:"generated_at" json:"generated_at"`
	Routers     []RouterDiscovery `yaml:"routers" json:"routers"`
}

// PrefixCounts is the per-router baseline consumed by the prefix-count
// guardrail on the next run.
type PrefixCounts struct {
	IPv4 int `json:"ipv4"`
	IPv6 int `json:"ipv6"`
}

// ArtifactStore writes and reads the pipeline's on-disk artifacts.
type ArtifactStore struct {
	discoveryDir string
	reportDir    string
	outputDir    string
}

// NewArtifactStore prepares the artifact directories.
func NewArtifactStore(discoveryDir, reportDir, outputDir string) (*ArtifactStore, error) {
	for _, dir := range []string{
		discoveryDir,
		filepath.Join(discoveryDir, "history"),
		reportDir,
		outputDir,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating artifact directory %s: %w", dir, err)
		}
	}
	return &ArtifactStore{
		discoveryDir: discoveryDir,
		reportDir:    reportDir,
		outputDir:    outputDir,
	}, nil
}

func (s *ArtifactStore) mappingsPath() string {
	return filepath.Join(s.discoveryDir, "bgp-mappings.yaml")
}

// LoadDiscovery reads the previous snapshot; a missing file returns nil.
func (s *ArtifactStore) LoadDiscovery() (*Discovery, error) {
	data, err := os.ReadFile(s.mappingsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading discovery snapshot: %w", err)
	}

	var d Discovery
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parsing discovery snapshot: %w", err)
	}
	return &d, nil
}

// WriteDiscovery persists the snapshot, archives it under history/, writes
// the JSON inventory, and emits a human-readable diff report when a
// previous snapshot exists. Returns the diff report path ("" when there was
// nothing to compare).
func (s *ArtifactStore) WriteDiscovery(d *Discovery) (string, error) {
	previous, err := s.LoadDiscovery()
	if err != nil {
		return "", err
	}

	sort.Slice(d.Routers, func(i, j int) bool { return d.Routers[i].Hostname < d.Routers[j].Hostname })

	data, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encoding discovery snapshot: %w", err)
	}
	if err := os.WriteFile(s.mappingsPath(), data, 0644); err != nil {
		return "", fmt.Errorf("writing discovery snapshot: %w", err)
	}

	stamp := d.GeneratedAt.UTC().Format("20060102T150405Z")
	historyPath := filepath.Join(s.discoveryDir, "history", "bgp-mappings-"+stamp+".yaml")
	if err := os.WriteFile(historyPath, data, 0644); err != nil {
		return "", fmt.Errorf("archiving discovery snapshot: %w", err)
	}

	inventory, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding router inventory: %w", err)
	}
	invPath := filepath.Join(s.discoveryDir, "router-inventory.json")
	if err := os.WriteFile(invPath, inventory, 0644); err != nil {
		return "", fmt.Errorf("writing router inventory: %w", err)
	}

	if previous == nil {
		return "", nil
	}

	report := diffDiscovery(previous, d)
	if report == "" {
		return "", nil
	}
	reportPath := filepath.Join(s.discoveryDir, "diff_report_"+stamp+".txt")
	if err := os.WriteFile(reportPath, []byte(report), 0644); err != nil {
		return "", fmt.Errorf("writing diff report: %w", err)
	}
	return reportPath, nil
}

// diffDiscovery renders added/removed routers and per-router AS changes.
func diffDiscovery(prev, curr *Discovery) string {
	prevByHost := make(map[string]RouterDiscovery, len(prev.Routers))
	for _, r := range prev.Routers {
		prevByHost[r.Hostname] = r
	}
	currByHost := make(map[string]RouterDiscovery, len(curr.Routers))
	for _, r := range curr.Routers {
		currByHost[r.Hostname] = r
	}

	var b strings.Builder

	for _, r := range curr.Routers {
		old, existed := prevByHost[r.Hostname]
		if !existed {
			fmt.Fprintf(&b, "+ router %s (%d AS)\n", r.Hostname, len(r.ASNumbers))
			continue
		}
		added, removed := diffASNumbers(old.ASNumbers, r.ASNumbers)
		for _, as := range added {
			fmt.Fprintf(&b, "+ %s AS%d\n", r.Hostname, as)
		}
		for _, as := range removed {
			fmt.Fprintf(&b, "- %s AS%d\n", r.Hostname, as)
		}
	}
	for _, r := range prev.Routers {
		if _, still := currByHost[r.Hostname]; !still {
			fmt.Fprintf(&b, "- router %s\n", r.Hostname)
		}
	}

	if b.Len() == 0 {
		return ""
	}
	return "Discovery changes vs previous snapshot:\n" + b.String()
}

func diffASNumbers(old, new []uint32) (added, removed []uint32) {
	oldSet := make(map[uint32]bool, len(old))
	for _, as := range old {
		oldSet[as] = true
	}
	newSet := make(map[uint32]bool, len(new))
	for _, as := range new {
		newSet[as] = true
	}

	for _, as := range new {
		if !oldSet[as] {
			added = append(added, as)
		}
	}
	for _, as := range old {
		if !newSet[as] {
			removed = append(removed, as)
		}
	}
	return added, removed
}

// WritePolicyFiles writes one AS{n}_policy.txt per policy under the
// router's output directory, plus the combined file. Content is verbatim
// bgpq4 output.
func (s *ArtifactStore) WritePolicyFiles(router string, policies map[uint32]string, combined string) error {
	dir := filepath.Join(s.outputDir, router)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating policy directory: %w", err)
	}

	for as, content := range policies {
		path := filepath.Join(dir, fmt.Sprintf("AS%d_policy.txt", as))
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}

	if combined != "" {
		path := filepath.Join(dir, router+"_combined.txt")
		if err := os.WriteFile(path, []byte(combined), 0644); err != nil {
			return fmt.Errorf("writing combined policy: %w", err)
		}
	}
	return nil
}

// WriteDeploymentMatrix regenerates the router->AS projection (CSV + JSON)
// and the plain-text summary.
func (s *ArtifactStore) WriteDeploymentMatrix(d *Discovery) error {
	routerToAS := make(map[string][]uint32, len(d.Routers))
	asToRouters := make(map[uint32][]string)
	for _, r := range d.Routers {
		routerToAS[r.Hostname] = r.ASNumbers
		for _, as := range r.ASNumbers {
			asToRouters[as] = append(asToRouters[as], r.Hostname)
		}
	}

	// CSV: one row per (router, as, group).
	csvPath := filepath.Join(s.reportDir, "deployment-matrix.csv")
	f, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("creating deployment matrix: %w", err)
	}
	w := csv.NewWriter(f)
	w.Write([]string{"router", "as_number", "bgp_group"})
	for _, r := range d.Routers {
		groups := make([]string, 0, len(r.BGPGroups))
		for g := range r.BGPGroups {
			groups = append(groups, g)
		}
		sort.Strings(groups)
		for _, g := range groups {
			for _, as := range r.BGPGroups[g] {
				w.Write([]string{r.Hostname, fmt.Sprintf("%d", as), g})
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("writing deployment matrix csv: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	matrix := struct {
		GeneratedAt time.Time           `json:"generated_at"`
		RouterToAS  map[string][]uint32 `json:"router_to_as"`
		ASToRouters map[uint32][]string `json:"as_to_routers"`
	}{d.GeneratedAt, routerToAS, asToRouters}

	data, err := json.MarshalIndent(matrix, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding deployment matrix: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.reportDir, "deployment-matrix.json"), data, 0644); err != nil {
		return fmt.Errorf("writing deployment matrix json: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Deployment summary (%s)\n", d.GeneratedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Routers: %d\n", len(d.Routers))
	fmt.Fprintf(&b, "Distinct AS numbers: %d\n\n", len(asToRouters))
	for _, r := range d.Routers {
		fmt.Fprintf(&b, "%s: %d AS across %d groups\n", r.Hostname, len(r.ASNumbers), len(r.BGPGroups))
	}
	if err := os.WriteFile(filepath.Join(s.reportDir, "deployment-summary.txt"), []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("writing deployment summary: %w", err)
	}
	return nil
}

func (s *ArtifactStore) prefixCountsPath() string {
	return filepath.Join(s.reportDir, "prefix-counts.json")
}

// LoadPrefixCounts returns the previous per-router totals; missing file
// means no baseline.
func (s *ArtifactStore) LoadPrefixCounts() (map[string]PrefixCounts, error) {
	data, err := os.ReadFile(s.prefixCountsPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading prefix counts: %w", err)
	}

	var counts map[string]PrefixCounts
	if err := json.Unmarshal(data, &counts); err != nil {
		return nil, fmt.Errorf("parsing prefix counts: %w", err)
	}
	return counts, nil
}

// WritePrefixCounts persists the baseline for the next run.
func (s *ArtifactStore) WritePrefixCounts(counts map[string]PrefixCounts) error {
	data, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding prefix counts: %w", err)
	}
	return os.WriteFile(s.prefixCountsPath(), data, 0644)
}
