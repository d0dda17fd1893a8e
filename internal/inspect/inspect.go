// Package inspect parses Junos BGP configuration into per-group peer maps.
package inspect

import (
	"bufio"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// BGPGroup is one `group` stanza: its name and the peer AS numbers declared
// inside it, in source order with set semantics.
type BGPGroup struct {
	Name    string
	PeerASN []uint32
}

// Inspection is the parsed view of one router's BGP stanza.
type Inspection struct {
	// Groups preserves source-document order.
	Groups []BGPGroup
	// RoleOfAS maps each discovered AS to the name of the first group that
	// declared it. Junos group names double as peer roles here.
	RoleOfAS map[uint32]string
}

var (
	groupRe     = regexp.MustCompile(`^\s*group\s+("[^"]+"|\S+)\s*\{`)
	anonGroupRe = regexp.MustCompile(`^\s*group\s*\{`)
	peerASRe    = regexp.MustCompile(`\bpeer-as\s+(\d+)\s*;`)
)

// Parse walks Junos BGP configuration text and extracts {group -> [peer AS]}.
// Groups without a peer-as stanza are retained with an empty AS list;
// anonymous groups are an error.
func Parse(text string) (*Inspection, error) {
	ins := &Inspection{RoleOfAS: make(map[uint32]string)}

	var current *BGPGroup
	seenInGroup := make(map[uint32]bool)
	depth := 0
	groupDepth := -1

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()

		if anonGroupRe.MatchString(line) {
			return nil, fmt.Errorf("anonymous BGP group at depth %d", depth)
		}

		if m := groupRe.FindStringSubmatch(line); m != nil {
			name := strings.Trim(m[1], `"`)
			ins.Groups = append(ins.Groups, BGPGroup{Name: name})
			current = &ins.Groups[len(ins.Groups)-1]
			seenInGroup = make(map[uint32]bool)
			groupDepth = depth
			depth++
			continue
		}

		if current != nil {
			if m := peerASRe.FindStringSubmatch(line); m != nil {
				value, err := strconv.ParseUint(m[1], 10, 32)
				if err != nil {
					// Out of 32-bit range; skip the stanza.
					continue
				}
				as := uint32(value)
				if !seenInGroup[as] {
					seenInGroup[as] = true
					current.PeerASN = append(current.PeerASN, as)
				}
				if _, ok := ins.RoleOfAS[as]; !ok {
					ins.RoleOfAS[as] = current.Name
				}
			}
		}

		depth += strings.Count(line, "{")
		depth -= strings.Count(line, "}")
		if current != nil && depth <= groupDepth {
			current = nil
			groupDepth = -1
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning configuration: %w", err)
	}

	return ins, nil
}

// ASNumbers returns the union of peer AS numbers over all groups, in
// first-occurrence order.
func (i *Inspection) ASNumbers() []uint32 {
	var out []uint32
	seen := make(map[uint32]bool)
	for _, g := range i.Groups {
		for _, as := range g.PeerASN {
			if !seen[as] {
				seen[as] = true
				out = append(out, as)
			}
		}
	}
	return out
}
