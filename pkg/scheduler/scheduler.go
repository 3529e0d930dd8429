// Package scheduler chooses which node should host a new instance.
package scheduler

import (
	"sort"

	"github.com/nimbusfleet/warren/pkg/apierr"
	"github.com/nimbusfleet/warren/pkg/log"
	"github.com/nimbusfleet/warren/pkg/metrics"
	"github.com/nimbusfleet/warren/pkg/types"
)

// Constraints describes the resource shape of an instance request,
// independent of the Instance record itself.
type Constraints struct {
	VCPUs    int
	MemoryMB int64
	DiskGB   int64

	// NetworkUUIDs lists the networks the instance will attach to; nodes
	// already hosting an instance on one of these networks score higher,
	// reducing cross-node overlay traffic.
	NetworkUUIDs []string
}

// Scheduler scores candidate nodes and picks a placement.
type Scheduler struct {
	overcommitCPU float64
	overcommitRAM float64
}

// New creates a Scheduler with the given overcommit ratios (see
// OVERCOMMIT_CPU_RATIO / OVERCOMMIT_RAM_RATIO).
func New(overcommitCPU, overcommitRAM float64) *Scheduler {
	return &Scheduler{overcommitCPU: overcommitCPU, overcommitRAM: overcommitRAM}
}

type candidate struct {
	node  *types.Node
	score float64
}

// NetworkPresence reports, for a node name, whether it already hosts
// an interface on one of the requested networks.
type NetworkPresence func(nodeName string) bool

// networkAffinityBonus is added to a candidate's score when it already
// hosts an interface on one of the instance's requested networks,
// keeping east-west traffic off the overlay mesh where possible.
const networkAffinityBonus = 1000.0

// Place picks the best node in nodes for an instance matching c. It
// returns an apierr.KindCandidateNodeNotFound error when no node has
// enough free capacity.
func (s *Scheduler) Place(c Constraints, nodes []*types.Node, present NetworkPresence) (*types.Node, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

	var candidates []candidate
	for _, n := range nodes {
		if !s.fits(c, n) {
			continue
		}

		score := float64(n.FreeCPU) + float64(n.FreeRAMMB)/1024.0
		if present != nil && present(n.Name) {
			score += networkAffinityBonus
		}
		candidates = append(candidates, candidate{node: n, score: score})
	}

	if len(candidates) == 0 {
		metrics.PlacementFailuresTotal.Inc()
		return nil, apierr.New(apierr.KindCandidateNodeNotFound, "no node has sufficient free capacity")
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].node.FreeRAMMB != candidates[j].node.FreeRAMMB {
			return candidates[i].node.FreeRAMMB > candidates[j].node.FreeRAMMB
		}
		return candidates[i].node.Name < candidates[j].node.Name
	})

	chosen := candidates[0].node
	metrics.PlacementsTotal.Inc()
	log.WithComponent("scheduler").Info().
		Str("node", chosen.Name).
		Int("candidates", len(candidates)).
		Msg("placement chosen")
	return chosen, nil
}

func (s *Scheduler) fits(c Constraints, n *types.Node) bool {
	maxCPU := float64(n.FreeCPU) * s.overcommitCPU
	maxRAM := float64(n.FreeRAMMB) * s.overcommitRAM
	if float64(c.VCPUs) > maxCPU {
		return false
	}
	if float64(c.MemoryMB) > maxRAM {
		return false
	}
	if c.DiskGB > n.FreeDiskGB {
		return false
	}
	return true
}
