package rpl

import (
	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/packet"
)

// Rank is a node's distance from the DAG root in rank units.
type Rank uint16

// InfiniteRank marks a node, or a route through a parent, as unreachable.
const InfiniteRank Rank = 0xffff

// Metric container object types.
const (
	MCNone      uint8 = 0
	MCLatency   uint8 = 5 // average relay delay, in radio ticks
	MCETX       uint8 = 7
	MCDutyCycle uint8 = 8 // advertised radio cycle time, in radio ticks
)

// Metric container flags and aggregation modes.
const (
	MCFlagP        uint8 = 0x08
	MCAggrAdditive uint8 = 0
)

// MetricContainer is the routing metric a node advertises in its DIOs.
type MetricContainer struct {
	Type  uint8  `json:"type"`
	Flags uint8  `json:"flags"`
	Aggr  uint8  `json:"aggr"`
	Prec  uint8  `json:"prec"`
	Value uint16 `json:"value"`
}

// Parent is a neighbor that advertised a route to the root.
type Parent struct {
	Addr packet.Addr
	Rank Rank
	// LinkMetric is the link estimator's fixed-point ETX to this neighbor.
	LinkMetric uint16
	MC         MetricContainer
	// CycleTime is the radio cycle time the parent advertised.
	CycleTime  clock.Ticks
	Grounded   bool
	Preference uint8
	DAG        *DAG
}

// DAG is this node's view of the destination-oriented DAG it belongs to.
type DAG struct {
	Grounded        bool
	Preference      uint8
	Rank            Rank
	Joined          bool
	PreferredParent *Parent
	Instance        *Instance
}

// Instance carries the per-instance constants and the outgoing metric.
type Instance struct {
	MinHopRankInc uint16
	CurrentDAG    *DAG
	MC            MetricContainer
	// CycleTime is this node's own radio cycle time.
	CycleTime clock.Ticks
}

// RootRank is the rank of the DAG root in inst.
func RootRank(inst *Instance) Rank { return Rank(inst.MinHopRankInc) }

func rootRankOf(p *Parent) Rank {
	if p.DAG == nil || p.DAG.Instance == nil {
		return Rank(DefaultConfig().MinHopRankInc)
	}
	return RootRank(p.DAG.Instance)
}

// saturatingAdd returns a+b, clamped to InfiniteRank.
func saturatingAdd(a Rank, b uint32) Rank {
	if uint32(InfiniteRank-a) < b {
		return InfiniteRank
	}
	return a + Rank(b)
}

func clampMetric(v uint32) uint16 {
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}
