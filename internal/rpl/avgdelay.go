package rpl

import (
	"sync/atomic"

	"dutycycle-mesh/internal/clock"
)

// AvgDelay routes over the expected end-to-end relay delay: each hop adds
// the time a packet waits for the next hop's radio to wake.
type AvgDelay struct {
	cfg     Config
	delay   DelayEstimator
	myPhase atomic.Uint32
}

func NewAvgDelay(cfg Config, delay DelayEstimator) *AvgDelay {
	return &AvgDelay{cfg: cfg, delay: delay}
}

func (*AvgDelay) OCP() uint16 { return 0x101 }

func (*AvgDelay) Reset(*DAG) {}

func (*AvgDelay) ParentStateChanged(*Parent, bool, uint16) {}

// SetPhase records this node's own wake phase.
func (o *AvgDelay) SetPhase(ph clock.Ticks) { o.myPhase.Store(uint32(ph)) }

// PathMetric is the advertised delay of p plus the wait for p to wake.
func (o *AvgDelay) PathMetric(p *Parent) uint16 {
	if p == nil || (p.MC.Value == 0 && p.Rank > rootRankOf(p)) {
		return o.cfg.MaxDelay
	}
	hop := o.delay.AverageDelay(p.Addr, o.cfg.Guard, clock.Ticks(o.myPhase.Load()))
	return clampMetric(uint32(p.MC.Value) + uint32(hop))
}

func (o *AvgDelay) CalculateRank(p *Parent, base Rank) Rank {
	return rankIncrease(o.cfg, p, base)
}

func (*AvgDelay) BestDAG(d1, d2 *DAG) *DAG { return bestDAG(d1, d2) }

func (o *AvgDelay) BestParent(p1, p2 *Parent) *Parent {
	return withHysteresis(p1, p2, o.PathMetric(p1), o.PathMetric(p2), int(o.cfg.DelayHysteresis))
}

func (o *AvgDelay) UpdateMetricContainer(inst *Instance) {
	setHeader(inst)
	dag := inst.CurrentDAG
	if dag == nil || !dag.Joined {
		return
	}
	var pm uint16
	if dag.Rank != RootRank(inst) {
		pm = o.PathMetric(dag.PreferredParent)
	}
	inst.MC.Type = MCLatency
	inst.MC.Value = pm
}
