package rpl

// ETX is the minimum rank with hysteresis objective function over an
// additive ETX path metric.
type ETX struct {
	cfg Config
}

func NewETX(cfg Config) *ETX { return &ETX{cfg: cfg} }

func (*ETX) OCP() uint16 { return 1 }

func (*ETX) Reset(*DAG) {}

func (*ETX) ParentStateChanged(*Parent, bool, uint16) {}

// PathMetric is the ETX to the root through p, in units of 1/ETXDivisor.
// Parents below the root that advertise no metric are priced at
// MaxPathCost so they are only used as a last resort.
func (o *ETX) PathMetric(p *Parent) uint16 {
	if p == nil || (p.MC.Value == 0 && p.Rank > rootRankOf(p)) {
		return clampMetric(uint32(o.cfg.MaxPathCost) * uint32(o.cfg.ETXDivisor))
	}
	link := uint32(p.LinkMetric) * uint32(o.cfg.ETXDivisor) / uint32(o.cfg.LinkDivisor)
	return clampMetric(uint32(p.MC.Value) + link)
}

func (o *ETX) CalculateRank(p *Parent, base Rank) Rank {
	return rankIncrease(o.cfg, p, base)
}

func (*ETX) BestDAG(d1, d2 *DAG) *DAG { return bestDAG(d1, d2) }

func (o *ETX) BestParent(p1, p2 *Parent) *Parent {
	minDiff := int(o.cfg.ETXDivisor / o.cfg.SwitchThresholdDiv)
	return withHysteresis(p1, p2, o.PathMetric(p1), o.PathMetric(p2), minDiff)
}

func (o *ETX) UpdateMetricContainer(inst *Instance) {
	setHeader(inst)
	dag := inst.CurrentDAG
	if dag == nil || !dag.Joined {
		return
	}
	var pm uint16
	if dag.Rank != RootRank(inst) {
		pm = o.PathMetric(dag.PreferredParent)
	}
	inst.MC.Type = MCETX
	inst.MC.Value = pm
}
