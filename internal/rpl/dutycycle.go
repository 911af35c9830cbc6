package rpl

import (
	"dutycycle-mesh/internal/clock"
)

// DutyCycle selects the parent whose radio wakes least often, so the node
// lines its own schedule up with the slowest upstream neighbor. Ranks are
// computed as for ETX.
type DutyCycle struct {
	ETX
}

func NewDutyCycle(cfg Config) *DutyCycle { return &DutyCycle{ETX{cfg: cfg}} }

func (*DutyCycle) OCP() uint16 { return 0x100 }

// BestParent is a pure comparison: always-on beats any duty cycle, a slower
// cycle beats a faster one, and equal cycles fall back to rank.
func (*DutyCycle) BestParent(p1, p2 *Parent) *Parent {
	c1, c2 := p1.CycleTime, p2.CycleTime
	switch {
	case c1 == c2:
	case c1 == 0:
		return p1
	case c2 == 0:
		return p2
	case c1 == unknownCycle:
		return p2
	case c2 == unknownCycle:
		return p1
	case c1 > c2:
		return p1
	default:
		return p2
	}
	if p2.Rank < p1.Rank {
		return p2
	}
	return p1
}

// UpdateMetricContainer advertises the node's own cycle time.
func (*DutyCycle) UpdateMetricContainer(inst *Instance) {
	setHeader(inst)
	inst.MC.Type = MCDutyCycle
	inst.MC.Value = clampMetric(uint32(inst.CycleTime))
}

const unknownCycle = ^clock.Ticks(0)
