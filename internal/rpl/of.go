package rpl

import (
	"fmt"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/packet"
)

// ObjectiveFunction is the routing policy: how a node ranks itself, picks a
// parent and describes its route in DIOs. Implementations are pure over the
// records they are given, except UpdateMetricContainer which writes inst.MC.
type ObjectiveFunction interface {
	Reset(dag *DAG)
	ParentStateChanged(p *Parent, known bool, metric uint16)
	// BestParent must only be given parents of the same DAG.
	BestParent(p1, p2 *Parent) *Parent
	BestDAG(d1, d2 *DAG) *DAG
	CalculateRank(p *Parent, base Rank) Rank
	UpdateMetricContainer(inst *Instance)
	OCP() uint16
}

// DelayEstimator predicts how long a packet waits for a neighbor to wake.
type DelayEstimator interface {
	AverageDelay(neighbor packet.Addr, guard, myPhase clock.Ticks) clock.Ticks
}

type Config struct {
	// ObjectiveFunction is one of "etx", "dutycycle" or "avgdelay".
	ObjectiveFunction string `yaml:"objective_function" json:"objective_function"`
	MinHopRankInc     uint16 `yaml:"min_hop_rank_inc" json:"min_hop_rank_inc"`

	// ETX path metric parameters.
	ETXDivisor         uint16 `yaml:"etx_divisor" json:"etx_divisor"`
	LinkDivisor        uint16 `yaml:"link_divisor" json:"link_divisor"`
	MaxPathCost        uint16 `yaml:"max_path_cost" json:"max_path_cost"`
	SwitchThresholdDiv uint16 `yaml:"switch_threshold_div" json:"switch_threshold_div"`
	InitialLinkMetric  uint16 `yaml:"initial_link_metric" json:"initial_link_metric"`

	// Average delay parameters, in radio ticks.
	Guard           clock.Ticks `yaml:"guard" json:"guard"`
	MaxDelay        uint16      `yaml:"max_delay" json:"max_delay"`
	DelayHysteresis uint16      `yaml:"delay_hysteresis" json:"delay_hysteresis"`

	Verbose bool `yaml:"verbose" json:"verbose"`
}

func DefaultConfig() Config {
	return Config{
		ObjectiveFunction:  "etx",
		MinHopRankInc:      256,
		ETXDivisor:         128,
		LinkDivisor:        16,
		MaxPathCost:        100,
		SwitchThresholdDiv: 2,
		InitialLinkMetric:  5 * 16,
		Guard:              16,
		MaxDelay:           0xfff0,
		DelayHysteresis:    64,
	}
}

func (c Config) Validate() error {
	if c.MinHopRankInc == 0 {
		return fmt.Errorf("rpl: min hop rank increase must be positive")
	}
	if c.ETXDivisor == 0 || c.LinkDivisor == 0 || c.SwitchThresholdDiv == 0 {
		return fmt.Errorf("rpl: metric divisors must be positive")
	}
	switch c.ObjectiveFunction {
	case "etx", "dutycycle", "avgdelay":
	default:
		return fmt.Errorf("rpl: unknown objective function %q", c.ObjectiveFunction)
	}
	return nil
}

// NewObjectiveFunction builds the configured policy. delay is only used by
// the average-delay function and may be nil otherwise.
func NewObjectiveFunction(cfg Config, delay DelayEstimator) (ObjectiveFunction, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.ObjectiveFunction {
	case "dutycycle":
		return NewDutyCycle(cfg), nil
	case "avgdelay":
		if delay == nil {
			return nil, fmt.Errorf("rpl: average delay objective needs a delay estimator")
		}
		return NewAvgDelay(cfg, delay), nil
	default:
		return NewETX(cfg), nil
	}
}

// rankIncrease is the shared rank arithmetic: the parent's link metric scaled
// by the hop increment, or a fixed initial cost when there is no parent.
func rankIncrease(cfg Config, p *Parent, base Rank) Rank {
	var inc uint32
	if p == nil {
		if base == 0 {
			return InfiniteRank
		}
		inc = uint32(cfg.InitialLinkMetric/cfg.LinkDivisor) * uint32(cfg.MinHopRankInc)
	} else {
		minHop := uint32(cfg.MinHopRankInc)
		if p.DAG != nil && p.DAG.Instance != nil {
			minHop = uint32(p.DAG.Instance.MinHopRankInc)
		}
		// multiply before dividing so sub-unit link metrics are not lost
		inc = uint32(p.LinkMetric) * minHop / uint32(cfg.LinkDivisor)
		if base == 0 {
			base = p.Rank
		}
	}
	return saturatingAdd(base, inc)
}

// bestDAG prefers grounded, then higher preference, then lower rank.
func bestDAG(d1, d2 *DAG) *DAG {
	if d1.Grounded != d2.Grounded {
		if d1.Grounded {
			return d1
		}
		return d2
	}
	if d1.Preference != d2.Preference {
		if d1.Preference > d2.Preference {
			return d1
		}
		return d2
	}
	if d1.Rank < d2.Rank {
		return d1
	}
	return d2
}

// withHysteresis keeps the DAG's current preferred parent when the two path
// metrics are closer than minDiff, and otherwise picks the lower metric.
func withHysteresis(p1, p2 *Parent, m1, m2 uint16, minDiff int) *Parent {
	if dag := p1.DAG; dag != nil && dag.PreferredParent != nil &&
		(p1 == dag.PreferredParent || p2 == dag.PreferredParent) {
		diff := int(m1) - int(m2)
		if diff < 0 {
			diff = -diff
		}
		if diff < minDiff {
			return dag.PreferredParent
		}
	}
	if m1 < m2 {
		return p1
	}
	return p2
}

func setHeader(inst *Instance) {
	inst.MC.Flags = MCFlagP
	inst.MC.Aggr = MCAggrAdditive
	inst.MC.Prec = 0
}
