package rpl

import (
	"testing"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/packet"
)

func testDAG() *DAG {
	inst := &Instance{MinHopRankInc: 256}
	dag := &DAG{Rank: 512, Joined: true, Instance: inst}
	inst.CurrentDAG = dag
	return dag
}

func TestCalculateRank(t *testing.T) {
	o := NewETX(DefaultConfig())
	dag := testDAG()

	cases := []struct {
		name string
		p    *Parent
		base Rank
		want Rank
	}{
		{"no parent no base", nil, 0, InfiniteRank},
		{"no parent uses initial metric", nil, 256, 256 + 5*256},
		{"multiply before divide", &Parent{Rank: 256, LinkMetric: 24, DAG: dag}, 0, 256 + 384},
		{"explicit base", &Parent{Rank: 256, LinkMetric: 16, DAG: dag}, 1000, 1000 + 256},
		{"saturates", &Parent{Rank: 0xff00, LinkMetric: 240, DAG: dag}, 0, InfiniteRank},
		{"near the top does not saturate", &Parent{Rank: 0xffff - 512, LinkMetric: 16, DAG: dag}, 0, 0xffff - 256},
	}
	for _, c := range cases {
		if got := o.CalculateRank(c.p, c.base); got != c.want {
			t.Fatalf("%s: rank = %d, want %d", c.name, got, c.want)
		}
	}
}

func TestBestDAG(t *testing.T) {
	o := NewETX(DefaultConfig())
	grounded := &DAG{Grounded: true, Preference: 0, Rank: 4000}
	floating := &DAG{Grounded: false, Preference: 7, Rank: 256}
	if got := o.BestDAG(grounded, floating); got != grounded {
		t.Fatalf("floating DAG beat a grounded one")
	}
	if got := o.BestDAG(floating, grounded); got != grounded {
		t.Fatalf("argument order changed the grounded preference")
	}

	hi := &DAG{Grounded: true, Preference: 3, Rank: 4000}
	lo := &DAG{Grounded: true, Preference: 1, Rank: 256}
	if got := o.BestDAG(lo, hi); got != hi {
		t.Fatalf("lower preference won")
	}

	near := &DAG{Grounded: true, Preference: 1, Rank: 300}
	if got := o.BestDAG(lo, near); got != lo {
		t.Fatalf("higher rank won with equal grounding and preference")
	}
}

func TestPathMetric(t *testing.T) {
	o := NewETX(DefaultConfig())
	dag := testDAG()
	root := &Parent{Rank: 256, LinkMetric: 16, DAG: dag}
	if got := o.PathMetric(root); got != 128 {
		t.Fatalf("root path metric = %d, want 128", got)
	}
	silent := &Parent{Rank: 512, LinkMetric: 16, DAG: dag}
	if got := o.PathMetric(silent); got != 100*128 {
		t.Fatalf("unadvertised parent = %d, want the max path cost", got)
	}
	if got := o.PathMetric(nil); got != 100*128 {
		t.Fatalf("nil parent = %d, want the max path cost", got)
	}
	far := &Parent{Rank: 4096, LinkMetric: 240, DAG: dag, MC: MetricContainer{Value: 0xff00}}
	if got := o.PathMetric(far); got != 0xffff {
		t.Fatalf("path metric = %d, want saturation at 0xffff", got)
	}
}

func TestBestParentHysteresis(t *testing.T) {
	o := NewETX(DefaultConfig())
	dag := testDAG()
	// path metrics: incumbent 256, near 224, far 192
	incumbent := &Parent{Rank: 256, LinkMetric: 16, MC: MetricContainer{Value: 128}, DAG: dag}
	near := &Parent{Rank: 256, LinkMetric: 12, MC: MetricContainer{Value: 128}, DAG: dag}
	far := &Parent{Rank: 256, LinkMetric: 8, MC: MetricContainer{Value: 128}, DAG: dag}

	if got := o.BestParent(incumbent, near); got != near {
		t.Fatalf("without a preferred parent the lower metric should win")
	}

	dag.PreferredParent = incumbent
	if got := o.BestParent(incumbent, near); got != incumbent {
		t.Fatalf("challenger within the switch threshold displaced the incumbent")
	}
	if got := o.BestParent(near, incumbent); got != incumbent {
		t.Fatalf("argument order changed the hysteresis outcome")
	}
	if got := o.BestParent(incumbent, far); got != far {
		t.Fatalf("challenger a full threshold better did not win")
	}
}

func TestETXMetricContainer(t *testing.T) {
	o := NewETX(DefaultConfig())
	dag := testDAG()
	inst := dag.Instance

	dag.Joined = false
	inst.MC.Value = 77
	o.UpdateMetricContainer(inst)
	if inst.MC.Flags != MCFlagP || inst.MC.Aggr != MCAggrAdditive || inst.MC.Value != 77 {
		t.Fatalf("detached DAG: mc = %+v, want only header fields set", inst.MC)
	}

	dag.Joined = true
	dag.Rank = RootRank(inst)
	o.UpdateMetricContainer(inst)
	if inst.MC.Type != MCETX || inst.MC.Value != 0 {
		t.Fatalf("root mc = %+v, want ETX 0", inst.MC)
	}

	dag.Rank = 512
	dag.PreferredParent = &Parent{Rank: 256, LinkMetric: 32, DAG: dag}
	o.UpdateMetricContainer(inst)
	if inst.MC.Value != 256 {
		t.Fatalf("mc value = %d, want 256", inst.MC.Value)
	}
}

func TestDutyCycleBestParent(t *testing.T) {
	o := NewDutyCycle(DefaultConfig())
	p := func(ct clock.Ticks, rank Rank) *Parent { return &Parent{CycleTime: ct, Rank: rank} }

	fast, slow := p(256, 256), p(1024, 2048)
	if got := o.BestParent(fast, slow); got != slow {
		t.Fatalf("faster cycle won")
	}
	if got := o.BestParent(slow, fast); got != slow {
		t.Fatalf("argument order changed the outcome")
	}

	on := p(0, 4000)
	if got := o.BestParent(slow, on); got != on {
		t.Fatalf("always-on parent not preferred")
	}

	a, b := p(512, 768), p(512, 512)
	if got := o.BestParent(a, b); got != b {
		t.Fatalf("equal cycles should fall back to rank")
	}

	unknown := p(unknownCycle, 256)
	if got := o.BestParent(unknown, fast); got != fast {
		t.Fatalf("unreported cycle time beat a known one")
	}

	dag := testDAG()
	dag.PreferredParent = fast
	fast.DAG, slow.DAG = dag, dag
	o.BestParent(fast, slow)
	if dag.PreferredParent != fast {
		t.Fatalf("comparison mutated the preferred parent")
	}
}

func TestDutyCycleAdvertisesOwnCycle(t *testing.T) {
	o := NewDutyCycle(DefaultConfig())
	inst := &Instance{MinHopRankInc: 256, CycleTime: 512}
	o.UpdateMetricContainer(inst)
	if inst.MC.Type != MCDutyCycle || inst.MC.Value != 512 {
		t.Fatalf("mc = %+v, want own cycle time 512", inst.MC)
	}
	if got := o.CalculateRank(nil, 256); got != 256+5*256 {
		t.Fatalf("duty cycle rank = %d, want ETX rank arithmetic", got)
	}
}

type fixedDelay map[packet.Addr]clock.Ticks

func (f fixedDelay) AverageDelay(n packet.Addr, guard, myPhase clock.Ticks) clock.Ticks {
	if d, ok := f[n]; ok {
		return d
	}
	return guard
}

func TestAvgDelayPathMetric(t *testing.T) {
	a, b := packet.AddrFromUint16(2), packet.AddrFromUint16(3)
	o := NewAvgDelay(DefaultConfig(), fixedDelay{a: 300, b: 100})
	dag := testDAG()
	pa := &Parent{Addr: a, Rank: 256, DAG: dag}
	pb := &Parent{Addr: b, Rank: 512, MC: MetricContainer{Value: 150}, DAG: dag}

	if got := o.PathMetric(pa); got != 300 {
		t.Fatalf("root-adjacent delay = %d, want 300", got)
	}
	if got := o.PathMetric(pb); got != 250 {
		t.Fatalf("relayed delay = %d, want 250", got)
	}
	if got := o.BestParent(pa, pb); got != pb {
		t.Fatalf("slower path won")
	}
	dag.PreferredParent = pa
	if got := o.BestParent(pa, pb); got != pa {
		t.Fatalf("50 ticks is inside the hysteresis band; incumbent should stay")
	}

	dag.PreferredParent = pb
	o.UpdateMetricContainer(dag.Instance)
	if dag.Instance.MC.Type != MCLatency || dag.Instance.MC.Value != 250 {
		t.Fatalf("mc = %+v", dag.Instance.MC)
	}
}

func TestNewObjectiveFunction(t *testing.T) {
	cfg := DefaultConfig()
	for name, want := range map[string]uint16{"etx": 1, "dutycycle": 0x100, "avgdelay": 0x101} {
		cfg.ObjectiveFunction = name
		of, err := NewObjectiveFunction(cfg, fixedDelay{})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if of.OCP() != want {
			t.Fatalf("%s: OCP %#x, want %#x", name, of.OCP(), want)
		}
	}
	cfg.ObjectiveFunction = "avgdelay"
	if _, err := NewObjectiveFunction(cfg, nil); err == nil {
		t.Fatalf("avgdelay without estimator accepted")
	}
	cfg.ObjectiveFunction = "hops"
	if _, err := NewObjectiveFunction(cfg, nil); err == nil {
		t.Fatalf("unknown objective accepted")
	}
}
