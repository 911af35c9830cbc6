package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"dutycycle-mesh/internal/clock"
	eb "dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/mesh"
	"dutycycle-mesh/internal/metrics"
	"dutycycle-mesh/internal/network"
	"dutycycle-mesh/internal/packet"
)

func lineScenario() *Scenario {
	sc := &Scenario{
		Duration: 40 * time.Second,
		Seed:     3,
		Nodes:    NodeCfg{Count: 4, Placement: "line", Spacing: 60},
		Link:     LinkCfg{Loss: 0, Retransmissions: 2},
		Routing:  RoutingCfg{DIOInterval: 2 * time.Second},
		Traffic: TrafficCfg{
			Pattern:          "random",
			MsgPerNodePerMin: 12,
			StartupDelay:     5 * time.Second,
		},
	}
	sc.ApplyDefaults()
	return sc
}

func newTestRunner(sc *Scenario) *Runner {
	bus := eb.NewEventBus()
	return NewRunner(sc, bus, network.NewNetwork(bus), metrics.NewCollector(nil))
}

func TestRunnerLine(t *testing.T) {
	sc := lineScenario()
	if err := sc.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	r := newTestRunner(sc)
	ran := false
	r.Do(func() { ran = true })

	got, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !ran {
		t.Fatalf("queued command never ran")
	}
	if got.ParentChanges < 3 {
		t.Fatalf("parent changes = %d, want every non-root node to join", got.ParentChanges)
	}
	if got.TxOK == 0 || got.DataDelivered == 0 {
		t.Fatalf("no traffic got through: %+v", got)
	}
	if got.Deferred == 0 {
		t.Fatalf("no send was deferred to a learned wake-up: %+v", got)
	}
	if n := len(r.Network().Nodes()); n != 0 {
		t.Fatalf("%d nodes still on the network after Run", n)
	}
	if elapsed := r.Clock().Elapsed(); elapsed < sc.Duration {
		t.Fatalf("clock stopped at %s, want at least %s", elapsed, sc.Duration)
	}
}

func TestRunnerCancelled(t *testing.T) {
	r := newTestRunner(lineScenario())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunnerAddRemove(t *testing.T) {
	sc := lineScenario()
	sc.Nodes.Count = 2
	r := newTestRunner(sc)
	if err := r.Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(r.Nodes()) != 2 {
		t.Fatalf("built %d nodes, want 2", len(r.Nodes()))
	}
	root := r.Nodes()[0]
	if !root.Router().State().Joined {
		t.Fatalf("first node is not the root")
	}

	n, err := r.AddNode(mesh.CreateCoordinates(30, 30), clock.Ticks(256))
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	if n.Addr() != packet.AddrFromUint16(3) || n.CycleTime() != 256 {
		t.Fatalf("added %s with cycle %d", n.Addr(), n.CycleTime())
	}
	if n.Radio().Offset() >= 256 {
		t.Fatalf("offset %d outside the cycle", n.Radio().Offset())
	}
	if !r.RemoveNode(n.Addr()) {
		t.Fatalf("RemoveNode(%s) = false", n.Addr())
	}
	if r.RemoveNode(n.Addr()) {
		t.Fatalf("removing twice succeeded")
	}
	for _, a := range r.medium.Neighbors(root.Addr()) {
		if a == n.Addr() {
			t.Fatalf("removed node still on the medium")
		}
	}
}
