package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	eb "dutycycle-mesh/internal/eventBus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func sampleEvents() []eb.Event {
	return []eb.Event{
		{Type: eb.EventTxDone, Payload: "OK", Value: 3},
		{Type: eb.EventTxDone, Payload: "OK", Value: 5},
		{Type: eb.EventTxDone, Payload: "NOACK", Value: 33},
		{Type: eb.EventTxDone, Payload: "COLLISION", Value: 1},
		{Type: eb.EventPhaseDeferred, Value: 15},
		{Type: eb.EventPhaseSendNow},
		{Type: eb.EventPhaseUnknown},
		{Type: eb.EventDiscoverySent},
		{Type: eb.EventDiscoveryDone, Payload: "NOACK"},
		{Type: eb.EventDiscoveryDone, Payload: "OK"},
		{Type: eb.EventLinkMetric, Value: 217},
		{Type: eb.EventParentChanged},
		{Type: eb.EventDataDelivered},
	}
}

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(nil)
	for _, ev := range sampleEvents() {
		c.Add(ev)
	}
	s := c.Snapshot()
	if s.TxOK != 2 || s.TxNoAck != 1 || s.TxCollision != 1 || s.StrobeSum != 42 {
		t.Fatalf("tx counters = %+v", s)
	}
	if got := s.AvgStrobes(); got != 10.5 {
		t.Fatalf("AvgStrobes = %v, want 10.5", got)
	}
	if s.Deferred != 1 || s.SendNow != 1 || s.Unknown != 1 {
		t.Fatalf("phase counters = %+v", s)
	}
	if s.DiscoveriesSent != 1 || s.DiscoveriesFailed != 1 {
		t.Fatalf("discovery counters = %+v", s)
	}
	if s.TxByStatus["OK"] != 2 || s.ParentChanges != 1 || s.DataDelivered != 1 {
		t.Fatalf("counters = %+v", s)
	}

	var nilColl *Collector
	nilColl.Add(eb.Event{Type: eb.EventTxDone})
}

func TestCollectorFlush(t *testing.T) {
	c := NewCollector(nil)
	c.Add(eb.Event{Type: eb.EventTxDone, Payload: "OK", Value: 1})
	path := filepath.Join(t.TempDir(), "metrics.json")
	if err := c.Flush(path); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Counters
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.TxOK != 1 || got.RunID != c.RunID {
		t.Fatalf("flushed counters = %+v", got)
	}
	if err := c.Flush(filepath.Join(t.TempDir(), "missing", "metrics.json")); err == nil {
		t.Fatalf("flush into a missing directory succeeded")
	}
}

func TestPromCollectorObserves(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPromCollector(reg)
	if err != nil {
		t.Fatalf("NewPromCollector: %v", err)
	}
	c := NewCollector(p)
	for _, ev := range sampleEvents() {
		c.Add(ev)
	}
	if got := testutil.ToFloat64(p.Events.WithLabelValues(string(eb.EventTxDone))); got != 4 {
		t.Fatalf("mesh_events_total{TX_DONE} = %v, want 4", got)
	}
	if got := testutil.ToFloat64(p.Transmissions.WithLabelValues("OK")); got != 2 {
		t.Fatalf("rdc_transmissions_total{OK} = %v, want 2", got)
	}
	if n := testutil.CollectAndCount(p.Strobes); n != 1 {
		t.Fatalf("strobes histogram series = %d, want 1", n)
	}

	again, err := NewPromCollector(reg)
	if err != nil {
		t.Fatalf("re-registering: %v", err)
	}
	if again.Events != p.Events {
		t.Fatalf("re-registering did not reuse the existing counter")
	}

	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	for _, name := range []string{"mesh_events_total", "rdc_transmissions_total", "phase_deferred_wait_coarse_ticks", "neighbor_link_metric"} {
		if !strings.Contains(body, name) {
			t.Fatalf("/metrics output missing %s", name)
		}
	}
}
