package sim

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"dutycycle-mesh/internal/clock"
	"dutycycle-mesh/internal/mac"
	"dutycycle-mesh/internal/neighbor"
	"dutycycle-mesh/internal/phase"
	"dutycycle-mesh/internal/rdc"
	"dutycycle-mesh/internal/rpl"

	"gopkg.in/yaml.v3"
)

var ErrInvalidScenario = errors.New("invalid scenario")

type NodeCfg struct {
	Count     int     `yaml:"count" json:"count"`
	Placement string  `yaml:"placement" json:"placement"` // grid | line | uniform
	Spacing   float64 `yaml:"spacing" json:"spacing"`     // metres between grid/line neighbors
	Area      float64 `yaml:"area" json:"area"`           // side of the square for uniform placement
	// CycleTimes are assigned to nodes round robin, in ticks.
	CycleTimes []uint32      `yaml:"cycle_times" json:"cycle_times"`
	JoinDelay  time.Duration `yaml:"join_delay" json:"join_delay"`
}

type ClockCfg struct {
	TicksPerSecond uint32 `yaml:"ticks_per_second" json:"ticks_per_second"`
	ClockSecond    uint32 `yaml:"clock_second" json:"clock_second"`
}

type PhaseCfg struct {
	TableSize      int           `yaml:"table_size" json:"table_size"`
	QueueSize      int           `yaml:"queue_size" json:"queue_size"`
	DeferThreshold uint32        `yaml:"defer_threshold" json:"defer_threshold"`
	MaxNoacks      uint8         `yaml:"max_noacks" json:"max_noacks"`
	NoackWindow    time.Duration `yaml:"noack_window" json:"noack_window"`
	DriftCorrect   bool          `yaml:"drift_correct" json:"drift_correct"`
	DiscoveryProbe *bool         `yaml:"discovery_probe" json:"discovery_probe"`
	Verbose        bool          `yaml:"verbose" json:"verbose"`
}

type LinkCfg struct {
	Range   float64 `yaml:"range" json:"range"`
	Loss    float64 `yaml:"loss" json:"loss"`
	Strobe  uint32  `yaml:"strobe" json:"strobe"`
	TxTicks uint32  `yaml:"tx_ticks" json:"tx_ticks"`
	// Retransmissions enables CSMA retries of collided frames; RetryNoAck
	// extends them to unacknowledged ones.
	Retransmissions int  `yaml:"retransmissions" json:"retransmissions"`
	RetryNoAck      bool `yaml:"retry_noack" json:"retry_noack"`
	Verbose         bool `yaml:"verbose" json:"verbose"`
}

type RoutingCfg struct {
	ObjectiveFunction string        `yaml:"objective_function" json:"objective_function"`
	MinHopRankInc     uint16        `yaml:"min_hop_rank_inc" json:"min_hop_rank_inc"`
	Guard             uint32        `yaml:"guard" json:"guard"`
	DIOInterval       time.Duration `yaml:"dio_interval" json:"dio_interval"`
	Verbose           bool          `yaml:"verbose" json:"verbose"`
}

type TrafficCfg struct {
	Pattern          string        `yaml:"pattern" json:"pattern"` // random | parent
	MsgPerNodePerMin float64       `yaml:"msg_per_node_per_min" json:"msg_per_node_per_min"`
	PayloadSize      int           `yaml:"payload_size" json:"payload_size"`
	StartupDelay     time.Duration `yaml:"startup_delay" json:"startup_delay"`
}

type LogCfg struct {
	MetricsFile string `yaml:"metrics_file" json:"metrics_file"`
	LogFile     string `yaml:"log_file" json:"log_file"`
}

type MQTTCfg struct {
	Enabled       bool   `yaml:"enabled" json:"enabled"`
	Broker        string `yaml:"broker" json:"broker"`
	ClientID      string `yaml:"client_id" json:"client_id"`
	RegisterTopic string `yaml:"register_topic" json:"register_topic"`
	EventTopic    string `yaml:"event_topic" json:"event_topic"`
}

type ServerCfg struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
}

type Scenario struct {
	Duration time.Duration `yaml:"duration" json:"duration"`
	Seed     int64         `yaml:"seed" json:"seed"`
	// StepSize is how far the simulated clock moves between checks for
	// cancellation and queued commands.
	StepSize time.Duration `yaml:"step_size" json:"step_size"`
	Nodes    NodeCfg       `yaml:"nodes" json:"nodes"`
	Clock    ClockCfg      `yaml:"clock" json:"clock"`
	Phase    PhaseCfg      `yaml:"phase" json:"phase"`
	Link     LinkCfg       `yaml:"link" json:"link"`
	Routing  RoutingCfg    `yaml:"routing" json:"routing"`
	Traffic  TrafficCfg    `yaml:"traffic" json:"traffic"`
	Logging  LogCfg        `yaml:"logging" json:"logging"`
	MQTT     MQTTCfg       `yaml:"mqtt" json:"mqtt"`
	Server   ServerCfg     `yaml:"server" json:"server"`
}

func LoadScenario(path string) (*Scenario, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario: %w", err)
	}
	sc := &Scenario{}
	if yerr := yaml.Unmarshal(f, sc); yerr != nil {
		// fallback JSON
		sc = &Scenario{}
		if err := json.Unmarshal(f, sc); err != nil {
			return nil, fmt.Errorf("parsing scenario %s: %w", path, err)
		}
	}
	sc.ApplyDefaults()
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

// ApplyDefaults fills every unset field.
func (sc *Scenario) ApplyDefaults() {
	pd := phase.DefaultConfig()
	ld := rdc.DefaultConfig()
	rd := rpl.DefaultConfig()

	if sc.StepSize == 0 {
		sc.StepSize = 100 * time.Millisecond
	}
	if sc.Nodes.Placement == "" {
		sc.Nodes.Placement = "grid"
	}
	if sc.Nodes.Spacing == 0 {
		sc.Nodes.Spacing = 60
	}
	if sc.Nodes.Area == 0 {
		sc.Nodes.Area = 300
	}
	if len(sc.Nodes.CycleTimes) == 0 {
		sc.Nodes.CycleTimes = []uint32{uint32(pd.CycleTime)}
	}
	if sc.Clock.TicksPerSecond == 0 {
		sc.Clock.TicksPerSecond = uint32(pd.TicksPerSecond)
	}
	if sc.Clock.ClockSecond == 0 {
		sc.Clock.ClockSecond = pd.ClockSecond
	}
	if sc.Phase.TableSize == 0 {
		sc.Phase.TableSize = pd.TableSize
	}
	if sc.Phase.QueueSize == 0 {
		sc.Phase.QueueSize = pd.QueueSize
	}
	if sc.Phase.DeferThreshold == 0 {
		sc.Phase.DeferThreshold = pd.DeferThreshold
	}
	if sc.Phase.MaxNoacks == 0 {
		sc.Phase.MaxNoacks = pd.MaxNoacks
	}
	if sc.Phase.NoackWindow == 0 {
		sc.Phase.NoackWindow = pd.NoackWindow
	}
	if sc.Phase.DiscoveryProbe == nil {
		on := pd.DiscoveryProbe
		sc.Phase.DiscoveryProbe = &on
	}
	if sc.Link.Range == 0 {
		sc.Link.Range = ld.Range
	}
	if sc.Link.Strobe == 0 {
		sc.Link.Strobe = uint32(ld.Strobe)
	}
	if sc.Link.TxTicks == 0 {
		sc.Link.TxTicks = uint32(ld.TxTicks)
	}
	if sc.Routing.ObjectiveFunction == "" {
		sc.Routing.ObjectiveFunction = rd.ObjectiveFunction
	}
	if sc.Routing.MinHopRankInc == 0 {
		sc.Routing.MinHopRankInc = rd.MinHopRankInc
	}
	if sc.Routing.Guard == 0 {
		sc.Routing.Guard = uint32(rd.Guard)
	}
	if sc.Routing.DIOInterval == 0 {
		sc.Routing.DIOInterval = 10 * time.Second
	}
	if sc.Traffic.Pattern == "" {
		sc.Traffic.Pattern = "random"
	}
	if sc.Traffic.PayloadSize == 0 {
		sc.Traffic.PayloadSize = 16
	}
	if sc.Server.Addr == "" {
		sc.Server.Addr = ":8080"
	}
	if sc.MQTT.RegisterTopic == "" {
		sc.MQTT.RegisterTopic = "simulation/register"
	}
	if sc.MQTT.EventTopic == "" {
		sc.MQTT.EventTopic = "simulation/events"
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...))
}

// Validate rejects scenarios the scheduler cannot run: cycle times that do
// not divide the tick second, empty pools and unknown policies.
func (sc *Scenario) Validate() error {
	if sc.Duration <= 0 {
		return invalid("duration must be positive")
	}
	if sc.StepSize <= 0 {
		return invalid("step size must be positive")
	}
	if sc.Nodes.Count <= 0 {
		return invalid("node count must be positive")
	}
	switch sc.Nodes.Placement {
	case "grid", "line", "uniform":
	default:
		return invalid("unknown placement %q", sc.Nodes.Placement)
	}
	for _, ct := range sc.Nodes.CycleTimes {
		if ct != 0 && sc.Clock.TicksPerSecond%ct != 0 {
			return invalid("cycle time %d does not divide %d ticks per second", ct, sc.Clock.TicksPerSecond)
		}
	}
	if sc.Link.Retransmissions < 0 {
		return invalid("negative retransmission count")
	}
	if sc.Link.Loss < 0 || sc.Link.Loss > 1 {
		return invalid("link loss %v outside [0, 1]", sc.Link.Loss)
	}
	switch sc.Traffic.Pattern {
	case "random", "parent":
	default:
		return invalid("unknown traffic pattern %q", sc.Traffic.Pattern)
	}
	if sc.Traffic.MsgPerNodePerMin < 0 {
		return invalid("negative traffic rate")
	}
	if err := sc.PhaseConfig().Validate(); err != nil {
		return invalid("%v", err)
	}
	if err := sc.RoutingConfig().Validate(); err != nil {
		return invalid("%v", err)
	}
	if err := sc.EstimatorConfig().Validate(); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// PhaseConfig maps the scenario onto the scheduler configuration. The
// node's own cycle time is filled in per node.
func (sc *Scenario) PhaseConfig() phase.Config {
	cfg := phase.DefaultConfig()
	cfg.TicksPerSecond = clock.Ticks(sc.Clock.TicksPerSecond)
	cfg.ClockSecond = sc.Clock.ClockSecond
	cfg.TableSize = sc.Phase.TableSize
	cfg.QueueSize = sc.Phase.QueueSize
	cfg.DeferThreshold = sc.Phase.DeferThreshold
	cfg.MaxNoacks = sc.Phase.MaxNoacks
	cfg.NoackWindow = sc.Phase.NoackWindow
	cfg.DriftCorrect = sc.Phase.DriftCorrect
	if sc.Phase.DiscoveryProbe != nil {
		cfg.DiscoveryProbe = *sc.Phase.DiscoveryProbe
	}
	cfg.Verbose = sc.Phase.Verbose
	if len(sc.Nodes.CycleTimes) > 0 {
		cfg.CycleTime = clock.Ticks(sc.Nodes.CycleTimes[0])
	}
	return cfg
}

func (sc *Scenario) MediumConfig() rdc.Config {
	return rdc.Config{
		Range:   sc.Link.Range,
		Loss:    sc.Link.Loss,
		Strobe:  clock.Ticks(sc.Link.Strobe),
		TxTicks: clock.Ticks(sc.Link.TxTicks),
		Verbose: sc.Link.Verbose,
	}
}

// CSMAConfig leaves the backoff slot at zero so each node uses its own
// cycle time.
func (sc *Scenario) CSMAConfig() mac.CSMAConfig {
	cfg := mac.DefaultCSMAConfig()
	cfg.MaxRetransmissions = sc.Link.Retransmissions
	cfg.RetryNoAck = sc.Link.RetryNoAck
	cfg.Verbose = sc.Link.Verbose
	return cfg
}

func (sc *Scenario) RoutingConfig() rpl.Config {
	cfg := rpl.DefaultConfig()
	cfg.ObjectiveFunction = sc.Routing.ObjectiveFunction
	cfg.MinHopRankInc = sc.Routing.MinHopRankInc
	cfg.Guard = clock.Ticks(sc.Routing.Guard)
	cfg.Verbose = sc.Routing.Verbose
	return cfg
}

func (sc *Scenario) EstimatorConfig() neighbor.Config {
	cfg := neighbor.DefaultConfig()
	cfg.TableSize = sc.Phase.TableSize
	return cfg
}
