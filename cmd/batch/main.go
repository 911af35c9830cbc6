package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dutycycle-mesh/internal/clock"
	eb "dutycycle-mesh/internal/eventBus"
	"dutycycle-mesh/internal/metrics"
	"dutycycle-mesh/internal/mqtt"
	"dutycycle-mesh/internal/network"
	"dutycycle-mesh/internal/server"
	"dutycycle-mesh/internal/sim"
	"dutycycle-mesh/internal/utils"

	"golang.org/x/sync/errgroup"
)

func main() {
	// 1. Pick scenario file or quick flags
	cfg := flag.String("scenario", "scenario.yaml", "YAML or JSON scenario description")
	monitor := flag.Duration("monitor", 0, "log goroutine and heap usage at this interval (0 disables)")
	flag.Parse()

	sc, err := sim.LoadScenario(*cfg)
	if err != nil {
		log.Fatalf("scenario: %v", err)
	}

	logPath := sc.Logging.LogFile
	if logPath == "" {
		if err := os.MkdirAll("logs", 0755); err != nil {
			log.Fatalf("Failed to create logs directory: %v", err)
		}
		// Create log file with timestamp in name
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logPath = "logs/log_" + timestamp + ".log"
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		log.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	// Write to both the log file and stdout
	log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	// include time (hh:mm:ss) with microsecond precision
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Printf("Starting simulation %s: %d nodes for %s\n", *cfg, sc.Nodes.Count, sc.Duration)

	// catch Ctrl-C / SIGTERM / SIGHUP
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	prom, err := metrics.NewPromCollector(nil)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	collector := metrics.NewCollector(prom)
	bus := eb.NewEventBus()
	net := network.NewNetwork(bus)
	runner := sim.NewRunner(sc, bus, net, collector)

	g, gctx := errgroup.WithContext(ctx)
	// Everything beside the runner stops once the run is over.
	auxCtx, stopAux := context.WithCancel(gctx)
	defer stopAux()

	var totals metrics.Counters
	g.Go(func() error {
		defer stopAux()
		var err error
		totals, err = runner.Run(gctx)
		if errors.Is(err, context.Canceled) {
			log.Printf("received signal: run stopped early")
			return nil
		}
		return err
	})

	if sc.Server.Enabled {
		g.Go(func() error {
			return server.StartServer(auxCtx, sc.Server.Addr, bus, runner.Control(), prom)
		})
	}

	if sc.MQTT.Enabled {
		mgr, err := mqtt.New(sc.MQTT.Broker, sc.MQTT.ClientID)
		if err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		defer mgr.Disconnect()

		// Physical nodes keep real time; only the simulated ones share the
		// discrete-event clock.
		reg := &mqtt.Registrar{
			Net:    net,
			Broker: mgr,
			Clock:  clock.NewReal(clock.Ticks(sc.Clock.TicksPerSecond)),
			Bus:    bus,
			Phase:  sc.PhaseConfig(),
			Link:   sc.EstimatorConfig(),
			Guard:  clock.Ticks(sc.Routing.Guard),
		}
		if err := mgr.Subscribe(sc.MQTT.RegisterTopic, 1, reg.ProcessMqttNodeMessage()); err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		g.Go(func() error {
			mgr.Run(auxCtx)
			return nil
		})
		g.Go(func() error {
			return mqtt.ForwardEvents(auxCtx, bus, mgr, sc.MQTT.EventTopic+"/"+collector.RunID.String())
		})
	}

	if *monitor > 0 {
		g.Go(func() error {
			return utils.MonitorResources(auxCtx, *monitor)
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("runner error: %v", err)
	}

	log.Printf("run %s: %d ok, %d noack, %d collisions, %.1f strobes/tx, %d deferred, %d delivered\n",
		totals.RunID, totals.TxOK, totals.TxNoAck, totals.TxCollision, totals.AvgStrobes(), totals.Deferred, totals.DataDelivered)

	// _always_ flush metrics before exit
	if sc.Logging.MetricsFile == "" {
		return
	}
	if err := collector.Flush(sc.Logging.MetricsFile); err != nil {
		log.Printf("flush-metrics: %v", err)
	} else {
		log.Printf("stats written to %s", sc.Logging.MetricsFile)
	}
}
