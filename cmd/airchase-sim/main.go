// Command airchase-sim publishes synthetic vehicle, companion aircraft and
// weather telemetry at independent rates.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/internal/config"
	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
	"github.com/signalsfoundry/airchase-telemetry/internal/observability"
	"github.com/signalsfoundry/airchase-telemetry/internal/runtime"
	"github.com/signalsfoundry/airchase-telemetry/internal/transport"
)

const program = "airchase-sim"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(program, args, nil)
	if errors.Is(err, flag.ErrHelp) {
		config.Usage(program, os.Stdout)
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", program, err)
		return 2
	}

	log, closeLog := logging.Open(cfg.Log)
	defer func() { _ = closeLog() }()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(program), log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		return 1
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	collector, err := observability.NewTelemetryCollector(nil)
	if err != nil {
		log.Error(ctx, "failed to initialise metrics collector", logging.Err(err))
		return 1
	}
	metricsSrv := observability.ServeMetrics(cfg.MetricsAddr, collector, log)
	defer func() {
		if metricsSrv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}()

	opts := []runtime.Option{runtime.WithLogger(log), runtime.WithMetrics(collector)}

	// A loopback broker lives in this process, so the fuser runs here too
	// unless the simulator already emits the fused stream itself.
	var fuser *runtime.Runtime
	if cfg.Broker.Kind == transport.KindLoopback {
		bus := transport.NewBus()
		opts = append(opts, runtime.WithTransport(transport.NewLoopback(bus, transport.Options{Logger: log})))
		if !cfg.EmitFused {
			fuser, err = runtime.New(runtime.Fuser, cfg,
				runtime.WithLogger(log),
				runtime.WithMetrics(collector),
				runtime.WithTransport(transport.NewLoopback(bus, transport.Options{Logger: log})),
			)
			if err != nil {
				log.Error(ctx, "failed to build fuser", logging.Err(err))
				return 1
			}
		}
	}

	sim, err := runtime.New(runtime.Simulator, cfg, opts...)
	if err != nil {
		log.Error(ctx, "failed to build simulator", logging.Err(err))
		return 1
	}

	log.Info(ctx, "starting simulator",
		logging.String("transport", cfg.Broker.Kind),
		logging.String("vehicle", cfg.VehicleID),
		logging.Float("pos_hz", cfg.Rates.PositionHz),
		logging.Float("wx_hz", cfg.Rates.WeatherHz),
		logging.String("run_id", sim.RunID()),
	)

	var wg sync.WaitGroup
	var fuserErr error
	if fuser != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fuserErr = fuser.Run(ctx)
		}()
	}
	simErr := sim.Run(ctx)
	stop()
	wg.Wait()

	if err := errors.Join(simErr, fuserErr); err != nil {
		log.Error(ctx, "simulator failed", logging.Err(err))
		fmt.Fprintf(os.Stderr, "%s: %v\n", program, err)
		return 1
	}
	return 0
}
