// Command airchase-fuser subscribes to vehicle, weather and companion
// telemetry and republishes a fused snapshot at its own rate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/signalsfoundry/airchase-telemetry/internal/config"
	"github.com/signalsfoundry/airchase-telemetry/internal/logging"
	"github.com/signalsfoundry/airchase-telemetry/internal/observability"
	"github.com/signalsfoundry/airchase-telemetry/internal/runtime"
)

const program = "airchase-fuser"

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
	if srv := observability.ServeMetrics(cfg.MetricsAddr, collector, log); srv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	fuser, err := runtime.New(runtime.Fuser, cfg,
		runtime.WithLogger(log),
		runtime.WithMetrics(collector),
	)
	if err != nil {
		log.Error(ctx, "failed to build fuser", logging.Err(err))
		return 1
	}

	log.Info(ctx, "starting fuser",
		logging.String("transport", cfg.Broker.Kind),
		logging.String("vehicle", cfg.VehicleID),
		logging.String("companion", cfg.CompanionCallsign),
		logging.Float("fused_hz", cfg.Rates.FusedHz),
		logging.String("run_id", fuser.RunID()),
	)
	if err := fuser.Run(ctx); err != nil {
		log.Error(ctx, "fuser failed", logging.Err(err))
		fmt.Fprintf(os.Stderr, "%s: %v\n", program, err)
		return 1
	}
	return 0
}
