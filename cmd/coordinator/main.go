// Command coordinator subscribes to node reports, fuses each round of samples
// into a single position and publishes it back to the bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/uwb-fusion/internal/aggregator"
	"github.com/signalsfoundry/uwb-fusion/internal/bus"
	"github.com/signalsfoundry/uwb-fusion/internal/config"
	"github.com/signalsfoundry/uwb-fusion/internal/logging"
	"github.com/signalsfoundry/uwb-fusion/internal/observability"
	"github.com/signalsfoundry/uwb-fusion/kb"
)

const (
	healthService   = "uwb-fusion.Coordinator"
	shutdownTimeout = 5 * time.Second
)

func main() {
	cfg, err := config.Load("coordinator", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log := logging.New(cfg.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout)
	mqtt, err := bus.DialMQTT(connectCtx, cfg.MQTT("coordinator-"+uuid.NewString()[:8], nil), log)
	cancel()
	if err != nil {
		log.Error(ctx, "failed to connect to broker", logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, mqtt, prometheus.DefaultRegisterer); err != nil {
		log.Error(ctx, "coordinator exited", logging.Err(err))
		os.Exit(1)
	}
}

// run wires the coordinator onto b and blocks until ctx is cancelled. b is
// closed before run returns.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, b bus.Bus, reg prometheus.Registerer) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			log.Warn(closeCtx, "closing bus", logging.Err(err))
		}
	}()

	collector, err := observability.NewFusionCollector(reg)
	if err != nil {
		return fmt.Errorf("metrics collector: %w", err)
	}
	if o, ok := b.(overflowReporter); ok {
		o.OnOverflow(func(bus.Message) { collector.DeliveryDropped() })
	}

	codec, err := cfg.Codec()
	if err != nil {
		return err
	}
	agg, err := aggregator.New(cfg.Aggregator(), codec, codec, cfg.Fuser(), b,
		aggregator.WithMetrics(collector),
		aggregator.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("aggregator: %w", err)
	}

	presence := kb.NewRegistry(nil, log)
	presence.Subscribe(func(e kb.Event) { collector.SetNodesOnline(e.Online) })

	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)
	if metricsSrv != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	var healthLis net.Listener
	if cfg.HealthAddr != "" {
		healthLis, err = net.Listen("tcp", cfg.HealthAddr)
		if err != nil {
			return fmt.Errorf("listen for health: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	samples, err := b.Subscribe(gctx, bus.Wildcard(cfg.Topics.NodePrefix), cfg.Fusion.Buffer)
	if err != nil {
		closeListener(healthLis)
		return fmt.Errorf("subscribe samples: %w", err)
	}
	statuses, err := b.Subscribe(gctx, bus.Wildcard(cfg.Topics.StatusPrefix), cfg.Fusion.Buffer)
	if err != nil {
		closeListener(healthLis)
		return fmt.Errorf("subscribe presence: %w", err)
	}

	g.Go(func() error { return agg.Run(gctx, samples) })
	g.Go(func() error { return presence.Run(gctx, statuses) })

	if healthLis != nil {
		health := observability.NewHealthServer(healthService, log)
		health.SetServing(true)
		g.Go(func() error { return health.Serve(healthLis) })
		g.Go(func() error {
			<-gctx.Done()
			health.SetServing(false)
			health.Stop()
			return nil
		})
	}

	log.Info(ctx, "coordinator ready",
		logging.String("samples", bus.Wildcard(cfg.Topics.NodePrefix)),
		logging.String("presence", bus.Wildcard(cfg.Topics.StatusPrefix)),
		logging.String("fused", cfg.Topics.Fused),
		logging.Int("quorum", cfg.Fusion.Quorum),
		logging.String("wire_format", string(codec.Format())),
	)

	err = g.Wait()
	log.Info(context.Background(), "shutting down coordinator",
		logging.Int("rounds", int(agg.Rounds())),
		logging.Int("discarded_samples", agg.Buffered()),
	)
	return err
}

func closeListener(lis net.Listener) {
	if lis != nil {
		_ = lis.Close()
	}
}

// overflowReporter is implemented by transports that can drop inbound
// messages when the consumer falls behind.
type overflowReporter interface {
	OnOverflow(fn func(bus.Message))
}

func serveMetrics(addr string, collector *observability.FusionCollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
