// Command node runs one sensor node: it announces presence and publishes a
// ranging sample on every tick until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/signalsfoundry/uwb-fusion/internal/bus"
	"github.com/signalsfoundry/uwb-fusion/internal/config"
	"github.com/signalsfoundry/uwb-fusion/internal/logging"
	"github.com/signalsfoundry/uwb-fusion/internal/reporter"
)

const closeTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load("node", os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	// The id must be fixed before dialing so the last will names this node.
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	log := logging.New(cfg.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mqtt, err := dial(ctx, cfg, log)
	if err != nil {
		log.Error(ctx, "failed to connect to broker", logging.String("node", cfg.Node.ID), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, mqtt, reporter.SyntheticGenerator{}); err != nil {
		log.Error(ctx, "node exited", logging.Err(err))
		os.Exit(1)
	}
}

// dial connects with the node's presence pair: Will marks it offline if the
// connection drops and Birth marks it online again on every reconnect.
func dial(ctx context.Context, cfg *config.Config, log logging.Logger) (*bus.MQTT, error) {
	mc := cfg.MQTT("node-"+cfg.Node.ID, reporter.Will(cfg.Topics.StatusPrefix, cfg.Node.ID))
	mc.Birth = reporter.Birth(cfg.Topics.StatusPrefix, cfg.Node.ID)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Broker.ConnectTimeout)
	defer cancel()
	return bus.DialMQTT(connectCtx, mc, log)
}

// run publishes samples on b until ctx is cancelled, then closes b.
func run(ctx context.Context, cfg *config.Config, log logging.Logger, b bus.Bus, gen reporter.Generator) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			log.Warn(closeCtx, "closing bus", logging.Err(err))
		}
	}()

	codec, err := cfg.Codec()
	if err != nil {
		return err
	}
	r, err := reporter.New(cfg.Reporter(), b, codec, gen, reporter.WithLogger(log))
	if err != nil {
		return fmt.Errorf("reporter: %w", err)
	}
	return r.Run(ctx)
}
