package main

import (
	"context"
	"testing"
	"time"

	"github.com/signalsfoundry/uwb-fusion/core"
	"github.com/signalsfoundry/uwb-fusion/internal/bus"
	"github.com/signalsfoundry/uwb-fusion/internal/bus/mqtttest"
	"github.com/signalsfoundry/uwb-fusion/internal/config"
	"github.com/signalsfoundry/uwb-fusion/internal/logging"
	"github.com/signalsfoundry/uwb-fusion/internal/reporter"
)

func TestNodeRunPublishesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := config.DefaultConfig()
	cfg.Node.ID = "kitchen"
	cfg.Node.Interval = 10 * time.Millisecond
	cfg.WireFormat = "json"

	broker := bus.NewBroker()
	listener := broker.Connect("listener", nil)
	samples, err := listener.Subscribe(ctx, "home/nodes/kitchen", bus.DefaultBuffer)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	gen := reporter.GeneratorFunc(func(time.Time) (reporter.Reading, error) {
		return reporter.Reading{RoundToken: "r1", Position: core.Vec3{X: 1, Y: 2, Z: 3}}, nil
	})
	conn := broker.Connect("node-kitchen", reporter.Will(cfg.Topics.StatusPrefix, cfg.Node.ID))

	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- run(runCtx, cfg, logging.Noop(), conn, gen) }()

	codec, _ := cfg.Codec()
	for i := 0; i < 2; i++ {
		select {
		case msg := <-samples:
			s, err := codec.Decode(msg.Topic, msg.Payload)
			if err != nil {
				t.Fatalf("Decode(%s): %v", msg.Payload, err)
			}
			if s.NodeID != "kitchen" || s.Position != (core.Vec3{X: 1, Y: 2, Z: 3}) {
				t.Fatalf("sample = %+v", s)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for sample %d", i)
		}
	}

	stop()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned %v", err)
	}
	if msg, ok := broker.Retained("home/status/kitchen"); !ok || string(msg.Payload) != "offline" {
		t.Fatalf("retained status = %q, %v; want offline", msg.Payload, ok)
	}
}

func TestNodeRestoresPresenceAfterReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	broker := mqtttest.Start(t)
	cfg := config.DefaultConfig()
	cfg.Broker.Host = broker.Host
	cfg.Broker.Port = broker.Port
	cfg.Broker.MaxReconnectInterval = 250 * time.Millisecond
	cfg.Node.ID = "kitchen"
	cfg.Node.Interval = 50 * time.Millisecond

	observer := broker.Dial(t, broker.Config("observer"))
	statuses, err := observer.Subscribe(ctx, "home/status/kitchen", bus.DefaultBuffer)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	samples, err := observer.Subscribe(ctx, "home/nodes/kitchen", bus.DefaultBuffer)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	conn, err := dial(ctx, cfg, logging.Noop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	gen := reporter.GeneratorFunc(func(time.Time) (reporter.Reading, error) {
		return reporter.Reading{RoundToken: "r1", Position: core.Vec3{X: 1, Y: 2, Z: 3}}, nil
	})
	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- run(runCtx, cfg, logging.Noop(), conn, gen) }()

	mqtttest.WaitFor(t, statuses, "home/status/kitchen", "online", 10*time.Second)

	broker.Kick(t, "node-kitchen")
	mqtttest.WaitFor(t, statuses, "home/status/kitchen", "offline", 10*time.Second)
	mqtttest.WaitFor(t, statuses, "home/status/kitchen", "online", 10*time.Second)

	// Drain samples queued before the reconnect, then require a fresh one.
	for len(samples) > 0 {
		<-samples
	}
	mqtttest.WaitFor(t, samples, "home/nodes/kitchen", "kitchen/r1/1,2,3", 10*time.Second)

	stop()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned %v", err)
	}
	mqtttest.WaitFor(t, statuses, "home/status/kitchen", "offline", 10*time.Second)
}
