package main

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/uwb-fusion/core"
	"github.com/signalsfoundry/uwb-fusion/internal/bus"
	"github.com/signalsfoundry/uwb-fusion/internal/bus/mqtttest"
	"github.com/signalsfoundry/uwb-fusion/internal/config"
	"github.com/signalsfoundry/uwb-fusion/internal/logging"
	"github.com/signalsfoundry/uwb-fusion/internal/observability"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()
	return addr
}

func TestCoordinatorStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := config.DefaultConfig()
	cfg.MetricsAddr = ""
	cfg.HealthAddr = freeAddr(t)

	broker := bus.NewBroker()
	coordinator := broker.Connect("coordinator", nil)
	node := broker.Connect("node", nil)
	listener := broker.Connect("listener", nil)

	fused, err := listener.Subscribe(ctx, cfg.Topics.Fused, bus.DefaultBuffer)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	reg := prometheus.NewRegistry()
	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() {
		errCh <- run(runCtx, cfg, logging.New(logging.Config{Level: "warn"}), coordinator, reg)
	}()

	// Wait until both subscriptions are live before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for broker.Subscribers() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("coordinator never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn, err := grpc.NewClient(cfg.HealthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: healthService}, grpc.WaitForReady(true))
	if err != nil {
		t.Fatalf("health Check: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", resp.GetStatus())
	}

	if err := node.Publish(ctx, "home/status/A", []byte("online"), true); err != nil {
		t.Fatalf("Publish status: %v", err)
	}
	for _, payload := range []string{"A/t1/1,1,1", "B/t1/2,2,2", "C/t1/3,3,3"} {
		if err := node.Publish(ctx, "home/nodes/"+payload[:1], []byte(payload), false); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	select {
	case msg := <-fused:
		codec, _ := cfg.Codec()
		f, err := codec.DecodeFused(msg.Topic, msg.Payload)
		if err != nil {
			t.Fatalf("DecodeFused: %v", err)
		}
		if f.Position != (core.Vec3{X: 2, Y: 2, Z: 2}) {
			t.Fatalf("fused position = %+v, want (2,2,2)", f.Position)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for fused position")
	}

	// NewFusionCollector hands back the collectors run registered.
	collector, err := observability.NewFusionCollector(reg)
	if err != nil {
		t.Fatalf("NewFusionCollector: %v", err)
	}
	if got := testutil.ToFloat64(collector.Rounds.WithLabelValues(observability.ResultFused)); got != 1 {
		t.Fatalf("fused rounds = %v, want 1", got)
	}
	deadline = time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(collector.NodesOnline) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("nodes online never reached 1")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestRunReleasesMetricsPortOnStartupFailure(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.MetricsAddr = freeAddr(t)
	cfg.HealthAddr = ""

	// A closed connection passes wiring but fails to subscribe.
	conn := bus.NewBroker().Connect("coordinator", nil)
	_ = conn.Close(context.Background())
	err := run(context.Background(), cfg, logging.Noop(), conn, prometheus.NewRegistry())
	if err == nil {
		t.Fatalf("expected run to fail on a closed connection")
	}

	lis, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		t.Fatalf("metrics address still in use after failed startup: %v", err)
	}
	_ = lis.Close()
}

func TestCoordinatorKeepsUpWithBurstOverMQTT(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	broker := mqtttest.Start(t)
	cfg := config.DefaultConfig()
	cfg.MetricsAddr = ""
	cfg.HealthAddr = ""
	cfg.Fusion.Buffer = 4

	reg := prometheus.NewRegistry()
	coordinator := broker.Dial(t, broker.Config("coordinator"))
	runCtx, stop := context.WithCancel(ctx)
	errCh := make(chan error, 1)
	go func() { errCh <- run(runCtx, cfg, logging.Noop(), coordinator, reg) }()

	collector, err := observability.NewFusionCollector(reg)
	if err != nil {
		t.Fatalf("NewFusionCollector: %v", err)
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", broker.Host, broker.Port)).
		SetClientID("burst")
	client := paho.NewClient(opts)
	if tok := client.Connect(); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		t.Fatalf("connect burst client: %v", tok.Error())
	}
	defer client.Disconnect(0)

	// The presence subscription is made after the sample subscription, so
	// once presence is tracked the coordinator is listening for samples.
	client.Publish("home/status/A", 1, true, "online").Wait()
	deadline := time.Now().Add(10 * time.Second)
	for testutil.ToFloat64(collector.NodesOnline) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("coordinator never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	const rounds = 200
	tokens := make([]paho.Token, 0, rounds*3)
	for r := 0; r < rounds; r++ {
		for _, node := range []string{"A", "B", "C"} {
			payload := fmt.Sprintf("%s/r%d/1,2,3", node, r)
			tokens = append(tokens, client.Publish("home/nodes/"+node, 1, false, payload))
		}
	}
	for i, tok := range tokens {
		if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
			t.Fatalf("burst publish %d: %v", i, tok.Error())
		}
	}

	deadline = time.Now().Add(15 * time.Second)
	for testutil.ToFloat64(collector.Rounds.WithLabelValues(observability.ResultFused)) < rounds {
		if time.Now().After(deadline) {
			t.Fatalf("fused %v of %d rounds; aggregation stalled",
				testutil.ToFloat64(collector.Rounds.WithLabelValues(observability.ResultFused)), rounds)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if got := testutil.ToFloat64(collector.PublishErrors); got != 0 {
		t.Fatalf("publish errors = %v, want 0", got)
	}

	stop()
	if err := <-errCh; err != nil {
		t.Fatalf("run returned %v", err)
	}
}
