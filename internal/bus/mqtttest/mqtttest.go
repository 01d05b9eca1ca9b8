// Package mqtttest runs an in-process MQTT broker for tests that exercise the
// paho transport end to end.
package mqtttest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/signalsfoundry/uwb-fusion/internal/bus"
	"github.com/signalsfoundry/uwb-fusion/internal/logging"
)

// Broker is a running embedded broker listening on a loopback port.
type Broker struct {
	Server *mqtt.Server
	Host   string
	Port   int
}

// Start launches a broker that accepts every client. It is closed when the
// test finishes.
func Start(t testing.TB) *Broker {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}

	server := mqtt.New(&mqtt.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("AddHook: %v", err)
	}
	if err := server.AddListener(listeners.NewTCP(listeners.Config{ID: "tcp", Address: addr})); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	go func() { _ = server.Serve() }()
	t.Cleanup(func() { _ = server.Close() })

	return &Broker{Server: server, Host: host, Port: port}
}

// Config returns connection settings for clientID with short reconnect
// intervals and at-least-once delivery.
func (b *Broker) Config(clientID string) bus.MQTTConfig {
	return bus.MQTTConfig{
		Host:                 b.Host,
		Port:                 b.Port,
		ClientID:             clientID,
		KeepAlive:            5 * time.Second,
		ConnectTimeout:       2 * time.Second,
		MaxReconnectInterval: 250 * time.Millisecond,
		QoS:                  1,
	}
}

// Dial connects a bus client and closes it when the test finishes.
func (b *Broker) Dial(t testing.TB, cfg bus.MQTTConfig) *bus.MQTT {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := bus.DialMQTT(ctx, cfg, logging.Noop())
	if err != nil {
		t.Fatalf("DialMQTT(%s): %v", cfg.ClientID, err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Close(closeCtx)
	})
	return m
}

// Kick drops clientID's network connection without a DISCONNECT packet, as a
// network failure would. The broker publishes the client's will.
func (b *Broker) Kick(t testing.TB, clientID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if cl, ok := b.Server.Clients.Get(clientID); ok {
			cl.Stop(errors.New("connection reset"))
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("client %q never connected", clientID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitFor reads msgs until a message on topic carries payload, failing the
// test after timeout. Messages before the match are discarded.
func WaitFor(t testing.TB, msgs <-chan bus.Message, topic, payload string, timeout time.Duration) bus.Message {
	t.Helper()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				t.Fatalf("subscription closed waiting for %q on %s", payload, topic)
			}
			if msg.Topic == topic && string(msg.Payload) == payload {
				return msg
			}
		case <-timer.C:
			t.Fatalf("timed out waiting for %q on %s", payload, topic)
		}
	}
}
