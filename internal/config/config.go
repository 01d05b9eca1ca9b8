// Package config loads settings for the coordinator and node binaries.
//
// Sources are layered, later ones winning:
//
//  1. DefaultConfig
//  2. a YAML file (--config)
//  3. a .env file (--env-file, default ".env" if present) and FUSION_* variables
//  4. command-line flags that were set explicitly
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/uwb-fusion/internal/aggregator"
	"github.com/signalsfoundry/uwb-fusion/internal/bus"
	"github.com/signalsfoundry/uwb-fusion/internal/fusion"
	"github.com/signalsfoundry/uwb-fusion/internal/logging"
	"github.com/signalsfoundry/uwb-fusion/internal/observability"
	"github.com/signalsfoundry/uwb-fusion/internal/reporter"
	"github.com/signalsfoundry/uwb-fusion/internal/wire"
)

// ErrConfig classifies every configuration failure.
var ErrConfig = errors.New("config error")

// ConfigError reports an invalid or unreadable setting.
type ConfigError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := "config"
	if e.Field != "" {
		msg += " " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrConfig}
	}
	return []error{ErrConfig, e.Err}
}

func invalid(field, reason string, err error) error {
	return &ConfigError{Field: field, Reason: reason, Err: err}
}

// BrokerConfig describes the MQTT broker connection.
type BrokerConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	ClientID             string        `yaml:"client_id"`
	Username             string        `yaml:"username"`
	Password             string        `yaml:"password"`
	KeepAlive            time.Duration `yaml:"keepalive"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	QoS                  int           `yaml:"qos"`
}

// TopicsConfig names the bus topics. Node and status topics are
// "<prefix>/<node id>".
type TopicsConfig struct {
	NodePrefix   string `yaml:"node_prefix"`
	StatusPrefix string `yaml:"status_prefix"`
	Fused        string `yaml:"fused"`
}

// FusionConfig tunes the round aggregator.
type FusionConfig struct {
	Quorum       int           `yaml:"quorum"`
	Precision    int           `yaml:"precision"`
	SourceID     string        `yaml:"source_id"`
	MaxSampleAge time.Duration `yaml:"max_sample_age"`
	KeyByTopic   bool          `yaml:"key_by_topic"`
	Buffer       int           `yaml:"buffer"`
}

// NodeConfig describes the node reporter.
type NodeConfig struct {
	ID       string        `yaml:"id"`
	Interval time.Duration `yaml:"interval"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full settings tree.
type Config struct {
	Broker      BrokerConfig                `yaml:"broker"`
	Topics      TopicsConfig                `yaml:"topics"`
	WireFormat  string                      `yaml:"wire_format"`
	Fusion      FusionConfig                `yaml:"fusion"`
	Node        NodeConfig                  `yaml:"node"`
	MetricsAddr string                      `yaml:"metrics_addr"`
	HealthAddr  string                      `yaml:"health_addr"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
	Log         LogConfig                   `yaml:"log"`
}

// DefaultConfig matches the original deployment: a local broker, the home/*
// topic tree and a quorum of three.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:                 "localhost",
			Port:                 1883,
			KeepAlive:            60 * time.Second,
			ConnectTimeout:       10 * time.Second,
			MaxReconnectInterval: time.Minute,
			QoS:                  1,
		},
		Topics: TopicsConfig{
			NodePrefix:   reporter.DefaultNodePrefix,
			StatusPrefix: reporter.DefaultStatusPrefix,
			Fused:        "home/position",
		},
		WireFormat: string(wire.FormatDelimited),
		Fusion: FusionConfig{
			Quorum:    aggregator.DefaultQuorum,
			Precision: fusion.DefaultPrecision,
			Buffer:    bus.DefaultBuffer,
		},
		Node: NodeConfig{
			Interval: reporter.DefaultInterval,
		},
		MetricsAddr: ":9090",
		HealthAddr:  ":9091",
		Tracing:     observability.DefaultTracingConfig("uwb-fusion"),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFile merges the YAML file at path into c. Unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return invalid("file", fmt.Sprintf("read %s", path), err)
	}
	return c.loadYAML(data, path)
}

func (c *Config) loadYAML(data []byte, name string) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return invalid("file", fmt.Sprintf("parse %s", name), err)
	}
	return nil
}

// Validate checks every setting both binaries depend on.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return invalid("broker.host", "is required", nil)
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return invalid("broker.port", fmt.Sprintf("%d is out of range", c.Broker.Port), nil)
	}
	if c.Broker.QoS < 0 || c.Broker.QoS > 2 {
		return invalid("broker.qos", fmt.Sprintf("%d is not 0, 1 or 2", c.Broker.QoS), nil)
	}
	if c.Broker.KeepAlive < 0 || c.Broker.ConnectTimeout < 0 || c.Broker.MaxReconnectInterval < 0 {
		return invalid("broker", "durations must not be negative", nil)
	}

	if err := bus.ValidateTopic(c.Topics.NodePrefix); err != nil {
		return invalid("topics.node_prefix", "invalid prefix", err)
	}
	if err := bus.ValidateTopic(c.Topics.StatusPrefix); err != nil {
		return invalid("topics.status_prefix", "invalid prefix", err)
	}
	if err := bus.ValidateTopic(c.Topics.Fused); err != nil {
		return invalid("topics.fused", "invalid topic", err)
	}
	if bus.Match(bus.Wildcard(c.Topics.NodePrefix), c.Topics.Fused) {
		return invalid("topics.fused", "overlaps the node subscription", nil)
	}

	if _, err := wire.ParseFormat(c.WireFormat); err != nil {
		return invalid("wire_format", "unsupported", err)
	}

	if c.Fusion.Quorum < 1 {
		return invalid("fusion.quorum", fmt.Sprintf("must be at least 1, got %d", c.Fusion.Quorum), nil)
	}
	if c.Fusion.Precision < 0 || c.Fusion.Precision > 12 {
		return invalid("fusion.precision", fmt.Sprintf("%d is out of range 0-12", c.Fusion.Precision), nil)
	}
	if c.Fusion.MaxSampleAge < 0 {
		return invalid("fusion.max_sample_age", "must not be negative", nil)
	}
	if c.Fusion.Buffer < 1 {
		return invalid("fusion.buffer", "must be at least 1", nil)
	}

	if c.Node.Interval <= 0 {
		return invalid("node.interval", "must be positive", nil)
	}
	if c.Node.ID != "" {
		if err := bus.ValidateTopic(bus.Join(c.Topics.NodePrefix, c.Node.ID)); err != nil {
			return invalid("node.id", "cannot be used as a topic level", err)
		}
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout":
		case "otlp":
			if c.Tracing.Endpoint == "" {
				return invalid("tracing.endpoint", "is required for the otlp exporter", nil)
			}
		default:
			return invalid("tracing.exporter", fmt.Sprintf("unknown exporter %q", c.Tracing.Exporter), nil)
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			return invalid("tracing.sample_ratio", "must be within [0, 1]", nil)
		}
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return invalid("log.format", fmt.Sprintf("unknown format %q", c.Log.Format), nil)
	}
	return nil
}

// MQTT returns the broker settings for a connection identified by clientID.
// An empty clientID falls back to broker.client_id.
func (c *Config) MQTT(clientID string, will *bus.Will) bus.MQTTConfig {
	if c.Broker.ClientID != "" {
		clientID = c.Broker.ClientID
	}
	return bus.MQTTConfig{
		Host:                 c.Broker.Host,
		Port:                 c.Broker.Port,
		ClientID:             clientID,
		Username:             c.Broker.Username,
		Password:             c.Broker.Password,
		KeepAlive:            c.Broker.KeepAlive,
		ConnectTimeout:       c.Broker.ConnectTimeout,
		MaxReconnectInterval: c.Broker.MaxReconnectInterval,
		QoS:                  byte(c.Broker.QoS),
		Will:                 will,
	}
}

// Aggregator returns the aggregator settings.
func (c *Config) Aggregator() aggregator.Config {
	return aggregator.Config{
		Quorum:       c.Fusion.Quorum,
		FusedTopic:   c.Topics.Fused,
		MaxSampleAge: c.Fusion.MaxSampleAge,
		KeyByTopic:   c.Fusion.KeyByTopic,
	}
}

// Fuser returns the centroid fuser configured by fusion.precision and
// fusion.source_id.
func (c *Config) Fuser() *fusion.Centroid {
	return &fusion.Centroid{Precision: c.Fusion.Precision, SourceID: c.Fusion.SourceID}
}

// Reporter returns the node reporter settings.
func (c *Config) Reporter() reporter.Config {
	return reporter.Config{
		NodeID:       c.Node.ID,
		NodePrefix:   c.Topics.NodePrefix,
		StatusPrefix: c.Topics.StatusPrefix,
		Interval:     c.Node.Interval,
	}
}

// Codec returns the wire codec for wire_format. Validate must have passed.
func (c *Config) Codec() (wire.Codec, error) {
	format, err := wire.ParseFormat(c.WireFormat)
	if err != nil {
		return wire.Codec{}, invalid("wire_format", "unsupported", err)
	}
	return wire.NewCodec(format)
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{Level: c.Log.Level, Format: c.Log.Format}
}
