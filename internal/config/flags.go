package config

import (
	"github.com/spf13/pflag"
)

// BindFlags registers a flag for every setting, defaulting to the current
// value of c. Parsing fs writes straight into c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Broker.Host, "broker-host", c.Broker.Host, "MQTT broker host")
	fs.IntVar(&c.Broker.Port, "broker-port", c.Broker.Port, "MQTT broker port")
	fs.StringVar(&c.Broker.ClientID, "client-id", c.Broker.ClientID, "MQTT client id (default derived from the role)")
	fs.StringVar(&c.Broker.Username, "broker-username", c.Broker.Username, "MQTT username")
	fs.StringVar(&c.Broker.Password, "broker-password", c.Broker.Password, "MQTT password")
	fs.DurationVar(&c.Broker.KeepAlive, "keepalive", c.Broker.KeepAlive, "MQTT keepalive interval")
	fs.DurationVar(&c.Broker.ConnectTimeout, "connect-timeout", c.Broker.ConnectTimeout, "time allowed for the initial broker connection")
	fs.IntVar(&c.Broker.QoS, "qos", c.Broker.QoS, "MQTT QoS for publishes and subscriptions")

	fs.StringVar(&c.Topics.NodePrefix, "node-prefix", c.Topics.NodePrefix, "topic prefix nodes publish samples under")
	fs.StringVar(&c.Topics.StatusPrefix, "status-prefix", c.Topics.StatusPrefix, "topic prefix for retained presence")
	fs.StringVar(&c.Topics.Fused, "fused-topic", c.Topics.Fused, "topic fused positions are published to")
	fs.StringVar(&c.WireFormat, "wire-format", c.WireFormat, "sample payload format: delimited, json or msgpack")

	fs.IntVar(&c.Fusion.Quorum, "quorum", c.Fusion.Quorum, "distinct nodes required to fuse a position")
	fs.IntVar(&c.Fusion.Precision, "precision", c.Fusion.Precision, "decimals kept in fused coordinates")
	fs.StringVar(&c.Fusion.SourceID, "source-id", c.Fusion.SourceID, "fixed id for fused positions (default: first contributing node)")
	fs.DurationVar(&c.Fusion.MaxSampleAge, "max-sample-age", c.Fusion.MaxSampleAge, "evict buffered samples older than this (0 disables)")
	fs.BoolVar(&c.Fusion.KeyByTopic, "key-by-topic", c.Fusion.KeyByTopic, "identify nodes by topic level instead of payload id")
	fs.IntVar(&c.Fusion.Buffer, "buffer", c.Fusion.Buffer, "inbound message buffer size")

	fs.StringVar(&c.Node.ID, "node-id", c.Node.ID, "node id (default: random UUID)")
	fs.DurationVar(&c.Node.Interval, "interval", c.Node.Interval, "sample publish interval")

	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "listen address for /metrics (empty disables)")
	fs.StringVar(&c.HealthAddr, "health-addr", c.HealthAddr, "listen address for the gRPC health service (empty disables)")

	fs.BoolVar(&c.Tracing.Enabled, "tracing", c.Tracing.Enabled, "enable OpenTelemetry tracing")
	fs.StringVar(&c.Tracing.Exporter, "tracing-exporter", c.Tracing.Exporter, "trace exporter: stdout or otlp")
	fs.StringVar(&c.Tracing.Endpoint, "tracing-endpoint", c.Tracing.Endpoint, "OTLP gRPC endpoint")
	fs.Float64Var(&c.Tracing.SampleRatio, "tracing-sample-ratio", c.Tracing.SampleRatio, "fraction of traces sampled")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "log level: debug, info, warn, error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "log format: text or json")
}

// Load builds a validated Config for the program name from args and the
// process environment.
func Load(name string, args []string) (*Config, error) {
	return load(name, args, nil)
}

func load(name string, args []string, lookup func(string) (string, bool)) (*Config, error) {
	// First pass: parse into a throwaway config to learn which flags were
	// set and where the file sources live.
	scratch := DefaultConfig()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	envFile := fs.String("env-file", ".env", "dotenv file to load before reading FUSION_* variables")
	scratch.BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, invalid("flags", "parse", err)
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		if err := cfg.LoadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if lookup == nil {
		if err := LoadDotEnv(*envFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}

	final := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfg.BindFlags(final)
	var setErr error
	fs.Visit(func(f *pflag.Flag) {
		if setErr != nil || final.Lookup(f.Name) == nil {
			return
		}
		if err := final.Set(f.Name, f.Value.String()); err != nil {
			setErr = invalid("--"+f.Name, "invalid value", err)
		}
	})
	if setErr != nil {
		return nil, setErr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
