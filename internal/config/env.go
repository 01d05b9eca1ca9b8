package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment variable the binaries read.
const EnvPrefix = "FUSION_"

// LoadDotEnv exports the variables in path into the process environment
// without overriding ones already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return invalid("env_file", "load "+path, err)
	}
	return nil
}

// ApplyEnv overlays FUSION_* variables found through lookup. A nil lookup
// reads the process environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, b := range c.envBindings() {
		raw, ok := lookup(EnvPrefix + b.key)
		if !ok {
			continue
		}
		if err := b.set(raw); err != nil {
			return invalid(EnvPrefix+b.key, "invalid value "+strconv.Quote(raw), err)
		}
	}
	return nil
}

type envBinding struct {
	key string
	set func(string) error
}

func (c *Config) envBindings() []envBinding {
	return []envBinding{
		{"BROKER_HOST", setString(&c.Broker.Host)},
		{"BROKER_PORT", setInt(&c.Broker.Port)},
		{"BROKER_CLIENT_ID", setString(&c.Broker.ClientID)},
		{"BROKER_USERNAME", setString(&c.Broker.Username)},
		{"BROKER_PASSWORD", setString(&c.Broker.Password)},
		{"BROKER_KEEPALIVE", setDuration(&c.Broker.KeepAlive)},
		{"BROKER_CONNECT_TIMEOUT", setDuration(&c.Broker.ConnectTimeout)},
		{"BROKER_QOS", setInt(&c.Broker.QoS)},
		{"TOPIC_NODE_PREFIX", setString(&c.Topics.NodePrefix)},
		{"TOPIC_STATUS_PREFIX", setString(&c.Topics.StatusPrefix)},
		{"TOPIC_FUSED", setString(&c.Topics.Fused)},
		{"WIRE_FORMAT", setString(&c.WireFormat)},
		{"QUORUM", setInt(&c.Fusion.Quorum)},
		{"PRECISION", setInt(&c.Fusion.Precision)},
		{"SOURCE_ID", setString(&c.Fusion.SourceID)},
		{"MAX_SAMPLE_AGE", setDuration(&c.Fusion.MaxSampleAge)},
		{"KEY_BY_TOPIC", setBool(&c.Fusion.KeyByTopic)},
		{"BUFFER", setInt(&c.Fusion.Buffer)},
		{"NODE_ID", setString(&c.Node.ID)},
		{"NODE_INTERVAL", setDuration(&c.Node.Interval)},
		{"METRICS_ADDR", setString(&c.MetricsAddr)},
		{"HEALTH_ADDR", setString(&c.HealthAddr)},
		{"TRACING_ENABLED", setBool(&c.Tracing.Enabled)},
		{"TRACING_SERVICE_NAME", setString(&c.Tracing.ServiceName)},
		{"TRACING_EXPORTER", setString(&c.Tracing.Exporter)},
		{"TRACING_ENDPOINT", setString(&c.Tracing.Endpoint)},
		{"TRACING_SAMPLE_RATIO", setFloat(&c.Tracing.SampleRatio)},
		{"LOG_LEVEL", setString(&c.Log.Level)},
		{"LOG_FORMAT", setString(&c.Log.Format)},
	}
}

func setString(dst *string) func(string) error {
	return func(s string) error { *dst = s; return nil }
}

func setInt(dst *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func setFloat(dst *float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}

func setDuration(dst *time.Duration) func(string) error {
	return func(s string) error {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}
}
