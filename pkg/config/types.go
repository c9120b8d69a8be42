package config

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete subtransport server configuration.
type Config struct {
	Server    ServerConfig    `json:"server" yaml:"server"`
	WebSocket WebSocketConfig `json:"websocket" yaml:"websocket"`
	Engine    EngineConfig    `json:"engine" yaml:"engine"`
	Log       LogConfig       `json:"log" yaml:"log"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	PubSub    PubSubConfig    `json:"pubsub" yaml:"pubsub"`
	MQTT      MQTTConfig      `json:"mqtt" yaml:"mqtt"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Address is the listen address (default ":4000").
	Address string `json:"address" yaml:"address"`
	// Path is the WebSocket endpoint path (default "/ws").
	Path            string   `json:"path" yaml:"path"`
	ReadTimeout     Duration `json:"readTimeout,omitempty" yaml:"readTimeout,omitempty"`
	WriteTimeout    Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
	ShutdownTimeout Duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`
}

// WebSocketConfig configures the WebSocket transport.
type WebSocketConfig struct {
	MaxMessageSize int64 `json:"maxMessageSize,omitempty" yaml:"maxMessageSize,omitempty"`
	// KeepAlive is the keepalive frame interval. Zero disables keepalives.
	KeepAlive          Duration `json:"keepAlive,omitempty" yaml:"keepAlive,omitempty"`
	WriteTimeout       Duration `json:"writeTimeout,omitempty" yaml:"writeTimeout,omitempty"`
	OriginPatterns     []string `json:"originPatterns,omitempty" yaml:"originPatterns,omitempty"`
	InsecureSkipVerify bool     `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`
}

// EngineConfig configures protocol behavior.
type EngineConfig struct {
	RequireInit        bool `json:"requireInit,omitempty" yaml:"requireInit,omitempty"`
	DeliverStalePushes bool `json:"deliverStalePushes,omitempty" yaml:"deliverStalePushes,omitempty"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// ChannelConfig maps one subscription root field onto a pub/sub channel.
type ChannelConfig struct {
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
	Filter  string `json:"filter,omitempty" yaml:"filter,omitempty"`
}

// PubSubConfig configures the built-in pub/sub backend.
type PubSubConfig struct {
	// SchemaFile is an optional GraphQL SDL file used to validate subscriptions.
	SchemaFile string                   `json:"schemaFile,omitempty" yaml:"schemaFile,omitempty"`
	Channels   map[string]ChannelConfig `json:"channels,omitempty" yaml:"channels,omitempty"`
}

// MQTTConfig configures the optional MQTT bridge. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `json:"broker,omitempty" yaml:"broker,omitempty"`
	TopicPrefix string `json:"topicPrefix,omitempty" yaml:"topicPrefix,omitempty"`
	ClientID    string `json:"clientId,omitempty" yaml:"clientId,omitempty"`
	Username    string `json:"username,omitempty" yaml:"username,omitempty"`
	Password    string `json:"password,omitempty" yaml:"password,omitempty"`
	QoS         byte   `json:"qos,omitempty" yaml:"qos,omitempty"`
}

// Duration is a time.Duration that marshals/unmarshals as a string.
type Duration time.Duration

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// MarshalJSON marshals the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON unmarshals a duration string or an integer number of milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var ms int64
		if err := json.Unmarshal(data, &ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	return d.parse(s)
}

// MarshalYAML marshals the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML unmarshals a duration string or an integer number of milliseconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var ms int64
	if node.Tag == "!!int" {
		if err := node.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}
