package config

import (
	"errors"
	"fmt"
	"strings"
)

// validLogLevels are the accepted log.level values.
var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// validLogFormats are the accepted log.format values.
var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// ValidationError describes one invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Server.Address == "" {
		add("server.address", "address is required")
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		add("server.path", "path must start with '/': %q", c.Server.Path)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		add("server", "timeouts must not be negative")
	}

	if c.WebSocket.MaxMessageSize < 0 {
		add("websocket.maxMessageSize", "must not be negative")
	}
	if c.WebSocket.KeepAlive < 0 {
		add("websocket.keepAlive", "must not be negative")
	}

	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("log.level", "unknown level %q", c.Log.Level)
	}
	if !validLogFormats[strings.ToLower(c.Log.Format)] {
		add("log.format", "unknown format %q", c.Log.Format)
	}

	if c.Metrics.Enabled {
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			add("metrics.path", "path must start with '/': %q", c.Metrics.Path)
		} else if c.Metrics.Path == c.Server.Path {
			add("metrics.path", "must differ from server.path")
		}
	}

	if c.MQTT.Broker != "" {
		if c.MQTT.QoS > 2 {
			add("mqtt.qos", "must be 0, 1 or 2")
		}
		if c.MQTT.TopicPrefix == "" {
			add("mqtt.topicPrefix", "topic prefix is required when a broker is set")
		}
		if strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
			add("mqtt.topicPrefix", "must not contain wildcards")
		}
	}

	return errors.Join(errs...)
}
