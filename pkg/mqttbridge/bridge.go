// Package mqttbridge republishes MQTT messages into the in-process pubsub so
// that devices and other services can drive GraphQL subscriptions.
//
// A message on <prefix>/<channel> is published to <channel>. Payloads that
// parse as JSON are decoded; anything else is delivered as a string.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/getmockd/subtransport/pkg/logging"
	"github.com/getmockd/subtransport/pkg/pubsub"
)

// ErrAlreadyStarted is returned by Start on a running bridge.
var ErrAlreadyStarted = errors.New("bridge is already running")

// Config configures a Bridge.
type Config struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	QoS         byte

	// ConnectTimeout bounds the connect and subscribe round trips (default: 5s).
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

// Bridge forwards MQTT messages to a PubSub.
type Bridge struct {
	ps     *pubsub.PubSub
	cfg    Config
	log    *slog.Logger
	mu     sync.Mutex
	client mqtt.Client

	subscribed atomic.Bool
	received   atomic.Int64
	delivered  atomic.Int64
}

// New creates a Bridge. Nothing connects until Start.
func New(ps *pubsub.PubSub, cfg Config) *Bridge {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")
	return &Bridge{
		ps:  ps,
		cfg: cfg,
		log: logging.Component(cfg.Logger, "mqttbridge"),
	}
}

// Topic returns the wildcard filter the bridge subscribes to.
func (b *Bridge) Topic() string {
	if b.cfg.TopicPrefix == "" {
		return "#"
	}
	return b.cfg.TopicPrefix + "/#"
}

// Start connects to the broker and subscribes to the bridge topic.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client != nil {
		return ErrAlreadyStarted
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	opts.SetConnectTimeout(b.cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		// resubscribe after automatic reconnects; the first subscribe is
		// done below so Start can report its error
		if b.subscribed.Load() {
			c.Subscribe(b.Topic(), b.cfg.QoS, b.handle)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warn("connection lost", "broker", b.cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	if err := b.wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("connect to %s: %w", b.cfg.Broker, err)
	}
	if err := b.wait(ctx, client.Subscribe(b.Topic(), b.cfg.QoS, b.handle)); err != nil {
		client.Disconnect(250)
		return fmt.Errorf("subscribe to %s: %w", b.Topic(), err)
	}

	b.client = client
	b.subscribed.Store(true)
	b.log.Info("bridge started", "broker", b.cfg.Broker, "topic", b.Topic())
	return nil
}

func (b *Bridge) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(b.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", b.cfg.ConnectTimeout)
	}
}

// Stop unsubscribes and disconnects. It is safe to call on a stopped bridge.
func (b *Bridge) Stop() {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.subscribed.Store(false)
	b.mu.Unlock()

	if client == nil {
		return
	}
	client.Unsubscribe(b.Topic()).WaitTimeout(time.Second)
	client.Disconnect(250)
	b.log.Info("bridge stopped")
}

// Received returns the number of MQTT messages seen.
func (b *Bridge) Received() int64 {
	return b.received.Load()
}

// Delivered returns the number of pubsub listeners reached.
func (b *Bridge) Delivered() int64 {
	return b.delivered.Load()
}

func (b *Bridge) handle(_ mqtt.Client, msg mqtt.Message) {
	b.received.Add(1)

	channel, ok := ChannelForTopic(b.cfg.TopicPrefix, msg.Topic())
	if !ok {
		b.log.Debug("ignoring topic", "topic", msg.Topic())
		return
	}

	n := b.ps.Publish(channel, DecodePayload(msg.Payload()))
	b.delivered.Add(int64(n))
	b.log.Debug("message bridged", "topic", msg.Topic(), "channel", channel, "listeners", n)
}

// ChannelForTopic maps an MQTT topic to a pubsub channel by stripping the
// prefix. It reports false for topics outside the prefix or with nothing
// after it.
func ChannelForTopic(prefix, topic string) (string, bool) {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		rest, ok := strings.CutPrefix(topic, prefix+"/")
		if !ok {
			return "", false
		}
		topic = rest
	}
	if topic == "" {
		return "", false
	}
	return topic, true
}

// DecodePayload returns the JSON value of payload, or payload as a string
// when it is not valid JSON.
func DecodePayload(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return string(payload)
	}
	return v
}
