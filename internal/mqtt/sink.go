// Package mqtt publishes mower events to an MQTT broker.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/micro-ha/indego-sync/internal/publish"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 60 * time.Second
	disconnectQuiesce     = 250 // milliseconds
)

var (
	ErrConnectionFailed = errors.New("mqtt: connection failed")
	ErrNotConnected     = errors.New("mqtt: not connected")
)

type Config struct {
	// Broker is a URL such as tcp://core-mosquitto:1883.
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Sink is a publish.Sink backed by a paho client.
type Sink struct {
	client pahomqtt.Client
	topics Topics
	qos    byte
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(2 * time.Minute)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	return opts
}

// Connect dials the broker and announces the bridge as online. The broker
// publishes offline on the bridge status topic if the process dies.
func Connect(cfg Config, logger *slog.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("%w: broker is empty", ErrConnectionFailed)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "indego-sync"
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	s := &Sink{topics: Topics{Prefix: cfg.TopicPrefix}, qos: cfg.QoS, logger: logger}

	opts := buildClientOptions(cfg)
	opts.SetWill(s.topics.BridgeStatus(), "offline", 1, true)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		s.setConnected(true)
		c.Publish(s.topics.BridgeStatus(), 1, true, "online")
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		s.setConnected(false)
		logger.Warn("mqtt connection lost", "err", err)
	})

	s.client = pahomqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	s.setConnected(true)
	return s, nil
}

func (s *Sink) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

func (s *Sink) IsConnected() bool {
	if s == nil || s.client == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

func (s *Sink) Publish(ctx context.Context, ev publish.Event) error {
	msg, ok, err := buildMessage(s.topics, ev)
	if err != nil || !ok {
		return err
	}
	if !s.IsConnected() {
		return ErrNotConnected
	}
	token := s.client.Publish(msg.topic, s.qos, msg.retained, msg.payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish %s: %w", msg.topic, ctx.Err())
	}
}

// Close announces the bridge as offline and disconnects.
func (s *Sink) Close() {
	if s == nil || s.client == nil {
		return
	}
	if s.IsConnected() {
		token := s.client.Publish(s.topics.BridgeStatus(), 1, true, "offline")
		token.WaitTimeout(time.Second)
	}
	s.client.Disconnect(disconnectQuiesce)
	s.setConnected(false)
}
