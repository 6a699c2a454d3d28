package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	log "github.com/sirupsen/logrus"
)

const qosAtMostOnce byte = 0

var ErrTimeout = errors.New("mqtt operation timed out")

// MQTTConfig holds the broker settings.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Prefix   string
	Timeout  time.Duration
}

// MQTT carries signals as JSON on the topics <prefix>/<signal>.
type MQTT struct {
	client  mqtt.Client
	prefix  string
	timeout time.Duration

	mu   sync.Mutex
	subs map[string]Handler
}

// NewMQTT connects to the broker. Subscriptions are restored after every
// reconnection.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	b := &MQTT{
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout,
		subs:    make(map[string]Handler),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.Timeout).
		SetOnConnectHandler(b.resubscribe).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.WithError(err).WithField("broker", cfg.Broker).Warn("mqtt connection lost")
		})
	b.client = mqtt.NewClient(opts)

	if err := b.wait(b.client.Connect()); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	log.WithField("broker", cfg.Broker).Info("connected to mqtt broker")
	return b, nil
}

// Topic returns the topic a signal travels on.
func (b *MQTT) Topic(signal string) string {
	if b.prefix == "" {
		return signal
	}
	return b.prefix + "/" + signal
}

func (b *MQTT) wait(token mqtt.Token) error {
	if !token.WaitTimeout(b.timeout) {
		return ErrTimeout
	}
	return token.Error()
}

func (b *MQTT) Publish(ctx context.Context, signal string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", signal, err)
	}
	token := b.client.Publish(b.Topic(signal), qosAtMostOnce, false, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MQTT) Subscribe(signal string, h Handler) error {
	b.mu.Lock()
	b.subs[signal] = h
	b.mu.Unlock()
	return b.subscribe(signal, h)
}

func (b *MQTT) subscribe(signal string, h Handler) error {
	topic := b.Topic(signal)
	err := b.wait(b.client.Subscribe(topic, qosAtMostOnce, func(_ mqtt.Client, msg mqtt.Message) {
		h(context.Background(), msg.Payload())
	}))
	if err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (b *MQTT) resubscribe(_ mqtt.Client) {
	b.mu.Lock()
	subs := make(map[string]Handler, len(b.subs))
	for k, v := range b.subs {
		subs[k] = v
	}
	b.mu.Unlock()

	for signal, h := range subs {
		// runs on the paho router goroutine; tokens must not be waited on here
		topic := b.Topic(signal)
		b.client.Subscribe(topic, qosAtMostOnce, func(_ mqtt.Client, msg mqtt.Message) {
			h(context.Background(), msg.Payload())
		})
	}
}

func (b *MQTT) Close() {
	b.client.Disconnect(250)
}
