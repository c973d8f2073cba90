package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/hashicorp/go-hclog"
	"github.com/segmentio/kafka-go"
)

var ErrUnknownKind = errors.New("unknown event publisher kind")

// Sink receives decisions. Implementations may block; the Recorder calls them
// off the frame path.
type Sink interface {
	Record(ctx context.Context, d Decision) error
}

// Publisher is a Sink that owns a connection.
type Publisher interface {
	Sink
	Close() error
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type MQTTConfig struct {
	Broker   string        `mapstructure:"broker"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	QoS      byte          `mapstructure:"qos"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Kind  string      `mapstructure:"kind"`
	Kafka KafkaConfig `mapstructure:"kafka"`
	MQTT  MQTTConfig  `mapstructure:"mqtt"`
}

// NewPublisher builds the publisher named by cfg.Kind: "none", "kafka" or "mqtt".
func NewPublisher(cfg Config, logger hclog.Logger) (Publisher, error) {
	switch cfg.Kind {
	case "", "none":
		return Nop{}, nil
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "" {
			return nil, fmt.Errorf("kafka publisher needs brokers and a topic")
		}
		logger.Info("publishing decisions to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		return NewKafkaPublisher(&kafka.Writer{
			Addr:         kafka.TCP(cfg.Kafka.Brokers...),
			Topic:        cfg.Kafka.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		}), nil
	case "mqtt":
		if cfg.MQTT.Broker == "" || cfg.MQTT.Topic == "" {
			return nil, fmt.Errorf("mqtt publisher needs a broker and a topic")
		}
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.MQTT.Broker).
			SetClientID(cfg.MQTT.ClientID).
			SetAutoReconnect(true).
			SetConnectRetry(true)
		client := mqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(mqttTimeout(cfg.MQTT)) {
			return nil, fmt.Errorf("connecting to mqtt broker %s: timed out", cfg.MQTT.Broker)
		}
		if err := token.Error(); err != nil {
			return nil, fmt.Errorf("connecting to mqtt broker %s: %w", cfg.MQTT.Broker, err)
		}
		logger.Info("publishing decisions to mqtt", "broker", cfg.MQTT.Broker, "topic", cfg.MQTT.Topic)
		return NewMQTTPublisher(client, cfg.MQTT), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

type Nop struct{}

func (Nop) Record(context.Context, Decision) error { return nil }
func (Nop) Close() error                           { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each decision as a JSON message keyed by session id,
// so one device's decisions stay ordered within a partition.
type KafkaPublisher struct {
	w messageWriter
}

func NewKafkaPublisher(w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{w: w}
}

func (p *KafkaPublisher) Record(ctx context.Context, d Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	if err := p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(d.SessionID),
		Value: payload,
		Time:  d.At,
	}); err != nil {
		return fmt.Errorf("writing decision to kafka: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

type MQTTPublisher struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration
}

func NewMQTTPublisher(client mqtt.Client, cfg MQTTConfig) *MQTTPublisher {
	return &MQTTPublisher{
		client:  client,
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		timeout: mqttTimeout(cfg),
	}
}

// Record publishes to <topic>/<session id>.
func (p *MQTTPublisher) Record(ctx context.Context, d Decision) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}

	token := p.client.Publish(p.topic+"/"+d.SessionID, p.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.timeout):
		return fmt.Errorf("publishing decision to mqtt: timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing decision to mqtt: %w", err)
	}
	return nil
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}

func mqttTimeout(cfg MQTTConfig) time.Duration {
	if cfg.Timeout > 0 {
		return cfg.Timeout
	}
	return 5 * time.Second
}
