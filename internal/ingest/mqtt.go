package ingest

import (
	"bytes"
	"fmt"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTConfig identifies the broker and topic envelopes are published on.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	Username string
	Password string
	QoS      byte
}

// MQTTSource feeds envelopes received on an MQTT topic into a pool. Each
// payload is one unit of work: a single envelope or an NDJSON batch.
type MQTTSource struct {
	client mqtt.Client
	cfg    MQTTConfig
	logger zerolog.Logger
}

// NewMQTTSource connects to the broker.
func NewMQTTSource(cfg MQTTConfig, logger zerolog.Logger) (*MQTTSource, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, token.Error())
	}
	return &MQTTSource{client: client, cfg: cfg, logger: logger}, nil
}

// Subscribe starts delivering payloads to the pool.
func (s *MQTTSource) Subscribe(pool *Pool) error {
	handler := PayloadHandler(pool, s.logger)
	token := s.client.Subscribe(s.cfg.Topic, s.cfg.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			s.logger.Error().Err(err).Str("topic", msg.Topic()).Msg("dropping MQTT payload")
		}
	})
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe to topic %s: %w", s.cfg.Topic, token.Error())
	}
	s.logger.Info().Str("topic", s.cfg.Topic).Msg("subscribed")
	return nil
}

// Close unsubscribes and disconnects.
func (s *MQTTSource) Close() {
	if token := s.client.Unsubscribe(s.cfg.Topic); token.Wait() && token.Error() != nil {
		s.logger.Warn().Err(token.Error()).Msg("unsubscribe failed")
	}
	s.client.Disconnect(250)
}

// PayloadHandler decodes a payload and submits it as one unit of work.
func PayloadHandler(pool *Pool, logger zerolog.Logger) func(topic string, payload []byte) error {
	return func(topic string, payload []byte) error {
		msgs, err := DecodeNDJSON(bytes.NewReader(payload))
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			return nil
		}
		if !pool.Submit(msgs) {
			return fmt.Errorf("pool closed, %d messages from %s not queued", len(msgs), topic)
		}
		logger.Debug().Str("topic", topic).Int("messages", len(msgs)).Msg("payload queued")
		return nil
	}
}
