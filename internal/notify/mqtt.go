package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/miradorstack/stressloop/internal/models"
	"github.com/miradorstack/stressloop/internal/utils"
)

// MQTTConfig configures the broker connection and topic layout.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	TopicPrefix    string
	ConnectTimeout time.Duration
}

// MQTTPublisher is the subset of mqtt.Client used by the sink.
type MQTTPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes updates as JSON to {prefix}/{participant}/{topic}.
type MQTTSink struct {
	client MQTTPublisher
	prefix string
	qos    byte
}

// NewMQTTSink wraps an already connected client.
func NewMQTTSink(client MQTTPublisher, prefix string, qos byte) *MQTTSink {
	if qos > 2 {
		qos = 1
	}
	return &MQTTSink{client: client, prefix: strings.Trim(prefix, "/"), qos: qos}
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Topic returns the broker topic for an update.
func (s *MQTTSink) Topic(participantID, topic string) string {
	if s.prefix == "" {
		return participantID + "/" + topic
	}
	return s.prefix + "/" + participantID + "/" + topic
}

// Deliver implements Sink.
func (s *MQTTSink) Deliver(ctx context.Context, update models.Update) error {
	body, err := json.Marshal(update)
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	token := s.client.Publish(s.Topic(update.ParticipantID, update.Topic), s.qos, false, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

// ConnectMQTT dials the broker with auto-reconnect enabled.
func ConnectMQTT(cfg MQTTConfig, logger *slog.Logger) (mqtt.Client, error) {
	logger = utils.OrDefault(logger)
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("stressloop-%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("mqtt connected", slog.String("broker", cfg.Broker))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", slog.Any("error", err))
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s: timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}
	return client, nil
}
