package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/codeponics/codeponics-pi/controller/settings"
)

const mqttTimeout = 5 * time.Second

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// MQTT publishes every sample as JSON on one topic.
type MQTT struct {
	client mqttPublisher
	topic  string
}

func NewMQTT(cfg settings.MQTT) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	c := mqtt.NewClient(opts)
	token := c.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &MQTT{client: c, topic: cfg.Topic}, nil
}

func (m *MQTT) Name() string { return "mqtt" }

func (m *MQTT) Publish(_ context.Context, s Sample) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}
	token := m.client.Publish(m.topic, 0, false, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return errors.New("mqtt publish timed out")
	}
	return token.Error()
}

func (m *MQTT) Close() error {
	m.client.Disconnect(250)
	return nil
}
