package events

import (
	"context"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTPublisher publishes events on <topic>/<executor> at QoS 1.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
}

// DialMQTT connects to broker, e.g. tcp://127.0.0.1:1883.
func DialMQTT(ctx context.Context, broker, clientID, topic string, logger zerolog.Logger) (*MQTTPublisher, error) {
	if topic == "" {
		topic = "execd/events"
	}
	if clientID == "" {
		clientID = "execd"
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn().Err(err).Msg("lost MQTT connection")
		})
	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, err
	}
	return &MQTTPublisher{client: client, topic: topic}, nil
}

func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *MQTTPublisher) Topic(executor string) string { return p.topic + "/" + executor }

func (p *MQTTPublisher) Publish(ctx context.Context, ev Event) error {
	if !p.client.IsConnectionOpen() {
		return errors.New("mqtt connection is not open")
	}
	data, err := Marshal(ev)
	if err != nil {
		return err
	}
	return wait(ctx, p.client.Publish(p.Topic(ev.Executor), 1, false, data))
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
