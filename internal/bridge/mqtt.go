package bridge

import (
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"rtcore/pkg/logx"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker         string        `json:"broker"`
	ClientID       string        `json:"client_id"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	QoS            byte          `json:"qos"`
	TopicPrefix    string        `json:"topic_prefix"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	PublishTimeout time.Duration `json:"publish_timeout"`
}

// MQTTSink publishes bridge payloads to an MQTT broker.
type MQTTSink struct {
	cli mqtt.Client
	cfg MQTTConfig
	log logx.Logger
}

func NewMQTTSink(cfg MQTTConfig, log logx.Logger) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("bridge: empty mqtt broker")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "rtcore-bridge"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(30 * time.Second).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("mqtt connection lost", logx.Err(err))
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("mqtt connected", logx.String("broker", cfg.Broker))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	cli := mqtt.NewClient(opts)
	tok := cli.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		cli.Disconnect(0)
		return nil, fmt.Errorf("bridge: mqtt connect timeout after %s", cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		cli.Disconnect(0)
		return nil, fmt.Errorf("bridge: mqtt connect: %w", err)
	}
	return &MQTTSink{cli: cli, cfg: cfg, log: log}, nil
}

func (s *MQTTSink) Publish(topic string, payload []byte) error {
	if s.cfg.TopicPrefix != "" {
		topic = s.cfg.TopicPrefix + "/" + topic
	}
	tok := s.cli.Publish(topic, s.cfg.QoS, false, payload)
	if !tok.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("bridge: mqtt publish timeout on %s", topic)
	}
	return tok.Error()
}

func (s *MQTTSink) Close() {
	s.cli.Disconnect(250)
}
