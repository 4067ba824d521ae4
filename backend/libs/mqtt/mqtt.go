package mqtt

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"go.uber.org/zap"
)

// MessageHandler is the callback invoked for messages matching a subscription.
type MessageHandler func(ctx context.Context, topic string, payload []byte)

// Client abstracts the paho MQTT v5 client behind the subset of operations the
// backend needs: publish, wildcard subscribe and lifecycle management.
type Client interface {
	// Start initiates the connection. Non-blocking; use AwaitConnection.
	Start(ctx context.Context) error

	// Disconnect cleanly closes the connection.
	Disconnect(ctx context.Context)

	// Publish sends a payload to the given topic.
	Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error

	// Subscribe registers a handler for a topic filter. Subscriptions are
	// replayed automatically after a reconnect.
	Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error

	// Unsubscribe removes the handler and sends an UNSUBSCRIBE packet.
	Unsubscribe(ctx context.Context, topic string) error

	// AwaitConnection blocks until the broker connection is up.
	AwaitConnection(ctx context.Context) error
}

// Config holds broker connection settings.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// KeepAlive in seconds. Default 60.
	KeepAlive uint16

	// ConnectTimeout for the initial connection. Default 5s.
	ConnectTimeout time.Duration

	CleanStart bool
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.BrokerURL) == "" {
		return errors.New("mqtt: broker url is required")
	}
	if _, err := url.Parse(c.BrokerURL); err != nil {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
}

type subscriptionEntry struct {
	topic   string
	qos     int
	handler MessageHandler
}

type pahoClient struct {
	cfg    Config
	logger *zap.Logger
	cm     *autopaho.ConnectionManager

	// subscriptions maps topic filter -> subscriptionEntry.
	subscriptions sync.Map
}

// NewClient builds an MQTT client from config. The connection is not opened
// until Start is called.
func NewClient(cfg Config, logger *zap.Logger) (Client, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &pahoClient{cfg: cfg, logger: logger}, nil
}

func (c *pahoClient) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return err
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: c.cfg.CleanStart,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                c.cfg.ConnectTimeout,
		ConnectUsername:               c.cfg.Username,
		ConnectPassword:               []byte(c.cfg.Password),
		OnConnectionUp:                c.onConnectionUp,
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connect failed, retrying", zap.Error(err))
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnClientError: func(err error) {
				c.logger.Error("mqtt client error", zap.Error(err))
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.logger.Warn("mqtt server disconnect", zap.Uint8("reason_code", d.ReasonCode))
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				c.route,
			},
		},
	}

	c.logger.Info("starting mqtt client",
		zap.String("broker", c.cfg.BrokerURL),
		zap.String("client_id", c.cfg.ClientID))

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return err
	}
	c.cm = cm
	return nil
}

func (c *pahoClient) Disconnect(ctx context.Context) {
	if c.cm != nil {
		_ = c.cm.Disconnect(ctx)
	}
}

func (c *pahoClient) Publish(ctx context.Context, topic string, qos int, retain bool, payload []byte) error {
	if c.cm == nil {
		return errors.New("mqtt: client not started")
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     byte(qos),
		Retain:  retain,
		Payload: payload,
	})
	return err
}

func (c *pahoClient) Subscribe(ctx context.Context, topic string, qos int, handler MessageHandler) error {
	if c.cm == nil {
		return errors.New("mqtt: client not started")
	}

	c.subscriptions.Store(topic, subscriptionEntry{topic: topic, qos: qos, handler: handler})

	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: byte(qos)},
		},
	}); err != nil {
		return err
	}

	c.logger.Info("subscribed", zap.String("topic", topic))
	return nil
}

func (c *pahoClient) Unsubscribe(ctx context.Context, topic string) error {
	if c.cm == nil {
		return errors.New("mqtt: client not started")
	}
	c.subscriptions.Delete(topic)
	_, err := c.cm.Unsubscribe(ctx, &paho.Unsubscribe{Topics: []string{topic}})
	return err
}

func (c *pahoClient) AwaitConnection(ctx context.Context) error {
	if c.cm == nil {
		return errors.New("mqtt: client not started")
	}
	return c.cm.AwaitConnection(ctx)
}

// onConnectionUp replays every registered subscription after (re)connect.
func (c *pahoClient) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	c.logger.Info("mqtt connection established")
	c.subscriptions.Range(func(_, value any) bool {
		entry := value.(subscriptionEntry)
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{
				{Topic: entry.topic, QoS: byte(entry.qos)},
			},
		}); err != nil {
			c.logger.Error("re-subscribe failed", zap.String("topic", entry.topic), zap.Error(err))
		}
		return true
	})
}

// route dispatches an inbound publish to every matching subscription handler.
// Handlers run on their own goroutine so a slow consumer cannot stall the
// paho reader loop.
func (c *pahoClient) route(p paho.PublishReceived) (bool, error) {
	matched := false
	c.subscriptions.Range(func(_, value any) bool {
		entry := value.(subscriptionEntry)
		if TopicMatches(entry.topic, p.Packet.Topic) {
			matched = true
			go entry.handler(context.Background(), p.Packet.Topic, p.Packet.Payload)
		}
		return true
	})
	if !matched {
		c.logger.Debug("message on unhandled topic", zap.String("topic", p.Packet.Topic))
	}
	return true, nil
}

// TopicMatches reports whether an MQTT topic matches a filter, honoring the
// single-level (+) and multi-level (#) wildcards.
func TopicMatches(filter, topic string) bool {
	if filter == topic {
		return true
	}
	if !strings.Contains(filter, "+") && !strings.Contains(filter, "#") {
		return false
	}

	filterParts := strings.Split(filter, "/")
	topicParts := strings.Split(topic, "/")

	for i, part := range filterParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(filterParts) == len(topicParts)
}
