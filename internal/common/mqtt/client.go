package mqtt

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"safevest-cerebro/internal/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte) error

type subscription struct {
	qos     byte
	handler MessageHandler
}

// Client MQTT客户端封装
// 订阅记录在本地，每次（重新）连接成功后在 OnConnect 回调里重新订阅：
// CleanSession 下 broker 不会保留订阅。
type Client struct {
	client mqtt.Client
	config *config.MQTTConfig
	logger *zap.Logger

	mu            sync.Mutex
	subscriptions map[string]subscription
}

// NewClient 创建并连接MQTT客户端，首次连接失败直接返回错误
func NewClient(cfg *config.MQTTConfig, logger *zap.Logger) (*Client, error) {
	c := &Client{
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]subscription),
	}
	c.client = mqtt.NewClient(c.options())

	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.config.Broker)
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
	}
	if c.config.Password != "" {
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	// 按到达顺序串行处理消息
	opts.SetOrderMatters(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.logger.Info("Reconnecting to MQTT broker", zap.String("broker", c.config.Broker))
	})
	return opts
}

// Connect 连接 broker
func (c *Client) Connect() error {
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return nil
}

// onConnect 每次连接成功后重新订阅全部主题
func (c *Client) onConnect(client mqtt.Client) {
	c.logger.Info("Connected to MQTT broker", zap.String("broker", c.config.Broker))

	c.mu.Lock()
	topics := make([]string, 0, len(c.subscriptions))
	for topic := range c.subscriptions {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	subs := make(map[string]subscription, len(c.subscriptions))
	for k, v := range c.subscriptions {
		subs[k] = v
	}
	c.mu.Unlock()

	for _, topic := range topics {
		sub := subs[topic]
		if err := c.subscribe(client, topic, sub); err != nil {
			c.logger.Error("Failed to resubscribe after connect",
				zap.String("topic", topic),
				zap.Error(err),
			)
			continue
		}
		c.logger.Info("Subscribed to topic", zap.String("topic", topic), zap.Uint8("qos", sub.qos))
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.logger.Warn("MQTT connection lost", zap.String("broker", c.config.Broker), zap.Error(err))
}

// Subscribe 订阅主题（并记录，用于重连后恢复）
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	sub := subscription{qos: qos, handler: handler}

	c.mu.Lock()
	c.subscriptions[topic] = sub
	c.mu.Unlock()

	if !c.client.IsConnected() {
		// OnConnect 会负责订阅
		return nil
	}
	return c.subscribe(c.client, topic, sub)
}

func (c *Client) subscribe(client mqtt.Client, topic string, sub subscription) error {
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		if err := sub.handler(msg.Topic(), msg.Payload()); err != nil {
			// 记录错误，但不中断处理
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	}
	if token := client.Subscribe(topic, sub.qos, callback); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	return nil
}

// Unsubscribe 取消订阅
func (c *Client) Unsubscribe(topics ...string) error {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.subscriptions, topic)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe: %w", token.Error())
	}

	return nil
}

// Disconnect 断开连接
func (c *Client) Disconnect() {
	c.client.Disconnect(250) // 250ms等待时间
}

// IsConnected 检查连接状态
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}
