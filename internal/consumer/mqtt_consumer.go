package consumer

import (
	"context"
	"fmt"
	"time"

	mqttcommon "safevest-cerebro/internal/common/mqtt"
	"safevest-cerebro/internal/evaluator"
	"safevest-cerebro/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceLookup 设备注册表（只读）
type DeviceLookup interface {
	Lookup(serial string) (models.DeviceEntry, bool)
}

// ReadingStore 读数/告警持久化（SafeVest API 或 Postgres）
type ReadingStore interface {
	SaveReading(ctx context.Context, reading *models.SensorReading) (int64, error)
	SaveAlert(ctx context.Context, alert *models.AlertEvent) error
}

// AlertPublisher 告警扇出（可选）
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert *models.AlertEvent) error
}

// Subscriber MQTT 订阅
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// Outcome 单条消息的最终状态
type Outcome string

const (
	OutcomeDiscarded   Outcome = "discarded"    // 载荷错误 / 未知设备 / 持久化失败
	OutcomePersisted   Outcome = "persisted"    // 已保存，无需告警
	OutcomeSuppressed  Outcome = "suppressed"   // 需要告警但背心没有用户
	OutcomeAlerted     Outcome = "alerted"      // 告警已保存
	OutcomeAlertFailed Outcome = "alert_failed" // 读数已保存，告警保存失败
)

// MQTTConsumer MQTT消息消费者：解析 -> 查设备 -> 保存读数 -> 分级 -> 告警
// paho 按到达顺序逐条回调，处理是串行的。
type MQTTConsumer struct {
	subscriber Subscriber
	registry   DeviceLookup
	store      ReadingStore
	publisher  AlertPublisher
	topic      string
	qos        byte
	logger     *zap.Logger

	ctx context.Context
	now func() time.Time
}

// NewMQTTConsumer 创建MQTT消费者，publisher 可以为 nil
func NewMQTTConsumer(
	subscriber Subscriber,
	registry DeviceLookup,
	store ReadingStore,
	publisher AlertPublisher,
	topic string,
	qos byte,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		subscriber: subscriber,
		registry:   registry,
		store:      store,
		publisher:  publisher,
		topic:      topic,
		qos:        qos,
		logger:     logger,
		ctx:        context.Background(),
		now:        time.Now,
	}
}

// Start 订阅主题并阻塞到 ctx 取消
func (c *MQTTConsumer) Start(ctx context.Context) error {
	c.ctx = ctx

	if err := c.subscriber.Subscribe(c.topic, c.qos, c.handleMessage); err != nil {
		return fmt.Errorf("failed to subscribe to telemetry topic: %w", err)
	}

	c.logger.Info("MQTT consumer started", zap.String("topic", c.topic))

	<-ctx.Done()
	return nil
}

// Stop 取消订阅
func (c *MQTTConsumer) Stop(ctx context.Context) error {
	if err := c.subscriber.Unsubscribe(c.topic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
	}

	c.logger.Info("MQTT consumer stopped")
	return nil
}

// handleMessage 处理MQTT消息，所有错误都在内部记录，不向上传播
func (c *MQTTConsumer) handleMessage(topic string, payload []byte) error {
	c.Process(c.ctx, topic, payload)
	return nil
}

// Process 处理单条遥测消息并返回最终状态
func (c *MQTTConsumer) Process(ctx context.Context, topic string, raw []byte) Outcome {
	logger := c.logger.With(
		zap.String("message_id", uuid.NewString()),
		zap.String("topic", topic),
	)
	logger.Debug("Received MQTT message", zap.Int("payload_size", len(raw)))

	// 1. 解析
	data, err := decodePayload(raw)
	if err != nil {
		logger.Warn("Discarding malformed payload", zap.Error(err))
		return OutcomeDiscarded
	}

	// 2. 设备序列号
	reading := buildReading(data, c.now())
	if err := reading.Validate(); err != nil {
		logger.Warn("Discarding message without device serial",
			zap.Strings("accepted_keys", serialKeys),
			zap.Error(err),
		)
		return OutcomeDiscarded
	}
	logger = logger.With(zap.String("serial", reading.Serial))

	// 3. 查询注册表（纯内存）
	device, ok := c.registry.Lookup(reading.Serial)
	if !ok {
		logger.Warn("Discarding message from unknown device")
		return OutcomeDiscarded
	}
	reading.VestID = device.VestID

	// 4. 保存读数（401 刷新重试在 store 内部）
	readingID, err := c.store.SaveReading(ctx, reading)
	if err != nil {
		logger.Error("Failed to persist reading, discarding",
			zap.Int64("vest_id", device.VestID),
			zap.Error(err),
		)
		return OutcomeDiscarded
	}

	// 6. 分级
	tier := evaluator.ClassifyHeartRate(reading.HeartRate)
	logger.Info("Reading persisted",
		zap.Int64("reading_id", readingID),
		zap.Int64("vest_id", device.VestID),
		zap.String("tier", string(tier)),
	)

	// Seguro / Indefinido 不告警
	if !tier.IsAlarming() {
		return OutcomePersisted
	}

	// 7. 没有用户的背心不告警，只记录日志
	if !device.HasOwner() {
		logger.Info("Vest has no owner, alert suppressed",
			zap.Int64("reading_id", readingID),
			zap.String("tier", string(tier)),
		)
		return OutcomeSuppressed
	}

	alert := &models.AlertEvent{
		Tier:        tier,
		ReadingID:   readingID,
		OwnerUserID: *device.OwnerUserID,
		VestID:      device.VestID,
		Serial:      reading.Serial,
		HeartRate:   reading.HeartRate,
		CreatedAt:   c.now(),
	}
	if err := c.store.SaveAlert(ctx, alert); err != nil {
		logger.Error("Failed to persist alert",
			zap.Int64("reading_id", readingID),
			zap.String("tier", string(tier)),
			zap.Error(err),
		)
		return OutcomeAlertFailed
	}

	if c.publisher != nil {
		if err := c.publisher.PublishAlert(ctx, alert); err != nil {
			logger.Warn("Failed to publish alert to stream", zap.Error(err))
		}
	}

	logger.Info("Alert created",
		zap.String("tier", string(tier)),
		zap.Int64("reading_id", readingID),
		zap.Int64("owner_user_id", alert.OwnerUserID),
	)
	return OutcomeAlerted
}
