package repository

import (
	"context"

	rediscommon "safevest-cerebro/internal/common/redis"
	"safevest-cerebro/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// AlertStream 把已持久化的告警扇出到 Redis Streams，供通知类服务消费
type AlertStream struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *zap.Logger
}

// NewAlertStream 创建告警流发布器
func NewAlertStream(client *redis.Client, stream string, maxLen int64, logger *zap.Logger) *AlertStream {
	return &AlertStream{
		client: client,
		stream: stream,
		maxLen: maxLen,
		logger: logger,
	}
}

// PublishAlert 发布告警
func (a *AlertStream) PublishAlert(ctx context.Context, alert *models.AlertEvent) error {
	streamID, err := rediscommon.PublishJSONToStream(ctx, a.client, a.stream, a.maxLen, alert)
	if err != nil {
		return err
	}

	a.logger.Debug("Published alert to Redis Streams",
		zap.String("stream", a.stream),
		zap.String("stream_id", streamID),
		zap.Int64("reading_id", alert.ReadingID),
	)
	return nil
}
