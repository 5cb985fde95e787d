package redis

import (
	"context"
	"fmt"
	"time"

	"safevest-cerebro/internal/common/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 未配置 REDIS_TIMEOUT 时的拨号/读写超时
const defaultTimeout = 3 * time.Second

// options 把 RedisConfig 转成 go-redis 选项
func options(cfg *config.RedisConfig) *redis.Options {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	}
}

// Connect 连接 Redis 并 PING 一次；失败时关闭客户端并返回错误
// Redis 只承载快照和告警扇出，调用方在 Addr 为空时不应调用。
func Connect(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	opts := options(cfg)
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", client.Options().PoolSize),
	)
	return client, nil
}

// Close 关闭客户端，nil 安全
func Close(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
