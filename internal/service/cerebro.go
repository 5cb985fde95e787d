package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"safevest-cerebro/internal/api"
	"safevest-cerebro/internal/common/database"
	mqttcommon "safevest-cerebro/internal/common/mqtt"
	rediscommon "safevest-cerebro/internal/common/redis"
	"safevest-cerebro/internal/config"
	"safevest-cerebro/internal/consumer"
	"safevest-cerebro/internal/registry"
	"safevest-cerebro/internal/repository"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// 设备映射快照在 Redis 中的保留时间
const snapshotTTL = 24 * time.Hour

// store 设备映射来源 + 读数/告警持久化
type store interface {
	registry.DeviceSource
	consumer.ReadingStore
}

// CerebroService 遥测接入服务
type CerebroService struct {
	config     *config.Config
	logger     *zap.Logger
	db         *sql.DB
	redis      *redis.Client
	session    *api.SessionManager
	registry   *registry.Registry
	mqttClient *mqttcommon.Client
	consumer   *consumer.MQTTConsumer
}

// NewCerebroService 创建服务并完成所有外部连接
// API 模式下启动时登录一次，失败直接返回错误。
func NewCerebroService(cfg *config.Config, logger *zap.Logger) (*CerebroService, error) {
	s := &CerebroService{
		config: cfg,
		logger: logger,
	}

	// 初始化存储后端
	backend, err := s.initStore()
	if err != nil {
		s.close()
		return nil, err
	}

	// 初始化Redis（可选）
	var (
		snapshots registry.SnapshotStore
		publisher consumer.AlertPublisher
	)
	if cfg.Redis.Enabled() {
		redisClient, err := rediscommon.Connect(context.Background(), &cfg.Redis, logger)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.redis = redisClient

		snapshots = repository.NewSnapshotStore(
			repository.NewRedisKVStore(redisClient),
			cfg.Registry.SnapshotKey,
			snapshotTTL,
			logger,
		)
		publisher = repository.NewAlertStream(redisClient, cfg.Cerebro.AlertStream, cfg.Cerebro.AlertStreamLimit, logger)
		logger.Info("Redis enabled",
			zap.String("snapshot_key", cfg.Registry.SnapshotKey),
			zap.String("alert_stream", cfg.Cerebro.AlertStream),
		)
	}

	// 设备注册表
	s.registry = registry.New(backend, registry.Options{
		RefreshInterval: cfg.Registry.RefreshInterval,
		RetryInterval:   cfg.Registry.RetryInterval,
		Snapshots:       snapshots,
	}, logger)

	// 初始化MQTT
	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	s.mqttClient = mqttClient

	// 创建Consumer
	s.consumer = consumer.NewMQTTConsumer(
		mqttClient,
		s.registry,
		backend,
		publisher,
		cfg.Cerebro.Topic,
		cfg.MQTT.QoS,
		logger,
	)

	return s, nil
}

// initStore 按 STORE_BACKEND 选择 SafeVest API 或直连 Postgres
func (s *CerebroService) initStore() (store, error) {
	switch s.config.Cerebro.StoreBackend {
	case config.BackendPostgres:
		db, err := database.Open(context.Background(), &s.config.Database, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("Using Postgres store",
			zap.String("target", database.Describe(&s.config.Database)),
			zap.String("serial_column", s.config.Cerebro.VestSerialColumn),
		)
		return repository.NewPostgresStore(db, s.config.Cerebro.VestSerialColumn, s.logger), nil

	default:
		httpClient := api.NewHTTPClient(&s.config.API)
		s.session = api.NewSessionManager(httpClient, &s.config.API, s.logger)

		ctx, cancel := context.WithTimeout(context.Background(), s.config.API.Timeout)
		defer cancel()
		if err := s.session.Authenticate(ctx); err != nil {
			return nil, fmt.Errorf("failed to authenticate with SafeVest API: %w", err)
		}

		s.logger.Info("Using SafeVest API store", zap.String("base_url", s.config.API.BaseURL))
		return api.NewClient(httpClient, s.session, s.config.Cerebro.AlertOwnerField, s.logger), nil
	}
}

// Start 启动服务，阻塞到 ctx 取消
func (s *CerebroService) Start(ctx context.Context) error {
	s.logger.Info("Starting cerebro service components")

	// 冷启动：先用快照填充，API 不可用时也能识别设备
	if err := s.registry.Warm(ctx); err != nil {
		s.logger.Warn("Registry snapshot not loaded", zap.Error(err))
	}

	// 设备映射刷新循环
	go s.registry.Run(ctx)

	// 启动MQTT消费者
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}
	return nil
}

// Stop 停止服务
func (s *CerebroService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping cerebro service")

	if s.consumer != nil {
		if err := s.consumer.Stop(ctx); err != nil {
			s.logger.Error("Error stopping consumer", zap.Error(err))
		}
	}

	s.close()

	s.logger.Info("Cerebro service stopped")
	return nil
}

func (s *CerebroService) close() {
	// 断开MQTT
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	// 关闭Redis
	if s.redis != nil {
		if err := rediscommon.Close(s.redis); err != nil {
			s.logger.Warn("Error closing redis", zap.Error(err))
		}
	}

	// 关闭数据库
	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Warn("Error closing database", zap.Error(err))
		}
	}
}
