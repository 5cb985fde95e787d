package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"safevest-cerebro/internal/models"

	"go.uber.org/zap"
)

// SnapshotStore 设备映射快照（JSON 数组）存储
type SnapshotStore struct {
	kv     KVStore
	key    string
	ttl    time.Duration
	logger *zap.Logger
}

// NewSnapshotStore 创建快照存储，ttl 为 0 表示不过期
func NewSnapshotStore(kv KVStore, key string, ttl time.Duration, logger *zap.Logger) *SnapshotStore {
	return &SnapshotStore{
		kv:     kv,
		key:    key,
		ttl:    ttl,
		logger: logger,
	}
}

// Save 写入快照
func (s *SnapshotStore) Save(ctx context.Context, entries []models.DeviceEntry) error {
	jsonData, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal registry snapshot: %w", err)
	}

	if err := s.kv.Set(ctx, s.key, string(jsonData), s.ttl); err != nil {
		return fmt.Errorf("failed to set registry snapshot: %w", err)
	}

	s.logger.Debug("Saved registry snapshot",
		zap.String("key", s.key),
		zap.Int("devices", len(entries)),
	)
	return nil
}

// Load 读取快照，不存在时返回 ErrCacheMiss
func (s *SnapshotStore) Load(ctx context.Context) ([]models.DeviceEntry, error) {
	val, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return nil, err
	}

	var entries []models.DeviceEntry
	if err := json.Unmarshal([]byte(val), &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal registry snapshot: %w", err)
	}
	return entries, nil
}
