package registry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"safevest-cerebro/internal/models"

	"go.uber.org/zap"
)

// DeviceSource 设备映射来源（SafeVest API 或 Postgres）
type DeviceSource interface {
	FetchDeviceMap(ctx context.Context) ([]models.DeviceEntry, error)
}

// SnapshotStore 最近一次成功刷新的快照存储（用于冷启动）
type SnapshotStore interface {
	Load(ctx context.Context) ([]models.DeviceEntry, error)
	Save(ctx context.Context, entries []models.DeviceEntry) error
}

// Options 注册表配置
type Options struct {
	RefreshInterval time.Duration
	RetryInterval   time.Duration
	Snapshots       SnapshotStore // 可选
}

// Registry 设备序列号 -> (背心, 用户) 的内存缓存
// 刷新时整体替换 map（单次指针交换），并发读取只会看到旧快照或新快照。
// 刷新失败保留上一次的快照，不会回到空状态。
type Registry struct {
	source          DeviceSource
	snapshots       SnapshotStore
	refreshInterval time.Duration
	retryInterval   time.Duration
	logger          *zap.Logger

	entries     atomic.Pointer[map[string]models.DeviceEntry]
	lastRefresh atomic.Int64 // unix 秒
}

// New 创建注册表
func New(source DeviceSource, opts Options, logger *zap.Logger) *Registry {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 60 * time.Second
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	return &Registry{
		source:          source,
		snapshots:       opts.Snapshots,
		refreshInterval: opts.RefreshInterval,
		retryInterval:   opts.RetryInterval,
		logger:          logger,
	}
}

// Lookup 纯内存读取，不访问网络
func (r *Registry) Lookup(serial string) (models.DeviceEntry, bool) {
	m := r.entries.Load()
	if m == nil {
		return models.DeviceEntry{}, false
	}
	entry, ok := (*m)[serial]
	return entry, ok
}

// Len 当前快照的设备数
func (r *Registry) Len() int {
	m := r.entries.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Populated 是否已经有过快照
func (r *Registry) Populated() bool {
	return r.entries.Load() != nil
}

// LastRefresh 最近一次成功刷新时间
func (r *Registry) LastRefresh() time.Time {
	ts := r.lastRefresh.Load()
	if ts == 0 {
		return time.Time{}
	}
	return time.Unix(ts, 0)
}

// Refresh 拉取完整映射并原子替换
func (r *Registry) Refresh(ctx context.Context) error {
	entries, err := r.source.FetchDeviceMap(ctx)
	if err != nil {
		r.logger.Error("Failed to refresh device registry, keeping last snapshot",
			zap.Int("cached_devices", r.Len()),
			zap.Error(err),
		)
		return fmt.Errorf("failed to fetch device map: %w", err)
	}

	r.swap(entries)
	r.lastRefresh.Store(time.Now().Unix())

	r.logger.Info("Device registry refreshed", zap.Int("devices", len(entries)))

	if r.snapshots != nil {
		if err := r.snapshots.Save(ctx, entries); err != nil {
			r.logger.Warn("Failed to save registry snapshot", zap.Error(err))
		}
	}
	return nil
}

func (r *Registry) swap(entries []models.DeviceEntry) {
	next := make(map[string]models.DeviceEntry, len(entries))
	for _, e := range entries {
		if e.Serial == "" {
			continue
		}
		next[e.Serial] = e
	}
	r.entries.Store(&next)
}

// Warm 从快照存储恢复映射（仅在注册表为空时）
func (r *Registry) Warm(ctx context.Context) error {
	if r.snapshots == nil || r.Populated() {
		return nil
	}

	entries, err := r.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load registry snapshot: %w", err)
	}

	// 加载期间可能已经完成了一次刷新
	if r.Populated() {
		return nil
	}
	r.swap(entries)
	r.logger.Info("Device registry warmed from snapshot", zap.Int("devices", len(entries)))
	return nil
}

// Run 立即刷新一次，之后按固定间隔刷新，直到 ctx 取消
// 刷新失败后以较短的 RetryInterval 重试。
func (r *Registry) Run(ctx context.Context) {
	r.logger.Info("Device registry refresh loop started",
		zap.Duration("refresh_interval", r.refreshInterval),
		zap.Duration("retry_interval", r.retryInterval),
	)

	for {
		wait := r.refreshInterval
		if err := r.Refresh(ctx); err != nil {
			wait = r.retryInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.logger.Info("Device registry refresh loop stopped")
			return
		case <-timer.C:
		}
	}
}
