package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"safevest-cerebro/internal/common/config"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// 启动时连通性检查的超时
const pingTimeout = 5 * time.Second

// Open 打开 SafeVest 数据库并检查连通性
// 只在 STORE_BACKEND=postgres 时调用；日志里不带密码。
func Open(ctx context.Context, cfg *config.DatabaseConfig, logger *zap.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", Describe(cfg), err)
	}
	configurePool(db, cfg)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", Describe(cfg), err)
	}

	logger.Info("Connected to database",
		zap.String("target", Describe(cfg)),
		zap.Int("max_conns", cfg.MaxConns),
		zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
	)
	return db, nil
}

// configurePool 连接池参数，0 表示沿用 database/sql 默认值
func configurePool(db *sql.DB, cfg *config.DatabaseConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
}

// Describe 返回不含密码的连接描述，用于日志和错误
func Describe(cfg *config.DatabaseConfig) string {
	return fmt.Sprintf("postgres://%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Host, cfg.Port, cfg.Database, cfg.SSLMode)
}

// Close 关闭数据库连接，nil 安全
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
