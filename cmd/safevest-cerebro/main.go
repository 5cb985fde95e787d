package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"safevest-cerebro/internal/common/logger"
	"safevest-cerebro/internal/config"
	"safevest-cerebro/internal/service"

	"go.uber.org/zap"
)

const version = "1.0.0"

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(logger.Options{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "safevest-cerebro",
		File:        cfg.Log.File,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", zap.Error(err))
	}

	log.Info("Starting safevest-cerebro service",
		zap.String("version", version),
		zap.String("mqtt_broker", cfg.MQTT.Broker),
		zap.String("topic", cfg.Cerebro.Topic),
		zap.String("store_backend", cfg.Cerebro.StoreBackend),
	)

	// 3. 创建服务（连接 broker、登录 API）
	cerebro, err := service.NewCerebroService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create cerebro service", zap.Error(err))
	}

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	go func() {
		if err := cerebro.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 6. 等待信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-serviceErrChan:
		log.Error("Service error", zap.Error(err))
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := cerebro.Stop(stopCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
	}

	log.Info("Service stopped")
}
