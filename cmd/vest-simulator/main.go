package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"safevest-cerebro/internal/common/config"
	"safevest-cerebro/internal/common/logger"
	mqttcommon "safevest-cerebro/internal/common/mqtt"
	"safevest-cerebro/internal/simulator"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	mqttCfg := config.MQTTConfig{
		Broker: "tcp://localhost:1883",
		QoS:    1,
	}
	mqttCfg.LoadFromEnv("MQTT")

	topic := os.Getenv("MQTT_TOPIC")
	if topic == "" {
		topic = "vest"
	}

	var (
		serials      string
		interval     time.Duration
		count        int
		anomalyRatio float64
		seed         int64
		logLevel     string
	)

	flagSet := pflag.NewFlagSet("vest-simulator", pflag.ContinueOnError)
	flagSet.StringVar(&mqttCfg.Broker, "broker", mqttCfg.Broker, "MQTT broker URL")
	flagSet.StringVar(&mqttCfg.Username, "username", mqttCfg.Username, "MQTT username")
	flagSet.StringVar(&mqttCfg.Password, "password", mqttCfg.Password, "MQTT password")
	flagSet.StringVarP(&topic, "topic", "t", topic, "telemetry topic")
	flagSet.StringVarP(&serials, "serials", "s", "SV-01,SV-02,SV-03", "comma separated vest serial numbers")
	flagSet.DurationVarP(&interval, "interval", "i", 5*time.Second, "time between readings")
	flagSet.IntVarP(&count, "count", "n", 0, "number of readings to send (0 = until interrupted)")
	flagSet.Float64Var(&anomalyRatio, "anomaly-ratio", 0.15, "fraction of readings with an abnormal heart rate")
	flagSet.Int64Var(&seed, "seed", time.Now().UnixNano(), "random seed")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	var serialList []string
	for _, s := range strings.Split(serials, ",") {
		if s = strings.TrimSpace(s); s != "" {
			serialList = append(serialList, s)
		}
	}
	if len(serialList) == 0 {
		return fmt.Errorf("--serials must name at least one vest")
	}
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	log, err := logger.NewLogger(logger.Options{
		Level:       logLevel,
		Format:      "console",
		ServiceName: "vest-simulator",
	})
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer log.Sync()

	// 每次运行使用独立的 client id，避免踢掉正在运行的实例
	mqttCfg.ClientID = "vest-simulator-" + uuid.NewString()[:8]
	client, err := mqttcommon.NewClient(&mqttCfg, log)
	if err != nil {
		return fmt.Errorf("failed to connect to MQTT: %w", err)
	}
	defer client.Disconnect()

	log.Info("Vest simulator started",
		zap.String("broker", mqttCfg.Broker),
		zap.String("topic", topic),
		zap.Strings("serials", serialList),
		zap.Duration("interval", interval),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gen := simulator.NewGenerator(serialList, anomalyRatio, seed)
	sent, err := simulator.Run(ctx, client, gen, simulator.Options{
		Topic:    topic,
		QoS:      mqttCfg.QoS,
		Interval: interval,
		Count:    count,
	}, log)

	log.Info("Vest simulator stopped", zap.Int("sent", sent))
	return err
}
