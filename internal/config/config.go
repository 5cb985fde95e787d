package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"safevest-cerebro/internal/common/config"

	"github.com/joho/godotenv"
)

// 存储后端
const (
	BackendAPI      = "api"
	BackendPostgres = "postgres"
)

// 列名只允许普通标识符
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config 遥测接入服务配置
type Config struct {
	API      config.APIConfig
	MQTT     config.MQTTConfig
	Redis    config.RedisConfig
	Database config.DatabaseConfig

	// 接入服务特定配置
	Cerebro struct {
		Topic            string // 订阅主题，如 "vest"
		StoreBackend     string // api / postgres
		VestSerialColumn string // postgres 模式下 safevest_veste 中作为序列号的列
		AlertOwnerField  string // 告警 payload 中用户字段名：profile / usuario
		AlertStream      string // 告警扇出 Redis Stream
		AlertStreamLimit int64  // Stream 近似最大长度
	}

	Registry struct {
		RefreshInterval time.Duration // 设备映射刷新间隔，默认 60s
		RetryInterval   time.Duration // 刷新失败后重试间隔，默认 5s
		SnapshotKey     string        // Redis 快照键
	}

	Log struct {
		Level  string
		Format string
		File   string
	}
}

// Load 加载配置（.env 存在时先加载）
func Load() (*Config, error) {
	if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{}

	cfg.API.BaseURL = "http://127.0.0.1:8000/api"
	cfg.API.LoginField = "email"
	cfg.API.Timeout = 8 * time.Second
	cfg.API.LoadFromEnv("API")

	cfg.MQTT.Broker = "tcp://localhost:1883"
	cfg.MQTT.ClientID = "cerebro-service"
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Redis.LoadFromEnv("REDIS")

	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.User = "postgres"
	cfg.Database.Password = "postgres"
	cfg.Database.Database = "safevest"
	cfg.Database.SSLMode = "disable"
	cfg.Database.LoadFromEnv("DB")

	cfg.Cerebro.Topic = getEnv("MQTT_TOPIC", "vest")
	cfg.Cerebro.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", BackendAPI))
	cfg.Cerebro.VestSerialColumn = getEnv("DB_VEST_SERIAL_COLUMN", "id_veste")
	cfg.Cerebro.AlertOwnerField = getEnv("API_ALERT_OWNER_FIELD", "profile")
	cfg.Cerebro.AlertStream = getEnv("REDIS_ALERT_STREAM", "safevest:alerts:stream")
	cfg.Cerebro.AlertStreamLimit = int64(getEnvInt("REDIS_ALERT_STREAM_MAXLEN", 10000))

	cfg.Registry.RefreshInterval = getEnvDuration("REGISTRY_REFRESH_INTERVAL", 60*time.Second)
	cfg.Registry.RetryInterval = getEnvDuration("REGISTRY_RETRY_INTERVAL", 5*time.Second)
	cfg.Registry.SnapshotKey = getEnv("REDIS_SNAPSHOT_KEY", "safevest:vestes:mapa")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")
	cfg.Log.File = getEnv("LOG_FILE", "")

	return cfg, nil
}

// Validate 校验必填配置
func (c *Config) Validate() error {
	var missing []string
	if c.MQTT.Broker == "" {
		missing = append(missing, "MQTT_BROKER")
	}
	if c.Cerebro.Topic == "" {
		missing = append(missing, "MQTT_TOPIC")
	}

	switch c.Cerebro.StoreBackend {
	case BackendAPI:
		if c.API.BaseURL == "" {
			missing = append(missing, "API_BASE_URL")
		}
		if c.API.ServiceUser == "" {
			missing = append(missing, "API_SERVICE_USER")
		}
		if c.API.ServicePassword == "" {
			missing = append(missing, "API_SERVICE_PASSWORD")
		}
	case BackendPostgres:
		if c.Database.Host == "" {
			missing = append(missing, "DB_HOST")
		}
		if !identifierPattern.MatchString(c.Cerebro.VestSerialColumn) {
			return fmt.Errorf("invalid DB_VEST_SERIAL_COLUMN %q", c.Cerebro.VestSerialColumn)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Cerebro.StoreBackend)
	}

	switch c.API.LoginField {
	case "email", "username", "both", "auto":
	default:
		return fmt.Errorf("unknown API_LOGIN_FIELD %q", c.API.LoginField)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configurations: %v", missing)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.Atoi(value); err == nil {
			return v
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
