package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

// Publisher MQTT 发布
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Options 模拟器配置
type Options struct {
	Topic    string
	QoS      byte
	Interval time.Duration
	Count    int // 0 表示一直发送
}

// Reading 模拟背心上报的载荷（与当前固件字段一致）
type Reading struct {
	DeviceID  string  `json:"device_id"`
	BPM       int     `json:"bpm"`
	Temp      float64 `json:"temp"`
	Humi      float64 `json:"humi"`
	CO        float64 `json:"co"`
	Battery   float64 `json:"battery"`
	Timestamp string  `json:"timestamp"`
}

// Generator 生成随机读数
type Generator struct {
	rnd          *rand.Rand
	serials      []string
	anomalyRatio float64
	now          func() time.Time
}

// NewGenerator 创建生成器，seed 相同时输出可复现
func NewGenerator(serials []string, anomalyRatio float64, seed int64) *Generator {
	return &Generator{
		rnd:          rand.New(rand.NewSource(seed)),
		serials:      serials,
		anomalyRatio: anomalyRatio,
		now:          time.Now,
	}
}

// Next 随机选一件背心生成一条读数
// 正常心率 70-110，异常时 121-170 并伴随体温升高。
func (g *Generator) Next() Reading {
	r := Reading{
		DeviceID:  g.serials[g.rnd.Intn(len(g.serials))],
		BPM:       70 + g.rnd.Intn(41),
		Temp:      round2(36.1 + g.rnd.Float64()*1.1),
		Humi:      round2(40 + g.rnd.Float64()*30),
		CO:        round2(5 + g.rnd.Float64()*15),
		Battery:   round2(80 + g.rnd.Float64()*19.9),
		Timestamp: g.now().Format("2006-01-02T15:04:05.000000"),
	}
	if g.rnd.Float64() < g.anomalyRatio {
		r.BPM = 121 + g.rnd.Intn(50)
		r.Temp = round2(37.8 + g.rnd.Float64()*1.7)
	}
	return r
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Run 按间隔发布读数，直到 ctx 取消或达到 Count，返回已发送条数
func Run(ctx context.Context, pub Publisher, gen *Generator, opts Options, logger *zap.Logger) (int, error) {
	if len(gen.serials) == 0 {
		return 0, errors.New("no device serials configured")
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	sent := 0
	for {
		reading := gen.Next()
		payload, err := json.Marshal(reading)
		if err != nil {
			return sent, fmt.Errorf("failed to marshal reading: %w", err)
		}

		if err := pub.Publish(opts.Topic, opts.QoS, false, payload); err != nil {
			logger.Warn("Failed to publish reading",
				zap.String("serial", reading.DeviceID),
				zap.Error(err),
			)
		} else {
			sent++
			logger.Info("Reading published",
				zap.String("serial", reading.DeviceID),
				zap.Int("bpm", reading.BPM),
				zap.Float64("temp", reading.Temp),
			)
		}

		if opts.Count > 0 && sent >= opts.Count {
			return sent, nil
		}

		select {
		case <-ctx.Done():
			return sent, nil
		case <-ticker.C:
		}
	}
}
