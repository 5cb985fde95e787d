package consumer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"safevest-cerebro/internal/evaluator"
	"safevest-cerebro/internal/models"
)

// 上游设备固件版本不一，同一字段有多个键名
var (
	serialKeys      = []string{"device_id", "numero_de_serie", "serial", "id_veste"}
	heartRateKeys   = []string{"bpm", "batimento"}
	temperatureKeys = []string{"temp", "temperatura_A"}
	ambientKeys     = []string{"temperatura_C"}
	humidityKeys    = []string{"humi"}
	gasKeys         = []string{"mq2", "nivel_co", "co"}
	batteryKeys     = []string{"nivel_bateria", "battery"}
	timestampKeys   = []string{"timestamp"}
)

// 设备端 datetime.isoformat() 不带时区
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

type payload map[string]interface{}

func decodePayload(raw []byte) (payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var p payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if p == nil {
		return nil, errors.New("payload is not a json object")
	}
	return p, nil
}

// first 返回第一个存在且非 null 的键值
func (p payload) first(keys []string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := p[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// serial 按别名顺序取第一个非空的序列号，空串和 null 都跳到下一个别名
func (p payload) serial() string {
	for _, k := range serialKeys {
		switch val := p[k].(type) {
		case string:
			if s := strings.TrimSpace(val); s != "" {
				return s
			}
		case json.Number:
			return val.String()
		}
	}
	return ""
}

func (p payload) heartRate() *int {
	v, ok := p.first(heartRateKeys)
	if !ok {
		return nil
	}
	bpm, ok := evaluator.ToInt(v)
	if !ok {
		return nil
	}
	return &bpm
}

func (p payload) float(keys []string) *float64 {
	v, ok := p.first(keys)
	if !ok {
		return nil
	}
	var (
		f   float64
		err error
	)
	switch val := v.(type) {
	case json.Number:
		f, err = val.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return &f
}

func (p payload) timestamp(now time.Time) time.Time {
	v, ok := p.first(timestampKeys)
	if !ok {
		return now
	}
	switch val := v.(type) {
	case json.Number:
		if secs, err := val.Float64(); err == nil && secs > 0 {
			return time.Unix(0, int64(secs*float64(time.Second)))
		}
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.ParseInLocation(layout, val, time.Local); err == nil {
				return ts
			}
		}
	}
	return now
}

// buildReading 组装读数（VestID 在解析设备后填入）
func buildReading(p payload, now time.Time) *models.SensorReading {
	return &models.SensorReading{
		Serial:      p.serial(),
		HeartRate:   p.heartRate(),
		Temperature: p.float(temperatureKeys),
		AmbientTemp: p.float(ambientKeys),
		Humidity:    p.float(humidityKeys),
		GasLevel:    p.float(gasKeys),
		Battery:     p.float(batteryKeys),
		Timestamp:   p.timestamp(now),
	}
}
