package models

import (
	"errors"
	"time"
)

// ErrMissingSerial 读数缺少设备序列号
var ErrMissingSerial = errors.New("reading has no device serial")

// SensorReading 背心传感器读数（仅在管道内短暂存在，持久化由 API 负责）
type SensorReading struct {
	Serial      string    `json:"-"`
	VestID      int64     `json:"veste"`
	HeartRate   *int      `json:"bpm,omitempty"`
	Temperature *float64  `json:"temp,omitempty"`
	AmbientTemp *float64  `json:"-"` // temperatura_C，只在直连数据库模式写入
	Humidity    *float64  `json:"humi,omitempty"`
	GasLevel    *float64  `json:"mq2,omitempty"`
	Battery     *float64  `json:"nivel_bateria,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Validate 校验读数
func (r *SensorReading) Validate() error {
	if r.Serial == "" {
		return ErrMissingSerial
	}
	return nil
}
