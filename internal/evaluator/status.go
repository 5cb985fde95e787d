package evaluator

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"safevest-cerebro/internal/models"
)

// 心率阈值（高低不对称）
const (
	EmergencyHigh = 160
	EmergencyLow  = 50
	AlertHigh     = 120
	AlertLow      = 60
)

// ClassifyBPM 根据心率计算状态等级
// Emergência 区间先判断并短路，两组区间有重叠，顺序不可调换。
func ClassifyBPM(bpm int) models.Tier {
	if bpm > EmergencyHigh || bpm < EmergencyLow {
		return models.TierEmergency
	}
	if bpm > AlertHigh || bpm < AlertLow {
		return models.TierAlert
	}
	return models.TierSafe
}

// ClassifyHeartRate 接受任意输入，无法转换为整数时返回 Indefinido
func ClassifyHeartRate(v any) models.Tier {
	bpm, ok := ToInt(v)
	if !ok {
		return models.TierIndeterminate
	}
	return ClassifyBPM(bpm)
}

// ToInt 把载荷里的心率值转换为整数
// 浮点数向零截断；字符串必须是整数字面量。
func ToInt(v any) (int, bool) {
	switch val := v.(type) {
	case nil:
		return 0, false
	case int:
		return val, true
	case *int:
		if val == nil {
			return 0, false
		}
		return *val, true
	case int32:
		return int(val), true
	case int64:
		return int(val), true
	case float32:
		return floatToInt(float64(val))
	case float64:
		return floatToInt(val)
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i), true
		}
		f, err := val.Float64()
		if err != nil {
			return 0, false
		}
		return floatToInt(f)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(math.Trunc(f)), true
}
