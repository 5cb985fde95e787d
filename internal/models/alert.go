package models

import "time"

// Tier 健康状态等级（值即 API 的 tipo_alerta 取值）
type Tier string

const (
	TierSafe          Tier = "Seguro"
	TierAlert         Tier = "Alerta"
	TierEmergency     Tier = "Emergência"
	TierIndeterminate Tier = "Indefinido"
)

// IsAlarming Alerta / Emergência 需要产生告警
func (t Tier) IsAlarming() bool {
	return t == TierAlert || t == TierEmergency
}

// AlertEvent 告警事件
type AlertEvent struct {
	Tier        Tier      `json:"tipo_alerta"`
	ReadingID   int64     `json:"leitura_associada"`
	OwnerUserID int64     `json:"usuario"`
	VestID      int64     `json:"veste"`
	Serial      string    `json:"numero_de_serie"`
	HeartRate   *int      `json:"bpm,omitempty"`
	CreatedAt   time.Time `json:"timestamp"`
}
