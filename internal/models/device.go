package models

// DeviceEntry 设备序列号 -> 背心/用户映射
type DeviceEntry struct {
	Serial      string `json:"numero_de_serie"`
	VestID      int64  `json:"id"`
	OwnerUserID *int64 `json:"usuario,omitempty"`
}

// HasOwner 是否已分配给用户
func (e DeviceEntry) HasOwner() bool {
	return e.OwnerUserID != nil
}
