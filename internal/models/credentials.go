package models

// Credentials API 令牌对
type Credentials struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}
