package operator

import (
	"time"

	"github.com/kestrelworks/commandhub/internal/hub"
)

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type CreateEnrollCodeRequest struct {
	TTLSeconds int `json:"ttl_s" binding:"required,min=1"`
}

type CreateEnrollCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

type DeviceListResponse struct {
	Devices []hub.DeviceStatus `json:"devices"`
	Count   int                `json:"count"`
}

type DeviceEventsResponse struct {
	Events []hub.Event `json:"events"`
	Count  int         `json:"count"`
}

type SendCommandResponse struct {
	CommandID string `json:"command_id"`
}
