package http

import (
	"context"
	"net/http"

	"momali/internal/domain/notification"
)

// DeviceRegistrar stores push tokens.
type DeviceRegistrar interface {
	RegisterDevice(ctx context.Context, params notification.CreateDeviceTokenParams) (*notification.DeviceToken, error)
}

type DeviceHandler struct {
	devices DeviceRegistrar
}

func NewDeviceHandler(devices DeviceRegistrar) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

type RegisterDeviceRequest struct {
	Token      string `json:"token"`
	DeviceType string `json:"deviceType"`
}

// HandleRegister handles POST /api/devices.
func (h *DeviceHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req RegisterDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	token, err := h.devices.RegisterDevice(r.Context(), notification.CreateDeviceTokenParams{
		UserID:     userID,
		Token:      req.Token,
		DeviceType: req.DeviceType,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"id":         token.ID,
		"deviceType": token.DeviceType,
		"isActive":   token.IsActive,
	})
}
