package operator

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kestrelworks/commandhub/internal/auth"
	"github.com/kestrelworks/commandhub/internal/hub"
	"github.com/kestrelworks/commandhub/internal/protocol"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

type authHandler struct {
	cfg Config
}

func newAuthHandler(cfg Config) *authHandler {
	return &authHandler{cfg: cfg}
}

func (h *authHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Username != h.cfg.Username || !auth.CheckPassword(req.Password, h.cfg.PasswordHash) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := auth.GenerateToken(h.cfg.JWT, req.Username)
	if err != nil {
		slog.Error("Failed to generate token", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Token: token})
}

type enrollHandler struct {
	codes EnrollmentCodes
}

func newEnrollHandler(codes EnrollmentCodes) *enrollHandler {
	return &enrollHandler{codes: codes}
}

// Create mints a fresh enrollment code. This is the only way a new device
// can ever join.
func (h *enrollHandler) Create(c *gin.Context) {
	var req CreateEnrollCodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	code, expiresAt, err := h.codes.CreateEnrollmentCode(c.Request.Context(), ttl)
	if err != nil {
		slog.Error("Failed to create enrollment code", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create enrollment code"})
		return
	}

	c.JSON(http.StatusCreated, CreateEnrollCodeResponse{Code: code, ExpiresAt: expiresAt})
}

type deviceHandler struct {
	hub *hub.Hub
}

func newDeviceHandler(h *hub.Hub) *deviceHandler {
	return &deviceHandler{hub: h}
}

func (h *deviceHandler) List(c *gin.Context) {
	devices := h.hub.Devices()
	c.JSON(http.StatusOK, DeviceListResponse{Devices: devices, Count: len(devices)})
}

func (h *deviceHandler) Get(c *gin.Context) {
	status, err := h.hub.DeviceStatus(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *deviceHandler) Events(c *gin.Context) {
	limit := defaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	events, err := h.hub.Events(c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown device"})
		return
	}
	c.JSON(http.StatusOK, DeviceEventsResponse{Events: events, Count: len(events)})
}

// SendCommand pushes one command to a connected device. Offline devices are
// reported with 409; nothing is queued.
func (h *deviceHandler) SendCommand(c *gin.Context) {
	var cmd protocol.Command
	if err := c.ShouldBindJSON(&cmd); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if cmd.Type == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command type is required"})
		return
	}

	deviceID := c.Param("id")
	cmd.ID = protocol.NewCommandID()

	if err := h.hub.Send(deviceID, cmd); err != nil {
		if errors.Is(err, hub.ErrDeviceOffline) {
			c.JSON(http.StatusConflict, gin.H{"error": "device is offline (no active connection)"})
			return
		}
		slog.Error("Failed to send command", "error", err, "device_id", deviceID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to send command"})
		return
	}

	c.JSON(http.StatusOK, SendCommandResponse{CommandID: cmd.ID})
}
