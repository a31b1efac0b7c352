package http

import (
	"net/http"
	"time"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/services"
	"camrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

type DeviceHandler struct {
	devices services.DeviceService
}

func NewDeviceHandler(devices services.DeviceService) *DeviceHandler {
	return &DeviceHandler{devices: devices}
}

func (h *DeviceHandler) SetupRoutes(api *gin.RouterGroup) {
	devices := api.Group("/devices")
	{
		devices.GET("", h.List)
		devices.POST("", h.Create)
		devices.GET("/:id", h.Get)
		devices.DELETE("/:id", h.Delete)
		devices.POST("/:id/probe", h.Probe)
	}
}

// DeviceResponse is a device record without its credentials.
type DeviceResponse struct {
	ID             domain.CameraID `json:"id"`
	Name           string          `json:"name"`
	Protocol       domain.Protocol `json:"protocol"`
	Host           string          `json:"ip"`
	Port           int             `json:"port,omitempty"`
	Path           string          `json:"path,omitempty"`
	Model          string          `json:"model,omitempty"`
	HasCredentials bool            `json:"has_credentials"`
	CreatedAt      time.Time       `json:"created_at"`
}

func toDeviceResponse(d *domain.Device) DeviceResponse {
	return DeviceResponse{
		ID:             d.ID,
		Name:           d.Name,
		Protocol:       d.Protocol,
		Host:           d.Host,
		Port:           d.Port,
		Path:           d.Path,
		Model:          d.Model,
		HasCredentials: d.Username != "" || d.Password != "",
		CreatedAt:      d.CreatedAt,
	}
}

func (h *DeviceHandler) Create(c *gin.Context) {
	var req services.CreateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	device, err := h.devices.Create(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, toDeviceResponse(device))
}

func (h *DeviceHandler) Get(c *gin.Context) {
	device, err := h.devices.Get(c.Request.Context(), domain.CameraID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, toDeviceResponse(device))
}

func (h *DeviceHandler) List(c *gin.Context) {
	devices, err := h.devices.List(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	resp := make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		resp = append(resp, toDeviceResponse(d))
	}
	c.JSON(http.StatusOK, gin.H{
		"devices": resp,
		"total":   len(resp),
	})
}

func (h *DeviceHandler) Delete(c *gin.Context) {
	if err := h.devices.Delete(c.Request.Context(), domain.CameraID(c.Param("id"))); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *DeviceHandler) Probe(c *gin.Context) {
	result, err := h.devices.Probe(c.Request.Context(), domain.CameraID(c.Param("id")))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, result)
}
