package blocklist

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mstill/payshield/internal/validation"
)

// Handler provides admin HTTP endpoints for blocklist management.
type Handler struct {
	service *Service
}

// NewHandler creates a new blocklist handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterAdminRoutes sets up admin-only blocklist routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/blocklist", h.List)
	r.GET("/blocklist/check", h.Check)
	r.POST("/blocklist", h.Block)
	r.DELETE("/blocklist/:type/:value", h.Unblock)
}

type blockRequest struct {
	EntityType    string `json:"entity_type" binding:"required"`
	Value         string `json:"value" binding:"required"`
	Reason        string `json:"reason" binding:"required"`
	DurationHours int    `json:"duration_hours"` // 0 = permanent
}

// Block handles POST /v1/admin/blocklist
func (h *Handler) Block(c *gin.Context) {
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if !ValidEntityType(req.EntityType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": "entity_type must be one of: ip, email, fingerprint, customer",
		})
		return
	}
	if req.EntityType == EntityIP && !validation.IsValidIP(req.Value) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_value",
			"message": "value must be a valid IP address",
		})
		return
	}
	if req.DurationHours < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_duration",
			"message": "duration_hours must not be negative",
		})
		return
	}

	duration := time.Duration(req.DurationHours) * time.Hour
	value := validation.SanitizeString(req.Value, 256)
	reason := validation.SanitizeString(req.Reason, 512)

	if err := h.service.Block(c.Request.Context(), req.EntityType, value, reason, duration); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"entity_type": req.EntityType,
		"value":       value,
		"permanent":   req.DurationHours == 0,
	})
}

// Unblock handles DELETE /v1/admin/blocklist/:type/:value
func (h *Handler) Unblock(c *gin.Context) {
	entityType := c.Param("type")
	value := c.Param("value")

	if !ValidEntityType(entityType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": "unknown entity type",
		})
		return
	}

	if err := h.service.Unblock(c.Request.Context(), entityType, value); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.Status(http.StatusNoContent)
}

// Check handles GET /v1/admin/blocklist/check
func (h *Handler) Check(c *gin.Context) {
	entityType := c.Query("type")
	value := c.Query("value")

	if !ValidEntityType(entityType) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_entity_type",
			"message": "type must be one of: ip, email, fingerprint, customer",
		})
		return
	}
	if value == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_value",
			"message": "value is required",
		})
		return
	}

	blocked, err := h.service.IsBlocked(c.Request.Context(), entityType, value)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entity_type": entityType,
		"value":       value,
		"blocked":     blocked,
	})
}

// List handles GET /v1/admin/blocklist
func (h *Handler) List(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"blocked": entries,
		"count":   len(entries),
	})
}
