package fraud

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mstill/payshield/internal/validation"
)

// Handler provides HTTP endpoints for payment validation.
type Handler struct {
	service *Service
}

// NewHandler creates a new fraud handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up validation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/validate", h.ValidatePayment)
}

// RegisterAdminRoutes sets up admin-only security routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/security/events", h.ListSecurityEvents)
}

type validateRequest struct {
	CustomerID               string `json:"customer_id" binding:"required"`
	CustomerEmail            string `json:"customer_email"`
	IPAddress                string `json:"ip_address"`
	DeviceFingerprint        string `json:"device_fingerprint"`
	PaymentMethodFingerprint string `json:"payment_method_fingerprint"`
	AmountCents              int64  `json:"amount_cents"`
	Currency                 string `json:"currency"`
	ActionType               string `json:"action_type"`
}

// ValidatePayment handles POST /v1/payments/validate
func (h *Handler) ValidatePayment(c *gin.Context) {
	var req validateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	errs := validation.Validate(
		validation.Required("customer_id", req.CustomerID),
		validation.ValidIP("ip_address", req.IPAddress),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLength("device_fingerprint", req.DeviceFingerprint, 512),
	)
	if req.CustomerEmail != "" && !validation.IsValidEmail(req.CustomerEmail) {
		errs = append(errs, validation.ValidationError{Field: "customer_email", Message: "must be a valid email address"})
	}
	if req.AmountCents < 0 {
		errs = append(errs, validation.ValidationError{Field: "amount_cents", Message: "must not be negative"})
	}
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	actionType := req.ActionType
	if actionType == "" {
		actionType = "payment_validation"
	}

	result := h.service.ValidateRequest(c.Request.Context(), &Request{
		CustomerID:               validation.SanitizeString(req.CustomerID, 128),
		CustomerEmail:            req.CustomerEmail,
		IPAddress:                req.IPAddress,
		DeviceFingerprint:        validation.SanitizeString(req.DeviceFingerprint, 512),
		PaymentMethodFingerprint: validation.SanitizeString(req.PaymentMethodFingerprint, 128),
		AmountCents:              req.AmountCents,
		Currency:                 req.Currency,
		ActionType:               actionType,
	})

	c.JSON(http.StatusOK, result)
}

// ListSecurityEvents handles GET /v1/admin/security/events
func (h *Handler) ListSecurityEvents(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	events, err := h.service.ListEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
