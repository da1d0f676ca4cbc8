package dunning

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mstill/payshield/internal/validation"
)

// Handler provides HTTP endpoints for failed-payment management.
type Handler struct {
	service *Service
}

// NewHandler creates a new dunning handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up failure ingestion and read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/failures", h.HandleFailure)
	r.GET("/payments/failures", h.ListFailures)
	r.GET("/payments/failures/:id", h.GetFailure)
	r.GET("/payments/failures/:id/attempts", h.ListAttempts)
	r.GET("/customers/:email/pattern", h.GetPattern)
}

// RegisterAdminRoutes sets up admin-only retry routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/payments/retries/:id", h.RetryPayment)
	r.POST("/payments/retries/process", h.ProcessRetries)
}

type failureRequest struct {
	GatewayChargeRef         string            `json:"gateway_charge_ref" binding:"required"`
	Code                     string            `json:"code"`
	Message                  string            `json:"message"`
	CustomerID               string            `json:"customer_id"`
	CustomerEmail            string            `json:"customer_email" binding:"required"`
	AmountCents              int64             `json:"amount_cents"`
	Currency                 string            `json:"currency"`
	IPAddress                string            `json:"ip_address"`
	PaymentMethodFingerprint string            `json:"payment_method_fingerprint"`
	Metadata                 map[string]string `json:"metadata"`
}

// HandleFailure handles POST /v1/payments/failures
func (h *Handler) HandleFailure(c *gin.Context) {
	var req failureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	errs := validation.Validate(
		validation.PositiveAmount("amount_cents", req.AmountCents),
		validation.ValidCurrency("currency", req.Currency),
		validation.ValidIP("ip_address", req.IPAddress),
	)
	if !validation.IsValidEmail(req.CustomerEmail) {
		errs = append(errs, validation.ValidationError{Field: "customer_email", Message: "must be a valid email address"})
	}
	if len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	outcome, err := h.service.HandleFailedCharge(c.Request.Context(), req.GatewayChargeRef, &FailureEvent{
		Code:                     req.Code,
		Message:                  validation.SanitizeString(req.Message, 1024),
		CustomerID:               req.CustomerID,
		CustomerEmail:            req.CustomerEmail,
		AmountCents:              req.AmountCents,
		Currency:                 req.Currency,
		IPAddress:                req.IPAddress,
		PaymentMethodFingerprint: validation.SanitizeString(req.PaymentMethodFingerprint, 128),
		Metadata:                 req.Metadata,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, outcome)
}

// GetFailure handles GET /v1/payments/failures/:id
func (h *Handler) GetFailure(c *gin.Context) {
	fp, attempts, err := h.service.GetFailedPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No failed payment with this ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"failed_payment": fp,
		"attempts":       attempts,
	})
}

// ListFailures handles GET /v1/payments/failures
func (h *Handler) ListFailures(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	status := Status(c.Query("status"))

	payments, err := h.service.ListFailedPayments(c.Request.Context(), status, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"failed_payments": payments,
		"count":           len(payments),
	})
}

// ListAttempts handles GET /v1/payments/failures/:id/attempts
func (h *Handler) ListAttempts(c *gin.Context) {
	_, attempts, err := h.service.GetFailedPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No failed payment with this ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"attempts": attempts,
		"count":    len(attempts),
	})
}

// GetPattern handles GET /v1/customers/:email/pattern
func (h *Handler) GetPattern(c *gin.Context) {
	email := c.Param("email")
	if !validation.IsValidEmail(email) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_email",
			"message": "must be a valid email address",
		})
		return
	}

	pattern, err := h.service.GetCustomerPattern(c.Request.Context(), email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No payment pattern for this customer",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, pattern)
}

// RetryPayment handles POST /v1/admin/payments/retries/:id
func (h *Handler) RetryPayment(c *gin.Context) {
	result, err := h.service.RetryFailedPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No failed payment with this ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// ProcessRetries handles POST /v1/admin/payments/retries/process
func (h *Handler) ProcessRetries(c *gin.Context) {
	results := h.service.ProcessPendingRetries(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"processed": results,
		"count":     len(results),
	})
}
