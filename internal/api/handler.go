package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// maxWebhookBody matches the largest event the provider sends
const maxWebhookBody = 64 << 10

// Pinger reports whether a dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	carts    *service.CartService
	checkout *service.CheckoutService
	webhooks *service.WebhookIngestor
	db       Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(carts *service.CartService, checkout *service.CheckoutService, webhooks *service.WebhookIngestor, db Pinger) *Handler {
	return &Handler{
		carts:    carts,
		checkout: checkout,
		webhooks: webhooks,
		db:       db,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/carts", h.createCart)
		v1.GET("/carts/:id", h.getCart)
		v1.POST("/carts/:id/items", h.addItem)
		v1.PUT("/carts/:id/items/:variantId", h.updateItem)
		v1.DELETE("/carts/:id/items/:variantId", h.removeItem)

		v1.POST("/checkout", h.beginCheckout)
		v1.GET("/checkout/:id", h.getCheckout)
		v1.POST("/checkout/:id/cancel", h.cancelCheckout)
		v1.GET("/checkout/:id/audit", h.getCheckoutAudit)

		v1.POST("/webhooks/stripe", h.stripeWebhook)
	}
}

type addItemRequest struct {
	VariantID string `json:"variant_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
}

type updateItemRequest struct {
	Quantity *int `json:"quantity" binding:"required,min=0"`
}

type beginCheckoutRequest struct {
	CartID string `json:"cart_id" binding:"required"`
}

type cancelCheckoutRequest struct {
	Reason string `json:"reason"`
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once the database answers
func (h *Handler) readinessCheck(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unavailable",
				"details": err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func cartResponse(cart *models.Cart) gin.H {
	return gin.H{
		"cart":  cart,
		"total": cart.Total().StringFixed(2),
	}
}

// createCart opens a cart with its first item
func (h *Handler) createCart(c *gin.Context) {
	var req addItemRequest
	if !bind(c, &req) {
		return
	}

	cart, err := h.carts.CreateCart(c.Request.Context(), req.VariantID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, cartResponse(cart))
}

func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.carts.GetCart(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartResponse(cart))
}

func (h *Handler) addItem(c *gin.Context) {
	var req addItemRequest
	if !bind(c, &req) {
		return
	}

	cart, err := h.carts.AddItem(c.Request.Context(), c.Param("id"), req.VariantID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartResponse(cart))
}

// updateItem sets a line's quantity; zero removes it
func (h *Handler) updateItem(c *gin.Context) {
	var req updateItemRequest
	if !bind(c, &req) {
		return
	}

	cart, err := h.carts.UpdateQuantity(c.Request.Context(), c.Param("id"), c.Param("variantId"), *req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartResponse(cart))
}

func (h *Handler) removeItem(c *gin.Context) {
	cart, err := h.carts.RemoveItem(c.Request.Context(), c.Param("id"), c.Param("variantId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cartResponse(cart))
}

// beginCheckout returns where to send the shopper to pay
func (h *Handler) beginCheckout(c *gin.Context) {
	var req beginCheckoutRequest
	if !bind(c, &req) {
		return
	}

	res, err := h.checkout.Begin(c.Request.Context(), req.CartID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) getCheckout(c *gin.Context) {
	session, err := h.checkout.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) getCheckoutAudit(c *gin.Context) {
	trail, err := h.checkout.AuditTrail(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	if trail == nil {
		trail = []models.AuditEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": trail})
}

func (h *Handler) cancelCheckout(c *gin.Context) {
	var req cancelCheckoutRequest
	// the body is optional
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "shopper"
	}

	cancelled, err := h.checkout.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": cancelled})
}

// stripeWebhook answers as soon as the event is stored; fulfillment runs
// off the queue
func (h *Handler) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}
	if len(payload) > maxWebhookBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Body too large"})
		return
	}

	res, err := h.webhooks.Receive(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Malformed event"})
			return
		}
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "result": res})
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

// statusFor maps error kinds to HTTP status codes
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInsufficientStock):
		return http.StatusConflict, "Insufficient stock"
	case errors.Is(err, models.ErrCartClosed):
		return http.StatusConflict, "Cart is not open"
	case errors.Is(err, models.ErrSessionExpired):
		return http.StatusGone, "Checkout session expired"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, models.ErrCartEmpty):
		return http.StatusUnprocessableEntity, "Cart is empty"
	case errors.Is(err, models.ErrValidation):
		return http.StatusUnprocessableEntity, "Validation failed"
	case errors.Is(err, models.ErrInvalidSignature):
		return http.StatusBadRequest, "Invalid signature"
	case errors.Is(err, models.ErrProviderUnavailable):
		return http.StatusBadGateway, "Payment provider unavailable"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func (h *Handler) respondError(c *gin.Context, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	body := gin.H{"error": msg}
	if status != http.StatusInternalServerError && status != http.StatusBadRequest {
		body["details"] = err.Error()
	}
	c.JSON(status, body)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
