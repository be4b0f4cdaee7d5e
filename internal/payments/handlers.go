package payments

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/logging"
	"github.com/localmarket/paycore/internal/metrics"
	"github.com/localmarket/paycore/internal/pagination"
	"github.com/localmarket/paycore/internal/processor"
	"github.com/localmarket/paycore/internal/respond"
	"github.com/localmarket/paycore/internal/validation"
)

// maxWebhookBody caps the webhook payload read into memory.
const maxWebhookBody = 64 << 10

// Handler provides HTTP endpoints for payment operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up routes for authenticated callers. Ownership is
// checked by the service against the caller in the request context.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/intents", h.CreateIntent)
	r.POST("/payments/:id/confirm", h.Confirm)
	r.POST("/payments/:id/capture", h.Capture)
	r.POST("/payments/:id/cancel", h.Cancel)
	r.POST("/payments/:id/refund", h.Refund)
	r.GET("/payments/:id", h.Get)
}

// RegisterOwnerRoutes sets up routes scoped to a business the caller owns.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.GET("/businesses/:id/payments", h.ListByBusiness)
}

// CreateIntent handles POST /v1/payments/intents
func (h *Handler) CreateIntent(c *gin.Context) {
	var req CreateIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid request body")
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	if err := validation.Validate(validation.MaxLength("Idempotency-Key", req.IdempotencyKey, 255)).Err(); err != nil {
		respond.Fail(c, err)
		return
	}

	res, err := h.service.CreateIntent(c.Request.Context(), req)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	respond.OK(c, status, res)
}

// Confirm handles POST /v1/payments/:id/confirm
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid request body")
		return
	}
	req.IntentID = c.Param("id")

	res, err := h.service.Confirm(c.Request.Context(), req)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, res)
}

// Capture handles POST /v1/payments/:id/capture
func (h *Handler) Capture(c *gin.Context) {
	var req CaptureRequest
	if !bindOptional(c, &req) {
		return
	}
	req.IntentID = c.Param("id")

	res, err := h.service.Capture(c.Request.Context(), req)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, res)
}

// Cancel handles POST /v1/payments/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req CancelRequest
	if !bindOptional(c, &req) {
		return
	}
	req.IntentID = c.Param("id")

	pi, err := h.service.Cancel(c.Request.Context(), req)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{
		"paymentIntentId": pi.ID,
		"status":          pi.Status,
		"cancelledAt":     pi.CancelledAt,
	})
}

// Refund handles POST /v1/payments/:id/refund
func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid request body")
		return
	}
	req.IntentID = c.Param("id")

	res, err := h.service.Refund(c.Request.Context(), req)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, res)
}

// Get handles GET /v1/payments/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, d)
}

// ListByBusiness handles GET /v1/businesses/:id/payments
func (h *Handler) ListByBusiness(c *gin.Context) {
	page, err := pagination.FromQuery(c.Query("limit"), c.Query("cursor"))
	if err != nil {
		respond.Fail(c, err)
		return
	}
	f := ListFilter{Status: Status(c.Query("status")), Limit: page.Fetch()}
	if page.Before != nil {
		f.BeforeCreatedAt, f.BeforeID = &page.Before.CreatedAt, page.Before.ID
	}

	intents, err := h.service.List(c.Request.Context(), c.Param("id"), f)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	intents, next := pagination.Trim(intents, page, func(pi *PaymentIntent) (time.Time, string) {
		return pi.CreatedAt, pi.ID
	})
	respond.OK(c, http.StatusOK, gin.H{
		"payments":   intents,
		"count":      len(intents),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		respond.BadRequest(c, "invalid request body")
		return false
	}
	return true
}

// EventHandler applies verified processor events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev *processor.Event) error
}

// WebhookHandler receives processor webhooks, verifies them, drops
// duplicates and fans each event out to the registered handlers.
type WebhookHandler struct {
	gateway  processor.Gateway
	store    Store
	handlers []EventHandler
}

// NewWebhookHandler creates a webhook endpoint. store records processed
// event ids.
func NewWebhookHandler(gateway processor.Gateway, store Store, handlers ...EventHandler) *WebhookHandler {
	return &WebhookHandler{gateway: gateway, store: store, handlers: handlers}
}

// RegisterRoutes sets up the unauthenticated webhook route.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Receive)
}

// Receive handles POST /v1/webhooks/stripe. A non-2xx answer makes the
// processor redeliver, so only failures worth retrying return 500.
func (h *WebhookHandler) Receive(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	ev, err := h.gateway.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		logging.L(ctx).Warn("webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	seen, err := h.store.EventProcessed(ctx, ev.ID)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "error").Inc()
		logging.L(ctx).Error("webhook dedupe lookup failed", "event_id", ev.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "temporarily unavailable"})
		return
	}
	if seen {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "duplicate").Inc()
		c.JSON(http.StatusOK, gin.H{"received": true, "duplicate": true})
		return
	}

	for _, handler := range h.handlers {
		if err := handler.HandleEvent(ctx, ev); err != nil {
			metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "error").Inc()
			logging.L(ctx).Error("webhook handling failed",
				"event_id", ev.ID, "type", ev.Type, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "event not applied"})
			return
		}
	}

	if _, err := h.store.MarkEventProcessed(ctx, ev.ID, ev.Type); err != nil {
		logging.L(ctx).Warn("failed to record processed webhook", "event_id", ev.ID, "error", err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "processed").Inc()
	c.JSON(http.StatusOK, gin.H{"received": true})
}
