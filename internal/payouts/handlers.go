package payouts

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/pagination"
	"github.com/localmarket/paycore/internal/respond"
)

// Handler provides HTTP endpoints for payouts.
type Handler struct {
	service *Service
}

// NewHandler creates a new payout handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up routes that act on a single payout.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payouts/:id", h.Get)
}

// RegisterOwnerRoutes sets up routes scoped to a business the caller owns.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.POST("/businesses/:id/payouts", h.Create)
	r.GET("/businesses/:id/payouts", h.List)
	r.GET("/businesses/:id/payouts/available", h.Available)
	r.GET("/businesses/:id/payout-schedule", h.GetSchedule)
	r.PUT("/businesses/:id/payout-schedule", h.PutSchedule)
}

// RegisterAdminRoutes sets up operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/payouts/sweep", h.Sweep)
}

// Create handles POST /v1/businesses/:id/payouts
func (h *Handler) Create(c *gin.Context) {
	var req CreatePayoutRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respond.BadRequest(c, "invalid request body")
			return
		}
	}
	req.BusinessID = c.Param("id")

	p, err := h.service.CreatePayout(c.Request.Context(), req)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, p)
}

// List handles GET /v1/businesses/:id/payouts
func (h *Handler) List(c *gin.Context) {
	page, err := pagination.FromQuery(c.Query("limit"), c.Query("cursor"))
	if err != nil {
		respond.Fail(c, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := h.service.business(ctx, c.Param("id")); err != nil {
		respond.Fail(c, err)
		return
	}

	list, err := h.service.List(ctx, c.Param("id"), page.Fetch(), page.Before)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	list, next := pagination.Trim(list, page, func(p *Payout) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	respond.OK(c, http.StatusOK, gin.H{
		"payouts":    list,
		"count":      len(list),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// Available handles GET /v1/businesses/:id/payouts/available
func (h *Handler) Available(c *gin.Context) {
	a, err := h.service.Available(c.Request.Context(), c.Param("id"), c.Query("currency"))
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, a)
}

// Get handles GET /v1/payouts/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, p)
}

// GetSchedule handles GET /v1/businesses/:id/payout-schedule
func (h *Handler) GetSchedule(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.service.business(ctx, c.Param("id")); err != nil {
		respond.Fail(c, err)
		return
	}
	sched, err := h.service.Schedule(ctx, c.Param("id"))
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, sched)
}

// PutSchedule handles PUT /v1/businesses/:id/payout-schedule
func (h *Handler) PutSchedule(c *gin.Context) {
	var sched Schedule
	if err := c.ShouldBindJSON(&sched); err != nil {
		respond.BadRequest(c, "invalid request body")
		return
	}
	sched.BusinessID = c.Param("id")
	sched.LastRunAt = nil

	if err := h.service.SetSchedule(c.Request.Context(), &sched); err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, sched)
}

// Sweep handles POST /v1/admin/payouts/sweep
func (h *Handler) Sweep(c *gin.Context) {
	report, err := h.service.ProcessScheduledPayouts(c.Request.Context(), h.service.now())
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, report)
}
