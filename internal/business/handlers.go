package business

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/respond"
	"github.com/localmarket/paycore/internal/tax"
	"github.com/localmarket/paycore/internal/validation"
	"github.com/shopspring/decimal"
)

// Handler exposes the minimal business and reservation surface the payment
// core needs: owners read their business, admins register and update records
// synced from the marketplace catalog.
type Handler struct {
	dir Directory
}

// NewHandler creates a new business handler.
func NewHandler(dir Directory) *Handler {
	return &Handler{dir: dir}
}

// RegisterOwnerRoutes sets up routes scoped to a business the caller owns.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.GET("/businesses/:id", h.GetBusiness)
}

// RegisterAdminRoutes sets up catalog sync routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/admin/businesses/:id", h.PutBusiness)
	r.PUT("/admin/reservations/:id", h.PutReservation)
}

// GetBusiness returns a business.
func (h *Handler) GetBusiness(c *gin.Context) {
	b, err := h.dir.GetBusiness(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{
		"business":         b,
		"paymentsEnabled":  b.Eligible() == nil,
		"hasPayoutAccount": b.StripeAccountID != "",
	})
}

// PutBusinessRequest registers or updates a business.
type PutBusinessRequest struct {
	OwnerID         string       `json:"ownerId"`
	Name            string       `json:"name"`
	StripeAccountID string       `json:"stripeAccountId"`
	Active          bool         `json:"active"`
	Location        tax.Location `json:"location"`
	FeePercent      *string      `json:"feePercent,omitempty"`
}

// PutBusiness upserts a business.
func (h *Handler) PutBusiness(c *gin.Context) {
	var req PutBusinessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid request body")
		return
	}
	errs := validation.Validate(
		validation.Required("ownerId", req.OwnerID),
		validation.ValidID("ownerId", req.OwnerID),
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, validation.MaxStringLength),
		validation.Required("location.state", req.Location.State),
	)
	b := &Business{
		ID:              c.Param("id"),
		OwnerID:         req.OwnerID,
		Name:            validation.SanitizeString(req.Name, validation.MaxStringLength),
		StripeAccountID: req.StripeAccountID,
		Active:          req.Active,
		Location:        req.Location,
	}
	if req.FeePercent != nil {
		d, err := decimal.NewFromString(*req.FeePercent)
		if err != nil || d.IsNegative() || d.GreaterThanOrEqual(decimal.NewFromInt(100)) {
			errs = append(errs, validation.ValidationError{Field: "feePercent", Message: "must be a number in [0, 100)"})
		} else {
			b.FeePercent = &d
		}
	}
	if len(errs) > 0 {
		respond.Fail(c, errs.Err())
		return
	}

	if err := h.dir.UpsertBusiness(c.Request.Context(), b); err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"business": b})
}

// PutReservationRequest registers or updates a reservation.
type PutReservationRequest struct {
	BusinessID       string           `json:"businessId"`
	CustomerID       string           `json:"customerId"`
	CompletionStatus CompletionStatus `json:"completionStatus"`
}

// PutReservation upserts a reservation's completion state. Payment status
// is owned by the payment core and is preserved.
func (h *Handler) PutReservation(c *gin.Context) {
	var req PutReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid request body")
		return
	}
	errs := validation.Validate(
		validation.Required("businessId", req.BusinessID),
		validation.ValidID("businessId", req.BusinessID),
		validation.ValidID("customerId", req.CustomerID),
	)
	switch req.CompletionStatus {
	case CompletionPending, CompletionConfirmed, CompletionCompleted, CompletionCancelled:
	default:
		errs = append(errs, validation.ValidationError{Field: "completionStatus", Message: "must be pending, confirmed, completed or cancelled"})
	}
	if len(errs) > 0 {
		respond.Fail(c, errs.Err())
		return
	}

	ctx := c.Request.Context()
	r := &Reservation{
		ID:               c.Param("id"),
		BusinessID:       req.BusinessID,
		CustomerID:       req.CustomerID,
		CompletionStatus: req.CompletionStatus,
		PaymentStatus:    PaymentPending,
	}
	if existing, err := h.dir.GetReservation(ctx, r.ID); err == nil {
		r.PaymentStatus = existing.PaymentStatus
		r.PaymentIntentID = existing.PaymentIntentID
	}
	if err := h.dir.UpsertReservation(ctx, r); err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"reservation": r})
}
