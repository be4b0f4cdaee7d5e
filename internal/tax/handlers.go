package tax

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/idgen"
	"github.com/localmarket/paycore/internal/respond"
	"github.com/localmarket/paycore/internal/validation"
)

// LocationResolver finds a business's registered location.
type LocationResolver interface {
	BusinessLocation(ctx context.Context, businessID string) (*Location, error)
}

// Handler provides HTTP endpoints for tax calculation and exemptions.
type Handler struct {
	calc      *Calculator
	store     ExemptionStore
	locations LocationResolver
}

// NewHandler creates a new tax handler.
func NewHandler(calc *Calculator, store ExemptionStore, locations LocationResolver) *Handler {
	return &Handler{calc: calc, store: store, locations: locations}
}

// RegisterRoutes sets up tax routes available to any authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/tax/calculate", h.Calculate)
}

// RegisterBusinessRoutes sets up routes scoped to a business the caller may access.
func (h *Handler) RegisterBusinessRoutes(r *gin.RouterGroup) {
	r.GET("/businesses/:id/tax-exemptions", h.ListExemptions)
}

// RegisterAdminRoutes sets up exemption management routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tax/exemptions", h.CreateExemption)
	r.DELETE("/tax/exemptions/:id", h.DeactivateExemption)
}

type calculateRequest struct {
	BusinessID       string      `json:"businessId"`
	Amount           int64       `json:"amount"`
	BusinessLocation *Location   `json:"businessLocation,omitempty"`
	CustomerLocation *Location   `json:"customerLocation,omitempty"`
	ProductType      ProductType `json:"productType,omitempty"`
	ExemptionID      string      `json:"exemptionId,omitempty"`
}

// Calculate handles POST /v1/tax/calculate
func (h *Handler) Calculate(c *gin.Context) {
	var req calculateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if err := validation.Validate(
		validation.Required("businessId", req.BusinessID),
		validation.ValidID("businessId", req.BusinessID),
		validation.Positive("amount", req.Amount),
		validation.ValidID("exemptionId", req.ExemptionID),
	).Err(); err != nil {
		respond.Fail(c, err)
		return
	}

	loc := req.BusinessLocation
	if loc == nil && h.locations != nil {
		var err error
		if loc, err = h.locations.BusinessLocation(c.Request.Context(), req.BusinessID); err != nil {
			respond.Fail(c, err)
			return
		}
	}

	res, err := h.calc.Calculate(c.Request.Context(), Request{
		BusinessID:       req.BusinessID,
		Amount:           req.Amount,
		BusinessLocation: loc,
		CustomerLocation: req.CustomerLocation,
		ProductType:      req.ProductType,
		ExemptionID:      req.ExemptionID,
	})
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, res)
}

type createExemptionRequest struct {
	BusinessID        string        `json:"businessId"`
	Type              ExemptionType `json:"type"`
	CertificateNumber string        `json:"certificateNumber"`
	Jurisdiction      string        `json:"jurisdiction"`
	ValidFrom         *time.Time    `json:"validFrom"`
	ValidUntil        *time.Time    `json:"validUntil"`
}

// CreateExemption handles POST /v1/tax/exemptions
func (h *Handler) CreateExemption(c *gin.Context) {
	var req createExemptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if err := validation.Validate(
		validation.Required("businessId", req.BusinessID),
		validation.ValidID("businessId", req.BusinessID),
		validation.MaxLength("certificateNumber", req.CertificateNumber, 64),
		validation.MaxLength("jurisdiction", req.Jurisdiction, 2),
	).Err(); err != nil {
		respond.Fail(c, err)
		return
	}
	if !req.Type.Valid() {
		respond.Fail(c, apperr.Wrap(apperr.KindValidation, "type: unknown exemption type", ErrUnknownExemption))
		return
	}

	now := time.Now().UTC()
	e := &Exemption{
		ID:                idgen.WithPrefix("txe_"),
		BusinessID:        req.BusinessID,
		Type:              req.Type,
		CertificateNumber: validation.SanitizeString(req.CertificateNumber, 64),
		Jurisdiction:      normalizeState(req.Jurisdiction),
		Active:            true,
		ValidFrom:         now,
		ValidUntil:        req.ValidUntil,
		CreatedAt:         now,
	}
	if req.ValidFrom != nil {
		e.ValidFrom = *req.ValidFrom
	}
	if e.ValidUntil != nil && !e.ValidUntil.After(e.ValidFrom) {
		respond.BadRequest(c, "validUntil must be after validFrom")
		return
	}

	if err := h.store.Create(c.Request.Context(), e); err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, e)
}

// DeactivateExemption handles DELETE /v1/tax/exemptions/:id
func (h *Handler) DeactivateExemption(c *gin.Context) {
	if err := h.store.Deactivate(c.Request.Context(), c.Param("id")); err != nil {
		respond.Fail(c, notFound(err))
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"id": c.Param("id"), "active": false})
}

// ListExemptions handles GET /v1/businesses/:id/tax-exemptions
func (h *Handler) ListExemptions(c *gin.Context) {
	list, err := h.store.ListByBusiness(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if list == nil {
		list = []*Exemption{}
	}
	respond.OK(c, http.StatusOK, gin.H{"exemptions": list})
}

func notFound(err error) error {
	if errors.Is(err, ErrExemptionNotFound) {
		return apperr.Wrap(apperr.KindNotFound, "Exemption not found", err)
	}
	return err
}
