package notify

import (
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/idgen"
	"github.com/localmarket/paycore/internal/respond"
	"github.com/localmarket/paycore/internal/validation"
)

// Handler provides HTTP endpoints for a business's webhook subscriptions.
type Handler struct {
	store        Store
	requireHTTPS bool
}

// NewHandler creates a subscription handler. With requireHTTPS set, only
// https endpoints are accepted.
func NewHandler(store Store, requireHTTPS bool) *Handler {
	return &Handler{store: store, requireHTTPS: requireHTTPS}
}

// RegisterOwnerRoutes sets up routes scoped to a business the caller owns.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.POST("/businesses/:id/webhooks", h.Create)
	r.GET("/businesses/:id/webhooks", h.List)
	r.DELETE("/businesses/:id/webhooks/:webhookId", h.Delete)
}

// CreateRequest registers a webhook endpoint.
type CreateRequest struct {
	URL    string      `json:"url"`
	Events []EventType `json:"events"`
}

// Create handles POST /v1/businesses/:id/webhooks. The signing secret is
// returned only in this response.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid request body")
		return
	}

	errs := validation.Validate(
		validation.Required("url", req.URL),
		validation.MaxLength("url", req.URL, 2048),
	)
	if req.URL != "" && !h.validURL(req.URL) {
		errs = append(errs, validation.ValidationError{Field: "url", Message: h.urlMessage()})
	}
	events := req.Events
	if len(events) == 0 {
		events = AllEvents
	}
	for _, e := range events {
		if !e.Valid() {
			errs = append(errs, validation.ValidationError{Field: "events", Message: "unknown event type " + string(e)})
			break
		}
	}
	if len(errs) > 0 {
		respond.Fail(c, errs.Err())
		return
	}

	sub := &Subscription{
		ID:         idgen.WithPrefix("wh_"),
		BusinessID: c.Param("id"),
		URL:        req.URL,
		Secret:     "whsec_" + idgen.Hex(24),
		Events:     events,
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, gin.H{"subscription": sub, "secret": sub.Secret})
}

// List handles GET /v1/businesses/:id/webhooks
func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.ListByBusiness(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond.Fail(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	respond.OK(c, http.StatusOK, gin.H{"subscriptions": subs})
}

// Delete handles DELETE /v1/businesses/:id/webhooks/:webhookId
func (h *Handler) Delete(c *gin.Context) {
	if err := h.store.Delete(c.Request.Context(), c.Param("id"), c.Param("webhookId")); err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) validURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme == "https" {
		return true
	}
	return u.Scheme == "http" && !h.requireHTTPS
}

func (h *Handler) urlMessage() string {
	if h.requireHTTPS {
		return "must be an absolute https URL"
	}
	return "must be an absolute http or https URL"
}
