package audit

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/pagination"
	"github.com/localmarket/paycore/internal/respond"
)

// Handler exposes a business's audit trail.
type Handler struct {
	log Logger
}

// NewHandler creates a new audit handler.
func NewHandler(log Logger) *Handler {
	return &Handler{log: log}
}

// RegisterOwnerRoutes sets up routes scoped to a business the caller owns.
func (h *Handler) RegisterOwnerRoutes(r *gin.RouterGroup) {
	r.GET("/businesses/:id/audit", h.ListByBusiness)
}

// ListByBusiness pages through audit entries newest first.
func (h *Handler) ListByBusiness(c *gin.Context) {
	page, err := pagination.FromQuery(c.Query("limit"), c.Query("cursor"))
	if err != nil {
		respond.Fail(c, err)
		return
	}

	f := Filter{
		BusinessID: c.Param("id"),
		Operation:  Operation(c.Query("operation")),
		Limit:      page.Fetch(),
	}
	if page.Before != nil {
		f.Before, f.BeforeID = page.Before.CreatedAt, page.Before.ID
	}
	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respond.BadRequest(c, "since must be RFC3339")
			return
		}
		f.Since = ts
	}

	entries, err := h.log.List(c.Request.Context(), f)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	entries, next := pagination.Trim(entries, page, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	respond.OK(c, http.StatusOK, gin.H{
		"entries":    entries,
		"count":      len(entries),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}
