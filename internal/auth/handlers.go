package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/respond"
	"github.com/localmarket/paycore/internal/validation"
)

// Handler provides HTTP endpoints for key management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler.
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up key routes for the authenticated caller.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes sets up key issuance for admins.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/keys", h.IssueKey)
}

// Me returns the identity behind the caller's key.
func (h *Handler) Me(c *gin.Context) {
	key, _ := GetAPIKey(c)
	respond.OK(c, http.StatusOK, gin.H{
		"userId":  key.UserID,
		"role":    key.Role,
		"keyId":   key.ID,
		"keyName": key.Name,
	})
}

// ListKeys returns the caller's keys without hashes.
func (h *Handler) ListKeys(c *gin.Context) {
	key, _ := GetAPIKey(c)
	keys, err := h.manager.ListKeys(c.Request.Context(), key.UserID)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// CreateKeyRequest is the request body for creating a key.
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues another key with the caller's own identity and role.
func (h *Handler) CreateKey(c *gin.Context) {
	key, _ := GetAPIKey(c)

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	req.Name = validation.SanitizeString(req.Name, validation.MaxStringLength)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.UserID, key.Role, req.Name)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// IssueKeyRequest is the admin request body for issuing a key.
type IssueKeyRequest struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
	Name   string `json:"name"`
}

// IssueKey creates a key for any user and role.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "invalid request body")
		return
	}
	errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.ValidID("userId", req.UserID),
	)
	if !req.Role.Valid() {
		errs = append(errs, validation.ValidationError{Field: "role", Message: "must be customer, owner or admin"})
	}
	if len(errs) > 0 {
		respond.Fail(c, errs.Err())
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.UserID, req.Role, req.Name)
	if err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusCreated, gin.H{"apiKey": rawKey, "key": key})
}

// RevokeKey revokes one of the caller's other keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, _ := GetAPIKey(c)
	keyID := c.Param("keyId")

	if keyID == key.ID {
		respond.BadRequest(c, "cannot revoke the key you are using")
		return
	}
	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.UserID); err != nil {
		respond.Fail(c, err)
		return
	}
	respond.OK(c, http.StatusOK, gin.H{"keyId": keyID, "revoked": true})
}
