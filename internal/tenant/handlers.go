package tenant

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/monetize/internal/auth"
	"github.com/mbd888/monetize/internal/idgen"
	"github.com/mbd888/monetize/internal/logging"
	"github.com/mbd888/monetize/internal/tier"
	"github.com/mbd888/monetize/internal/validation"
)

var validSlug = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}[a-z0-9]$`)

// TierSource reports which tiers exist.
type TierSource interface {
	Tiers() tier.Table
}

// Handler provides HTTP endpoints for tenant management.
type Handler struct {
	store   Store
	authMgr *auth.Manager
	tiers   TierSource
}

// NewHandler creates a new tenant handler.
func NewHandler(store Store, authMgr *auth.Manager, tiers TierSource) *Handler {
	return &Handler{store: store, authMgr: authMgr, tiers: tiers}
}

// RegisterAdminRoutes sets up the admin-only tenant routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/tenants", h.CreateTenant)
	r.GET("/tenants/:id", h.GetTenant)
	r.PUT("/tenants/:id/tier", h.OverrideTier)
}

// RegisterProtectedRoutes sets up tenant self-service routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me", h.GetCurrentTenant)
}

// CreateTenant handles POST /v1/admin/tenants.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req struct {
		Name  string `json:"name" validate:"required,max=200"`
		Slug  string `json:"slug" validate:"required"`
		Email string `json:"email" validate:"omitempty,email"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "name and slug required"})
		return
	}
	if err := validation.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}

	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if !validSlug.MatchString(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_slug",
			"message": "slug must be 3-64 lowercase alphanumeric/hyphens, start/end with alphanumeric",
		})
		return
	}

	now := time.Now().UTC()
	t := &Tenant{
		ID:        idgen.WithPrefix("ten_"),
		Name:      validation.SanitizeString(req.Name, 200),
		Slug:      req.Slug,
		Email:     validation.NormalizeEmail(req.Email),
		Tier:      tier.Free,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.Create(c.Request.Context(), t); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "slug_taken", "message": "slug already in use"})
			return
		}
		logging.L(c.Request.Context()).Error("create tenant failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create tenant"})
		return
	}

	rawKey, keyInfo, err := h.authMgr.GenerateKey(c.Request.Context(), t.ID, "Tenant admin key")
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{
			"tenant":  t,
			"warning": "Tenant created but key generation failed. Use the admin API to create keys.",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"tenant":  t,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
	})
}

// GetTenant handles GET /v1/admin/tenants/:id
func (h *Handler) GetTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// OverrideTier handles PUT /v1/admin/tenants/:id/tier. This is the
// administrative override; subscription webhooks may later replace it.
func (h *Handler) OverrideTier(c *gin.Context) {
	var req struct {
		Tier tier.Name `json:"tier" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tier required"})
		return
	}
	if !h.tiers.Tiers().Has(req.Tier) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tier", "message": "unknown tier"})
		return
	}

	id := c.Param("id")
	if err := h.store.SetTier(c.Request.Context(), id, req.Tier); err != nil {
		h.writeLookupError(c, err)
		return
	}
	logging.L(c.Request.Context()).Info("tier overridden by admin", "tenant_id", id, "tier", req.Tier)

	t, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

// GetCurrentTenant handles GET /v1/me
func (h *Handler) GetCurrentTenant(c *gin.Context) {
	t, err := h.store.Get(c.Request.Context(), auth.GetTenantID(c))
	if err != nil {
		h.writeLookupError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": t})
}

func (h *Handler) writeLookupError(c *gin.Context, err error) {
	if errors.Is(err, ErrTenantNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "tenant not found"})
		return
	}
	logging.L(c.Request.Context()).Error("tenant lookup failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "tenant lookup failed"})
}
