package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"salon-loyalty/internal/audit"
	"salon-loyalty/internal/auth"
	"salon-loyalty/internal/policy"
	"salon-loyalty/internal/rbac"
	"salon-loyalty/internal/reporting"
	"salon-loyalty/internal/settlement"
	"salon-loyalty/internal/wallet"
	"salon-loyalty/pkg/logger"

	"github.com/gin-gonic/gin"
)

const headerIdempotencyKey = "Idempotency-Key"

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth     *auth.Manager
	Wallets  *wallet.Service
	Engine   *settlement.Engine
	Policies *policy.Service
	Reports  *reporting.Service
	// Audit is optional; policy changes are logged best-effort.
	Audit *audit.Service
}

// --- Auth ---

type loginRequest struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: Development-only endpoint. Credentials are checked by the CRM's
// identity service, which this service trusts through the token.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.TenantID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, tenant_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.TenantID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Wallet ---

// OpenWallet is called by the client service right after a client is created.
func (h Handlers) OpenWallet(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	snap, err := h.Wallets.Open(c.Request.Context(), tenantID, c.Param("client_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snap)
}

func (h Handlers) GetWallet(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	snap, err := h.Wallets.Get(c.Request.Context(), tenantID, c.Param("client_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h Handlers) ListLedger(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	page, err := h.Wallets.ListLedger(c.Request.Context(), tenantID, c.Param("client_id"), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type topUpRequest struct {
	Amount    int64      `json:"amount"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Reason    string     `json:"reason"`
}

// TopUp adds manual credit. RBAC: owner or manager.
func (h Handlers) TopUp(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	staff, _ := auth.StaffFrom(c.Request.Context())

	res, err := h.Engine.TopUp(c.Request.Context(), settlement.TopUpRequest{
		TenantID:       tenantID,
		ClientID:       c.Param("client_id"),
		Amount:         req.Amount,
		ExpiresAt:      req.ExpiresAt,
		Reason:         req.Reason,
		ActorID:        staff.UserID,
		ActorRole:      staff.Role,
		IPAddress:      c.ClientIP(),
		IdempotencyKey: strings.TrimSpace(c.GetHeader(headerIdempotencyKey)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// --- Settlement ---

type settleRequest struct {
	ClientID        string `json:"client_id"`
	RequestedAmount int64  `json:"requested_amount"`
	// UseWallet falls back to the tenant's wallet_enabled_by_default.
	UseWallet   *bool  `json:"use_wallet,omitempty"`
	Description string `json:"description"`
	ServiceID   string `json:"service_id,omitempty"`
}

// Settle is called by the service-recording flow for every billable service.
func (h Handlers) Settle(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()

	p, err := h.Policies.Get(ctx, tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	useWallet := p.WalletEnabledByDefault
	if req.UseWallet != nil {
		useWallet = *req.UseWallet
	}
	actorID, _ := auth.UserID(ctx)

	res, err := h.Engine.Settle(ctx, settlement.Request{
		TenantID:        tenantID,
		ClientID:        req.ClientID,
		RequestedAmount: req.RequestedAmount,
		UseWallet:       useWallet,
		Policy:          p,
		Description:     req.Description,
		ActorID:         actorID,
		ServiceID:       req.ServiceID,
		IdempotencyKey:  strings.TrimSpace(c.GetHeader(headerIdempotencyKey)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

type attachServiceRequest struct {
	ServiceID string `json:"service_id"`
}

func (h Handlers) AttachService(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req attachServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	n, err := h.Engine.AttachService(c.Request.Context(), tenantID, c.Param("settlement_id"), req.ServiceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settlement_id": c.Param("settlement_id"), "service_id": req.ServiceID, "updated_entries": n})
}

// --- Settings ---

func (h Handlers) GetPolicy(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	p, err := h.Policies.Get(c.Request.Context(), tenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// PutPolicy replaces the tenant policy. RBAC: owner or manager.
func (h Handlers) PutPolicy(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	var req policy.Policy
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	ctx := c.Request.Context()
	actorID, _ := auth.UserID(ctx)

	p, err := h.Policies.Put(ctx, tenantID, req, actorID)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		role, _ := auth.Role(ctx)
		meta, _ := json.Marshal(p)
		if err := h.Audit.LogPolicyChange(ctx, tenantID, actorID, role, c.ClientIP(), string(meta)); err != nil {
			logger.FromGin(c).WarnContext(ctx, "audit append failed", "error", err)
		}
	}
	c.JSON(http.StatusOK, p)
}

// --- Reports ---

// WalletSummary aggregates ledger movement over [from, to). Both bounds are
// RFC 3339 timestamps.
func (h Handlers) WalletSummary(c *gin.Context) {
	tenantID, ok := requireTenant(c)
	if !ok {
		return
	}
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339 timestamps"})
		return
	}
	out, err := h.Reports.WalletSummary(c.Request.Context(), reporting.WalletSummaryRequest{
		TenantID: tenantID,
		ClientID: c.Query("client_id"),
		Range:    reporting.TimeRange{From: from.UTC(), To: to.UTC()},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// Convenience middleware bundles.

func RequireTenantAndAnyRole(roles ...string) []gin.HandlerFunc {
	return []gin.HandlerFunc{rbac.RequireTenant(), rbac.RequireAnyRole(roles...)}
}

func requireTenant(c *gin.Context) (string, bool) {
	tenantID, err := auth.TenantID(c.Request.Context())
	if err != nil || tenantID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return "", false
	}
	return tenantID, true
}

// writeError is the single place domain errors become HTTP statuses.
// Client errors echo the message; server errors do not.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	_ = c.Error(err)
	if status >= http.StatusInternalServerError {
		logger.FromGin(c).ErrorContext(c.Request.Context(), "request failed", "status", status, "error", err)
		msg := "internal error"
		if status == http.StatusServiceUnavailable {
			msg = "temporarily unavailable, retry later"
		}
		c.AbortWithStatusJSON(status, gin.H{"error": msg})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrInvalidArgument),
		errors.Is(err, policy.ErrInvalidPolicy),
		errors.Is(err, policy.ErrInvalidArgument),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, wallet.ErrWalletNotFound), errors.Is(err, wallet.ErrSettlementNotFound):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrConcurrencyConflict), errors.Is(err, wallet.ErrWalletExists):
		return http.StatusConflict
	case errors.Is(err, wallet.ErrPersistence),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		// Includes ErrInsufficientBalance and ErrInvalidConsumption: the
		// engine never asks for more than the books hold, so these are bugs.
		return http.StatusInternalServerError
	}
}
