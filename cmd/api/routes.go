package main

import (
	"context"
	"net/http"
	"time"

	"salon-loyalty/internal/auth"
	"salon-loyalty/internal/httpapi"
	"salon-loyalty/internal/rbac"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	handlers httpapi.Handlers
	authMW   gin.HandlerFunc
	// ready reports whether backing stores answer; nil means always ready.
	ready    func(ctx context.Context) error
	metrics  http.Handler
	devLogin bool
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := d.handlers

	// public
	r.GET("/healthz", func(c *gin.Context) {
		if d.ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := d.ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if d.metrics != nil {
		r.GET("/metrics", gin.WrapH(d.metrics))
	}
	if d.devLogin {
		r.POST("/v1/auth/login", h.Login)
	}

	// protected API group. Every route below /me carries its own tenant and
	// role gate so a group cannot be mounted without one.
	gated := func(roles []string, handler gin.HandlerFunc) []gin.HandlerFunc {
		return append(httpapi.RequireTenantAndAnyRole(roles...), handler)
	}
	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	{
		v1.GET("/me", rbac.RequireTenant(), func(c *gin.Context) {
			staff, err := auth.StaffFrom(c.Request.Context())
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			c.JSON(http.StatusOK, staff)
		})

		// CLIENT WALLET routes
		clients := v1.Group("/clients/:client_id")
		clients.Use(httpapi.RequireTenantAndAnyRole(rbac.FrontDesk...)...)
		{
			clients.POST("/wallet", h.OpenWallet)
			clients.GET("/wallet", h.GetWallet)
			clients.GET("/ledger", h.ListLedger)
		}
		// Manual credit is a management action.
		v1.POST("/clients/:client_id/wallet/top-up", gated(rbac.Management, h.TopUp)...)

		// SETTLEMENT routes
		settlements := v1.Group("/settlements")
		settlements.Use(httpapi.RequireTenantAndAnyRole(rbac.FrontDesk...)...)
		{
			settlements.POST("", h.Settle)
			settlements.POST("/:settlement_id/service", h.AttachService)
		}

		// SETTINGS routes
		settings := v1.Group("/settings")
		{
			settings.GET("/settlement-policy", gated(rbac.FrontDesk, h.GetPolicy)...)
			settings.PUT("/settlement-policy", gated(rbac.Management, h.PutPolicy)...)
		}

		// REPORT routes
		reports := v1.Group("/reports")
		reports.Use(httpapi.RequireTenantAndAnyRole(rbac.Management...)...)
		{
			reports.GET("/wallet-summary", h.WalletSummary)
		}
	}
}
