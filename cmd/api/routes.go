package main

import (
	"github.com/gin-gonic/gin"

	"callbridge/internal/httpapi"
	"callbridge/internal/rbac"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic; handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", h.Healthz)

	// Backend webhooks (public; guarded by shared secret when configured).
	r.POST("/webhooks/voice", h.VoiceWebhook)

	// Token issuance; disabled unless a bootstrap secret is configured.
	r.POST("/v1/auth/token", h.IssueToken)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		callsGroup := v1.Group("/calls")
		{
			dial := rbac.RequireAnyRole(rbac.RoleDispatcher)
			callsGroup.POST("", dial, h.InitiateCall)
			callsGroup.POST("/batch", dial, h.RunBatch)
			callsGroup.GET("/:call_id/result",
				rbac.RequireAnyRole(rbac.RoleDispatcher, rbac.RoleReadOnly), h.GetCallResult)
		}
	}
}
