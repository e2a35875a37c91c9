package main

import (
	"dialer-platform/internal/auth"
	"dialer-platform/internal/httpapi"
	"dialer-platform/internal/rbac"
	"dialer-platform/internal/telephony"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, authMW gin.HandlerFunc, h httpapi.Handlers, ing *telephony.Ingestor) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Carrier webhooks (public). The HMAC signature is the authentication;
	// unsigned or tampered payloads are rejected before any parsing.
	r.POST("/webhooks/carrier/events", telephony.WebhookHandler(ing))

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/me", func(c *gin.Context) {
			uid, _ := auth.UserID(c.Request.Context())
			wid, _ := auth.WorkspaceID(c.Request.Context())
			role, _ := auth.Role(c.Request.Context())
			c.JSON(200, gin.H{"user_id": uid, "workspace_id": wid, "role": role})
		})

		// AUTH routes (token issuance).
		// NOTE: This is a placeholder login route; real credential validation is not implemented.
		v1.POST("/auth/login", h.Login)

		// CAMPAIGN routes: lifecycle and dial-list management.
		campaignsGroup := v1.Group("/campaigns")
		campaignsGroup.Use(rbac.RequireWorkspace())
		campaignsGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSupervisor, rbac.RoleSuperAdmin))
		{
			campaignsGroup.POST("", h.CreateCampaign)
			campaignsGroup.GET("/:campaign_id", h.GetCampaign)
			campaignsGroup.POST("/:campaign_id/start", h.StartCampaign)
			campaignsGroup.POST("/:campaign_id/pause", h.PauseCampaign)
			campaignsGroup.POST("/:campaign_id/stop", h.StopCampaign)
			campaignsGroup.POST("/:campaign_id/targets", h.AddTargets)
			campaignsGroup.POST("/:campaign_id/targets/reset-skipped", h.ResetSkippedTargets)
			campaignsGroup.POST("/:campaign_id/tick", h.TickCampaign)
		}

		// AGENT routes. Agents manage their own availability; supervisors
		// manage the roster.
		agentsGroup := v1.Group("/agents")
		agentsGroup.Use(rbac.RequireWorkspace())
		{
			agentsGroup.POST("", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSupervisor, rbac.RoleSuperAdmin), h.RegisterAgent)
			agentsGroup.GET("", rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSupervisor, rbac.RoleSuperAdmin), h.ListAgents)
			agentsGroup.PUT("/:agent_id/availability",
				rbac.RequireAnyRole(rbac.RoleAgent, rbac.RoleSupervisor, rbac.RoleOwner, rbac.RoleSuperAdmin),
				h.SetAgentAvailability)
		}

		// CALL routes: inspection and the supervisor hangup.
		callsGroup := v1.Group("/calls")
		callsGroup.Use(rbac.RequireWorkspace())
		callsGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSupervisor, rbac.RoleSuperAdmin))
		{
			callsGroup.GET("/stale", h.ListStaleCalls)
			callsGroup.GET("/:call_id", h.GetCall)
			callsGroup.POST("/:call_id/terminate", h.ForceTerminateCall)
		}

		// COMPLIANCE routes: decision history and contact-profile (DNC)
		// management.
		complianceGroup := v1.Group("/compliance")
		complianceGroup.Use(rbac.RequireWorkspace())
		complianceGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleComplianceOfficer, rbac.RoleSuperAdmin))
		{
			complianceGroup.GET("/decisions", h.ComplianceHistory)
			complianceGroup.GET("/profiles/:phone_number", h.GetContactProfile)
			complianceGroup.PUT("/profiles", h.UpsertContactProfile)
		}

		// REPORT routes: read-only aggregates over call records.
		reportsGroup := v1.Group("/reports")
		reportsGroup.Use(rbac.RequireWorkspace())
		reportsGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSupervisor, rbac.RoleSuperAdmin))
		{
			reportsGroup.GET("/calls", h.CallsSummary)
			reportsGroup.GET("/dispositions", h.DispositionBreakdown)
		}

		// AUDIT export: tenant-scoped, read-only.
		auditGroup := v1.Group("/audit")
		auditGroup.Use(rbac.RequireWorkspace())
		auditGroup.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleComplianceOfficer, rbac.RoleSuperAdmin))
		{
			auditGroup.GET("/entries", h.ExportAudit)
		}

		// ADMIN routes: dead-letter review and requeue.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireWorkspace())
		admin.Use(rbac.RequireAnyRole(rbac.RoleOwner, rbac.RoleSuperAdmin))
		{
			admin.GET("/dead-letters", h.ListDeadLetters)
			admin.POST("/dead-letters/:task_id/requeue", h.RequeueDeadLetter)
		}
	}
}
