package main

import (
	"net/http"

	"provider-pool/internal/auth"
	"provider-pool/internal/config"
	"provider-pool/internal/httpapi"
	"provider-pool/internal/lease"
	"provider-pool/internal/provider"
	"provider-pool/internal/session"
	"provider-pool/internal/sweep"
	"provider-pool/internal/tasks"
	"provider-pool/internal/telephony"
	"provider-pool/pkg/metrics"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	cfg         config.Config
	metrics     *metrics.Metrics
	authManager *auth.Manager
	providers   provider.Store
	sessions    session.Store
	leases      *lease.Service
	timeoutTask *tasks.TimeoutTask
	guardTask   *tasks.GuardTask
	reconciler  *sweep.Reconciler
	inactivity  *sweep.InactivitySweeper
}

func registerRoutes(r *gin.Engine, d routeDeps) {
	api := httpapi.Handlers{
		Auth:            d.authManager,
		Providers:       d.providers,
		Sessions:        d.sessions,
		Leases:          d.leases,
		MaxCallDuration: d.cfg.Lease.MaxCallDuration,
	}
	taskHandlers := tasks.Handlers{Timeout: d.timeoutTask, Guard: d.guardTask}
	sweepHandlers := sweep.Handlers{Reconciler: d.reconciler, Inactivity: d.inactivity}
	statusWebhook := telephony.StatusWebhookHandler{Sessions: d.sessions, Leases: d.leases}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.metrics.Handler()))

	// Carrier status callbacks. Terminal statuses drive the normal release path.
	r.POST("/webhooks/calls/status", statusWebhook.HandleCallStatus)

	// Scheduled-task push deliveries, authenticated by the shared secret.
	// Route paths must match schedule.Kind.Path.
	taskGroup := r.Group("/webhooks/tasks", tasks.RequireSecret(d.cfg.Tasks.SharedSecret))
	{
		taskGroup.POST("/lease-timeout", taskHandlers.HandleLeaseTimeout)
		taskGroup.POST("/call-guard", taskHandlers.HandleCallGuard)
	}

	// Cron-triggered sweeps, same secret as the task queue.
	sweepGroup := r.Group("/internal/sweeps", tasks.RequireSecret(d.cfg.Tasks.SharedSecret))
	{
		sweepGroup.POST("/reconcile", sweepHandlers.HandleReconcile)
		sweepGroup.POST("/inactivity", sweepHandlers.HandleInactivity)
	}

	v1 := r.Group("/v1")
	{
		v1.POST("/auth/token", api.IssueToken)

		authed := v1.Group("", auth.RequireAccessToken(d.authManager))
		{
			authed.GET("/providers/me", api.Me)
			authed.POST("/providers/me/heartbeat", api.Heartbeat)
			authed.PUT("/providers/me/status", api.SetStatus)

			admin := authed.Group("", auth.RequireRole(auth.RoleAdmin))
			{
				admin.POST("/calls", api.StartCall)
				admin.POST("/admin/providers/:provider_id/release", api.AdminRelease)
			}
		}
	}
}
