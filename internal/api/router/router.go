package router

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/mediaconv/internal/api/handler"
	"github.com/cuongbtq/mediaconv/internal/auth"
	"github.com/cuongbtq/mediaconv/internal/metrics"
)

// TokenVerifier resolves a bearer token to the calling user
type TokenVerifier interface {
	Verify(token string) (*auth.Identity, error)
}

// HealthChecker reports whether a backing service is reachable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options holds everything the router needs besides handler dependencies
type Options struct {
	ServiceName  string
	Verifier     TokenVerifier
	WorkerAPIKey string
	Metrics      *metrics.Metrics
	Health       HealthChecker
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts *Options) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	if opts.Metrics != nil {
		r.Use(MetricsMiddleware(opts.Metrics))
	}

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		if opts.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := opts.Health.HealthCheck(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": opts.ServiceName,
					"error":   "database unavailable",
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": opts.ServiceName,
		})
	})

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics.Handler()))
	}

	jobHandler := handler.NewJobHandler(deps)
	quotaHandler := handler.NewQuotaHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// POST /api/v1/jobs/internal/:job_id/status - Worker status callback
		internal := v1.Group("/jobs/internal", WorkerKeyMiddleware(opts.WorkerAPIKey))
		internal.POST("/:job_id/status", jobHandler.ReportStatus)

		user := v1.Group("", AuthMiddleware(opts.Verifier, deps.Logger))
		{
			jobs := user.Group("/jobs")
			{
				// POST /api/v1/jobs - Create a new job
				jobs.POST("", jobHandler.CreateJob)

				// GET /api/v1/jobs - List jobs, newest first
				jobs.GET("", jobHandler.ListJobs)

				// GET /api/v1/jobs/:job_id - Get job details
				jobs.GET("/:job_id", jobHandler.GetJob)

				// POST /api/v1/jobs/:job_id/cancel - Cancel a job
				jobs.POST("/:job_id/cancel", jobHandler.CancelJob)

				// GET /api/v1/jobs/:job_id/download - Presigned download URL
				jobs.GET("/:job_id/download", jobHandler.GetDownloadURL)
			}

			// GET /api/v1/quota - Today's quota usage
			user.GET("/quota", quotaHandler.GetQuota)
		}
	}

	return r
}
